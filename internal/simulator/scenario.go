package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/platevision/monitor-cli/internal/model"
)

// EmitFunc delivers one envelope to connected subscribers.
type EmitFunc func(ctx context.Context, env model.Envelope) error

// Step is one scripted emission: wait after_ms, then send an event of the
// given type with the given payload.
type Step struct {
	AfterMs int            `yaml:"after_ms"`
	Type    string         `yaml:"type"`
	Data    map[string]any `yaml:"data"`
}

// Envelope converts the step to a wire frame. Unrecognized event types pass
// through untouched; scripts use them to exercise consumer drop paths.
func (s Step) Envelope() (model.Envelope, error) {
	payload, err := json.Marshal(s.Data)
	if err != nil {
		return model.Envelope{}, eris.Wrap(err, "simulator: marshal step data")
	}
	return model.Envelope{Type: model.EventType(s.Type), Data: payload}, nil
}

// Scenario is an ordered script of frames, optionally looped forever.
type Scenario struct {
	Name  string `yaml:"name"`
	Loop  bool   `yaml:"loop"`
	Steps []Step `yaml:"steps"`
}

// LoadScenario reads a scenario script from a YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "simulator: read scenario %s", path)
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, eris.Wrapf(err, "simulator: parse scenario %s", path)
	}
	if len(sc.Steps) == 0 {
		return nil, eris.Errorf("simulator: scenario %s has no steps", path)
	}
	for i, step := range sc.Steps {
		if step.Type == "" {
			return nil, eris.Errorf("simulator: scenario %s: step %d has no type", path, i)
		}
		if step.AfterMs < 0 {
			return nil, eris.Errorf("simulator: scenario %s: step %d has negative after_ms", path, i)
		}
	}
	return &sc, nil
}

// Player walks a scenario's steps in order, pacing emissions with the
// server's rate limiter.
type Player struct {
	scenario *Scenario
	limiter  *rate.Limiter
}

// NewPlayer creates a player for the given scenario. A nil limiter means
// unthrottled.
func NewPlayer(sc *Scenario, limiter *rate.Limiter) *Player {
	return &Player{scenario: sc, limiter: limiter}
}

// Play emits the script once, or repeatedly when the scenario loops.
// Returns nil when a non-looping script is exhausted.
func (p *Player) Play(ctx context.Context, emit EmitFunc) error {
	for {
		for i, step := range p.scenario.Steps {
			if err := pause(ctx, time.Duration(step.AfterMs)*time.Millisecond); err != nil {
				return err
			}
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					return eris.Wrap(err, "simulator: pace wait")
				}
			}
			env, err := step.Envelope()
			if err != nil {
				return eris.Wrapf(err, "simulator: step %d", i)
			}
			if err := emit(ctx, env); err != nil {
				return err
			}
		}
		if !p.scenario.Loop {
			return nil
		}
	}
}

// Generator fabricates detection lifecycles when no script is loaded: a
// tray appears, gets classified, weighs in, weighs out. A configurable
// slice of cycles dies mid-analysis to exercise the ai_error path, and
// side-channel camera and alert traffic is mixed in.
type Generator struct {
	limiter     *rate.Limiter
	failureRate float64
	cameras     []int64
	categories  []string
	stageDelay  time.Duration
	nextID      atomic.Int64
}

// NewGenerator creates a lifecycle generator. failureRate in [0, 1] is the
// fraction of cycles that end in ai_error.
func NewGenerator(limiter *rate.Limiter, failureRate float64) *Generator {
	g := &Generator{
		limiter:     limiter,
		failureRate: failureRate,
		cameras:     []int64{1, 2, 3},
		categories:  []string{"pasta", "salad", "soup", "bread", "dessert", "no_waste"},
		stageDelay:  400 * time.Millisecond,
	}
	g.nextID.Store(1000)
	return g
}

// Run emits lifecycles until ctx is cancelled.
func (g *Generator) Run(ctx context.Context, emit EmitFunc) error {
	for cycle := 1; ; cycle++ {
		if err := g.lifecycle(ctx, emit); err != nil {
			return err
		}
		if cycle%7 == 0 {
			camera := g.cameras[rand.Intn(len(g.cameras))]
			if err := g.send(ctx, emit, model.EventCameraStatus, map[string]any{
				"camera_id": camera,
				"name":      fmt.Sprintf("tray-line-%d", camera),
				"online":    rand.Intn(10) > 0,
			}); err != nil {
				return err
			}
		}
		if cycle%23 == 0 {
			if err := g.send(ctx, emit, model.EventSystemAlert, map[string]any{
				"level":   "warning",
				"message": "scale drift detected",
				"source":  fmt.Sprintf("camera-%d", g.cameras[rand.Intn(len(g.cameras))]),
			}); err != nil {
				return err
			}
		}
	}
}

func (g *Generator) lifecycle(ctx context.Context, emit EmitFunc) error {
	id := g.nextID.Add(1)
	camera := g.cameras[rand.Intn(len(g.cameras))]
	motion := uuid.NewString()

	err := g.send(ctx, emit, model.EventDetectionAnalyzing, map[string]any{
		"id":          id,
		"camera_id":   camera,
		"motion_id":   motion,
		"detected_at": time.Now().UTC().Format(time.RFC3339),
		"description": model.AnalyzingSentinel,
	})
	if err != nil {
		return err
	}

	if g.failureRate > 0 && rand.Float64() < g.failureRate {
		return g.send(ctx, emit, model.EventDetectionAIError, map[string]any{
			"id":     id,
			"status": string(model.StatusAIError),
		})
	}

	category := g.categories[rand.Intn(len(g.categories))]
	err = g.send(ctx, emit, model.EventDetectionFoodClassified, map[string]any{
		"id":                        id,
		"category":                  category,
		"description":               fmt.Sprintf("Plate of %s", category),
		"classification_confidence": round2(0.72 + rand.Float64()*0.27),
	})
	if err != nil {
		return err
	}

	initial := round1(180 + rand.Float64()*420)
	err = g.send(ctx, emit, model.EventDetectionInitialOCRComplete, map[string]any{
		"id":             id,
		"initial_weight": initial,
		"ocr_confidence": round2(0.80 + rand.Float64()*0.19),
		"raw_ocr_text":   fmt.Sprintf("%.0f g", initial),
	})
	if err != nil {
		return err
	}

	return g.send(ctx, emit, model.EventDetectionComplete, map[string]any{
		"id":           id,
		"final_weight": round1(initial * (0.05 + rand.Float64()*0.55)),
		"status":       string(model.StatusComplete),
	})
}

// send applies stage think-time and pacing, then emits one frame.
func (g *Generator) send(ctx context.Context, emit EmitFunc, typ model.EventType, data map[string]any) error {
	if g.stageDelay > 0 {
		if err := pause(ctx, time.Duration(rand.Int63n(int64(g.stageDelay)))); err != nil {
			return err
		}
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "simulator: pace wait")
		}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return eris.Wrap(err, "simulator: marshal lifecycle payload")
	}
	return emit(ctx, model.Envelope{Type: typ, Data: payload})
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func round1(f float64) float64 { return math.Round(f*10) / 10 }
func round2(f float64) float64 { return math.Round(f*100) / 100 }
