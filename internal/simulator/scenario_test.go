package simulator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platevision/monitor-cli/internal/model"
)

func writeScenario(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadScenario_ParsesScript(t *testing.T) {
	t.Parallel()

	path := writeScenario(t, `
name: lunch-rush
loop: true
steps:
  - after_ms: 100
    type: detection_analyzing
    data:
      id: 7
      camera_id: 2
  - type: detection_complete
    data:
      id: 7
      final_weight: 120.5
`)

	sc, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "lunch-rush", sc.Name)
	assert.True(t, sc.Loop)
	require.Len(t, sc.Steps, 2)
	assert.Equal(t, 100, sc.Steps[0].AfterMs)
	assert.Equal(t, "detection_analyzing", sc.Steps[0].Type)

	env, err := sc.Steps[1].Envelope()
	require.NoError(t, err)
	assert.Equal(t, model.EventDetectionComplete, env.Type)
	assert.JSONEq(t, `{"id":7,"final_weight":120.5}`, string(env.Data))
}

func TestLoadScenario_RejectsBadScripts(t *testing.T) {
	t.Parallel()

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
	t.Run("no steps", func(t *testing.T) {
		_, err := LoadScenario(writeScenario(t, "name: empty\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no steps")
	})
	t.Run("step without type", func(t *testing.T) {
		_, err := LoadScenario(writeScenario(t, "steps:\n  - after_ms: 5\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no type")
	})
	t.Run("negative delay", func(t *testing.T) {
		_, err := LoadScenario(writeScenario(t, "steps:\n  - after_ms: -1\n    type: detection_analyzing\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "negative after_ms")
	})
	t.Run("not yaml", func(t *testing.T) {
		_, err := LoadScenario(writeScenario(t, "{{{{"))
		assert.Error(t, err)
	})
}

func TestPlayer_EmitsStepsInOrder(t *testing.T) {
	t.Parallel()

	sc := &Scenario{Steps: []Step{
		{Type: "detection_analyzing", Data: map[string]any{"id": 1}},
		{Type: "detection_complete", Data: map[string]any{"id": 1, "final_weight": 90.0}},
		{Type: "bogus_event", Data: map[string]any{"x": true}},
	}}

	var seen []model.Envelope
	emit := func(_ context.Context, env model.Envelope) error {
		seen = append(seen, env)
		return nil
	}
	require.NoError(t, NewPlayer(sc, nil).Play(context.Background(), emit))

	require.Len(t, seen, 3)
	assert.Equal(t, model.EventDetectionAnalyzing, seen[0].Type)
	assert.Equal(t, model.EventDetectionComplete, seen[1].Type)
	assert.Equal(t, model.EventType("bogus_event"), seen[2].Type)
	assert.JSONEq(t, `{"id":1,"final_weight":90}`, string(seen[1].Data))
}

func TestPlayer_LoopRunsUntilCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc := &Scenario{Loop: true, Steps: []Step{
		{Type: "camera_status", Data: map[string]any{"camera_id": 1}},
	}}

	var count int
	emit := func(_ context.Context, _ model.Envelope) error {
		count++
		if count >= 5 {
			cancel()
		}
		return nil
	}
	err := NewPlayer(sc, nil).Play(ctx, emit)
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, count, 5)
}

func TestGenerator_EmitsFullLifecycle(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := NewGenerator(nil, 0)
	g.stageDelay = 0

	var frames []model.Envelope
	emit := func(_ context.Context, env model.Envelope) error {
		frames = append(frames, env)
		if len(frames) >= 4 {
			cancel()
		}
		return ctx.Err()
	}
	err := g.Run(ctx, emit)
	assert.ErrorIs(t, err, context.Canceled)
	require.GreaterOrEqual(t, len(frames), 4)

	assert.Equal(t, model.EventDetectionAnalyzing, frames[0].Type)
	assert.Equal(t, model.EventDetectionFoodClassified, frames[1].Type)
	assert.Equal(t, model.EventDetectionInitialOCRComplete, frames[2].Type)
	assert.Equal(t, model.EventDetectionComplete, frames[3].Type)

	var first struct {
		ID          int64  `json:"id"`
		CameraID    int64  `json:"camera_id"`
		MotionID    string `json:"motion_id"`
		Description string `json:"description"`
	}
	require.NoError(t, json.Unmarshal(frames[0].Data, &first))
	assert.Equal(t, model.AnalyzingSentinel, first.Description)
	assert.NotEmpty(t, first.MotionID)
	assert.NotZero(t, first.CameraID)

	var second struct {
		ID       int64   `json:"id"`
		Category string  `json:"category"`
		Conf     float64 `json:"classification_confidence"`
	}
	require.NoError(t, json.Unmarshal(frames[1].Data, &second))
	assert.Equal(t, first.ID, second.ID)
	assert.NotEmpty(t, second.Category)
	assert.Greater(t, second.Conf, 0.0)

	var third struct {
		ID            int64   `json:"id"`
		InitialWeight float64 `json:"initial_weight"`
	}
	require.NoError(t, json.Unmarshal(frames[2].Data, &third))
	assert.Greater(t, third.InitialWeight, 0.0)

	var last struct {
		ID          int64   `json:"id"`
		FinalWeight float64 `json:"final_weight"`
		Status      string  `json:"status"`
	}
	require.NoError(t, json.Unmarshal(frames[3].Data, &last))
	assert.Equal(t, first.ID, last.ID)
	assert.Equal(t, string(model.StatusComplete), last.Status)
	assert.Greater(t, last.FinalWeight, 0.0)
	assert.Less(t, last.FinalWeight, third.InitialWeight)
}

func TestGenerator_FailureRateProducesAIError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := NewGenerator(nil, 1.0)
	g.stageDelay = 0

	var frames []model.Envelope
	emit := func(_ context.Context, env model.Envelope) error {
		frames = append(frames, env)
		if len(frames) >= 2 {
			cancel()
		}
		return ctx.Err()
	}
	err := g.Run(ctx, emit)
	assert.ErrorIs(t, err, context.Canceled)
	require.GreaterOrEqual(t, len(frames), 2)

	assert.Equal(t, model.EventDetectionAnalyzing, frames[0].Type)
	assert.Equal(t, model.EventDetectionAIError, frames[1].Type)
}
