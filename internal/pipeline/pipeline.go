// Package pipeline wires the stream client, event bus, state merger, and
// attention manager into one running monitoring session.
//
// Flow: transport frame, stream client, raw republish on the bus, merger,
// merged republish, attention offer. Event handling runs on the stream's
// read-loop goroutine, so no two merges ever race on the same record.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/platevision/monitor-cli/internal/assets"
	"github.com/platevision/monitor-cli/internal/attention"
	"github.com/platevision/monitor-cli/internal/bus"
	"github.com/platevision/monitor-cli/internal/merge"
	"github.com/platevision/monitor-cli/internal/model"
	"github.com/platevision/monitor-cli/internal/stream"
)

// Bus topics. Raw events republish under their own type name with the
// event's data as payload; merged records and transport failures get
// dedicated topics.
const (
	// TopicMerged carries one MergedRecord per applied lifecycle event.
	TopicMerged = "detection.merged"

	// TopicTransport carries transport errors so listeners can show
	// connection health without holding the stream client.
	TopicTransport = "stream.transport"
)

// MergedRecord is the payload published on TopicMerged.
type MergedRecord struct {
	Event  model.EventType `json:"event"`
	Record model.Detection `json:"record"`
	Status model.Status    `json:"status"`
}

// StreamClient is the subscription surface the pipeline drives. Satisfied
// by *stream.Client; tests substitute a scripted fake.
type StreamClient interface {
	Connect(ctx context.Context, credential string, onEvent stream.EventHandler, onError stream.ErrorHandler) error
	Disconnect()
	IsConnected() bool
	State() model.ConnState
	Stats() stream.Stats
}

// ErrAlreadyRunning is returned by Start when a session is already live.
var ErrAlreadyRunning = eris.New("pipeline: already running")

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithResolutionCache hands the session's asset cache to the pipeline so
// Stop can discard it along with the rest of the session state.
func WithResolutionCache(c *assets.Cache) Option {
	return func(p *Pipeline) { p.cache = c }
}

// Pipeline owns one monitoring session. The bus is borrowed, not owned:
// Stop discards session state but leaves the caller's subscriptions alone.
type Pipeline struct {
	stream    StreamClient
	bus       *bus.Bus
	merger    *merge.Merger
	attention *attention.Manager
	cache     *assets.Cache

	mu      sync.Mutex
	running bool

	merged        atomic.Uint64
	rejected      atomic.Uint64
	transportErrs atomic.Uint64
}

// Snapshot is a point-in-time view of the session for status surfaces.
type Snapshot struct {
	Running         bool                 `json:"running"`
	Stream          stream.Stats         `json:"stream"`
	Bus             bus.Stats            `json:"bus"`
	Records         int                  `json:"records"`
	ByStatus        map[model.Status]int `json:"by_status"`
	Window          *attention.Window    `json:"window,omitempty"`
	CachedAssets    int                  `json:"cached_assets"`
	Merged          uint64               `json:"merged"`
	Rejected        uint64               `json:"rejected"`
	TransportErrors uint64               `json:"transport_errors"`
}

// New creates a Pipeline over the given collaborators.
func New(sc StreamClient, b *bus.Bus, m *merge.Merger, am *attention.Manager, opts ...Option) *Pipeline {
	p := &Pipeline{stream: sc, bus: b, merger: m, attention: am}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start opens the subscription and begins processing. A missing credential
// fails fast. A failed initial dial is not fatal: the stream's reconnect
// policy already owns it, so Start logs and reports the session as running.
func (p *Pipeline) Start(ctx context.Context, credential string) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.running = true
	p.mu.Unlock()

	if err := p.stream.Connect(ctx, credential, p.handleEvent, p.handleTransportError); err != nil {
		if eris.Is(err, stream.ErrNoCredential) {
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
			return err
		}
		zap.L().Warn("pipeline: initial connect failed, reconnect policy engaged", zap.Error(err))
	}

	zap.L().Info("pipeline: session started")
	return nil
}

// Stop tears the session down: the subscription closes and any pending
// reconnect is cancelled, the attention window closes without callbacks,
// and the record set and resolution cache are discarded. The bus stays
// open for the caller.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.stream.Disconnect()
	p.attention.Close()
	p.merger.Reset()
	if p.cache != nil {
		p.cache.Reset()
	}
	zap.L().Info("pipeline: session stopped")
}

// Running reports whether a session is live.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Records returns the merger's current record set sorted by id.
func (p *Pipeline) Records() []model.Detection {
	return p.merger.Records()
}

// Snapshot collects the session's state and counters.
func (p *Pipeline) Snapshot() Snapshot {
	snap := Snapshot{
		Running:         p.Running(),
		Stream:          p.stream.Stats(),
		Bus:             p.bus.Stats(),
		Records:         p.merger.Len(),
		ByStatus:        p.merger.CountByStatus(),
		Merged:          p.merged.Load(),
		Rejected:        p.rejected.Load(),
		TransportErrors: p.transportErrs.Load(),
	}
	if w, open := p.attention.Current(); open {
		snap.Window = &w
	}
	if p.cache != nil {
		snap.CachedAssets = p.cache.Len()
	}
	return snap
}

// handleEvent runs on the stream read-loop goroutine for every
// well-formed envelope.
func (p *Pipeline) handleEvent(env model.Envelope) {
	// Raw republish first: listeners on side-channel topics get the
	// event's data exactly as it arrived.
	p.bus.Publish(string(env.Type), env.Data)

	if !env.Type.Lifecycle() {
		if !env.Type.Known() {
			zap.L().Debug("pipeline: ignoring unknown event type", zap.String("type", string(env.Type)))
		}
		return
	}

	rec, status, err := p.merger.Apply(env)
	if err != nil {
		// Payloads without an id never reach the record set.
		p.rejected.Add(1)
		zap.L().Debug("pipeline: rejected lifecycle payload",
			zap.String("type", string(env.Type)),
			zap.Error(err),
		)
		return
	}

	p.merged.Add(1)
	p.bus.Publish(TopicMerged, MergedRecord{Event: env.Type, Record: rec, Status: status})
	p.attention.Offer(env.Type, rec, status)
}

func (p *Pipeline) handleTransportError(err error) {
	p.transportErrs.Add(1)
	p.bus.Publish(TopicTransport, err)
}
