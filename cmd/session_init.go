package main

import (
	"time"

	"github.com/platevision/monitor-cli/internal/assets"
	"github.com/platevision/monitor-cli/internal/attention"
	"github.com/platevision/monitor-cli/internal/bus"
	"github.com/platevision/monitor-cli/internal/merge"
	"github.com/platevision/monitor-cli/internal/model"
	"github.com/platevision/monitor-cli/internal/pipeline"
	"github.com/platevision/monitor-cli/internal/stream"
	"github.com/platevision/monitor-cli/pkg/visionapi"
)

// sessionEnv holds everything one live viewing session needs: the stream
// client, the event bus, the merger, the attention manager, the asset
// layer, and the assembled pipeline. Backend and Resolver are nil when no
// API base URL is configured; watch works stream-only.
type sessionEnv struct {
	Stream    *stream.Client
	Bus       *bus.Bus
	Merger    *merge.Merger
	Attention *attention.Manager
	Cache     *assets.Cache
	Resolver  *assets.Resolver
	Backend   visionapi.Client
	Pipeline  *pipeline.Pipeline
}

// Close tears the session down: the pipeline stops the stream and discards
// session state, then the bus drops its subscribers.
func (se *sessionEnv) Close() {
	se.Pipeline.Stop()
	se.Bus.Close()
}

// streamOptions builds the stream client options from config. A zero ping
// interval keeps the client's keepalive defaults.
func streamOptions() []stream.Option {
	opts := []stream.Option{
		stream.WithMaxAttempts(cfg.Stream.MaxReconnectAttempts),
		stream.WithBackoffStep(time.Duration(cfg.Stream.BackoffStepSecs) * time.Second),
		stream.WithReadLimit(cfg.Stream.ReadLimitBytes),
	}
	if cfg.Stream.PingIntervalSecs > 0 {
		ping := time.Duration(cfg.Stream.PingIntervalSecs) * time.Second
		opts = append(opts, stream.WithKeepalive(ping, ping+6*time.Second))
	}
	return opts
}

// initBackend builds the backend REST client, or nil when no base URL is
// configured.
func initBackend() visionapi.Client {
	if cfg.API.BaseURL == "" {
		return nil
	}
	opts := []visionapi.Option{visionapi.WithRateLimit(cfg.API.RateLimit)}
	if cfg.API.StaticBaseURL != "" {
		opts = append(opts, visionapi.WithStaticBaseURL(cfg.API.StaticBaseURL))
	}
	return visionapi.NewClient(cfg.API.BaseURL, cfg.API.Token, opts...)
}

// initSession wires a live session from config. The mode picks which
// config sections must validate; attention options let the caller hook
// window opens and closes.
func initSession(mode string, attnOpts ...attention.ManagerOption) (*sessionEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	backend := initBackend()

	sc := stream.NewClient(cfg.Stream.URL, streamOptions()...)

	// Attention policy from config
	caps := make([]model.Capability, 0, len(cfg.Attention.AllowedCapabilities))
	for _, c := range cfg.Attention.AllowedCapabilities {
		caps = append(caps, model.Capability(c))
	}
	policy := attention.NewPolicy(
		attention.WithAllowedCapabilities(caps...),
		attention.WithNoWasteCategory(cfg.Attention.NoWasteCategory),
		attention.WithDismissDelays(
			time.Duration(cfg.Attention.NoWasteDismissMs)*time.Millisecond,
			time.Duration(cfg.Attention.DismissMs)*time.Millisecond,
		),
	)

	var reviewer attention.Reviewer
	if backend != nil {
		reviewer = backend
	}
	am := attention.NewManager(policy, model.NewCapabilitySet(caps...), reviewer, attnOpts...)

	cache := assets.NewCache()
	var resolver *assets.Resolver
	if backend != nil {
		resolver = assets.NewResolver(cache, backend)
	}

	b := bus.New()
	m := merge.New()
	p := pipeline.New(sc, b, m, am, pipeline.WithResolutionCache(cache))

	return &sessionEnv{
		Stream:    sc,
		Bus:       b,
		Merger:    m,
		Attention: am,
		Cache:     cache,
		Resolver:  resolver,
		Backend:   backend,
		Pipeline:  p,
	}, nil
}
