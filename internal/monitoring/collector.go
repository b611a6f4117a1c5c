package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/platevision/monitor-cli/internal/assets"
	"github.com/platevision/monitor-cli/internal/merge"
	"github.com/platevision/monitor-cli/internal/model"
	"github.com/platevision/monitor-cli/internal/pipeline"
)

// MetricsSnapshot holds a point-in-time view of session health.
type MetricsSnapshot struct {
	// Session.
	SessionRunning    bool            `json:"session_running"`
	ConnState         model.ConnState `json:"conn_state"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	UptimeSecs        int64           `json:"uptime_secs"`

	// Stream counters since session start.
	EventsReceived   uint64 `json:"events_received"`
	DroppedFrames    uint64 `json:"dropped_frames"`
	RejectedPayloads uint64 `json:"rejected_payloads"`
	TransportErrors  uint64 `json:"transport_errors"`

	// Record set.
	Records         int                  `json:"records"`
	ByStatus        map[model.Status]int `json:"by_status"`
	StaleRecords    int                  `json:"stale_records"`
	WasteGramsTotal float64              `json:"waste_grams_total"`

	// Resolution cache by origin.
	CachePrimary  int `json:"cache_primary"`
	CacheFallback int `json:"cache_fallback"`

	// Metadata.
	StaleAfterSecs int       `json:"stale_after_secs"`
	CollectedAt    time.Time `json:"collected_at"`
}

// SnapshotSource abstracts the pipeline methods the collector reads.
type SnapshotSource interface {
	Snapshot() pipeline.Snapshot
	Records() []model.Detection
}

// Collector gathers metrics from the running session.
type Collector struct {
	src        SnapshotSource
	merger     *merge.Merger
	cache      *assets.Cache
	staleAfter time.Duration
	startedAt  time.Time
}

// NewCollector creates a metrics collector. Records mid-lifecycle that see
// no event for staleAfter count as stale.
func NewCollector(src SnapshotSource, m *merge.Merger, cache *assets.Cache, staleAfter time.Duration) *Collector {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &Collector{
		src:        src,
		merger:     m,
		cache:      cache,
		staleAfter: staleAfter,
		startedAt:  time.Now(),
	}
}

// Collect gathers a snapshot of session metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "monitoring: collect")
	}

	pipe := c.src.Snapshot()
	snap := &MetricsSnapshot{
		SessionRunning:    pipe.Running,
		ConnState:         pipe.Stream.State,
		ReconnectAttempts: pipe.Stream.Attempts,
		UptimeSecs:        int64(time.Since(c.startedAt).Seconds()),
		EventsReceived:    pipe.Stream.Received,
		DroppedFrames:     pipe.Stream.Dropped,
		RejectedPayloads:  pipe.Rejected,
		TransportErrors:   pipe.TransportErrors,
		Records:           pipe.Records,
		ByStatus:          pipe.ByStatus,
		StaleAfterSecs:    int(c.staleAfter.Seconds()),
		CollectedAt:       time.Now().UTC(),
	}

	if c.merger != nil {
		snap.StaleRecords = len(c.merger.Stale(time.Now().Add(-c.staleAfter)))
	}

	// Waste total counts only fully weighed plates; a record missing either
	// scale reading has nothing to add yet.
	for _, rec := range c.src.Records() {
		if merge.DeriveStatus(rec) != model.StatusComplete {
			continue
		}
		if g, ok := rec.WasteGrams(); ok {
			snap.WasteGramsTotal += g
		}
	}

	if c.cache != nil {
		for _, e := range c.cache.Entries() {
			switch e.Origin {
			case assets.OriginPrimary:
				snap.CachePrimary++
			case assets.OriginFallback:
				snap.CacheFallback++
			}
		}
	}

	return snap, nil
}
