// Package merge maintains the canonical record for each in-flight detection
// and derives its processing status.
//
// The stream delivers partial updates that may arrive more than once or out
// of order. Merging is idempotent, and status is derived from whichever
// fields are present at merge time, so a reordered final-stage event can
// make a record complete without the intermediate stages ever being
// observed. The transport makes no ordering promise.
package merge

import (
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/platevision/monitor-cli/internal/model"
)

// ErrNotLifecycle is returned when a side-channel or unknown event is
// offered to the merger.
var ErrNotLifecycle = eris.New("merge: event carries no detection payload")

// Merger owns one canonical detection record per id. Mutation happens only
// through Apply; reads get copies.
type Merger struct {
	mu      sync.RWMutex
	records map[int64]model.Detection
	touched map[int64]time.Time
}

// New creates an empty merger.
func New() *Merger {
	return &Merger{
		records: make(map[int64]model.Detection),
		touched: make(map[int64]time.Time),
	}
}

// Apply folds a detection lifecycle event into the canonical record for its
// id, creating the record if this is the first sighting. Fields present in
// the event overwrite; fields absent retain their prior values. The updated
// record and its effective status are returned as a copy.
//
// Events without a well-formed detection payload are rejected before any
// record is touched.
func (m *Merger) Apply(env model.Envelope) (model.Detection, model.Status, error) {
	if !env.Type.Lifecycle() {
		return model.Detection{}, model.StatusUnknown, ErrNotLifecycle
	}

	upd, err := model.DecodeDetection(env.Data)
	if err != nil {
		return model.Detection{}, model.StatusUnknown, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[*upd.ID]
	if !ok {
		rec = model.Detection{ID: *upd.ID}
	}
	applyUpdate(&rec, upd)

	// ai_error is never inferred from fields; it arrives either as an
	// explicit status value or as the dedicated error event type.
	if env.Type == model.EventDetectionAIError {
		rec.Status = model.StatusAIError
	}

	m.records[rec.ID] = rec
	m.touched[rec.ID] = time.Now()
	status := DeriveStatus(rec)

	zap.L().Debug("merge: applied event",
		zap.String("type", string(env.Type)),
		zap.Int64("detection_id", rec.ID),
		zap.String("status", string(status)),
	)
	return rec, status, nil
}

func applyUpdate(rec *model.Detection, upd model.DetectionUpdate) {
	if upd.Category != nil {
		rec.Category = upd.Category
	}
	if upd.Description != nil {
		rec.Description = upd.Description
	}
	if upd.ClassConfidence != nil {
		rec.ClassConfidence = upd.ClassConfidence
	}
	if upd.OCRConfidence != nil {
		rec.OCRConfidence = upd.OCRConfidence
	}
	if upd.InitialWeight != nil {
		rec.InitialWeight = upd.InitialWeight
	}
	if upd.FinalWeight != nil {
		rec.FinalWeight = upd.FinalWeight
	}
	if upd.RawOCRText != nil {
		rec.RawOCRText = upd.RawOCRText
	}
	if upd.TrayID != nil {
		rec.TrayID = upd.TrayID
	}
	if upd.CameraID != nil {
		rec.CameraID = upd.CameraID
	}
	if upd.MotionID != nil {
		rec.MotionID = upd.MotionID
	}
	if upd.DetectedAt != nil {
		rec.DetectedAt = upd.DetectedAt
	}
	if upd.Status != nil {
		rec.Status = *upd.Status
	}
}

// DeriveStatus computes the effective processing status of a record. An
// explicit backend-assigned status wins outright. Otherwise the most
// advanced stage whose evidence is present wins; the order is load-bearing
// because each later stage's field presupposes the stages before it:
//
//   - final weight present                  → complete
//   - initial weight present                → initial_ocr_complete
//   - category present, no "Analyzing..."
//     placeholder description               → food_classified
//   - otherwise                             → analyzing
//
// Checking the most advanced evidence first is what lets a reordered final
// event complete a record whose intermediate events never arrived.
func DeriveStatus(d model.Detection) model.Status {
	if d.Status != "" {
		return d.Status
	}
	if d.FinalWeight != nil {
		return model.StatusComplete
	}
	if d.InitialWeight != nil {
		return model.StatusInitialOCRComplete
	}
	if d.Category != nil && (d.Description == nil || *d.Description != model.AnalyzingSentinel) {
		return model.StatusFoodClassified
	}
	return model.StatusAnalyzing
}

// Get returns a copy of the record for id, if present.
func (m *Merger) Get(id int64) (model.Detection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	return rec, ok
}

// Len returns the number of tracked records.
func (m *Merger) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Records returns a copy of all tracked records, ordered by id, for
// inspection surfaces.
func (m *Merger) Records() []model.Detection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Detection, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountByStatus returns the number of records in each effective status.
func (m *Merger) CountByStatus() map[model.Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[model.Status]int)
	for _, rec := range m.records {
		counts[DeriveStatus(rec)]++
	}
	return counts
}

// Stale returns the ids of records still mid-lifecycle whose most recent
// event was applied before cutoff, ordered by id. A detection stuck in
// analyzing usually means the backend lost it.
func (m *Merger) Stale(cutoff time.Time) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []int64
	for id, rec := range m.records {
		if DeriveStatus(rec).Terminal() {
			continue
		}
		if m.touched[id].Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Forget discards the record for id. Used when a detection is superseded.
func (m *Merger) Forget(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	delete(m.touched, id)
}

// Reset discards every record. Called on session teardown.
func (m *Merger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[int64]model.Detection)
	m.touched = make(map[int64]time.Time)
}
