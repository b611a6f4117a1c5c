package attention

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/platevision/monitor-cli/internal/model"
)

// CloseReason says why a review window closed.
type CloseReason string

const (
	CloseManual    CloseReason = "manual"
	CloseAuto      CloseReason = "auto"
	CloseReplaced  CloseReason = "replaced"
	CloseSubmitted CloseReason = "submitted"
)

// Reviewer submits review decisions to the backend.
type Reviewer interface {
	SubmitReview(ctx context.Context, detectionID int64, review model.Review) (*model.Detection, error)
}

// Window is a snapshot of the open review window.
type Window struct {
	Detection     model.Detection `json:"detection"`
	Status        model.Status    `json:"status"`
	OpenedAt      time.Time       `json:"opened_at"`
	AutoDismissAt *time.Time      `json:"auto_dismiss_at,omitempty"`
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithOpenHandler sets a callback invoked after a window opens for a new
// subject.
func WithOpenHandler(fn func(w Window)) ManagerOption {
	return func(m *Manager) { m.onOpen = fn }
}

// WithCloseHandler sets a callback invoked after a window closes, with the
// reason and the detection it held.
func WithCloseHandler(fn func(reason CloseReason, d model.Detection)) ManagerOption {
	return func(m *Manager) { m.onClose = fn }
}

// Manager owns the single review window and its auto-dismiss timer. At most
// one window is open at a time; offering a different subject replaces it.
// The timer is a single slot: rescheduling replaces it, never stacks, and a
// manual close beats a concurrently firing timer.
type Manager struct {
	policy   *Policy
	caps     model.CapabilitySet
	reviewer Reviewer

	onOpen  func(Window)
	onClose func(CloseReason, model.Detection)

	mu      sync.Mutex
	current *Window
	timer   *time.Timer
	gen     uint64
}

// NewManager creates a manager for one viewer session.
func NewManager(policy *Policy, caps model.CapabilitySet, reviewer Reviewer, opts ...ManagerOption) *Manager {
	m := &Manager{policy: policy, caps: caps, reviewer: reviewer}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Offer presents a merged record to the manager. Records the policy rules
// out are ignored. Otherwise the record opens a window, updates the open
// window for the same subject, or replaces the window of a previous
// subject, cancelling its pending auto-dismiss. Returns whether the record
// now holds the window.
func (m *Manager) Offer(eventType model.EventType, d model.Detection, status model.Status) bool {
	if !m.policy.ShouldAttend(eventType, m.caps) {
		return false
	}

	var replaced *model.Detection
	m.mu.Lock()
	if m.current != nil && m.current.Detection.ID != d.ID {
		prev := m.current.Detection
		replaced = &prev
		m.cancelTimerLocked()
		m.current = nil
	}
	opened := m.current == nil
	if opened {
		m.current = &Window{Detection: d, Status: status, OpenedAt: time.Now()}
	} else {
		m.current.Detection = d
		m.current.Status = status
	}
	if delay, ok := m.policy.AutoDismissDelay(d, status); ok {
		m.scheduleLocked(delay)
	} else {
		m.cancelTimerLocked()
		m.current.AutoDismissAt = nil
	}
	w := *m.current
	m.mu.Unlock()

	if replaced != nil && m.onClose != nil {
		m.onClose(CloseReplaced, *replaced)
	}
	if opened && m.onOpen != nil {
		m.onOpen(w)
	}
	return true
}

// Current returns a snapshot of the open window, if any.
func (m *Manager) Current() (Window, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Window{}, false
	}
	return *m.current, true
}

// Dismiss closes the window by hand, cancelling any pending auto-dismiss.
// A timer that already fired but lost the race does nothing. Idempotent.
func (m *Manager) Dismiss() {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return
	}
	d := m.current.Detection
	m.cancelTimerLocked()
	m.current = nil
	m.mu.Unlock()

	if m.onClose != nil {
		m.onClose(CloseManual, d)
	}
}

// Submit sends a review for the open window's detection. With no window
// open, or before the detection reaches a reviewable status, the call is a
// no-op returning nil. A submission failure is returned unretried with the
// window left open; the viewer decides whether to resubmit. On success the
// window closes and the backend's updated snapshot is returned.
func (m *Manager) Submit(ctx context.Context, review model.Review) (*model.Detection, error) {
	m.mu.Lock()
	if m.current == nil || !m.policy.ActionsEnabled(m.current.Status) || m.reviewer == nil {
		m.mu.Unlock()
		return nil, nil
	}
	id := m.current.Detection.ID
	m.mu.Unlock()

	updated, err := m.reviewer.SubmitReview(ctx, id, review)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	var d model.Detection
	closed := false
	if m.current != nil && m.current.Detection.ID == id {
		d = m.current.Detection
		m.cancelTimerLocked()
		m.current = nil
		closed = true
	}
	m.mu.Unlock()

	if closed && m.onClose != nil {
		m.onClose(CloseSubmitted, d)
	}
	return updated, nil
}

// Accept confirms the open window's detection.
func (m *Manager) Accept(ctx context.Context) (*model.Detection, error) {
	return m.Submit(ctx, model.Review{Action: model.ActionAccept})
}

// Flag queues the open window's detection for offline review.
func (m *Manager) Flag(ctx context.Context, notes string) (*model.Detection, error) {
	return m.Submit(ctx, model.Review{Action: model.ActionFlag, Notes: notes})
}

// Cancel discards the open window's detection.
func (m *Manager) Cancel(ctx context.Context) (*model.Detection, error) {
	return m.Submit(ctx, model.Review{Action: model.ActionCancel})
}

// Close tears the manager down, cancelling any pending auto-dismiss. No
// close notification fires; teardown is not a review outcome.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancelTimerLocked()
	m.current = nil
	m.mu.Unlock()
}

func (m *Manager) scheduleLocked(delay time.Duration) {
	m.cancelTimerLocked()
	g := m.gen
	at := time.Now().Add(delay)
	m.current.AutoDismissAt = &at
	m.timer = time.AfterFunc(delay, func() { m.autoDismiss(g) })
}

// cancelTimerLocked stops the pending timer and invalidates any fire
// already in flight.
func (m *Manager) cancelTimerLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) autoDismiss(g uint64) {
	m.mu.Lock()
	if g != m.gen || m.current == nil {
		m.mu.Unlock()
		return
	}
	d := m.current.Detection
	m.timer = nil
	m.current = nil
	m.mu.Unlock()

	zap.L().Debug("attention: window auto-dismissed", zap.Int64("detection_id", d.ID))
	if m.onClose != nil {
		m.onClose(CloseAuto, d)
	}
}
