// Package attention decides when a detection interrupts the viewer, which
// review actions are available, and when an open review window closes on
// its own.
package attention

import (
	"strings"
	"time"

	"github.com/platevision/monitor-cli/internal/model"
)

const (
	defaultNoWasteCategory = "no_waste"
	defaultNoWasteDismiss  = 1000 * time.Millisecond
	defaultDismiss         = 10000 * time.Millisecond
)

// Policy holds the pure attention decisions: who may be interrupted, for
// what, and how long a finished review window lingers.
type Policy struct {
	allowed         []model.Capability
	noWasteCategory string
	noWasteDismiss  time.Duration
	dismiss         time.Duration
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithAllowedCapabilities sets the capability allow-list. A viewer whose
// capability set intersects it may be interrupted.
func WithAllowedCapabilities(caps ...model.Capability) PolicyOption {
	return func(p *Policy) { p.allowed = caps }
}

// WithNoWasteCategory sets the category name treated as "no waste".
// Matching ignores case and surrounding whitespace.
func WithNoWasteCategory(category string) PolicyOption {
	return func(p *Policy) { p.noWasteCategory = category }
}

// WithDismissDelays sets the auto-dismiss delays for no-waste and ordinary
// detections.
func WithDismissDelays(noWaste, ordinary time.Duration) PolicyOption {
	return func(p *Policy) {
		p.noWasteDismiss = noWaste
		p.dismiss = ordinary
	}
}

// NewPolicy creates a policy. Defaults: reviewers only, category "no_waste",
// 1s no-waste dismiss, 10s otherwise.
func NewPolicy(opts ...PolicyOption) *Policy {
	p := &Policy{
		allowed:         []model.Capability{model.CapReviewDetections},
		noWasteCategory: defaultNoWasteCategory,
		noWasteDismiss:  defaultNoWasteDismiss,
		dismiss:         defaultDismiss,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ShouldAttend reports whether an event of the given type should interrupt
// a viewer holding caps. Only detection lifecycle events qualify; bulk
// refreshes and other side-channel traffic never interrupt, no matter the
// capabilities.
func (p *Policy) ShouldAttend(eventType model.EventType, caps model.CapabilitySet) bool {
	return eventType.Lifecycle() && caps.Intersects(p.allowed)
}

// AutoDismissDelay returns how long a window for d may stay open before
// closing itself. Defined only for terminal statuses; a window mid-pipeline
// stays open until the detection finishes.
func (p *Policy) AutoDismissDelay(d model.Detection, status model.Status) (time.Duration, bool) {
	if !status.Terminal() {
		return 0, false
	}
	if d.Category != nil && p.isNoWaste(*d.Category) {
		return p.noWasteDismiss, true
	}
	return p.dismiss, true
}

// ActionsEnabled reports whether manual review actions are available.
// Before a terminal status the controls are disabled and attempts no-op.
func (p *Policy) ActionsEnabled(status model.Status) bool {
	return status.Terminal()
}

func (p *Policy) isNoWaste(category string) bool {
	return strings.EqualFold(strings.TrimSpace(category), p.noWasteCategory)
}
