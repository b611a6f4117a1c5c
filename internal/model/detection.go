package model

import "time"

// Status represents the processing stage of a detection.
type Status string

const (
	StatusAnalyzing          Status = "analyzing"
	StatusFoodClassified     Status = "food_classified"
	StatusInitialOCRComplete Status = "initial_ocr_complete"
	StatusComplete           Status = "complete"
	StatusAIError            Status = "ai_error"
	StatusUnknown            Status = "unknown"
)

// Terminal reports whether the status admits no further progress.
// ai_error is absorbing: once set it is never overridden by field-derived
// stages.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusAIError
}

// AllStatuses returns all defined processing statuses.
func AllStatuses() []Status {
	return []Status{
		StatusAnalyzing,
		StatusFoodClassified,
		StatusInitialOCRComplete,
		StatusComplete,
		StatusAIError,
		StatusUnknown,
	}
}

// AnalyzingSentinel is the placeholder description the backend emits while
// classification is still running. A record carrying it is treated as not
// yet classified regardless of other fields.
const AnalyzingSentinel = "Analyzing..."

// Detection is the canonical, progressively assembled state for one
// detection id. All fields except ID arrive incrementally across stream
// events; pointer fields distinguish "not yet reported" from a zero value.
type Detection struct {
	ID int64 `json:"id"`

	Category        *string    `json:"category,omitempty"`
	Description     *string    `json:"description,omitempty"`
	ClassConfidence *float64   `json:"classification_confidence,omitempty"`
	OCRConfidence   *float64   `json:"ocr_confidence,omitempty"`
	InitialWeight   *float64   `json:"initial_weight,omitempty"`
	FinalWeight     *float64   `json:"final_weight,omitempty"`
	RawOCRText      *string    `json:"raw_ocr_text,omitempty"`
	TrayID          *int64     `json:"tray_id,omitempty"`
	CameraID        *int64     `json:"camera_id,omitempty"`
	MotionID        *string    `json:"motion_id,omitempty"`
	DetectedAt      *time.Time `json:"detected_at,omitempty"`

	// Status is the explicit backend-assigned status, when present. When
	// empty, consumers derive the effective status from the fields above.
	Status Status `json:"status,omitempty"`
}

// WasteGrams returns the net waste weight when both scale readings are in,
// clamped at zero (trays occasionally read heavier after clearing).
func (d Detection) WasteGrams() (float64, bool) {
	if d.InitialWeight == nil || d.FinalWeight == nil {
		return 0, false
	}
	g := *d.InitialWeight - *d.FinalWeight
	if g < 0 {
		g = 0
	}
	return g, true
}

// ConnState represents the stream transport connection state.
type ConnState string

const (
	ConnDisconnected       ConnState = "disconnected"
	ConnConnecting         ConnState = "connecting"
	ConnOpen               ConnState = "open"
	ConnError              ConnState = "error"
	ConnReconnectScheduled ConnState = "reconnect-scheduled"
)

// Capability names a permission the viewer session holds.
type Capability string

const (
	// CapReviewDetections allows confirming, correcting, or discarding a
	// detection. Viewers without it never see an interrupting review window.
	CapReviewDetections Capability = "review:detections"

	// CapManageCameras allows camera administration; carried on the session
	// but irrelevant to attention decisions.
	CapManageCameras Capability = "manage:cameras"
)

// CapabilitySet is the viewer's capability collection.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Intersects reports whether any of the given capabilities is in the set.
func (s CapabilitySet) Intersects(caps []Capability) bool {
	for _, c := range caps {
		if s.Has(c) {
			return true
		}
	}
	return false
}
