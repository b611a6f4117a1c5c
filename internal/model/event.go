package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// EventType identifies a stream envelope type.
type EventType string

// Detection lifecycle events carry partial detection payloads. Side-channel
// events carry unrelated dashboard traffic. Unknown types are ignored by
// consumers without error; the protocol is extensible.
const (
	EventDetectionAnalyzing          EventType = "detection_analyzing"
	EventDetectionFoodClassified     EventType = "detection_food_classified"
	EventDetectionInitialOCRComplete EventType = "detection_initial_ocr_complete"
	EventDetectionComplete           EventType = "detection_complete"
	EventDetectionAIError            EventType = "detection_ai_error"

	// EventNewDetection is the legacy single-shot detection event emitted by
	// pre-staged backends. Treated as a lifecycle event.
	EventNewDetection EventType = "new_detection"

	EventCameraStatus     EventType = "camera_status"
	EventRecentDetections EventType = "recent_detections"
	EventSystemAlert      EventType = "system_alert"
)

// Lifecycle reports whether the event type carries a partial detection
// payload for the merger, as opposed to side-channel dashboard traffic.
func (t EventType) Lifecycle() bool {
	switch t {
	case EventDetectionAnalyzing,
		EventDetectionFoodClassified,
		EventDetectionInitialOCRComplete,
		EventDetectionComplete,
		EventDetectionAIError,
		EventNewDetection:
		return true
	}
	return false
}

// KnownEventTypes returns every recognized stream event type.
func KnownEventTypes() []EventType {
	return []EventType{
		EventDetectionAnalyzing,
		EventDetectionFoodClassified,
		EventDetectionInitialOCRComplete,
		EventDetectionComplete,
		EventDetectionAIError,
		EventNewDetection,
		EventCameraStatus,
		EventRecentDetections,
		EventSystemAlert,
	}
}

// Known reports whether the type is one of the recognized event types.
func (t EventType) Known() bool {
	for _, k := range KnownEventTypes() {
		if t == k {
			return true
		}
	}
	return false
}

// Envelope is a single stream message: a type tag and an opaque payload
// whose shape depends on the type.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseEnvelope decodes a raw text frame. A frame that is not a JSON object
// with a string "type" is malformed; callers drop malformed frames without
// affecting the connection.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, eris.Wrap(err, "model: parse envelope")
	}
	if env.Type == "" {
		return Envelope{}, eris.New("model: envelope missing type")
	}
	return env, nil
}

// DetectionUpdate is the decoded payload of a detection lifecycle event.
// Every field is optional; nil means the event did not mention it. Fields
// present in the event overwrite the canonical record, absent fields retain
// their prior values.
type DetectionUpdate struct {
	ID              *int64     `json:"id"`
	Category        *string    `json:"category"`
	Description     *string    `json:"description"`
	ClassConfidence *float64   `json:"classification_confidence"`
	OCRConfidence   *float64   `json:"ocr_confidence"`
	InitialWeight   *float64   `json:"initial_weight"`
	FinalWeight     *float64   `json:"final_weight"`
	RawOCRText      *string    `json:"raw_ocr_text"`
	TrayID          *int64     `json:"tray_id"`
	CameraID        *int64     `json:"camera_id"`
	MotionID        *string    `json:"motion_id"`
	DetectedAt      *time.Time `json:"detected_at"`
	Status          *Status    `json:"status"`
}

// ErrMissingID marks a detection payload without an id. Such events are
// rejected before they reach the merger.
var ErrMissingID = eris.New("model: detection payload missing id")

// DecodeDetection decodes a lifecycle event payload, rejecting payloads
// without an id.
func DecodeDetection(data json.RawMessage) (DetectionUpdate, error) {
	var upd DetectionUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		return DetectionUpdate{}, eris.Wrap(err, "model: decode detection payload")
	}
	if upd.ID == nil {
		return DetectionUpdate{}, ErrMissingID
	}
	return upd, nil
}

// CameraStatus is the payload of a camera_status event.
type CameraStatus struct {
	CameraID int64  `json:"camera_id"`
	Name     string `json:"name,omitempty"`
	Online   bool   `json:"online"`
}

// RecentDetections is the payload of a recent_detections refresh. The
// backend pushes the current feed wholesale; it is background traffic, not
// a detection-of-interest.
type RecentDetections struct {
	Detections []Detection `json:"detections"`
}

// SystemAlert is the payload of a system_alert event.
type SystemAlert struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}
