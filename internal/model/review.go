package model

// ReviewAction is a manual decision taken on a detection.
type ReviewAction string

const (
	// ActionAccept confirms the detection as classified.
	ActionAccept ReviewAction = "accept"
	// ActionFlag queues the detection for offline review.
	ActionFlag ReviewAction = "flag_for_review"
	// ActionCancel discards the detection.
	ActionCancel ReviewAction = "cancel"
)

// Review is the payload submitted when a viewer acts on a detection.
// Category, when set, corrects the classified category.
type Review struct {
	Action   ReviewAction `json:"action"`
	Category *string      `json:"category,omitempty"`
	Notes    string       `json:"notes,omitempty"`
}
