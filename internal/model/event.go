package model

import "time"

// Run event types.
const (
	EventStatus    = "status"
	EventSubmitted = "submitted"
	EventJobState  = "job_state"
	EventRetry     = "retry"
	EventAdapter   = "adapter"
	EventProbe     = "probe"
	EventError     = "error"
	EventCost      = "cost"
)

// RunEvent is one progress notification for a run. Seq orders events within
// a run starting at zero.
type RunEvent struct {
	ID        int64     `json:"id,omitempty"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
