package stores

import "time"

// Event is one entry in the CLI event journal: a record of a deck invocation
// and what it touched. Events are append-only.
type Event struct {
	// ID is the auto-generated event ID.
	ID int64 `json:"id"`

	// Command is the deck command that produced the event (deploy, migrate,
	// rollback, teardown).
	Command string `json:"command"`

	// Service is the service involved, if any.
	Service string `json:"service,omitempty"`

	// Target is the target involved, if any.
	Target string `json:"target,omitempty"`

	// RunID references the run the event belongs to, if any.
	RunID string `json:"run_id,omitempty"`

	// Detail is free-form detail about the invocation.
	Detail string `json:"detail,omitempty"`

	// Timestamp is when the event was recorded.
	Timestamp time.Time `json:"timestamp"`
}
