package models

import "time"

// EventType identifies an outbound coordinator notification.
type EventType string

const (
	EventSessionStarted      EventType = "session-started"
	EventIterationStarted    EventType = "iteration-started"
	EventIterationCompleted  EventType = "iteration-completed"
	EventErrorDetected       EventType = "error-detected"
	EventPatternRecognized   EventType = "pattern-recognized"
	EventPromptModified      EventType = "prompt-modified"
	EventQualityThresholdMet EventType = "quality-threshold-met"
	EventResourceWarning     EventType = "resource-warning"
	EventSessionCompleted    EventType = "session-completed"
	EventSessionFailed       EventType = "session-failed"
	EventSessionCancelled    EventType = "session-cancelled"
)

// Event is one entry on a coordinator's outbound stream. Events for a single
// session are strictly ordered; consumers must treat delivery as
// at-least-once and handle duplicates idempotently.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`

	// Sequence is the iteration number the event refers to, 0 for
	// session-level events
	Sequence int `json:"sequence,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// Data carries the event-specific payload (iteration, pattern match,
	// feedback, denial reason)
	Data any `json:"data,omitempty"`
}

// TaskOutcome is the task-completion event consumed from the task
// orchestrator. It both triggers new learning sessions and feeds iteration
// data into active ones.
type TaskOutcome struct {
	TaskID       string  `json:"task_id"`
	AgentID      string  `json:"agent_id"`
	Outcome      string  `json:"outcome"`
	QualityScore float64 `json:"quality_score"`
	ErrorText    string  `json:"error_text,omitempty"`
}
