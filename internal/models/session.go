// Package models defines the shared data model for learning sessions,
// iterations, and feedback. Types here are persisted by internal/store and
// exchanged between the coordinator and its component packages.
package models

import (
	"fmt"
	"time"
)

// SessionStatus represents the lifecycle state of a learning session.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusCancelled SessionStatus = "cancelled"
)

// IsTerminal returns true once a session has left the active state for good.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// SessionConfig bounds a single learning session. Zero values are replaced
// with defaults by Normalize before a session starts.
type SessionConfig struct {
	// MaxIterations is the hard cap on execution rounds
	MaxIterations int `yaml:"max_iterations" validate:"gte=0,lte=1000"`

	// QualityThreshold is the score at which the session completes successfully
	QualityThreshold float64 `yaml:"quality_threshold" validate:"gte=0,lte=1"`

	// Timeout is the session wall-clock budget
	Timeout time.Duration `yaml:"timeout"`

	// ResourceBudgetBytes is the memory-equivalent budget for the session
	ResourceBudgetBytes int64 `yaml:"resource_budget_bytes" validate:"gte=0"`

	// ProgressThreshold is the minimum relative quality delta that counts
	// as progress between consecutive iterations
	ProgressThreshold float64 `yaml:"progress_threshold" validate:"gte=0,lte=1"`

	// StagnationWindow is how many consecutive below-threshold iterations
	// mark the session stagnant
	StagnationWindow int `yaml:"stagnation_window" validate:"gte=0,lte=100"`
}

// DefaultSessionConfig returns the documented session limits.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxIterations:       10,
		QualityThreshold:    0.9,
		Timeout:             5 * time.Minute,
		ResourceBudgetBytes: 100 * 1024 * 1024, // 100MB
		ProgressThreshold:   0.01,              // 1%
		StagnationWindow:    3,
	}
}

// Normalize fills zero-valued fields with defaults so callers can supply
// partial configs.
func (c SessionConfig) Normalize() SessionConfig {
	def := DefaultSessionConfig()
	if c.MaxIterations == 0 {
		c.MaxIterations = def.MaxIterations
	}
	if c.QualityThreshold == 0 {
		c.QualityThreshold = def.QualityThreshold
	}
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
	if c.ResourceBudgetBytes == 0 {
		c.ResourceBudgetBytes = def.ResourceBudgetBytes
	}
	if c.ProgressThreshold == 0 {
		c.ProgressThreshold = def.ProgressThreshold
	}
	if c.StagnationWindow == 0 {
		c.StagnationWindow = def.StagnationWindow
	}
	return c
}

// LearningSession identifies one task-agent improvement attempt.
// Owned exclusively by the coordinator; terminal once Status leaves active.
type LearningSession struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"task_id"`
	AgentID     string        `json:"agent_id"`
	Status      SessionStatus `json:"status"`
	Config      SessionConfig `json:"config"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`

	// Verdict summarizes why the session terminated (e.g. the denial
	// reason, "quality-threshold-met", or "cancelled")
	Verdict string `json:"verdict,omitempty"`
}

// PairKey returns the task-agent identity used to enforce the
// at-most-one-active-session invariant.
func (s *LearningSession) PairKey() string {
	return PairKey(s.TaskID, s.AgentID)
}

// PairKey builds the lock key for a task-agent pair.
func PairKey(taskID, agentID string) string {
	return fmt.Sprintf("%s\x00%s", taskID, agentID)
}

// Iteration records one round within a session. Append-only; never mutated
// after creation.
type Iteration struct {
	SessionID string    `json:"session_id"`
	Sequence  int       `json:"sequence"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	// QualityScore is the executor-reported (or heuristically derived)
	// quality of this round, 0..1
	QualityScore float64 `json:"quality_score"`

	// ErrorSummary holds the raw failure text when the round failed
	ErrorSummary string `json:"error_summary,omitempty"`

	// ErrorCategory is the recognizer's taxonomy label for the failure
	ErrorCategory string `json:"error_category,omitempty"`

	// Severity grades the failure: low, medium, high, critical
	Severity string `json:"severity,omitempty"`

	// Elapsed is the wall-clock duration of the round
	Elapsed time.Duration `json:"elapsed"`

	// MemoryBytes is the round's memory-equivalent resource estimate
	MemoryBytes int64 `json:"memory_bytes"`

	// ProgressDelta is the relative quality change vs the previous iteration
	ProgressDelta float64 `json:"progress_delta"`

	// SnapshotID references the context snapshot taken at this boundary
	SnapshotID string `json:"snapshot_id,omitempty"`

	// PatternID references the error pattern this failure matched
	PatternID string `json:"pattern_id,omitempty"`
}

// Failed reports whether this iteration recorded an error.
func (it *Iteration) Failed() bool {
	return it.ErrorSummary != ""
}
