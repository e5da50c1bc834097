package models

import "time"

// Priority ranks a recommendation's urgency.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Trend describes the direction of a per-iteration series.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendFlat      Trend = "flat"
	TrendDegrading Trend = "degrading"
)

// Recommendation is one actionable item in a session's final feedback.
type Recommendation struct {
	Priority Priority `json:"priority"`

	// Confidence is 0..1 and deterministic given the same iteration history
	Confidence float64 `json:"confidence"`

	Summary   string `json:"summary"`
	Rationale string `json:"rationale"`
}

// Feedback is the session's final output, created exactly once at close.
type Feedback struct {
	SessionID       string           `json:"session_id"`
	Recommendations []Recommendation `json:"recommendations"`

	// QualityTrend describes the slope of quality scores across iterations
	QualityTrend Trend `json:"quality_trend"`

	// ErrorTrend describes whether failures grew or shrank across iterations
	ErrorTrend Trend `json:"error_trend"`

	// OverallConfidence aggregates recommendation confidences, 0..1
	OverallConfidence float64 `json:"overall_confidence"`

	GeneratedAt time.Time `json:"generated_at"`
}
