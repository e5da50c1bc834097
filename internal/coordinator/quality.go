package coordinator

import (
	"strings"

	"github.com/harrison/relearn/internal/pattern"
)

// Severity grades a failure by category and recurrence.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// positiveIndicators and negativeIndicators drive heuristic quality scoring
// of executor output when no explicit score is reported.
var positiveIndicators = []string{
	"excellent", "complete", "comprehensive", "thorough", "robust",
	"solid", "verified", "passes", "passed", "correct",
}

var negativeIndicators = []string{
	"poor", "inadequate", "insufficient", "incomplete", "missing",
	"incorrect", "flawed", "broken", "failing", "partial",
}

// heuristicQuality derives a 0..1 score from result text: a neutral 0.5
// baseline nudged up for each positive indicator and down for each negative
// one.
func heuristicQuality(output string) float64 {
	lowered := strings.ToLower(output)

	score := 0.5
	for _, ind := range positiveIndicators {
		if strings.Contains(lowered, ind) {
			score += 0.08
		}
	}
	for _, ind := range negativeIndicators {
		if strings.Contains(lowered, ind) {
			score -= 0.08
		}
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// severityFor grades a failure. Resource exhaustion and permission problems
// start high because they rarely resolve without intervention; anything
// recurring three or more times is critical.
func severityFor(category pattern.Category, recurrence int) Severity {
	if recurrence >= 3 {
		return SeverityCritical
	}

	switch category {
	case pattern.CategoryResourceExhaustion, pattern.CategoryPermission:
		if recurrence >= 2 {
			return SeverityCritical
		}
		return SeverityHigh
	case pattern.CategoryTimeout, pattern.CategoryNetwork:
		if recurrence >= 2 {
			return SeverityHigh
		}
		return SeverityMedium
	case pattern.CategoryUnknown:
		return SeverityLow
	default:
		if recurrence >= 2 {
			return SeverityHigh
		}
		return SeverityMedium
	}
}
