// Package feedback synthesizes a session's final, confidence-scored
// recommendations from its iteration history. Output is deterministic for a
// given history: confidence derives only from sample size, score
// consistency, and pattern-match strength.
package feedback

import (
	"fmt"
	"math"
	"time"

	"github.com/harrison/relearn/internal/models"
	"github.com/harrison/relearn/internal/pattern"
)

// slopeEpsilon separates a flat trend from a real one.
const slopeEpsilon = 0.005

// Generator builds session feedback.
type Generator struct {
	// now is swappable for tests
	now func() time.Time
}

// NewGenerator creates a feedback generator.
func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// Generate aggregates the session's quality and error trends into a bounded
// recommendation set. matches carries the per-failure pattern matches
// recorded during the session; their similarities feed confidence scoring.
func (g *Generator) Generate(session *models.LearningSession, history []models.Iteration, matches []pattern.Match) *models.Feedback {
	fb := &models.Feedback{
		SessionID:    session.ID,
		QualityTrend: qualityTrend(history),
		ErrorTrend:   errorTrend(history),
		GeneratedAt:  g.now().UTC(),
	}

	base := confidence(history, matches)

	recs := g.recommend(session, history, matches, base)
	fb.Recommendations = recs

	if len(recs) > 0 {
		total := 0.0
		for _, r := range recs {
			total += r.Confidence
		}
		fb.OverallConfidence = round3(total / float64(len(recs)))
	} else {
		fb.OverallConfidence = round3(base)
	}

	return fb
}

// recommend builds the recommendation list. Priorities reflect how directly
// each item addresses the session's terminal verdict.
func (g *Generator) recommend(session *models.LearningSession, history []models.Iteration, matches []pattern.Match, base float64) []models.Recommendation {
	var recs []models.Recommendation

	add := func(priority models.Priority, weight float64, summary, rationale string) {
		recs = append(recs, models.Recommendation{
			Priority:   priority,
			Confidence: round3(clamp01(base * weight)),
			Summary:    summary,
			Rationale:  rationale,
		})
	}

	switch session.Verdict {
	case "quality-threshold-met":
		add(models.PriorityLow, 1.0,
			"Promote the final approach as the baseline for this task",
			fmt.Sprintf("the session reached quality %.2f against a threshold of %.2f",
				lastQuality(history), session.Config.QualityThreshold))
	case "no-progress-detected":
		add(models.PriorityCritical, 1.0,
			"Change strategy before retrying this task",
			fmt.Sprintf("%d consecutive iterations produced quality deltas under %.0f%%; more of the same will not converge",
				session.Config.StagnationWindow, session.Config.ProgressThreshold*100))
	case "session-timeout":
		add(models.PriorityHigh, 1.0,
			"Split the task or raise the session timeout",
			fmt.Sprintf("the session hit its %s wall-clock limit after %d iterations",
				session.Config.Timeout, len(history)))
	case "resource-budget-exceeded":
		add(models.PriorityHigh, 1.0,
			"Reduce the agent's working set or raise the resource budget",
			"the session exhausted its memory-equivalent budget before converging")
	case "max-iterations-reached":
		add(models.PriorityMedium, 1.0,
			"Review whether the quality threshold is reachable for this task",
			fmt.Sprintf("all %d iterations ran without reaching quality %.2f",
				session.Config.MaxIterations, session.Config.QualityThreshold))
	}

	if trend := qualityTrend(history); trend == models.TrendDegrading {
		add(models.PriorityHigh, 0.9,
			"Roll back to the earliest iteration's approach",
			"quality declined across the session; later adjustments made results worse")
	}

	// Dominant failure category, weighted by how strongly its matches
	// clustered.
	if cat, count := dominantCategory(history); count > 0 {
		rem := pattern.Remediate(cat)
		priority := models.PriorityMedium
		if count >= 3 {
			priority = models.PriorityHigh
		}
		add(priority, 0.8+0.2*matchStrength(matches),
			fmt.Sprintf("Address recurring %s failures: %s", cat, rem.Strategy),
			fmt.Sprintf("%d of %d iterations failed with %s errors", count, len(history), cat))
	}

	if session.Status == models.StatusCancelled {
		add(models.PriorityLow, 0.7,
			"Treat these results as partial",
			fmt.Sprintf("the session was cancelled after %d iterations; trends may not have settled", len(history)))
	}

	return recs
}

// confidence combines sample size (saturating), consistency (low variance),
// and pattern-match strength into a deterministic 0..1 score.
func confidence(history []models.Iteration, matches []pattern.Match) float64 {
	n := len(history)
	if n == 0 {
		return 0.1
	}

	sample := float64(n) / float64(n+3)
	consistency := 1.0 / (1.0 + 4.0*qualityVariance(history))
	strength := 0.5 + 0.5*matchStrength(matches)

	return clamp01(0.25 + 0.75*sample*consistency*strength)
}

func qualityVariance(history []models.Iteration) float64 {
	n := float64(len(history))
	if n < 2 {
		return 0
	}
	mean := 0.0
	for _, it := range history {
		mean += it.QualityScore
	}
	mean /= n

	v := 0.0
	for _, it := range history {
		d := it.QualityScore - mean
		v += d * d
	}
	return v / n
}

// matchStrength averages the similarity of the session's pattern matches;
// sessions without failures get a neutral 0.5.
func matchStrength(matches []pattern.Match) float64 {
	if len(matches) == 0 {
		return 0.5
	}
	total := 0.0
	for _, m := range matches {
		total += m.Similarity
	}
	return total / float64(len(matches))
}

// qualityTrend fits a least-squares slope over the iteration quality scores.
func qualityTrend(history []models.Iteration) models.Trend {
	slope := qualitySlope(history)
	switch {
	case slope > slopeEpsilon:
		return models.TrendImproving
	case slope < -slopeEpsilon:
		return models.TrendDegrading
	default:
		return models.TrendFlat
	}
}

func qualitySlope(history []models.Iteration) float64 {
	n := float64(len(history))
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, it := range history {
		x := float64(i)
		sumX += x
		sumY += it.QualityScore
		sumXY += x * it.QualityScore
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// errorTrend compares failure counts between the first and second half of
// the session. Fewer errors later is improvement.
func errorTrend(history []models.Iteration) models.Trend {
	if len(history) < 2 {
		return models.TrendFlat
	}

	mid := len(history) / 2
	first, second := 0, 0
	for i, it := range history {
		if !it.Failed() {
			continue
		}
		if i < mid {
			first++
		} else {
			second++
		}
	}

	// Normalize by half sizes so odd-length sessions compare fairly.
	firstRate := float64(first) / float64(mid)
	secondRate := float64(second) / float64(len(history)-mid)
	switch {
	case secondRate < firstRate:
		return models.TrendImproving
	case secondRate > firstRate:
		return models.TrendDegrading
	default:
		return models.TrendFlat
	}
}

func dominantCategory(history []models.Iteration) (pattern.Category, int) {
	counts := make(map[string]int)
	best, bestCount := "", 0
	for _, it := range history {
		if !it.Failed() || it.ErrorCategory == "" {
			continue
		}
		counts[it.ErrorCategory]++
		if counts[it.ErrorCategory] > bestCount {
			best, bestCount = it.ErrorCategory, counts[it.ErrorCategory]
		}
	}
	return pattern.Category(best), bestCount
}

func lastQuality(history []models.Iteration) float64 {
	if len(history) == 0 {
		return 0
	}
	return history[len(history)-1].QualityScore
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
