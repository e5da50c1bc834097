// Package prompt rewrites the next iteration's instructions from the
// session's success and failure history. Prompts are markdown documents;
// modifications are rendered into named sections so corrections land where
// the agent reads them.
package prompt

import (
	"fmt"
	"strings"

	"github.com/harrison/relearn/internal/models"
	"github.com/harrison/relearn/internal/pattern"
)

// ModificationType is the fixed set of prompt adjustments.
type ModificationType string

const (
	ModAvoidFailure     ModificationType = "avoid-failure"
	ModReinforceSuccess ModificationType = "reinforce-success"
	ModClarifyAmbiguity ModificationType = "clarify-ambiguity"
	ModNarrowScope      ModificationType = "narrow-scope"
	ModAddConstraint    ModificationType = "add-constraint"
	ModAddExample       ModificationType = "add-example"
	ModEscalateDetail   ModificationType = "escalate-detail"
)

// applyOrder fixes the priority of modification types: safety-relevant
// avoidance language is applied before reinforcement so it is never crowded
// out.
var applyOrder = map[ModificationType]int{
	ModAvoidFailure:     0,
	ModReinforceSuccess: 1,
	ModClarifyAmbiguity: 2,
	ModNarrowScope:      3,
	ModAddConstraint:    4,
	ModAddExample:       5,
	ModEscalateDetail:   6,
}

// PromptModification is one proposed change to the next iteration's
// instructions. Ephemeral: consumed by the next iteration, never persisted
// beyond the session record.
type PromptModification struct {
	Type      ModificationType `json:"type"`
	Rationale string           `json:"rationale"`

	// PatternID references the error pattern that motivated the change
	PatternID string `json:"pattern_id,omitempty"`

	// Content is the instruction text inserted into the prompt
	Content string `json:"content"`
}

// Engineer derives prompt modifications from iteration history.
type Engineer struct{}

// NewEngineer creates an adaptive prompt engineer.
func NewEngineer() *Engineer {
	return &Engineer{}
}

// resource growth past this factor with flat quality signals over-scoping.
const scopeGrowthFactor = 1.5

// ModifyPrompt inspects the session's iteration history and returns an
// ordered list of modifications for the next round. Each triggering
// condition contributes exactly one modification; the list is sorted
// avoid-failure first, reinforce-success second, the rest after.
func (e *Engineer) ModifyPrompt(previousPrompt string, history []models.Iteration) []PromptModification {
	if len(history) == 0 {
		return nil
	}

	var mods []PromptModification
	last := history[len(history)-1]

	// Avoidance language for the dominant category of the latest failure.
	if last.Failed() {
		cat := pattern.Category(last.ErrorCategory)
		rem := pattern.Remediate(cat)
		mods = append(mods, PromptModification{
			Type:      ModAvoidFailure,
			Rationale: fmt.Sprintf("last iteration failed with a %s error", cat),
			PatternID: last.PatternID,
			Content: fmt.Sprintf("Do not repeat the previous %s failure (%q). %s.",
				cat, truncate(last.ErrorSummary, 120), capitalize(rem.Strategy)),
		})

		// Unknown failures mean the instructions left room for
		// misinterpretation.
		if cat == pattern.CategoryUnknown {
			mods = append(mods, PromptModification{
				Type:      ModClarifyAmbiguity,
				Rationale: "latest failure did not match any known category",
				PatternID: last.PatternID,
				Content:   "Restate the task requirements in your own words before acting, and report any requirement you find ambiguous instead of guessing.",
			})
		}

		// Validation and configuration failures respond to explicit
		// constraints; syntax failures respond to worked examples.
		switch cat {
		case pattern.CategoryValidation, pattern.CategoryConfiguration:
			mods = append(mods, PromptModification{
				Type:      ModAddConstraint,
				Rationale: fmt.Sprintf("%s failures respond to explicit constraints", cat),
				PatternID: last.PatternID,
				Content:   constraintList(rem),
			})
		case pattern.CategorySyntax:
			mods = append(mods, PromptModification{
				Type:      ModAddExample,
				Rationale: "syntax failures respond to concrete examples",
				PatternID: last.PatternID,
				Content:   "Before finishing, show a minimal verified example of the failing construct compiled or parsed successfully.",
			})
		}
	}

	// Reinforce whatever correlated with the best quality improvement.
	if seq, gain := bestImprovement(history); gain > 0 {
		mods = append(mods, PromptModification{
			Type:      ModReinforceSuccess,
			Rationale: fmt.Sprintf("iteration %d produced the largest quality gain (%.2f)", seq, gain),
			Content:   fmt.Sprintf("The approach taken in iteration %d measurably improved quality. Keep that approach and build on it.", seq),
		})
	}

	// Growing resource usage without matching quality gains means the
	// agent is over-scoping.
	if overScoping(history) {
		mods = append(mods, PromptModification{
			Type:      ModNarrowScope,
			Rationale: "resource usage grew while quality stayed flat",
			Content:   "Narrow your focus to the single smallest change that addresses the task. Do not refactor or extend anything the task does not require.",
		})
	}

	// The same pattern recurring across 2+ iterations calls for more
	// specific instructions, not more of the same.
	if id, n := repeatedPattern(history); n >= 2 {
		mods = append(mods, PromptModification{
			Type:      ModEscalateDetail,
			Rationale: fmt.Sprintf("the same failure pattern recurred in %d iterations", n),
			PatternID: id,
			Content:   "The same failure keeps recurring. Work through the failing step one sub-task at a time, stating before each sub-task exactly what you will do and what output you expect.",
		})
	}

	sortModifications(mods)
	return mods
}

// bestImprovement returns the sequence and size of the largest
// quality-score gain between consecutive iterations.
func bestImprovement(history []models.Iteration) (seq int, gain float64) {
	for i := 1; i < len(history); i++ {
		if d := history[i].QualityScore - history[i-1].QualityScore; d > gain {
			gain = d
			seq = history[i].Sequence
		}
	}
	return seq, gain
}

// overScoping reports whether resource usage grew substantially while
// quality did not.
func overScoping(history []models.Iteration) bool {
	if len(history) < 2 {
		return false
	}
	first, last := history[0], history[len(history)-1]
	if first.MemoryBytes <= 0 {
		return false
	}
	grew := float64(last.MemoryBytes) >= scopeGrowthFactor*float64(first.MemoryBytes)
	flat := last.QualityScore-first.QualityScore < 0.05
	return grew && flat
}

// repeatedPattern returns the pattern ID seen in the most failed
// iterations, with its count.
func repeatedPattern(history []models.Iteration) (string, int) {
	counts := make(map[string]int)
	bestID, best := "", 0
	for _, it := range history {
		if !it.Failed() || it.PatternID == "" {
			continue
		}
		counts[it.PatternID]++
		if counts[it.PatternID] > best {
			bestID, best = it.PatternID, counts[it.PatternID]
		}
	}
	return bestID, best
}

func sortModifications(mods []PromptModification) {
	// Insertion sort keeps equal-priority entries in trigger order; the
	// list never exceeds a handful of entries.
	for i := 1; i < len(mods); i++ {
		for j := i; j > 0 && applyOrder[mods[j].Type] < applyOrder[mods[j-1].Type]; j-- {
			mods[j], mods[j-1] = mods[j-1], mods[j]
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func constraintList(rem pattern.Remediation) string {
	out := "Hard constraints for the next attempt:"
	for _, h := range rem.Hints {
		out += fmt.Sprintf(" %s;", h)
	}
	return out
}
