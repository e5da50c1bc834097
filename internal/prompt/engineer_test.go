package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/relearn/internal/models"
)

func failedIteration(seq int, quality float64, category, patternID string) models.Iteration {
	return models.Iteration{
		Sequence:      seq,
		QualityScore:  quality,
		ErrorSummary:  "it broke: " + category,
		ErrorCategory: category,
		PatternID:     patternID,
		MemoryBytes:   1000,
	}
}

func okIteration(seq int, quality float64) models.Iteration {
	return models.Iteration{Sequence: seq, QualityScore: quality, MemoryBytes: 1000}
}

func TestModifyPromptEmptyHistory(t *testing.T) {
	e := NewEngineer()
	assert.Nil(t, e.ModifyPrompt("do the task", nil))
}

func TestAvoidFailureForLatestError(t *testing.T) {
	e := NewEngineer()
	history := []models.Iteration{
		okIteration(1, 0.4),
		failedIteration(2, 0.3, "timeout", "pat-1"),
	}

	mods := e.ModifyPrompt("do the task", history)
	require.NotEmpty(t, mods)

	assert.Equal(t, ModAvoidFailure, mods[0].Type)
	assert.Equal(t, "pat-1", mods[0].PatternID)
	assert.Contains(t, mods[0].Content, "timeout")
}

func TestReinforceSuccessOnImprovement(t *testing.T) {
	e := NewEngineer()
	history := []models.Iteration{
		okIteration(1, 0.3),
		okIteration(2, 0.7),
	}

	mods := e.ModifyPrompt("do the task", history)
	require.Len(t, mods, 1)
	assert.Equal(t, ModReinforceSuccess, mods[0].Type)
	assert.Contains(t, mods[0].Content, "iteration 2")
}

func TestNarrowScopeOnResourceGrowth(t *testing.T) {
	e := NewEngineer()
	history := []models.Iteration{
		{Sequence: 1, QualityScore: 0.5, MemoryBytes: 1000},
		{Sequence: 2, QualityScore: 0.51, MemoryBytes: 2500},
	}

	mods := e.ModifyPrompt("do the task", history)

	var types []ModificationType
	for _, m := range mods {
		types = append(types, m.Type)
	}
	assert.Contains(t, types, ModNarrowScope)
}

func TestEscalateDetailOnRepeatedPattern(t *testing.T) {
	e := NewEngineer()
	history := []models.Iteration{
		failedIteration(1, 0.3, "network", "pat-9"),
		failedIteration(2, 0.3, "network", "pat-9"),
	}

	mods := e.ModifyPrompt("do the task", history)

	var found *PromptModification
	for i := range mods {
		if mods[i].Type == ModEscalateDetail {
			found = &mods[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "pat-9", found.PatternID)
}

func TestClarifyAmbiguityOnUnknownFailure(t *testing.T) {
	e := NewEngineer()
	history := []models.Iteration{
		failedIteration(1, 0.2, "unknown", "pat-2"),
	}

	mods := e.ModifyPrompt("do the task", history)

	var types []ModificationType
	for _, m := range mods {
		types = append(types, m.Type)
	}
	assert.Contains(t, types, ModClarifyAmbiguity)
}

func TestModificationOrdering(t *testing.T) {
	e := NewEngineer()
	// History triggering avoid-failure, reinforce-success, narrow-scope,
	// and escalate-detail at once.
	history := []models.Iteration{
		failedIteration(1, 0.3, "validation", "pat-3"),
		{Sequence: 2, QualityScore: 0.34, MemoryBytes: 1000},
		{
			Sequence: 3, QualityScore: 0.33, MemoryBytes: 5000,
			ErrorSummary: "validation error again", ErrorCategory: "validation", PatternID: "pat-3",
		},
	}

	mods := e.ModifyPrompt("do the task", history)
	require.GreaterOrEqual(t, len(mods), 3)

	// avoid-failure strictly first, reinforce-success before the rest.
	assert.Equal(t, ModAvoidFailure, mods[0].Type)
	for i := 1; i < len(mods); i++ {
		assert.GreaterOrEqual(t, applyOrder[mods[i].Type], applyOrder[mods[i-1].Type],
			"modifications out of priority order: %v", mods)
	}
}

func TestOneModificationPerCondition(t *testing.T) {
	e := NewEngineer()
	history := []models.Iteration{
		failedIteration(1, 0.3, "timeout", "pat-1"),
		failedIteration(2, 0.3, "timeout", "pat-1"),
		failedIteration(3, 0.3, "timeout", "pat-1"),
	}

	mods := e.ModifyPrompt("do the task", history)

	counts := make(map[ModificationType]int)
	for _, m := range mods {
		counts[m.Type]++
	}
	for typ, n := range counts {
		assert.Equal(t, 1, n, "type %s contributed %d modifications", typ, n)
	}
}

func TestApplyInsertsIntoExistingSection(t *testing.T) {
	e := NewEngineer()
	prompt := `# Task

Build the widget.

## Constraints

- keep the public API stable

## Approach

- start from the existing parser
`

	mods := []PromptModification{
		{Type: ModAvoidFailure, Content: "Do not repeat the timeout failure."},
		{Type: ModReinforceSuccess, Content: "Keep the incremental approach."},
	}

	out := e.Apply(prompt, mods)

	// The avoidance bullet lands inside the Constraints section, before
	// the Approach heading.
	constraintsIdx := strings.Index(out, "## Constraints")
	approachIdx := strings.Index(out, "## Approach")
	avoidIdx := strings.Index(out, "Do not repeat the timeout failure.")
	reinforceIdx := strings.Index(out, "Keep the incremental approach.")

	require.NotEqual(t, -1, avoidIdx)
	require.NotEqual(t, -1, reinforceIdx)
	assert.Greater(t, avoidIdx, constraintsIdx)
	assert.Less(t, avoidIdx, approachIdx)
	assert.Greater(t, reinforceIdx, approachIdx)
	// Existing content preserved.
	assert.Contains(t, out, "keep the public API stable")
	assert.Contains(t, out, "Build the widget.")
}

func TestApplyCreatesMissingSection(t *testing.T) {
	e := NewEngineer()
	out := e.Apply("# Task\n\nBuild the widget.\n", []PromptModification{
		{Type: ModNarrowScope, Content: "Touch only the widget package."},
	})

	assert.Contains(t, out, "## Scope")
	assert.Contains(t, out, "- Touch only the widget package.")
}

func TestApplyNoModifications(t *testing.T) {
	e := NewEngineer()
	prompt := "# Task\n"
	assert.Equal(t, prompt, e.Apply(prompt, nil))
}
