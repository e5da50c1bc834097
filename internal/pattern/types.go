// Package pattern implements failure classification and the shared error
// pattern library. Errors are normalized into token signatures, classified
// against a fixed category taxonomy, and clustered by Jaccard similarity so
// recurring failures share a pattern with tracked remediation success.
package pattern

import "time"

// Category is the fixed failure taxonomy. Classification runs the category
// detectors in declaration order; the first match wins.
type Category string

const (
	CategorySyntax             Category = "syntax"
	CategoryResourceExhaustion Category = "resource-exhaustion"
	CategoryTimeout            Category = "timeout"
	CategoryValidation         Category = "validation"
	CategoryPermission         Category = "permission"
	CategoryNetwork            Category = "network"
	CategoryLogic              Category = "logic"
	CategoryConfiguration      Category = "configuration"
	CategoryUnknown            Category = "unknown"
)

// ErrorPattern is a learned cluster of semantically similar failures.
// Patterns are never deleted outright; they age by frequency decay and are
// evicted only once decayed below the configured floor and idle past the
// TTL.
type ErrorPattern struct {
	ID       string   `json:"id"`
	Category Category `json:"category"`

	// Signature is the canonical normalized token set, sorted
	Signature []string `json:"signature"`

	// Frequency is the decayed observation count
	Frequency float64 `json:"frequency"`

	// SuccessRate tracks how often remediation of this pattern worked,
	// updated as an exponential moving average
	SuccessRate float64 `json:"success_rate"`

	// Outcomes is the number of remediation outcomes recorded
	Outcomes int `json:"outcomes"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Match is the result of matching an error against the library.
type Match struct {
	Pattern *ErrorPattern `json:"pattern"`

	// Similarity is the Jaccard index between the error's tokens and the
	// pattern signature, 1.0 for a newly created pattern
	Similarity float64 `json:"similarity"`

	// Created is true when no existing pattern cleared the similarity
	// floor and a new one was registered
	Created bool `json:"created"`
}

// Remediation is a structured, category-specific suggestion consumed by the
// adaptive prompt engineer.
type Remediation struct {
	Category Category `json:"category"`
	Strategy string   `json:"strategy"`
	Hints    []string `json:"hints"`
}
