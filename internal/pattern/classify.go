package pattern

import (
	"regexp"
	"strings"
)

// detector pairs a category with the expressions that identify it.
// Detectors run in order; the first hit wins, so more specific categories
// (syntax, resource exhaustion) precede broader ones (logic).
type detector struct {
	category Category
	patterns []*regexp.Regexp
}

var detectors = []detector{
	{
		category: CategorySyntax,
		patterns: compileAll(
			`syntax error`,
			`parse (error|fail)`,
			`unexpected (token|eof|end of)`,
			`compil(e|ation) (error|fail)`,
			`undefined:? `,
			`undeclared`,
			`expected .* got`,
		),
	},
	{
		category: CategoryResourceExhaustion,
		patterns: compileAll(
			`out of memory`,
			`\boom\b`,
			`memory (limit|budget) exceeded`,
			`resource.{0,12}exhaust`,
			`too many open files`,
			`disk (full|quota)`,
			`quota exceeded`,
			`cannot allocate`,
		),
	},
	{
		category: CategoryTimeout,
		patterns: compileAll(
			`timed? ?out`,
			`deadline exceeded`,
			`context deadline`,
			`execution took too long`,
		),
	},
	{
		category: CategoryValidation,
		patterns: compileAll(
			`validation (error|fail)`,
			`invalid (input|argument|value|format)`,
			`schema (mismatch|violation)`,
			`assertion fail`,
			`constraint violat`,
			`required field`,
		),
	},
	{
		category: CategoryPermission,
		patterns: compileAll(
			`permission denied`,
			`access denied`,
			`\bforbidden\b`,
			`unauthorized`,
			`operation not permitted`,
			`insufficient privilege`,
		),
	},
	{
		category: CategoryNetwork,
		patterns: compileAll(
			`connection (refused|reset|closed|fail)`,
			`no such host`,
			`network (unreachable|error)`,
			`dns (error|fail|lookup)`,
			`tls handshake`,
			`broken pipe`,
			`\beof\b.*(read|stream)`,
		),
	},
	{
		category: CategoryLogic,
		patterns: compileAll(
			`nil pointer`,
			`index out of (range|bounds)`,
			`division by zero`,
			`deadlock`,
			`race detected`,
			`incorrect (result|output|behavior)`,
			`test(s)? fail`,
			`wrong (answer|value|result)`,
			`off.by.one`,
		),
	},
	{
		category: CategoryConfiguration,
		patterns: compileAll(
			`missing (config|configuration|env|environment variable)`,
			`config(uration)? (error|invalid|not found)`,
			`unknown (flag|option|setting)`,
			`env(ironment)? var(iable)? .* not set`,
			`no such file or directory`,
			`module not found`,
			`package not found`,
		),
	},
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// Classify assigns error text to the first matching category of the fixed
// taxonomy, falling back to unknown.
func Classify(errorText string) Category {
	lowered := strings.ToLower(errorText)
	for _, d := range detectors {
		for _, re := range d.patterns {
			if re.MatchString(lowered) {
				return d.category
			}
		}
	}
	return CategoryUnknown
}

// Remediate returns the structured remediation suggestion for a category.
// The adaptive prompt engineer turns these into avoidance and constraint
// language for the next iteration.
func Remediate(category Category) Remediation {
	switch category {
	case CategorySyntax:
		return Remediation{
			Category: category,
			Strategy: "verify output compiles before finishing",
			Hints: []string{
				"run the compiler or parser on generated code before returning",
				"quote the failing construct and correct it explicitly",
			},
		}
	case CategoryResourceExhaustion:
		return Remediation{
			Category: category,
			Strategy: "reduce working-set size",
			Hints: []string{
				"process input in smaller batches",
				"release intermediate buffers between steps",
			},
		}
	case CategoryTimeout:
		return Remediation{
			Category: category,
			Strategy: "cut per-step latency",
			Hints: []string{
				"split the task into smaller independently completable steps",
				"avoid re-deriving unchanged results each iteration",
			},
		}
	case CategoryValidation:
		return Remediation{
			Category: category,
			Strategy: "validate against the schema before submitting",
			Hints: []string{
				"echo the expected format and check each required field",
			},
		}
	case CategoryPermission:
		return Remediation{
			Category: category,
			Strategy: "stay within granted access",
			Hints: []string{
				"avoid paths and operations outside the task sandbox",
			},
		}
	case CategoryNetwork:
		return Remediation{
			Category: category,
			Strategy: "make network use retry-safe",
			Hints: []string{
				"add bounded retries with backoff around remote calls",
				"fail fast on unreachable hosts instead of hanging",
			},
		}
	case CategoryLogic:
		return Remediation{
			Category: category,
			Strategy: "test edge cases before finishing",
			Hints: []string{
				"enumerate boundary inputs and verify each",
				"state the invariant the failing case violated",
			},
		}
	case CategoryConfiguration:
		return Remediation{
			Category: category,
			Strategy: "pin down required configuration",
			Hints: []string{
				"list every file and variable the task expects to exist",
			},
		}
	default:
		return Remediation{
			Category: CategoryUnknown,
			Strategy: "gather more failure detail",
			Hints: []string{
				"capture and report the complete error output",
			},
		}
	}
}
