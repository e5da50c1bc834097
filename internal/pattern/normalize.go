package pattern

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// hexRe matches hex addresses and long hex identifiers that vary between
// otherwise identical errors (pointers, goroutine dumps, commit hashes).
var hexRe = regexp.MustCompile(`^(0x)?[0-9a-f]{6,}$`)

// defaultStopwords returns common English words filtered out of signatures
// so similarity reflects error content rather than prose glue.
func defaultStopwords() map[string]bool {
	words := []string{
		"the", "a", "an", "is", "are", "was", "were", "be", "been", "being",
		"have", "has", "had", "do", "does", "did", "will", "would", "could",
		"should", "may", "might", "must", "can",
		"to", "of", "in", "for", "on", "with", "at", "by", "from", "as",
		"into", "during", "before", "after", "while", "when",
		"and", "but", "or", "nor", "so", "yet", "not", "no",
		"this", "that", "these", "those", "it", "its",
		"all", "each", "any", "some", "one",
	}
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

var stopwords = defaultStopwords()

// Normalize converts raw error text into its canonical signature: a sorted,
// deduplicated token set with case, punctuation, stopwords, bare numbers,
// and hex identifiers removed.
func Normalize(errorText string) []string {
	lowered := strings.ToLower(errorText)

	// Replace everything that is not a letter, digit, or underscore with a
	// space so paths and quoted fragments split into words.
	fields := strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})

	seen := make(map[string]bool, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] || isNumeric(f) || hexRe.MatchString(f) {
			continue
		}
		if !seen[f] {
			seen[f] = true
			tokens = append(tokens, f)
		}
	}

	sort.Strings(tokens)
	return tokens
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return len(s) > 0
}

// Jaccard computes the token-overlap similarity between two sorted token
// sets: |intersection| / |union|. Two empty sets are treated as identical.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	inter := 0
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}

	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
