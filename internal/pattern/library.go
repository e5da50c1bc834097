package pattern

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// successRateAlpha is the EMA weight for new remediation outcomes. High
// enough that a single outcome visibly moves the rate in either direction.
const successRateAlpha = 0.3

// AgingPolicy controls frequency decay and eviction. Patterns are aged, not
// deleted: a decay pass multiplies frequencies by DecayFactor, and only
// patterns decayed below EvictBelow that have been idle longer than IdleTTL
// are dropped.
type AgingPolicy struct {
	DecayFactor float64
	EvictBelow  float64
	IdleTTL     time.Duration
}

// DefaultAgingPolicy halves a pattern's weight roughly every 14 passes and
// evicts only month-idle stragglers.
func DefaultAgingPolicy() AgingPolicy {
	return AgingPolicy{
		DecayFactor: 0.95,
		EvictBelow:  0.5,
		IdleTTL:     30 * 24 * time.Hour,
	}
}

// Library is the process-wide store of learned error patterns. It is shared
// across all sessions and safe for concurrent use; external callers reach
// it only through the recognizer interface, never by touching patterns
// directly.
type Library struct {
	mu       sync.RWMutex
	patterns map[string]*ErrorPattern
	floor    float64
	aging    AgingPolicy

	// now is swappable for tests
	now func() time.Time
}

// NewLibrary creates a pattern library with the given similarity floor.
// A floor of 0 uses the default 0.6.
func NewLibrary(similarityFloor float64, aging AgingPolicy) *Library {
	if similarityFloor <= 0 {
		similarityFloor = 0.6
	}
	return &Library{
		patterns: make(map[string]*ErrorPattern),
		floor:    similarityFloor,
		aging:    aging,
		now:      time.Now,
	}
}

// Match finds the stored pattern most similar to errorText. If the best
// Jaccard score clears the similarity floor the pattern's frequency and
// last-seen are updated; otherwise a new pattern is created from the
// error's signature. The returned pattern is a copy.
func (l *Library) Match(errorText string) Match {
	signature := Normalize(errorText)

	l.mu.Lock()
	defer l.mu.Unlock()

	var best *ErrorPattern
	bestScore := 0.0
	for _, p := range l.patterns {
		if score := Jaccard(signature, p.Signature); score > bestScore {
			best, bestScore = p, score
		}
	}

	now := l.now().UTC()

	if best != nil && bestScore >= l.floor {
		best.Frequency++
		best.LastSeen = now
		return Match{Pattern: clonePattern(best), Similarity: bestScore}
	}

	created := &ErrorPattern{
		ID:          uuid.NewString(),
		Category:    Classify(errorText),
		Signature:   signature,
		Frequency:   1,
		SuccessRate: 0.5, // neutral prior until outcomes arrive
		FirstSeen:   now,
		LastSeen:    now,
	}
	l.patterns[created.ID] = created

	return Match{Pattern: clonePattern(created), Similarity: 1.0, Created: true}
}

// RecordOutcome folds a remediation result into the pattern's success rate.
func (l *Library) RecordOutcome(patternID string, succeeded bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.patterns[patternID]
	if !ok {
		return fmt.Errorf("unknown pattern %s", patternID)
	}

	observed := 0.0
	if succeeded {
		observed = 1.0
	}
	p.SuccessRate = p.SuccessRate*(1-successRateAlpha) + observed*successRateAlpha
	p.Outcomes++
	return nil
}

// Decay runs one aging pass: every frequency is multiplied by the decay
// factor, and patterns under the eviction floor that have been idle past
// the TTL are removed. It returns the evicted pattern IDs so callers can
// mirror the eviction into persistent storage.
func (l *Library) Decay() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	var evicted []string
	for id, p := range l.patterns {
		p.Frequency *= l.aging.DecayFactor
		if p.Frequency < l.aging.EvictBelow && now.Sub(p.LastSeen) > l.aging.IdleTTL {
			delete(l.patterns, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Get returns a copy of the pattern with the given ID.
func (l *Library) Get(patternID string) (*ErrorPattern, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.patterns[patternID]
	if !ok {
		return nil, false
	}
	return clonePattern(p), true
}

// All returns copies of every stored pattern, for persistence and export.
func (l *Library) All() []*ErrorPattern {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*ErrorPattern, 0, len(l.patterns))
	for _, p := range l.patterns {
		out = append(out, clonePattern(p))
	}
	return out
}

// Load seeds the library from persisted patterns, replacing any current
// contents. Used at startup to restore the library from the store.
func (l *Library) Load(patterns []*ErrorPattern) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.patterns = make(map[string]*ErrorPattern, len(patterns))
	for _, p := range patterns {
		l.patterns[p.ID] = clonePattern(p)
	}
}

// Len returns the number of stored patterns.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.patterns)
}

func clonePattern(p *ErrorPattern) *ErrorPattern {
	cp := *p
	cp.Signature = append([]string(nil), p.Signature...)
	return &cp
}
