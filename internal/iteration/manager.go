// Package iteration enforces per-session execution limits: iteration count,
// wall-clock timeout, resource budget, and progress-based stagnation
// detection. Every denial is terminal for the session.
package iteration

import (
	"math"
	"time"

	"github.com/harrison/relearn/internal/models"
)

// DenyReason explains why an iteration was not admitted.
type DenyReason string

const (
	DenyMaxIterations  DenyReason = "max-iterations-reached"
	DenyNoProgress     DenyReason = "no-progress-detected"
	DenySessionTimeout DenyReason = "session-timeout"
	DenyResourceBudget DenyReason = "resource-budget-exceeded"
)

// Decision is the admission verdict for the next iteration.
type Decision struct {
	Admit  bool
	Reason DenyReason
}

func admit() Decision            { return Decision{Admit: true} }
func deny(r DenyReason) Decision { return Decision{Reason: r} }

// warnFraction is the budget usage at which a soft warning fires.
const warnFraction = 0.8

// Manager tracks one session's consumption against its configured limits.
// It is used from the session's single iteration loop and is not safe for
// concurrent use; the coordinator serializes access per session.
type Manager struct {
	cfg       models.SessionConfig
	startedAt time.Time

	count       int
	memUsed     int64
	lastQuality float64
	hasPrevious bool

	// stagnantRun counts consecutive iterations whose relative quality
	// change stayed below the progress threshold
	stagnantRun int

	warned bool

	// now is swappable for tests
	now func() time.Time
}

// NewManager creates a limit tracker for a session started at startedAt.
func NewManager(cfg models.SessionConfig, startedAt time.Time) *Manager {
	return &Manager{
		cfg:       cfg.Normalize(),
		startedAt: startedAt,
		now:       time.Now,
	}
}

// CanStart decides whether the next iteration may run. All deny reasons are
// terminal: the coordinator must fail the session rather than continue.
func (m *Manager) CanStart() Decision {
	if m.now().Sub(m.startedAt) >= m.cfg.Timeout {
		return deny(DenySessionTimeout)
	}
	if m.count >= m.cfg.MaxIterations {
		return deny(DenyMaxIterations)
	}
	if m.memUsed >= m.cfg.ResourceBudgetBytes {
		return deny(DenyResourceBudget)
	}
	if m.stagnantRun >= m.cfg.StagnationWindow {
		return deny(DenyNoProgress)
	}
	return admit()
}

// Record folds a completed iteration into the limit state. It returns the
// relative progress delta versus the previous iteration and whether this
// update crossed the soft resource warning threshold (reported once per
// session).
func (m *Manager) Record(it models.Iteration) (delta float64, warn bool) {
	m.count++
	m.memUsed += it.MemoryBytes

	if m.hasPrevious {
		delta = relativeChange(m.lastQuality, it.QualityScore)
		if delta < m.cfg.ProgressThreshold {
			m.stagnantRun++
		} else {
			m.stagnantRun = 0
		}
	}

	m.lastQuality = it.QualityScore
	m.hasPrevious = true

	if !m.warned && float64(m.memUsed) >= warnFraction*float64(m.cfg.ResourceBudgetBytes) {
		m.warned = true
		warn = true
	}
	return delta, warn
}

// relativeChange computes |cur-prev| relative to the larger of the two
// scores, so a move from 0.500 to 0.505 registers as just under 1%.
func relativeChange(prev, cur float64) float64 {
	base := math.Max(math.Abs(prev), math.Abs(cur))
	if base == 0 {
		return 0
	}
	return math.Abs(cur-prev) / base
}

// Count returns the number of recorded iterations.
func (m *Manager) Count() int { return m.count }

// LastQuality returns the most recent recorded quality score.
func (m *Manager) LastQuality() float64 { return m.lastQuality }

// Elapsed returns the session's wall-clock age.
func (m *Manager) Elapsed() time.Duration { return m.now().Sub(m.startedAt) }

// Remaining returns the time left before the session timeout; iteration
// deadlines are derived from it.
func (m *Manager) Remaining() time.Duration {
	rem := m.cfg.Timeout - m.Elapsed()
	if rem < 0 {
		return 0
	}
	return rem
}

// BudgetUsed returns consumed resource bytes.
func (m *Manager) BudgetUsed() int64 { return m.memUsed }
