// Package coordinator ties the learning components into a session
// lifecycle: it admits iterations through the iteration manager, drives the
// external executor, classifies failures, snapshots state, adapts the next
// prompt, and emits feedback exactly once per terminal transition.
package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/relearn/internal/config"
	"github.com/harrison/relearn/internal/feedback"
	"github.com/harrison/relearn/internal/iteration"
	"github.com/harrison/relearn/internal/logger"
	"github.com/harrison/relearn/internal/models"
	"github.com/harrison/relearn/internal/pattern"
	"github.com/harrison/relearn/internal/prompt"
	"github.com/harrison/relearn/internal/snapshot"
	"github.com/harrison/relearn/internal/store"
)

var (
	// ErrDuplicateSession is returned when an active session already
	// exists for the task-agent pair.
	ErrDuplicateSession = errors.New("active session already exists for this task-agent pair")

	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")
)

// Executor runs one iteration of the underlying agent. Implementations are
// external; calls receive a context carrying the iteration deadline derived
// from the session timeout.
type Executor interface {
	ExecuteIteration(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest describes one iteration handed to the executor.
type ExecutionRequest struct {
	SessionID string
	TaskID    string
	AgentID   string
	Sequence  int

	// Prompt is the current instruction document, including any
	// modifications from previous iterations
	Prompt string
}

// ExecutionResult is the executor's report for one iteration. A non-empty
// ErrorText marks the iteration as failed; infrastructure problems are
// returned as Go errors instead and fail the session.
type ExecutionResult struct {
	// QualityScore is the executor-reported quality, 0..1. It only counts
	// when QualityReported is set; otherwise a heuristic score is derived
	// from Output. A reported score of exactly zero is a valid report.
	QualityScore float64

	// QualityReported marks QualityScore as an explicit executor report.
	QualityReported bool

	Output    string
	ErrorText string

	// MemoryBytes estimates the iteration's resource consumption
	MemoryBytes int64
}

// SessionStatus is the external status view of a session.
type SessionStatus struct {
	Status           models.SessionStatus `json:"status"`
	IterationCount   int                  `json:"iteration_count"`
	LastQualityScore float64              `json:"last_quality_score"`
}

// session is the coordinator's internal per-session state. Its iteration
// loop runs in a single goroutine; mu guards fields read by status queries.
type session struct {
	mu      sync.Mutex
	model   *models.LearningSession
	manager *iteration.Manager
	engine  *snapshot.Engine
	history []models.Iteration
	matches []pattern.Match
	prompt  string

	cancelled bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func (s *session) snapshotStatus() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionStatus{Status: s.model.Status, IterationCount: len(s.history)}
	if n := len(s.history); n > 0 {
		st.LastQualityScore = s.history[n-1].QualityScore
	}
	return st
}

// Coordinator owns all learning sessions in the process. Independent
// sessions run fully in parallel; creation is serialized per task-agent
// pair to uphold the at-most-one-active-session invariant.
type Coordinator struct {
	cfg       *config.Config
	log       logger.Logger
	store     *store.Store
	library   *pattern.Library
	engineer  *prompt.Engineer
	generator *feedback.Generator
	executor  Executor

	mu          sync.Mutex
	sessions    map[string]*session
	activePairs map[string]string // pair key -> session ID
	errorRuns   map[string]int    // pair key -> consecutive errored outcomes

	events chan models.Event
	wg     sync.WaitGroup

	agingStop chan struct{}
	closeOnce sync.Once
}

// New creates a coordinator. The pattern library is seeded from the store
// so learned patterns survive restarts, and a background aging pass decays
// pattern frequencies on the configured interval.
func New(cfg *config.Config, st *store.Store, exec Executor, log logger.Logger) (*Coordinator, error) {
	if log == nil {
		log = logger.Nop()
	}

	lib := pattern.NewLibrary(cfg.SimilarityFloor, pattern.AgingPolicy{
		DecayFactor: cfg.Aging.DecayFactor,
		EvictBelow:  cfg.Aging.EvictBelow,
		IdleTTL:     cfg.Aging.IdleTTL,
	})

	persisted, err := st.LoadPatterns(context.Background())
	if err != nil {
		return nil, fmt.Errorf("seed pattern library: %w", err)
	}
	lib.Load(persisted)

	c := &Coordinator{
		cfg:         cfg,
		log:         log,
		store:       st,
		library:     lib,
		engineer:    prompt.NewEngineer(),
		generator:   feedback.NewGenerator(),
		executor:    exec,
		sessions:    make(map[string]*session),
		activePairs: make(map[string]string),
		errorRuns:   make(map[string]int),
		events:      make(chan models.Event, cfg.EventBuffer),
		agingStop:   make(chan struct{}),
	}

	go c.agingLoop()
	return c, nil
}

// Events returns the outbound notification stream. Events for one session
// are strictly ordered; ordering across sessions is not guaranteed.
func (c *Coordinator) Events() <-chan models.Event {
	return c.events
}

// StartSession opens a learning session for the task-agent pair. It fails
// with ErrDuplicateSession while another session for the same pair is
// active. The returned ID is usable immediately with GetSessionStatus and
// CancelSession; the iteration loop runs asynchronously.
func (c *Coordinator) StartSession(ctx context.Context, taskID, agentID string, cfg models.SessionConfig) (string, error) {
	if taskID == "" || agentID == "" {
		return "", fmt.Errorf("task and agent IDs are required")
	}
	cfg = cfg.Normalize()

	now := time.Now().UTC()
	model := &models.LearningSession{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		AgentID:   agentID,
		Status:    models.StatusPending,
		Config:    cfg,
		CreatedAt: now,
	}

	engine, err := snapshot.NewEngine(model.ID)
	if err != nil {
		return "", fmt.Errorf("create snapshot engine: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		model:   model,
		manager: iteration.NewManager(cfg, now),
		engine:  engine,
		prompt:  initialPrompt(taskID, agentID),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	pair := model.PairKey()

	c.mu.Lock()
	if _, busy := c.activePairs[pair]; busy {
		c.mu.Unlock()
		cancel()
		return "", fmt.Errorf("%w: task %s agent %s", ErrDuplicateSession, taskID, agentID)
	}
	c.activePairs[pair] = model.ID
	c.sessions[model.ID] = sess
	c.mu.Unlock()

	// Session creation is a critical-path write.
	if err := c.store.SaveSession(ctx, model); err != nil {
		c.mu.Lock()
		delete(c.activePairs, pair)
		delete(c.sessions, model.ID)
		c.mu.Unlock()
		cancel()
		return "", fmt.Errorf("persist session: %w", err)
	}

	model.Status = models.StatusActive
	if err := c.store.SaveSession(ctx, model); err != nil {
		c.mu.Lock()
		delete(c.activePairs, pair)
		delete(c.sessions, model.ID)
		c.mu.Unlock()
		cancel()
		return "", fmt.Errorf("activate session: %w", err)
	}

	c.emit(models.Event{
		Type:      models.EventSessionStarted,
		SessionID: model.ID,
		Timestamp: time.Now().UTC(),
		Data:      map[string]string{"task_id": taskID, "agent_id": agentID},
	})
	c.log.Infof("session %s started for task=%s agent=%s", model.ID, taskID, agentID)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx, sess)
	}()

	return model.ID, nil
}

// GetSessionStatus reports a session's lifecycle state, iteration count,
// and latest quality score. Terminal sessions are released from memory
// once finished, so the lookup falls back to the store.
func (c *Coordinator) GetSessionStatus(sessionID string) (SessionStatus, error) {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if ok {
		return sess.snapshotStatus(), nil
	}
	return c.storedStatus(sessionID)
}

// storedStatus rebuilds a status view from persisted state.
func (c *Coordinator) storedStatus(sessionID string) (SessionStatus, error) {
	ctx := context.Background()
	model, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionStatus{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return SessionStatus{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	its, err := c.store.GetIterations(ctx, sessionID)
	if err != nil {
		return SessionStatus{}, fmt.Errorf("load iterations for %s: %w", sessionID, err)
	}

	st := SessionStatus{Status: model.Status, IterationCount: len(its)}
	if n := len(its); n > 0 {
		st.LastQualityScore = its[n-1].QualityScore
	}
	return st, nil
}

// CancelSession requests cooperative cancellation. Idempotent: repeat calls
// and calls on terminal sessions are acknowledged without effect. The
// cancellation is honored at the next iteration boundary, never mid-call.
func (c *Coordinator) CancelSession(sessionID string) error {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if ok {
		sess.mu.Lock()
		sess.cancelled = true
		sess.mu.Unlock()
		return nil
	}

	// Already-terminal sessions only exist in the store; cancelling one
	// is acknowledged without effect.
	if _, err := c.storedStatus(sessionID); err != nil {
		return err
	}
	return nil
}

// HandleTaskCompletion consumes a task-completion event from the
// orchestrator. Outcomes for pairs without an active session feed the
// trigger policy (repeated errors or low quality open a session); outcomes
// for active pairs contribute their error text to the pattern library.
func (c *Coordinator) HandleTaskCompletion(ctx context.Context, outcome models.TaskOutcome) (string, error) {
	pair := models.PairKey(outcome.TaskID, outcome.AgentID)

	c.mu.Lock()
	_, active := c.activePairs[pair]
	if outcome.ErrorText != "" {
		c.errorRuns[pair]++
	} else {
		c.errorRuns[pair] = 0
	}
	runs := c.errorRuns[pair]
	c.mu.Unlock()

	if active {
		if outcome.ErrorText != "" {
			m := c.library.Match(outcome.ErrorText)
			c.log.Debugf("outcome for active pair matched pattern %s (similarity %.2f)", m.Pattern.ID, m.Similarity)
		}
		return "", nil
	}

	trigger := runs >= c.cfg.Trigger.MinErrorCount ||
		outcome.QualityScore < c.cfg.Trigger.QualityFloor
	if !trigger {
		return "", nil
	}

	c.mu.Lock()
	c.errorRuns[pair] = 0
	c.mu.Unlock()

	id, err := c.StartSession(ctx, outcome.TaskID, outcome.AgentID, c.cfg.Session)
	if errors.Is(err, ErrDuplicateSession) {
		return "", nil
	}
	return id, err
}

// Shutdown cancels all sessions and waits for their loops to finish, then
// closes the event stream.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, sess := range c.sessions {
		sess.mu.Lock()
		sess.cancelled = true
		sess.mu.Unlock()
	}
	c.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.closeOnce.Do(func() {
		close(c.agingStop)
		close(c.events)
	})
	return nil
}

// emit sends an event without blocking the session loop. If the consumer
// has fallen behind the buffer the event is dropped with a warning;
// consumers must already tolerate at-least-once, reordered-across-sessions
// delivery.
func (c *Coordinator) emit(ev models.Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warnf("event buffer full, dropping %s for session %s", ev.Type, ev.SessionID)
	}
}

// terminalEmitGrace bounds how long a session loop waits on a slow event
// consumer before giving up on its terminal notification.
const terminalEmitGrace = 5 * time.Second

// emitTerminal delivers a terminal transition event. Unlike progress
// events, these wait out a full buffer for a grace period: consumers key
// their own cleanup off session-completed and session-failed.
func (c *Coordinator) emitTerminal(ev models.Event) {
	select {
	case c.events <- ev:
		return
	default:
	}

	timer := time.NewTimer(terminalEmitGrace)
	defer timer.Stop()
	select {
	case c.events <- ev:
	case <-timer.C:
		c.log.Warnf("event buffer full for %s, dropping terminal %s for session %s",
			terminalEmitGrace, ev.Type, ev.SessionID)
	}
}

// agingLoop periodically runs a pattern aging pass.
func (c *Coordinator) agingLoop() {
	interval := c.cfg.Aging.DecayInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.agingStop:
			return
		case <-ticker.C:
			c.agePatterns(context.Background())
		}
	}
}

// agePatterns decays pattern frequencies, deletes evicted patterns from the
// store so they do not come back on restart, and mirrors the survivors.
func (c *Coordinator) agePatterns(ctx context.Context) {
	evicted := c.library.Decay()
	if len(evicted) > 0 {
		c.log.Infof("pattern aging evicted %d patterns", len(evicted))
		if err := c.store.DeletePatterns(ctx, evicted); err != nil {
			c.log.Warnf("delete evicted patterns: %v", err)
		}
	}
	c.persistPatterns(ctx)
}

// persistPatterns mirrors the in-memory library to the store. Off the
// critical path: failures are logged, not surfaced.
func (c *Coordinator) persistPatterns(ctx context.Context) {
	if err := c.store.UpsertPatterns(ctx, c.library.All()); err != nil {
		c.log.Warnf("persist patterns: %v", err)
	}
}

// initialPrompt builds the first iteration's instruction document.
func initialPrompt(taskID, agentID string) string {
	return fmt.Sprintf(`# Task %s

Agent %s: improve on the previous attempt at this task.

## Approach

- review the prior result before changing anything

## Constraints

- keep changes limited to what the task requires
`, taskID, agentID)
}
