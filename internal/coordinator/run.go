package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/harrison/relearn/internal/iteration"
	"github.com/harrison/relearn/internal/models"
	"github.com/harrison/relearn/internal/pattern"
)

// run drives one session's iteration loop. Iterations are strictly
// sequential: each depends on the previous round's snapshot and
// classification.
func (c *Coordinator) run(ctx context.Context, sess *session) {
	defer close(sess.done)

	for {
		// Cancellation is observed at iteration boundaries only.
		sess.mu.Lock()
		cancelled := sess.cancelled
		sess.mu.Unlock()
		if cancelled {
			c.finish(ctx, sess, models.StatusCancelled, "cancelled")
			return
		}

		decision := sess.manager.CanStart()
		if !decision.Admit {
			c.finishDenied(ctx, sess, decision.Reason)
			return
		}

		it, execErr := c.runIteration(ctx, sess)
		if execErr != nil {
			// Infrastructure failure talking to the executor, distinct
			// from the agent producing a bad result.
			c.log.Errorf("session %s: executor error: %v", sess.model.ID, execErr)
			c.finish(ctx, sess, models.StatusFailed, "executor-error")
			return
		}

		if it.QualityScore >= sess.model.Config.QualityThreshold {
			c.emit(models.Event{
				Type:      models.EventQualityThresholdMet,
				SessionID: sess.model.ID,
				Sequence:  it.Sequence,
				Timestamp: time.Now().UTC(),
				Data:      it.QualityScore,
			})
			c.finish(ctx, sess, models.StatusCompleted, "quality-threshold-met")
			return
		}

		c.adaptPrompt(sess)
	}
}

// finishDenied maps an admission denial to its terminal state. Hitting the
// iteration cap without the last round erroring counts as a completed
// session; every other denial is a failure.
func (c *Coordinator) finishDenied(ctx context.Context, sess *session, reason iteration.DenyReason) {
	verdict := string(reason)

	if reason == iteration.DenyMaxIterations {
		n := len(sess.history)
		if n > 0 && !sess.history[n-1].Failed() {
			c.finish(ctx, sess, models.StatusCompleted, verdict)
			return
		}
	}
	c.finish(ctx, sess, models.StatusFailed, verdict)
}

// runIteration executes one round: invoke the executor under the remaining
// session deadline, classify any failure, snapshot state, and record the
// iteration. The returned error is reserved for unrecoverable executor
// problems; agent-level failures come back inside the iteration record.
func (c *Coordinator) runIteration(ctx context.Context, sess *session) (models.Iteration, error) {
	seq := sess.manager.Count() + 1
	started := time.Now().UTC()

	c.emit(models.Event{
		Type:      models.EventIterationStarted,
		SessionID: sess.model.ID,
		Sequence:  seq,
		Timestamp: started,
	})

	iterCtx, cancel := context.WithTimeout(ctx, sess.manager.Remaining())
	res, err := c.executor.ExecuteIteration(iterCtx, ExecutionRequest{
		SessionID: sess.model.ID,
		TaskID:    sess.model.TaskID,
		AgentID:   sess.model.AgentID,
		Sequence:  seq,
		Prompt:    sess.prompt,
	})
	cancel()

	ended := time.Now().UTC()
	it := models.Iteration{
		SessionID: sess.model.ID,
		Sequence:  seq,
		StartedAt: started,
		EndedAt:   ended,
		Elapsed:   ended.Sub(started),
	}

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		// An iteration running out of time is an iteration error, not an
		// executor fault; the admission check will deny the next round.
		it.ErrorSummary = "iteration timed out: " + err.Error()
	case err != nil:
		return it, err
	default:
		it.QualityScore = res.QualityScore
		if !res.QualityReported && res.Output != "" {
			it.QualityScore = heuristicQuality(res.Output)
		}
		it.ErrorSummary = res.ErrorText
		it.MemoryBytes = res.MemoryBytes
	}

	if it.Failed() {
		c.classifyFailure(sess, &it)
	} else if n := len(sess.history); n > 0 && sess.history[n-1].Failed() {
		// The previous failure's remediation worked; credit its pattern.
		c.recordRemediation(sess.history[n-1].PatternID, true)
	}

	c.captureSnapshot(ctx, sess, &it)

	delta, warn := sess.manager.Record(it)
	it.ProgressDelta = delta
	if warn {
		c.emit(models.Event{
			Type:      models.EventResourceWarning,
			SessionID: sess.model.ID,
			Sequence:  seq,
			Timestamp: time.Now().UTC(),
			Data:      sess.manager.BudgetUsed(),
		})
		c.log.Warnf("session %s passed 80%% of its resource budget", sess.model.ID)
	}

	sess.mu.Lock()
	sess.history = append(sess.history, it)
	sess.mu.Unlock()

	// Iteration rows are append-only history, off the critical path.
	if err := c.store.AppendIteration(ctx, it); err != nil {
		c.log.Warnf("persist iteration %s/%d: %v", it.SessionID, it.Sequence, err)
	}

	c.emit(models.Event{
		Type:      models.EventIterationCompleted,
		SessionID: sess.model.ID,
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
		Data:      it,
	})

	return it, nil
}

// classifyFailure runs the error recognizer over a failed iteration and
// folds the match into session state. A failure repeating a pattern that
// was already being remediated counts against that pattern's success rate.
func (c *Coordinator) classifyFailure(sess *session, it *models.Iteration) {
	category := pattern.Classify(it.ErrorSummary)
	it.ErrorCategory = string(category)

	c.emit(models.Event{
		Type:      models.EventErrorDetected,
		SessionID: sess.model.ID,
		Sequence:  it.Sequence,
		Timestamp: time.Now().UTC(),
		Data:      map[string]string{"category": it.ErrorCategory, "summary": it.ErrorSummary},
	})

	m := c.library.Match(it.ErrorSummary)
	it.PatternID = m.Pattern.ID
	it.Severity = string(severityFor(category, patternRecurrence(sess.history, m.Pattern.ID)+1))

	sess.mu.Lock()
	sess.matches = append(sess.matches, m)
	sess.mu.Unlock()

	c.emit(models.Event{
		Type:      models.EventPatternRecognized,
		SessionID: sess.model.ID,
		Sequence:  it.Sequence,
		Timestamp: time.Now().UTC(),
		Data:      m,
	})

	if n := len(sess.history); n > 0 {
		prev := sess.history[n-1]
		if prev.Failed() && prev.PatternID == m.Pattern.ID {
			c.recordRemediation(m.Pattern.ID, false)
		}
	}

	c.persistPatterns(context.Background())
}

func (c *Coordinator) recordRemediation(patternID string, succeeded bool) {
	if patternID == "" {
		return
	}
	if err := c.library.RecordOutcome(patternID, succeeded); err != nil {
		c.log.Debugf("record remediation outcome: %v", err)
	}
}

// captureSnapshot serializes session state and stores the compressed,
// checksummed capture. Snapshot persistence failures are logged; the
// in-memory arena still holds the snapshot for rollback within the session.
func (c *Coordinator) captureSnapshot(ctx context.Context, sess *session, it *models.Iteration) {
	state, err := json.Marshal(struct {
		Session    *models.LearningSession `json:"session"`
		Iterations []models.Iteration      `json:"iterations"`
		Prompt     string                  `json:"prompt"`
	}{sess.model, sess.history, sess.prompt})
	if err != nil {
		c.log.Warnf("marshal session state: %v", err)
		return
	}

	snap, err := sess.engine.Snapshot(it.Sequence, state)
	if err != nil {
		c.log.Warnf("capture snapshot: %v", err)
		return
	}
	it.SnapshotID = snap.ID

	if err := c.store.SaveSnapshot(ctx, snap); err != nil {
		c.log.Warnf("persist snapshot %s: %v", snap.ID, err)
	}
}

// adaptPrompt derives modifications from the history so far and applies
// them to the next iteration's instructions.
func (c *Coordinator) adaptPrompt(sess *session) {
	mods := c.engineer.ModifyPrompt(sess.prompt, sess.history)
	if len(mods) == 0 {
		return
	}

	sess.prompt = c.engineer.Apply(sess.prompt, mods)

	c.emit(models.Event{
		Type:      models.EventPromptModified,
		SessionID: sess.model.ID,
		Sequence:  len(sess.history),
		Timestamp: time.Now().UTC(),
		Data:      mods,
	})
}

// finish performs the terminal transition: persist the final session state,
// generate and persist feedback exactly once, emit the terminal event, and
// release the task-agent pair.
func (c *Coordinator) finish(ctx context.Context, sess *session, status models.SessionStatus, verdict string) {
	// Release the pair before the terminal state becomes observable, so a
	// caller that sees the session finished can immediately start a new one.
	c.mu.Lock()
	delete(c.activePairs, sess.model.PairKey())
	c.mu.Unlock()

	sess.mu.Lock()
	sess.model.Verdict = verdict
	sess.model.CompletedAt = time.Now().UTC()
	terminal := *sess.model
	terminal.Status = status
	history := append([]models.Iteration(nil), sess.history...)
	matches := append([]pattern.Match(nil), sess.matches...)
	sess.mu.Unlock()

	fb := c.generator.Generate(&terminal, history, matches)

	if err := c.store.SaveFeedback(ctx, fb); err != nil {
		c.log.Warnf("persist feedback for %s: %v", terminal.ID, err)
	}
	// Session state transitions are critical-path writes.
	if err := c.store.SaveSession(ctx, &terminal); err != nil {
		c.log.Errorf("persist terminal state for %s: %v", terminal.ID, err)
	}
	c.persistPatterns(ctx)

	// Publish the terminal status only after feedback and session state
	// are persisted; status observers may read the store immediately.
	sess.mu.Lock()
	sess.model.Status = status
	sess.mu.Unlock()

	eventType := models.EventSessionCompleted
	switch status {
	case models.StatusFailed:
		eventType = models.EventSessionFailed
	case models.StatusCancelled:
		eventType = models.EventSessionCancelled
	}

	c.emitTerminal(models.Event{
		Type:      eventType,
		SessionID: sess.model.ID,
		Sequence:  len(history),
		Timestamp: time.Now().UTC(),
		Data:      fb,
	})
	c.log.Infof("session %s finished: status=%s verdict=%s iterations=%d",
		sess.model.ID, status, verdict, len(history))

	// Terminal sessions are served from the store; drop the in-memory
	// state so long-lived processes do not accumulate finished sessions.
	c.mu.Lock()
	delete(c.sessions, sess.model.ID)
	c.mu.Unlock()

	sess.cancel()
}

// patternRecurrence counts prior failed iterations matching the pattern.
func patternRecurrence(history []models.Iteration, patternID string) int {
	n := 0
	for _, it := range history {
		if it.Failed() && it.PatternID == patternID {
			n++
		}
	}
	return n
}
