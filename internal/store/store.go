// Package store persists learning coordinator state in SQLite: sessions,
// iterations, snapshots, error patterns, and feedback.
//
// Critical-path writes (session state transitions) surface errors to the
// caller so the coordinator can fail the session; non-critical writes
// (pattern frequency updates) are retried with backoff.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/relearn/internal/models"
	"github.com/harrison/relearn/internal/snapshot"
)

//go:embed schema.sql
var schemaSQL string

// Store manages the SQLite database behind the coordinator.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (creating if needed) the database at dbPath and applies
// the schema. Parent directories are created for file-based databases.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every pooled connection to :memory: is a distinct database, so
	// in-memory stores must stay on a single connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// busy_timeout first so the remaining pragmas wait on locks held by
	// concurrent openers of the same file.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if err := execWithRetry(db, schemaSQL, 5, 10*time.Millisecond); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// execWithRetry executes a statement with exponential backoff on
// "database is locked" errors seen during concurrent initialization.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database location.
func (s *Store) Path() string { return s.dbPath }

// SaveSession inserts or updates a session record. This is a critical-path
// write: failures must surface as session failures, never be dropped.
func (s *Store) SaveSession(ctx context.Context, sess *models.LearningSession) error {
	cfg, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("marshal session config: %w", err)
	}

	var completed any
	if !sess.CompletedAt.IsZero() {
		completed = sess.CompletedAt.UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, task_id, agent_id, status, config, verdict, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			verdict = excluded.verdict,
			completed_at = excluded.completed_at`,
		sess.ID, sess.TaskID, sess.AgentID, string(sess.Status), string(cfg),
		sess.Verdict, sess.CreatedAt.UTC(), completed)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession loads one session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*models.LearningSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, agent_id, status, config, verdict, created_at, completed_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*models.LearningSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, agent_id, status, config, verdict, created_at, completed_at
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.LearningSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.LearningSession, error) {
	var (
		sess      models.LearningSession
		status    string
		cfg       string
		completed sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.TaskID, &sess.AgentID, &status, &cfg,
		&sess.Verdict, &sess.CreatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session not found: %w", sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = models.SessionStatus(status)
	if completed.Valid {
		sess.CompletedAt = completed.Time
	}
	if err := json.Unmarshal([]byte(cfg), &sess.Config); err != nil {
		return nil, fmt.Errorf("unmarshal session config: %w", err)
	}
	return &sess, nil
}

// AppendIteration records a completed iteration. Iterations are append-only.
func (s *Store) AppendIteration(ctx context.Context, it models.Iteration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO iterations (session_id, sequence, started_at, ended_at,
			quality_score, error_summary, error_category, severity,
			elapsed_ms, memory_bytes, progress_delta, snapshot_id, pattern_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.SessionID, it.Sequence, it.StartedAt.UTC(), it.EndedAt.UTC(),
		it.QualityScore, it.ErrorSummary, it.ErrorCategory, it.Severity,
		it.Elapsed.Milliseconds(), it.MemoryBytes, it.ProgressDelta,
		it.SnapshotID, it.PatternID)
	if err != nil {
		return fmt.Errorf("append iteration %s/%d: %w", it.SessionID, it.Sequence, err)
	}
	return nil
}

// GetIterations returns a session's iterations in sequence order.
func (s *Store) GetIterations(ctx context.Context, sessionID string) ([]models.Iteration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence, started_at, ended_at, quality_score,
			error_summary, error_category, severity, elapsed_ms,
			memory_bytes, progress_delta, snapshot_id, pattern_id
		FROM iterations WHERE session_id = ? ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get iterations: %w", err)
	}
	defer rows.Close()

	var out []models.Iteration
	for rows.Next() {
		var (
			it        models.Iteration
			elapsedMS int64
		)
		err := rows.Scan(&it.SessionID, &it.Sequence, &it.StartedAt, &it.EndedAt,
			&it.QualityScore, &it.ErrorSummary, &it.ErrorCategory, &it.Severity,
			&elapsedMS, &it.MemoryBytes, &it.ProgressDelta, &it.SnapshotID, &it.PatternID)
		if err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		it.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, it)
	}
	return out, rows.Err()
}

// SaveSnapshot persists a snapshot record so sessions can be restored after
// a process restart.
func (s *Store) SaveSnapshot(ctx context.Context, snap *snapshot.ContextSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots (id, session_id, sequence, parent_id,
			payload, checksum, original_size, compressed_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.SessionID, snap.Sequence, snap.ParentID, snap.Payload,
		snap.Checksum, snap.OriginalSize, snap.CompressedSize, snap.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// GetSnapshots loads a session's snapshot chain ordered by sequence, ready
// for snapshot.LoadEngine.
func (s *Store) GetSnapshots(ctx context.Context, sessionID string) ([]*snapshot.ContextSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sequence, parent_id, payload, checksum,
			original_size, compressed_size, created_at
		FROM snapshots WHERE session_id = ? ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get snapshots for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*snapshot.ContextSnapshot
	for rows.Next() {
		var snap snapshot.ContextSnapshot
		if err := rows.Scan(&snap.ID, &snap.SessionID, &snap.Sequence,
			&snap.ParentID, &snap.Payload, &snap.Checksum,
			&snap.OriginalSize, &snap.CompressedSize, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if snap.OriginalSize > 0 {
			snap.CompressionRatio = 1 - float64(snap.CompressedSize)/float64(snap.OriginalSize)
		}
		out = append(out, &snap)
	}
	return out, rows.Err()
}

// SaveFeedback persists a session's final feedback.
func (s *Store) SaveFeedback(ctx context.Context, fb *models.Feedback) error {
	recs, err := json.Marshal(fb.Recommendations)
	if err != nil {
		return fmt.Errorf("marshal recommendations: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO feedback (session_id, recommendations,
			quality_trend, error_trend, overall_confidence, generated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		fb.SessionID, string(recs), string(fb.QualityTrend), string(fb.ErrorTrend),
		fb.OverallConfidence, fb.GeneratedAt.UTC())
	if err != nil {
		return fmt.Errorf("save feedback %s: %w", fb.SessionID, err)
	}
	return nil
}

// GetFeedback loads the feedback for a session.
func (s *Store) GetFeedback(ctx context.Context, sessionID string) (*models.Feedback, error) {
	var (
		fb    models.Feedback
		recs  string
		qt    string
		et    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, recommendations, quality_trend, error_trend,
			overall_confidence, generated_at
		FROM feedback WHERE session_id = ?`, sessionID).
		Scan(&fb.SessionID, &recs, &qt, &et, &fb.OverallConfidence, &fb.GeneratedAt)
	if err != nil {
		return nil, fmt.Errorf("get feedback %s: %w", sessionID, err)
	}
	fb.QualityTrend = models.Trend(qt)
	fb.ErrorTrend = models.Trend(et)
	if err := json.Unmarshal([]byte(recs), &fb.Recommendations); err != nil {
		return nil, fmt.Errorf("unmarshal recommendations: %w", err)
	}
	return &fb, nil
}
