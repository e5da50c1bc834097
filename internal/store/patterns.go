package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/harrison/relearn/internal/pattern"
)

// UpsertPatterns writes the given patterns to the database, replacing the
// stored rows. Pattern updates are off the session's critical path, so lock
// errors are retried with backoff instead of failing the caller's session.
func (s *Store) UpsertPatterns(ctx context.Context, patterns []*pattern.ErrorPattern) error {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		lastErr = s.upsertPatternsOnce(ctx, patterns)
		if lastErr == nil {
			return nil
		}
		if !strings.Contains(lastErr.Error(), "database is locked") {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond * time.Duration(1<<attempt)):
		}
	}
	return lastErr
}

func (s *Store) upsertPatternsOnce(ctx context.Context, patterns []*pattern.ErrorPattern) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pattern upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO error_patterns (id, category, signature, frequency,
			success_rate, outcomes, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			frequency = excluded.frequency,
			success_rate = excluded.success_rate,
			outcomes = excluded.outcomes,
			last_seen = excluded.last_seen`)
	if err != nil {
		return fmt.Errorf("prepare pattern upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range patterns {
		sig, err := json.Marshal(p.Signature)
		if err != nil {
			return fmt.Errorf("marshal signature for %s: %w", p.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, p.ID, string(p.Category), string(sig),
			p.Frequency, p.SuccessRate, p.Outcomes, p.FirstSeen.UTC(), p.LastSeen.UTC()); err != nil {
			return fmt.Errorf("upsert pattern %s: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// LoadPatterns returns every stored error pattern, for seeding the library
// at startup.
func (s *Store) LoadPatterns(ctx context.Context) ([]*pattern.ErrorPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, signature, frequency, success_rate, outcomes,
			first_seen, last_seen
		FROM error_patterns`)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	defer rows.Close()

	var out []*pattern.ErrorPattern
	for rows.Next() {
		var (
			p        pattern.ErrorPattern
			category string
			sig      string
		)
		if err := rows.Scan(&p.ID, &category, &sig, &p.Frequency,
			&p.SuccessRate, &p.Outcomes, &p.FirstSeen, &p.LastSeen); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		p.Category = pattern.Category(category)
		if err := json.Unmarshal([]byte(sig), &p.Signature); err != nil {
			return nil, fmt.Errorf("unmarshal signature for %s: %w", p.ID, err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// DeletePatterns removes the given pattern IDs, mirroring library eviction.
func (s *Store) DeletePatterns(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pattern delete: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM error_patterns WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete pattern %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ExportPatterns writes the pattern library to a JSON file. A flock guards
// the file so concurrent processes exporting to the same path do not
// interleave writes.
func (s *Store) ExportPatterns(ctx context.Context, path string) error {
	patterns, err := s.LoadPatterns(ctx)
	if err != nil {
		return err
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire export lock: %w", err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(patterns, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal patterns: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalize export: %w", err)
	}
	return nil
}
