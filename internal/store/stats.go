package store

import (
	"context"
	"fmt"
)

// Stats summarizes the stored learning history for the CLI.
type Stats struct {
	TotalSessions    int
	SessionsByStatus map[string]int
	TotalIterations  int
	TotalPatterns    int
	TopCategories    []CategoryCount
}

// CategoryCount pairs an error category with its pattern count.
type CategoryCount struct {
	Category string
	Count    int
}

// GetStats aggregates session, iteration, and pattern counts.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{SessionsByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session count: %w", err)
		}
		stats.SessionsByStatus[status] = n
		stats.TotalSessions += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM iterations`).Scan(&stats.TotalIterations); err != nil {
		return nil, fmt.Errorf("count iterations: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM error_patterns`).Scan(&stats.TotalPatterns); err != nil {
		return nil, fmt.Errorf("count patterns: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT category, COUNT(*) AS n FROM error_patterns
		GROUP BY category ORDER BY n DESC LIMIT 5`)
	if err != nil {
		return nil, fmt.Errorf("top categories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cc CategoryCount
		if err := rows.Scan(&cc.Category, &cc.Count); err != nil {
			return nil, fmt.Errorf("scan category count: %w", err)
		}
		stats.TopCategories = append(stats.TopCategories, cc)
	}
	return stats, rows.Err()
}
