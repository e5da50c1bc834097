package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/relearn/internal/models"
	"github.com/harrison/relearn/internal/pattern"
	"github.com/harrison/relearn/internal/snapshot"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStore(t *testing.T) {
	tests := []struct {
		name    string
		dbPath  string
		wantErr bool
	}{
		{"in-memory database", ":memory:", false},
		{"file database", filepath.Join(t.TempDir(), "test.db"), false},
		{"creates parent directories", filepath.Join(t.TempDir(), "a", "b", "test.db"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStore(tt.dbPath)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.dbPath, s.Path())
			s.Close()
		})
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &models.LearningSession{
		ID:        "sess-1",
		TaskID:    "task-1",
		AgentID:   "agent-1",
		Status:    models.StatusActive,
		Config:    models.DefaultSessionConfig(),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveSession(ctx, sess))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, sess.TaskID, got.TaskID)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.Equal(t, sess.Config.MaxIterations, got.Config.MaxIterations)
	assert.True(t, got.CompletedAt.IsZero())

	// Terminal transition is an update, not a duplicate row.
	sess.Status = models.StatusCompleted
	sess.Verdict = "quality-threshold-met"
	sess.CompletedAt = time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SaveSession(ctx, sess))

	got, err = s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "quality-threshold-met", got.Verdict)
	assert.False(t, got.CompletedAt.IsZero())

	all, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetSessionMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "nope")
	assert.Error(t, err)
}

func TestIterationsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &models.LearningSession{
		ID: "sess-1", TaskID: "t", AgentID: "a",
		Status: models.StatusActive, Config: models.DefaultSessionConfig(),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveSession(ctx, sess))

	now := time.Now().UTC().Truncate(time.Millisecond)
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.AppendIteration(ctx, models.Iteration{
			SessionID:    "sess-1",
			Sequence:     i,
			StartedAt:    now,
			EndedAt:      now.Add(time.Second),
			QualityScore: 0.2 * float64(i),
			Elapsed:      time.Second,
			MemoryBytes:  1024,
			SnapshotID:   "snap",
		}))
	}

	// Re-inserting a sequence violates the primary key.
	err := s.AppendIteration(ctx, models.Iteration{
		SessionID: "sess-1", Sequence: 2, StartedAt: now, EndedAt: now,
	})
	assert.Error(t, err)

	its, err := s.GetIterations(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, its, 3)
	assert.Equal(t, 1, its[0].Sequence)
	assert.Equal(t, time.Second, its[0].Elapsed)
	assert.InDelta(t, 0.6, its[2].QualityScore, 1e-9)
}

func TestSnapshotPersistenceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &models.LearningSession{
		ID: "sess-1", TaskID: "t", AgentID: "a",
		Status: models.StatusActive, Config: models.DefaultSessionConfig(),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveSession(ctx, sess))

	eng, err := snapshot.NewEngine("sess-1")
	require.NoError(t, err)
	first, err := eng.Snapshot(1, []byte("state after iteration one"))
	require.NoError(t, err)
	second, err := eng.Snapshot(2, []byte("state after iteration one and two"))
	require.NoError(t, err)

	require.NoError(t, s.SaveSnapshot(ctx, first))
	require.NoError(t, s.SaveSnapshot(ctx, second))

	snaps, err := s.GetSnapshots(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, first.ID, snaps[0].ID)
	assert.Equal(t, second.ID, snaps[1].ID)
	assert.Equal(t, first.Checksum, snaps[0].Checksum)
	assert.Equal(t, first.ID, snaps[1].ParentID)

	// The persisted chain rebuilds an engine that restores every point.
	rebuilt, err := snapshot.LoadEngine("sess-1", snaps)
	require.NoError(t, err)

	state, err := rebuilt.Restore(snaps[1].ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("state after iteration one and two"), state)

	state, err = rebuilt.Restore(snaps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("state after iteration one"), state)

	// Unknown sessions have no chain.
	none, err := s.GetSnapshots(ctx, "sess-unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPatternRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lib := pattern.NewLibrary(0.6, pattern.DefaultAgingPolicy())
	lib.Match("connection refused while dialing database")
	lib.Match("nil pointer dereference in render")

	require.NoError(t, s.UpsertPatterns(ctx, lib.All()))

	loaded, err := s.LoadPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	// Round-trips seed a fresh library that still matches.
	lib2 := pattern.NewLibrary(0.6, pattern.DefaultAgingPolicy())
	lib2.Load(loaded)
	m := lib2.Match("connection refused while dialing database")
	assert.False(t, m.Created)

	// Upsert is idempotent on IDs.
	require.NoError(t, s.UpsertPatterns(ctx, lib2.All()))
	loaded, err = s.LoadPatterns(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
}

func TestDeletePatterns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lib := pattern.NewLibrary(0.6, pattern.DefaultAgingPolicy())
	m := lib.Match("permission denied opening /etc/passwd")
	require.NoError(t, s.UpsertPatterns(ctx, lib.All()))

	require.NoError(t, s.DeletePatterns(ctx, []string{m.Pattern.ID}))
	loaded, err := s.LoadPatterns(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestFeedbackRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &models.LearningSession{
		ID: "sess-1", TaskID: "t", AgentID: "a",
		Status: models.StatusCompleted, Config: models.DefaultSessionConfig(),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveSession(ctx, sess))

	fb := &models.Feedback{
		SessionID: "sess-1",
		Recommendations: []models.Recommendation{
			{Priority: models.PriorityHigh, Confidence: 0.8, Summary: "split the task"},
		},
		QualityTrend:      models.TrendImproving,
		ErrorTrend:        models.TrendFlat,
		OverallConfidence: 0.8,
		GeneratedAt:       time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveFeedback(ctx, fb))

	got, err := s.GetFeedback(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.TrendImproving, got.QualityTrend)
	require.Len(t, got.Recommendations, 1)
	assert.Equal(t, "split the task", got.Recommendations[0].Summary)
}

func TestExportPatterns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lib := pattern.NewLibrary(0.6, pattern.DefaultAgingPolicy())
	lib.Match("timeout waiting for executor response")
	require.NoError(t, s.UpsertPatterns(ctx, lib.All()))

	path := filepath.Join(t.TempDir(), "patterns.json")
	require.NoError(t, s.ExportPatterns(ctx, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var exported []*pattern.ErrorPattern
	require.NoError(t, json.Unmarshal(data, &exported))
	assert.Len(t, exported, 1)
	assert.Equal(t, pattern.CategoryTimeout, exported[0].Category)
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, status := range []models.SessionStatus{
		models.StatusCompleted, models.StatusCompleted, models.StatusFailed,
	} {
		require.NoError(t, s.SaveSession(ctx, &models.LearningSession{
			ID: string(rune('a' + i)), TaskID: "t", AgentID: "a",
			Status: status, Config: models.DefaultSessionConfig(),
			CreatedAt: time.Now().UTC(),
		}))
	}

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalSessions)
	assert.Equal(t, 2, stats.SessionsByStatus["completed"])
	assert.Equal(t, 1, stats.SessionsByStatus["failed"])
}
