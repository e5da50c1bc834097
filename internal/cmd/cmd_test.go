package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harrison/relearn/internal/models"
	"github.com/harrison/relearn/internal/pattern"
	"github.com/harrison/relearn/internal/snapshot"
	"github.com/harrison/relearn/internal/store"
)

// seedStore populates a temp database with two finished sessions, their
// iterations, feedback, and one learned pattern, and returns the db path.
func seedStore(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "learning.db")

	st, err := store.NewStore(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	completed := &models.LearningSession{
		ID: "sess-completed", TaskID: "task-1", AgentID: "agent-1",
		Status: models.StatusCompleted, Verdict: "quality-threshold-met",
		Config: models.DefaultSessionConfig(), CreatedAt: now, CompletedAt: now,
	}
	failed := &models.LearningSession{
		ID: "sess-failed", TaskID: "task-2", AgentID: "agent-1",
		Status: models.StatusFailed, Verdict: "no-progress-detected",
		Config: models.DefaultSessionConfig(), CreatedAt: now, CompletedAt: now,
	}
	for _, sess := range []*models.LearningSession{completed, failed} {
		if err := st.SaveSession(ctx, sess); err != nil {
			t.Fatalf("save session: %v", err)
		}
	}

	iterations := []models.Iteration{
		{SessionID: "sess-completed", Sequence: 1, QualityScore: 0.5, StartedAt: now, EndedAt: now},
		{SessionID: "sess-completed", Sequence: 2, QualityScore: 0.92, StartedAt: now, EndedAt: now},
		{SessionID: "sess-failed", Sequence: 1, QualityScore: 0.3,
			ErrorSummary: "connection refused", ErrorCategory: "network",
			Severity: "medium", StartedAt: now, EndedAt: now},
	}
	for _, it := range iterations {
		if err := st.AppendIteration(ctx, it); err != nil {
			t.Fatalf("append iteration: %v", err)
		}
	}

	fb := &models.Feedback{
		SessionID: "sess-completed",
		Recommendations: []models.Recommendation{
			{Priority: models.PriorityLow, Confidence: 0.8, Summary: "quality threshold reached"},
		},
		QualityTrend: models.TrendImproving, ErrorTrend: models.TrendFlat,
		OverallConfidence: 0.8, GeneratedAt: now,
	}
	if err := st.SaveFeedback(ctx, fb); err != nil {
		t.Fatalf("save feedback: %v", err)
	}

	patterns := []*pattern.ErrorPattern{{
		ID: "pat-1", Category: pattern.CategoryNetwork,
		Signature: []string{"connection", "refused"},
		Frequency: 3, SuccessRate: 0.4, FirstSeen: now, LastSeen: now,
	}}
	if err := st.UpsertPatterns(ctx, patterns); err != nil {
		t.Fatalf("upsert patterns: %v", err)
	}

	return dbPath
}

// execute runs the root command with args against the given database and
// returns its combined output.
func execute(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(append(args, "--db-path", dbPath))
	err := root.Execute()
	return buf.String(), err
}

func TestStatsCommand(t *testing.T) {
	dbPath := seedStore(t)

	out, err := execute(t, dbPath, "stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}

	for _, want := range []string{"Total: 2", "completed: 1", "failed: 1", "Learned: 1", "network"} {
		if !strings.Contains(out, want) {
			t.Errorf("stats output missing %q:\n%s", want, out)
		}
	}
}

func TestStatsCommand_EmptyDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "empty.db")

	out, err := execute(t, dbPath, "stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if !strings.Contains(out, "No sessions recorded yet") {
		t.Errorf("expected empty-database message, got:\n%s", out)
	}
}

func TestSessionsListCommand(t *testing.T) {
	dbPath := seedStore(t)

	out, err := execute(t, dbPath, "sessions", "list")
	if err != nil {
		t.Fatalf("sessions list failed: %v", err)
	}
	if !strings.Contains(out, "sess-completed") || !strings.Contains(out, "sess-failed") {
		t.Errorf("expected both sessions listed, got:\n%s", out)
	}

	out, err = execute(t, dbPath, "sessions", "list", "--status", "failed")
	if err != nil {
		t.Fatalf("filtered sessions list failed: %v", err)
	}
	if strings.Contains(out, "sess-completed") {
		t.Errorf("status filter leaked completed session:\n%s", out)
	}
	if !strings.Contains(out, "sess-failed") {
		t.Errorf("status filter dropped failed session:\n%s", out)
	}
}

func TestSessionsShowCommand(t *testing.T) {
	dbPath := seedStore(t)

	out, err := execute(t, dbPath, "sessions", "show", "sess-completed")
	if err != nil {
		t.Fatalf("sessions show failed: %v", err)
	}
	for _, want := range []string{"task-1", "quality-threshold-met", "#2 quality=0.920", "Quality trend: improving"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}
}

func TestSessionsShowCommand_NoFeedback(t *testing.T) {
	dbPath := seedStore(t)

	// sess-failed has no feedback row; show must still succeed.
	out, err := execute(t, dbPath, "sessions", "show", "sess-failed")
	if err != nil {
		t.Fatalf("sessions show failed: %v", err)
	}
	if strings.Contains(out, "Quality trend") {
		t.Errorf("unexpected feedback section:\n%s", out)
	}
	if !strings.Contains(out, "connection refused") {
		t.Errorf("expected failed iteration in output:\n%s", out)
	}
}

func TestSessionsShowCommand_UnknownID(t *testing.T) {
	dbPath := seedStore(t)

	if _, err := execute(t, dbPath, "sessions", "show", "nope"); err == nil {
		t.Fatal("expected error for unknown session ID")
	}
}

func TestSessionsRestoreCommand(t *testing.T) {
	dbPath := seedStore(t)

	// Persist a two-snapshot chain for the completed session.
	st, err := store.NewStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	eng, err := snapshot.NewEngine("sess-completed")
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}
	ctx := context.Background()
	first, err := eng.Snapshot(1, []byte(`{"prompt":"first attempt"}`))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	second, err := eng.Snapshot(2, []byte(`{"prompt":"second attempt"}`))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, snap := range []*snapshot.ContextSnapshot{first, second} {
		if err := st.SaveSnapshot(ctx, snap); err != nil {
			t.Fatalf("save snapshot: %v", err)
		}
	}
	st.Close()

	// Default restores the latest snapshot.
	out, err := execute(t, dbPath, "sessions", "restore", "sess-completed")
	if err != nil {
		t.Fatalf("sessions restore failed: %v", err)
	}
	if !strings.Contains(out, "second attempt") {
		t.Errorf("expected latest state in output:\n%s", out)
	}

	// --snapshot picks an earlier point on the chain.
	out, err = execute(t, dbPath, "sessions", "restore", "sess-completed", "--snapshot", first.ID)
	if err != nil {
		t.Fatalf("sessions restore --snapshot failed: %v", err)
	}
	if !strings.Contains(out, "first attempt") {
		t.Errorf("expected first state in output:\n%s", out)
	}
}

func TestSessionsRestoreCommand_NoSnapshots(t *testing.T) {
	dbPath := seedStore(t)

	if _, err := execute(t, dbPath, "sessions", "restore", "sess-failed"); err == nil {
		t.Fatal("expected error for session without snapshots")
	}
}

func TestPatternsListCommand(t *testing.T) {
	dbPath := seedStore(t)

	out, err := execute(t, dbPath, "patterns", "list")
	if err != nil {
		t.Fatalf("patterns list failed: %v", err)
	}
	for _, want := range []string{"pat-1", "[network]", "connection refused"} {
		if !strings.Contains(out, want) {
			t.Errorf("patterns output missing %q:\n%s", want, out)
		}
	}
}

func TestPatternsExportCommand(t *testing.T) {
	dbPath := seedStore(t)
	exportPath := filepath.Join(t.TempDir(), "patterns.json")

	if _, err := execute(t, dbPath, "patterns", "export", exportPath); err != nil {
		t.Fatalf("patterns export failed: %v", err)
	}

	data, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var exported []*pattern.ErrorPattern
	if err := json.Unmarshal(data, &exported); err != nil {
		t.Fatalf("parse export: %v", err)
	}
	if len(exported) != 1 || exported[0].ID != "pat-1" {
		t.Errorf("unexpected export contents: %+v", exported)
	}
}

func TestPatternsClearCommand(t *testing.T) {
	dbPath := seedStore(t)

	out, err := execute(t, dbPath, "patterns", "clear", "--yes")
	if err != nil {
		t.Fatalf("patterns clear failed: %v", err)
	}
	if !strings.Contains(out, "Deleted 1 patterns") {
		t.Errorf("unexpected clear output:\n%s", out)
	}

	out, err = execute(t, dbPath, "patterns", "list")
	if err != nil {
		t.Fatalf("patterns list failed: %v", err)
	}
	if !strings.Contains(out, "No patterns learned yet") {
		t.Errorf("patterns survived clear:\n%s", out)
	}
}

func TestRunCommand_CompletesSession(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "run.db")

	root := NewRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs([]string{
		"run", "--task", "build", "--agent", "builder",
		"--max-iterations", "3", "--quality-threshold", "0.5",
		"--db-path", dbPath,
		"--", "sh", "-c", `echo '{"quality_score":0.8,"output":"built"}'`,
	})
	if err := root.Execute(); err != nil {
		t.Fatalf("run failed: %v\noutput:\n%s", err, buf.String())
	}

	out := buf.String()
	for _, want := range []string{"Status:", "completed", "Iterations: 1", "Quality:    0.800"} {
		if !strings.Contains(out, want) {
			t.Errorf("run output missing %q:\n%s", want, out)
		}
	}
}

func TestRunCommand_FailingExecutor(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "run.db")

	root := NewRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs([]string{
		"run", "--task", "build", "--agent", "builder",
		"--max-iterations", "2", "--db-path", dbPath,
		"--", "sh", "-c", `echo "syntax error near line 3" >&2; exit 1`,
	})
	if err := root.Execute(); err == nil {
		t.Fatal("expected non-completed session to return an error")
	}
	if !strings.Contains(buf.String(), "failed") {
		t.Errorf("expected failed status in output:\n%s", buf.String())
	}
}

func TestPatternsClearCommand_Declined(t *testing.T) {
	dbPath := seedStore(t)

	root := NewRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(strings.NewReader("n\n"))
	root.SetArgs([]string{"patterns", "clear", "--db-path", dbPath})
	if err := root.Execute(); err != nil {
		t.Fatalf("patterns clear failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Operation cancelled") {
		t.Errorf("expected cancellation, got:\n%s", buf.String())
	}
}
