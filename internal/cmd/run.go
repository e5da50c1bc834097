package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/relearn/internal/config"
	"github.com/harrison/relearn/internal/coordinator"
	"github.com/harrison/relearn/internal/executor"
	"github.com/harrison/relearn/internal/logger"
	"github.com/harrison/relearn/internal/models"
	"github.com/harrison/relearn/internal/store"
)

// newRunCommand creates the 'relearn run' command
func newRunCommand(cfgPath, dbPath *string) *cobra.Command {
	var (
		taskID           string
		agentID          string
		maxIterations    int
		qualityThreshold float64
		timeout          time.Duration
		verbose          bool
	)

	cmd := &cobra.Command{
		Use:   "run --task <id> --agent <id> -- <command> [args...]",
		Short: "Run a learning session against a command executor",
		Long: `Run one learning session. Each iteration invokes the given command
with the current prompt on stdin and session identity in RELEARN_* environment
variables. The command reports quality and errors as JSON on stdout:

  {"quality_score": 0.8, "output": "...", "error": "", "memory_bytes": 1024}

Plain stdout is accepted too; quality is then estimated from the output text.

Examples:
  # Retry a flaky build task, stop at quality 0.9 or 10 iterations
  relearn run --task build-api --agent builder -- ./attempt.sh

  # Tighter limits
  relearn run --task fix-tests --agent fixer --max-iterations 5 --timeout 2m -- make test`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, args, runOptions{
				cfgPath: *cfgPath, dbPath: *dbPath,
				taskID: taskID, agentID: agentID,
				maxIterations: maxIterations, qualityThreshold: qualityThreshold,
				timeout: timeout, verbose: verbose,
			})
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "Task identifier (required)")
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent identifier (required)")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Iteration cap (0 = config default)")
	cmd.Flags().Float64Var(&qualityThreshold, "quality-threshold", 0, "Quality score that completes the session (0 = config default)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Session wall-clock budget (0 = config default)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Log debug output")
	cmd.MarkFlagRequired("task")
	cmd.MarkFlagRequired("agent")

	return cmd
}

type runOptions struct {
	cfgPath, dbPath  string
	taskID, agentID  string
	maxIterations    int
	qualityThreshold float64
	timeout          time.Duration
	verbose          bool
}

// runSession wires store, executor, and coordinator together, runs one
// session to a terminal state, and prints its outcome.
func runSession(cmd *cobra.Command, args []string, opts runOptions) error {
	output := cmd.OutOrStdout()

	cfg, err := config.Load(opts.cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.dbPath != "" {
		cfg.DBPath = opts.dbPath
	}

	level := cfg.LogLevel
	if opts.verbose {
		level = "debug"
	}
	log := logger.NewConsoleLogger(cmd.ErrOrStderr(), level)

	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open learning store: %w", err)
	}
	defer st.Close()

	exec := executor.NewCommandExecutor(args[0], args[1:], log)

	coord, err := coordinator.New(cfg, st, exec, log)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reportEvents(output, coord.Events())
	}()

	sessCfg := cfg.Session
	if opts.maxIterations > 0 {
		sessCfg.MaxIterations = opts.maxIterations
	}
	if opts.qualityThreshold > 0 {
		sessCfg.QualityThreshold = opts.qualityThreshold
	}
	if opts.timeout > 0 {
		sessCfg.Timeout = opts.timeout
	}

	ctx := cmd.Context()
	sessionID, err := coord.StartSession(ctx, opts.taskID, opts.agentID, sessCfg)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	status := waitForTerminal(coord, sessionID)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Warnf("shutdown: %v", err)
	}
	wg.Wait()

	printOutcome(output, st, sessionID, status)

	if status.Status != models.StatusCompleted {
		return fmt.Errorf("session %s: %s", status.Status, sessionID)
	}
	return nil
}

// waitForTerminal polls until the session leaves the active state.
func waitForTerminal(coord *coordinator.Coordinator, sessionID string) coordinator.SessionStatus {
	for {
		status, err := coord.GetSessionStatus(sessionID)
		if err != nil || status.Status.IsTerminal() {
			return status
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// reportEvents prints coordinator events until the stream closes.
func reportEvents(w io.Writer, events <-chan models.Event) {
	for ev := range events {
		timestamp := ev.Timestamp.Format("15:04:05")
		switch ev.Type {
		case models.EventIterationStarted:
			fmt.Fprintf(w, "[%s] iteration %d started\n", timestamp, ev.Sequence)
		case models.EventIterationCompleted:
			fmt.Fprintf(w, "[%s] iteration %d completed\n", timestamp, ev.Sequence)
		case models.EventErrorDetected:
			fmt.Fprintf(w, "[%s] iteration %d error detected\n", timestamp, ev.Sequence)
		case models.EventResourceWarning:
			fmt.Fprintf(w, "[%s] resource budget warning\n", timestamp)
		default:
			fmt.Fprintf(w, "[%s] %s\n", timestamp, ev.Type)
		}
	}
}

// printOutcome prints the final session summary and its feedback.
func printOutcome(w io.Writer, st *store.Store, sessionID string, status coordinator.SessionStatus) {
	fmt.Fprintf(w, "\nSession %s\n", sessionID)
	fmt.Fprintf(w, "  Status:     ")
	statusColor(status.Status).Fprintf(w, "%s\n", status.Status)
	fmt.Fprintf(w, "  Iterations: %d\n", status.IterationCount)
	fmt.Fprintf(w, "  Quality:    %.3f\n", status.LastQualityScore)

	fb, err := st.GetFeedback(context.Background(), sessionID)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "  Trend:      %s\n", fb.QualityTrend)
	for _, rec := range fb.Recommendations {
		fmt.Fprintf(w, "  [%s] %s (%.2f)\n", rec.Priority, rec.Summary, rec.Confidence)
	}
}
