package cmd

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/relearn/internal/models"
	"github.com/harrison/relearn/internal/snapshot"
)

// newSessionsCommand creates the 'relearn sessions' parent command
func newSessionsCommand(cfgPath, dbPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect learning sessions",
		Long: `Commands for listing recorded learning sessions and showing the
iteration history and feedback of a single session.`,
	}

	cmd.AddCommand(newSessionsListCommand(cfgPath, dbPath))
	cmd.AddCommand(newSessionsShowCommand(cfgPath, dbPath))
	cmd.AddCommand(newSessionsRestoreCommand(cfgPath, dbPath))

	return cmd
}

// newSessionsListCommand creates the 'relearn sessions list' command
func newSessionsListCommand(cfgPath, dbPath *string) *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*cfgPath, *dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			sessions, err := st.ListSessions(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			output := cmd.OutOrStdout()
			shown := 0
			for _, sess := range sessions {
				if statusFilter != "" && string(sess.Status) != statusFilter {
					continue
				}
				printSessionRow(output, sess)
				shown++
			}
			if shown == 0 {
				fmt.Fprintf(output, "No sessions found.\n")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "Only show sessions with this status")

	return cmd
}

// newSessionsShowCommand creates the 'relearn sessions show' command
func newSessionsShowCommand(cfgPath, dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session's iterations and feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*cfgPath, *dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			sess, err := st.GetSession(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}
			iterations, err := st.GetIterations(ctx, sess.ID)
			if err != nil {
				return fmt.Errorf("get iterations: %w", err)
			}
			// Feedback exists only for terminal sessions.
			fb, err := st.GetFeedback(ctx, sess.ID)
			if err != nil {
				if !errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("get feedback: %w", err)
				}
				fb = nil
			}

			printSessionDetail(cmd.OutOrStdout(), sess, iterations, fb)
			return nil
		},
	}
}

// newSessionsRestoreCommand creates the 'relearn sessions restore' command
func newSessionsRestoreCommand(cfgPath, dbPath *string) *cobra.Command {
	var snapshotID string

	cmd := &cobra.Command{
		Use:   "restore <session-id>",
		Short: "Reconstruct a session's captured state from its snapshots",
		Long: `Loads the session's snapshot chain from the database, verifies each
checksum, and prints the reconstructed state to stdout. By default the
latest snapshot is restored; --snapshot picks an earlier point.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*cfgPath, *dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			snaps, err := st.GetSnapshots(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("load snapshots: %w", err)
			}
			if len(snaps) == 0 {
				return fmt.Errorf("no snapshots recorded for session %s", args[0])
			}

			engine, err := snapshot.LoadEngine(args[0], snaps)
			if err != nil {
				return fmt.Errorf("rebuild snapshot chain: %w", err)
			}

			target := snapshotID
			if target == "" {
				target = engine.Latest().ID
			}
			state, err := engine.Restore(target)
			if err != nil {
				return fmt.Errorf("restore snapshot %s: %w", target, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", state)
			return nil
		},
	}

	cmd.Flags().StringVar(&snapshotID, "snapshot", "", "Restore this snapshot instead of the latest")

	return cmd
}

func printSessionRow(w io.Writer, sess *models.LearningSession) {
	fmt.Fprintf(w, "%s  task=%s agent=%s  ", sess.ID, sess.TaskID, sess.AgentID)
	statusColor(sess.Status).Fprintf(w, "%s", sess.Status)
	if sess.Verdict != "" {
		fmt.Fprintf(w, " (%s)", sess.Verdict)
	}
	fmt.Fprintf(w, "  %s\n", sess.CreatedAt.Format(time.RFC3339))
}

func printSessionDetail(w io.Writer, sess *models.LearningSession, iterations []models.Iteration, fb *models.Feedback) {
	cyan := color.New(color.FgCyan, color.Bold)
	red := color.New(color.FgRed)

	cyan.Fprintf(w, "\nSession %s\n", sess.ID)
	fmt.Fprintf(w, "  Task:    %s\n", sess.TaskID)
	fmt.Fprintf(w, "  Agent:   %s\n", sess.AgentID)
	fmt.Fprintf(w, "  Status:  ")
	statusColor(sess.Status).Fprintf(w, "%s\n", sess.Status)
	if sess.Verdict != "" {
		fmt.Fprintf(w, "  Verdict: %s\n", sess.Verdict)
	}
	fmt.Fprintf(w, "  Created: %s\n", sess.CreatedAt.Format(time.RFC3339))
	if !sess.CompletedAt.IsZero() {
		fmt.Fprintf(w, "  Ended:   %s\n", sess.CompletedAt.Format(time.RFC3339))
	}

	if len(iterations) > 0 {
		fmt.Fprintf(w, "\n")
		cyan.Fprintf(w, "Iterations:\n")
		for _, it := range iterations {
			fmt.Fprintf(w, "  #%d quality=%.3f", it.Sequence, it.QualityScore)
			if it.Failed() {
				fmt.Fprintf(w, " ")
				red.Fprintf(w, "[%s/%s] %s", it.ErrorCategory, it.Severity, it.ErrorSummary)
			}
			fmt.Fprintf(w, "\n")
		}
	}

	if fb != nil {
		fmt.Fprintf(w, "\n")
		cyan.Fprintf(w, "Feedback:\n")
		fmt.Fprintf(w, "  Quality trend: %s\n", fb.QualityTrend)
		fmt.Fprintf(w, "  Error trend:   %s\n", fb.ErrorTrend)
		fmt.Fprintf(w, "  Confidence:    %.2f\n", fb.OverallConfidence)
		for _, rec := range fb.Recommendations {
			fmt.Fprintf(w, "  [%s] %s (%.2f)\n", rec.Priority, rec.Summary, rec.Confidence)
		}
	}

	fmt.Fprintf(w, "\n")
}

func statusColor(status models.SessionStatus) *color.Color {
	switch status {
	case models.StatusCompleted:
		return color.New(color.FgGreen)
	case models.StatusFailed:
		return color.New(color.FgRed)
	case models.StatusCancelled:
		return color.New(color.FgYellow)
	default:
		return color.New(color.Reset)
	}
}
