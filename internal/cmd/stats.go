package cmd

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/relearn/internal/store"
)

// newStatsCommand creates the 'relearn stats' command
func newStatsCommand(cfgPath, dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show learning statistics",
		Long: `Display aggregate statistics from the learning database:
  - Session counts by outcome
  - Total iterations executed
  - Learned error patterns and their top categories`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*cfgPath, *dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.GetStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("get statistics: %w", err)
			}

			printStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
}

// printStats formats and prints the aggregate statistics
func printStats(w io.Writer, stats *store.Stats) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	cyan.Fprintf(w, "\n=== Learning Statistics ===\n\n")

	if stats.TotalSessions == 0 {
		fmt.Fprintf(w, "No sessions recorded yet.\n\n")
		return
	}

	cyan.Fprintf(w, "Sessions:\n")
	fmt.Fprintf(w, "  Total: %d\n", stats.TotalSessions)
	for _, status := range []string{"completed", "failed", "cancelled", "active", "pending"} {
		n, ok := stats.SessionsByStatus[status]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "  %s: ", status)
		switch status {
		case "completed":
			green.Fprintf(w, "%d\n", n)
		case "failed":
			red.Fprintf(w, "%d\n", n)
		case "cancelled":
			yellow.Fprintf(w, "%d\n", n)
		default:
			fmt.Fprintf(w, "%d\n", n)
		}
	}

	if completed, ok := stats.SessionsByStatus["completed"]; ok {
		rate := float64(completed) / float64(stats.TotalSessions) * 100
		fmt.Fprintf(w, "  Success rate: ")
		if rate >= 70 {
			green.Fprintf(w, "%.1f%%\n", rate)
		} else if rate >= 40 {
			yellow.Fprintf(w, "%.1f%%\n", rate)
		} else {
			red.Fprintf(w, "%.1f%%\n", rate)
		}
	}

	fmt.Fprintf(w, "\n")
	cyan.Fprintf(w, "Iterations:\n")
	fmt.Fprintf(w, "  Total: %d\n", stats.TotalIterations)
	if stats.TotalSessions > 0 {
		fmt.Fprintf(w, "  Average per session: %.1f\n",
			float64(stats.TotalIterations)/float64(stats.TotalSessions))
	}

	fmt.Fprintf(w, "\n")
	cyan.Fprintf(w, "Error Patterns:\n")
	fmt.Fprintf(w, "  Learned: %d\n", stats.TotalPatterns)
	for _, cc := range stats.TopCategories {
		fmt.Fprintf(w, "  - %s: ", cc.Category)
		red.Fprintf(w, "%d\n", cc.Count)
	}

	fmt.Fprintf(w, "\n")
}
