package cmd

import (
	"bufio"
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// newPatternsCommand creates the 'relearn patterns' parent command
func newPatternsCommand(cfgPath, dbPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Manage learned error patterns",
		Long: `Commands for viewing, exporting, and clearing the error patterns
the coordinator has learned across sessions.`,
	}

	cmd.AddCommand(newPatternsListCommand(cfgPath, dbPath))
	cmd.AddCommand(newPatternsExportCommand(cfgPath, dbPath))
	cmd.AddCommand(newPatternsClearCommand(cfgPath, dbPath))

	return cmd
}

// newPatternsListCommand creates the 'relearn patterns list' command
func newPatternsListCommand(cfgPath, dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List learned error patterns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*cfgPath, *dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			patterns, err := st.LoadPatterns(cmd.Context())
			if err != nil {
				return fmt.Errorf("load patterns: %w", err)
			}

			output := cmd.OutOrStdout()
			if len(patterns) == 0 {
				fmt.Fprintf(output, "No patterns learned yet.\n")
				return nil
			}

			sort.Slice(patterns, func(i, j int) bool {
				return patterns[i].Frequency > patterns[j].Frequency
			})

			cyan := color.New(color.FgCyan, color.Bold)
			cyan.Fprintf(output, "\n=== Learned Error Patterns ===\n\n")
			for _, p := range patterns {
				fmt.Fprintf(output, "%s  [%s]\n", p.ID, p.Category)
				fmt.Fprintf(output, "  frequency=%.1f success_rate=%.2f last_seen=%s\n",
					p.Frequency, p.SuccessRate, p.LastSeen.Format("2006-01-02 15:04"))
				fmt.Fprintf(output, "  signature: %s\n\n", strings.Join(p.Signature, " "))
			}
			return nil
		},
	}
}

// newPatternsExportCommand creates the 'relearn patterns export' command
func newPatternsExportCommand(cfgPath, dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "export <output-file>",
		Short: "Export learned patterns to a JSON file",
		Long: `Export all learned error patterns to a JSON file.

The output file is written atomically and guarded by a file lock, so
concurrent exports to the same path do not interleave.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*cfgPath, *dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.ExportPatterns(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("export patterns: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Patterns exported to %s\n", args[0])
			return nil
		},
	}
}

// newPatternsClearCommand creates the 'relearn patterns clear' command
func newPatternsClearCommand(cfgPath, dbPath *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all learned patterns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := cmd.OutOrStdout()

			if !yes {
				fmt.Fprintf(output, "WARNING: This will delete ALL learned error patterns.\n")
				if !confirmAction(cmd) {
					fmt.Fprintf(output, "Operation cancelled.\n")
					return nil
				}
			}

			st, err := openStore(*cfgPath, *dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			patterns, err := st.LoadPatterns(cmd.Context())
			if err != nil {
				return fmt.Errorf("load patterns: %w", err)
			}
			ids := make([]string, len(patterns))
			for i, p := range patterns {
				ids[i] = p.ID
			}
			if err := st.DeletePatterns(cmd.Context(), ids); err != nil {
				return fmt.Errorf("delete patterns: %w", err)
			}

			fmt.Fprintf(output, "Deleted %d patterns.\n", len(ids))
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Skip the confirmation prompt")

	return cmd
}

// confirmAction prompts for a yes/no confirmation on the command's input
func confirmAction(cmd *cobra.Command) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "Continue? (y/N): ")
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
