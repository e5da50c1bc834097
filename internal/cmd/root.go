package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/relearn/internal/config"
	"github.com/harrison/relearn/internal/store"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for relearn
func NewRootCommand() *cobra.Command {
	var cfgPath string
	var dbPath string

	cmd := &cobra.Command{
		Use:   "relearn",
		Short: "Multi-turn learning coordinator",
		Long: `Relearn runs bounded improvement sessions for task-executing agents.

Each session retries a task with an adaptively rewritten prompt until the
quality threshold is met or an iteration limit, stagnation check, timeout,
or resource budget stops it. Error patterns learned across sessions are
kept in a SQLite database and inform prompt modifications and feedback.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "Path to learning database (overrides config)")

	cmd.AddCommand(newRunCommand(&cfgPath, &dbPath))
	cmd.AddCommand(newStatsCommand(&cfgPath, &dbPath))
	cmd.AddCommand(newSessionsCommand(&cfgPath, &dbPath))
	cmd.AddCommand(newPatternsCommand(&cfgPath, &dbPath))

	return cmd
}

// openStore resolves the database location from flags and config and opens
// it. Callers own the returned store and must Close it.
func openStore(cfgPath, dbPath string) (*store.Store, error) {
	path := dbPath
	if path == "" {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		path = cfg.DBPath
	}

	st, err := store.NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("open learning store: %w", err)
	}
	return st, nil
}
