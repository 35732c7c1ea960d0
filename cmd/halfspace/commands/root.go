package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "halfspace",
		Short: "halfspace - incremental evaluation of block documents",
		Long: `halfspace evaluates documents made of named blocks. Script blocks run
Starlark with inputs bound to other blocks; value blocks hold a single
expression. Blocks are evaluated in dependency order, concurrently where
the graph allows, and unchanged blocks are served from a cache.

Features:
  - Dependency graph with cycle detection
  - Incremental, parallel evaluation
  - Versioned JSON documents with automatic migration
  - Lint policies via OPA/rego
  - Run history in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default halfspace.yaml if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newEvalCommand(version))
	rootCmd.AddCommand(newValidateCommand(version))
	rootCmd.AddCommand(newGraphCommand(version))
	rootCmd.AddCommand(newMigrateCommand(version))
	rootCmd.AddCommand(newWatchCommand(version))
	rootCmd.AddCommand(newHistoryCommand(version))
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
