package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newEvalCommand(version string) *cobra.Command {
	var (
		workers int
		record  bool
		strict  bool
	)

	cmd := &cobra.Command{
		Use:   "eval <document>",
		Short: "Evaluate a document and print every block's result",
		Long: `Evaluate a document once and print the state and value of every block
in display order.

Blocks that fail do not stop the pass: their dependents report a propagated
error and everything else is still evaluated. Dependency cycles are reported
before any block runs.`,
		Example: `  # Evaluate with the configured worker count
  halfspace eval part.json

  # Evaluate sequentially and print JSON
  halfspace eval --workers 1 --json part.json

  # Record the run in the history database
  halfspace eval --record part.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			ctx := cmd.Context()

			a, err := newApp(version, nil)
			if err != nil {
				return err
			}
			defer a.close()

			doc, data, err := a.loadDocument(ctx, path)
			if err != nil {
				return err
			}
			if workers <= 0 {
				workers = a.cfg.Engine.Workers
			}

			a.logger.Debug().
				Str("path", path).
				Int("blocks", doc.World.Len()).
				Int("workers", workers).
				Msg("Evaluating document")

			startedAt := time.Now()
			report, evalErr := a.evaluator(workers).Evaluate(ctx, doc.World)

			if record {
				recordCtx := context.WithoutCancel(ctx)
				if err := a.recordRun(recordCtx, path, doc, data, workers, startedAt, report, evalErr); err != nil {
					a.logger.Error().Err(err).Msg("Failed to record run")
				}
			}
			if evalErr != nil {
				return fmt.Errorf("evaluation cancelled: %w", evalErr)
			}

			if err := printReport(cmd.OutOrStdout(), newReportOutput(report, doc.World)); err != nil {
				return err
			}
			if strict && report.Stats.Errors > 0 {
				return fmt.Errorf("%d blocks failed", report.Stats.Errors)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "concurrent block evaluations (default from config)")
	cmd.Flags().BoolVar(&record, "record", false, "record the run in the history database")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit with an error if any block fails")

	return cmd
}
