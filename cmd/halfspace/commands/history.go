package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkeeter/halfspace/pkg/stores"
)

func newHistoryCommand(version string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [document]",
		Short: "List recorded evaluation runs",
		Long: `List evaluation runs recorded with --record, newest first.

Subcommands show the block results of one run, follow one block across
runs, list and restore document snapshots, and prune old runs.`,
		Example: `  # Runs of one document
  halfspace history part.json

  # Block results of a run
  halfspace history show 5f0c...

  # How the 'area' block changed over the last 10 runs
  halfspace history block part.json area`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, version, func(ctx context.Context, store stores.Store) error {
				var path *string
				if len(args) > 0 {
					path = &args[0]
				}
				runs, err := store.ListRuns(ctx, path, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), runs)
				}
				return printRuns(cmd.OutOrStdout(), runs)
			})
		},
	}

	cmd.PersistentFlags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries")

	cmd.AddCommand(newHistoryShowCommand(version))
	cmd.AddCommand(newHistoryBlockCommand(version, &limit))
	cmd.AddCommand(newHistoryEventsCommand(version, &limit))
	cmd.AddCommand(newHistoryDocumentsCommand(version, &limit))
	cmd.AddCommand(newHistoryRestoreCommand(version))
	cmd.AddCommand(newHistoryPruneCommand(version))
	cmd.AddCommand(newHistoryDeleteCommand(version))

	return cmd
}

// withStore opens the history store for the duration of fn.
func withStore(cmd *cobra.Command, version string, fn func(context.Context, stores.Store) error) error {
	a, err := newApp(version, nil)
	if err != nil {
		return err
	}
	defer a.close()

	store, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	return fn(cmd.Context(), store)
}

func newHistoryShowCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the block results of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, version, func(ctx context.Context, store stores.Store) error {
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				results, err := store.ListBlockResults(ctx, run.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), struct {
						Run     *stores.Run           `json:"run"`
						Results []*stores.BlockResult `json:"results"`
					}{run, results})
				}

				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "run %s of %s: %s, %d blocks, %d evaluated, %d cached, %d errors\n\n",
					run.ID, run.DocumentPath, run.Status, run.Blocks, run.Invocations, run.CacheHits, run.Errors)
				return printBlockResults(w, results, false)
			})
		},
	}
}

func newHistoryBlockCommand(version string, limit *int) *cobra.Command {
	return &cobra.Command{
		Use:   "block <document> <name>",
		Short: "Show one block's results across runs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, version, func(ctx context.Context, store stores.Store) error {
				results, err := store.BlockHistory(ctx, args[0], args[1], *limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), results)
				}
				return printBlockResults(cmd.OutOrStdout(), results, true)
			})
		},
	}
}

func newHistoryEventsCommand(version string, limit *int) *cobra.Command {
	var level string

	cmd := &cobra.Command{
		Use:   "events [run-id]",
		Short: "List recorded telemetry events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, version, func(ctx context.Context, store stores.Store) error {
				var runID, lvl *string
				if len(args) > 0 {
					runID = &args[0]
				}
				if level != "" {
					lvl = &level
				}
				events, err := store.GetEvents(ctx, runID, lvl, *limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), events)
				}
				w := cmd.OutOrStdout()
				for _, e := range events {
					fmt.Fprintf(w, "%s %-7s %-16s %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Type, e.Message)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&level, "level", "", "only events of this level (info, warning, error)")
	return cmd
}

func newHistoryDocumentsCommand(version string, limit *int) *cobra.Command {
	return &cobra.Command{
		Use:   "documents [document]",
		Short: "List saved document snapshots",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, version, func(ctx context.Context, store stores.Store) error {
				var path *string
				if len(args) > 0 {
					path = &args[0]
				}
				docs, err := store.ListDocuments(ctx, path, *limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), docs)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tPATH\tNAME\tVERSION\tBLOCKS\tSAVED")
				for _, d := range docs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d.%d\t%d\t%s\n",
						d.ID, d.Path, d.Name, d.Major, d.Minor, d.BlockCount, d.CreatedAt.Local().Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	}
}

func newHistoryRestoreCommand(version string) *cobra.Command {
	var (
		snapshot string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "restore <document>",
		Short: "Restore a document from a saved snapshot",
		Long: `Write a saved snapshot of a document back to disk. Without --snapshot the
most recent snapshot of the document is used.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, version, func(ctx context.Context, store stores.Store) error {
				var doc *stores.DocumentSnapshot
				var err error
				if snapshot != "" {
					doc, err = store.GetDocument(ctx, snapshot)
				} else {
					doc, err = store.LatestDocument(ctx, args[0])
				}
				if err != nil {
					return err
				}

				dest := output
				if dest == "" {
					dest = args[0]
				}
				if dest == "-" {
					_, err := cmd.OutOrStdout().Write(doc.Content)
					return err
				}
				if err := writeFileAtomic(dest, doc.Content); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s from snapshot %s\n", dest, doc.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&snapshot, "snapshot", "", "snapshot id (default latest)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write here instead of the document path, - for stdout")
	return cmd
}

func newHistoryPruneCommand(version string) *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the most recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, version, func(ctx context.Context, store stores.Store) error {
				deleted, err := store.PruneRuns(ctx, keep)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d runs\n", deleted)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 100, "number of runs to keep")
	return cmd
}

func newHistoryDeleteCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete one run and its block results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, version, func(ctx context.Context, store stores.Store) error {
				return store.DeleteRun(ctx, args[0])
			})
		},
	}
}

func printRuns(w io.Writer, runs []*stores.Run) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tDOCUMENT\tSTATUS\tBLOCKS\tEVALUATED\tCACHED\tERRORS\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.ID, r.DocumentPath, r.Status, r.Blocks, r.Invocations, r.CacheHits, r.Errors,
			r.StartedAt.Local().Format(time.DateTime), time.Duration(r.DurationMS)*time.Millisecond)
	}
	return tw.Flush()
}

func printBlockResults(w io.Writer, results []*stores.BlockResult, withRun bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if withRun {
		fmt.Fprint(tw, "RUN\t")
	}
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tVALUE")
	for _, r := range results {
		value := ""
		switch {
		case r.Message != nil:
			value = *r.Message
		case r.Value != nil:
			value = *r.Value
		}
		if withRun {
			fmt.Fprintf(tw, "%s\t", r.RunID)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.BlockID, r.Name, r.State, oneLine(value))
	}
	return tw.Flush()
}
