package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-ecs/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		journalSpec string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show journaled runs",
		Long: `List the runs recorded in a tick journal.

With a run ID, print the per-system statistics of that run: invocations,
failures, mean and maximum duration.`,
		Example: `  # List the last 10 runs
  froyo-ecs history --journal sqlite:froyo.db --limit 10

  # Per-system statistics of one run
  froyo-ecs history --journal sqlite:froyo.db 6f1c2d9e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			journal, err := stores.Open(ctx, journalSpec)
			if err != nil {
				return err
			}
			defer journal.Close()

			if len(args) == 1 {
				run, err := journal.GetRun(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to get run %s: %w", args[0], err)
				}
				stats, err := journal.SystemStats(ctx, run.ID)
				if err != nil {
					return fmt.Errorf("failed to load system stats: %w", err)
				}
				if jsonOutput {
					return writeJSON(out, map[string]interface{}{"run": run, "systems": stats})
				}
				return printStats(out, run, stats)
			}

			runs, err := journal.ListRuns(ctx, limit)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}
			if jsonOutput {
				return writeJSON(out, runs)
			}
			return printRuns(out, runs)
		},
	}

	cmd.Flags().StringVar(&journalSpec, "journal", "sqlite:froyo.db", "journal to read (sqlite:<path> or postgres:<dsn>)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "maximum number of runs to list")

	return cmd
}

func printRuns(w io.Writer, runs []*stores.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSCHEDULE\tSTATUS\tTICKS\tSTARTED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.Schedule, r.Status, r.Ticks, r.StartedAt.Local().Format(time.DateTime), duration)
	}
	return tw.Flush()
}

func printStats(w io.Writer, run *stores.Run, stats []*stores.SystemStat) error {
	fmt.Fprintf(w, "Run %s (%s): %s after %d ticks\n", run.ID, run.Schedule, run.Status, run.Ticks)
	if run.Error != nil {
		fmt.Fprintf(w, "Error: %s\n", *run.Error)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSYSTEM\tCHANNEL\tRUNS\tFAILURES\tMEAN\tMAX")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			s.Stage, s.Label, s.Channel, s.Runs, s.Failures, s.Mean(), s.Max)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
