package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/0x6d61/sqlmapbatch/internal/ledger"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs recorded in the ledger",
		Long: `History lists the runs recorded in the sqlite ledger (--ledger), newest
first. With --run it prints the per-target outcome of one run; "latest"
selects the most recent run.`,
		Args: cobra.NoArgs,
		RunE: runHistory,
	}
	cmd.Flags().Int("limit", 20, "Maximum number of runs to list (0 = all)")
	cmd.Flags().String("run", "", "Show the targets of this run id (or \"latest\")")
	cmd.Flags().Duration("prune", 0, "Delete runs older than this before listing")
	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, closer, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()

	if cfg.Ledger.Path == "" {
		return errors.New("ledger is disabled (set --ledger)")
	}
	store, err := ledger.NewSQLiteStore(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	limit, _ := cmd.Flags().GetInt("limit")
	runID, _ := cmd.Flags().GetString("run")
	prune, _ := cmd.Flags().GetDuration("prune")

	if prune > 0 {
		n, err := store.Cleanup(ctx, prune)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "[*] Pruned %d run(s) older than %s\n", n, prune)
	}

	if runID != "" {
		return printTasks(ctx, out, store, runID)
	}

	runs, err := store.Runs(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tMODE\tINPUT\tSTARTED\tDURATION\tTARGETS\tFINDINGS")
	for _, r := range runs {
		duration := "running"
		if r.FinishedAt != nil {
			duration = formatDuration(r.FinishedAt.Sub(r.StartedAt))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			r.ID, r.Mode, r.Input, r.StartedAt.Local().Format(time.DateTime), duration, r.Targets, r.Findings)
	}
	return tw.Flush()
}

func printTasks(ctx context.Context, out io.Writer, store *ledger.SQLiteStore, runID string) error {
	if runID == "latest" {
		run, err := store.LatestRun(ctx)
		if err != nil {
			return err
		}
		runID = run.ID
	}

	tasks, err := store.Tasks(ctx, runID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Fprintf(out, "No targets recorded for run %s.\n", runID)
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tTASK\tTARGET\tFINDING\tERROR")
	for _, t := range tasks {
		found := "-"
		if t.Summary != nil {
			found = fmt.Sprintf("%s (%s)", t.Summary.Parameter, t.Summary.Place)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.State, t.TaskID, t.Target, found, t.Error)
	}
	return tw.Flush()
}
