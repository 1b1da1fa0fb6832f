package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aristath/distbuild/internal/persistence"
)

func newHistoryCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			jobs, err := store.ListJobs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs recorded.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tSTARTED\tSTATUS\tTASKS\tELAPSED\tGRAPH")
			for _, job := range jobs {
				status, elapsed := "running", "-"
				if job.Finished {
					status = job.Status.String()
					elapsed = job.Elapsed.Round(time.Millisecond).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					job.ID, humanize.Time(job.StartedAt), status, humanize.Comma(int64(job.TaskCount)), elapsed, job.Graph)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to show (0 for all)")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <job-id>",
		Short: "Show the task results of a recorded job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			job, err := store.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			results, err := store.ListTaskResults(cmd.Context(), job.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job %s (%s), started %s\n", job.ID, job.Graph, humanize.Time(job.StartedAt))
			if job.Finished {
				fmt.Fprintf(out, "Status %s after %v, %d of %d tasks ran\n\n", job.Status, job.Elapsed.Round(time.Millisecond), len(results), job.TaskCount)
			} else {
				fmt.Fprintf(out, "Not finished, %d of %d tasks ran\n\n", len(results), job.TaskCount)
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tSTATUS\tEXIT\tWORKER\tELAPSED\tMESSAGE")
			for _, r := range results {
				where := "-"
				if r.WorkerName != "" {
					where = fmt.Sprintf("%s#%d", r.WorkerName, r.WorkerCore)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%v\t%s\n",
					r.TaskID, r.Status, r.ExitCode, where, r.Elapsed.Round(time.Millisecond), r.ExceptionMessage)
			}
			return w.Flush()
		},
	})
	return cmd
}

// openHistory opens the history database without creating one.
func (a *app) openHistory(cmd *cobra.Command) (*persistence.SQLiteStore, error) {
	path, err := a.historyPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no job history at %s: %w", path, err)
	}
	return persistence.NewSQLiteStore(cmd.Context(), path)
}
