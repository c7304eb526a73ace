package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"humanbrowse/internal/artifacts"

	"github.com/spf13/cobra"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the runs directory",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE:  listRuns,
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Print a run's metadata and records",
	Args:  cobra.ExactArgs(1),
	RunE:  showRun,
}

func init() {
	runsListCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum runs to list (0 = all)")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
}

func listRuns(cmd *cobra.Command, args []string) error {
	runs, err := artifacts.ListRuns(cfg.RunsDir)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs found in", cfg.RunsDir)
		return nil
	}
	if runsLimit > 0 && len(runs) > runsLimit {
		runs = runs[:runsLimit]
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSESSION\tSTATUS\tSTARTED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.SessionID, r.Status, r.StartedAt.Format(time.RFC3339), duration)
	}
	return tw.Flush()
}

func showRun(cmd *cobra.Command, args []string) error {
	id := args[0]
	if filepath.Base(id) != id {
		return fmt.Errorf("invalid run id %q", id)
	}
	detail, err := artifacts.LoadRunDetail(filepath.Join(cfg.RunsDir, id))
	if err != nil {
		return fmt.Errorf("load run %s: %w", id, err)
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), data)
}
