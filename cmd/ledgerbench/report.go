package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/ledgerbench/internal/keyspace"
	"github.com/gateway-fm/ledgerbench/internal/stats"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

func newReportCmd(a *app) *cobra.Command {
	var (
		csvDir     string
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:   "report [run-id]",
		Short: "Summarize the submission latency of a run",
		Long: `Summarize the records of a run from the history database: the latest run
when no id is given. With --csv the <meterBase>.csv files of a directory are
read instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				summary *types.RunSummary
				err     error
			)
			if csvDir != "" {
				if len(args) > 0 {
					return fmt.Errorf("a run id cannot be combined with --csv")
				}
				summary, err = summarizeCSV(csvDir)
			} else {
				runID := ""
				if len(args) > 0 {
					runID = args[0]
				}
				summary, err = summarizeStored(cmd.Context(), a, runID)
			}
			if err != nil {
				return err
			}

			if outputJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}
			return printSummary(os.Stdout, summary)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&csvDir, "csv", "",
		"Summarize the CSV files in this directory instead of the database")
	flags.BoolVar(&outputJSON, "json", false,
		"Print the summary as JSON")

	return cmd
}

func summarizeCSV(dir string) (*types.RunSummary, error) {
	rows, err := stats.ReadDir(dir, keyspace.Default())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no <meterBase>.csv files in %s", dir)
	}
	return stats.Summarize(dir, rows), nil
}

func summarizeStored(ctx context.Context, a *app, runID string) (*types.RunSummary, error) {
	if a.cfg.DatabasePath == "" {
		return nil, fmt.Errorf("run history is disabled; pass --database or --csv")
	}
	store, err := a.openStore(a.cliLogger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	if runID == "" {
		page, err := store.ListRuns(ctx, 1, 0)
		if err != nil {
			return nil, err
		}
		if len(page.Runs) == 0 {
			return nil, fmt.Errorf("no runs recorded in %s", a.cfg.DatabasePath)
		}
		runID = page.Runs[0].ID
	} else {
		run, err := store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, fmt.Errorf("run not found: %s", runID)
		}
	}

	rows, err := store.GetTxRecords(ctx, runID)
	if err != nil {
		return nil, err
	}
	return stats.Summarize(runID, rows), nil
}

func printSummary(w io.Writer, s *types.RunSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Run:\t%s\n", s.RunID)
	fmt.Fprintf(tw, "Records:\t%d\n", s.Records)
	fmt.Fprintf(tw, "Workers:\t%d\n", s.Workers)
	if s.Records > 0 {
		fmt.Fprintf(tw, "Span:\t%s .. %s (%s)\n",
			s.FirstStart.Format(time.RFC3339), s.LastEnd.Format(time.RFC3339),
			s.LastEnd.Sub(s.FirstStart).Round(time.Millisecond))
		fmt.Fprintf(tw, "TPS:\t%.2f\n", s.TPS)
	}
	if l := s.Latency; l != nil && l.Count > 0 {
		fmt.Fprintf(tw, "Latency (ms):\tmin %.1f  avg %.1f  max %.1f\n", l.Min, l.Avg, l.Max)
		fmt.Fprintf(tw, "Percentiles (ms):\tp50 %.1f  p75 %.1f  p90 %.1f  p95 %.1f  p99 %.1f\n",
			l.P50, l.P75, l.P90, l.P95, l.P99)
		for _, b := range l.Buckets {
			if b.Count > 0 {
				fmt.Fprintf(tw, "  %s\t%d\n", b.Label, b.Count)
			}
		}
	}
	return tw.Flush()
}
