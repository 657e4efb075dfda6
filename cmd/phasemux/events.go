package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/phasemux/internal/events"
	"github.com/zsiec/phasemux/internal/journal"
)

func newEventsCmd() *cobra.Command {
	var (
		kind    string
		limit   int
		asJSON  bool
		runs    bool
		summary bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show anomalies recorded in the event journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if resolvedCfg.Journal.Path == "" {
				return errors.New("no journal configured")
			}
			if kind != "" {
				if _, err := events.ParseKind(kind); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			j, err := journal.Open(ctx, resolvedCfg.Journal.Path, slog.New(slog.DiscardHandler))
			if err != nil {
				return err
			}
			defer j.Close()

			out := cmd.OutOrStdout()
			switch {
			case runs:
				rs, err := j.Runs(ctx, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out, rs)
				}
				printRuns(out, rs)
			case summary:
				counts, err := j.Counts(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out, counts)
				}
				printCounts(out, counts)
			default:
				recs, err := j.Recent(ctx, kind, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out, recs)
				}
				printRecords(out, recs)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "only show events of this kind")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")
	cmd.Flags().BoolVar(&runs, "runs", false, "list engine runs instead of events")
	cmd.Flags().BoolVar(&summary, "counts", false, "show event counts per kind")
	cmd.MarkFlagsMutuallyExclusive("runs", "counts")

	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRecords(w io.Writer, recs []journal.Record) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tSEVERITY\tPHASE\tTP\tMESSAGE")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.At.Local().Format(time.DateTime), r.Kind, r.Severity, phaseLabel(r.Phase), r.TP, r.Message)
	}
	tw.Flush()
}

func printRuns(w io.Writer, runs []journal.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tPHASES\tRATE")
	for _, r := range runs {
		dur := "running"
		if !r.StoppedAt.IsZero() {
			dur = r.StoppedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), dur, r.Phases, r.OutputRate)
	}
	tw.Flush()
}

func printCounts(w io.Writer, counts map[string]int64) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tCOUNT")
	for _, k := range events.Kinds() {
		if n := counts[k.String()]; n > 0 {
			fmt.Fprintf(tw, "%s\t%d\n", k, n)
		}
	}
	tw.Flush()
}

func phaseLabel(p int) string {
	if p < 0 {
		return "-"
	}
	return fmt.Sprint(p)
}
