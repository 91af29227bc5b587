package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"signalbot/internal/app"
	"signalbot/internal/reconcile"
	"signalbot/internal/workitem"
)

func newFailuresCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "Inspect delivery failure records awaiting reconciliation",
	}
	cmd.AddCommand(newFailuresListCommand(ctx))
	cmd.AddCommand(newFailuresExportCommand(ctx))
	return cmd
}

func newFailuresListCommand(ctx *commandContext) *cobra.Command {
	var (
		since  time.Duration
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent failure records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd.Context(), app.BuildOptions{}, func(c *app.Components) error {
				recs, err := c.Failures().List(cmd.Context(), sinceTime(since), limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, recs)
				}
				if len(recs) == 0 {
					fmt.Fprintln(out, "no delivery failures recorded")
					return nil
				}
				fmt.Fprintln(out, renderFailures(recs, time.Now()))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 7*24*time.Hour, "Only records newer than this (0 for all)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum records to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}

func newFailuresExportCommand(ctx *commandContext) *cobra.Command {
	var (
		since  time.Duration
		output string
		toS3   bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export failure records as JSONL to a file, stdout, or S3",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd.Context(), app.BuildOptions{}, func(c *app.Components) error {
				recs, err := c.Failures().List(cmd.Context(), sinceTime(since), 0)
				if err != nil {
					return err
				}
				if toS3 {
					cfg, _ := ctx.ensureConfig()
					s3cfg := app.S3Config(cfg)
					if s3cfg.Bucket == "" {
						return errors.New("export.s3_bucket is not configured")
					}
					exp, err := reconcile.NewS3Exporter(cmd.Context(), s3cfg)
					if err != nil {
						return err
					}
					key, err := exp.Export(cmd.Context(), recs)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "exported %d record(s) to s3://%s/%s\n", len(recs), s3cfg.Bucket, key)
					return nil
				}
				if output == "" || output == "-" {
					return reconcile.WriteJSONL(cmd.OutOrStdout(), recs)
				}
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				if err := reconcile.WriteJSONL(f, recs); err != nil {
					_ = f.Close()
					return err
				}
				return f.Close()
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "Only records newer than this (0 for all)")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "Output file; - for stdout")
	cmd.Flags().BoolVar(&toS3, "s3", false, "Upload to the configured S3 bucket instead")
	return cmd
}

func sinceTime(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(-d)
}

func renderFailures(recs []workitem.DeliveryFailure, now time.Time) string {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		msg := ""
		if r.TransportMessageID != 0 {
			msg = strconv.Itoa(r.TransportMessageID)
		}
		rows = append(rows, []string{
			r.ItemID, string(r.Category), string(r.Reason), r.Destination, msg, relTime(r.RecordedAt, now),
		})
	}
	return renderTable(
		[]string{"Item", "Category", "Reason", "Destination", "Message", "Recorded"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}
