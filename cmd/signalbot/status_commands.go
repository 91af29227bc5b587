package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"signalbot/internal/app"
	"signalbot/internal/cadence"
	"signalbot/internal/workitem"
)

func newCadenceCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "cadence",
		Short: "Show the publication ledger per category",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd.Context(), app.BuildOptions{}, func(c *app.Components) error {
				now := time.Now()
				st, err := c.Ledger.Status(cmd.Context(), now)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), st)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderCadence(st, now))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func renderCadence(st []cadence.EntryStatus, now time.Time) string {
	rows := make([][]string, 0, len(st))
	for _, s := range st {
		next := "now"
		if !s.Allowed {
			next = relTime(s.NextAllowed, now)
		}
		allowed := "yes"
		if !s.Allowed {
			allowed = "no"
		}
		rows = append(rows, []string{string(s.Category), s.Window.String(), relTime(s.LastPublished, now), next, allowed})
	}
	return renderTable(
		[]string{"Category", "Window", "Last published", "Next allowed", "Open"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
	)
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count work items per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd.Context(), app.BuildOptions{}, func(c *app.Components) error {
				counts, err := c.Store.CountByStatus(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), counts)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderStats(counts))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func renderStats(counts map[workitem.Status]int) string {
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	rows := make([][]string, 0, len(statuses)+1)
	total := 0
	for _, s := range statuses {
		n := counts[workitem.Status(s)]
		total += n
		rows = append(rows, []string{s, strconv.Itoa(n)})
	}
	rows = append(rows, []string{"total", strconv.Itoa(total)})
	return renderTable([]string{"Status", "Items"}, rows, []columnAlignment{alignLeft, alignRight})
}
