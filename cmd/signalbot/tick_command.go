package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"signalbot/internal/app"
	"signalbot/internal/consumer"
)

func newTickCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one consumer pass and print what happened",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd.Context(), app.BuildOptions{WithSender: true}, func(c *app.Components) error {
				rep := c.Consumer.Tick(cmd.Context())
				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, rep)
				}
				fmt.Fprint(out, renderReport(rep))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the tick report as JSON")
	return cmd
}

func renderReport(rep consumer.Report) string {
	summary := fmt.Sprintf("worker %s: %d item(s), %d sent, %d deferred in %s\n",
		rep.WorkerID, len(rep.Items), rep.Count(consumer.OutcomeSent), rep.Count(consumer.OutcomeDeferred), rep.Duration().Round(1e6))
	if rep.Error != "" {
		summary += "error: " + rep.Error + "\n"
	}
	if len(rep.Items) == 0 {
		return summary
	}
	rows := make([][]string, 0, len(rep.Items))
	for _, r := range rep.Items {
		msg := ""
		if r.MessageID != 0 {
			msg = strconv.Itoa(r.MessageID)
		}
		rows = append(rows, []string{r.ItemID, string(r.Kind), string(r.Category), string(r.Outcome), r.Reason, msg})
	}
	return summary + renderTable(
		[]string{"Item", "Kind", "Category", "Outcome", "Reason", "Message"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	) + "\n"
}
