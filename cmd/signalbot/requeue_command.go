package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"signalbot/internal/app"
)

func newRequeueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <item-id>...",
		Short: "Move sending or failed items back to pending",
		Long: "Requeue is the last step of reconciling a delivery failure by hand. " +
			"Only requeue an item after checking the chat: failure records older " +
			"than the requeue no longer stop the item from being sent again.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd.Context(), app.BuildOptions{}, func(c *app.Components) error {
				var errs []error
				for _, id := range args {
					it, err := c.Producer.Requeue(cmd.Context(), id)
					if err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", id, err))
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", it.ID, it.Status)
				}
				return errors.Join(errs...)
			})
		},
	}
}
