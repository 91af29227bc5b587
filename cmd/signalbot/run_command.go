package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"signalbot/internal/app"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the consumer daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			sigCtx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.NewApp(sigCtx, ctx.configPath())
			if err != nil {
				return err
			}
			if stopTimeout <= 0 {
				stopTimeout = a.StopTimeout()
			}
			if err := a.Start(sigCtx); err != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
				defer stopCancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return err
			}

			select {
			case <-sigCtx.Done():
			case <-a.Done():
			}
			reason := app.StopSignal
			if sigCtx.Err() == nil {
				reason = app.StopFatalError
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			if err := a.Stop(stopCtx, reason); err != nil {
				return err
			}
			return a.Err()
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 0, "Upper bound for graceful shutdown; 0 sizes it from consumer.send_timeout and the commit retries")
	return cmd
}
