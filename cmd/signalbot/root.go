package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "./config.yaml"

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := newCommandContext(&configFlag)

	root := &cobra.Command{
		Use:           "signalbot",
		Short:         "Publish trading signals and market news to Telegram",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configFlag, "config", "c", defaultConfigPath, "Configuration file (JSON or YAML)")

	root.AddCommand(newRunCommand(ctx))
	root.AddCommand(newTickCommand(ctx))
	root.AddCommand(newFailuresCommand(ctx))
	root.AddCommand(newEnqueueCommand(ctx))
	root.AddCommand(newRequeueCommand(ctx))
	root.AddCommand(newCadenceCommand(ctx))
	root.AddCommand(newStatsCommand(ctx))
	root.AddCommand(newConfigCommand(ctx))
	return root
}
