package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"signalbot/internal/app"
	"signalbot/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	cmd.AddCommand(newConfigCheckCommand(ctx))
	return cmd
}

func newConfigCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ctx.configPath()
			cfg, err := config.NewManager(path).Parse()
			if err != nil {
				return err
			}
			if err := app.CheckConfig(cmd.Context(), cfg); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (storage=%s, ledger=%s)\n",
				path, config.StorageDriver(cfg.Storage), config.LedgerDriver(cfg.Ledger))
			return nil
		},
	}
}
