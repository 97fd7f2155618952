package main

import (
	"github.com/spf13/cobra"

	"tab-session-sync/pkg/config"
)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.LoadConfig(configPath(cmd))
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML (secrets omitted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return cfg.Dump(cmd.OutOrStdout())
		},
	}
}
