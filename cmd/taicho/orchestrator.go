package main

import (
	"github.com/spf13/cobra"

	"github.com/bdobrica/Taicho/internal/orchestrator/app"
	"github.com/bdobrica/Taicho/internal/orchestrator/config"
)

func newOrchestratorCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Run the master: fleet registry, placement, health monitor and REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to orchestrator YAML config")
	return cmd
}
