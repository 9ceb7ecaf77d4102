package main

import (
	"github.com/spf13/cobra"

	"github.com/bdobrica/Taicho/common/version"
	"github.com/bdobrica/Taicho/internal/slave/client"
	"github.com/bdobrica/Taicho/internal/slave/config"
	"github.com/bdobrica/Taicho/internal/slave/runtime"
	"github.com/bdobrica/Taicho/internal/slave/server"
	"github.com/bdobrica/Taicho/internal/slave/strategies"
)

func newSlaveCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "slave",
		Short: "Run the per-node agent runtime: register, heartbeat, host agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			fingerprint := version.Capture(ctx)
			master := client.New(cfg.MasterURL, cfg.SlaveID, cfg.Token)
			rt := runtime.New(cfg, fingerprint, master, nil)

			srv := server.New(server.Config{
				Addr:  cfg.ListenAddr,
				Token: cfg.Token,
			}, fingerprint, rt.Registry(), strategies.NewDetector())
			if err := srv.Start(ctx); err != nil {
				return err
			}

			return rt.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to slave YAML config")
	return cmd
}
