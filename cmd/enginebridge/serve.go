package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/go-engine-bridge/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured program over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			exe, b, err := bindProgram(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			return server.New(cfg, exe, b.Tracker).Start(ctx)
		},
	}
}

