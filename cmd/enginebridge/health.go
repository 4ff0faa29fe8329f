package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/example/go-engine-bridge/internal/server"
)

func newHealthCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running enginebridge server for its program and device usage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.ListenAddr
			}
			h, err := server.ProbeHTTP(addr)
			if err != nil {
				return fmt.Errorf("server at %s: %w", addr, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: serving %s (%d engines, %d contexts, %s device memory)\n",
				h.Status, h.Program, h.LiveEngines, h.LiveContexts, humanize.Bytes(uint64(max(h.DeviceBytes, 0))))
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Address of the enginebridge server (defaults to server.listen_addr)")

	return cmd
}
