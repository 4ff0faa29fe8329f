package main

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-engine-bridge/internal/blobs"
	"github.com/example/go-engine-bridge/internal/runtime/plan"
	"github.com/example/go-engine-bridge/internal/samples"
)

func newSampleCmd() *cobra.Command {
	var (
		out                string
		hardwareCompatible bool
		targetPlatform     string
	)

	cmd := &cobra.Command{
		Use:   "sample NAME",
		Short: "Write a demonstration program (" + strings.Join(samples.Names(), "|") + ")",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if out == "" {
				out = cfg.Paths.Program
			}

			reg, b, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			p, err := samples.Build(args[0], reg, plan.BuildConfig{
				HardwareCompatible: hardwareCompatible,
				DeviceSignature:    cfg.Runtime.DeviceSignature,
				TargetPlatform:     targetPlatform,
			})
			if err != nil {
				return err
			}

			var buf bytes.Buffer
			if err := p.Save(&buf); err != nil {
				return err
			}
			if err := blobs.Write(cmd.Context(), out, buf.Bytes()); err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d nodes, %d engines) to %s\n",
				p.Name, len(p.Nodes), len(p.Objects), out)
			return err
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Destination (local path or gs://bucket/object); defaults to --program")
	cmd.Flags().BoolVar(&hardwareCompatible, "hardware-compatible", false, "Build engines loadable on any device of the same family")
	cmd.Flags().StringVar(&targetPlatform, "target-platform", "", "Cross-compile engines for another platform, e.g. windows_x86_64")

	return cmd
}
