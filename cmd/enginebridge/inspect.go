package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/example/go-engine-bridge/internal/bridge"
	"github.com/example/go-engine-bridge/internal/program"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Describe the configured program and its engines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			p, err := loadProgram(cmd.Context(), cfg.Paths.Program)
			if err != nil {
				return err
			}
			return describeProgram(cmd.OutOrStdout(), p)
		},
	}
}

func describeProgram(w io.Writer, p *program.Program) error {
	var b strings.Builder

	fmt.Fprintf(&b, "program: %s\n", p.Name)
	b.WriteString("inputs:\n")
	for _, in := range p.Inputs {
		fmt.Fprintf(&b, "  %-12s %s\n", in.Name, in.Descriptor())
	}
	b.WriteString("nodes:\n")
	for _, n := range p.Nodes {
		args := strings.Join(n.Args, ", ")
		if len(n.Objects) > 0 {
			args += "; " + strings.Join(n.Objects, ", ")
		}
		fmt.Fprintf(&b, "  %-12s %s(%s) -> %s\n", n.Name, n.Op, args, strings.Join(n.Outputs, ", "))
	}
	fmt.Fprintf(&b, "outputs: %s\n", strings.Join(p.Outputs, ", "))

	for _, spec := range p.Objects {
		if spec.Class != bridge.ClassName {
			fmt.Fprintf(&b, "object %s: %s\n", spec.Name, spec.Class)
			continue
		}
		h, err := bridge.HandleFromFields(spec.Fields)
		if err != nil {
			return fmt.Errorf("object %s: %w", spec.Name, err)
		}
		fmt.Fprintf(&b, "engine %s: %s\n", spec.Name, h.Name())
		fmt.Fprintf(&b, "  io:                  (%s) -> (%s)\n", strings.Join(h.InputNames(), ", "), strings.Join(h.OutputNames(), ", "))
		fmt.Fprintf(&b, "  device:              %s\n", h.Device())
		fmt.Fprintf(&b, "  hardware compatible: %t\n", h.HardwareCompatible())
		fmt.Fprintf(&b, "  target platform:     %s\n", h.TargetPlatform())
		fmt.Fprintf(&b, "  payload:             %s (sha256 %s)\n", humanize.Bytes(uint64(len(h.Engine()))), h.Digest())
		if h.Metadata().Empty() {
			b.WriteString("  metadata:            none\n")
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
