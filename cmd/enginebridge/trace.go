package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-engine-bridge/internal/program"
	"github.com/example/go-engine-bridge/internal/registry"
	"github.com/example/go-engine-bridge/internal/tensor"
)

func newTraceCmd() *cobra.Command {
	var shapes []string

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Propagate input descriptors through the program without running engines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			exe, b, err := bindProgram(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			inputs, err := traceInputs(exe.Program(), shapes)
			if err != nil {
				return err
			}
			outs, err := exe.Run(cmd.Context(), registry.Symbolic, inputs)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for i, name := range exe.Program().Outputs {
				if _, err := fmt.Fprintf(w, "%s: %s\n", name, outs[i].Descriptor()); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&shapes, "shape", nil, "Override an input shape, e.g. --shape a=5x4 (repeatable)")

	return cmd
}

// traceInputs starts from the declared input descriptors and applies
// name=shape overrides.
func traceInputs(p *program.Program, overrides []string) (map[string]tensor.Value, error) {
	inputs := make(map[string]tensor.Value, len(p.Inputs))
	specs := make(map[string]program.InputSpec, len(p.Inputs))
	for _, spec := range p.Inputs {
		inputs[spec.Name] = spec.Descriptor()
		specs[spec.Name] = spec
	}
	for _, o := range overrides {
		name, raw, ok := strings.Cut(o, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --shape %q (want name=shape)", o)
		}
		spec, ok := specs[name]
		if !ok {
			return nil, fmt.Errorf("--shape %q: program has no input %q", o, name)
		}
		shape, err := tensor.ParseShape(raw)
		if err != nil {
			return nil, fmt.Errorf("--shape %q: %w", o, err)
		}
		inputs[name] = tensor.NewDescriptor(spec.DType, shape, spec.Device)
	}
	return inputs, nil
}
