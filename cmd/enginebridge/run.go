package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/go-engine-bridge/internal/blobs"
	"github.com/example/go-engine-bridge/internal/program"
	"github.com/example/go-engine-bridge/internal/registry"
	"github.com/example/go-engine-bridge/internal/safetensors"
	"github.com/example/go-engine-bridge/internal/tensor"
)

// previewLen caps the number of values printed per output.
const previewLen = 8

type runOptions struct {
	inputs   string
	out      string
	fill     float32
	repeat   int
	parallel int
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the configured program on concrete tensors",
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

			return runProgram(cmd.Context(), exe, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.inputs, "inputs", "", "Safetensors file with one tensor per program input")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "Write outputs as safetensors to this location")
	cmd.Flags().Float32Var(&opts.fill, "fill", 1, "Value for generated inputs when --inputs is not given")
	cmd.Flags().IntVar(&opts.repeat, "repeat", 1, "Number of runs")
	cmd.Flags().IntVar(&opts.parallel, "parallel", 1, "Maximum concurrent runs")

	return cmd
}

func runProgram(ctx context.Context, exe *program.Executable, opts runOptions, w io.Writer) error {
	p := exe.Program()

	inputs, err := runInputs(ctx, p, opts)
	if err != nil {
		return err
	}

	repeat := max(opts.repeat, 1)
	results := make([][]tensor.Value, repeat)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.parallel, 1))
	start := time.Now()
	for i := range repeat {
		g.Go(func() error {
			outs, err := exe.Run(gctx, registry.Concrete, inputs)
			if err != nil {
				return fmt.Errorf("run %d: %w", i, err)
			}
			results[i] = outs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	slog.Info("program run complete", "program", p.Name, "runs", repeat, "elapsed", elapsed)

	outputs := make(map[string]*tensor.Tensor, len(p.Outputs))
	for i, name := range p.Outputs {
		t, ok := results[0][i].(*tensor.Tensor)
		if !ok {
			return fmt.Errorf("output %s is not a concrete tensor", name)
		}
		outputs[name] = t
		if _, err := fmt.Fprintf(w, "%s: %s %s\n", name, t.Descriptor(), preview(t)); err != nil {
			return err
		}
	}
	if repeat > 1 {
		if _, err := fmt.Fprintf(w, "%d runs in %s (%s/run)\n", repeat, elapsed.Round(time.Microsecond),
			(elapsed / time.Duration(repeat)).Round(time.Microsecond)); err != nil {
			return err
		}
	}

	if opts.out == "" {
		return nil
	}
	data, err := safetensors.Encode(outputs, map[string]string{"program": p.Name})
	if err != nil {
		return err
	}
	return blobs.Write(ctx, opts.out, data)
}

// runInputs reads the inputs file, or fills every declared input with
// opts.fill when none is given.
func runInputs(ctx context.Context, p *program.Program, opts runOptions) (map[string]tensor.Value, error) {
	inputs := make(map[string]tensor.Value, len(p.Inputs))

	if opts.inputs == "" {
		for _, spec := range p.Inputs {
			if !tensor.IsStatic(spec.Shape) {
				return nil, fmt.Errorf("input %s has dynamic shape %s; pass --inputs", spec.Name, tensor.ShapeString(spec.Shape))
			}
			n, err := tensor.NumElements(spec.Shape)
			if err != nil {
				return nil, err
			}
			values := make([]float32, n)
			for i := range values {
				values[i] = opts.fill
			}
			t, err := tensor.FromFloat32(spec.DType, values, spec.Shape, spec.Device)
			if err != nil {
				return nil, fmt.Errorf("input %s: %w", spec.Name, err)
			}
			inputs[spec.Name] = t
		}
		return inputs, nil
	}

	data, err := blobs.Read(ctx, opts.inputs)
	if err != nil {
		return nil, err
	}
	store, err := safetensors.Decode(data)
	if err != nil {
		return nil, err
	}
	for _, spec := range p.Inputs {
		t, err := store.Tensor(spec.Name)
		if err != nil {
			return nil, err
		}
		inputs[spec.Name] = t.To(spec.Device)
	}
	return inputs, nil
}

func preview(t *tensor.Tensor) string {
	var values []string
	if t.DType() == tensor.Int32 || t.DType() == tensor.Int64 {
		for _, v := range t.Int64s() {
			values = append(values, fmt.Sprint(v))
		}
	} else {
		for _, v := range t.Float32s() {
			values = append(values, fmt.Sprintf("%g", v))
		}
	}
	if len(values) > previewLen {
		values = append(values[:previewLen], "...")
	}
	return "[" + strings.Join(values, " ") + "]"
}
