package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-engine-bridge/internal/bench"
	"github.com/example/go-engine-bridge/internal/registry"
	"github.com/example/go-engine-bridge/internal/tensor"
)

func newBenchCmd() *cobra.Command {
	var (
		opts      runOptions
		warmup    int
		format    string
		threshold time.Duration
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark program execution latency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if opts.repeat < 1 {
				return fmt.Errorf("--runs must be at least 1")
			}
			if warmup < 0 {
				return fmt.Errorf("--warmup must not be negative")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			exe, b, err := bindProgram(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			inputs, err := runInputs(cmd.Context(), exe.Program(), opts)
			if err != nil {
				return err
			}

			results, err := bench.Run(cmd.Context(), warmup, opts.repeat, func(ctx context.Context) (int, error) {
				outs, err := exe.Run(ctx, registry.Concrete, inputs)
				if err != nil {
					return 0, err
				}
				return outputBytes(outs), nil
			})
			if err != nil {
				return err
			}

			stats := bench.ComputeStats(bench.Durations(results))

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				if err := bench.FormatJSON(results, stats, out); err != nil {
					return err
				}
			default:
				bench.FormatTable(results, stats, out)
			}

			return bench.CheckLatencyThreshold(stats.Mean, threshold)
		},
	}

	cmd.Flags().StringVar(&opts.inputs, "inputs", "", "Safetensors file with one tensor per program input")
	cmd.Flags().Float32Var(&opts.fill, "fill", 1, "Value for generated inputs when --inputs is not given")
	cmd.Flags().IntVar(&opts.repeat, "runs", 5, "Number of measured runs")
	cmd.Flags().IntVar(&warmup, "warmup", 0, "Unmeasured runs before measuring")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().DurationVar(&threshold, "latency-threshold", 0, "Exit non-zero if mean latency exceeds this value (0 = disabled)")

	return cmd
}

func outputBytes(values []tensor.Value) int {
	n := 0
	for _, v := range values {
		if t, ok := v.(*tensor.Tensor); ok {
			n += t.NumBytes()
		}
	}
	return n
}
