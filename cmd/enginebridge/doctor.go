package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-engine-bridge/internal/config"
	"github.com/example/go-engine-bridge/internal/doctor"
	"github.com/example/go-engine-bridge/internal/program"
	"github.com/example/go-engine-bridge/internal/runtime/ort"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime and program checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			reg, b, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			_, _ = fmt.Fprintf(out, "backend: %s\n", cfg.Runtime.Backend)

			dcfg := doctor.Config{
				ORTLibrary: func() (ort.Library, error) {
					return ort.DetectLibrary(cfg.Runtime.ORTLibraryPath)
				},
				SkipORT:       cfg.Runtime.Backend == config.BackendPlan,
				ORTAPIVersion: cfg.Runtime.ORTAPIVersion,
				Runtimes:      b.Runtimes,
				Registry:      reg,
				Tracker:       b.Tracker,
			}
			if programAvailable(cfg.Paths.Program) {
				dcfg.LoadProgram = func() (*program.Program, error) {
					return loadProgram(cmd.Context(), cfg.Paths.Program)
				}
			} else {
				_, _ = fmt.Fprintf(out, "%s program: skipped (no file at %s)\n", doctor.PassMark, cfg.Paths.Program)
			}

			result := doctor.Run(cmd.Context(), dcfg, out)
			return reportDoctor(result, out, cmd.ErrOrStderr())
		},
	}
}

// programAvailable is false only for a local path that does not exist.
func programAvailable(location string) bool {
	if strings.Contains(location, "://") {
		return true
	}
	_, err := os.Stat(location)
	return !errors.Is(err, os.ErrNotExist)
}

func reportDoctor(result doctor.Result, out, errOut io.Writer) error {
	if result.Failed() {
		for _, f := range result.Failures() {
			_, _ = fmt.Fprintf(errOut, "FAIL: %s\n", f)
		}

		return errors.New("doctor checks failed")
	}

	_, _ = fmt.Fprintln(out, "doctor checks passed")

	return nil
}
