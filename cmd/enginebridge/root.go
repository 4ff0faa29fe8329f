package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-engine-bridge/internal/blobs"
	"github.com/example/go-engine-bridge/internal/bridge"
	"github.com/example/go-engine-bridge/internal/config"
	"github.com/example/go-engine-bridge/internal/program"
	"github.com/example/go-engine-bridge/internal/registry"
	"github.com/example/go-engine-bridge/internal/runtime"
	"github.com/example/go-engine-bridge/internal/runtime/plan"
	"github.com/example/go-engine-bridge/internal/server"
)

var (
	cfgFile   string
	activeCfg config.Config
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "enginebridge",
		Short:         "Run programs that call precompiled accelerator engines",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}
			activeCfg = loaded
			setupLogger(loaded.LogLevel)
			plan.SetWorkers(loaded.Runtime.KernelWorkers)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(newSampleCmd())
	cmd.AddCommand(newInspectCmd())
	cmd.AddCommand(newTraceCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newHealthCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newHandleCmd())
	cmd.AddCommand(newBenchCmd())

	return cmd
}

// setupLogger configures the process-wide slog default logger.
func setupLogger(levelStr string) {
	lvl, err := server.ParseLogLevel(levelStr)
	if err != nil {
		lvl = slog.LevelInfo
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}

func requireConfig() (config.Config, error) {
	if activeCfg.Paths.Program == "" {
		return config.Config{}, fmt.Errorf("configuration not loaded")
	}
	return activeCfg, nil
}

func bridgeOptions(cfg config.Config) bridge.Options {
	return bridge.Options{
		Backend: cfg.Runtime.Backend,
		Runtime: runtime.Config{
			DeviceSignature: cfg.Runtime.DeviceSignature,
			ORTLibraryPath:  cfg.Runtime.ORTLibraryPath,
			ORTAPIVersion:   cfg.Runtime.ORTAPIVersion,
		},
		CacheEngines:   cfg.Runtime.CacheEngines,
		AllowProbe:     cfg.Symbolic.AllowProbe,
		ProbeCacheSize: cfg.Symbolic.ProbeCacheSize,
		Logger:         slog.Default(),
	}
}

// openRegistry returns a registry with the host and engine operators. The
// caller closes the bridge.
func openRegistry(cfg config.Config) (*registry.Registry, *bridge.Bridge, error) {
	reg, b, err := bridge.NewRegistry(bridgeOptions(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("open runtimes: %w", err)
	}
	return reg, b, nil
}

func loadProgram(ctx context.Context, location string) (*program.Program, error) {
	data, err := blobs.Read(ctx, location)
	if err != nil {
		return nil, err
	}
	p, err := program.Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("load program %s: %w", location, err)
	}
	slog.Debug("program loaded", "location", location, "program", p.Name, "nodes", len(p.Nodes))
	return p, nil
}

// bindProgram opens the runtimes and binds the configured program. The
// caller closes the returned bridge.
func bindProgram(ctx context.Context, cfg config.Config) (*program.Executable, *bridge.Bridge, error) {
	p, err := loadProgram(ctx, cfg.Paths.Program)
	if err != nil {
		return nil, nil, err
	}
	reg, b, err := openRegistry(cfg)
	if err != nil {
		return nil, nil, err
	}
	exe, err := program.Bind(reg, p)
	if err != nil {
		_ = b.Close()
		return nil, nil, fmt.Errorf("bind program %s: %w", p.Name, err)
	}
	return exe, b, nil
}
