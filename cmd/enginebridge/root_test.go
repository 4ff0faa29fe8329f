package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/example/go-engine-bridge/internal/config"
)

// execute runs the root command with args and returns combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := NewRootCmd()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.Execute()

	return out.String(), err
}

// programPath is a fresh program location inside the test's temp dir.
func programPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "program.json")
}

func TestNewRootCmd_HasExpectedSubcommands(t *testing.T) {
	root := NewRootCmd()

	want := []string{"sample", "inspect", "trace", "run", "serve", "health", "doctor", "handle", "bench"}
	for _, name := range want {
		found := false

		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}

		if !found {
			t.Errorf("expected subcommand %q not found in root", name)
		}
	}
}

func TestNewRootCmd_HasPersistentConfigFlag(t *testing.T) {
	root := NewRootCmd()
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("expected --config persistent flag to be registered")
	}
	if root.PersistentFlags().Lookup("program") == nil {
		t.Error("expected --program persistent flag to be registered")
	}
}

func TestSetupLogger_DoesNotPanic(_ *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "not-a-level"} {
		setupLogger(level)
	}
}

func TestRequireConfig_FailsWhenNotInitialized(t *testing.T) {
	orig := activeCfg

	t.Cleanup(func() { activeCfg = orig })

	activeCfg = config.Config{}

	if _, err := requireConfig(); err == nil {
		t.Fatal("expected error when config is not loaded")
	}
}

func TestRequireConfig_SucceedsWhenLoaded(t *testing.T) {
	orig := activeCfg

	t.Cleanup(func() { activeCfg = orig })

	activeCfg = config.Config{Paths: config.PathsConfig{Program: "/some/program.json"}}

	got, err := requireConfig()
	if err != nil {
		t.Fatalf("requireConfig returned unexpected error: %v", err)
	}

	if got.Paths.Program != "/some/program.json" {
		t.Errorf("unexpected Program: %q", got.Paths.Program)
	}
}

func TestBridgeOptions_FromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Runtime.Backend = config.BackendPlan
	cfg.Runtime.CacheEngines = true
	cfg.Symbolic.AllowProbe = true

	opts := bridgeOptions(cfg)
	if opts.Backend != config.BackendPlan || !opts.CacheEngines || !opts.AllowProbe {
		t.Errorf("unexpected options: %+v", opts)
	}
	if opts.Runtime.DeviceSignature != cfg.Runtime.DeviceSignature {
		t.Errorf("device signature = %q", opts.Runtime.DeviceSignature)
	}
}
