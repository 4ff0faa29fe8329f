package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

// fakeBinder wraps a pflag.FlagSet to satisfy the flagBinder interface.
type fakeBinder struct {
	fs *pflag.FlagSet
}

func (f *fakeBinder) Flags() *pflag.FlagSet { return f.fs }

func parsedBinder(t *testing.T, defaults Config, args ...string) *fakeBinder {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return &fakeBinder{fs: fs}
}

// --- DefaultConfig ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "info")
	}
	if cfg.Runtime.Backend != BackendAuto {
		t.Errorf("Runtime.Backend = %q; want %q", cfg.Runtime.Backend, BackendAuto)
	}
	if cfg.Runtime.ORTAPIVersion != 23 {
		t.Errorf("Runtime.ORTAPIVersion = %d; want 23", cfg.Runtime.ORTAPIVersion)
	}
	if cfg.Symbolic.AllowProbe {
		t.Error("Symbolic.AllowProbe = true; want false")
	}
	if cfg.Server.Workers != 2 {
		t.Errorf("Server.Workers = %d; want 2", cfg.Server.Workers)
	}
	if cfg.Server.RequestTimeout != time.Minute {
		t.Errorf("Server.RequestTimeout = %s; want 1m", cfg.Server.RequestTimeout)
	}
}

// --- NormalizeBackend ---

func TestNormalizeBackend(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"auto", "auto", "auto", false},
		{"plan", "plan", "plan", false},
		{"ort", "ort", "ort", false},
		{"onnx alias", "onnx", "ort", false},
		{"uppercase with spaces", "  PLAN ", "plan", false},
		{"empty defaults to auto", "", "auto", false},
		{"invalid value", "tensorrt", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeBackend(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("NormalizeBackend(%q) = %q, nil; want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Errorf("NormalizeBackend(%q) unexpected error: %v", tt.input, err)
				return
			}
			if got != tt.want {
				t.Errorf("NormalizeBackend(%q) = %q; want %q", tt.input, got, tt.want)
			}
		})
	}
}

// --- RegisterFlags ---

func TestRegisterFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, DefaultConfig())

	checks := []struct {
		flag string
		want string
	}{
		{"program", "program.json"},
		{"backend", "auto"},
		{"server-listen-addr", ":8080"},
		{"log-level", "info"},
		{"request-timeout", "1m0s"},
	}
	for _, c := range checks {
		f := fs.Lookup(c.flag)
		if f == nil {
			t.Errorf("flag %q not registered", c.flag)
			continue
		}
		if f.DefValue != c.want {
			t.Errorf("flag %q default = %q; want %q", c.flag, f.DefValue, c.want)
		}
	}

	for name := range flagKeys {
		if fs.Lookup(name) == nil {
			t.Errorf("flagKeys names unregistered flag %q", name)
		}
	}
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ORT_LIBRARY_PATH", "")
	t.Setenv("ENGINEBRIDGE_ORT_LIB", "")
	defaults := DefaultConfig()
	cfg, err := Load(LoadOptions{Cmd: parsedBinder(t, defaults), Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg != defaults {
		t.Errorf("Load() = %+v; want defaults %+v", cfg, defaults)
	}
}

func TestLoad_FlagOverride(t *testing.T) {
	defaults := DefaultConfig()
	binder := parsedBinder(t, defaults,
		"--backend=plan",
		"--workers=8",
		"--log-level=debug",
		"--allow-probe",
		"--request-timeout=5s",
		"--ort-lib=/opt/ort/libonnxruntime.so",
	)

	cfg, err := Load(LoadOptions{Cmd: binder, Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Runtime.Backend != "plan" {
		t.Errorf("Runtime.Backend = %q; want plan", cfg.Runtime.Backend)
	}
	if cfg.Server.Workers != 8 {
		t.Errorf("Server.Workers = %d; want 8", cfg.Server.Workers)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q; want debug", cfg.LogLevel)
	}
	if !cfg.Symbolic.AllowProbe {
		t.Error("Symbolic.AllowProbe = false; want true")
	}
	if cfg.Server.RequestTimeout != 5*time.Second {
		t.Errorf("Server.RequestTimeout = %s; want 5s", cfg.Server.RequestTimeout)
	}
	if cfg.Runtime.ORTLibraryPath != "/opt/ort/libonnxruntime.so" {
		t.Errorf("Runtime.ORTLibraryPath = %q; want the --ort-lib value", cfg.Runtime.ORTLibraryPath)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("ENGINEBRIDGE_LOG_LEVEL", "warn")
	t.Setenv("ENGINEBRIDGE_SERVER_LISTEN_ADDR", ":9999")
	t.Setenv("ENGINEBRIDGE_RUNTIME_CACHE_ENGINES", "true")

	cfg, err := Load(LoadOptions{Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q; want warn", cfg.LogLevel)
	}
	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("Server.ListenAddr = %q; want :9999", cfg.Server.ListenAddr)
	}
	if !cfg.Runtime.CacheEngines {
		t.Error("Runtime.CacheEngines = false; want true")
	}
}

func TestLoad_FlagBeatsEnv(t *testing.T) {
	t.Setenv("ENGINEBRIDGE_SERVER_WORKERS", "3")
	defaults := DefaultConfig()
	cfg, err := Load(LoadOptions{Cmd: parsedBinder(t, defaults, "--workers=5"), Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Workers != 5 {
		t.Errorf("Server.Workers = %d; want 5", cfg.Server.Workers)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "enginebridge.yaml")
	content := `
log_level: error
paths:
  program: gs://models/prog.json
runtime:
  backend: ort
  device_signature: cuda/sm_90
server:
  workers: 16
  listen_addr: ":7777"
  shutdown_timeout: 10s
symbolic:
  allow_probe: true
`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	defaults := DefaultConfig()
	cfg, err := Load(LoadOptions{Cmd: parsedBinder(t, defaults), ConfigFile: cfgFile, Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q; want error", cfg.LogLevel)
	}
	if cfg.Paths.Program != "gs://models/prog.json" {
		t.Errorf("Paths.Program = %q", cfg.Paths.Program)
	}
	if cfg.Runtime.Backend != "ort" || cfg.Runtime.DeviceSignature != "cuda/sm_90" {
		t.Errorf("Runtime = %+v", cfg.Runtime)
	}
	if cfg.Server.Workers != 16 || cfg.Server.ListenAddr != ":7777" || cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if !cfg.Symbolic.AllowProbe {
		t.Error("Symbolic.AllowProbe = false; want true")
	}
}

func TestLoad_InvalidBackendInFile(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "enginebridge.yaml")
	if err := os.WriteFile(cfgFile, []byte("runtime:\n  backend: tensorrt\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(LoadOptions{ConfigFile: cfgFile, Defaults: DefaultConfig()}); err == nil {
		t.Error("Load() = nil; want error for unknown backend")
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(cfgFile, []byte(":\t:bad yaml:::"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(LoadOptions{ConfigFile: cfgFile, Defaults: DefaultConfig()}); err == nil {
		t.Error("Load() = nil; want error for invalid config file")
	}
}

func TestLoad_MissingExplicitConfigFile(t *testing.T) {
	_, err := Load(LoadOptions{
		ConfigFile: "/nonexistent/path/enginebridge.yaml",
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Error("Load() = nil; want error for missing explicit config file")
	}
}
