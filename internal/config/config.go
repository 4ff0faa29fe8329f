package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// ENGINEBRIDGE_SERVER_LISTEN_ADDR.
const EnvPrefix = "ENGINEBRIDGE"

type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Symbolic SymbolicConfig `mapstructure:"symbolic"`
	Server   ServerConfig   `mapstructure:"server"`
}

type PathsConfig struct {
	// Program is a local path or gs://bucket/object URI.
	Program string `mapstructure:"program"`
}

type RuntimeConfig struct {
	Backend         string `mapstructure:"backend"`
	ORTLibraryPath  string `mapstructure:"ort_library_path"`
	ORTAPIVersion   uint32 `mapstructure:"ort_api_version"`
	DeviceSignature string `mapstructure:"device_signature"`
	CacheEngines    bool   `mapstructure:"cache_engines"`
	KernelWorkers   int    `mapstructure:"kernel_workers"`
}

type SymbolicConfig struct {
	AllowProbe     bool `mapstructure:"allow_probe"`
	ProbeCacheSize int  `mapstructure:"probe_cache_size"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	Workers         int           `mapstructure:"workers"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Paths: PathsConfig{
			Program: "program.json",
		},
		Runtime: RuntimeConfig{
			Backend:         BackendAuto,
			ORTLibraryPath:  "",
			ORTAPIVersion:   23,
			DeviceSignature: "cpu/generic",
			CacheEngines:    false,
			KernelWorkers:   1,
		},
		Symbolic: SymbolicConfig{
			AllowProbe:     false,
			ProbeCacheSize: 256,
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			Workers:         2,
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    32 << 20,
		},
	}
}

// flagKeys maps each flag to the config key it overrides.
var flagKeys = map[string]string{
	"log-level":                "log_level",
	"program":                  "paths.program",
	"backend":                  "runtime.backend",
	"runtime-ort-library-path": "runtime.ort_library_path",
	"ort-lib":                  "runtime.ort_library_path",
	"runtime-ort-api-version":  "runtime.ort_api_version",
	"device-signature":         "runtime.device_signature",
	"cache-engines":            "runtime.cache_engines",
	"kernel-workers":           "runtime.kernel_workers",
	"allow-probe":              "symbolic.allow_probe",
	"probe-cache-size":         "symbolic.probe_cache_size",
	"server-listen-addr":       "server.listen_addr",
	"workers":                  "server.workers",
	"request-timeout":          "server.request_timeout",
	"shutdown-timeout":         "server.shutdown_timeout",
	"max-body-bytes":           "server.max_body_bytes",
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("log-level", defaults.LogLevel, "Log level: debug|info|warn|error")
	fs.String("program", defaults.Paths.Program, "Program file (local path or gs://bucket/object)")
	fs.String("backend", defaults.Runtime.Backend, "Engine runtime: auto|plan|ort")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library (alias for --runtime-ort-library-path)")
	fs.Uint32("runtime-ort-api-version", defaults.Runtime.ORTAPIVersion, "ONNX Runtime C API version")
	fs.String("device-signature", defaults.Runtime.DeviceSignature, "Local device signature as family/model")
	fs.Bool("cache-engines", defaults.Runtime.CacheEngines, "Keep deserialized engines across calls")
	fs.Int("kernel-workers", defaults.Runtime.KernelWorkers, "Goroutines per plan kernel")
	fs.Bool("allow-probe", defaults.Symbolic.AllowProbe, "Trace engines without output metadata by running them once")
	fs.Int("probe-cache-size", defaults.Symbolic.ProbeCacheSize, "Cached probe results")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("workers", defaults.Server.Workers, "Concurrent program runs in the server")
	fs.Duration("request-timeout", defaults.Server.RequestTimeout, "Per-request timeout")
	fs.Duration("shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown timeout")
	fs.Int64("max-body-bytes", defaults.Server.MaxBodyBytes, "Maximum request body size")
}

// Load merges flags > env > config file > defaults.
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runtime.ort_library_path", EnvPrefix+"_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("enginebridge")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	backend, err := NormalizeBackend(cfg.Runtime.Backend)
	if err != nil {
		return Config{}, err
	}
	cfg.Runtime.Backend = backend

	return cfg, nil
}

// bindFlags binds only flags the user set, so an unset alias never masks
// the flag it aliases.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || !f.Changed || err != nil {
			return
		}
		if bindErr := v.BindPFlag(key, f); bindErr != nil {
			err = fmt.Errorf("bind flag --%s: %w", f.Name, bindErr)
		}
	})
	return err
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("paths.program", c.Paths.Program)
	v.SetDefault("runtime.backend", c.Runtime.Backend)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_api_version", c.Runtime.ORTAPIVersion)
	v.SetDefault("runtime.device_signature", c.Runtime.DeviceSignature)
	v.SetDefault("runtime.cache_engines", c.Runtime.CacheEngines)
	v.SetDefault("runtime.kernel_workers", c.Runtime.KernelWorkers)
	v.SetDefault("symbolic.allow_probe", c.Symbolic.AllowProbe)
	v.SetDefault("symbolic.probe_cache_size", c.Symbolic.ProbeCacheSize)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("server.max_body_bytes", c.Server.MaxBodyBytes)
}
