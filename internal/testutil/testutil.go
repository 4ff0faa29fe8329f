// Package testutil provides fixtures and skip helpers shared by package
// tests.
//
// Fixture helpers fail the test through must on error, so call sites stay
// one line:
//
//	func TestMyEngine(t *testing.T) {
//	    h := testutil.IdentityHandle(t, true)
//	    reg, b := testutil.Registry(t)
//	    ...
//	}
package testutil

import (
	"os"
	"testing"

	"github.com/janpfeifer/must"

	"github.com/example/go-engine-bridge/internal/bridge"
	"github.com/example/go-engine-bridge/internal/handle"
	"github.com/example/go-engine-bridge/internal/program"
	"github.com/example/go-engine-bridge/internal/registry"
	"github.com/example/go-engine-bridge/internal/runtime/ort"
	"github.com/example/go-engine-bridge/internal/runtime/plan"
	"github.com/example/go-engine-bridge/internal/samples"
	"github.com/example/go-engine-bridge/internal/tensor"
)

// IdentityHandle is the identity sample engine built for this host.
func IdentityHandle(tb testing.TB, hardwareCompatible bool) *handle.Handle {
	tb.Helper()
	return must.M1(plan.BuildHandle("identity", samples.IdentityNetwork(), plan.BuildConfig{HardwareCompatible: hardwareCompatible}))
}

// GatedHandle is the two-output gated sample engine with feature width 4.
func GatedHandle(tb testing.TB) *handle.Handle {
	tb.Helper()
	return must.M1(plan.BuildHandle("gated", samples.GatedNetwork(4), plan.BuildConfig{}))
}

// Registry returns a fresh registry backed by the plan runtime only. The
// bridge is closed when the test ends.
func Registry(tb testing.TB) (*registry.Registry, *bridge.Bridge) {
	tb.Helper()
	reg, b, err := bridge.NewRegistry(bridge.Options{Backend: plan.Name})
	must.M(err)
	tb.Cleanup(func() { _ = b.Close() })
	return reg, b
}

// Program builds the named sample program against reg.
func Program(tb testing.TB, reg *registry.Registry, name string) *program.Program {
	tb.Helper()
	return must.M1(samples.Build(name, reg, plan.BuildConfig{}))
}

// Ones is a float32 CPU tensor of ones.
func Ones(tb testing.TB, shape ...int64) *tensor.Tensor {
	tb.Helper()
	return must.M1(tensor.Full(1, shape))
}

// Float32 is a float32 CPU tensor from literal data.
func Float32(tb testing.TB, data []float32, shape ...int64) *tensor.Tensor {
	tb.Helper()
	return must.M1(tensor.New(data, shape))
}

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can be
// located.
func RequireONNXRuntime(tb testing.TB) string {
	tb.Helper()

	for _, env := range []string{ort.LibraryEnv, "ORT_LIBRARY_PATH"} {
		if p := os.Getenv(env); p != "" {
			if _, err := os.Stat(p); err != nil {
				tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)
			}
		}
	}
	lib, err := ort.DetectLibrary("")
	if err != nil {
		tb.Skipf("ONNX Runtime shared library not found (%v); set ORT_LIBRARY_PATH or %s", err, ort.LibraryEnv)
	}
	return lib.Path
}
