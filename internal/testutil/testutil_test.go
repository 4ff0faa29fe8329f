package testutil_test

import (
	"testing"

	"github.com/example/go-engine-bridge/internal/runtime/ort"
	"github.com/example/go-engine-bridge/internal/samples"
	"github.com/example/go-engine-bridge/internal/testutil"
)

func TestRequireONNXRuntime_SkipsWhenAbsent(t *testing.T) {
	t.Setenv(ort.LibraryEnv, "")
	t.Setenv("ORT_LIBRARY_PATH", "/nonexistent/libonnxruntime.so")

	skipped := false
	fakeT := &skipTracker{TB: t, onSkip: func() { skipped = true }}
	testutil.RequireONNXRuntime(fakeT)
	if !skipped {
		t.Error("expected RequireONNXRuntime to skip when library is absent")
	}
}

func TestFixturesBuild(t *testing.T) {
	if h := testutil.IdentityHandle(t, true); !h.HardwareCompatible() {
		t.Error("expected a hardware-compatible identity handle")
	}
	if h := testutil.GatedHandle(t); h.NumOutputs() != 2 {
		t.Errorf("gated handle has %d outputs, want 2", h.NumOutputs())
	}
	reg, _ := testutil.Registry(t)
	for _, name := range samples.Names() {
		p := testutil.Program(t, reg, name)
		if p.Name != name {
			t.Errorf("sample %q built program %q", name, p.Name)
		}
	}
	if got := testutil.Ones(t, 2, 3).NumElements(); got != 6 {
		t.Errorf("Ones(2,3) has %d elements", got)
	}
}

// skipTracker is a minimal testing.TB implementation that intercepts Skip calls.
type skipTracker struct {
	testing.TB
	onSkip func()
}

func (s *skipTracker) Helper() {}

func (s *skipTracker) Skipf(_ string, _ ...any) {
	s.onSkip()
	// Do NOT call s.TB.Skip: that would actually skip the outer test.
}
