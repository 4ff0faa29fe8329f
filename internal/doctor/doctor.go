// Package doctor provides environment preflight checks for enginebridge.
package doctor

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/example/go-engine-bridge/internal/bridge"
	"github.com/example/go-engine-bridge/internal/handle"
	"github.com/example/go-engine-bridge/internal/program"
	"github.com/example/go-engine-bridge/internal/registry"
	"github.com/example/go-engine-bridge/internal/runtime"
	"github.com/example/go-engine-bridge/internal/runtime/ort"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// ORTLibrary locates the ONNX Runtime shared library.
	ORTLibrary func() (ort.Library, error)
	// SkipORT skips the library check (plan-only backend).
	SkipORT bool
	// ORTAPIVersion is the minimum minor version of a 1.x library.
	ORTAPIVersion uint32
	// Runtimes are the opened backends engines are checked against.
	Runtimes []runtime.Runtime
	// Registry binds and traces the program. Nil skips the trace check.
	Registry *registry.Registry
	// LoadProgram returns the configured program. Nil skips program checks.
	LoadProgram func() (*program.Program, error)
	// Tracker must be idle once all checks have run.
	Tracker *runtime.Tracker
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(w io.Writer, check string, err error) {
	r.failures = append(r.failures, fmt.Sprintf("%s: %v", check, err))
	fmt.Fprintf(w, "%s %s: %v\n", FailMark, check, err)
}

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(ctx context.Context, cfg Config, w io.Writer) Result {
	var res Result

	// ---- ONNX Runtime library ---------------------------------------------
	switch {
	case cfg.SkipORT || cfg.ORTLibrary == nil:
		fmt.Fprintf(w, "%s onnx runtime library: skipped\n", PassMark)
	default:
		lib, err := cfg.ORTLibrary()
		if err != nil {
			res.fail(w, "onnx runtime library", err)
		} else if verr := checkORTVersion(lib.Version, cfg.ORTAPIVersion); verr != nil {
			res.fail(w, "onnx runtime version "+lib.Version, verr)
		} else {
			fmt.Fprintf(w, "%s onnx runtime library: %s (%s)\n", PassMark, lib.Path, lib.Version)
		}
	}

	// ---- runtimes -----------------------------------------------------------
	if len(cfg.Runtimes) == 0 {
		res.fail(w, "runtimes", fmt.Errorf("no runtime backend opened"))
	} else {
		names := make([]string, len(cfg.Runtimes))
		for i, rt := range cfg.Runtimes {
			names[i] = rt.Name()
		}
		fmt.Fprintf(w, "%s runtimes: %s\n", PassMark, strings.Join(names, ", "))
	}

	// ---- program ------------------------------------------------------------
	if cfg.LoadProgram != nil {
		checkProgram(ctx, cfg, w, &res)
	}

	// ---- resources ----------------------------------------------------------
	if cfg.Tracker != nil {
		s := cfg.Tracker.Stats()
		if !s.Idle() {
			res.fail(w, "device resources", fmt.Errorf("%d engines, %d contexts, %s still held",
				s.LiveEngines, s.LiveContexts, humanize.Bytes(uint64(max(s.DeviceBytes, 0)))))
		} else {
			fmt.Fprintf(w, "%s device resources: released\n", PassMark)
		}
	}

	return res
}

func checkProgram(ctx context.Context, cfg Config, w io.Writer, res *Result) {
	p, err := cfg.LoadProgram()
	if err != nil {
		res.fail(w, "program", err)
		return
	}
	fmt.Fprintf(w, "%s program %s: %d inputs, %d nodes, %d objects\n",
		PassMark, p.Name, len(p.Inputs), len(p.Nodes), len(p.Objects))

	for _, spec := range p.Objects {
		if spec.Class != bridge.ClassName {
			continue
		}
		check := "engine " + spec.Name
		h, err := bridge.HandleFromFields(spec.Fields)
		if err != nil {
			res.fail(w, check, err)
			continue
		}
		backend, err := loadEngine(cfg.Runtimes, h)
		if err != nil {
			res.fail(w, check, err)
			continue
		}
		fmt.Fprintf(w, "%s %s (%s): %s on %s, %s\n",
			PassMark, check, h.Name(), backend, h.TargetPlatform(), humanize.Bytes(uint64(len(h.Engine()))))
	}

	if cfg.Registry == nil {
		return
	}
	exe, err := program.Bind(cfg.Registry, p)
	if err != nil {
		res.fail(w, "trace", err)
		return
	}
	outs, err := exe.Trace(ctx)
	if err != nil {
		res.fail(w, "trace", err)
		return
	}
	shapes := make([]string, len(outs))
	for i, d := range outs {
		shapes[i] = d.String()
	}
	fmt.Fprintf(w, "%s trace: %s\n", PassMark, strings.Join(shapes, ", "))
}

// loadEngine deserializes and immediately releases h's payload, returning
// the runtime that accepted it.
func loadEngine(runtimes []runtime.Runtime, h *handle.Handle) (string, error) {
	rt, err := runtime.Select(runtimes, h.Engine())
	if err != nil {
		return "", err
	}
	eng, err := rt.Deserialize(h.Engine(), runtime.OptionsFor(h))
	if err != nil {
		return "", err
	}
	if err := eng.Close(); err != nil {
		return "", err
	}
	return rt.Name(), nil
}

// checkORTVersion requires a 1.x library whose minor version is at least
// api. An unknown version passes.
func checkORTVersion(ver string, api uint32) error {
	if ver == "" || ver == "unknown" {
		return nil
	}
	major, minor, err := parseMajorMinor(ver)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}
	if major != 1 {
		return fmt.Errorf("requires ONNX Runtime 1.x, got %d", major)
	}
	if uint32(minor) < api {
		return fmt.Errorf("requires ONNX Runtime >=1.%d, got 1.%d", api, minor)
	}
	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}
	return major, minor, nil
}
