//go:build !(js && wasm) && !windows

package ort

import (
	"context"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	ort "github.com/shota3506/onnxruntime-purego/onnxruntime"

	"github.com/example/go-engine-bridge/internal/errdefs"
	"github.com/example/go-engine-bridge/internal/runtime"
	"github.com/example/go-engine-bridge/internal/tensor"
)

// Runtime owns one ORT environment shared by every engine it loads. The
// shared library is opened on first Deserialize.
type Runtime struct {
	libraryPath string
	apiVersion  uint32
	platform    string
	tracker     *runtime.Tracker

	once   sync.Once
	ort    *ort.Runtime
	env    *ort.Env
	errORT error
}

func New(cfg runtime.Config) *Runtime {
	cfg = cfg.WithDefaults()
	api := cfg.ORTAPIVersion
	if api == 0 {
		api = DefaultAPIVersion
	}
	return &Runtime{
		libraryPath: cfg.ORTLibraryPath,
		apiVersion:  api,
		platform:    cfg.Platform,
		tracker:     cfg.Tracker,
	}
}

func (r *Runtime) bootstrap() error {
	r.once.Do(func() {
		lib, err := DetectLibrary(r.libraryPath)
		if err != nil {
			r.errORT = err
			return
		}
		rt, err := ort.NewRuntime(lib.Path, r.apiVersion)
		if err != nil {
			r.errORT = errors.Wrapf(err, "ort runtime from %s", lib.Path)
			return
		}
		env, err := rt.NewEnv("enginebridge", ort.LoggingLevelWarning)
		if err != nil {
			_ = rt.Close()
			r.errORT = errors.Wrap(err, "ort env")
			return
		}
		r.ort, r.env = rt, env
	})
	return r.errORT
}

func (r *Runtime) Deserialize(payload []byte, opts runtime.DeserializeOptions) (runtime.Engine, error) {
	fail := func(cause error) error {
		return &errdefs.EngineDeserializationError{
			Engine:             opts.Name,
			HardwareCompatible: opts.HardwareCompatible,
			TargetPlatform:     opts.TargetPlatform,
			Cause:              cause,
		}
	}
	if opts.TargetPlatform != "" && opts.TargetPlatform != r.platform {
		return nil, fail(errors.Errorf("engine targets platform %s, host is %s", opts.TargetPlatform, r.platform))
	}
	if err := r.bootstrap(); err != nil {
		return nil, fail(err)
	}

	// The purego binding opens sessions from a path.
	f, err := os.CreateTemp("", "enginebridge-*.onnx")
	if err != nil {
		return nil, fail(errors.Wrap(err, "stage model"))
	}
	path := f.Name()
	defer os.Remove(path)
	_, err = f.Write(payload)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fail(errors.Wrap(err, "stage model"))
	}

	session, err := r.ort.NewSession(r.env, path, nil)
	if err != nil {
		return nil, fail(errors.Wrap(err, "ort session"))
	}
	size := int64(len(payload))
	r.tracker.AcquireEngine(size)
	return &engine{
		name:    opts.Name,
		runtime: r.ort,
		session: session,
		tracker: r.tracker,
		size:    size,
	}, nil
}

// Close releases the ORT environment. Engines must be closed first.
func (r *Runtime) Close() error {
	if r.env != nil {
		r.env.Close()
		r.env = nil
	}
	if r.ort != nil {
		err := r.ort.Close()
		r.ort = nil
		return err
	}
	return nil
}

type engine struct {
	name    string
	runtime *ort.Runtime
	session *ort.Session
	tracker *runtime.Tracker
	size    int64
	closed  atomic.Bool
}

func (e *engine) InputNames() []string  { return slices.Clone(e.session.InputNames()) }
func (e *engine) OutputNames() []string { return slices.Clone(e.session.OutputNames()) }

func (e *engine) CreateExecutionContext() (runtime.ExecutionContext, error) {
	if e.closed.Load() {
		return nil, errors.Errorf("engine %q is closed", e.name)
	}
	e.tracker.AcquireContext(0)
	return &execContext{engine: e, shapes: map[string][]int64{}}, nil
}

func (e *engine) Close() error {
	if e.closed.CompareAndSwap(false, true) {
		e.session.Close()
		e.tracker.ReleaseEngine(e.size)
	}
	return nil
}

type execContext struct {
	engine *engine
	shapes map[string][]int64
	closed atomic.Bool
}

func (c *execContext) SetInputShape(name string, shape []int64) error {
	if slices.Contains(c.engine.session.InputNames(), name) {
		c.shapes[name] = slices.Clone(shape)
		return nil
	}
	return &errdefs.ShapeBindingError{Engine: c.engine.name, Input: name, Shape: shape, Reason: "engine has no such input"}
}

// OutputShape is data-dependent for ONNX graphs.
func (c *execContext) OutputShape(string) ([]int64, error) {
	return nil, nil
}

func (c *execContext) Execute(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if c.closed.Load() {
		return nil, errors.New("execution context is closed")
	}
	ortInputs := make(map[string]*ort.Value, len(inputs))
	defer closeValues(ortInputs)
	for name, t := range inputs {
		v, err := toORT(c.engine.runtime, t)
		if err != nil {
			return nil, errors.Wrapf(err, "input %q", name)
		}
		ortInputs[name] = v
	}

	ortOutputs, err := c.engine.session.Run(ctx, ortInputs)
	if err != nil {
		return nil, errors.Wrapf(err, "run %q", c.engine.name)
	}
	defer closeValues(ortOutputs)

	results := make(map[string]*tensor.Tensor, len(ortOutputs))
	for name, v := range ortOutputs {
		t, err := fromORT(v)
		if err != nil {
			return nil, errors.Wrapf(err, "output %q", name)
		}
		results[name] = t
	}
	return results, nil
}

func (c *execContext) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.engine.tracker.ReleaseContext(0)
	}
	return nil
}

func toORT(rt *ort.Runtime, t *tensor.Tensor) (*ort.Value, error) {
	switch data := t.Data().(type) {
	case []float32:
		return ort.NewTensorValue(rt, data, t.Shape())
	case []int64:
		return ort.NewTensorValue(rt, data, t.Shape())
	default:
		return nil, errors.Errorf("unsupported tensor dtype %s", t.DType())
	}
}

func fromORT(v *ort.Value) (*tensor.Tensor, error) {
	elemType, err := v.GetTensorElementType()
	if err != nil {
		return nil, errors.Wrap(err, "get element type")
	}
	switch elemType {
	case ort.ONNXTensorElementDataTypeFloat:
		data, shape, err := ort.GetTensorData[float32](v)
		if err != nil {
			return nil, err
		}
		return tensor.New(data, shape)
	case ort.ONNXTensorElementDataTypeInt64:
		data, shape, err := ort.GetTensorData[int64](v)
		if err != nil {
			return nil, err
		}
		return tensor.New(data, shape)
	default:
		return nil, errors.Errorf("unsupported ORT element type %d", elemType)
	}
}

func closeValues(vals map[string]*ort.Value) {
	for _, v := range vals {
		if v != nil {
			v.Close()
		}
	}
}
