// Package execute runs an engine handle on concrete tensors. Every call
// reconstructs (or borrows from the cache) a runnable engine, binds shapes
// on a fresh execution context, and returns outputs in handle order.
package execute

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/example/go-engine-bridge/internal/errdefs"
	"github.com/example/go-engine-bridge/internal/handle"
	"github.com/example/go-engine-bridge/internal/runtime"
	"github.com/example/go-engine-bridge/internal/tensor"
)

type Options struct {
	// Runtimes are tried in order; the first whose Accepts matches the
	// payload deserializes it.
	Runtimes []runtime.Runtime
	// CacheEngines keeps deserialized engines alive across calls. Execution
	// contexts are never cached.
	CacheEngines bool
	Logger       *slog.Logger
}

// Adapter is safe for concurrent use.
type Adapter struct {
	runtimes []runtime.Runtime
	cache    bool
	logger   *slog.Logger

	mu      sync.Mutex
	engines map[string]runtime.Engine
	loads   singleflight.Group
	closed  bool
}

func New(opts Options) (*Adapter, error) {
	if len(opts.Runtimes) == 0 {
		return nil, errors.New("execute: no runtimes configured")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		runtimes: slices.Clone(opts.Runtimes),
		cache:    opts.CacheEngines,
		logger:   logger,
		engines:  map[string]runtime.Engine{},
	}, nil
}

// Execute runs h on inputs. Inputs must already live on the handle's
// device; the adapter never copies.
func (a *Adapter) Execute(ctx context.Context, inputs []*tensor.Tensor, h *handle.Handle) ([]*tensor.Tensor, error) {
	if h == nil {
		return nil, errdefs.Malformed("", "nil engine handle")
	}
	names := h.InputNames()
	if len(inputs) != len(names) {
		return nil, &errdefs.ShapeBindingError{
			Engine: h.Name(),
			Reason: fmt.Sprintf("got %d inputs, engine binds %d", len(inputs), len(names)),
		}
	}
	want := h.Device().Device
	for i, in := range inputs {
		if in == nil {
			return nil, &errdefs.ShapeBindingError{Engine: h.Name(), Input: names[i], Reason: "input is nil"}
		}
		if !in.Device().Equal(want) {
			return nil, &errdefs.DeviceMismatchError{Engine: h.Name(), Input: names[i], Got: in.Device(), Want: want}
		}
	}

	eng, release, err := a.acquire(h)
	if err != nil {
		return nil, err
	}
	defer release()

	if got := eng.InputNames(); !slices.Equal(got, names) {
		return nil, errdefs.Malformed(handle.FieldNames[handle.InputNamesIdx], "engine binds inputs %v, handle records %v", got, names)
	}
	outNames := h.OutputNames()
	if got := eng.OutputNames(); !slices.Equal(got, outNames) {
		return nil, errdefs.Malformed(handle.FieldNames[handle.OutputNamesIdx], "engine binds outputs %v, handle records %v", got, outNames)
	}

	ectx, err := eng.CreateExecutionContext()
	if err != nil {
		return nil, errors.Wrapf(err, "engine %q: create execution context", h.Name())
	}
	defer ectx.Close()

	feed := make(map[string]*tensor.Tensor, len(inputs))
	for i, in := range inputs {
		if err := ectx.SetInputShape(names[i], in.Shape()); err != nil {
			return nil, bindingError(h, names[i], in.Shape(), err)
		}
		feed[names[i]] = in
	}

	expected := make([][]int64, len(outNames))
	for i, name := range outNames {
		shape, err := ectx.OutputShape(name)
		if err != nil {
			return nil, bindingError(h, name, nil, err)
		}
		expected[i] = shape
	}

	results, err := ectx.Execute(ctx, feed)
	if err != nil {
		if errdefs.IsShapeBinding(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "execute engine %q", h.Name())
	}

	outputs := make([]*tensor.Tensor, len(outNames))
	for i, name := range outNames {
		out, ok := results[name]
		if !ok || out == nil {
			return nil, errors.Errorf("engine %q produced no output %q", h.Name(), name)
		}
		if expected[i] != nil && !tensor.ShapeEqual(expected[i], out.Shape()) {
			return nil, errors.Errorf("engine %q output %q has shape %v, binding promised %v",
				h.Name(), name, out.Shape(), expected[i])
		}
		// Runtimes may report host placement; outputs live on the handle device.
		if !out.Device().Equal(want) {
			out = out.To(want)
		}
		outputs[i] = out
	}
	return outputs, nil
}

func bindingError(h *handle.Handle, name string, shape []int64, err error) error {
	if errdefs.IsShapeBinding(err) {
		return err
	}
	return &errdefs.ShapeBindingError{Engine: h.Name(), Input: name, Shape: shape, Reason: err.Error()}
}

// acquire returns a runnable engine for h and the func that gives it back.
func (a *Adapter) acquire(h *handle.Handle) (runtime.Engine, func(), error) {
	if !a.cache {
		eng, err := a.deserialize(h)
		if err != nil {
			return nil, nil, err
		}
		return eng, func() { _ = eng.Close() }, nil
	}

	key := cacheKey(h)
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, nil, errors.New("execute: adapter is closed")
	}
	if eng, ok := a.engines[key]; ok {
		a.mu.Unlock()
		a.logger.Debug("engine cache hit", "engine", h.Name())
		return eng, func() {}, nil
	}
	a.mu.Unlock()

	v, err, _ := a.loads.Do(key, func() (any, error) {
		eng, err := a.deserialize(h)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.closed {
			_ = eng.Close()
			return nil, errors.New("execute: adapter is closed")
		}
		a.engines[key] = eng
		return eng, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return v.(runtime.Engine), func() {}, nil
}

func (a *Adapter) deserialize(h *handle.Handle) (runtime.Engine, error) {
	payload := h.Engine()
	rt, err := runtime.Select(a.runtimes, payload)
	if err != nil {
		return nil, &errdefs.EngineDeserializationError{
			Engine:             h.Name(),
			HardwareCompatible: h.HardwareCompatible(),
			TargetPlatform:     h.TargetPlatform(),
			Cause:              err,
		}
	}
	eng, err := rt.Deserialize(payload, runtime.OptionsFor(h))
	if err != nil {
		if errdefs.IsEngineDeserialization(err) {
			return nil, err
		}
		return nil, &errdefs.EngineDeserializationError{
			Engine:             h.Name(),
			HardwareCompatible: h.HardwareCompatible(),
			TargetPlatform:     h.TargetPlatform(),
			Cause:              err,
		}
	}
	a.logger.Debug("deserialized engine",
		"engine", h.Name(),
		"runtime", rt.Name(),
		"size", humanize.Bytes(uint64(len(payload))))
	return eng, nil
}

func cacheKey(h *handle.Handle) string {
	return fmt.Sprintf("%s|%s|%t|%s", h.Digest(), h.Device(), h.HardwareCompatible(), h.TargetPlatform())
}

// CachedEngines reports how many engines the cache holds.
func (a *Adapter) CachedEngines() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.engines)
}

// Close releases cached engines. In-flight calls must finish first.
func (a *Adapter) Close() error {
	a.mu.Lock()
	engines := a.engines
	a.engines = map[string]runtime.Engine{}
	a.closed = true
	a.mu.Unlock()

	var errs []error
	for _, eng := range engines {
		if err := eng.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("close cached engines: %v", errs)
	}
	return nil
}
