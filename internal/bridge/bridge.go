// Package bridge registers compiled engines with the operator registry: the
// accel::execute_engine operator and the accel::Engine object class.
package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/example/go-engine-bridge/internal/errdefs"
	"github.com/example/go-engine-bridge/internal/execute"
	"github.com/example/go-engine-bridge/internal/handle"
	"github.com/example/go-engine-bridge/internal/nativeops"
	"github.com/example/go-engine-bridge/internal/registry"
	"github.com/example/go-engine-bridge/internal/runtime"
	_ "github.com/example/go-engine-bridge/internal/runtime/ort"
	_ "github.com/example/go-engine-bridge/internal/runtime/plan"
	"github.com/example/go-engine-bridge/internal/symbolic"
	"github.com/example/go-engine-bridge/internal/tensor"
)

const (
	OperatorName = "accel::execute_engine"
	ClassName    = "accel::Engine"
)

// BackendAuto opens every registered runtime and picks per payload.
const BackendAuto = "auto"

type Options struct {
	// Backend is a registered runtime name or BackendAuto.
	Backend        string
	Runtime        runtime.Config
	CacheEngines   bool
	AllowProbe     bool
	ProbeCacheSize int
	Logger         *slog.Logger
}

// Bridge is the symbolic and concrete halves of the engine operator.
type Bridge struct {
	Shim     *symbolic.Shim
	Adapter  *execute.Adapter
	Runtimes []runtime.Runtime
	Tracker  *runtime.Tracker
}

// New opens the configured runtimes and builds both halves.
func New(opts Options) (*Bridge, error) {
	cfg := opts.Runtime.WithDefaults()
	runtimes, err := OpenRuntimes(opts.Backend, cfg)
	if err != nil {
		return nil, err
	}
	adapter, err := execute.New(execute.Options{
		Runtimes:     runtimes,
		CacheEngines: opts.CacheEngines,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Bridge{
		Shim: symbolic.New(symbolic.Options{
			AllowProbe:     opts.AllowProbe,
			ProbeCacheSize: opts.ProbeCacheSize,
			Prober:         adapter,
		}),
		Adapter:  adapter,
		Runtimes: runtimes,
		Tracker:  cfg.Tracker,
	}, nil
}

// OpenRuntimes opens backend, or every registered backend for BackendAuto.
func OpenRuntimes(backend string, cfg runtime.Config) ([]runtime.Runtime, error) {
	names := []string{backend}
	if backend == "" || backend == BackendAuto {
		names = runtime.Names()
	}
	out := make([]runtime.Runtime, 0, len(names))
	for _, name := range names {
		rt, err := runtime.Open(name, cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, nil
}

// Close releases cached engines and closable runtimes.
func (b *Bridge) Close() error {
	err := b.Adapter.Close()
	for _, rt := range b.Runtimes {
		if c, ok := rt.(interface{ Close() error }); ok {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}
	return err
}

// Register adds the engine operator and class to reg.
func Register(reg *registry.Registry, b *Bridge) error {
	if err := reg.RegisterClass(registry.Class{
		Name:      ClassName,
		Flatten:   flatten,
		Unflatten: unflatten,
	}); err != nil {
		return err
	}
	return reg.RegisterOperator(registry.Operator{
		Name: OperatorName,
		Symbolic: func(ctx context.Context, inputs []tensor.Value, objects []registry.Object) ([]tensor.Value, error) {
			h, err := engineObject(objects)
			if err != nil {
				return nil, err
			}
			out, err := b.Shim.Execute(ctx, registry.DescriptorsOf(inputs), h)
			if err != nil {
				return nil, err
			}
			return registry.Values(out), nil
		},
		Concrete: func(ctx context.Context, inputs []tensor.Value, objects []registry.Object) ([]tensor.Value, error) {
			h, err := engineObject(objects)
			if err != nil {
				return nil, err
			}
			out, err := b.Adapter.Execute(ctx, registry.Tensors(inputs), h)
			if err != nil {
				return nil, err
			}
			return registry.Values(out), nil
		},
	})
}

// NewObject wraps h as an accel::Engine object.
func NewObject(h *handle.Handle) registry.Object {
	return registry.Object{ClassName: ClassName, Value: h}
}

func engineObject(objects []registry.Object) (*handle.Handle, error) {
	if len(objects) != 1 {
		return nil, errdefs.Malformed("", "%s takes exactly one %s object, got %d", OperatorName, ClassName, len(objects))
	}
	h, ok := objects[0].Value.(*handle.Handle)
	if objects[0].ClassName != ClassName || !ok || h == nil {
		return nil, errdefs.Malformed("", "%s object is %s (%T), want %s", OperatorName, objects[0].ClassName, objects[0].Value, ClassName)
	}
	return h, nil
}

func flatten(v any) ([]registry.Field, error) {
	h, ok := v.(*handle.Handle)
	if !ok || h == nil {
		return nil, errors.Errorf("%s flatten: got %T", ClassName, v)
	}
	fields := handle.Flatten(h)
	out := make([]registry.Field, len(fields))
	for i, f := range fields {
		out[i] = registry.Field{Name: f.Name, Value: f.Value}
	}
	return out, nil
}

func unflatten(fields []registry.Field) (any, error) {
	return HandleFromFields(fields)
}

// HandleFromFields rebuilds a handle from its exported object fields.
func HandleFromFields(fields []registry.Field) (*handle.Handle, error) {
	in := make([]handle.Field, len(fields))
	for i, f := range fields {
		in[i] = handle.Field{Name: f.Name, Value: f.Value}
	}
	return handle.Deserialize(in)
}

var (
	defaultOnce sync.Once
	defaultReg  *registry.Registry
	defaultB    *Bridge
	errDefault  error
)

// Default returns the process-wide registry with the host operators and the
// engine operator registered. opts only matter on the first call; the
// registry lives until the process exits.
func Default(opts Options) (*registry.Registry, *Bridge, error) {
	defaultOnce.Do(func() {
		defaultReg, defaultB, errDefault = NewRegistry(opts)
	})
	return defaultReg, defaultB, errDefault
}

// NewRegistry builds a standalone registry holding native ops and the
// engine operator.
func NewRegistry(opts Options) (*registry.Registry, *Bridge, error) {
	b, err := New(opts)
	if err != nil {
		return nil, nil, err
	}
	reg := registry.New()
	if err := nativeops.Register(reg); err != nil {
		return nil, nil, err
	}
	if err := Register(reg, b); err != nil {
		return nil, nil, err
	}
	return reg, b, nil
}
