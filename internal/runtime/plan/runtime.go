package plan

import (
	"bytes"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/example/go-engine-bridge/internal/errdefs"
	"github.com/example/go-engine-bridge/internal/handle"
	"github.com/example/go-engine-bridge/internal/runtime"
	"github.com/example/go-engine-bridge/internal/tensor"
)

// Name is the backend name plans register under.
const Name = "plan"

func init() {
	runtime.Register(Name, func(cfg runtime.Config) (runtime.Runtime, error) {
		return New(cfg), nil
	})
}

// Runtime loads plans built on a matching platform and device.
type Runtime struct {
	platform  string
	signature string
	tracker   *runtime.Tracker
}

var (
	_ runtime.Runtime = (*Runtime)(nil)
	_ runtime.Tracked = (*Runtime)(nil)
)

func New(cfg runtime.Config) *Runtime {
	cfg = cfg.WithDefaults()
	return &Runtime{
		platform:  cfg.Platform,
		signature: cfg.DeviceSignature,
		tracker:   cfg.Tracker,
	}
}

func (r *Runtime) Name() string { return Name }

func (r *Runtime) Tracker() *runtime.Tracker { return r.tracker }

func (r *Runtime) Accepts(payload []byte) bool {
	return bytes.HasPrefix(payload, magic)
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
	p, err := decode(payload)
	if err != nil {
		return nil, fail(err)
	}
	if p.platform != r.platform {
		return nil, fail(errors.Errorf("plan targets platform %s, host is %s", p.platform, r.platform))
	}
	if p.hardwareCompatible != opts.HardwareCompatible {
		return nil, fail(errors.Errorf("plan was built with hardware_compatible=%t", p.hardwareCompatible))
	}
	if opts.Device.Device.Type != tensor.DeviceCPU && opts.Device.Device.Type != "" {
		return nil, fail(errors.Errorf("plan runtime only drives cpu devices, handle wants %s", opts.Device.Device))
	}
	if err := r.checkSignature(p); err != nil {
		return nil, fail(err)
	}

	size := int64(len(payload))
	r.tracker.AcquireEngine(size)
	return &engine{
		name:    opts.Name,
		net:     p.network,
		tracker: r.tracker,
		size:    size,
	}, nil
}

// checkSignature applies the compatibility rule: hardware-compatible plans
// need the same device family, others the exact model.
func (r *Runtime) checkSignature(p compiled) error {
	built := handle.DeviceInfo{Signature: p.signature}
	host := handle.DeviceInfo{Signature: r.signature}
	if p.hardwareCompatible {
		if built.Family() != host.Family() {
			return errors.Errorf("plan built for device family %q, host is %q", built.Family(), host.Family())
		}
		return nil
	}
	if p.signature != r.signature {
		return errors.Errorf("plan built for device %q, host is %q (rebuild with hardware compatibility to relax)", p.signature, r.signature)
	}
	return nil
}

type engine struct {
	name    string
	net     Network
	tracker *runtime.Tracker
	size    int64
	closed  atomic.Bool
}

func (e *engine) InputNames() []string { return e.net.InputNames() }

func (e *engine) OutputNames() []string { return append([]string(nil), e.net.Outputs...) }

func (e *engine) CreateExecutionContext() (runtime.ExecutionContext, error) {
	if e.closed.Load() {
		return nil, errors.Errorf("engine %q is closed", e.name)
	}
	e.tracker.AcquireContext(0)
	return &execContext{
		engine: e,
		bound:  make(map[string][]int64, len(e.net.Inputs)),
	}, nil
}

func (e *engine) Close() error {
	if e.closed.CompareAndSwap(false, true) {
		e.tracker.ReleaseEngine(e.size)
	}
	return nil
}

func (e *engine) input(name string) (Input, bool) {
	for _, in := range e.net.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return Input{}, false
}
