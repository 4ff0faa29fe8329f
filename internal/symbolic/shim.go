// Package symbolic computes an engine's output descriptors from its
// recorded IO metadata, so shape tracing never loads or runs the engine.
package symbolic

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/example/go-engine-bridge/internal/errdefs"
	"github.com/example/go-engine-bridge/internal/handle"
	"github.com/example/go-engine-bridge/internal/tensor"
)

// ErrNoOutputMetadata is returned when the handle carries no output specs
// and probing is disabled or impossible.
var ErrNoOutputMetadata = errors.New("engine handle has no output metadata")

// DefaultProbeCacheSize bounds the probe result cache.
const DefaultProbeCacheSize = 256

// Prober runs an engine concretely. The execute.Adapter satisfies it.
type Prober interface {
	Execute(ctx context.Context, inputs []*tensor.Tensor, h *handle.Handle) ([]*tensor.Tensor, error)
}

type Options struct {
	// AllowProbe lets handles without output metadata be traced by running
	// the engine once on zero tensors of the (fully static) input shapes.
	AllowProbe     bool
	ProbeCacheSize int
	Prober         Prober
}

// Shim is safe for concurrent use.
type Shim struct {
	allowProbe bool
	prober     Prober
	limit      int

	group singleflight.Group
	mu    sync.Mutex
	cache map[string][]tensor.Descriptor
	order []string
}

func New(opts Options) *Shim {
	limit := opts.ProbeCacheSize
	if limit <= 0 {
		limit = DefaultProbeCacheSize
	}
	return &Shim{
		allowProbe: opts.AllowProbe,
		prober:     opts.Prober,
		limit:      limit,
		cache:      map[string][]tensor.Descriptor{},
	}
}

// Execute returns one descriptor per handle output, in handle order.
func (s *Shim) Execute(ctx context.Context, inputs []tensor.Descriptor, h *handle.Handle) ([]tensor.Descriptor, error) {
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
		if !in.Device.Equal(want) {
			return nil, &errdefs.DeviceMismatchError{Engine: h.Name(), Input: names[i], Got: in.Device, Want: want}
		}
	}
	md := h.Metadata()
	if err := checkInputs(h.Name(), names, inputs, md); err != nil {
		return nil, err
	}
	if len(md.Outputs) > 0 {
		return resolveOutputs(h, names, inputs, md)
	}
	return s.probe(ctx, inputs, h)
}

func checkInputs(engine string, names []string, inputs []tensor.Descriptor, md handle.Metadata) error {
	if len(md.Inputs) == 0 {
		return nil
	}
	for i, in := range inputs {
		spec := md.Inputs[i]
		fail := func(reason string) error {
			return &errdefs.ShapeBindingError{
				Engine: engine,
				Input:  names[i],
				Shape:  slices.Clone(in.Shape),
				Min:    spec.Min,
				Max:    spec.Max,
				Reason: reason,
			}
		}
		if in.DType != spec.DType {
			return fail(fmt.Sprintf("dtype %s, engine expects %s", in.DType, spec.DType))
		}
		if len(in.Shape) != len(spec.Min) {
			return fail(fmt.Sprintf("rank %d, profile rank %d", len(in.Shape), len(spec.Min)))
		}
		for axis, d := range in.Shape {
			if d < 0 {
				continue
			}
			if d < spec.Min[axis] || (spec.Max[axis] >= 0 && d > spec.Max[axis]) {
				return fail(fmt.Sprintf("axis %d is outside the optimization profile", axis))
			}
		}
	}
	return nil
}

func resolveOutputs(h *handle.Handle, names []string, inputs []tensor.Descriptor, md handle.Metadata) ([]tensor.Descriptor, error) {
	device := h.Device().Device
	out := make([]tensor.Descriptor, len(md.Outputs))
	for i, spec := range md.Outputs {
		shape := make([]int64, len(spec.Shape))
		for axis, dim := range spec.Shape {
			if dim.IsStatic() {
				shape[axis] = dim.Static
				continue
			}
			if dim.Axis < 0 {
				return nil, errdefs.Malformed(handle.FieldNames[handle.MetadataIdx],
					"output %q axis %d copies negative axis %d of %q", spec.Name, axis, dim.Axis, dim.Input)
			}
			src := slices.Index(names, dim.Input)
			if src < 0 || dim.Axis >= len(inputs[src].Shape) {
				return nil, &errdefs.ShapeBindingError{
					Engine: h.Name(),
					Input:  dim.Input,
					Reason: fmt.Sprintf("output %q axis %d copies axis %d, input has rank %d", spec.Name, axis, dim.Axis, len(inputs[max(src, 0)].Shape)),
				}
			}
			shape[axis] = inputs[src].Shape[dim.Axis]
		}
		out[i] = tensor.NewDescriptor(spec.DType, shape, device)
	}
	return out, nil
}

func (s *Shim) probe(ctx context.Context, inputs []tensor.Descriptor, h *handle.Handle) ([]tensor.Descriptor, error) {
	if !s.allowProbe || s.prober == nil {
		return nil, errors.Wrapf(ErrNoOutputMetadata, "trace engine %q", h.Name())
	}
	for i, in := range inputs {
		if !tensor.IsStatic(in.Shape) {
			return nil, errors.Wrapf(ErrNoOutputMetadata, "trace engine %q: input %d has dynamic shape %s and cannot be probed",
				h.Name(), i, tensor.ShapeString(in.Shape))
		}
	}

	key := probeKey(h, inputs)
	if cached, ok := s.lookup(key); ok {
		return cached, nil
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		zeros := make([]*tensor.Tensor, len(inputs))
		for i, in := range inputs {
			z, err := tensor.Zeros(in.DType, in.Shape, in.Device)
			if err != nil {
				return nil, errors.Wrapf(err, "probe engine %q input %d", h.Name(), i)
			}
			zeros[i] = z
		}
		outs, err := s.prober.Execute(ctx, zeros, h)
		if err != nil {
			return nil, err
		}
		descs := make([]tensor.Descriptor, len(outs))
		for i, o := range outs {
			descs[i] = o.Descriptor()
		}
		s.store(key, descs)
		return descs, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneDescriptors(v.([]tensor.Descriptor)), nil
}

func probeKey(h *handle.Handle, inputs []tensor.Descriptor) string {
	var b strings.Builder
	b.WriteString(h.Digest())
	b.WriteString("|")
	b.WriteString(h.Device().String())
	for _, in := range inputs {
		b.WriteString("|")
		b.WriteString(in.String())
	}
	return b.String()
}

func (s *Shim) lookup(key string) ([]tensor.Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.cache[key]
	if !ok {
		return nil, false
	}
	return cloneDescriptors(d), true
}

// store evicts oldest-first once the cache is full.
func (s *Shim) store(key string, descs []tensor.Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[key]; ok {
		return
	}
	for len(s.order) >= s.limit {
		delete(s.cache, s.order[0])
		s.order = s.order[1:]
	}
	s.cache[key] = descs
	s.order = append(s.order, key)
}

// CachedProbes reports the number of cached probe results.
func (s *Shim) CachedProbes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

func cloneDescriptors(in []tensor.Descriptor) []tensor.Descriptor {
	out := make([]tensor.Descriptor, len(in))
	for i, d := range in {
		out[i] = tensor.NewDescriptor(d.DType, d.Shape, d.Device)
	}
	return out
}
