// Package registry holds the operators and object classes a host program
// can reference. Invocation always names its Mode explicitly: there is no
// process-wide tracing switch.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/example/go-engine-bridge/internal/tensor"
)

// Mode selects which implementation of an operator runs.
type Mode int

const (
	// Symbolic propagates descriptors only.
	Symbolic Mode = iota
	// Concrete runs on real tensors.
	Concrete
)

func (m Mode) String() string {
	switch m {
	case Symbolic:
		return "symbolic"
	case Concrete:
		return "concrete"
	default:
		return "unknown"
	}
}

// ParseMode accepts "symbolic"/"trace" and "concrete"/"run".
func ParseMode(raw string) (Mode, error) {
	switch raw {
	case "symbolic", "trace":
		return Symbolic, nil
	case "concrete", "run":
		return Concrete, nil
	default:
		return 0, errors.Errorf("unknown mode %q", raw)
	}
}

var (
	ErrUnknownOperator = errors.New("unknown operator")
	ErrUnknownClass    = errors.New("unknown class")
	ErrDuplicate       = errors.New("already registered")
)

// Kernel is one mode's implementation of an operator. Symbolic kernels
// receive tensor.Descriptor values, concrete kernels *tensor.Tensor.
type Kernel func(ctx context.Context, inputs []tensor.Value, objects []Object) ([]tensor.Value, error)

type Operator struct {
	Name     string
	Symbolic Kernel
	Concrete Kernel
}

// Field is one named entry of an object's flattened form.
type Field struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Class converts live objects to and from their flattened form for export.
type Class struct {
	Name      string
	Flatten   func(v any) ([]Field, error)
	Unflatten func(fields []Field) (any, error)
}

// Object is a live instance of a registered class passed to operators.
type Object struct {
	ClassName string
	Value     any
}

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	operators map[string]Operator
	classes   map[string]Class
}

func New() *Registry {
	return &Registry{
		operators: map[string]Operator{},
		classes:   map[string]Class{},
	}
}

func (r *Registry) RegisterOperator(op Operator) error {
	if op.Name == "" {
		return errors.New("operator name is empty")
	}
	if op.Symbolic == nil || op.Concrete == nil {
		return errors.Errorf("operator %q needs both symbolic and concrete kernels", op.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.operators[op.Name]; ok {
		return errors.Wrapf(ErrDuplicate, "operator %q", op.Name)
	}
	r.operators[op.Name] = op
	return nil
}

func (r *Registry) RegisterClass(c Class) error {
	if c.Name == "" {
		return errors.New("class name is empty")
	}
	if c.Flatten == nil || c.Unflatten == nil {
		return errors.Errorf("class %q needs flatten and unflatten hooks", c.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.classes[c.Name]; ok {
		return errors.Wrapf(ErrDuplicate, "class %q", c.Name)
	}
	r.classes[c.Name] = c
	return nil
}

func (r *Registry) Operator(name string) (Operator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.operators[name]
	return op, ok
}

func (r *Registry) Class(name string) (Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[name]
	return c, ok
}

// Operators lists operator names in sorted order.
func (r *Registry) Operators() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.operators)
}

// Classes lists class names in sorted order.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.classes)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Invoke dispatches op in mode. Symbolic calls see only descriptors;
// concrete calls require every input to be a *tensor.Tensor.
func (r *Registry) Invoke(ctx context.Context, mode Mode, name string, inputs []tensor.Value, objects []Object) ([]tensor.Value, error) {
	op, ok := r.Operator(name)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownOperator, "%q", name)
	}
	switch mode {
	case Symbolic:
		descs := make([]tensor.Value, len(inputs))
		for i, in := range inputs {
			if in == nil {
				return nil, errors.Errorf("%s: input %d is nil", name, i)
			}
			descs[i] = in.Descriptor()
		}
		return op.Symbolic(ctx, descs, objects)
	case Concrete:
		for i, in := range inputs {
			if _, ok := in.(*tensor.Tensor); !ok {
				return nil, errors.Errorf("%s: concrete input %d is %T, want *tensor.Tensor", name, i, in)
			}
		}
		return op.Concrete(ctx, inputs, objects)
	default:
		return nil, errors.Errorf("%s: invalid mode %d", name, mode)
	}
}

// FlattenObject exports obj through its class hook.
func (r *Registry) FlattenObject(obj Object) ([]Field, error) {
	c, ok := r.Class(obj.ClassName)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownClass, "%q", obj.ClassName)
	}
	fields, err := c.Flatten(obj.Value)
	if err != nil {
		return nil, errors.Wrapf(err, "flatten %s", obj.ClassName)
	}
	return fields, nil
}

// UnflattenObject rebuilds a live object of the named class.
func (r *Registry) UnflattenObject(className string, fields []Field) (Object, error) {
	c, ok := r.Class(className)
	if !ok {
		return Object{}, errors.Wrapf(ErrUnknownClass, "%q", className)
	}
	v, err := c.Unflatten(fields)
	if err != nil {
		return Object{}, errors.Wrapf(err, "unflatten %s", className)
	}
	return Object{ClassName: className, Value: v}, nil
}

// Tensors asserts that concrete kernel inputs are tensors.
func Tensors(values []tensor.Value) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(values))
	for i, v := range values {
		out[i] = v.(*tensor.Tensor)
	}
	return out
}

// DescriptorsOf projects symbolic kernel inputs.
func DescriptorsOf(values []tensor.Value) []tensor.Descriptor {
	return tensor.Descriptors(values)
}

// Values widens a typed slice to []tensor.Value.
func Values[T tensor.Value](in []T) []tensor.Value {
	out := make([]tensor.Value, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
