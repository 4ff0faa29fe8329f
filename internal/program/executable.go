package program

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/example/go-engine-bridge/internal/registry"
	"github.com/example/go-engine-bridge/internal/tensor"
)

// Executable is a program bound to a registry with its objects rebuilt.
// It is safe for concurrent Run calls.
type Executable struct {
	program *Program
	reg     *registry.Registry
	objects map[string]registry.Object
	logger  *slog.Logger
}

// Bind reconstructs p's objects through reg's class hooks and checks that
// every op is registered.
func Bind(reg *registry.Registry, p *Program) (*Executable, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	objects := make(map[string]registry.Object, len(p.Objects))
	for _, spec := range p.Objects {
		obj, err := reg.UnflattenObject(spec.Class, spec.Fields)
		if err != nil {
			return nil, errors.Wrapf(err, "program %q object %q", p.Name, spec.Name)
		}
		objects[spec.Name] = obj
	}
	for _, n := range p.Nodes {
		if _, ok := reg.Operator(n.Op); !ok {
			return nil, errors.Wrapf(registry.ErrUnknownOperator, "program %q node %q: %q", p.Name, n.Name, n.Op)
		}
	}
	return &Executable{
		program: p,
		reg:     reg,
		objects: objects,
		logger:  slog.Default(),
	}, nil
}

func (e *Executable) Program() *Program { return e.program }

// Objects returns the live objects by name.
func (e *Executable) Objects() map[string]registry.Object {
	out := make(map[string]registry.Object, len(e.objects))
	for k, v := range e.objects {
		out[k] = v
	}
	return out
}

// Run evaluates the program in mode and returns its outputs in declared
// order.
func (e *Executable) Run(ctx context.Context, mode registry.Mode, inputs map[string]tensor.Value) ([]tensor.Value, error) {
	p := e.program
	if len(inputs) != len(p.Inputs) {
		return nil, errors.Errorf("program %q takes %d inputs, got %d", p.Name, len(p.Inputs), len(inputs))
	}
	env := make(map[string]tensor.Value, len(p.Inputs)+len(p.Nodes))
	for _, spec := range p.Inputs {
		v, ok := inputs[spec.Name]
		if !ok || v == nil {
			return nil, errors.Errorf("program %q: missing input %q", p.Name, spec.Name)
		}
		if err := checkInput(spec, v.Descriptor()); err != nil {
			return nil, errors.Wrapf(err, "program %q input %q", p.Name, spec.Name)
		}
		env[spec.Name] = v
	}

	for _, n := range p.Nodes {
		args := make([]tensor.Value, len(n.Args))
		for i, a := range n.Args {
			args[i] = env[a]
		}
		objs := make([]registry.Object, len(n.Objects))
		for i, o := range n.Objects {
			objs[i] = e.objects[o]
		}
		start := time.Now()
		outs, err := e.reg.Invoke(ctx, mode, n.Op, args, objs)
		if err != nil {
			return nil, errors.Wrapf(err, "node %q (%s)", n.Name, n.Op)
		}
		if len(outs) != len(n.Outputs) {
			return nil, errors.Errorf("node %q (%s) returned %d values, program binds %d", n.Name, n.Op, len(outs), len(n.Outputs))
		}
		for i, name := range n.Outputs {
			env[name] = outs[i]
		}
		e.logger.Debug("node done", "program", p.Name, "node", n.Name, "op", n.Op, "mode", mode.String(), "elapsed", time.Since(start))
	}

	result := make([]tensor.Value, len(p.Outputs))
	for i, name := range p.Outputs {
		result[i] = env[name]
	}
	return result, nil
}

// Trace runs the program symbolically on its declared input descriptors.
func (e *Executable) Trace(ctx context.Context) ([]tensor.Descriptor, error) {
	inputs := make(map[string]tensor.Value, len(e.program.Inputs))
	for _, spec := range e.program.Inputs {
		inputs[spec.Name] = spec.Descriptor()
	}
	out, err := e.Run(ctx, registry.Symbolic, inputs)
	if err != nil {
		return nil, err
	}
	return tensor.Descriptors(out), nil
}

// checkInput requires matching dtype and rank; static declared dims must
// match exactly unless the value's dim is dynamic.
func checkInput(spec InputSpec, got tensor.Descriptor) error {
	if got.DType != spec.DType {
		return errors.Errorf("dtype %s, declared %s", got.DType, spec.DType)
	}
	if len(got.Shape) != len(spec.Shape) {
		return errors.Errorf("rank %d, declared %d", len(got.Shape), len(spec.Shape))
	}
	for i, d := range spec.Shape {
		if d >= 0 && got.Shape[i] >= 0 && got.Shape[i] != d {
			return errors.Errorf("shape %s, declared %s", tensor.ShapeString(got.Shape), tensor.ShapeString(spec.Shape))
		}
	}
	return nil
}
