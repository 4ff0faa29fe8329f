package plan

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/example/go-engine-bridge/internal/errdefs"
	"github.com/example/go-engine-bridge/internal/tensor"
)

type execContext struct {
	engine *engine
	bound  map[string][]int64
	held   int64
	closed atomic.Bool
}

func (c *execContext) SetInputShape(name string, shape []int64) error {
	in, ok := c.engine.input(name)
	if !ok {
		return c.bindErr(name, shape, Input{}, "engine has no such input")
	}
	if len(shape) != len(in.Min) {
		return c.bindErr(name, shape, in, fmt.Sprintf("rank %d, profile rank %d", len(shape), len(in.Min)))
	}
	for axis, d := range shape {
		if d < in.Min[axis] || (in.Max[axis] >= 0 && d > in.Max[axis]) {
			return c.bindErr(name, shape, in, fmt.Sprintf("axis %d is outside the optimization profile", axis))
		}
	}
	c.bound[name] = slices.Clone(shape)
	return nil
}

func (c *execContext) bindErr(name string, shape []int64, in Input, reason string) error {
	return &errdefs.ShapeBindingError{
		Engine: c.engine.name,
		Input:  name,
		Shape:  slices.Clone(shape),
		Min:    in.Min,
		Max:    in.Max,
		Reason: reason,
	}
}

func (c *execContext) OutputShape(name string) ([]int64, error) {
	shapes, err := c.inferShapes()
	if err != nil {
		return nil, err
	}
	shape, ok := shapes[name]
	if !ok || !slices.Contains(c.engine.net.Outputs, name) {
		return nil, errors.Errorf("engine %q has no output %q", c.engine.name, name)
	}
	return slices.Clone(shape), nil
}

// inferShapes propagates bound input shapes through every layer.
func (c *execContext) inferShapes() (map[string][]int64, error) {
	net := c.engine.net
	shapes := make(map[string][]int64, len(net.Inputs)+len(net.Layers))
	for _, in := range net.Inputs {
		shape, ok := c.bound[in.Name]
		if !ok {
			return nil, c.bindErr(in.Name, nil, in, "input shape not bound")
		}
		shapes[in.Name] = shape
	}
	for _, l := range net.Layers {
		src := shapes[l.Inputs[0]]
		switch l.Op {
		case OpAdd, OpMul:
			other := shapes[l.Inputs[1]]
			if !tensor.ShapeEqual(src, other) {
				return nil, &errdefs.ShapeBindingError{
					Engine: c.engine.name,
					Input:  l.Inputs[1],
					Shape:  slices.Clone(other),
					Reason: fmt.Sprintf("%s needs %q and %q to have equal shapes, got %v and %v", l.Op, l.Inputs[0], l.Inputs[1], src, other),
				}
			}
			shapes[l.Output] = src
		case OpReduceSum:
			shapes[l.Output] = slices.Delete(slices.Clone(src), l.Axis, l.Axis+1)
		case OpTranspose:
			out := slices.Clone(src)
			n := len(out)
			out[n-2], out[n-1] = out[n-1], out[n-2]
			shapes[l.Output] = out
		default:
			shapes[l.Output] = src
		}
	}
	return shapes, nil
}

func (c *execContext) Execute(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if c.closed.Load() {
		return nil, errors.New("execution context is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	net := c.engine.net
	values := make(map[string][]float32, len(net.Inputs)+len(net.Layers))
	for _, in := range net.Inputs {
		t, ok := inputs[in.Name]
		if !ok || t == nil {
			return nil, errors.Errorf("engine %q: missing input %q", c.engine.name, in.Name)
		}
		if t.DType() != tensor.Float32 {
			return nil, errors.Errorf("engine %q: input %q must be float32, got %s", c.engine.name, in.Name, t.DType())
		}
		if bound, ok := c.bound[in.Name]; !ok || !tensor.ShapeEqual(bound, t.Shape()) {
			if err := c.SetInputShape(in.Name, t.Shape()); err != nil {
				return nil, err
			}
		}
		values[in.Name] = t.Float32s()
	}
	shapes, err := c.inferShapes()
	if err != nil {
		return nil, err
	}

	for _, l := range net.Layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src := values[l.Inputs[0]]
		var out []float32
		switch l.Op {
		case OpIdentity:
			out = slices.Clone(src)
		case OpRelu:
			out = unary(src, func(x float32) float32 { return max(x, 0) })
		case OpScale:
			s := l.Scalar
			out = unary(src, func(x float32) float32 { return x * s })
		case OpAdd:
			out = binaryOp(src, values[l.Inputs[1]], func(x, y float32) float32 { return x + y })
		case OpMul:
			out = binaryOp(src, values[l.Inputs[1]], func(x, y float32) float32 { return x * y })
		case OpReduceSum:
			out = reduceSum(src, shapes[l.Inputs[0]], l.Axis)
		case OpTranspose:
			out = transposeLast(src, shapes[l.Inputs[0]])
		}
		values[l.Output] = out
		n := int64(len(out) * 4)
		c.held += n
		c.engine.tracker.Grow(n)
	}

	outputs := make(map[string]*tensor.Tensor, len(net.Outputs))
	for _, name := range net.Outputs {
		t, err := tensor.New(values[name], shapes[name])
		if err != nil {
			return nil, errors.Wrapf(err, "engine %q output %q", c.engine.name, name)
		}
		outputs[name] = t
	}
	return outputs, nil
}

func (c *execContext) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.engine.tracker.ReleaseContext(c.held)
	}
	return nil
}
