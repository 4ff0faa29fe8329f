// Package nativeops provides the host operators programs mix with engine
// calls. Each has a symbolic and a concrete kernel like any other operator.
package nativeops

import (
	"context"

	"github.com/pkg/errors"

	"github.com/example/go-engine-bridge/internal/registry"
	"github.com/example/go-engine-bridge/internal/tensor"
)

const (
	Identity = "aten::identity"
	Add      = "aten::add"
	Relu     = "aten::relu"
)

// Register adds the host operators to reg.
func Register(reg *registry.Registry) error {
	for _, op := range []registry.Operator{
		{Name: Identity, Symbolic: unarySymbolic(Identity), Concrete: identity},
		{Name: Add, Symbolic: addSymbolic, Concrete: add},
		{Name: Relu, Symbolic: unarySymbolic(Relu), Concrete: relu},
	} {
		if err := reg.RegisterOperator(op); err != nil {
			return err
		}
	}
	return nil
}

func arity(op string, inputs []tensor.Value, n int) error {
	if len(inputs) != n {
		return errors.Errorf("%s takes %d inputs, got %d", op, n, len(inputs))
	}
	return nil
}

func unarySymbolic(op string) registry.Kernel {
	return func(_ context.Context, inputs []tensor.Value, _ []registry.Object) ([]tensor.Value, error) {
		if err := arity(op, inputs, 1); err != nil {
			return nil, err
		}
		return []tensor.Value{inputs[0].Descriptor()}, nil
	}
}

func identity(_ context.Context, inputs []tensor.Value, _ []registry.Object) ([]tensor.Value, error) {
	if err := arity(Identity, inputs, 1); err != nil {
		return nil, err
	}
	return inputs[:1:1], nil
}

func relu(_ context.Context, inputs []tensor.Value, _ []registry.Object) ([]tensor.Value, error) {
	if err := arity(Relu, inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0].(*tensor.Tensor)
	vals := x.Float32s()
	for i, v := range vals {
		vals[i] = max(v, 0)
	}
	out, err := tensor.FromFloat32(x.DType(), vals, x.Shape(), x.Device())
	if err != nil {
		return nil, errors.Wrap(err, Relu)
	}
	return []tensor.Value{out}, nil
}

// addSymbolic requires equal ranks; a dynamic dim matches anything and the
// static side wins.
func addSymbolic(_ context.Context, inputs []tensor.Value, _ []registry.Object) ([]tensor.Value, error) {
	if err := arity(Add, inputs, 2); err != nil {
		return nil, err
	}
	a, b := inputs[0].Descriptor(), inputs[1].Descriptor()
	if err := sameKind(a, b); err != nil {
		return nil, err
	}
	shape := make([]int64, len(a.Shape))
	for i := range shape {
		da, db := a.Shape[i], b.Shape[i]
		switch {
		case da < 0:
			shape[i] = db
		case db < 0 || da == db:
			shape[i] = da
		default:
			return nil, errors.Errorf("%s: shapes %s and %s differ on axis %d", Add, tensor.ShapeString(a.Shape), tensor.ShapeString(b.Shape), i)
		}
	}
	return []tensor.Value{tensor.NewDescriptor(a.DType, shape, a.Device)}, nil
}

func add(_ context.Context, inputs []tensor.Value, _ []registry.Object) ([]tensor.Value, error) {
	if err := arity(Add, inputs, 2); err != nil {
		return nil, err
	}
	a, b := inputs[0].(*tensor.Tensor), inputs[1].(*tensor.Tensor)
	if err := sameKind(a.Descriptor(), b.Descriptor()); err != nil {
		return nil, err
	}
	if !tensor.ShapeEqual(a.Shape(), b.Shape()) {
		return nil, errors.Errorf("%s: shapes %s and %s differ", Add, tensor.ShapeString(a.Shape()), tensor.ShapeString(b.Shape()))
	}
	av, bv := a.Float32s(), b.Float32s()
	for i := range av {
		av[i] += bv[i]
	}
	out, err := tensor.FromFloat32(a.DType(), av, a.Shape(), a.Device())
	if err != nil {
		return nil, errors.Wrap(err, Add)
	}
	return []tensor.Value{out}, nil
}

func sameKind(a, b tensor.Descriptor) error {
	if a.DType != b.DType {
		return errors.Errorf("%s: dtypes %s and %s differ", Add, a.DType, b.DType)
	}
	if !a.Device.Equal(b.Device) {
		return errors.Errorf("%s: devices %s and %s differ", Add, a.Device, b.Device)
	}
	if a.Rank() != b.Rank() {
		return errors.Errorf("%s: ranks %d and %d differ", Add, a.Rank(), b.Rank())
	}
	return nil
}
