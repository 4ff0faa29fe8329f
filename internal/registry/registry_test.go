package registry

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/go-engine-bridge/internal/tensor"
)

func echo(mode *Mode, m Mode) Kernel {
	return func(_ context.Context, inputs []tensor.Value, _ []Object) ([]tensor.Value, error) {
		*mode = m
		return inputs, nil
	}
}

func TestInvokeDispatchesOnMode(t *testing.T) {
	r := New()
	var ran Mode = -1
	require.NoError(t, r.RegisterOperator(Operator{Name: "test::echo", Symbolic: echo(&ran, Symbolic), Concrete: echo(&ran, Concrete)}))

	x, err := tensor.Full(1, []int64{2})
	require.NoError(t, err)

	out, err := r.Invoke(context.Background(), Symbolic, "test::echo", []tensor.Value{x}, nil)
	require.NoError(t, err)
	assert.Equal(t, Symbolic, ran)
	_, isDesc := out[0].(tensor.Descriptor)
	assert.True(t, isDesc, "symbolic kernels only see descriptors")

	out, err = r.Invoke(context.Background(), Concrete, "test::echo", []tensor.Value{x}, nil)
	require.NoError(t, err)
	assert.Equal(t, Concrete, ran)
	assert.Same(t, x, out[0])

	_, err = r.Invoke(context.Background(), Concrete, "test::echo", []tensor.Value{x.Descriptor()}, nil)
	assert.ErrorContains(t, err, "want *tensor.Tensor")

	_, err = r.Invoke(context.Background(), Concrete, "test::missing", nil, nil)
	assert.True(t, errors.Is(err, ErrUnknownOperator))
}

func TestRegisterRejectsDuplicatesAndIncomplete(t *testing.T) {
	r := New()
	var m Mode
	op := Operator{Name: "test::op", Symbolic: echo(&m, Symbolic), Concrete: echo(&m, Concrete)}
	require.NoError(t, r.RegisterOperator(op))
	assert.True(t, errors.Is(r.RegisterOperator(op), ErrDuplicate))
	assert.Error(t, r.RegisterOperator(Operator{Name: "test::half", Symbolic: op.Symbolic}))
	assert.Error(t, r.RegisterOperator(Operator{Symbolic: op.Symbolic, Concrete: op.Concrete}))

	c := Class{
		Name:      "test::Box",
		Flatten:   func(v any) ([]Field, error) { return []Field{{Name: "v", Value: v}}, nil },
		Unflatten: func(f []Field) (any, error) { return f[0].Value, nil },
	}
	require.NoError(t, r.RegisterClass(c))
	assert.True(t, errors.Is(r.RegisterClass(c), ErrDuplicate))
	assert.Error(t, r.RegisterClass(Class{Name: "test::NoHooks"}))

	assert.Equal(t, []string{"test::op"}, r.Operators())
	assert.Equal(t, []string{"test::Box"}, r.Classes())
}

func TestObjectRoundTrip(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterClass(Class{
		Name:    "test::Box",
		Flatten: func(v any) ([]Field, error) { return []Field{{Name: "v", Value: v}}, nil },
		Unflatten: func(f []Field) (any, error) {
			if len(f) != 1 {
				return nil, errors.New("want one field")
			}
			return f[0].Value, nil
		},
	}))

	fields, err := r.FlattenObject(Object{ClassName: "test::Box", Value: "payload"})
	require.NoError(t, err)
	obj, err := r.UnflattenObject("test::Box", fields)
	require.NoError(t, err)
	assert.Equal(t, Object{ClassName: "test::Box", Value: "payload"}, obj)

	_, err = r.UnflattenObject("test::Box", nil)
	assert.ErrorContains(t, err, "want one field")
	_, err = r.FlattenObject(Object{ClassName: "test::Nope"})
	assert.True(t, errors.Is(err, ErrUnknownClass))
}

func TestParseMode(t *testing.T) {
	for raw, want := range map[string]Mode{"trace": Symbolic, "symbolic": Symbolic, "run": Concrete, "concrete": Concrete} {
		got, err := ParseMode(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.NotEqual(t, "unknown", got.String())
	}
	_, err := ParseMode("eager")
	assert.Error(t, err)
}
