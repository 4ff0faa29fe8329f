package nativeops

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/go-engine-bridge/internal/registry"
	"github.com/example/go-engine-bridge/internal/tensor"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, Register(reg))
	return reg
}

func TestConcreteOps(t *testing.T) {
	reg := newRegistry(t)
	a, err := tensor.New([]float32{-1, 2, -3, 4}, []int64{2, 2})
	require.NoError(t, err)
	b, err := tensor.New([]float32{1, 1, 1, 1}, []int64{2, 2})
	require.NoError(t, err)
	ctx := context.Background()

	out, err := reg.Invoke(ctx, registry.Concrete, Relu, []tensor.Value{a}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 2, 0, 4}, out[0].(*tensor.Tensor).Float32s())

	out, err = reg.Invoke(ctx, registry.Concrete, Add, []tensor.Value{a, b}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 3, -2, 5}, out[0].(*tensor.Tensor).Float32s())

	out, err = reg.Invoke(ctx, registry.Concrete, Identity, []tensor.Value{a}, nil)
	require.NoError(t, err)
	assert.Same(t, a, out[0])

	c, err := tensor.New([]float32{1, 2}, []int64{2})
	require.NoError(t, err)
	_, err = reg.Invoke(ctx, registry.Concrete, Add, []tensor.Value{a, c}, nil)
	assert.Error(t, err)
}

func TestSymbolicOps(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	a := tensor.NewDescriptor(tensor.Float32, []int64{tensor.Dynamic, 3}, tensor.CPU)
	b := tensor.NewDescriptor(tensor.Float32, []int64{5, 3}, tensor.CPU)

	out, err := reg.Invoke(ctx, registry.Symbolic, Add, []tensor.Value{a, b}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 3}, out[0].Descriptor().Shape)

	out, err = reg.Invoke(ctx, registry.Symbolic, Relu, []tensor.Value{a}, nil)
	require.NoError(t, err)
	assert.True(t, a.Equal(out[0].Descriptor()))

	bad := tensor.NewDescriptor(tensor.Float32, []int64{5, 4}, tensor.CPU)
	_, err = reg.Invoke(ctx, registry.Symbolic, Add, []tensor.Value{b, bad}, nil)
	assert.ErrorContains(t, err, "axis 1")

	_, err = reg.Invoke(ctx, registry.Symbolic, Identity, []tensor.Value{a, b}, nil)
	assert.ErrorContains(t, err, "takes 1 inputs")
}
