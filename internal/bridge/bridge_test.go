package bridge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/go-engine-bridge/internal/errdefs"
	"github.com/example/go-engine-bridge/internal/handle"
	"github.com/example/go-engine-bridge/internal/registry"
	"github.com/example/go-engine-bridge/internal/runtime"
	"github.com/example/go-engine-bridge/internal/runtime/ort"
	"github.com/example/go-engine-bridge/internal/runtime/plan"
	"github.com/example/go-engine-bridge/internal/tensor"
)

func identityHandle(t *testing.T, hw bool) *handle.Handle {
	t.Helper()
	h, err := plan.BuildHandle("identity", plan.Network{
		Inputs:  []plan.Input{{Name: "x", Min: []int64{1, 1}, Max: []int64{8, 8}}},
		Layers:  []plan.Layer{{Op: plan.OpIdentity, Inputs: []string{"x"}, Output: "y"}},
		Outputs: []string{"y"},
	}, plan.BuildConfig{HardwareCompatible: hw})
	require.NoError(t, err)
	return h
}

func newRegistry(t *testing.T) (*registry.Registry, *Bridge) {
	t.Helper()
	reg, b, err := NewRegistry(Options{Backend: plan.Name})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return reg, b
}

func TestEngineOperatorBothModes(t *testing.T) {
	reg, b := newRegistry(t)
	h := identityHandle(t, true)
	x, err := tensor.Full(1, []int64{2, 3})
	require.NoError(t, err)
	objs := []registry.Object{NewObject(h)}

	traced, err := reg.Invoke(context.Background(), registry.Symbolic, OperatorName, []tensor.Value{x.Descriptor()}, objs)
	require.NoError(t, err)
	assert.True(t, b.Tracker.Stats().Idle(), "tracing must not allocate")

	ran, err := reg.Invoke(context.Background(), registry.Concrete, OperatorName, []tensor.Value{x}, objs)
	require.NoError(t, err)
	require.Len(t, ran, 1)
	assert.True(t, tensor.Equal(x, ran[0].(*tensor.Tensor)))
	assert.True(t, traced[0].Descriptor().Equal(ran[0].Descriptor()))
	assert.True(t, b.Tracker.Stats().Idle(), "%+v", b.Tracker.Stats())
}

func TestEngineObjectExportRoundTrip(t *testing.T) {
	reg, _ := newRegistry(t)
	for _, hw := range []bool{true, false} {
		h := identityHandle(t, hw)
		fields, err := reg.FlattenObject(NewObject(h))
		require.NoError(t, err)

		raw, err := json.Marshal(fields)
		require.NoError(t, err)
		var decoded []registry.Field
		require.NoError(t, json.Unmarshal(raw, &decoded))

		obj, err := reg.UnflattenObject(ClassName, decoded)
		require.NoError(t, err)
		reloaded := obj.Value.(*handle.Handle)
		assert.True(t, h.Equal(reloaded))

		x, err := tensor.Full(1, []int64{2, 3})
		require.NoError(t, err)
		out, err := reg.Invoke(context.Background(), registry.Concrete, OperatorName, []tensor.Value{x}, []registry.Object{obj})
		require.NoError(t, err)
		assert.True(t, tensor.Equal(x, out[0].(*tensor.Tensor)))
	}
}

func TestCorruptedFlagIsMalformed(t *testing.T) {
	reg, _ := newRegistry(t)
	fields, err := reg.FlattenObject(NewObject(identityHandle(t, false)))
	require.NoError(t, err)
	fields[handle.HardwareCompatibleIdx].Value = "2"
	_, err = reg.UnflattenObject(ClassName, fields)
	require.Error(t, err)
	assert.True(t, errdefs.IsMalformedHandle(err))
}

func TestEngineOperatorRejectsBadObjects(t *testing.T) {
	reg, _ := newRegistry(t)
	x, err := tensor.Full(1, []int64{1, 1})
	require.NoError(t, err)
	for name, objs := range map[string][]registry.Object{
		"none":       nil,
		"two":        {NewObject(identityHandle(t, true)), NewObject(identityHandle(t, true))},
		"wrong type": {{ClassName: ClassName, Value: "nope"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Invoke(context.Background(), registry.Concrete, OperatorName, []tensor.Value{x}, objs)
			assert.True(t, errdefs.IsMalformedHandle(err), "%v", err)
		})
	}
}

func TestDefaultIsShared(t *testing.T) {
	r1, b1, err := Default(Options{Backend: plan.Name})
	require.NoError(t, err)
	r2, b2, err := Default(Options{Backend: "ignored"})
	require.NoError(t, err)
	assert.Same(t, r1, r2)
	assert.Same(t, b1, b2)
	assert.Contains(t, r1.Operators(), OperatorName)
	assert.Contains(t, r1.Classes(), ClassName)
}

func TestOpenRuntimesAuto(t *testing.T) {
	rts, err := OpenRuntimes(BackendAuto, runtime.Config{})
	require.NoError(t, err)
	names := make([]string, len(rts))
	for i, rt := range rts {
		names[i] = rt.Name()
	}
	assert.Contains(t, names, plan.Name)
	assert.Contains(t, names, ort.Name)

	_, err = OpenRuntimes("tpu", runtime.Config{})
	assert.Error(t, err)
}
