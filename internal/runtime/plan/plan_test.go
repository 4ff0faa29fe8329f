package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/go-engine-bridge/internal/errdefs"
	"github.com/example/go-engine-bridge/internal/handle"
	"github.com/example/go-engine-bridge/internal/runtime"
	"github.com/example/go-engine-bridge/internal/tensor"
)

func identityNet() Network {
	return Network{
		Inputs: []Input{{Name: "x", Min: []int64{1, 1}, Max: []int64{8, 8}}},
		Layers: []Layer{{Op: OpIdentity, Inputs: []string{"x"}, Output: "y"}},
		Outputs: []string{"y"},
	}
}

func loadEngine(t *testing.T, rt *Runtime, h *handle.Handle) runtime.Engine {
	t.Helper()
	eng, err := rt.Deserialize(h.Engine(), runtime.OptionsFor(h))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func runOnce(t *testing.T, eng runtime.Engine, inputs map[string]*tensor.Tensor) map[string]*tensor.Tensor {
	t.Helper()
	ctx, err := eng.CreateExecutionContext()
	require.NoError(t, err)
	defer ctx.Close()
	for name, in := range inputs {
		require.NoError(t, ctx.SetInputShape(name, in.Shape()))
	}
	out, err := ctx.Execute(context.Background(), inputs)
	require.NoError(t, err)
	return out
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	net := Network{
		Inputs: []Input{
			{Name: "a", Min: []int64{1, 2}, Max: []int64{4, -1}},
			{Name: "b", Min: []int64{1, 2}, Max: []int64{4, -1}},
		},
		Layers: []Layer{
			{Op: OpAdd, Inputs: []string{"a", "b"}, Output: "s"},
			{Op: OpScale, Inputs: []string{"s"}, Output: "h", Scalar: 0.5},
			{Op: OpReduceSum, Inputs: []string{"h"}, Output: "r", Axis: 1},
		},
		Outputs: []string{"r", "h"},
	}
	payload, err := Build(net, BuildConfig{HardwareCompatible: true, DeviceSignature: "cpu/test", TargetPlatform: "linux_x86_64"})
	require.NoError(t, err)

	p, err := decode(payload)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, p.version)
	assert.True(t, p.hardwareCompatible)
	assert.Equal(t, "linux_x86_64", p.platform)
	assert.Equal(t, "cpu/test", p.signature)
	assert.Equal(t, net, p.network)
}

func TestDecodeRejectsCorruption(t *testing.T) {
	payload, err := Build(identityNet(), BuildConfig{})
	require.NoError(t, err)

	flipped := append([]byte(nil), payload...)
	flipped[len(flipped)/2] ^= 0xff
	_, err = decode(flipped)
	assert.ErrorContains(t, err, "checksum")

	_, err = decode(payload[:len(payload)-6])
	assert.Error(t, err)

	_, err = decode([]byte("nope"))
	assert.ErrorContains(t, err, "magic")
}

func TestBuildRejectsInvalidNetwork(t *testing.T) {
	cases := map[string]Network{
		"no outputs": {Inputs: []Input{{Name: "x", Min: []int64{1}, Max: []int64{1}}}},
		"undefined operand": {
			Inputs:  []Input{{Name: "x", Min: []int64{1}, Max: []int64{1}}},
			Layers:  []Layer{{Op: OpRelu, Inputs: []string{"z"}, Output: "y"}},
			Outputs: []string{"y"},
		},
		"bad arity": {
			Inputs:  []Input{{Name: "x", Min: []int64{1}, Max: []int64{1}}},
			Layers:  []Layer{{Op: OpAdd, Inputs: []string{"x"}, Output: "y"}},
			Outputs: []string{"y"},
		},
		"bad profile": {
			Inputs:  []Input{{Name: "x", Min: []int64{4}, Max: []int64{2}}},
			Outputs: []string{"x"},
		},
		"transpose rank 1": {
			Inputs:  []Input{{Name: "x", Min: []int64{1}, Max: []int64{1}}},
			Layers:  []Layer{{Op: OpTranspose, Inputs: []string{"x"}, Output: "y"}},
			Outputs: []string{"y"},
		},
		"reduce axis": {
			Inputs:  []Input{{Name: "x", Min: []int64{1}, Max: []int64{1}}},
			Layers:  []Layer{{Op: OpReduceSum, Inputs: []string{"x"}, Output: "y", Axis: 1}},
			Outputs: []string{"y"},
		},
		"duplicate name": {
			Inputs:  []Input{{Name: "x", Min: []int64{1}, Max: []int64{1}}},
			Layers:  []Layer{{Op: OpRelu, Inputs: []string{"x"}, Output: "x"}},
			Outputs: []string{"x"},
		},
	}
	for name, net := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Build(net, BuildConfig{})
			assert.Error(t, err)
		})
	}
}

func TestMetadataPropagatesDims(t *testing.T) {
	net := Network{
		Inputs: []Input{{Name: "x", Min: []int64{1, 3, 2}, Max: []int64{4, 3, 16}}},
		Layers: []Layer{
			{Op: OpTranspose, Inputs: []string{"x"}, Output: "t"},
			{Op: OpReduceSum, Inputs: []string{"t"}, Output: "r", Axis: 1},
		},
		Outputs: []string{"t", "r"},
	}
	md, err := Metadata(net)
	require.NoError(t, err)
	require.Len(t, md.Outputs, 2)
	assert.Equal(t, []handle.DimSpec{
		handle.InputDim("x", 0), handle.InputDim("x", 2), handle.StaticDim(3),
	}, md.Outputs[0].Shape)
	assert.Equal(t, []handle.DimSpec{
		handle.InputDim("x", 0), handle.StaticDim(3),
	}, md.Outputs[1].Shape)
	assert.Equal(t, tensor.Float32, md.Inputs[0].DType)
}

func TestIdentityExecutes(t *testing.T) {
	rt := New(runtime.Config{})
	h, err := BuildHandle("id", identityNet(), BuildConfig{})
	require.NoError(t, err)
	eng := loadEngine(t, rt, h)
	assert.Equal(t, []string{"x"}, eng.InputNames())
	assert.Equal(t, []string{"y"}, eng.OutputNames())

	x, err := tensor.Full(1, []int64{2, 3})
	require.NoError(t, err)
	out := runOnce(t, eng, map[string]*tensor.Tensor{"x": x})
	assert.True(t, tensor.Equal(x, out["y"]))
}

func TestOpsExecute(t *testing.T) {
	net := Network{
		Inputs: []Input{
			{Name: "a", Min: []int64{1, 1}, Max: []int64{-1, -1}},
			{Name: "b", Min: []int64{1, 1}, Max: []int64{-1, -1}},
		},
		Layers: []Layer{
			{Op: OpMul, Inputs: []string{"a", "b"}, Output: "m"},
			{Op: OpRelu, Inputs: []string{"m"}, Output: "r"},
			{Op: OpScale, Inputs: []string{"r"}, Output: "s", Scalar: 2},
			{Op: OpTranspose, Inputs: []string{"s"}, Output: "t"},
			{Op: OpReduceSum, Inputs: []string{"s"}, Output: "sum", Axis: 0},
		},
		Outputs: []string{"t", "sum"},
	}
	h, err := BuildHandle("ops", net, BuildConfig{})
	require.NoError(t, err)
	eng := loadEngine(t, New(runtime.Config{}), h)

	a, err := tensor.New([]float32{1, -2, 3, 4, 5, -6}, []int64{2, 3})
	require.NoError(t, err)
	b, err := tensor.New([]float32{1, 1, 1, 2, 2, 2}, []int64{2, 3})
	require.NoError(t, err)
	out := runOnce(t, eng, map[string]*tensor.Tensor{"a": a, "b": b})

	// s = 2*relu(a*b) = [[2 0 6] [16 20 0]]
	assert.Equal(t, []int64{3, 2}, out["t"].Shape())
	assert.Equal(t, []float32{2, 16, 0, 20, 6, 0}, out["t"].Float32s())
	assert.Equal(t, []int64{3}, out["sum"].Shape())
	assert.Equal(t, []float32{18, 20, 6}, out["sum"].Float32s())
}

func TestShapeBindingOutsideProfile(t *testing.T) {
	h, err := BuildHandle("id", identityNet(), BuildConfig{})
	require.NoError(t, err)
	eng := loadEngine(t, New(runtime.Config{}), h)

	ctx, err := eng.CreateExecutionContext()
	require.NoError(t, err)
	defer ctx.Close()

	err = ctx.SetInputShape("x", []int64{1, 9})
	require.Error(t, err)
	assert.True(t, errdefs.IsShapeBinding(err))
	var sbe *errdefs.ShapeBindingError
	require.ErrorAs(t, err, &sbe)
	assert.Equal(t, "x", sbe.Input)
	assert.Equal(t, []int64{8, 8}, sbe.Max)

	assert.True(t, errdefs.IsShapeBinding(ctx.SetInputShape("x", []int64{2})))

	_, err = ctx.OutputShape("y")
	assert.True(t, errdefs.IsShapeBinding(err), "unbound input")

	require.NoError(t, ctx.SetInputShape("x", []int64{2, 5}))
	shape, err := ctx.OutputShape("y")
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 5}, shape)
}

func TestMismatchedOperandShapes(t *testing.T) {
	net := Network{
		Inputs: []Input{
			{Name: "a", Min: []int64{1}, Max: []int64{8}},
			{Name: "b", Min: []int64{1}, Max: []int64{8}},
		},
		Layers:  []Layer{{Op: OpAdd, Inputs: []string{"a", "b"}, Output: "c"}},
		Outputs: []string{"c"},
	}
	h, err := BuildHandle("add", net, BuildConfig{})
	require.NoError(t, err)
	eng := loadEngine(t, New(runtime.Config{}), h)
	ctx, err := eng.CreateExecutionContext()
	require.NoError(t, err)
	defer ctx.Close()
	require.NoError(t, ctx.SetInputShape("a", []int64{2}))
	require.NoError(t, ctx.SetInputShape("b", []int64{3}))
	_, err = ctx.OutputShape("c")
	assert.True(t, errdefs.IsShapeBinding(err))
}

func TestDeserializeChecks(t *testing.T) {
	host := handle.HostPlatform()
	tests := []struct {
		name    string
		build   BuildConfig
		host    runtime.Config
		mutate  func(*handle.Handle) *handle.Handle
		wantErr bool
	}{
		{name: "exact match", build: BuildConfig{DeviceSignature: "cpu/a"}, host: runtime.Config{DeviceSignature: "cpu/a"}},
		{name: "model differs", build: BuildConfig{DeviceSignature: "cpu/a"}, host: runtime.Config{DeviceSignature: "cpu/b"}, wantErr: true},
		{name: "compatible model differs", build: BuildConfig{HardwareCompatible: true, DeviceSignature: "cpu/a"}, host: runtime.Config{DeviceSignature: "cpu/b"}},
		{name: "compatible family differs", build: BuildConfig{HardwareCompatible: true, DeviceSignature: "cpu/a"}, host: runtime.Config{DeviceSignature: "gpu/a"}, wantErr: true},
		{name: "cross compiled", build: BuildConfig{TargetPlatform: "other_arch"}, host: runtime.Config{Platform: host}, wantErr: true},
		{
			name:    "flag disagrees with plan",
			build:   BuildConfig{HardwareCompatible: true},
			mutate:  func(h *handle.Handle) *handle.Handle { return h.WithHardwareCompatible(false) },
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := &runtime.Tracker{}
			tt.host.Tracker = tracker
			rt := New(tt.host)
			h, err := BuildHandle("e", identityNet(), tt.build)
			require.NoError(t, err)
			if tt.mutate != nil {
				h = tt.mutate(h)
			}
			eng, err := rt.Deserialize(h.Engine(), runtime.OptionsFor(h))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errdefs.IsEngineDeserialization(err))
				var de *errdefs.EngineDeserializationError
				require.ErrorAs(t, err, &de)
				assert.Equal(t, "e", de.Engine)
				assert.True(t, tracker.Stats().Idle())
				return
			}
			require.NoError(t, err)
			require.NoError(t, eng.Close())
		})
	}
}

func TestTrackerReturnsToIdle(t *testing.T) {
	tracker := &runtime.Tracker{}
	rt := New(runtime.Config{Tracker: tracker})
	h, err := BuildHandle("id", identityNet(), BuildConfig{})
	require.NoError(t, err)

	eng, err := rt.Deserialize(h.Engine(), runtime.OptionsFor(h))
	require.NoError(t, err)
	assert.EqualValues(t, 1, tracker.Stats().LiveEngines)

	x, err := tensor.Full(3, []int64{4, 4})
	require.NoError(t, err)
	ctx, err := eng.CreateExecutionContext()
	require.NoError(t, err)
	require.NoError(t, ctx.SetInputShape("x", x.Shape()))
	_, err = ctx.Execute(context.Background(), map[string]*tensor.Tensor{"x": x})
	require.NoError(t, err)
	assert.EqualValues(t, 1, tracker.Stats().LiveContexts)
	assert.Greater(t, tracker.Stats().DeviceBytes, int64(len(h.Engine())))

	require.NoError(t, ctx.Close())
	require.NoError(t, ctx.Close())
	require.NoError(t, eng.Close())
	require.NoError(t, eng.Close())
	assert.True(t, tracker.Stats().Idle(), "%+v", tracker.Stats())

	_, err = eng.CreateExecutionContext()
	assert.Error(t, err)
}

func TestExecuteHonorsCancellation(t *testing.T) {
	h, err := BuildHandle("id", identityNet(), BuildConfig{})
	require.NoError(t, err)
	eng := loadEngine(t, New(runtime.Config{}), h)
	ctx, err := eng.CreateExecutionContext()
	require.NoError(t, err)
	defer ctx.Close()

	x, err := tensor.Full(1, []int64{1, 1})
	require.NoError(t, err)
	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ctx.Execute(cctx, map[string]*tensor.Tensor{"x": x})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParallelKernelsMatchSerial(t *testing.T) {
	src := make([]float32, 3*minParallel)
	for i := range src {
		src[i] = float32(i%7) - 3
	}
	shape := []int64{3, int64(minParallel)}
	serialRelu := unary(src, func(x float32) float32 { return max(x, 0) })
	serialSum := reduceSum(src, shape, 0)
	mul := func(x, y float32) float32 { return x * y }
	serialMul := binaryOp(src, src, mul)

	SetWorkers(4)
	defer SetWorkers(1)
	assert.Equal(t, serialRelu, unary(src, func(x float32) float32 { return max(x, 0) }))
	assert.Equal(t, serialSum, reduceSum(src, shape, 0))
	assert.Equal(t, serialMul, binaryOp(src, src, mul))
	assert.Equal(t, float32(9), serialMul[0])
}

func TestAccepts(t *testing.T) {
	rt := New(runtime.Config{})
	payload, err := Build(identityNet(), BuildConfig{})
	require.NoError(t, err)
	assert.True(t, rt.Accepts(payload))
	assert.False(t, rt.Accepts([]byte{0x08, 0x01}))
	assert.Equal(t, Name, rt.Name())
	assert.Contains(t, runtime.Names(), Name)
}
