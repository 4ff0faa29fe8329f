// Package samples builds demonstration engines and programs. The CLI's
// sample command writes them out and tests use them as fixtures.
package samples

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/example/go-engine-bridge/internal/bridge"
	"github.com/example/go-engine-bridge/internal/handle"
	"github.com/example/go-engine-bridge/internal/nativeops"
	"github.com/example/go-engine-bridge/internal/program"
	"github.com/example/go-engine-bridge/internal/registry"
	"github.com/example/go-engine-bridge/internal/runtime/plan"
	"github.com/example/go-engine-bridge/internal/tensor"
)

// IdentityNetwork copies a [1..16, 1..16] float32 input.
func IdentityNetwork() plan.Network {
	return plan.Network{
		Inputs:  []plan.Input{{Name: "x", Min: []int64{1, 1}, Max: []int64{16, 16}}},
		Layers:  []plan.Layer{{Op: plan.OpIdentity, Inputs: []string{"x"}, Output: "y"}},
		Outputs: []string{"y"},
	}
}

// GatedNetwork computes act = relu(a*b) and its row sums. The batch axis is
// unbounded, the feature axis fixed at width.
func GatedNetwork(width int64) plan.Network {
	return plan.Network{
		Inputs: []plan.Input{
			{Name: "a", Min: []int64{1, width}, Max: []int64{-1, width}},
			{Name: "b", Min: []int64{1, width}, Max: []int64{-1, width}},
		},
		Layers: []plan.Layer{
			{Op: plan.OpMul, Inputs: []string{"a", "b"}, Output: "prod"},
			{Op: plan.OpRelu, Inputs: []string{"prod"}, Output: "act"},
			{Op: plan.OpReduceSum, Inputs: []string{"act"}, Output: "score", Axis: 1},
		},
		Outputs: []string{"act", "score"},
	}
}

// Builders maps sample names to program constructors.
var Builders = map[string]func(reg *registry.Registry, cfg plan.BuildConfig) (*program.Program, error){
	"identity": Identity,
	"gated":    Gated,
	"chained":  Chained,
	"native":   Native,
}

// Names lists the sample programs.
func Names() []string {
	out := make([]string, 0, len(Builders))
	for name := range Builders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build returns the named sample program.
func Build(name string, reg *registry.Registry, cfg plan.BuildConfig) (*program.Program, error) {
	b, ok := Builders[name]
	if !ok {
		return nil, errors.Errorf("unknown sample %q (have %v)", name, Names())
	}
	return b(reg, cfg)
}

// Identity: one engine call, one output.
func Identity(reg *registry.Registry, cfg plan.BuildConfig) (*program.Program, error) {
	h, err := plan.BuildHandle("identity", IdentityNetwork(), cfg)
	if err != nil {
		return nil, err
	}
	p := &program.Program{
		Name:    "identity",
		Inputs:  []program.InputSpec{{Name: "x", DType: tensor.Float32, Shape: []int64{2, 3}, Device: tensor.CPU}},
		Nodes:   []program.Node{engineNode("engine_0", "x", []string{"y"})},
		Outputs: []string{"y"},
	}
	return p, addEngine(reg, p, "engine_0", h)
}

// Gated: one engine call with two outputs, followed by a host relu.
func Gated(reg *registry.Registry, cfg plan.BuildConfig) (*program.Program, error) {
	h, err := plan.BuildHandle("gated", GatedNetwork(4), cfg)
	if err != nil {
		return nil, err
	}
	p := &program.Program{
		Name: "gated",
		Inputs: []program.InputSpec{
			{Name: "a", DType: tensor.Float32, Shape: []int64{tensor.Dynamic, 4}, Device: tensor.CPU},
			{Name: "b", DType: tensor.Float32, Shape: []int64{tensor.Dynamic, 4}, Device: tensor.CPU},
		},
		Nodes: []program.Node{
			{Name: "engine_0", Op: bridge.OperatorName, Args: []string{"a", "b"}, Objects: []string{"engine_0"}, Outputs: []string{"act", "score"}},
			{Name: "relu_0", Op: nativeops.Relu, Args: []string{"score"}, Outputs: []string{"score_relu"}},
		},
		Outputs: []string{"act", "score_relu"},
	}
	return p, addEngine(reg, p, "engine_0", h)
}

// Chained: host add feeding two engine calls in sequence.
func Chained(reg *registry.Registry, cfg plan.BuildConfig) (*program.Program, error) {
	first, err := plan.BuildHandle("scale", plan.Network{
		Inputs:  []plan.Input{{Name: "x", Min: []int64{1, 1}, Max: []int64{16, 16}}},
		Layers:  []plan.Layer{{Op: plan.OpScale, Inputs: []string{"x"}, Output: "y", Scalar: 2}},
		Outputs: []string{"y"},
	}, cfg)
	if err != nil {
		return nil, err
	}
	second, err := plan.BuildHandle("transpose", plan.Network{
		Inputs:  []plan.Input{{Name: "x", Min: []int64{1, 1}, Max: []int64{16, 16}}},
		Layers:  []plan.Layer{{Op: plan.OpTranspose, Inputs: []string{"x"}, Output: "xt"}},
		Outputs: []string{"xt"},
	}, cfg)
	if err != nil {
		return nil, err
	}
	p := &program.Program{
		Name: "chained",
		Inputs: []program.InputSpec{
			{Name: "x", DType: tensor.Float32, Shape: []int64{2, 3}, Device: tensor.CPU},
			{Name: "bias", DType: tensor.Float32, Shape: []int64{2, 3}, Device: tensor.CPU},
		},
		Nodes: []program.Node{
			{Name: "add_0", Op: nativeops.Add, Args: []string{"x", "bias"}, Outputs: []string{"sum"}},
			engineNode("engine_0", "sum", []string{"scaled"}),
			engineNode("engine_1", "scaled", []string{"out"}),
		},
		Outputs: []string{"out"},
	}
	if err := addEngine(reg, p, "engine_0", first); err != nil {
		return nil, err
	}
	return p, addEngine(reg, p, "engine_1", second)
}

// Native: no engine at all.
func Native(_ *registry.Registry, _ plan.BuildConfig) (*program.Program, error) {
	return &program.Program{
		Name: "native",
		Inputs: []program.InputSpec{
			{Name: "x", DType: tensor.Float32, Shape: []int64{2, 2}, Device: tensor.CPU},
		},
		Nodes: []program.Node{
			{Name: "relu_0", Op: nativeops.Relu, Args: []string{"x"}, Outputs: []string{"r"}},
			{Name: "add_0", Op: nativeops.Add, Args: []string{"r", "x"}, Outputs: []string{"out"}},
		},
		Outputs: []string{"out", "r"},
	}, nil
}

func engineNode(name, arg string, outputs []string) program.Node {
	return program.Node{Name: name, Op: bridge.OperatorName, Args: []string{arg}, Objects: []string{name}, Outputs: outputs}
}

func addEngine(reg *registry.Registry, p *program.Program, name string, h *handle.Handle) error {
	return p.AddObject(reg, name, bridge.NewObject(h))
}
