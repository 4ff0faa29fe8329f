// Package plan is a self-contained CPU engine runtime. A plan is a compiled,
// serialized list of float32 layers with named input bindings and
// optimization profiles, loaded and executed the way an accelerated engine
// is.
package plan

import (
	"github.com/pkg/errors"
)

type Op string

const (
	OpIdentity  Op = "identity"
	OpRelu      Op = "relu"
	OpAdd       Op = "add"
	OpMul       Op = "mul"
	OpScale     Op = "scale"
	OpReduceSum Op = "reduce_sum"
	OpTranspose Op = "transpose"
)

func (o Op) arity() int {
	switch o {
	case OpAdd, OpMul:
		return 2
	case OpIdentity, OpRelu, OpScale, OpReduceSum, OpTranspose:
		return 1
	default:
		return 0
	}
}

// Input is a float32 input binding. Max entries < 0 are unbounded.
type Input struct {
	Name string
	Min  []int64
	Max  []int64
}

// Layer produces one named value from earlier values. Axis is used by
// reduce_sum, Scalar by scale.
type Layer struct {
	Op     Op
	Inputs []string
	Output string
	Axis   int
	Scalar float32
}

// Network is the definition a plan is built from.
type Network struct {
	Inputs  []Input
	Layers  []Layer
	Outputs []string
}

// InputNames returns the binding names in declaration order.
func (n Network) InputNames() []string {
	names := make([]string, len(n.Inputs))
	for i, in := range n.Inputs {
		names[i] = in.Name
	}
	return names
}

// Validate checks names, arities, profiles and ranks.
func (n Network) Validate() error {
	if len(n.Outputs) == 0 {
		return errors.New("network has no outputs")
	}
	ranks := make(map[string]int, len(n.Inputs)+len(n.Layers))
	for _, in := range n.Inputs {
		if in.Name == "" {
			return errors.New("input with empty name")
		}
		if _, dup := ranks[in.Name]; dup {
			return errors.Errorf("duplicate value name %q", in.Name)
		}
		if len(in.Min) != len(in.Max) {
			return errors.Errorf("input %q profile rank mismatch: min %v max %v", in.Name, in.Min, in.Max)
		}
		for axis := range in.Min {
			if in.Min[axis] < 0 || (in.Max[axis] >= 0 && in.Max[axis] < in.Min[axis]) {
				return errors.Errorf("input %q axis %d has invalid profile [%d, %d]", in.Name, axis, in.Min[axis], in.Max[axis])
			}
		}
		ranks[in.Name] = len(in.Min)
	}
	for i, l := range n.Layers {
		if l.Op.arity() == 0 {
			return errors.Errorf("layer %d: unknown op %q", i, l.Op)
		}
		if len(l.Inputs) != l.Op.arity() {
			return errors.Errorf("layer %d (%s): expected %d operands, got %d", i, l.Op, l.Op.arity(), len(l.Inputs))
		}
		if l.Output == "" {
			return errors.Errorf("layer %d (%s): empty output name", i, l.Op)
		}
		if _, dup := ranks[l.Output]; dup {
			return errors.Errorf("duplicate value name %q", l.Output)
		}
		operandRanks := make([]int, len(l.Inputs))
		for j, name := range l.Inputs {
			r, ok := ranks[name]
			if !ok {
				return errors.Errorf("layer %d (%s): operand %q is not defined before use", i, l.Op, name)
			}
			operandRanks[j] = r
		}
		rank := operandRanks[0]
		switch l.Op {
		case OpAdd, OpMul:
			if operandRanks[0] != operandRanks[1] {
				return errors.Errorf("layer %d (%s): operand ranks differ (%d vs %d)", i, l.Op, operandRanks[0], operandRanks[1])
			}
		case OpReduceSum:
			if l.Axis < 0 || l.Axis >= rank {
				return errors.Errorf("layer %d (%s): axis %d out of range for rank %d", i, l.Op, l.Axis, rank)
			}
			rank--
		case OpTranspose:
			if rank < 2 {
				return errors.Errorf("layer %d (%s): needs rank >= 2, got %d", i, l.Op, rank)
			}
		}
		ranks[l.Output] = rank
	}
	seen := make(map[string]bool, len(n.Outputs))
	for _, out := range n.Outputs {
		if _, ok := ranks[out]; !ok {
			return errors.Errorf("output %q is not produced by the network", out)
		}
		if seen[out] {
			return errors.Errorf("duplicate output %q", out)
		}
		seen[out] = true
	}
	return nil
}
