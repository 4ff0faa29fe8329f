package handle

import (
	"encoding/base64"
	"encoding/json"
	"slices"

	"github.com/example/go-engine-bridge/internal/errdefs"
	"github.com/example/go-engine-bridge/internal/tensor"
)

// Metadata is the compile-time IO description recorded next to the engine.
// It lets shape tracing answer without loading the engine.
type Metadata struct {
	Inputs  []InputSpec  `json:"inputs,omitempty"`
	Outputs []OutputSpec `json:"outputs,omitempty"`
}

// InputSpec is one input binding with its optimization profile. Min and Max
// have the input's rank; a Max entry < 0 means unbounded.
type InputSpec struct {
	Name  string       `json:"name"`
	DType tensor.DType `json:"dtype"`
	Min   []int64      `json:"min"`
	Max   []int64      `json:"max"`
}

type OutputSpec struct {
	Name  string       `json:"name"`
	DType tensor.DType `json:"dtype"`
	Shape []DimSpec    `json:"shape"`
}

// DimSpec is either a static size or a copy of an input dimension.
type DimSpec struct {
	Static int64  `json:"static,omitempty"`
	Input  string `json:"input,omitempty"`
	Axis   int    `json:"axis,omitempty"`
}

func StaticDim(n int64) DimSpec {
	return DimSpec{Static: n}
}

func InputDim(input string, axis int) DimSpec {
	return DimSpec{Input: input, Axis: axis}
}

func (d DimSpec) IsStatic() bool {
	return d.Input == ""
}

func (m Metadata) Empty() bool {
	return len(m.Inputs) == 0 && len(m.Outputs) == 0
}

// Input returns the spec for the named input binding.
func (m Metadata) Input(name string) (InputSpec, bool) {
	for _, in := range m.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return InputSpec{}, false
}

func (m Metadata) clone() Metadata {
	out := Metadata{}
	if len(m.Inputs) > 0 {
		out.Inputs = make([]InputSpec, len(m.Inputs))
		for i, in := range m.Inputs {
			out.Inputs[i] = InputSpec{
				Name:  in.Name,
				DType: in.DType,
				Min:   cloneDims(in.Min),
				Max:   cloneDims(in.Max),
			}
		}
	}
	if len(m.Outputs) > 0 {
		out.Outputs = make([]OutputSpec, len(m.Outputs))
		for i, o := range m.Outputs {
			out.Outputs[i] = OutputSpec{
				Name:  o.Name,
				DType: o.DType,
				Shape: append([]DimSpec(nil), o.Shape...),
			}
		}
	}
	return out
}

func (m Metadata) validate(inputNames, outputNames []string) error {
	field := FieldNames[MetadataIdx]
	if len(m.Inputs) > 0 {
		if len(m.Inputs) != len(inputNames) {
			return errdefs.Malformed(field, "%d input specs for %d input bindings", len(m.Inputs), len(inputNames))
		}
		for i, in := range m.Inputs {
			if in.Name != inputNames[i] {
				return errdefs.Malformed(field, "input spec %d is %q, binding is %q", i, in.Name, inputNames[i])
			}
			if !in.DType.Valid() {
				return errdefs.Malformed(field, "input %q has unsupported dtype %q", in.Name, in.DType)
			}
			if len(in.Min) != len(in.Max) {
				return errdefs.Malformed(field, "input %q profile rank mismatch: min %v max %v", in.Name, in.Min, in.Max)
			}
			for axis := range in.Min {
				if in.Min[axis] < 0 || (in.Max[axis] >= 0 && in.Max[axis] < in.Min[axis]) {
					return errdefs.Malformed(field, "input %q axis %d has invalid profile [%d, %d]", in.Name, axis, in.Min[axis], in.Max[axis])
				}
			}
		}
	}
	if len(m.Outputs) > 0 {
		if len(m.Outputs) != len(outputNames) {
			return errdefs.Malformed(field, "%d output specs for %d output bindings", len(m.Outputs), len(outputNames))
		}
		for i, out := range m.Outputs {
			if out.Name != outputNames[i] {
				return errdefs.Malformed(field, "output spec %d is %q, binding is %q", i, out.Name, outputNames[i])
			}
			if !out.DType.Valid() {
				return errdefs.Malformed(field, "output %q has unsupported dtype %q", out.Name, out.DType)
			}
			for axis, dim := range out.Shape {
				if dim.IsStatic() {
					continue
				}
				if dim.Axis < 0 {
					return errdefs.Malformed(field, "output %q axis %d refers to negative axis %d of input %q", out.Name, axis, dim.Axis, dim.Input)
				}
				if !slices.Contains(inputNames, dim.Input) {
					return errdefs.Malformed(field, "output %q axis %d refers to unknown input %q", out.Name, axis, dim.Input)
				}
				if spec, ok := m.Input(dim.Input); ok && dim.Axis >= len(spec.Min) {
					return errdefs.Malformed(field, "output %q axis %d refers to axis %d of rank-%d input %q",
						out.Name, axis, dim.Axis, len(spec.Min), dim.Input)
				}
			}
		}
	}
	return nil
}

func encodeMetadata(m Metadata) string {
	if m.Empty() {
		return ""
	}
	raw, err := json.Marshal(m)
	if err != nil {
		// Metadata holds only strings and integers.
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func decodeMetadata(encoded string) (Metadata, error) {
	if encoded == "" {
		return Metadata{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Metadata{}, errdefs.Malformed(FieldNames[MetadataIdx], "invalid base64: %v", err)
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metadata{}, errdefs.Malformed(FieldNames[MetadataIdx], "invalid JSON: %v", err)
	}
	return m, nil
}

func cloneDims(dims []int64) []int64 {
	if dims == nil {
		return nil
	}
	return append([]int64{}, dims...)
}

