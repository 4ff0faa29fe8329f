package tensor

import "fmt"

// Value is anything that flows along a graph edge: a concrete *Tensor during
// real execution or a Descriptor while tracing.
type Value interface {
	Descriptor() Descriptor
}

// Descriptor carries shape, dtype and device of a tensor without storage.
type Descriptor struct {
	DType  DType   `json:"dtype"`
	Shape  []int64 `json:"shape"`
	Device Device  `json:"device"`
}

func NewDescriptor(dtype DType, shape []int64, device Device) Descriptor {
	return Descriptor{
		DType:  dtype,
		Shape:  append([]int64(nil), shape...),
		Device: device,
	}
}

func (d Descriptor) Descriptor() Descriptor {
	return d
}

func (d Descriptor) Rank() int {
	return len(d.Shape)
}

// Equal compares dtype, shape and device.
func (d Descriptor) Equal(other Descriptor) bool {
	return d.DType == other.DType && ShapeEqual(d.Shape, other.Shape) && d.Device.Equal(other.Device)
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s[%s]@%s", d.DType, ShapeString(d.Shape), d.Device)
}

// Descriptors projects a list of values to their descriptors.
func Descriptors(values []Value) []Descriptor {
	out := make([]Descriptor, len(values))
	for i, v := range values {
		out[i] = v.Descriptor()
	}
	return out
}
