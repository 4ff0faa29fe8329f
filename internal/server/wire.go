package server

import (
	"fmt"

	"github.com/example/go-engine-bridge/internal/tensor"
)

// Tensor is the JSON form of a tensor or, with Data omitted, a descriptor.
type Tensor struct {
	Name   string        `json:"name"`
	DType  tensor.DType  `json:"dtype"`
	Shape  []int64       `json:"shape"`
	Device tensor.Device `json:"device"`
	Data   []float64     `json:"data,omitempty"`
}

func (t Tensor) descriptor() (tensor.Descriptor, error) {
	dtype, err := tensor.ParseDType(string(t.DType))
	if err != nil {
		return tensor.Descriptor{}, fmt.Errorf("tensor %q: %w", t.Name, err)
	}
	return tensor.NewDescriptor(dtype, t.Shape, t.Device), nil
}

func (t Tensor) toTensor() (*tensor.Tensor, error) {
	dtype, err := tensor.ParseDType(string(t.DType))
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", t.Name, err)
	}
	values := make([]float32, len(t.Data))
	for i, v := range t.Data {
		values[i] = float32(v)
	}
	if dtype == tensor.Int64 {
		data := make([]int64, len(t.Data))
		for i, v := range t.Data {
			data[i] = int64(v)
		}
		out, err := tensor.NewOn(t.Device, data, t.Shape)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", t.Name, err)
		}
		return out, nil
	}
	out, err := tensor.FromFloat32(dtype, values, t.Shape, t.Device)
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", t.Name, err)
	}
	return out, nil
}

func fromTensor(name string, t *tensor.Tensor) Tensor {
	out := Tensor{Name: name, DType: t.DType(), Shape: t.Shape(), Device: t.Device()}
	if t.DType() == tensor.Int64 {
		for _, v := range t.Int64s() {
			out.Data = append(out.Data, float64(v))
		}
		return out
	}
	for _, v := range t.Float32s() {
		out.Data = append(out.Data, float64(v))
	}
	return out
}

func fromDescriptor(name string, d tensor.Descriptor) Tensor {
	return Tensor{Name: name, DType: d.DType, Shape: d.Shape, Device: d.Device}
}
