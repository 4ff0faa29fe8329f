package tensor

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Tensor is a dense, row-major tensor resident on a Device. Accessors return
// copies, so a Tensor is never mutated once built.
type Tensor struct {
	dtype  DType
	shape  []int64
	device Device
	data   any
}

// New copies data into a CPU tensor of the given shape.
func New[T Element](data []T, shape []int64) (*Tensor, error) {
	return NewOn(CPU, data, shape)
}

// NewOn copies data into a tensor that claims residence on device.
func NewOn[T Element](device Device, data []T, shape []int64) (*Tensor, error) {
	dtype := dtypeOf[T]()
	if dtype == "" {
		return nil, fmt.Errorf("unsupported tensor element type %T", data)
	}
	if err := validateShapeAgainstData(shape, len(data)); err != nil {
		return nil, err
	}
	return &Tensor{
		dtype:  dtype,
		shape:  append([]int64(nil), shape...),
		device: device,
		data:   append([]T(nil), data...),
	}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(dtype DType, shape []int64, device Device) (*Tensor, error) {
	count, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	switch dtype {
	case Float32:
		return NewOn(device, make([]float32, count), shape)
	case Float16:
		return NewOn(device, make([]float16.Float16, count), shape)
	case Int32:
		return NewOn(device, make([]int32, count), shape)
	case Int64:
		return NewOn(device, make([]int64, count), shape)
	default:
		return nil, fmt.Errorf("unsupported tensor dtype %q", dtype)
	}
}

// Full returns a float32 CPU tensor with every element set to value.
func Full(value float32, shape []int64) (*Tensor, error) {
	count, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	data := make([]float32, count)
	for i := range data {
		data[i] = value
	}
	return New(data, shape)
}

// FromFloat32 converts values to dtype. Integer dtypes truncate toward zero.
func FromFloat32(dtype DType, values []float32, shape []int64, device Device) (*Tensor, error) {
	switch dtype {
	case Float32:
		return NewOn(device, values, shape)
	case Float16:
		out := make([]float16.Float16, len(values))
		for i, v := range values {
			out[i] = float16.Fromfloat32(v)
		}
		return NewOn(device, out, shape)
	case Int32:
		out := make([]int32, len(values))
		for i, v := range values {
			out[i] = int32(v)
		}
		return NewOn(device, out, shape)
	case Int64:
		out := make([]int64, len(values))
		for i, v := range values {
			out[i] = int64(v)
		}
		return NewOn(device, out, shape)
	default:
		return nil, fmt.Errorf("unsupported tensor dtype %q", dtype)
	}
}

func (t *Tensor) DType() DType {
	return t.dtype
}

func (t *Tensor) Shape() []int64 {
	return append([]int64(nil), t.shape...)
}

func (t *Tensor) Device() Device {
	return t.device
}

func (t *Tensor) Descriptor() Descriptor {
	return NewDescriptor(t.dtype, t.shape, t.device)
}

func (t *Tensor) NumElements() int {
	n, _ := NumElements(t.shape)
	return n
}

// NumBytes is the size of the backing storage.
func (t *Tensor) NumBytes() int {
	return t.NumElements() * t.dtype.Size()
}

// Data returns a copy of the backing slice.
func (t *Tensor) Data() any {
	switch v := t.data.(type) {
	case []float32:
		return append([]float32(nil), v...)
	case []float16.Float16:
		return append([]float16.Float16(nil), v...)
	case []int32:
		return append([]int32(nil), v...)
	case []int64:
		return append([]int64(nil), v...)
	default:
		return nil
	}
}

// To is the explicit device transfer: it returns a copy of t placed on device.
func (t *Tensor) To(device Device) *Tensor {
	return &Tensor{
		dtype:  t.dtype,
		shape:  t.Shape(),
		device: device,
		data:   t.Data(),
	}
}

// Float32s returns the elements widened or narrowed to float32.
func (t *Tensor) Float32s() []float32 {
	switch v := t.data.(type) {
	case []float32:
		return append([]float32(nil), v...)
	case []float16.Float16:
		out := make([]float32, len(v))
		for i, h := range v {
			out[i] = h.Float32()
		}
		return out
	case []int32:
		out := make([]float32, len(v))
		for i, x := range v {
			out[i] = float32(x)
		}
		return out
	case []int64:
		out := make([]float32, len(v))
		for i, x := range v {
			out[i] = float32(x)
		}
		return out
	default:
		return nil
	}
}

// Int64s returns the elements converted to int64.
func (t *Tensor) Int64s() []int64 {
	switch v := t.data.(type) {
	case []int64:
		return append([]int64(nil), v...)
	case []int32:
		out := make([]int64, len(v))
		for i, x := range v {
			out[i] = int64(x)
		}
		return out
	default:
		f := t.Float32s()
		out := make([]int64, len(f))
		for i, x := range f {
			out[i] = int64(x)
		}
		return out
	}
}

func (t *Tensor) String() string {
	return t.Descriptor().String()
}

// Equal reports exact equality of dtype, shape, device and elements.
func Equal(a, b *Tensor) bool {
	if !a.Descriptor().Equal(b.Descriptor()) {
		return false
	}
	switch a.dtype {
	case Int32, Int64:
		ai, bi := a.Int64s(), b.Int64s()
		for i := range ai {
			if ai[i] != bi[i] {
				return false
			}
		}
		return true
	default:
		return AllClose(a, b, 0)
	}
}

// AllClose compares elements as float32 within an absolute tolerance. NaNs
// compare equal to NaNs.
func AllClose(a, b *Tensor, atol float64) bool {
	if a.dtype != b.dtype || !ShapeEqual(a.shape, b.shape) {
		return false
	}
	af, bf := a.Float32s(), b.Float32s()
	for i := range af {
		x, y := float64(af[i]), float64(bf[i])
		if math.IsNaN(x) && math.IsNaN(y) {
			continue
		}
		if math.Abs(x-y) > atol {
			return false
		}
	}
	return true
}

func validateShapeAgainstData(shape []int64, dataLen int) error {
	if !IsStatic(shape) {
		return fmt.Errorf("tensor shape %v must be static", shape)
	}
	count, err := NumElements(shape)
	if err != nil {
		return err
	}
	if count != dataLen {
		return fmt.Errorf("shape %v expects %d elements, got %d", shape, count, dataLen)
	}
	return nil
}
