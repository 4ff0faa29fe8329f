package tensor

import (
	"fmt"
	"strings"

	"github.com/x448/float16"
)

type DType string

const (
	Float32 DType = "float32"
	Float16 DType = "float16"
	Int32   DType = "int32"
	Int64   DType = "int64"
)

// Element is the set of Go types that can back a Tensor.
type Element interface {
	float32 | int32 | int64 | float16.Float16
}

// ParseDType maps the spellings found in manifests, safetensors headers and
// ONNX type strings to a DType.
func ParseDType(raw string) (DType, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.TrimPrefix(normalized, "tensor(")
	normalized = strings.TrimSuffix(normalized, ")")
	switch normalized {
	case "float", "float32", "f32":
		return Float32, nil
	case "half", "float16", "f16":
		return Float16, nil
	case "int", "int32", "i32":
		return Int32, nil
	case "int64", "long", "i64":
		return Int64, nil
	default:
		return "", fmt.Errorf("unsupported tensor dtype %q", raw)
	}
}

// Size returns the element width in bytes.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Int64:
		return 8
	default:
		return 0
	}
}

func (d DType) Valid() bool {
	return d.Size() > 0
}

func (d DType) String() string {
	return string(d)
}

func dtypeOf[T Element]() DType {
	var zero T
	switch any(zero).(type) {
	case float16.Float16:
		return Float16
	case float32:
		return Float32
	case int32:
		return Int32
	case int64:
		return Int64
	default:
		return ""
	}
}
