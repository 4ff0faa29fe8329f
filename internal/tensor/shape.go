package tensor

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Dynamic marks a dimension whose size is unknown until execution.
const Dynamic int64 = -1

// NumElements returns the element count of a fully static shape.
func NumElements(shape []int64) (int, error) {
	count := int64(1)
	for i, dim := range shape {
		if dim < 0 {
			return 0, fmt.Errorf("shape[%d]=%d is not static", i, dim)
		}
		if dim == 0 {
			return 0, nil
		}
		if count > math.MaxInt64/dim {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}
		count *= dim
	}
	if count > int64(math.MaxInt) {
		return 0, fmt.Errorf("shape %v exceeds platform int capacity", shape)
	}
	return int(count), nil
}

// IsStatic reports whether every dimension is known.
func IsStatic(shape []int64) bool {
	for _, d := range shape {
		if d < 0 {
			return false
		}
	}
	return true
}

func ShapeEqual(a, b []int64) bool {
	return slices.Equal(a, b)
}

// ShapeString renders a shape as "2x3", using "?" for dynamic dims and
// "scalar" for rank 0.
func ShapeString(shape []int64) string {
	if len(shape) == 0 {
		return "scalar"
	}
	parts := make([]string, len(shape))
	for i, d := range shape {
		if d < 0 {
			parts[i] = "?"
			continue
		}
		parts[i] = strconv.FormatInt(d, 10)
	}
	return strings.Join(parts, "x")
}

// ParseShape is the inverse of ShapeString.
func ParseShape(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "scalar" {
		return []int64{}, nil
	}
	parts := strings.Split(s, "x")
	shape := make([]int64, len(parts))
	for i, p := range parts {
		if p == "?" {
			shape[i] = Dynamic
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid dimension %q in shape %q", p, s)
		}
		shape[i] = n
	}
	return shape, nil
}
