package safetensors

import (
	"bytes"
	"testing"

	"github.com/x448/float16"

	"github.com/example/go-engine-bridge/internal/tensor"
)

func mustTensor[T tensor.Element](t *testing.T, data []T, shape ...int64) *tensor.Tensor {
	t.Helper()

	out, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("tensor.New: %v", err)
	}

	return out
}

func TestWrite_RoundTripAllDTypes(t *testing.T) {
	want := map[string]*tensor.Tensor{
		"f32": mustTensor(t, []float32{1.5, -0.25, 3.25, 4}, 2, 2),
		"f16": mustTensor(t, []float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(-8)}, 2),
		"i32": mustTensor(t, []int32{-3, 7, 11}, 3),
		"i64": mustTensor(t, []int64{1 << 40}, 1, 1),
	}

	var buf bytes.Buffer
	if err := Write(&buf, want, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	store, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	got, err := store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	for name, w := range want {
		if !tensor.Equal(got[name], w) {
			t.Errorf("%s: got %v, want %v", name, got[name], w)
		}
	}
}

func TestEncode_Deterministic(t *testing.T) {
	tensors := map[string]*tensor.Tensor{
		"b": mustTensor(t, []float32{2}, 1),
		"a": mustTensor(t, []float32{1}, 1),
	}

	first, err := Encode(tensors, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	for range 5 {
		again, err := Encode(tensors, map[string]string{"k": "v"})
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}

		if !bytes.Equal(first, again) {
			t.Fatal("Encode output differs between calls")
		}
	}
}

func TestEncode_RejectsInvalidInput(t *testing.T) {
	if _, err := Encode(nil, nil); err == nil {
		t.Error("expected error for no tensors")
	}

	if _, err := Encode(map[string]*tensor.Tensor{"": mustTensor(t, []float32{1}, 1)}, nil); err == nil {
		t.Error("expected error for empty name")
	}

	if _, err := Encode(map[string]*tensor.Tensor{"x": nil}, nil); err == nil {
		t.Error("expected error for nil tensor")
	}
}
