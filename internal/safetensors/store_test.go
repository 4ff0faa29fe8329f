package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"testing"

	"github.com/example/go-engine-bridge/internal/tensor"
)

// rawTensor is one header entry plus its little-endian bytes.
type rawTensor struct {
	dtype string
	shape []int64
	data  []byte
}

// buildSafetensors lays out tensors in name order behind an 8-byte length
// prefix and JSON header.
func buildSafetensors(t *testing.T, tensors map[string]rawTensor) []byte {
	t.Helper()

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}

	header := make(map[string]storeHeaderEntry)

	var raw []byte

	sort.Strings(names)

	for _, name := range names {
		info := tensors[name]
		start := len(raw)
		raw = append(raw, info.data...)
		header[name] = storeHeaderEntry{DType: info.dtype, Shape: info.shape, Offsets: [2]int{start, len(raw)}}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	buf := binary.LittleEndian.AppendUint64(nil, uint64(len(headerJSON)))
	buf = append(buf, headerJSON...)

	return append(buf, raw...)
}

func float32Bytes(vals []float32) []byte {
	var buf []byte
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}

	return buf
}

func TestStore_TensorByName_F32(t *testing.T) {
	blob := buildSafetensors(t, map[string]rawTensor{
		"alpha": {dtype: "F32", shape: []int64{2}, data: float32Bytes([]float32{1, 2})},
		"beta":  {dtype: "F32", shape: []int64{1, 3}, data: float32Bytes([]float32{3, 4, 5})},
	})

	store, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got := strings.Join(store.Names(), "|"); got != "alpha|beta" {
		t.Fatalf("Names() = %v; want [alpha beta]", got)
	}

	beta, err := store.Tensor("beta")
	if err != nil {
		t.Fatalf("Tensor(beta): %v", err)
	}

	if !tensor.ShapeEqual(beta.Shape(), []int64{1, 3}) {
		t.Fatalf("beta shape = %v; want [1 3]", beta.Shape())
	}

	data := beta.Float32s()
	if len(data) != 3 || data[0] != 3 || data[2] != 5 {
		t.Fatalf("beta data = %v; want [3 4 5]", data)
	}
}

func TestStore_DTypes(t *testing.T) {
	f16 := binary.LittleEndian.AppendUint16(nil, 0x3c00) // 1.0
	f16 = binary.LittleEndian.AppendUint16(f16, 0xc000)  // -2.0
	bf16 := binary.LittleEndian.AppendUint16(nil, uint16(math.Float32bits(0.5)>>16))
	i32 := binary.LittleEndian.AppendUint32(nil, uint32(0xffffffff)) // -1
	i64 := binary.LittleEndian.AppendUint64(nil, 1<<40)

	blob := buildSafetensors(t, map[string]rawTensor{
		"half":  {dtype: "F16", shape: []int64{2}, data: f16},
		"bhalf": {dtype: "bf16", shape: []int64{1}, data: bf16},
		"ints":  {dtype: "I32", shape: []int64{1}, data: i32},
		"longs": {dtype: "I64", shape: []int64{1}, data: i64},
	})

	store, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	all, err := store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	if got := all["half"]; got.DType() != tensor.Float16 || got.Float32s()[1] != -2 {
		t.Errorf("half = %v", got)
	}

	if got := all["bhalf"]; got.DType() != tensor.Float32 || got.Float32s()[0] != 0.5 {
		t.Errorf("bhalf = %v", got)
	}

	if got := all["ints"]; got.DType() != tensor.Int32 || got.Int64s()[0] != -1 {
		t.Errorf("ints = %v", got)
	}

	if got := all["longs"]; got.DType() != tensor.Int64 || got.Int64s()[0] != 1<<40 {
		t.Errorf("longs = %v", got)
	}
}

func TestStore_Metadata(t *testing.T) {
	data, err := Encode(map[string]*tensor.Tensor{"x": mustTensor(t, []float32{1}, 1)}, map[string]string{"program": "identity"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	store, err := Read(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got := store.Metadata()["program"]; got != "identity" {
		t.Fatalf("metadata program = %q", got)
	}

	if names := store.Names(); len(names) != 1 || names[0] != "x" {
		t.Fatalf("Names() = %v; metadata must not be listed", names)
	}
}

func TestStore_Rejects(t *testing.T) {
	cases := map[string][]byte{
		"short": {1, 2, 3},
		"header overflow": func() []byte {
			return binary.LittleEndian.AppendUint64(nil, 1<<20)
		}(),
		"bad json": func() []byte {
			buf := binary.LittleEndian.AppendUint64(nil, 3)
			return append(buf, "{x:"...)
		}(),
		"unsupported dtype": buildSafetensors(t, map[string]rawTensor{
			"x": {dtype: "U8", shape: []int64{1}, data: []byte{1}},
		}),
		"size mismatch": buildSafetensors(t, map[string]rawTensor{
			"x": {dtype: "F32", shape: []int64{2}, data: float32Bytes([]float32{1})},
		}),
		"negative dim": buildSafetensors(t, map[string]rawTensor{
			"x": {dtype: "F32", shape: []int64{-1}, data: nil},
		}),
		"empty": buildSafetensors(t, map[string]rawTensor{}),
	}

	for name, blob := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(blob); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestStore_TruncatedData(t *testing.T) {
	blob := buildSafetensors(t, map[string]rawTensor{
		"x": {dtype: "F32", shape: []int64{2}, data: float32Bytes([]float32{1, 2})},
	})

	if _, err := Decode(blob[:len(blob)-1]); err == nil {
		t.Fatal("expected error for truncated data")
	}
}

func TestStore_MissingTensorListsAvailable(t *testing.T) {
	blob := buildSafetensors(t, map[string]rawTensor{
		"x": {dtype: "F32", shape: []int64{1}, data: float32Bytes([]float32{1})},
	})

	store, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	_, err = store.Tensor("y")
	if err == nil || !strings.Contains(err.Error(), "available: x") {
		t.Fatalf("err = %v; want available list", err)
	}
}
