package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/x448/float16"

	"github.com/example/go-engine-bridge/internal/tensor"
)

// Encode serializes tensors by name. Entries are laid out in name order so
// the output is deterministic. metadata may be nil.
func Encode(tensors map[string]*tensor.Tensor, metadata map[string]string) ([]byte, error) {
	if len(tensors) == 0 {
		return nil, errors.New("safetensors: no tensors to encode")
	}

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if strings.TrimSpace(name) == "" || name == metadataKey {
			return nil, fmt.Errorf("safetensors: invalid tensor name %q", name)
		}

		names = append(names, name)
	}

	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var raw []byte

	for _, name := range names {
		t := tensors[name]
		if t == nil {
			return nil, fmt.Errorf("safetensors: tensor %q is nil", name)
		}

		dtype, err := safetensorsDType(t.DType())
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		start := len(raw)
		raw = appendTensorData(raw, t)

		header[name] = storeHeaderEntry{
			DType:   dtype,
			Shape:   t.Shape(),
			Offsets: [2]int{start, len(raw)},
		}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: encode header: %w", err)
	}

	out := make([]byte, 8, 8+len(headerJSON)+len(raw))
	binary.LittleEndian.PutUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	out = append(out, raw...)

	return out, nil
}

// Write encodes tensors to w.
func Write(w io.Writer, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	data, err := Encode(tensors, metadata)
	if err != nil {
		return err
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("safetensors: write: %w", err)
	}

	return nil
}

func safetensorsDType(d tensor.DType) (string, error) {
	switch d {
	case tensor.Float32:
		return dtypeF32, nil
	case tensor.Float16:
		return dtypeF16, nil
	case tensor.Int32:
		return dtypeI32, nil
	case tensor.Int64:
		return dtypeI64, nil
	default:
		return "", fmt.Errorf("unsupported dtype %q", d)
	}
}

func appendTensorData(raw []byte, t *tensor.Tensor) []byte {
	switch v := t.Data().(type) {
	case []float32:
		for _, x := range v {
			raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(x))
		}
	case []float16.Float16:
		for _, x := range v {
			raw = binary.LittleEndian.AppendUint16(raw, x.Bits())
		}
	case []int32:
		for _, x := range v {
			raw = binary.LittleEndian.AppendUint32(raw, uint32(x))
		}
	case []int64:
		for _, x := range v {
			raw = binary.LittleEndian.AppendUint64(raw, uint64(x))
		}
	}

	return raw
}
