package handle

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/example/go-engine-bridge/internal/errdefs"
)

// Field is one (name, value) pair of the flattened export form.
type Field struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Construct builds a handle from the positional field list produced by
// Serialize. The engine field may be raw bytes or base64 text.
func Construct(info []any) (*Handle, error) {
	if len(info) != SerializationLen {
		return nil, errdefs.Malformed("", "expected %d fields, got %d", SerializationLen, len(info))
	}

	version, err := stringField(info, ABIVersionIdx)
	if err != nil {
		return nil, err
	}
	if version != SchemaVersion {
		return nil, errdefs.Malformed(FieldNames[ABIVersionIdx], "unsupported schema version %q (want %q)", version, SchemaVersion)
	}

	name, err := stringField(info, NameIdx)
	if err != nil {
		return nil, err
	}

	rawDevice, err := stringField(info, DeviceIdx)
	if err != nil {
		return nil, err
	}
	device, err := ParseDeviceInfo(rawDevice)
	if err != nil {
		return nil, err
	}

	engine, err := engineField(info[EngineIdx])
	if err != nil {
		return nil, err
	}

	inputs, err := namesField(info[InputNamesIdx], InputNamesIdx)
	if err != nil {
		return nil, err
	}
	outputs, err := namesField(info[OutputNamesIdx], OutputNamesIdx)
	if err != nil {
		return nil, err
	}

	hwCompatible, err := flagField(unwrapSingle(info[HardwareCompatibleIdx]))
	if err != nil {
		return nil, err
	}

	rawMeta, err := stringField(info, MetadataIdx)
	if err != nil {
		return nil, err
	}
	meta, err := decodeMetadata(rawMeta)
	if err != nil {
		return nil, err
	}

	platform, err := stringField(info, TargetPlatformIdx)
	if err != nil {
		return nil, err
	}
	reserved, err := stringField(info, ReservedIdx)
	if err != nil {
		return nil, err
	}

	return New(Options{
		Name:               name,
		Device:             device,
		Engine:             engine,
		InputNames:         inputs,
		OutputNames:        outputs,
		HardwareCompatible: hwCompatible,
		Metadata:           meta,
		TargetPlatform:     platform,
		Reserved:           reserved,
	})
}

// Serialize is the inverse of Construct. The engine payload is copied.
func Serialize(h *Handle) []any {
	info := make([]any, SerializationLen)
	info[ABIVersionIdx] = SchemaVersion
	info[NameIdx] = h.name
	info[DeviceIdx] = h.device.String()
	info[EngineIdx] = append([]byte(nil), h.engine...)
	info[InputNamesIdx] = strings.Join(h.inputNames, BindingDelim)
	info[OutputNamesIdx] = strings.Join(h.outputNames, BindingDelim)
	info[HardwareCompatibleIdx] = flagString(h.hardwareCompatible)
	info[MetadataIdx] = encodeMetadata(h.metadata)
	info[TargetPlatformIdx] = h.targetPlatform
	info[ReservedIdx] = h.reserved
	return info
}

// Flatten returns the transport form: named fields, engine as base64.
func Flatten(h *Handle) []Field {
	info := Serialize(h)
	info[EngineIdx] = base64.StdEncoding.EncodeToString(h.engine)
	fields := make([]Field, SerializationLen)
	for i, v := range info {
		fields[i] = Field{Name: FieldNames[i], Value: v}
	}
	return fields
}

// Deserialize rebuilds a handle from flattened fields as they come back from
// an export format. It unwraps single-element sequences, coerces numeric and
// boolean flags, and decodes a base64 engine.
func Deserialize(fields []Field) (*Handle, error) {
	if len(fields) != SerializationLen {
		return nil, errdefs.Malformed("", "expected %d flattened fields, got %d", SerializationLen, len(fields))
	}
	info := make([]any, SerializationLen)
	for i, f := range fields {
		if f.Name != "" && f.Name != FieldNames[i] {
			return nil, errdefs.Malformed(FieldNames[i], "field %d is named %q", i, f.Name)
		}
		v := f.Value
		switch i {
		case InputNamesIdx, OutputNamesIdx, EngineIdx:
			// Sequences are handled by the field decoders.
		default:
			v = unwrapSingle(v)
		}
		info[i] = v
	}
	return Construct(info)
}

// MarshalJSON writes the flattened form.
func (h *Handle) MarshalJSON() ([]byte, error) {
	return json.Marshal(Flatten(h))
}

func (h *Handle) UnmarshalJSON(data []byte) error {
	var fields []Field
	if err := json.Unmarshal(data, &fields); err != nil {
		return errdefs.Malformed("", "decode flattened handle: %v", err)
	}
	decoded, err := Deserialize(fields)
	if err != nil {
		return err
	}
	*h = *decoded
	return nil
}

func stringField(info []any, idx int) (string, error) {
	switch v := unwrapSingle(info[idx]).(type) {
	case string:
		return v, nil
	case nil:
		if idx == MetadataIdx || idx == ReservedIdx {
			return "", nil
		}
	}
	return "", errdefs.Malformed(FieldNames[idx], "expected string, got %T", info[idx])
}

func engineField(v any) ([]byte, error) {
	field := FieldNames[EngineIdx]
	switch e := unwrapSingle(v).(type) {
	case []byte:
		return e, nil
	case string:
		raw, err := base64.StdEncoding.DecodeString(e)
		if err != nil {
			return nil, errdefs.Malformed(field, "invalid base64: %v", err)
		}
		return raw, nil
	default:
		return nil, errdefs.Malformed(field, "expected bytes or base64 string, got %T", v)
	}
}

// namesField accepts a delimiter-joined string or a sequence of strings, each
// of which may itself be joined.
func namesField(v any, idx int) ([]string, error) {
	var parts []string
	switch n := v.(type) {
	case string:
		parts = []string{n}
	case []string:
		parts = n
	case []any:
		parts = make([]string, len(n))
		for i, item := range n {
			s, ok := item.(string)
			if !ok {
				return nil, errdefs.Malformed(FieldNames[idx], "element %d is %T, want string", i, item)
			}
			parts[i] = s
		}
	default:
		return nil, errdefs.Malformed(FieldNames[idx], "expected string or string sequence, got %T", v)
	}

	var names []string
	for _, p := range parts {
		if p == "" {
			continue
		}
		names = append(names, strings.Split(p, BindingDelim)...)
	}
	return names, nil
}

// flagField accepts "0"/"1", 0/1 in any numeric type, or a bool.
func flagField(v any) (bool, error) {
	field := FieldNames[HardwareCompatibleIdx]
	switch f := v.(type) {
	case bool:
		return f, nil
	case string:
		switch strings.TrimSpace(f) {
		case "0":
			return false, nil
		case "1":
			return true, nil
		}
		return false, errdefs.Malformed(field, "unrecognized value %q", f)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		rv := reflect.ValueOf(f)
		if rv.CanInt() {
			return intFlag(rv.Int())
		}
		if u := rv.Uint(); u <= 1 {
			return intFlag(int64(u))
		}
		return false, errdefs.Malformed(field, "unrecognized value %v", f)
	case float32:
		return floatFlag(float64(f))
	case float64:
		return floatFlag(f)
	case json.Number:
		n, err := f.Float64()
		if err != nil {
			return false, errdefs.Malformed(field, "unrecognized value %q", f.String())
		}
		return floatFlag(n)
	default:
		return false, errdefs.Malformed(field, "unrecognized value of type %T", v)
	}
}

func floatFlag(f float64) (bool, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return false, errdefs.Malformed(FieldNames[HardwareCompatibleIdx], "unrecognized value %v", f)
	}
	return intFlag(int64(f))
}

func intFlag(n int64) (bool, error) {
	switch n {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, errdefs.Malformed(FieldNames[HardwareCompatibleIdx], "unrecognized value %d", n)
	}
}

func flagString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func unwrapSingle(v any) any {
	switch s := v.(type) {
	case []any:
		if len(s) == 1 {
			return s[0]
		}
	case []string:
		if len(s) == 1 {
			return s[0]
		}
	}
	return v
}

// FieldsString renders flattened fields for diagnostics, eliding the payload.
func FieldsString(fields []Field) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteString(", ")
		}
		if i == EngineIdx {
			if s, ok := f.Value.(string); ok {
				fmt.Fprintf(&b, "%s=<%d base64 chars>", f.Name, len(s))
				continue
			}
		}
		fmt.Fprintf(&b, "%s=%v", f.Name, f.Value)
	}
	return b.String()
}
