package handle

import (
	"strconv"
	"strings"

	"github.com/example/go-engine-bridge/internal/errdefs"
	"github.com/example/go-engine-bridge/internal/tensor"
)

// DeviceInfo records the device an engine was built for. Signature
// identifies the hardware model as "family/model"; hardware-compatible
// engines only require the family to match.
type DeviceInfo struct {
	Device    tensor.Device
	Signature string
}

// Family is the part of Signature before the first '/'.
func (d DeviceInfo) Family() string {
	family, _, _ := strings.Cut(d.Signature, "/")
	return family
}

func (d DeviceInfo) String() string {
	return strings.Join([]string{
		strconv.Itoa(d.Device.Index),
		deviceType(d.Device),
		d.Signature,
	}, BindingDelim)
}

// ParseDeviceInfo parses the "index%type%signature" field form.
func ParseDeviceInfo(raw string) (DeviceInfo, error) {
	parts := strings.Split(raw, BindingDelim)
	if len(parts) != 3 {
		return DeviceInfo{}, errdefs.Malformed(FieldNames[DeviceIdx], "expected index%%type%%signature, got %q", raw)
	}
	idx, err := strconv.Atoi(parts[0])
	if err != nil || idx < 0 {
		return DeviceInfo{}, errdefs.Malformed(FieldNames[DeviceIdx], "invalid device index %q", parts[0])
	}
	dev, err := tensor.ParseDevice(parts[1])
	if err != nil {
		return DeviceInfo{}, errdefs.Malformed(FieldNames[DeviceIdx], "%v", err)
	}
	dev.Index = idx
	if parts[2] == "" {
		return DeviceInfo{}, errdefs.Malformed(FieldNames[DeviceIdx], "empty device signature")
	}
	return DeviceInfo{Device: dev, Signature: parts[2]}, nil
}

func deviceType(d tensor.Device) string {
	if d.Type == "" {
		return tensor.DeviceCPU
	}
	return d.Type
}
