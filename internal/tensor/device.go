package tensor

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Device identifies where tensor storage lives.
type Device struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

var CPU = Device{Type: DeviceCPU}

// ParseDevice accepts "cpu", "cpu:0", "cuda:1". An empty string is the CPU.
func ParseDevice(raw string) (Device, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return CPU, nil
	}
	kind, idx, hasIdx := strings.Cut(s, ":")
	d := Device{Type: kind}
	if hasIdx {
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("invalid device index in %q", raw)
		}
		d.Index = n
	}
	switch d.Type {
	case DeviceCPU, DeviceCUDA:
		return d, nil
	default:
		return Device{}, fmt.Errorf("unsupported device type %q", kind)
	}
}

func (d Device) String() string {
	kind := d.Type
	if kind == "" {
		kind = DeviceCPU
	}
	return kind + ":" + strconv.Itoa(d.Index)
}

// Equal treats the zero Device as cpu:0.
func (d Device) Equal(other Device) bool {
	return d.normalized() == other.normalized()
}

func (d Device) normalized() Device {
	if d.Type == "" {
		d.Type = DeviceCPU
	}
	return d
}
