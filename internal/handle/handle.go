// Package handle implements the Engine Handle: the opaque, serializable
// unit that owns a compiled engine payload together with its binding
// metadata.
package handle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/example/go-engine-bridge/internal/errdefs"
	"github.com/example/go-engine-bridge/internal/tensor"
)

// Handle is immutable after construction. Methods that change a setting
// return a new Handle.
type Handle struct {
	name               string
	device             DeviceInfo
	engine             []byte
	inputNames         []string
	outputNames        []string
	hardwareCompatible bool
	metadata           Metadata
	targetPlatform     string
	reserved           string
}

// Options are the build pipeline's outputs for one engine.
type Options struct {
	Name               string
	Device             DeviceInfo
	Engine             []byte
	InputNames         []string
	OutputNames        []string
	HardwareCompatible bool
	Metadata           Metadata
	// TargetPlatform defaults to HostPlatform().
	TargetPlatform string
	Reserved       string
}

// New validates opts and copies everything it keeps.
func New(opts Options) (*Handle, error) {
	platform := opts.TargetPlatform
	if platform == "" {
		platform = HostPlatform()
	}
	if opts.Device.Device.Type == "" {
		opts.Device.Device.Type = tensor.DeviceCPU
	}
	h := &Handle{
		name:               opts.Name,
		device:             opts.Device,
		engine:             bytes.Clone(opts.Engine),
		inputNames:         slices.Clone(opts.InputNames),
		outputNames:        slices.Clone(opts.OutputNames),
		hardwareCompatible: opts.HardwareCompatible,
		metadata:           opts.Metadata.clone(),
		targetPlatform:     platform,
		reserved:           opts.Reserved,
	}
	if err := h.validate(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handle) validate() error {
	if strings.TrimSpace(h.name) == "" {
		return errdefs.Malformed(FieldNames[NameIdx], "empty engine name")
	}
	if h.device.Signature == "" {
		return errdefs.Malformed(FieldNames[DeviceIdx], "empty device signature")
	}
	if strings.Contains(h.device.Signature, BindingDelim) {
		return errdefs.Malformed(FieldNames[DeviceIdx], "device signature %q contains %q", h.device.Signature, BindingDelim)
	}
	if len(h.engine) == 0 {
		return errdefs.Malformed(FieldNames[EngineIdx], "empty engine payload")
	}
	if err := validateNames(FieldNames[InputNamesIdx], h.inputNames, false); err != nil {
		return err
	}
	if err := validateNames(FieldNames[OutputNamesIdx], h.outputNames, true); err != nil {
		return err
	}
	if strings.TrimSpace(h.targetPlatform) == "" {
		return errdefs.Malformed(FieldNames[TargetPlatformIdx], "empty target platform")
	}
	return h.metadata.validate(h.inputNames, h.outputNames)
}

func validateNames(field string, names []string, required bool) error {
	if required && len(names) == 0 {
		return errdefs.Malformed(field, "at least one binding name is required")
	}
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			return errdefs.Malformed(field, "empty binding name")
		}
		if strings.Contains(n, BindingDelim) {
			return errdefs.Malformed(field, "binding name %q contains %q", n, BindingDelim)
		}
		if _, dup := seen[n]; dup {
			return errdefs.Malformed(field, "duplicate binding name %q", n)
		}
		seen[n] = struct{}{}
	}
	return nil
}

func (h *Handle) Name() string {
	return h.name
}

func (h *Handle) Device() DeviceInfo {
	return h.device
}

// Engine returns the compiled payload. The slice is shared between every
// user of the handle and must be treated as read-only.
func (h *Handle) Engine() []byte {
	return h.engine
}

func (h *Handle) InputNames() []string {
	return slices.Clone(h.inputNames)
}

func (h *Handle) OutputNames() []string {
	return slices.Clone(h.outputNames)
}

func (h *Handle) NumInputs() int {
	return len(h.inputNames)
}

func (h *Handle) NumOutputs() int {
	return len(h.outputNames)
}

func (h *Handle) HardwareCompatible() bool {
	return h.hardwareCompatible
}

func (h *Handle) Metadata() Metadata {
	return h.metadata.clone()
}

func (h *Handle) TargetPlatform() string {
	return h.targetPlatform
}

func (h *Handle) Reserved() string {
	return h.reserved
}

// Digest is the hex sha256 of the engine payload.
func (h *Handle) Digest() string {
	sum := sha256.Sum256(h.engine)
	return hex.EncodeToString(sum[:])
}

func (h *Handle) options() Options {
	return Options{
		Name:               h.name,
		Device:             h.device,
		Engine:             h.engine,
		InputNames:         h.inputNames,
		OutputNames:        h.outputNames,
		HardwareCompatible: h.hardwareCompatible,
		Metadata:           h.metadata,
		TargetPlatform:     h.targetPlatform,
		Reserved:           h.reserved,
	}
}

// WithHardwareCompatible returns a copy with a different compatibility flag.
// The payload is not rebuilt; the runtime decides whether it still loads.
func (h *Handle) WithHardwareCompatible(compatible bool) *Handle {
	opts := h.options()
	opts.HardwareCompatible = compatible
	return mustNew(opts)
}

// WithDevice re-targets the handle to another device of the same signature.
func (h *Handle) WithDevice(device DeviceInfo) (*Handle, error) {
	opts := h.options()
	opts.Device = device
	return New(opts)
}

// WithTargetPlatform returns a copy labeled for another platform.
func (h *Handle) WithTargetPlatform(platform string) (*Handle, error) {
	opts := h.options()
	opts.TargetPlatform = platform
	return New(opts)
}

func mustNew(opts Options) *Handle {
	h, err := New(opts)
	if err != nil {
		panic(fmt.Sprintf("handle: rebuilding a valid handle failed: %v", err))
	}
	return h
}

// Equal compares every field, including the payload byte for byte.
func (h *Handle) Equal(other *Handle) bool {
	if h == nil || other == nil {
		return h == other
	}
	return h.name == other.name &&
		h.device == other.device &&
		bytes.Equal(h.engine, other.engine) &&
		slices.Equal(h.inputNames, other.inputNames) &&
		slices.Equal(h.outputNames, other.outputNames) &&
		h.hardwareCompatible == other.hardwareCompatible &&
		reflect.DeepEqual(h.metadata, other.metadata) &&
		h.targetPlatform == other.targetPlatform &&
		h.reserved == other.reserved
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s (%s, inputs %v, outputs %v, %s, hardware_compatible=%t, %s)",
		h.name,
		humanize.Bytes(uint64(len(h.engine))),
		h.inputNames,
		h.outputNames,
		h.device.Device,
		h.hardwareCompatible,
		h.targetPlatform,
	)
}
