// Package errdefs defines the error kinds surfaced by the engine bridge.
//
// Every kind is fatal at this layer: nothing retries. Callers match kinds
// with errors.Is against the sentinels and pull details with errors.As.
package errdefs

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/example/go-engine-bridge/internal/tensor"
)

var (
	// ErrMalformedHandle marks a corrupted or schema-incompatible engine handle.
	ErrMalformedHandle = errors.New("malformed engine handle")
	// ErrEngineDeserialization marks a payload the runtime cannot load here.
	ErrEngineDeserialization = errors.New("engine deserialization failed")
	// ErrShapeBinding marks inputs outside the engine's supported profile.
	// The handle stays usable.
	ErrShapeBinding = errors.New("shape binding failed")
	// ErrDeviceMismatch marks inputs that live on the wrong device.
	ErrDeviceMismatch = errors.New("device mismatch")
)

type MalformedHandleError struct {
	Field  string
	Reason string
}

func Malformed(field, format string, args ...any) error {
	return &MalformedHandleError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *MalformedHandleError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed engine handle: %s", e.Reason)
	}
	return fmt.Sprintf("malformed engine handle: field %s: %s", e.Field, e.Reason)
}

func (e *MalformedHandleError) Is(target error) bool {
	return target == ErrMalformedHandle
}

// EngineDeserializationError carries enough of the handle's build settings
// for the caller to decide whether to recompile.
type EngineDeserializationError struct {
	Engine             string
	HardwareCompatible bool
	TargetPlatform     string
	Cause              error
}

func (e *EngineDeserializationError) Error() string {
	return fmt.Sprintf("deserialize engine %q (hardware_compatible=%t, target_platform=%s): %v",
		e.Engine, e.HardwareCompatible, e.TargetPlatform, e.Cause)
}

func (e *EngineDeserializationError) Is(target error) bool {
	return target == ErrEngineDeserialization
}

func (e *EngineDeserializationError) Unwrap() error {
	return e.Cause
}

type ShapeBindingError struct {
	Engine string
	Input  string
	Shape  []int64
	Min    []int64
	Max    []int64
	Reason string
}

func (e *ShapeBindingError) Error() string {
	var b strings.Builder
	b.WriteString("shape binding failed")
	if e.Engine != "" {
		fmt.Fprintf(&b, " for engine %q", e.Engine)
	}
	if e.Input != "" {
		fmt.Fprintf(&b, " input %q", e.Input)
	}
	if e.Shape != nil {
		fmt.Fprintf(&b, " shape %v", e.Shape)
	}
	if e.Min != nil || e.Max != nil {
		fmt.Fprintf(&b, " (profile min %v max %v)", e.Min, e.Max)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func (e *ShapeBindingError) Is(target error) bool {
	return target == ErrShapeBinding
}

// DeviceMismatchError is a caller error: move the tensor with Tensor.To and
// retry.
type DeviceMismatchError struct {
	Engine string
	Input  string
	Got    tensor.Device
	Want   tensor.Device
}

func (e *DeviceMismatchError) Error() string {
	return fmt.Sprintf("engine %q input %q is on %s, engine runs on %s", e.Engine, e.Input, e.Got, e.Want)
}

func (e *DeviceMismatchError) Is(target error) bool {
	return target == ErrDeviceMismatch
}

func IsMalformedHandle(err error) bool {
	return errors.Is(err, ErrMalformedHandle)
}

func IsEngineDeserialization(err error) bool {
	return errors.Is(err, ErrEngineDeserialization)
}

func IsShapeBinding(err error) bool {
	return errors.Is(err, ErrShapeBinding)
}

func IsDeviceMismatch(err error) bool {
	return errors.Is(err, ErrDeviceMismatch)
}
