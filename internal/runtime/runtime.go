// Package runtime defines the contract between the bridge and the
// accelerated-engine runtimes that can load a compiled payload.
package runtime

import (
	"context"

	"github.com/example/go-engine-bridge/internal/handle"
	"github.com/example/go-engine-bridge/internal/tensor"
)

// DeserializeOptions carries the build settings recorded in the handle.
type DeserializeOptions struct {
	Name               string
	Device             handle.DeviceInfo
	HardwareCompatible bool
	TargetPlatform     string
	InputNames         []string
	OutputNames        []string
}

// OptionsFor extracts DeserializeOptions from a handle.
func OptionsFor(h *handle.Handle) DeserializeOptions {
	return DeserializeOptions{
		Name:               h.Name(),
		Device:             h.Device(),
		HardwareCompatible: h.HardwareCompatible(),
		TargetPlatform:     h.TargetPlatform(),
		InputNames:         h.InputNames(),
		OutputNames:        h.OutputNames(),
	}
}

// Runtime turns a payload into a runnable Engine.
type Runtime interface {
	Name() string
	// Accepts reports whether payload looks like this runtime's format.
	Accepts(payload []byte) bool
	// Deserialize must not retain or modify payload beyond the returned
	// Engine's lifetime.
	Deserialize(payload []byte, opts DeserializeOptions) (Engine, error)
}

// Engine is a deserialized, device-resident engine. It is immutable and safe
// for concurrent CreateExecutionContext calls.
type Engine interface {
	InputNames() []string
	OutputNames() []string
	CreateExecutionContext() (ExecutionContext, error)
	Close() error
}

// ExecutionContext holds per-invocation binding state. It must not be shared
// between goroutines.
type ExecutionContext interface {
	// SetInputShape binds the runtime shape of a named input.
	SetInputShape(name string, shape []int64) error
	// OutputShape reports a named output's shape after binding. A nil shape
	// with a nil error means the size is only known after Execute.
	OutputShape(name string) ([]int64, error)
	Execute(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)
	Close() error
}

// Tracked is implemented by runtimes that account for device resources.
type Tracked interface {
	Tracker() *Tracker
}
