//go:build (js && wasm) || windows

package ort

import (
	"github.com/pkg/errors"

	"github.com/example/go-engine-bridge/internal/errdefs"
	"github.com/example/go-engine-bridge/internal/runtime"
)

// Runtime is unavailable on this platform; every Deserialize fails.
type Runtime struct {
	tracker *runtime.Tracker
}

func New(cfg runtime.Config) *Runtime {
	return &Runtime{tracker: cfg.WithDefaults().Tracker}
}

func (r *Runtime) Deserialize(_ []byte, opts runtime.DeserializeOptions) (runtime.Engine, error) {
	return nil, &errdefs.EngineDeserializationError{
		Engine:             opts.Name,
		HardwareCompatible: opts.HardwareCompatible,
		TargetPlatform:     opts.TargetPlatform,
		Cause:              errors.New("native onnx runtime is unavailable on this platform"),
	}
}

func (r *Runtime) Close() error { return nil }
