package plan

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/example/go-engine-bridge/internal/handle"
	"github.com/example/go-engine-bridge/internal/runtime"
	"github.com/example/go-engine-bridge/internal/tensor"
)

// BuildConfig mirrors the knobs of an engine build.
type BuildConfig struct {
	HardwareCompatible bool
	// DeviceSignature defaults to runtime.DefaultDeviceSignature.
	DeviceSignature string
	// TargetPlatform defaults to handle.HostPlatform(). Setting a different
	// platform cross-compiles: the plan only loads on that platform.
	TargetPlatform string
}

func (c BuildConfig) withDefaults() BuildConfig {
	if c.DeviceSignature == "" {
		c.DeviceSignature = runtime.DefaultDeviceSignature
	}
	if c.TargetPlatform == "" {
		c.TargetPlatform = handle.HostPlatform()
	}
	return c
}

// Build validates net and serializes it into a plan payload.
func Build(net Network, cfg BuildConfig) ([]byte, error) {
	if err := net.Validate(); err != nil {
		return nil, errors.Wrap(err, "build plan")
	}
	cfg = cfg.withDefaults()
	return encode(compiled{
		version:            FormatVersion,
		hardwareCompatible: cfg.HardwareCompatible,
		platform:           cfg.TargetPlatform,
		signature:          cfg.DeviceSignature,
		network:            net,
	})
}

// Metadata derives the handle's shape metadata for net: input profiles and
// each output's dims expressed as statics or references to input axes.
func Metadata(net Network) (handle.Metadata, error) {
	if err := net.Validate(); err != nil {
		return handle.Metadata{}, err
	}
	dims := make(map[string][]handle.DimSpec, len(net.Inputs)+len(net.Layers))
	md := handle.Metadata{}
	for _, in := range net.Inputs {
		md.Inputs = append(md.Inputs, handle.InputSpec{
			Name:  in.Name,
			DType: tensor.Float32,
			Min:   slices.Clone(in.Min),
			Max:   slices.Clone(in.Max),
		})
		spec := make([]handle.DimSpec, len(in.Min))
		for axis := range in.Min {
			if in.Min[axis] == in.Max[axis] {
				spec[axis] = handle.StaticDim(in.Min[axis])
			} else {
				spec[axis] = handle.InputDim(in.Name, axis)
			}
		}
		dims[in.Name] = spec
	}
	for _, l := range net.Layers {
		src := dims[l.Inputs[0]]
		var out []handle.DimSpec
		switch l.Op {
		case OpReduceSum:
			out = slices.Delete(slices.Clone(src), l.Axis, l.Axis+1)
		case OpTranspose:
			out = slices.Clone(src)
			n := len(out)
			out[n-2], out[n-1] = out[n-1], out[n-2]
		default:
			out = slices.Clone(src)
		}
		dims[l.Output] = out
	}
	for _, name := range net.Outputs {
		md.Outputs = append(md.Outputs, handle.OutputSpec{
			Name:  name,
			DType: tensor.Float32,
			Shape: dims[name],
		})
	}
	return md, nil
}

// BuildHandle builds net and wraps the plan in a handle named name.
func BuildHandle(name string, net Network, cfg BuildConfig) (*handle.Handle, error) {
	cfg = cfg.withDefaults()
	payload, err := Build(net, cfg)
	if err != nil {
		return nil, err
	}
	md, err := Metadata(net)
	if err != nil {
		return nil, err
	}
	return handle.New(handle.Options{
		Name:               name,
		Device:             handle.DeviceInfo{Device: tensor.CPU, Signature: cfg.DeviceSignature},
		Engine:             payload,
		InputNames:         net.InputNames(),
		OutputNames:        slices.Clone(net.Outputs),
		HardwareCompatible: cfg.HardwareCompatible,
		Metadata:           md,
		TargetPlatform:     cfg.TargetPlatform,
	})
}
