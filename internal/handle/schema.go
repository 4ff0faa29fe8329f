package handle

import (
	"runtime"
)

// SchemaVersion is the only flat-field layout this build understands.
const SchemaVersion = "1"

// Positions of the fields in the flat serialized form.
const (
	ABIVersionIdx = iota
	NameIdx
	DeviceIdx
	EngineIdx
	InputNamesIdx
	OutputNamesIdx
	HardwareCompatibleIdx
	MetadataIdx
	TargetPlatformIdx
	ReservedIdx
	SerializationLen
)

// BindingDelim joins several binding names into one field.
const BindingDelim = "%"

// FieldNames are the keys used in the flattened (export) form, by position.
var FieldNames = [SerializationLen]string{
	ABIVersionIdx:         "abi_version",
	NameIdx:               "name",
	DeviceIdx:             "device",
	EngineIdx:             "serialized_engine",
	InputNamesIdx:         "in_binding_names",
	OutputNamesIdx:        "out_binding_names",
	HardwareCompatibleIdx: "hardware_compatible",
	MetadataIdx:           "serialized_metadata",
	TargetPlatformIdx:     "target_platform",
	ReservedIdx:           "reserved",
}

// HostPlatform names the platform this process runs on, in the form recorded
// by TargetPlatform (e.g. linux_x86_64).
func HostPlatform() string {
	return PlatformName(runtime.GOOS, runtime.GOARCH)
}

func PlatformName(goos, goarch string) string {
	arch := goarch
	switch goarch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	}
	return goos + "_" + arch
}
