// Package ort loads ONNX model payloads through ONNX Runtime. It is the
// backend for engines that were exported as ONNX graphs rather than as
// compiled plans.
package ort

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"

	"github.com/example/go-engine-bridge/internal/runtime"
)

// Name is the backend name ONNX payloads register under.
const Name = "ort"

// DefaultAPIVersion is the ORT C API version requested when none is set.
const DefaultAPIVersion uint32 = 23

// LibraryEnv overrides the ONNX Runtime shared library location.
const LibraryEnv = "ENGINEBRIDGE_ORT_LIB"

func init() {
	runtime.Register(Name, func(cfg runtime.Config) (runtime.Runtime, error) {
		return New(cfg), nil
	})
}

// Library describes a located ONNX Runtime shared library.
type Library struct {
	Path    string
	Version string
}

var versionPattern = regexp.MustCompile(`([0-9]+\.[0-9]+\.[0-9]+)`)

var libraryCandidates = []string{
	"/usr/lib/libonnxruntime.so",
	"/usr/local/lib/libonnxruntime.so",
	"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	"/opt/homebrew/lib/libonnxruntime.dylib",
	"C:/onnxruntime/lib/onnxruntime.dll",
}

// DetectLibrary resolves the library path from explicit, then LibraryEnv,
// then ORT_LIBRARY_PATH, then well-known install locations.
func DetectLibrary(explicit string) (Library, error) {
	path := explicit
	if path == "" {
		path = os.Getenv(LibraryEnv)
	}
	if path == "" {
		path = os.Getenv("ORT_LIBRARY_PATH")
	}
	if path == "" {
		for _, c := range libraryCandidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}
	if path == "" {
		return Library{Path: "not found", Version: "unknown"}, errors.New("unable to detect ONNX Runtime library path")
	}
	if _, err := os.Stat(path); err != nil {
		return Library{Path: path, Version: "unknown"}, errors.Wrap(err, "onnx runtime library path check failed")
	}
	version := os.Getenv("ORT_VERSION")
	if version == "" {
		version = inferVersionFromPath(path)
	}
	if version == "" {
		version = "unknown"
	}
	return Library{Path: path, Version: version}, nil
}

func inferVersionFromPath(path string) string {
	if m := versionPattern.FindStringSubmatch(filepath.Base(path)); len(m) == 2 {
		return m[1]
	}
	return ""
}

// Accepts recognizes a serialized ONNX ModelProto: field 1 (ir_version)
// encoded as a varint comes first in every exporter's output.
func (r *Runtime) Accepts(payload []byte) bool {
	return len(payload) > 1 && payload[0] == 0x08
}

func (r *Runtime) Name() string { return Name }

func (r *Runtime) Tracker() *runtime.Tracker { return r.tracker }

var (
	_ runtime.Runtime = (*Runtime)(nil)
	_ runtime.Tracked = (*Runtime)(nil)
)
