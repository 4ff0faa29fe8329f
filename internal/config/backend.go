package config

import (
	"fmt"
	"strings"
)

const (
	BackendAuto = "auto"
	BackendPlan = "plan"
	BackendORT  = "ort"
)

func NormalizeBackend(raw string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(raw))
	if backend == "" {
		backend = BackendAuto
	}
	switch backend {
	case BackendAuto, BackendPlan, BackendORT:
		return backend, nil
	case "onnx", "onnxruntime":
		return BackendORT, nil
	default:
		return "", fmt.Errorf(
			"invalid backend %q (expected %s|%s|%s)",
			raw,
			BackendAuto,
			BackendPlan,
			BackendORT,
		)
	}
}
