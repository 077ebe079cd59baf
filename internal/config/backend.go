package config

import (
	"fmt"
	"strings"
)

const (
	// BackendONNX runs inference in-process through the ORT FFI bridge.
	BackendONNX = "onnx"
	// BackendCLI shells out to an external pocket-tts executable per chunk.
	BackendCLI = "cli"
)

// backendLegacyAliases maps pre-FFI backend names to BackendONNX, so existing
// config files that still say "native" or "native-onnx" keep working.
var backendLegacyAliases = map[string]string{
	"native":      BackendONNX,
	"native-onnx": BackendONNX,
}

func NormalizeBackend(raw string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(raw))
	if backend == "" {
		backend = BackendONNX
	}
	switch backend {
	case BackendONNX, BackendCLI:
		return backend, nil
	default:
		if alias, ok := backendLegacyAliases[backend]; ok {
			return alias, nil
		}
		return "", fmt.Errorf("invalid backend %q (expected %s|%s)", raw, BackendONNX, BackendCLI)
	}
}
