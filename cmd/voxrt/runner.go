package main

import (
	"fmt"

	"github.com/hearthframe/voxrt/internal/config"
	"github.com/hearthframe/voxrt/internal/onnx"
)

// resolveRunnerConfig builds an onnx.RunnerConfig for the configured ORT
// library, auto-detecting it when the user hasn't pinned a path.
func resolveRunnerConfig(cfg config.Config) (onnx.RunnerConfig, error) {
	rcfg := onnx.RunnerConfig{
		LibraryPath: cfg.Runtime.ORTLibraryPath,
		APIVersion:  17,
	}

	if rcfg.LibraryPath == "" {
		info, err := onnx.DetectRuntime(cfg.Runtime)
		if err != nil {
			return onnx.RunnerConfig{}, fmt.Errorf("detect ORT runtime: %w", err)
		}

		rcfg.LibraryPath = info.LibraryPath
	}

	return rcfg, nil
}
