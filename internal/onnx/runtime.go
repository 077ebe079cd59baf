package onnx

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hearthframe/voxrt/internal/config"
	"github.com/hearthframe/voxrt/internal/ortffi"
)

type RuntimeInfo struct {
	LibraryPath string
	Version     string
	Initialized bool
}

var (
	bootstrapOnce sync.Once
	bootstrapInfo RuntimeInfo
	errBootstrap  error
	shutdownFlag  atomic.Bool
)

// Bootstrap locates the native tensor runtime library once per process and
// records it for downstream session creation (internal/ortffi.New takes the
// resolved path directly).
func Bootstrap(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	bootstrapOnce.Do(func() {
		info, err := DetectRuntime(cfg)
		if err != nil {
			errBootstrap = err
			return
		}

		err = os.Setenv("VOXRT_ORT_LIB", info.LibraryPath)
		if err != nil {
			errBootstrap = fmt.Errorf("set VOXRT_ORT_LIB: %w", err)
			return
		}

		bootstrapInfo = info
		bootstrapInfo.Initialized = true
	})

	if errBootstrap != nil {
		return RuntimeInfo{}, errBootstrap
	}

	return bootstrapInfo, nil
}

// Shutdown marks the process-wide bootstrap state as torn down. Individual
// Runner/Runtime handles are released independently via their own Close.
func Shutdown() error {
	if !bootstrapInfo.Initialized {
		return nil
	}

	if shutdownFlag.Swap(true) {
		return nil
	}

	bootstrapInfo.Initialized = false

	return nil
}

// DetectRuntime resolves the native tensor runtime library path and version,
// delegating to internal/ortffi's resolution order (explicit > env > well
// known locations).
func DetectRuntime(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	info, err := ortffi.DetectLibrary(cfg.ORTLibraryPath, cfg.ORTVersion)
	if err != nil {
		return RuntimeInfo{LibraryPath: "not found", Version: "unknown"}, err
	}

	version := info.Version
	if version == "" {
		version = "unknown"
	}

	return RuntimeInfo{LibraryPath: info.Path, Version: version}, nil
}
