package ortffi

import (
	"fmt"
	"sync/atomic"

	"github.com/ebitengine/purego"
	"github.com/hearthframe/voxrt/internal/voxerr"
)

// Executor selects the execution provider a Session runs on.
type Executor struct {
	kind     executorKind
	deviceID int
}

type executorKind int

const (
	executorCPU executorKind = iota
	executorCUDA
)

// CPU is the default, always-available execution provider.
var CPU = Executor{kind: executorCPU}

// CUDA selects the CUDA execution provider on the given device.
func CUDA(deviceID int) Executor {
	return Executor{kind: executorCUDA, deviceID: deviceID}
}

// OptimizationLevel mirrors the native runtime's graph optimization levels.
type OptimizationLevel int32

const (
	OptDisabled OptimizationLevel = iota
	OptBasic
	OptExtended
	OptAll
)

// Runtime is a reference-counted handle to the native tensor library; every
// New call loads its own handle, none is shared process-wide. Sessions and
// Values borrow it; it is only unloaded after every dependent has been
// released (spec 3: "Runtime handle").
type Runtime struct {
	lib      uintptr
	api      *apiTable
	env      uintptr
	refCount int64
}

// New loads the native tensor library at libPath and requests apiVersion from
// OrtApiBase.GetApi. A version the library does not support is fatal — this
// is the one place voxrt panics instead of returning an error, matching spec
// 4.A ("Fatal on version mismatch").
func New(libPath string, apiVersion uint32) (*Runtime, error) {
	lib, err := purego.Dlopen(libPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, voxerr.Wrapf(voxerr.NativeRuntime, err, "dlopen %q", libPath)
	}

	var getAPIBase func() uintptr
	purego.RegisterLibFunc(&getAPIBase, lib, "OrtGetApiBase")

	apiBasePtr := getAPIBase()
	if apiBasePtr == 0 {
		return nil, voxerr.New(voxerr.NativeRuntime, "OrtGetApiBase returned null")
	}

	// OrtApiBase{ GetApi(uint32) -> *OrtApi; GetVersionString() -> *char }.
	getAPI := *(*uintptr)(unsafeOffset(apiBasePtr, 0))

	apiPtr, _, _ := purego.SyscallN(getAPI, uintptr(apiVersion))
	if apiPtr == 0 {
		panic(fmt.Sprintf("ortffi: native runtime does not support requested API version %d", apiVersion))
	}

	table := loadAPITable(unsafePointerFrom(apiPtr))

	envNamePtr := cString("voxrt")

	var envPtr uintptr

	statusPtr, _, _ := purego.SyscallN(
		table.fn(idxCreateEnv),
		uintptr(logLevelWarning),
		envNamePtr,
		uintptr(unsafePointerFromPtr(&envPtr)),
	)

	if err := table.checkStatus(statusPtr); err != nil {
		return nil, voxerr.Wrap(voxerr.NativeRuntime, "create env", err)
	}

	return &Runtime{lib: lib, api: table, env: envPtr, refCount: 0}, nil
}

// acquire increments the dependent count. Called by NewSession/NewValue paths
// that must keep the runtime alive.
func (r *Runtime) acquire() { atomic.AddInt64(&r.refCount, 1) }

// release decrements the dependent count. The runtime itself is closed
// explicitly by the owner (Close), which refuses to unload while this count
// is above zero; the counter never unloads the library by itself.
func (r *Runtime) release() { atomic.AddInt64(&r.refCount, -1) }

// InUse reports whether any session or value still references this runtime.
func (r *Runtime) InUse() bool { return atomic.LoadInt64(&r.refCount) > 0 }

// Close releases the logging environment and unloads the native library.
// While any Session or Value created from this Runtime is still open it
// returns an error and leaves the library loaded.
func (r *Runtime) Close() error {
	if r == nil || r.lib == 0 {
		return nil
	}

	if r.InUse() {
		return voxerr.New(voxerr.NativeRuntime, "runtime still has open sessions or values")
	}

	if r.env != 0 {
		purego.SyscallN(r.api.fn(idxReleaseEnv), r.env)
		r.env = 0
	}

	err := purego.Dlclose(r.lib)
	r.lib = 0

	if err != nil {
		return voxerr.Wrap(voxerr.NativeRuntime, "dlclose", err)
	}

	return nil
}

type logLevel int32

const (
	logLevelVerbose logLevel = iota
	logLevelInfo
	logLevelWarning
	logLevelError
	logLevelFatal
)
