package ortffi

import (
	"runtime"

	"github.com/ebitengine/purego"
	"github.com/hearthframe/voxrt/internal/voxerr"
)

// Session is an opaque handle owning a loaded neural graph plus its execution
// plan for a chosen execution provider. It borrows its Runtime and must be
// closed before the Runtime is closed (spec 3: "Model session").
type Session struct {
	rt      *Runtime
	handle  uintptr
	opts    uintptr
	inputs  int
	outputs int
}

// CreateSession loads path as a graph on the given executor.
func (r *Runtime) CreateSession(executor Executor, level OptimizationLevel, threads int, path string) (*Session, error) {
	var optsPtr uintptr

	status, _, _ := purego.SyscallN(r.api.fn(idxCreateSessionOptions), uintptr(unsafePointerFromPtr(&optsPtr)))
	if err := r.api.checkStatus(status); err != nil {
		return nil, voxerr.Wrap(voxerr.NativeRuntime, "create session options", err)
	}

	status, _, _ = purego.SyscallN(r.api.fn(idxSetSessionGraphOptimizationLevel), optsPtr, uintptr(level))
	if err := r.api.checkStatus(status); err != nil {
		purego.SyscallN(r.api.fn(idxReleaseSessionOptions), optsPtr)
		return nil, voxerr.Wrap(voxerr.NativeRuntime, "set optimization level", err)
	}

	if threads > 0 {
		status, _, _ = purego.SyscallN(r.api.fn(idxSetIntraOpNumThreads), optsPtr, uintptr(threads))
		if err := r.api.checkStatus(status); err != nil {
			purego.SyscallN(r.api.fn(idxReleaseSessionOptions), optsPtr)
			return nil, voxerr.Wrap(voxerr.NativeRuntime, "set intra-op threads", err)
		}
	}

	if executor.kind == executorCUDA {
		status, _, _ = purego.SyscallN(
			r.api.fn(idxSessionOptionsAppendExecutionProviderCUDA),
			optsPtr,
			uintptr(executor.deviceID),
		)
		if err := r.api.checkStatus(status); err != nil {
			purego.SyscallN(r.api.fn(idxReleaseSessionOptions), optsPtr)
			return nil, voxerr.Wrap(voxerr.UnsupportedDevice, "CUDA execution provider unavailable", err)
		}
	}

	pathPtr := cString(path)

	var sessPtr uintptr

	status, _, _ = purego.SyscallN(
		r.api.fn(idxCreateSession),
		r.env,
		pathPtr,
		optsPtr,
		uintptr(unsafePointerFromPtr(&sessPtr)),
	)
	if err := r.api.checkStatus(status); err != nil {
		purego.SyscallN(r.api.fn(idxReleaseSessionOptions), optsPtr)
		return nil, voxerr.Wrapf(voxerr.NativeRuntime, err, "create session for %q", path)
	}

	r.acquire()

	s := &Session{rt: r, handle: sessPtr, opts: optsPtr}

	inCount, err := s.queryCount(idxSessionGetInputCount)
	if err != nil {
		s.Close()
		return nil, err
	}

	outCount, err := s.queryCount(idxSessionGetOutputCount)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.inputs, s.outputs = inCount, outCount

	return s, nil
}

func (s *Session) queryCount(idx vtableIndex) (int, error) {
	var count uintptr

	status, _, _ := purego.SyscallN(s.rt.api.fn(idx), s.handle, uintptr(unsafePointerFromPtr(&count)))
	if err := s.rt.api.checkStatus(status); err != nil {
		return 0, voxerr.Wrap(voxerr.NativeRuntime, "query io count", err)
	}

	return int(count), nil
}

// InputCount returns the number of graph inputs.
func (s *Session) InputCount() int { return s.inputs }

// OutputCount returns the number of graph outputs.
func (s *Session) OutputCount() int { return s.outputs }

// InputName returns the allocator-owned name of input i, by index. Callers
// should build name→Value maps once at session-load time and reuse them
// rather than re-querying per call.
func (s *Session) InputName(i int) (string, error) {
	return s.nodeName(idxSessionGetInputName, i)
}

// OutputName returns the name of output i, by index.
func (s *Session) OutputName(i int) (string, error) {
	return s.nodeName(idxSessionGetOutputName, i)
}

func (s *Session) nodeName(idx vtableIndex, i int) (string, error) {
	var allocator uintptr

	status, _, _ := purego.SyscallN(s.rt.api.fn(idxGetAllocatorWithDefaultOptions), uintptr(unsafePointerFromPtr(&allocator)))
	if err := s.rt.api.checkStatus(status); err != nil {
		return "", voxerr.Wrap(voxerr.NativeRuntime, "get default allocator", err)
	}

	var namePtr uintptr

	status, _, _ = purego.SyscallN(s.rt.api.fn(idx), s.handle, uintptr(i), allocator, uintptr(unsafePointerFromPtr(&namePtr)))
	if err := s.rt.api.checkStatus(status); err != nil {
		return "", voxerr.Wrapf(voxerr.NativeRuntime, err, "node name %d", i)
	}

	return goString(namePtr), nil
}

// Close releases the session's native resources. Safe to call multiple times.
func (s *Session) Close() {
	if s == nil || s.handle == 0 {
		return
	}

	purego.SyscallN(s.rt.api.fn(idxReleaseSession), s.handle)
	s.handle = 0

	if s.opts != 0 {
		purego.SyscallN(s.rt.api.fn(idxReleaseSessionOptions), s.opts)
		s.opts = 0
	}

	s.rt.release()
}

// Run executes the graph with the given named inputs, returning the named
// outputs in the order of outputNames. Returned Values are owned by the
// caller. If constructing any output Value fails mid-loop, every
// already-claimed output is released before returning (spec 4.A: "Ownership
// on run").
func (s *Session) Run(inputs map[string]*Value, outputNames []string) ([]*Value, error) {
	// Name strings are allocated per call and kept reachable only until the
	// native call returns.
	var names [][]byte

	cName := func(s string) uintptr {
		b := append([]byte(s), 0)
		names = append(names, b)

		return uintptr(unsafePointerFromPtr(&b[0]))
	}

	inNames := make([]uintptr, 0, len(inputs))
	inValues := make([]uintptr, 0, len(inputs))

	for name, v := range inputs {
		inNames = append(inNames, cName(name))
		inValues = append(inValues, v.handle)
	}

	outNamePtrs := make([]uintptr, len(outputNames))
	for i, n := range outputNames {
		outNamePtrs[i] = cName(n)
	}

	outValues := make([]uintptr, len(outputNames))

	status, _, _ := purego.SyscallN(
		s.rt.api.fn(idxRun),
		s.handle,
		0, // RunOptions*, nil = defaults
		sliceAddr(inNames),
		sliceAddr(inValues),
		uintptr(len(inValues)),
		sliceAddr(outNamePtrs),
		uintptr(len(outNamePtrs)),
		sliceAddr(outValues),
	)
	runtime.KeepAlive(names)

	if err := s.rt.api.checkStatus(status); err != nil {
		return nil, voxerr.Wrap(voxerr.NativeRuntime, "session run", err)
	}

	results := make([]*Value, 0, len(outValues))

	for i, handle := range outValues {
		v, err := wrapOwnedValue(s.rt, handle)
		if err != nil {
			for _, claimed := range results {
				claimed.Close()
			}

			return nil, voxerr.Wrapf(voxerr.NativeRuntime, err, "wrap output %q", outputNames[i])
		}

		results = append(results, v)
	}

	return results, nil
}

func sliceAddr[T any](s []T) uintptr {
	if len(s) == 0 {
		return 0
	}

	return uintptr(unsafePointerFromPtr(&s[0]))
}
