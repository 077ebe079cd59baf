package ortffi

import (
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/hearthframe/voxrt/internal/voxerr"
)

// InputShape returns the shape of input i. Negative entries denote dynamic
// dimensions, per spec 3 ("Model session").
func (s *Session) InputShape(i int) ([]int64, error) {
	typeInfo, err := s.inputTypeInfo(i)
	if err != nil {
		return nil, err
	}
	defer releaseTypeInfo(s.rt, typeInfo)

	return queryShapeFromTypeInfo(s.rt, typeInfo)
}

// InputElementType returns the element type of input i.
func (s *Session) InputElementType(i int) (ElementType, error) {
	typeInfo, err := s.inputTypeInfo(i)
	if err != nil {
		return 0, err
	}
	defer releaseTypeInfo(s.rt, typeInfo)

	var dtype int32

	status, _, _ := purego.SyscallN(s.rt.api.fn(idxGetTensorElementType), typeInfo, uintptr(unsafePointerFromPtr(&dtype)))
	if err := s.rt.api.checkStatus(status); err != nil {
		return 0, voxerr.Wrap(voxerr.NativeRuntime, "get input element type", err)
	}

	return ElementType(dtype), nil
}

func (s *Session) inputTypeInfo(i int) (uintptr, error) {
	var typeInfo uintptr

	status, _, _ := purego.SyscallN(s.rt.api.fn(idxSessionGetInputTypeInfo), s.handle, uintptr(i), uintptr(unsafePointerFromPtr(&typeInfo)))
	if err := s.rt.api.checkStatus(status); err != nil {
		return 0, voxerr.Wrapf(voxerr.NativeRuntime, err, "input type info %d", i)
	}

	return typeInfo, nil
}

func queryShapeFromTypeInfo(rt *Runtime, typeInfo uintptr) ([]int64, error) {
	var ndim uintptr

	status, _, _ := purego.SyscallN(rt.api.fn(idxGetDimensionsCount), typeInfo, uintptr(unsafePointerFromPtr(&ndim)))
	if err := rt.api.checkStatus(status); err != nil {
		return nil, voxerr.Wrap(voxerr.NativeRuntime, "get dimensions count", err)
	}

	dims := make([]int64, ndim)
	if ndim > 0 {
		status, _, _ = purego.SyscallN(rt.api.fn(idxGetDimensions), typeInfo, sliceAddr(dims), ndim)
		if err := rt.api.checkStatus(status); err != nil {
			return nil, voxerr.Wrap(voxerr.NativeRuntime, "get dimensions", err)
		}
	}

	return dims, nil
}

// Metadata returns the model's custom metadata as a string→string map, parsed
// from the model file (spec 3: "Model session").
func (s *Session) Metadata() (map[string]string, error) {
	var metaPtr uintptr

	status, _, _ := purego.SyscallN(s.rt.api.fn(idxSessionGetModelMetadata), s.handle, uintptr(unsafePointerFromPtr(&metaPtr)))
	if err := s.rt.api.checkStatus(status); err != nil {
		return nil, voxerr.Wrap(voxerr.NativeRuntime, "get model metadata", err)
	}
	defer purego.SyscallN(s.rt.api.fn(idxReleaseModelMetadata), metaPtr)

	var allocator uintptr

	status, _, _ = purego.SyscallN(s.rt.api.fn(idxGetAllocatorWithDefaultOptions), uintptr(unsafePointerFromPtr(&allocator)))
	if err := s.rt.api.checkStatus(status); err != nil {
		return nil, voxerr.Wrap(voxerr.NativeRuntime, "get default allocator", err)
	}

	var keysPtr uintptr

	var numKeys uintptr

	status, _, _ = purego.SyscallN(
		s.rt.api.fn(idxModelMetadataLookupCustomMetadataMapKeys),
		metaPtr,
		allocator,
		uintptr(unsafePointerFromPtr(&keysPtr)),
		uintptr(unsafePointerFromPtr(&numKeys)),
	)
	if err := s.rt.api.checkStatus(status); err != nil {
		return nil, voxerr.Wrap(voxerr.NativeRuntime, "list metadata keys", err)
	}

	out := make(map[string]string, numKeys)

	keyPtrs := unsafeSliceOfPointers(keysPtr, int(numKeys))

	for _, keyPtr := range keyPtrs {
		key := goString(keyPtr)

		var valPtr uintptr

		status, _, _ := purego.SyscallN(
			s.rt.api.fn(idxModelMetadataLookupCustomMetadataMap),
			metaPtr,
			allocator,
			keyPtr,
			uintptr(unsafePointerFromPtr(&valPtr)),
		)
		if err := s.rt.api.checkStatus(status); err != nil {
			continue
		}

		if valPtr != 0 {
			out[key] = goString(valPtr)
		}
	}

	return out, nil
}

func unsafeSliceOfPointers(base uintptr, n int) []uintptr {
	out := make([]uintptr, n)

	for i := 0; i < n; i++ {
		out[i] = *(*uintptr)(unsafeOffset(base, uintptr(i)*unsafe.Sizeof(uintptr(0))))
	}

	return out
}
