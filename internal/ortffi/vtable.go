package ortffi

import "unsafe"

// The native tensor runtime publishes a C ABI: a single exported function,
// OrtGetApiBase, returns a pointer to an OrtApiBase struct whose first field
// is a function pointer GetApi(version) -> *OrtApi. OrtApi is a big vtable of
// function pointers; entries are only ever appended across versions, so an
// index is stable once assigned. We dlopen the library, resolve
// OrtGetApiBase, walk that one indirection, and from then on every native
// call is "read word at vtable[index], call it with these args" via
// purego.SyscallN. No other package may touch these offsets.
//
// vtableIndex lists every slot voxrt actually calls, in the order the native
// header declares them (skipping ones we never use — the table is allowed to
// have gaps, we just never read them).
type vtableIndex int

const (
	idxCreateStatus vtableIndex = iota
	idxGetErrorCode
	idxGetErrorMessage
	idxReleaseStatus

	idxCreateEnv
	idxReleaseEnv

	idxCreateSessionOptions
	idxSetSessionGraphOptimizationLevel
	idxSetIntraOpNumThreads
	idxSetInterOpNumThreads
	idxSessionOptionsAppendExecutionProviderCUDA
	idxReleaseSessionOptions

	idxCreateSession
	idxReleaseSession
	idxSessionGetInputCount
	idxSessionGetOutputCount
	idxSessionGetInputName
	idxSessionGetOutputName
	idxSessionGetInputTypeInfo
	idxSessionGetModelMetadata
	idxModelMetadataLookupCustomMetadataMapKeys
	idxModelMetadataLookupCustomMetadataMap
	idxReleaseModelMetadata

	idxCreateCpuMemoryInfo
	idxReleaseMemoryInfo

	idxCreateTensorWithDataAsOrtValue
	idxCreateTensorAsOrtValue
	idxGetTensorMutableData
	idxGetTensorTypeAndShape
	idxGetDimensionsCount
	idxGetDimensions
	idxGetTensorElementType
	idxReleaseTensorTypeAndShapeInfo
	idxReleaseValue

	idxRun
	idxGetAllocatorWithDefaultOptions

	vtableSize // sentinel; also the minimum acceptable vtable length
)

// apiTable is the resolved set of function pointers for one loaded library.
// Every entry is a raw C function pointer (uintptr); callers in this package
// fetch a slot with fn(idx) and invoke it via purego.SyscallN.
type apiTable struct {
	slots [vtableSize]uintptr
}

// loadAPITable reads vtableSize pointer-sized slots starting at ortAPIBase,
// the address OrtApiBase.GetApi(version) returned. The native struct is laid
// out as a flat array of function pointers in declaration order — this is
// the one place in voxrt that casts an unsafe.Pointer to a typed table.
func loadAPITable(ortAPIBase unsafe.Pointer) *apiTable {
	t := &apiTable{}

	base := uintptr(ortAPIBase)
	for i := range t.slots {
		t.slots[i] = *(*uintptr)(unsafe.Pointer(base + uintptr(i)*unsafe.Sizeof(uintptr(0))))
	}

	return t
}

func (t *apiTable) fn(idx vtableIndex) uintptr {
	return t.slots[idx]
}
