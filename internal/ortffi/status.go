package ortffi

import (
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/hearthframe/voxrt/internal/voxerr"
)

// checkStatus converts a non-null OrtStatus* returned by a vtable call into a
// classified, typed error and releases the status. A null pointer means
// success. Per spec 4.A: never retried at this boundary, never panics.
func (a *apiTable) checkStatus(statusPtr uintptr) error {
	if statusPtr == 0 {
		return nil
	}

	msgPtr, _, _ := purego.SyscallN(a.fn(idxGetErrorMessage), statusPtr)

	msg := ""
	if msgPtr != 0 {
		msg = goString(msgPtr)
	}

	purego.SyscallN(a.fn(idxReleaseStatus), statusPtr)

	return voxerr.New(voxerr.NativeRuntime, msg)
}

// goString reads a NUL-terminated C string at ptr.
func goString(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}

	var buf []byte

	for i := uintptr(0); ; i++ {
		b := *(*byte)(unsafe.Pointer(ptr + i))
		if b == 0 {
			break
		}

		buf = append(buf, b)
	}

	return string(buf)
}
