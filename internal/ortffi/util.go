package ortffi

import "unsafe"

// unsafeOffset returns a pointer to the word at base+offset bytes. Used only
// for reading the handful of fixed-layout C structs the native ABI exposes
// (OrtApiBase); OrtApi itself is read through loadAPITable.
func unsafeOffset(base uintptr, offset uintptr) unsafe.Pointer {
	return unsafe.Pointer(base + offset) //nolint:govet // intentional raw FFI pointer arithmetic
}

func unsafePointerFrom(p uintptr) unsafe.Pointer {
	return unsafe.Pointer(p) //nolint:govet
}

func unsafePointerFromPtr[T any](p *T) unsafe.Pointer {
	return unsafe.Pointer(p)
}

// cString allocates a NUL-terminated copy of s and returns its address as a
// uintptr suitable for passing to a native call. The backing array is kept
// alive by pinning it in liveCStrings for the process lifetime: these calls
// are few (env name, session model path) and never per-inference-step, so the
// small permanent retention is an acceptable tradeoff against the complexity
// of precise native-side lifetime tracking.
var liveCStrings [][]byte

func cString(s string) uintptr {
	b := make([]byte, len(s)+1)
	copy(b, s)
	liveCStrings = append(liveCStrings, b)

	return uintptr(unsafe.Pointer(&b[0]))
}
