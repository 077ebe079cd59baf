package ortffi

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/hearthframe/voxrt/internal/voxerr"
)

// Value is an opaque handle to a tensor materialized inside the native
// runtime. It either owns its backing buffer, or borrows a caller-owned byte
// buffer whose lifetime must exceed the Value (spec 3: "Tensor value").
// Values are move-only: Close invalidates the handle, and there is no Clone.
type Value struct {
	rt      *Runtime
	handle  uintptr
	owned   bool
	borrow  any // keeps the Go slice backing the tensor alive for the duration of the Value
	dtype   ElementType
	shape   []int64
}

// FromSlice builds a Value that owns a freshly allocated buffer
// initialized from a copy of data. Validates len(data) == product(shape).
func FromSlice[T tensorElement](rt *Runtime, shape []int64, data []T) (*Value, error) {
	if err := validateShape(shape, len(data)); err != nil {
		return nil, err
	}

	return newTensorValue(rt, shape, data, true)
}

// FromSliceView builds a zero-copy Value viewing a caller-owned buffer. The
// caller must keep data alive for at least the Value's lifetime; voxrt itself
// never calls this with a buffer it does not already own for the duration of
// one inference call (e.g. pinned feature-extractor frame buffers).
func FromSliceView[T tensorElement](rt *Runtime, shape []int64, data []T) (*Value, error) {
	if err := validateShape(shape, len(data)); err != nil {
		return nil, err
	}

	return newTensorValue(rt, shape, data, false)
}

// Zeros builds an owned, zero-initialized Value of the given shape.
func Zeros[T tensorElement](rt *Runtime, shape []int64) (*Value, error) {
	count, err := elementCount(shape)
	if err != nil {
		return nil, err
	}

	return FromSlice(rt, shape, make([]T, count))
}

// EmptyTyped builds a zero-element Value of the given element type and shape
// (e.g. a KV-cache seed with a dynamic 0-length dimension). Never returns a
// null-pointer-backed slice on the read side.
func EmptyTyped(rt *Runtime, shape []int64, dtype ElementType) (*Value, error) {
	count, err := elementCount(shape)
	if err != nil {
		return nil, err
	}

	if count != 0 {
		return nil, voxerr.New(voxerr.Shape, "EmptyTyped requires a zero-element shape")
	}

	switch dtype {
	case ElementTypeFloat32:
		return FromSlice(rt, shape, []float32{})
	case ElementTypeFloat64:
		return FromSlice(rt, shape, []float64{})
	case ElementTypeInt32:
		return FromSlice(rt, shape, []int32{})
	case ElementTypeInt64:
		return FromSlice(rt, shape, []int64{})
	case ElementTypeBool:
		return FromSlice(rt, shape, []bool{})
	default:
		return nil, voxerr.New(voxerr.Shape, fmt.Sprintf("unsupported empty tensor dtype %s", dtype))
	}
}

func newTensorValue[T tensorElement](rt *Runtime, shape []int64, data []T, owned bool) (*Value, error) {
	dtype := elementTypeOf[T]()

	memInfoPtr, err := rt.cpuMemoryInfo()
	if err != nil {
		return nil, err
	}

	if owned {
		data = append([]T(nil), data...)
	}

	var dataPtr uintptr
	if len(data) > 0 {
		dataPtr = uintptr(unsafePointerFromPtr(&data[0]))
	}

	dims := make([]int64, len(shape))
	copy(dims, shape)

	var valuePtr uintptr

	byteLen := uintptr(len(data)) * uintptr(dtype.byteWidth())

	status, _, _ := purego.SyscallN(
		rt.api.fn(idxCreateTensorWithDataAsOrtValue),
		memInfoPtr,
		dataPtr,
		byteLen,
		sliceAddr(dims),
		uintptr(len(dims)),
		uintptr(dtype),
		uintptr(unsafePointerFromPtr(&valuePtr)),
	)
	if err := rt.api.checkStatus(status); err != nil {
		return nil, voxerr.Wrap(voxerr.NativeRuntime, "create tensor value", err)
	}

	rt.acquire()

	// Pin the Go slice (the private copy, or the caller's view) so the GC
	// cannot collect it while the native tensor points at it.
	v := &Value{rt: rt, handle: valuePtr, owned: owned, dtype: dtype, shape: dims, borrow: data}

	return v, nil
}

// wrapOwnedValue wraps a native OrtValue* returned from Session.Run. These are
// always owned by the caller per spec 4.A.
func wrapOwnedValue(rt *Runtime, handle uintptr) (*Value, error) {
	dtype, err := queryElementType(rt, handle)
	if err != nil {
		return nil, err
	}

	shape, err := queryShape(rt, handle)
	if err != nil {
		return nil, err
	}

	rt.acquire()

	return &Value{rt: rt, handle: handle, owned: true, dtype: dtype, shape: shape}, nil
}

func (rt *Runtime) cpuMemoryInfo() (uintptr, error) {
	var memInfo uintptr

	status, _, _ := purego.SyscallN(
		rt.api.fn(idxCreateCpuMemoryInfo),
		0, // OrtDeviceAllocator
		0, // OrtMemTypeDefault
		uintptr(unsafePointerFromPtr(&memInfo)),
	)
	if err := rt.api.checkStatus(status); err != nil {
		return 0, voxerr.Wrap(voxerr.NativeRuntime, "create cpu memory info", err)
	}

	return memInfo, nil
}

// TensorShape returns the Value's shape.
func (v *Value) TensorShape() []int64 {
	out := make([]int64, len(v.shape))
	copy(out, v.shape)

	return out
}

// TensorElementType returns the Value's element type.
func (v *Value) TensorElementType() ElementType { return v.dtype }

// ExtractTensor borrows the tensor data as a typed slice, validating the
// stored element type matches T. A zero-element tensor returns an empty,
// non-nil slice rather than dereferencing a potentially-null data pointer.
func ExtractTensor[T tensorElement](v *Value) ([]T, error) {
	want := elementTypeOf[T]()
	if v.dtype != want {
		return nil, voxerr.New(voxerr.Shape, fmt.Sprintf("extract_tensor: stored dtype %s does not match requested %s", v.dtype, want))
	}

	count, err := elementCount(v.shape)
	if err != nil {
		return nil, err
	}

	if count == 0 {
		return []T{}, nil
	}

	var dataPtr uintptr

	status, _, _ := purego.SyscallN(v.rt.api.fn(idxGetTensorMutableData), v.handle, uintptr(unsafePointerFromPtr(&dataPtr)))
	if err := v.rt.api.checkStatus(status); err != nil {
		return nil, voxerr.Wrap(voxerr.NativeRuntime, "get tensor data pointer", err)
	}

	if dataPtr == 0 {
		return nil, voxerr.New(voxerr.NativeRuntime, "native runtime returned null data pointer for non-empty tensor")
	}

	src := unsafe.Slice((*T)(unsafePointerFrom(dataPtr)), count)
	out := make([]T, count)
	copy(out, src)

	return out, nil
}

// ExtractAsF32 reads the Value as float32, converting from float16 when
// necessary. Used for outputs whose stored precision varies with the
// execution provider (spec 4.A).
func (v *Value) ExtractAsF32() ([]float32, error) {
	switch v.dtype {
	case ElementTypeFloat32:
		return ExtractTensor[float32](v)
	case ElementTypeFloat16:
		raw, err := v.extractRawF16()
		if err != nil {
			return nil, err
		}

		out := make([]float32, len(raw))
		for i, bits := range raw {
			out[i] = float16ToFloat32(bits)
		}

		return out, nil
	default:
		return nil, voxerr.New(voxerr.Shape, fmt.Sprintf("extract_as_f32: unsupported source dtype %s", v.dtype))
	}
}

func (v *Value) extractRawF16() ([]uint16, error) {
	count, err := elementCount(v.shape)
	if err != nil {
		return nil, err
	}

	if count == 0 {
		return []uint16{}, nil
	}

	var dataPtr uintptr

	status, _, _ := purego.SyscallN(v.rt.api.fn(idxGetTensorMutableData), v.handle, uintptr(unsafePointerFromPtr(&dataPtr)))
	if err := v.rt.api.checkStatus(status); err != nil {
		return nil, voxerr.Wrap(voxerr.NativeRuntime, "get tensor data pointer", err)
	}

	src := unsafe.Slice((*uint16)(unsafePointerFrom(dataPtr)), count)
	out := make([]uint16, count)
	copy(out, src)

	return out, nil
}

// float16ToFloat32 converts an IEEE-754 binary16 bit pattern to float32.
func float16ToFloat32(bits uint16) float32 {
	sign := uint32(bits&0x8000) << 16
	exp := uint32(bits>>10) & 0x1f
	mant := uint32(bits & 0x3ff)

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// Subnormal: normalize.
		for mant&0x400 == 0 {
			mant <<= 1
			exp--
		}
		exp++
		mant &= 0x3ff
	case 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | (mant << 13))
	}

	exp32 := exp + (127 - 15)

	return math.Float32frombits(sign | (exp32 << 23) | (mant << 13))
}

func queryElementType(rt *Runtime, handle uintptr) (ElementType, error) {
	typeInfo, err := tensorTypeAndShape(rt, handle)
	if err != nil {
		return 0, err
	}
	defer releaseTypeInfo(rt, typeInfo)

	var dtype int32

	status, _, _ := purego.SyscallN(rt.api.fn(idxGetTensorElementType), typeInfo, uintptr(unsafePointerFromPtr(&dtype)))
	if err := rt.api.checkStatus(status); err != nil {
		return 0, voxerr.Wrap(voxerr.NativeRuntime, "get tensor element type", err)
	}

	return ElementType(dtype), nil
}

func queryShape(rt *Runtime, handle uintptr) ([]int64, error) {
	typeInfo, err := tensorTypeAndShape(rt, handle)
	if err != nil {
		return nil, err
	}
	defer releaseTypeInfo(rt, typeInfo)

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

func tensorTypeAndShape(rt *Runtime, handle uintptr) (uintptr, error) {
	var typeInfo uintptr

	status, _, _ := purego.SyscallN(rt.api.fn(idxGetTensorTypeAndShape), handle, uintptr(unsafePointerFromPtr(&typeInfo)))
	if err := rt.api.checkStatus(status); err != nil {
		return 0, voxerr.Wrap(voxerr.NativeRuntime, "get tensor type and shape", err)
	}

	return typeInfo, nil
}

func releaseTypeInfo(rt *Runtime, typeInfo uintptr) {
	purego.SyscallN(rt.api.fn(idxReleaseTensorTypeAndShapeInfo), typeInfo)
}

// Close releases the Value's native resources. Safe to call multiple times.
func (v *Value) Close() {
	if v == nil || v.handle == 0 {
		return
	}

	purego.SyscallN(v.rt.api.fn(idxReleaseValue), v.handle)
	v.handle = 0
	v.borrow = nil
	v.rt.release()
}

func validateShape(shape []int64, dataLen int) error {
	count, err := elementCount(shape)
	if err != nil {
		return err
	}

	if count != dataLen {
		return voxerr.New(voxerr.Shape, fmt.Sprintf("data length %d does not match shape %v (%d elements)", dataLen, shape, count))
	}

	return nil
}

func elementCount(shape []int64) (int, error) {
	count := 1
	for _, d := range shape {
		if d < 0 {
			return 0, voxerr.New(voxerr.Shape, fmt.Sprintf("shape %v has an unresolved dynamic dimension", shape))
		}

		count *= int(d)
	}

	return count, nil
}
