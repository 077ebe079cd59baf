package ortffi

import "fmt"

// ElementType mirrors the native runtime's ONNXTensorElementDataType enum,
// restricted to the subset voxrt actually drives values through.
type ElementType int32

const (
	ElementTypeUndefined ElementType = iota
	ElementTypeFloat32
	ElementTypeUint8
	ElementTypeInt8
	ElementTypeUint16
	ElementTypeInt16
	ElementTypeInt32
	ElementTypeInt64
	ElementTypeString
	ElementTypeBool
	ElementTypeFloat16
	ElementTypeFloat64
)

func (t ElementType) String() string {
	switch t {
	case ElementTypeFloat32:
		return "float32"
	case ElementTypeFloat64:
		return "float64"
	case ElementTypeInt32:
		return "int32"
	case ElementTypeInt64:
		return "int64"
	case ElementTypeBool:
		return "bool"
	case ElementTypeFloat16:
		return "float16"
	case ElementTypeUint8:
		return "uint8"
	default:
		return fmt.Sprintf("element_type(%d)", int32(t))
	}
}

func (t ElementType) byteWidth() int {
	switch t {
	case ElementTypeFloat32, ElementTypeInt32:
		return 4
	case ElementTypeFloat64, ElementTypeInt64:
		return 8
	case ElementTypeBool, ElementTypeUint8, ElementTypeInt8:
		return 1
	case ElementTypeFloat16, ElementTypeInt16:
		return 2
	default:
		return 0
	}
}

// tensorElement is the sealed capability trait restricting which Go types may
// back a Value. Only types with a known ElementType and native representation
// are accepted; the switch in elementTypeOf is the single place the set is
// closed, matching spec 4.A's "sealed element-type trait" requirement so
// callers cannot accidentally request an unsupported native dtype.
type tensorElement interface {
	~float32 | ~float64 | ~int32 | ~int64 | ~bool
}

func elementTypeOf[T tensorElement]() ElementType {
	var zero T

	switch any(zero).(type) {
	case float32:
		return ElementTypeFloat32
	case float64:
		return ElementTypeFloat64
	case int32:
		return ElementTypeInt32
	case int64:
		return ElementTypeInt64
	case bool:
		return ElementTypeBool
	default:
		// Unreachable: tensorElement's type set is closed to the cases above.
		return ElementTypeUndefined
	}
}
