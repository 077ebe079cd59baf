package ortffi

import (
	"math"
	"testing"

	"github.com/hearthframe/voxrt/internal/voxerr"
)

func TestElementCount(t *testing.T) {
	cases := []struct {
		shape []int64
		want  int
	}{
		{[]int64{2, 3}, 6},
		{[]int64{1, 0, 32}, 0},
		{[]int64{}, 1},
	}

	for _, c := range cases {
		got, err := elementCount(c.shape)
		if err != nil {
			t.Fatalf("elementCount(%v): %v", c.shape, err)
		}

		if got != c.want {
			t.Errorf("elementCount(%v) = %d, want %d", c.shape, got, c.want)
		}
	}
}

func TestElementCountRejectsDynamicDims(t *testing.T) {
	_, err := elementCount([]int64{1, -1, 32})
	if err == nil {
		t.Fatal("expected error for unresolved dynamic dimension")
	}

	if !voxerr.Is(err, voxerr.Shape) {
		t.Errorf("expected Shape class error, got %v", err)
	}
}

func TestValidateShapeMismatch(t *testing.T) {
	err := validateShape([]int64{2, 3}, 5)
	if err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestElementTypeOf(t *testing.T) {
	if got := elementTypeOf[float32](); got != ElementTypeFloat32 {
		t.Errorf("elementTypeOf[float32]() = %v, want Float32", got)
	}

	if got := elementTypeOf[int64](); got != ElementTypeInt64 {
		t.Errorf("elementTypeOf[int64]() = %v, want Int64", got)
	}

	if got := elementTypeOf[bool](); got != ElementTypeBool {
		t.Errorf("elementTypeOf[bool]() = %v, want Bool", got)
	}
}

func TestFloat16ToFloat32(t *testing.T) {
	cases := []struct {
		name string
		bits uint16
		want float32
	}{
		{"zero", 0x0000, 0.0},
		{"one", 0x3C00, 1.0},
		{"negative_two", 0xC000, -2.0},
		{"half", 0x3800, 0.5},
	}

	for _, c := range cases {
		got := float16ToFloat32(c.bits)
		if math.Abs(float64(got-c.want)) > 1e-6 {
			t.Errorf("%s: float16ToFloat32(0x%04x) = %v, want %v", c.name, c.bits, got, c.want)
		}
	}
}

func TestFloat16ToFloat32Infinity(t *testing.T) {
	got := float16ToFloat32(0x7C00)
	if !math.IsInf(float64(got), 1) {
		t.Errorf("expected +Inf, got %v", got)
	}
}
