// Package dtype maps Go element types to their device source-level names and
// byte layouts. Generated kernel text uses these names verbatim, and the
// transfer layer uses the byte encoding to move slices across the host/device
// boundary.
package dtype

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType identifies a device-representable scalar element type.
type DType int

const (
	Invalid DType = iota
	Int8
	Uint8
	Int16
	Half
	Int32
	Uint32
	Int64
	Uint64
	Float32
	Float64
)

// Element is the constraint satisfied by Go types that map onto a DType.
// The set is exact (no ~) so runtime values can be re-inspected through
// type switches in the transfer and codegen layers.
type Element interface {
	int8 | uint8 | int16 | int32 | uint32 | int64 | uint64 |
		float32 | float64 | float16.Float16
}

var names = map[DType]string{
	Int8:    "char",
	Uint8:   "uchar",
	Int16:   "short",
	Half:    "half",
	Int32:   "int",
	Uint32:  "uint",
	Int64:   "long",
	Uint64:  "ulong",
	Float32: "float",
	Float64: "double",
}

var sizes = map[DType]int{
	Int8:    1,
	Uint8:   1,
	Int16:   2,
	Half:    2,
	Int32:   4,
	Uint32:  4,
	Int64:   8,
	Uint64:  8,
	Float32: 4,
	Float64: 8,
}

// Name returns the canonical source-level type name, e.g. "float" for Float32.
func (dt DType) Name() string {
	if n, ok := names[dt]; ok {
		return n
	}
	return "<invalid>"
}

// Size returns the element size in bytes.
func (dt DType) Size() int {
	return sizes[dt]
}

// Native reports whether the type can appear in generated kernel text and be
// passed as a kernel argument.
func (dt DType) Native() bool {
	_, ok := names[dt]
	return ok
}

// Float reports whether the type is floating point.
func (dt DType) Float() bool {
	return dt == Half || dt == Float32 || dt == Float64
}

func (dt DType) String() string { return dt.Name() }

// VectorName returns the source-level name of the width-wide short vector
// type, e.g. VectorName(Float32, 4) == "float4". Width 1 is the scalar name.
func VectorName(dt DType, width int) (string, error) {
	switch width {
	case 1:
		return dt.Name(), nil
	case 2, 4, 8, 16:
		if !dt.Native() || dt == Half {
			return "", errors.Errorf("dtype: no %d-wide vector form of %s", width, dt)
		}
		return names[dt] + vecSuffix(width), nil
	}
	return "", errors.Errorf("dtype: unsupported vector width %d", width)
}

func vecSuffix(width int) string {
	switch width {
	case 2:
		return "2"
	case 4:
		return "4"
	case 8:
		return "8"
	default:
		return "16"
	}
}

// FromName returns the DType with the given source-level name.
func FromName(name string) (DType, bool) {
	for dt, n := range names {
		if n == name {
			return dt, true
		}
	}
	return Invalid, false
}

// FromGo returns the DType matching the type parameter T.
func FromGo[T Element]() DType {
	var zero T
	return FromValue(zero)
}

// FromValue returns the DType of a runtime scalar value, or Invalid if the
// value is not a supported element type.
func FromValue(v any) DType {
	switch v.(type) {
	case int8:
		return Int8
	case uint8:
		return Uint8
	case int16:
		return Int16
	case float16.Float16:
		return Half
	case int32:
		return Int32
	case uint32:
		return Uint32
	case int, int64:
		return Int64
	case uint, uint64:
		return Uint64
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return Invalid
}

// Decode reads one element of type dt from b (little endian) and widens it to
// float64. Used by the reference device to interpret buffer contents.
func (dt DType) Decode(b []byte) float64 {
	switch dt {
	case Int8:
		return float64(int8(b[0]))
	case Uint8:
		return float64(b[0])
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case Half:
		return float64(float16.Float16(binary.LittleEndian.Uint16(b)).Float32())
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(b))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case Uint64:
		return float64(binary.LittleEndian.Uint64(b))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return 0
}

// Encode narrows v to dt and writes one element into b (little endian).
// Floating values are truncated when dt is integral, matching device
// conversion semantics.
func (dt DType) Encode(b []byte, v float64) {
	switch dt {
	case Int8:
		b[0] = byte(int8(v))
	case Uint8:
		b[0] = byte(uint8(v))
	case Int16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case Half:
		binary.LittleEndian.PutUint16(b, uint16(float16.Fromfloat32(float32(v))))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case Uint32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case Int64:
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	case Uint64:
		binary.LittleEndian.PutUint64(b, uint64(v))
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

// ConvertSlice converts src elementwise into dst. The slices must have equal
// length; mismatched lengths are rejected before any element is written.
func ConvertSlice[To, From Element](dst []To, src []From) error {
	if len(dst) != len(src) {
		return errors.Errorf("dtype: convert length mismatch: dst %d, src %d", len(dst), len(src))
	}
	for i := range src {
		dst[i] = FromFloat[To](ToFloat(src[i]))
	}
	return nil
}

// ToFloat widens an element value to float64.
func ToFloat[T Element](v T) float64 {
	switch x := any(v).(type) {
	case float16.Float16:
		return float64(x.Float32())
	case int8:
		return float64(x)
	case uint8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case uint32:
		return float64(x)
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	default:
		return any(v).(float64)
	}
}

// FromFloat narrows a float64 to the element type T, truncating toward zero
// for integral types.
func FromFloat[T Element](v float64) T {
	var out T
	switch p := any(&out).(type) {
	case *float16.Float16:
		*p = float16.Fromfloat32(float32(v))
	case *int8:
		*p = int8(v)
	case *uint8:
		*p = uint8(v)
	case *int16:
		*p = int16(v)
	case *int32:
		*p = int32(v)
	case *uint32:
		*p = uint32(v)
	case *int64:
		*p = int64(v)
	case *uint64:
		*p = uint64(v)
	case *float32:
		*p = float32(v)
	case *float64:
		*p = v
	}
	return out
}
