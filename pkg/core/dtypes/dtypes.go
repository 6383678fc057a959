// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the data types supported by the NPU graphs.
//
// The set is smaller than the one of a general purpose ML framework: it lists what the
// driver can store in a tensor and what a compiled network binary graph (NBG) can carry.
//
// It includes converters to/from Go native types (and reflect.Type) and a constraint interface
// to be used with generics (Supported).
package dtypes

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is an enum that represents the data type of a tensor.
//
// The numeric values are stable: they are serialized in NBG blobs.
type DType int32

const (
	// InvalidDType is the zero value, used to mark unset data types.
	InvalidDType DType = 0

	// Int8 is a signed 8-bit integer.
	Int8 DType = 1

	// Uint8 is an unsigned 8-bit integer. It is also the storage type of asymmetric quantized tensors.
	Uint8 DType = 2

	// Int16 is a signed 16-bit integer.
	Int16 DType = 3

	// Uint16 is an unsigned 16-bit integer.
	Uint16 DType = 4

	// Int32 is a signed 32-bit integer.
	Int32 DType = 5

	// Uint32 is an unsigned 32-bit integer.
	Uint32 DType = 6

	// Int64 is a signed 64-bit integer.
	Int64 DType = 7

	// Float16 is an IEEE 754 half-precision float, represented in Go by float16.Float16.
	Float16 DType = 8

	// Float32 is an IEEE 754 single-precision float.
	Float32 DType = 9

	// Bool8 is a boolean stored in one byte.
	Bool8 DType = 10

	// lastDType is used to size tables.
	lastDType = 11
)

// Aliases.
const (
	F16  = Float16
	F32  = Float32
	I8   = Int8
	U8   = Uint8
	I16  = Int16
	U16  = Uint16
	I32  = Int32
	U32  = Uint32
	I64  = Int64
	Bool = Bool8
)

var dtypeNames = [lastDType]string{
	InvalidDType: "InvalidDType",
	Int8:         "Int8",
	Uint8:        "Uint8",
	Int16:        "Int16",
	Uint16:       "Uint16",
	Int32:        "Int32",
	Uint32:       "Uint32",
	Int64:        "Int64",
	Float16:      "Float16",
	Float32:      "Float32",
	Bool8:        "Bool8",
}

// MapOfNames to their dtypes. It includes also aliases to the various dtypes.
// It is also populated with the lower-case version of the names.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"Int8":         Int8,
	"Uint8":        Uint8,
	"Int16":        Int16,
	"Uint16":       Uint16,
	"Int32":        Int32,
	"Uint32":       Uint32,
	"Int64":        Int64,
	"Float16":      Float16,
	"Float32":      Float32,
	"Bool8":        Bool8,
	"Bool":         Bool8,
	"F16":          Float16,
	"F32":          Float32,
	"I8":           Int8,
	"U8":           Uint8,
	"I16":          Int16,
	"U16":          Uint16,
	"I32":          Int32,
	"U32":          Uint32,
	"I64":          Int64,
}

func init() {
	// Add a mapping to the lower-case version of dtypes.
	keys := slices.Collect(maps.Keys(MapOfNames))
	for _, key := range keys {
		lowerKey := strings.ToLower(key)
		if _, found := MapOfNames[lowerKey]; found {
			continue
		}
		MapOfNames[lowerKey] = MapOfNames[key]
	}
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype < 0 || dtype >= lastDType {
		return fmt.Sprintf("DType(%d)", int32(dtype))
	}
	return dtypeNames[dtype]
}

// FromName returns the DType for the given name (or alias, case-insensitive).
func FromName(name string) (DType, error) {
	if dtype, found := MapOfNames[name]; found {
		return dtype, nil
	}
	if dtype, found := MapOfNames[strings.ToLower(name)]; found {
		return dtype, nil
	}
	return InvalidDType, errors.Errorf("unknown dtype name %q", name)
}

// Ok returns whether dtype is one of the valid data types.
func (dtype DType) Ok() bool {
	return dtype > InvalidDType && dtype < lastDType
}

// Size returns the number of bytes for one element of the given DType. It returns 0 for invalid dtypes.
func (dtype DType) Size() int {
	switch dtype {
	case Int8, Uint8, Bool8:
		return 1
	case Int16, Uint16, Float16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64:
		return 8
	default:
		return 0
	}
}

// Bits returns the number of bits for the given DType.
func (dtype DType) Bits() int {
	return dtype.Size() * 8
}

// SizeForDimensions returns the size in bytes used for the given dimensions.
//
// It works also for scalar (one element) shapes where the list of dimensions is empty.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	numElements := 1
	for _, dim := range dimensions {
		if dim < 0 {
			panic(errors.Errorf("dim cannot be negative for SizeForDimensions, got %v", dimensions))
		}
		numElements *= dim
	}
	return numElements * dtype.Size()
}

// IsFloat returns whether dtype is a float type.
func (dtype DType) IsFloat() bool {
	return dtype == Float32 || dtype == Float16
}

// IsInt returns whether dtype is an integer type (signed or unsigned).
func (dtype DType) IsInt() bool {
	switch dtype {
	case Int8, Uint8, Int16, Uint16, Int32, Uint32, Int64:
		return true
	default:
		return false
	}
}

// IsUnsigned returns whether dtype is one of the unsigned integer types.
func (dtype DType) IsUnsigned() bool {
	return dtype == Uint8 || dtype == Uint16 || dtype == Uint32
}

var float16Type = reflect.TypeOf(float16.Float16(0))

// GoType returns the Go `reflect.Type` corresponding to the DType.
// Bool8 maps to bool.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Int8:
		return reflect.TypeOf(int8(0))
	case Uint8:
		return reflect.TypeOf(uint8(0))
	case Int16:
		return reflect.TypeOf(int16(0))
	case Uint16:
		return reflect.TypeOf(uint16(0))
	case Int32:
		return reflect.TypeOf(int32(0))
	case Uint32:
		return reflect.TypeOf(uint32(0))
	case Int64:
		return reflect.TypeOf(int64(0))
	case Float16:
		return float16Type
	case Float32:
		return reflect.TypeOf(float32(0))
	case Bool8:
		return reflect.TypeOf(true)
	default:
		panic(errors.Errorf("unknown dtype %q (%d) in DType.GoType", dtype, int32(dtype)))
	}
}

// FromGoType returns the DType for the given "reflect.Type", or InvalidDType if not supported.
func FromGoType(t reflect.Type) DType {
	if t == float16Type {
		return Float16
	}
	switch t.Kind() {
	case reflect.Int8:
		return Int8
	case reflect.Uint8:
		return Uint8
	case reflect.Int16:
		return Int16
	case reflect.Uint16:
		return Uint16
	case reflect.Int32:
		return Int32
	case reflect.Uint32:
		return Uint32
	case reflect.Int64:
		return Int64
	case reflect.Float32:
		return Float32
	case reflect.Bool:
		return Bool8
	default:
		return InvalidDType
	}
}

// Supported lists the Go types that map to a DType.
type Supported interface {
	int8 | uint8 | int16 | uint16 | int32 | uint32 | int64 | float16.Float16 | float32 | bool
}

// FromGenericsType returns the DType enum for the given generic type.
func FromGenericsType[T Supported]() DType {
	var t T
	return FromGoType(reflect.TypeOf(t))
}

// Float16FromFloat32 converts with round-to-nearest-even.
func Float16FromFloat32(v float32) float16.Float16 {
	return float16.Fromfloat32(v)
}

// Float16ToFloat32 converts a half-precision value to float32.
func Float16ToFloat32(v float16.Float16) float32 {
	return v.Float32()
}
