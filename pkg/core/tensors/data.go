// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"unsafe"

	"github.com/gomlx/timvx/pkg/core/dtypes"
)

// Bytes returns the raw bytes backing a flat slice of one of the supported types.
// The returned slice aliases values: no copy is made.
func Bytes[T dtypes.Supported](values []T) []byte {
	if len(values) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), len(values)*int(unsafe.Sizeof(zero)))
}

// Flat reinterprets data as a flat slice of T, aliasing the same memory.
// Trailing bytes that don't fill a whole element are ignored.
func Flat[T dtypes.Supported](data []byte) []T {
	var zero T
	n := len(data) / int(unsafe.Sizeof(zero))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), n)
}

// CopyFlat returns a copy of values as bytes, suitable for constant tensor data.
func CopyFlat[T dtypes.Supported](values []T) []byte {
	return append([]byte(nil), Bytes(values)...)
}
