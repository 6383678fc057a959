// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestMapOfNames(t *testing.T) {
	for _, name := range []string{"Float16", "float16", "F16", "f16"} {
		require.Equal(t, Float16, MapOfNames[name], "name %q", name)
	}
	require.Equal(t, Bool8, MapOfNames["bool"])
	dtype, err := FromName("UINT8")
	require.NoError(t, err)
	require.Equal(t, Uint8, dtype)
	_, err = FromName("complex64")
	require.Error(t, err)
}

func TestSize(t *testing.T) {
	require.Equal(t, 1, Int8.Size())
	require.Equal(t, 1, Bool8.Size())
	require.Equal(t, 2, Float16.Size())
	require.Equal(t, 4, Float32.Size())
	require.Equal(t, 8, Int64.Size())
	require.Equal(t, 0, InvalidDType.Size())
	require.Equal(t, 2*3*4, Float32.SizeForDimensions(2, 3))
	require.Equal(t, 4, Float32.SizeForDimensions())
	require.Panics(t, func() { _ = Float32.SizeForDimensions(-1) })
}

func TestGoTypes(t *testing.T) {
	for dtype := Int8; dtype < lastDType; dtype++ {
		require.Equal(t, dtype, FromGoType(dtype.GoType()), "dtype %s", dtype)
		require.Equal(t, dtype.Size(), int(dtype.GoType().Size()), "dtype %s", dtype)
	}
	require.Equal(t, Float16, FromGenericsType[float16.Float16]())
	require.Equal(t, Bool8, FromGenericsType[bool]())
	require.Equal(t, "DType(42)", DType(42).String())
	require.False(t, DType(42).Ok())
}

func TestFloat16(t *testing.T) {
	require.Equal(t, float32(1.5), Float16ToFloat32(Float16FromFloat32(1.5)))
}
