// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/timvx/pkg/core/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())
	require.Equal(t, "(invalid)", invalidShape.String())

	shape0 := Scalar(dtypes.Float32)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 4, shape0.ByteSize())

	shape1 := Make(dtypes.Float16, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 2*4*3*2, shape1.ByteSize())
	require.Equal(t, "(Float16)[4 3 2]", shape1.String())
	require.Panics(t, func() { _ = Make(dtypes.Int8, 2, -1) })
}

func TestDim(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 2, shape.Dim(-1))
	require.Equal(t, 4, shape.Dim(-3))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestEqualAndClone(t *testing.T) {
	dims := []int{4, 3}
	shape := Make(dtypes.Uint8, dims...)
	dims[0] = 7 // Make copies its dimensions.
	require.Equal(t, 4, shape.Dim(0))

	clone := shape.Clone()
	require.True(t, shape.Equal(clone))
	clone.Dimensions[0] = 5
	require.False(t, shape.Equal(clone))
	require.False(t, shape.Equal(shape.WithDType(dtypes.Int8)))
	require.True(t, shape.EqualDimensions(shape.WithDType(dtypes.Int8)))
}
