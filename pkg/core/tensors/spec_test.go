// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/timvx/pkg/core/dtypes"
	"github.com/stretchr/testify/require"
)

func TestAttribute(t *testing.T) {
	attr := Input | Constant
	require.True(t, attr.Has(Input))
	require.True(t, attr.Has(Input|Constant))
	require.False(t, attr.Has(Output))
	require.False(t, attr.Has(0))
	require.Equal(t, "INPUT|CONSTANT", attr.String())
	require.Equal(t, "NONE", Attribute(0).String())
	require.Equal(t, "TRANSIENT|0x100", (Transient | 0x100).String())
}

func TestSpec(t *testing.T) {
	spec := NewSpec(dtypes.Float16, Input, 4, 2)
	require.Equal(t, 8, spec.ElementNum())
	require.Equal(t, 2, spec.ElementByteSize())
	require.Equal(t, 16, spec.ByteSize())
	require.True(t, spec.IsHostAccessible())
	require.Equal(t, "INPUT (Float16)[4 2]", spec.String())

	transient := spec.AsTransient()
	require.Equal(t, Transient, transient.Attr)
	require.False(t, transient.IsHostAccessible())
	require.Equal(t, Input, spec.Attr, "AsTransient must not change the original")
	require.True(t, (Transient | Output).Has(Output))
	require.True(t, spec.WithAttr(Transient|Output).IsHostAccessible())
}

func TestSpecEqual(t *testing.T) {
	spec := NewSpec(dtypes.Uint8, Constant, 3)
	require.True(t, spec.Equal(spec.Clone()))
	require.False(t, spec.Equal(spec.WithAttr(Input)))
	require.False(t, spec.Equal(NewSpec(dtypes.Int8, Constant, 3)))

	quantized := spec.Clone()
	quantized.Quant = NewAsymmetric(0.5, 128)
	require.False(t, spec.Equal(quantized))
	other := quantized.Clone()
	require.True(t, quantized.Equal(other))
	other.Quant.ZeroPoints[0] = 127
	require.False(t, quantized.Equal(other))
	require.Equal(t, int32(128), quantized.Quant.ZeroPoints[0], "Clone must deep copy")

	perChannel := NewSymmetricPerChannel(1, []float32{0.1, 0.2})
	require.Equal(t, []int32{0, 0}, perChannel.ZeroPoints)
	require.Equal(t, "quant(SymmetricPerChannel, axis=1, scales=[0.1 0.2])", perChannel.String())
}

func TestBytes(t *testing.T) {
	values := []int16{1, -1, 3}
	raw := Bytes(values)
	require.Len(t, raw, 6)
	require.Equal(t, []int16{1, -1, 3}, Flat[int16](raw))
	raw[0] = 7
	require.Equal(t, int16(7), values[0], "Bytes aliases the slice")

	copied := CopyFlat(values)
	copied[0] = 9
	require.Equal(t, int16(7), values[0])
	require.Nil(t, Bytes([]float32{}))
	require.Nil(t, Flat[float32]([]byte{1, 2}))
}
