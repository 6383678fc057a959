// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"slices"
)

// QuantType enumerates the supported quantization schemes.
type QuantType int32

const (
	// QuantNone means the tensor holds plain (float or integer) values.
	QuantNone QuantType = iota

	// QuantAsymmetric uses one scale and one zero point for the whole tensor.
	QuantAsymmetric

	// QuantSymmetricPerChannel uses one scale per channel along ChannelDim, zero points are 0.
	QuantSymmetricPerChannel
)

// String implements fmt.Stringer.
func (q QuantType) String() string {
	switch q {
	case QuantNone:
		return "None"
	case QuantAsymmetric:
		return "Asymmetric"
	case QuantSymmetricPerChannel:
		return "SymmetricPerChannel"
	default:
		return fmt.Sprintf("QuantType(%d)", int32(q))
	}
}

// Quantization parameters of a tensor. The zero value means no quantization.
type Quantization struct {
	Type       QuantType
	ChannelDim int32
	Scales     []float32
	ZeroPoints []int32
}

// NewAsymmetric returns an asymmetric quantization with a single scale and zero point.
func NewAsymmetric(scale float32, zeroPoint int32) Quantization {
	return Quantization{Type: QuantAsymmetric, Scales: []float32{scale}, ZeroPoints: []int32{zeroPoint}}
}

// NewSymmetricPerChannel returns a per-channel quantization along channelDim.
func NewSymmetricPerChannel(channelDim int32, scales []float32) Quantization {
	return Quantization{
		Type:       QuantSymmetricPerChannel,
		ChannelDim: channelDim,
		Scales:     slices.Clone(scales),
		ZeroPoints: make([]int32, len(scales)),
	}
}

// Equal compares quantization parameters structurally.
func (q Quantization) Equal(other Quantization) bool {
	return q.Type == other.Type && q.ChannelDim == other.ChannelDim &&
		slices.Equal(q.Scales, other.Scales) && slices.Equal(q.ZeroPoints, other.ZeroPoints)
}

// Clone returns a deep copy.
func (q Quantization) Clone() Quantization {
	return Quantization{
		Type:       q.Type,
		ChannelDim: q.ChannelDim,
		Scales:     slices.Clone(q.Scales),
		ZeroPoints: slices.Clone(q.ZeroPoints),
	}
}

// String implements fmt.Stringer.
func (q Quantization) String() string {
	if q.Type == QuantSymmetricPerChannel {
		return fmt.Sprintf("quant(%s, axis=%d, scales=%v)", q.Type, q.ChannelDim, q.Scales)
	}
	return fmt.Sprintf("quant(%s, scales=%v, zero_points=%v)", q.Type, q.Scales, q.ZeroPoints)
}
