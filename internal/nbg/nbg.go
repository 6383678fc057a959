// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nbg encodes and decodes NBG ("network binary graph") blobs: the relocatable serialized
// form of a compiled graph that devices load.
//
// Layout:
//
//	offset 0:  4 bytes magic "VPMN"
//	offset 4:  uint32 little-endian format version
//	offset 8:  uint32 little-endian body length
//	offset 12: body, protobuf wire format (see encodeProgram for field numbers)
//
// The body is written with google.golang.org/protobuf/encoding/protowire, without a .proto schema:
// unknown fields are skipped when decoding, so newer writers stay readable.
package nbg

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/timvx/pkg/core/dtypes"
	"github.com/gomlx/timvx/pkg/core/tensors"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Magic is the first 4 bytes of every NBG blob.
const Magic = "VPMN"

// Version is the current format version. Decoding accepts versions up to this one.
const Version uint32 = 2

// HeaderSize is the size of the fixed header preceding the body.
const HeaderSize = 12

// Program is the decoded content of an NBG.
type Program struct {
	NumInputs, NumOutputs int
	Inputs, Outputs       []int32
	Relax                 bool
	DeviceIndex           int32
	Tensors               []Tensor
	Nodes                 []Node
}

// Tensor is one tensor of the program. Data is set only for tensors with constant content.
type Tensor struct {
	ID   int32
	Spec tensors.Spec
	Data []byte
}

// Node is one operation of the program. Op and Params are driver specific.
type Node struct {
	Op              int32
	Params          []byte
	Inputs, Outputs []int32
}

// Field numbers of the body messages.
const (
	fieldProgramNumInputs   protowire.Number = 1
	fieldProgramNumOutputs  protowire.Number = 2
	fieldProgramInputs      protowire.Number = 3
	fieldProgramOutputs     protowire.Number = 4
	fieldProgramRelax       protowire.Number = 5
	fieldProgramDeviceIndex protowire.Number = 6
	fieldProgramTensor      protowire.Number = 7
	fieldProgramNode        protowire.Number = 8

	fieldTensorID    protowire.Number = 1
	fieldTensorDType protowire.Number = 2
	fieldTensorDims  protowire.Number = 3
	fieldTensorAttr  protowire.Number = 4
	fieldTensorQuant protowire.Number = 5
	fieldTensorData  protowire.Number = 6

	fieldQuantType       protowire.Number = 1
	fieldQuantChannelDim protowire.Number = 2
	fieldQuantScales     protowire.Number = 3
	fieldQuantZeroPoints protowire.Number = 4

	fieldNodeOp      protowire.Number = 1
	fieldNodeParams  protowire.Number = 2
	fieldNodeInputs  protowire.Number = 3
	fieldNodeOutputs protowire.Number = 4
)

// Encode serializes the program, header included.
func Encode(p *Program) []byte {
	body := encodeProgram(p)
	blob := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(blob, Magic)
	binary.LittleEndian.PutUint32(blob[4:], Version)
	binary.LittleEndian.PutUint32(blob[8:], uint32(len(body)))
	return append(blob, body...)
}

// EncodedSize returns len(Encode(p)).
func EncodedSize(p *Program) int {
	return HeaderSize + len(encodeProgram(p))
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendPackedInt32s(b []byte, num protowire.Number, values []int32) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(v)))
	}
	return appendBytesField(b, num, packed)
}

func encodeProgram(p *Program) []byte {
	var b []byte
	b = appendVarintField(b, fieldProgramNumInputs, uint64(p.NumInputs))
	b = appendVarintField(b, fieldProgramNumOutputs, uint64(p.NumOutputs))
	b = appendPackedInt32s(b, fieldProgramInputs, p.Inputs)
	b = appendPackedInt32s(b, fieldProgramOutputs, p.Outputs)
	if p.Relax {
		b = appendVarintField(b, fieldProgramRelax, protowire.EncodeBool(true))
	}
	b = appendVarintField(b, fieldProgramDeviceIndex, protowire.EncodeZigZag(int64(p.DeviceIndex)))
	for ii := range p.Tensors {
		b = appendBytesField(b, fieldProgramTensor, encodeTensor(&p.Tensors[ii]))
	}
	for ii := range p.Nodes {
		b = appendBytesField(b, fieldProgramNode, encodeNode(&p.Nodes[ii]))
	}
	return b
}

func encodeTensor(t *Tensor) []byte {
	var b []byte
	b = appendVarintField(b, fieldTensorID, protowire.EncodeZigZag(int64(t.ID)))
	b = appendVarintField(b, fieldTensorDType, uint64(t.Spec.Shape.DType))
	if len(t.Spec.Shape.Dimensions) > 0 {
		var packed []byte
		for _, dim := range t.Spec.Shape.Dimensions {
			packed = protowire.AppendVarint(packed, uint64(dim))
		}
		b = appendBytesField(b, fieldTensorDims, packed)
	}
	b = appendVarintField(b, fieldTensorAttr, uint64(t.Spec.Attr))
	if t.Spec.Quant.Type != tensors.QuantNone {
		b = appendBytesField(b, fieldTensorQuant, encodeQuant(&t.Spec.Quant))
	}
	if t.Data != nil {
		b = appendBytesField(b, fieldTensorData, t.Data)
	}
	return b
}

func encodeQuant(q *tensors.Quantization) []byte {
	var b []byte
	b = appendVarintField(b, fieldQuantType, uint64(q.Type))
	b = appendVarintField(b, fieldQuantChannelDim, protowire.EncodeZigZag(int64(q.ChannelDim)))
	if len(q.Scales) > 0 {
		var packed []byte
		for _, scale := range q.Scales {
			packed = protowire.AppendFixed32(packed, math.Float32bits(scale))
		}
		b = appendBytesField(b, fieldQuantScales, packed)
	}
	b = appendPackedInt32s(b, fieldQuantZeroPoints, q.ZeroPoints)
	return b
}

func encodeNode(n *Node) []byte {
	var b []byte
	b = appendVarintField(b, fieldNodeOp, uint64(n.Op))
	if len(n.Params) > 0 {
		b = appendBytesField(b, fieldNodeParams, n.Params)
	}
	b = appendPackedInt32s(b, fieldNodeInputs, n.Inputs)
	b = appendPackedInt32s(b, fieldNodeOutputs, n.Outputs)
	return b
}

// ReadHeader validates the header of blob and returns the format version and the body.
func ReadHeader(blob []byte) (version uint32, body []byte, err error) {
	if len(blob) < HeaderSize {
		return 0, nil, errors.Errorf("NBG blob too short: %d bytes, header alone is %d bytes", len(blob), HeaderSize)
	}
	if string(blob[:4]) != Magic {
		return 0, nil, errors.Errorf("NBG blob has invalid magic %q, expected %q", blob[:4], Magic)
	}
	version = binary.LittleEndian.Uint32(blob[4:])
	if version == 0 || version > Version {
		return 0, nil, errors.Errorf("NBG blob version %d not supported (max %d)", version, Version)
	}
	bodyLen := binary.LittleEndian.Uint32(blob[8:])
	if uint64(bodyLen) != uint64(len(blob)-HeaderSize) {
		return 0, nil, errors.Errorf("NBG blob body length %d doesn't match blob size %d", bodyLen, len(blob))
	}
	return version, blob[HeaderSize:], nil
}

// Decode parses an NBG blob into a Program.
func Decode(blob []byte) (*Program, error) {
	_, body, err := ReadHeader(blob)
	if err != nil {
		return nil, err
	}
	p := &Program{}
	err = walkFields(body, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
		switch num {
		case fieldProgramNumInputs:
			p.NumInputs = int(varint)
		case fieldProgramNumOutputs:
			p.NumOutputs = int(varint)
		case fieldProgramInputs:
			return decodePackedInt32s(value, &p.Inputs)
		case fieldProgramOutputs:
			return decodePackedInt32s(value, &p.Outputs)
		case fieldProgramRelax:
			p.Relax = protowire.DecodeBool(varint)
		case fieldProgramDeviceIndex:
			p.DeviceIndex = int32(protowire.DecodeZigZag(varint))
		case fieldProgramTensor:
			t, err := decodeTensor(value)
			if err != nil {
				return errors.WithMessagef(err, "tensor #%d", len(p.Tensors))
			}
			p.Tensors = append(p.Tensors, t)
		case fieldProgramNode:
			n, err := decodeNode(value)
			if err != nil {
				return errors.WithMessagef(err, "node #%d", len(p.Nodes))
			}
			p.Nodes = append(p.Nodes, n)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to decode NBG body")
	}
	if p.NumInputs != len(p.Inputs) || p.NumOutputs != len(p.Outputs) {
		return nil, errors.Errorf("NBG declares %d inputs and %d outputs, but lists %d and %d",
			p.NumInputs, p.NumOutputs, len(p.Inputs), len(p.Outputs))
	}
	return p, nil
}

// walkFields calls fn for every field of a message. For varint fields value is nil, for
// bytes fields varint is 0. Other wire types are skipped.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errors.Wrapf(protowire.ParseError(n), "field %d", num)
			}
			b = b[n:]
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Wrapf(protowire.ParseError(n), "field %d", num)
			}
			b = b[n:]
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.Wrapf(protowire.ParseError(n), "field %d", num)
			}
			b = b[n:]
		}
	}
	return nil
}

func decodePackedInt32s(b []byte, out *[]int32) error {
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		*out = append(*out, int32(protowire.DecodeZigZag(v)))
	}
	return nil
}

func decodeTensor(b []byte) (Tensor, error) {
	var t Tensor
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
		switch num {
		case fieldTensorID:
			t.ID = int32(protowire.DecodeZigZag(varint))
		case fieldTensorDType:
			t.Spec.Shape.DType = dtypes.DType(varint)
		case fieldTensorDims:
			for len(value) > 0 {
				v, n := protowire.ConsumeVarint(value)
				if n < 0 {
					return protowire.ParseError(n)
				}
				value = value[n:]
				t.Spec.Shape.Dimensions = append(t.Spec.Shape.Dimensions, int(v))
			}
		case fieldTensorAttr:
			t.Spec.Attr = tensors.Attribute(varint)
		case fieldTensorQuant:
			q, err := decodeQuant(value)
			if err != nil {
				return err
			}
			t.Spec.Quant = q
		case fieldTensorData:
			t.Data = append([]byte{}, value...)
		}
		return nil
	})
	return t, err
}

func decodeQuant(b []byte) (tensors.Quantization, error) {
	var q tensors.Quantization
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
		switch num {
		case fieldQuantType:
			q.Type = tensors.QuantType(varint)
		case fieldQuantChannelDim:
			q.ChannelDim = int32(protowire.DecodeZigZag(varint))
		case fieldQuantScales:
			for len(value) > 0 {
				v, n := protowire.ConsumeFixed32(value)
				if n < 0 {
					return protowire.ParseError(n)
				}
				value = value[n:]
				q.Scales = append(q.Scales, math.Float32frombits(v))
			}
		case fieldQuantZeroPoints:
			return decodePackedInt32s(value, &q.ZeroPoints)
		}
		return nil
	})
	return q, err
}

func decodeNode(b []byte) (Node, error) {
	var n Node
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
		switch num {
		case fieldNodeOp:
			n.Op = int32(varint)
		case fieldNodeParams:
			n.Params = append([]byte{}, value...)
		case fieldNodeInputs:
			return decodePackedInt32s(value, &n.Inputs)
		case fieldNodeOutputs:
			return decodePackedInt32s(value, &n.Outputs)
		}
		return nil
	})
	return n, err
}
