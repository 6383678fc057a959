// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package driver

import (
	"fmt"
	"slices"
)

// OpType enumerates the node types a driver can instantiate.
type OpType int32

const (
	OpTypeInvalid OpType = iota
	OpTypeAdd
	OpTypeSub
	OpTypeMultiply
	OpTypeDiv
	OpTypeMaximum
	OpTypeMinimum
	OpTypeRelu
	OpTypeSigmoid
	OpTypeTanh
	OpTypeAbs
	OpTypeNeg
	OpTypeSquare
	OpTypeDataConvert
	OpTypeReshape

	// OpTypeNBG runs a previously compiled network binary graph as a single node.
	OpTypeNBG

	// OpTypeLast should always be kept the last, it is used as a counter/marker for OpType.
	OpTypeLast
)

var opTypeNames = [...]string{
	OpTypeInvalid:     "Invalid",
	OpTypeAdd:         "Add",
	OpTypeSub:         "Sub",
	OpTypeMultiply:    "Multiply",
	OpTypeDiv:         "Div",
	OpTypeMaximum:     "Maximum",
	OpTypeMinimum:     "Minimum",
	OpTypeRelu:        "Relu",
	OpTypeSigmoid:     "Sigmoid",
	OpTypeTanh:        "Tanh",
	OpTypeAbs:         "Abs",
	OpTypeNeg:         "Neg",
	OpTypeSquare:      "Square",
	OpTypeDataConvert: "DataConvert",
	OpTypeReshape:     "Reshape",
	OpTypeNBG:         "NBG",
}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if op < 0 || op >= OpTypeLast {
		return fmt.Sprintf("OpType(%d)", int32(op))
	}
	return opTypeNames[op]
}

var (
	binaryOps = []OpType{OpTypeAdd, OpTypeSub, OpTypeMultiply, OpTypeDiv, OpTypeMaximum, OpTypeMinimum}
	unaryOps  = []OpType{OpTypeRelu, OpTypeSigmoid, OpTypeTanh, OpTypeAbs, OpTypeNeg, OpTypeSquare}
)

// IsBinary returns whether op is an elementwise binary operation.
func (op OpType) IsBinary() bool { return slices.Contains(binaryOps, op) }

// IsUnary returns whether op is an elementwise unary operation (activations and friends).
func (op OpType) IsUnary() bool { return slices.Contains(unaryOps, op) }

// ReshapeParams are the parameters of OpTypeReshape.
type ReshapeParams struct {
	Dimensions []int
}

// NBGParams are the parameters of OpTypeNBG: the binary and its declared input/output counts.
type NBGParams struct {
	Binary     []byte
	NumInputs  int
	NumOutputs int
}
