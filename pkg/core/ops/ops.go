// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops defines the operation descriptors that can be passed to graph.Graph.CreateOperation.
//
// Example, y = relu(x + bias):
//
//	add := must.M1(g.CreateOperation(ops.Add()))
//	relu := must.M1(g.CreateOperation(ops.Relu()))
//	add.BindInputs(x, bias).BindOutput(sum)
//	relu.BindInput(sum).BindOutput(y)
package ops

import (
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/timvx/driver"
	"github.com/gomlx/timvx/pkg/core/graph"
)

// Elementwise is the descriptor of the elementwise binary and unary operations.
// Binary operations broadcast scalar operands.
type Elementwise struct {
	op driver.OpType
}

var _ graph.OpDesc = Elementwise{}

func elementwise(op driver.OpType) Elementwise { return Elementwise{op: op} }

// Add returns the descriptor of lhs + rhs.
func Add() Elementwise { return elementwise(driver.OpTypeAdd) }

// Sub returns the descriptor of lhs - rhs.
func Sub() Elementwise { return elementwise(driver.OpTypeSub) }

// Multiply returns the descriptor of lhs * rhs.
func Multiply() Elementwise { return elementwise(driver.OpTypeMultiply) }

// Div returns the descriptor of lhs / rhs. Integer division by zero yields 0.
func Div() Elementwise { return elementwise(driver.OpTypeDiv) }

// Maximum returns the descriptor of max(lhs, rhs).
func Maximum() Elementwise { return elementwise(driver.OpTypeMaximum) }

// Minimum returns the descriptor of min(lhs, rhs).
func Minimum() Elementwise { return elementwise(driver.OpTypeMinimum) }

// Relu returns the descriptor of max(x, 0).
func Relu() Elementwise { return elementwise(driver.OpTypeRelu) }

// Sigmoid returns the descriptor of 1/(1+exp(-x)). Float only.
func Sigmoid() Elementwise { return elementwise(driver.OpTypeSigmoid) }

// Tanh returns the descriptor of the hyperbolic tangent. Float only.
func Tanh() Elementwise { return elementwise(driver.OpTypeTanh) }

// Abs returns the descriptor of |x|.
func Abs() Elementwise { return elementwise(driver.OpTypeAbs) }

// Neg returns the descriptor of -x.
func Neg() Elementwise { return elementwise(driver.OpTypeNeg) }

// Square returns the descriptor of x*x.
func Square() Elementwise { return elementwise(driver.OpTypeSquare) }

// Type implements graph.OpDesc.
func (e Elementwise) Type() driver.OpType { return e.op }

// Params implements graph.OpDesc.
func (e Elementwise) Params() any { return nil }

// NumInputs implements graph.OpDesc.
func (e Elementwise) NumInputs() int {
	if e.op.IsBinary() {
		return 2
	}
	return 1
}

// NumOutputs implements graph.OpDesc.
func (e Elementwise) NumOutputs() int { return 1 }

// String implements fmt.Stringer.
func (e Elementwise) String() string { return e.op.String() }

// DataConvert converts its operand to the dtype of its output tensor, saturating integers.
type DataConvert struct{}

var _ graph.OpDesc = DataConvert{}

// Type implements graph.OpDesc.
func (DataConvert) Type() driver.OpType { return driver.OpTypeDataConvert }

// Params implements graph.OpDesc.
func (DataConvert) Params() any { return nil }

// NumInputs implements graph.OpDesc.
func (DataConvert) NumInputs() int { return 1 }

// NumOutputs implements graph.OpDesc.
func (DataConvert) NumOutputs() int { return 1 }

// String implements fmt.Stringer.
func (DataConvert) String() string { return driver.OpTypeDataConvert.String() }

// Reshape changes the dimensions of its operand, keeping the number of elements.
type Reshape struct {
	dimensions []int
}

var _ graph.OpDesc = (*Reshape)(nil)

// NewReshape returns the descriptor of a reshape to the given dimensions.
func NewReshape(dimensions ...int) *Reshape {
	return &Reshape{dimensions: slices.Clone(dimensions)}
}

// Dimensions of the output.
func (r *Reshape) Dimensions() []int { return slices.Clone(r.dimensions) }

// Type implements graph.OpDesc.
func (r *Reshape) Type() driver.OpType { return driver.OpTypeReshape }

// Params implements graph.OpDesc.
func (r *Reshape) Params() any { return driver.ReshapeParams{Dimensions: slices.Clone(r.dimensions)} }

// NumInputs implements graph.OpDesc.
func (r *Reshape) NumInputs() int { return 1 }

// NumOutputs implements graph.OpDesc.
func (r *Reshape) NumOutputs() int { return 1 }

// String implements fmt.Stringer.
func (r *Reshape) String() string { return fmt.Sprintf("Reshape%v", r.dimensions) }

// NBG runs a precompiled network binary graph as a single operation.
//
// The blob is not copied: the caller must not modify it while the operation is in use.
type NBG struct {
	binary                []byte
	numInputs, numOutputs int
}

var _ graph.OpDesc = (*NBG)(nil)

// NewNBG returns the descriptor of an operation running binary, with the declared number of inputs
// and outputs, which must match the ones stored in the blob.
func NewNBG(binary []byte, numInputs, numOutputs int) *NBG {
	return &NBG{binary: binary, numInputs: numInputs, numOutputs: numOutputs}
}

// Binary returns the NBG blob.
func (n *NBG) Binary() []byte { return n.binary }

// Type implements graph.OpDesc.
func (n *NBG) Type() driver.OpType { return driver.OpTypeNBG }

// Params implements graph.OpDesc.
func (n *NBG) Params() any {
	return driver.NBGParams{Binary: n.binary, NumInputs: n.numInputs, NumOutputs: n.numOutputs}
}

// NumInputs implements graph.OpDesc.
func (n *NBG) NumInputs() int { return n.numInputs }

// NumOutputs implements graph.OpDesc.
func (n *NBG) NumOutputs() int { return n.numOutputs }

// String implements fmt.Stringer.
func (n *NBG) String() string {
	return fmt.Sprintf("NBG(%s, %d inputs, %d outputs)", humanize.Bytes(uint64(len(n.binary))), n.numInputs, n.numOutputs)
}
