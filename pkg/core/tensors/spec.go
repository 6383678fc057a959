// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors defines Spec, the value-type description of an NPU tensor: its shape, how the
// graph uses it (Attribute) and its quantization parameters.
//
// A Spec carries no data and no driver handle: graph.Tensor pairs one with both.
package tensors

import (
	"fmt"
	"strings"

	"github.com/gomlx/timvx/pkg/core/dtypes"
	"github.com/gomlx/timvx/pkg/core/shapes"
)

// Attribute is a bitmask describing the role of a tensor in a graph.
type Attribute uint32

const (
	// Input tensors are fed by the host before execution.
	Input Attribute = 1 << iota

	// Output tensors are read by the host after execution.
	Output

	// Constant tensors carry data fixed at graph construction (weights, biases).
	Constant

	// Transient tensors are intermediate values with no host-visible storage.
	Transient

	// Variable tensors are updated in place by the graph.
	Variable
)

var attributeNames = []struct {
	attr Attribute
	name string
}{
	{Input, "INPUT"},
	{Output, "OUTPUT"},
	{Constant, "CONSTANT"},
	{Transient, "TRANSIENT"},
	{Variable, "VARIABLE"},
}

// Has returns whether all bits of other are set in attr.
func (attr Attribute) Has(other Attribute) bool {
	return other != 0 && attr&other == other
}

// String implements fmt.Stringer, e.g. "INPUT|CONSTANT".
func (attr Attribute) String() string {
	if attr == 0 {
		return "NONE"
	}
	var parts []string
	rest := attr
	for _, entry := range attributeNames {
		if attr&entry.attr != 0 {
			parts = append(parts, entry.name)
			rest &^= entry.attr
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// Spec describes a tensor: shape (dtype and dimensions), attribute and quantization.
//
// Equality is structural, see Spec.Equal.
type Spec struct {
	Shape shapes.Shape
	Attr  Attribute
	Quant Quantization
}

// NewSpec creates a Spec without quantization.
func NewSpec(dtype dtypes.DType, attr Attribute, dimensions ...int) Spec {
	return Spec{Shape: shapes.Make(dtype, dimensions...), Attr: attr}
}

// DType of the tensor elements.
func (s Spec) DType() dtypes.DType { return s.Shape.DType }

// ElementNum returns the number of elements (product of the dimensions).
func (s Spec) ElementNum() int { return s.Shape.Size() }

// ElementByteSize returns the size in bytes of one element.
func (s Spec) ElementByteSize() int { return s.Shape.DType.Size() }

// ByteSize returns the number of bytes needed to hold the tensor: ElementNum() * ElementByteSize().
func (s Spec) ByteSize() int { return s.ElementNum() * s.ElementByteSize() }

// Equal compares the two specs structurally: shape, attribute and quantization.
func (s Spec) Equal(other Spec) bool {
	return s.Attr == other.Attr && s.Shape.Equal(other.Shape) && s.Quant.Equal(other.Quant)
}

// Clone returns a deep copy of the Spec.
func (s Spec) Clone() Spec {
	return Spec{Shape: s.Shape.Clone(), Attr: s.Attr, Quant: s.Quant.Clone()}
}

// WithAttr returns a copy of the spec with the attribute replaced.
func (s Spec) WithAttr(attr Attribute) Spec {
	s2 := s.Clone()
	s2.Attr = attr
	return s2
}

// AsTransient returns a copy of the spec marked as Transient only.
// It is used for intermediate tensors derived from an input/output spec.
func (s Spec) AsTransient() Spec {
	return s.WithAttr(Transient)
}

// IsHostAccessible returns whether the host may read or write the tensor contents:
// everything except pure Transient tensors.
func (s Spec) IsHostAccessible() bool {
	return s.Attr&^Transient != 0 || s.Attr == 0
}

// String implements fmt.Stringer.
func (s Spec) String() string {
	if s.Quant.Type == QuantNone {
		return fmt.Sprintf("%s %s", s.Attr, s.Shape)
	}
	return fmt.Sprintf("%s %s %s", s.Attr, s.Shape, s.Quant)
}
