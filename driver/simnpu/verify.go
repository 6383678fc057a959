// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simnpu

import (
	"github.com/gomlx/timvx/driver"
	"github.com/gomlx/timvx/pkg/core/dtypes"
	"github.com/gomlx/timvx/pkg/core/shapes"
	"github.com/gomlx/timvx/pkg/core/tensors"
	"github.com/gomlx/timvx/pkg/support/sets"
	"k8s.io/klog/v2"
)

const verifyCall = "vxVerifyGraph"

// lockedVerify checks connectivity, infers placeholder shapes, checks node shapes and computes
// the execution order. It must be called with g.mu held.
func (g *Graph) lockedVerify() error {
	g.verified = false
	if err := g.lockedCheck(verifyCall); err != nil {
		return err
	}
	if !g.setupDone {
		return driver.Errorf(driver.InvalidGraph, verifyCall, "graph #%d Setup was not called", g.id)
	}

	// producers maps each tensor to the node writing it.
	producers := make(map[driver.TensorID]int)
	for nodeIdx, n := range g.nodes {
		for _, out := range n.outputs {
			if prev, found := producers[out]; found {
				return driver.Errorf(driver.InvalidGraph, verifyCall, "tensor #%d written by nodes #%d and #%d", out, prev, nodeIdx)
			}
			producers[out] = nodeIdx
		}
	}

	// Every tensor read must be a graph input, have content or have a producer.
	graphInputs := sets.MakeWith(g.inputs...)
	readable := func(id driver.TensorID) bool {
		if graphInputs.Has(id) {
			return true
		}
		if _, found := producers[id]; found {
			return true
		}
		t := g.tensors[id]
		return t.hasContent || t.spec.Attr.Has(tensors.Constant) || t.spec.Attr.Has(tensors.Variable)
	}
	for nodeIdx, n := range g.nodes {
		for _, in := range n.inputs {
			if !readable(in) {
				return driver.Errorf(driver.InvalidGraph, verifyCall, "tensor #%d read by node #%d (%s) has no producer nor content",
					in, nodeIdx, n.op)
			}
		}
	}
	// Graph outputs nobody writes are allowed: they keep their zeroed buffers.
	for _, out := range g.outputs {
		if !readable(out) && !g.isReferenced(out) {
			klog.Warningf("simnpu: graph #%d output tensor #%d is never written", g.id, out)
		}
	}

	order, err := g.lockedTopologicalOrder(producers)
	if err != nil {
		return err
	}
	for _, nodeIdx := range order {
		if err := g.lockedVerifyNode(nodeIdx); err != nil {
			return err
		}
	}
	for id, t := range g.tensors {
		if t.data == nil {
			if !g.isReferenced(driver.TensorID(id)) {
				continue
			}
			return driver.Errorf(driver.InvalidGraph, verifyCall, "placeholder tensor #%d shape could not be inferred", id)
		}
	}
	g.order = order
	g.verified = true
	klog.V(1).Infof("simnpu: verified graph #%d: %d tensors, %d nodes, %d inputs, %d outputs",
		g.id, len(g.tensors), len(g.nodes), len(g.inputs), len(g.outputs))
	return nil
}

func (g *Graph) isReferenced(id driver.TensorID) bool {
	for _, n := range g.nodes {
		for _, t := range n.inputs {
			if t == id {
				return true
			}
		}
		for _, t := range n.outputs {
			if t == id {
				return true
			}
		}
	}
	return false
}

// lockedTopologicalOrder returns an execution order of the nodes derived from connectivity.
// Nodes with no dependencies between them keep their creation order.
func (g *Graph) lockedTopologicalOrder(producers map[driver.TensorID]int) ([]int, error) {
	numNodes := len(g.nodes)
	inDegree := make([]int, numNodes)
	dependents := make([][]int, numNodes)
	for nodeIdx, n := range g.nodes {
		deps := sets.Make[int](len(n.inputs))
		for _, in := range n.inputs {
			if producer, found := producers[in]; found && producer != nodeIdx && deps.Add(producer) {
				dependents[producer] = append(dependents[producer], nodeIdx)
				inDegree[nodeIdx]++
			} else if found && producer == nodeIdx {
				return nil, driver.Errorf(driver.InvalidGraph, verifyCall, "node #%d (%s) reads its own output tensor #%d", nodeIdx, n.op, in)
			}
		}
	}
	order := make([]int, 0, numNodes)
	for nodeIdx := range numNodes {
		if inDegree[nodeIdx] == 0 {
			order = append(order, nodeIdx)
		}
	}
	for next := 0; next < len(order); next++ {
		for _, dependent := range dependents[order[next]] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				order = append(order, dependent)
			}
		}
	}
	if len(order) != numNodes {
		return nil, driver.Errorf(driver.InvalidGraph, verifyCall, "graph #%d has a cycle", g.id)
	}
	return order, nil
}

// setOrCheckOutput infers the shape of a placeholder output, or checks it matches want.
func (g *Graph) setOrCheckOutput(nodeIdx int, n *node, outIdx int, want shapes.Shape) error {
	t := g.tensors[n.outputs[outIdx]]
	if t.data == nil {
		t.spec.Shape = want.Clone()
		t.data = make([]byte, want.ByteSize())
		return nil
	}
	if !t.spec.Shape.Equal(want) {
		return driver.Errorf(driver.InvalidNode, verifyCall, "node #%d (%s) output #%d has shape %s, expected %s",
			nodeIdx, n.op, outIdx, t.spec.Shape, want)
	}
	return nil
}

func (g *Graph) lockedVerifyNode(nodeIdx int) error {
	n := g.nodes[nodeIdx]
	inputShapes := make([]shapes.Shape, len(n.inputs))
	for ii, in := range n.inputs {
		t := g.tensors[in]
		if t.data == nil {
			return driver.Errorf(driver.InvalidNode, verifyCall, "node #%d (%s) input #%d (tensor #%d) has unknown shape",
				nodeIdx, n.op, ii, in)
		}
		inputShapes[ii] = t.spec.Shape
	}
	switch {
	case n.op.IsBinary():
		lhs, rhs := inputShapes[0], inputShapes[1]
		if lhs.DType != rhs.DType {
			return driver.Errorf(driver.InvalidNode, verifyCall, "node #%d (%s) inputs have different dtypes %s and %s",
				nodeIdx, n.op, lhs.DType, rhs.DType)
		}
		if lhs.DType == dtypes.Bool8 && n.op != driver.OpTypeMaximum && n.op != driver.OpTypeMinimum {
			return driver.Errorf(driver.NotSupported, verifyCall, "node #%d (%s) not supported for %s", nodeIdx, n.op, lhs.DType)
		}
		var result shapes.Shape
		switch {
		case lhs.EqualDimensions(rhs):
			result = lhs
		case rhs.Size() == 1:
			result = lhs
		case lhs.Size() == 1:
			result = rhs
		default:
			return driver.Errorf(driver.InvalidNode, verifyCall, "node #%d (%s) incompatible input shapes %s and %s",
				nodeIdx, n.op, lhs, rhs)
		}
		return g.setOrCheckOutput(nodeIdx, n, 0, result)

	case n.op.IsUnary():
		operand := inputShapes[0]
		if operand.DType == dtypes.Bool8 ||
			(!operand.DType.IsFloat() && (n.op == driver.OpTypeSigmoid || n.op == driver.OpTypeTanh)) {
			return driver.Errorf(driver.NotSupported, verifyCall, "node #%d (%s) not supported for %s", nodeIdx, n.op, operand.DType)
		}
		return g.setOrCheckOutput(nodeIdx, n, 0, operand)

	case n.op == driver.OpTypeDataConvert:
		out := g.tensors[n.outputs[0]]
		if out.data == nil {
			return driver.Errorf(driver.InvalidNode, verifyCall, "node #%d (%s) output needs an explicit dtype", nodeIdx, n.op)
		}
		if !out.spec.Shape.EqualDimensions(inputShapes[0]) {
			return driver.Errorf(driver.InvalidNode, verifyCall, "node #%d (%s) output shape %s doesn't match input %s",
				nodeIdx, n.op, out.spec.Shape, inputShapes[0])
		}
		return nil

	case n.op == driver.OpTypeReshape:
		params := n.params.(driver.ReshapeParams)
		want := shapes.Make(inputShapes[0].DType, params.Dimensions...)
		if want.Size() != inputShapes[0].Size() {
			return driver.Errorf(driver.InvalidNode, verifyCall, "node #%d (%s) can't reshape %s to %v",
				nodeIdx, n.op, inputShapes[0], params.Dimensions)
		}
		return g.setOrCheckOutput(nodeIdx, n, 0, want)

	case n.op == driver.OpTypeNBG:
		subInputs, subOutputs := n.sub.ioShapes()
		for ii, shape := range inputShapes {
			if shape.ByteSize() != subInputs[ii].ByteSize() {
				return driver.Errorf(driver.InvalidNode, verifyCall, "node #%d (%s) input #%d has shape %s, NBG expects %s",
					nodeIdx, n.op, ii, shape, subInputs[ii])
			}
		}
		for ii, want := range subOutputs {
			t := g.tensors[n.outputs[ii]]
			if t.data != nil && t.spec.ByteSize() == want.ByteSize() {
				continue
			}
			if err := g.setOrCheckOutput(nodeIdx, n, ii, want); err != nil {
				return err
			}
		}
		return nil
	}
	return driver.Errorf(driver.NotSupported, verifyCall, "node #%d op %s not supported", nodeIdx, n.op)
}

// ioShapes returns the shapes of the graph inputs and outputs.
func (g *Graph) ioShapes() (inputs, outputs []shapes.Shape) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.inputs {
		inputs = append(inputs, g.tensors[id].spec.Shape)
	}
	for _, id := range g.outputs {
		outputs = append(outputs, g.tensors[id].spec.Shape)
	}
	return
}
