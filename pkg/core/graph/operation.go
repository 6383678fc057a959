// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/timvx/driver"
	"github.com/gomlx/timvx/pkg/core/status"
	"k8s.io/klog/v2"
)

// OpDesc describes an operation to create, see package ops for the implementations.
type OpDesc interface {
	// Type of the driver node.
	Type() driver.OpType

	// Params passed to the driver when creating the node, or nil.
	Params() any

	// NumInputs and NumOutputs are the arity of the operation.
	NumInputs() int
	NumOutputs() int

	fmt.Stringer
}

// Operation is a node of the dataflow graph: it consumes its input tensors and produces its outputs.
type Operation struct {
	graph  *Graph
	index  int
	desc   OpDesc
	nodeID driver.NodeID

	inputs, outputs []*Tensor

	// ioDirty is set when the bindings changed after they were last given to the driver.
	ioDirty bool
}

// CreateOperation creates an operation from its description. Its inputs and outputs are bound
// afterward with BindInput(s) and BindOutput(s).
//
// It panics if desc is nil.
func (g *Graph) CreateOperation(desc OpDesc) (*Operation, error) {
	if desc == nil {
		exceptions.Panicf("nil OpDesc given to CreateOperation in graph #%d", g.id)
	}
	if err := g.checkValid(); err != nil {
		return nil, err
	}
	nodeID, err := g.lowLevel.NewNode(desc.Type(), desc.Params())
	if err != nil {
		return nil, status.Wrapf(err, status.ResourceCreation, len(g.operations),
			"graph #%d: failed to create operation %s", g.id, desc)
	}
	op := &Operation{graph: g, index: len(g.operations), desc: desc, nodeID: nodeID, ioDirty: true}
	g.operations = append(g.operations, op)
	klog.V(2).Infof("graph #%d: created op #%d %s", g.id, op.index, desc)
	return op, nil
}

// Graph the operation belongs to.
func (op *Operation) Graph() *Graph { return op.graph }

// Index of the operation in its graph, in creation order.
func (op *Operation) Index() int { return op.index }

// Desc returns the description the operation was created with.
func (op *Operation) Desc() OpDesc { return op.desc }

// NodeID returns the driver node id.
func (op *Operation) NodeID() driver.NodeID { return op.nodeID }

// Inputs returns the bound input tensors, in binding order.
func (op *Operation) Inputs() []*Tensor { return append([]*Tensor(nil), op.inputs...) }

// Outputs returns the bound output tensors, in binding order.
func (op *Operation) Outputs() []*Tensor { return append([]*Tensor(nil), op.outputs...) }

// String implements fmt.Stringer.
func (op *Operation) String() string {
	return fmt.Sprintf("op #%d %s", op.index, op.desc)
}

// BindInput appends t to the inputs of the operation, and registers the operation as one of its consumers.
//
// It panics if t belongs to a different graph. It returns the operation, so calls can be chained.
func (op *Operation) BindInput(t *Tensor) *Operation {
	g := op.graph
	g.assertSameGraph(t)
	op.inputs = append(op.inputs, t)
	op.ioDirty = true
	if g.addConsumer(t, op) && g.inputs.Has(t) {
		g.notConsumedInputs--
	}
	return op
}

// BindInputs binds each of the tensors, in order, see BindInput.
func (op *Operation) BindInputs(ts ...*Tensor) *Operation {
	for _, t := range ts {
		op.BindInput(t)
	}
	return op
}

// BindOutput appends t to the outputs of the operation, and makes the operation its producer,
// replacing any previous producer.
//
// It panics if t belongs to a different graph. It returns the operation, so calls can be chained.
func (op *Operation) BindOutput(t *Tensor) *Operation {
	g := op.graph
	g.assertSameGraph(t)
	op.outputs = append(op.outputs, t)
	op.ioDirty = true
	previous := g.producers[t]
	g.producers[t] = op
	if previous == nil && g.outputs.Has(t) {
		g.notConsumedOutputs--
	}
	return op
}

// BindOutputs binds each of the tensors, in order, see BindOutput.
func (op *Operation) BindOutputs(ts ...*Tensor) *Operation {
	for _, t := range ts {
		op.BindOutput(t)
	}
	return op
}

// bindDriverIO gives the current bindings to the driver node.
func (op *Operation) bindDriverIO() error {
	if !op.ioDirty {
		return nil
	}
	err := op.graph.lowLevel.SetNodeIO(op.nodeID, tensorIDs(op.inputs), tensorIDs(op.outputs))
	if err != nil {
		return status.Wrapf(err, status.Compile, op.index, "graph #%d: failed to bind %s", op.graph.id, op)
	}
	op.ioDirty = false
	return nil
}

func tensorIDs(ts []*Tensor) []driver.TensorID {
	ids := make([]driver.TensorID, len(ts))
	for ii, t := range ts {
		ids[ii] = t.id
	}
	return ids
}
