// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph is the host-side representation of an NPU dataflow graph: tensors, operations,
// and their producer/consumer connectivity.
//
// A Graph is created by a Context, filled with Tensors (Graph.CreateTensor) and Operations
// (Graph.CreateOperation, then Operation.BindInputs/BindOutputs), and then either compiled and run
// in-process (Graph.Compile, Graph.Run) or serialized to a relocatable NBG blob (Graph.CompileToBinary)
// to be scheduled on devices by the platform package.
//
// # Concurrency
//
// The tensor and operation bookkeeping is not safe for concurrent mutation: a Graph should be built
// by one goroutine. Only the one-shot steps of compilation (Setup, SetIO, Verify) are guarded by a
// mutex, so that they run at most once.
//
// # Error Handling
//
// Methods that call the driver return errors of type *status.Error (see package status), carrying
// the failure kind and the id of the offending tensor or operation. Programming errors, like binding
// a tensor of one graph to an operation of another, panic with a stack trace (see
// github.com/gomlx/exceptions).
package graph

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/timvx/driver"
	"github.com/gomlx/timvx/pkg/core/status"
	"github.com/gomlx/timvx/pkg/support/sets"
	"k8s.io/klog/v2"
)

// GraphId is a process-unique id of a Graph, in creation order.
type GraphId int

var (
	muGraphCount sync.Mutex
	graphCount   GraphId
)

// CompileOption configures how a Graph is compiled. It is applied at Setup time, not retroactively.
type CompileOption struct {
	// RelaxMode trades numeric precision for throughput.
	RelaxMode bool

	// DeviceID, if set, routes the graph to the given device on multi-device systems.
	DeviceID *driver.DeviceID
}

// WithDevice returns a copy of the option with DeviceID set.
func (o CompileOption) WithDevice(id driver.DeviceID) CompileOption {
	o.DeviceID = &id
	return o
}

// Graph holds the tensors and operations of one dataflow graph, and their connectivity.
type Graph struct {
	ctx      *Context
	id       GraphId
	lowLevel driver.Graph
	option   CompileOption

	tensors    []*Tensor
	operations []*Operation

	inputs, outputs sets.Ordered[*Tensor]

	producers map[*Tensor]*Operation
	consumers map[*Tensor][]*Operation

	// notConsumedInputs counts INPUT tensors not yet bound to any operation, and notConsumedOutputs
	// OUTPUT tensors not yet produced by any operation.
	notConsumedInputs, notConsumedOutputs int

	constants constantCache

	// mu guards the one-shot latches below.
	mu                            sync.Mutex
	setupDone, ioDone, verifyDone bool
	setupErr, ioErr, verifyErr    error
	finalized                     bool
}

func newGraph(ctx *Context, option CompileOption) (*Graph, error) {
	lowLevel, err := ctx.drv.NewGraph(ctx.resourcePath)
	if err != nil {
		return nil, status.Wrapf(err, status.ResourceCreation, status.NoHandle, "failed to create driver graph")
	}
	muGraphCount.Lock()
	id := graphCount
	graphCount++
	muGraphCount.Unlock()
	g := &Graph{
		ctx:       ctx,
		id:        id,
		lowLevel:  lowLevel,
		option:    option,
		producers: make(map[*Tensor]*Operation),
		consumers: make(map[*Tensor][]*Operation),
	}
	if ctx.constantCache {
		g.constants = make(constantCache)
	}
	klog.V(2).Infof("created graph #%d", id)
	return g, nil
}

// GraphId returns the process-unique id of the graph.
func (g *Graph) GraphId() GraphId { return g.id }

// Context that created the graph.
func (g *Graph) Context() *Context { return g.ctx }

// Option returns the CompileOption the graph was created with.
func (g *Graph) Option() CompileOption { return g.option }

// SetCompileOption replaces the CompileOption of the graph. It must be called before the graph is
// set up (by Compile or CompileToBinary), otherwise it returns an error and the option is unchanged.
func (g *Graph) SetCompileOption(option CompileOption) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.setupDone {
		return status.Errorf(status.Compile, status.NoHandle, "graph #%d already set up, can't change its CompileOption", g.id)
	}
	g.option = option
	return nil
}

// DriverGraph returns the low-level driver graph. It is meant for the platform package, which
// hands it to devices; other users should not need it.
func (g *Graph) DriverGraph() driver.Graph { return g.lowLevel }

// IsValid returns whether the Graph can still be used: it is not nil and was not finalized.
func (g *Graph) IsValid() bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.finalized
}

// checkValid returns an error if the graph is nil or finalized.
func (g *Graph) checkValid() error {
	if !g.IsValid() {
		return status.Errorf(status.InvalidArgument, status.NoHandle, "graph is nil or has been finalized already")
	}
	return nil
}

// assertSameGraph panics if t doesn't belong to g.
func (g *Graph) assertSameGraph(t *Tensor) {
	if t == nil {
		exceptions.Panicf("nil tensor given to graph #%d", g.id)
	}
	if t.graph != g {
		exceptions.Panicf("tensor #%d belongs to graph #%d, it can't be used in graph #%d", t.id, t.graph.id, g.id)
	}
}

// Finalize releases the driver graph and, with it, all tensors and operations.
// It is safe to call it more than once: the driver graph is released exactly once.
func (g *Graph) Finalize() {
	if g == nil {
		return
	}
	g.mu.Lock()
	if g.finalized {
		g.mu.Unlock()
		return
	}
	g.finalized = true
	g.mu.Unlock()
	g.lowLevel.Release()
	g.tensors = nil
	g.operations = nil
	g.producers = nil
	g.consumers = nil
	g.constants = nil
	klog.V(2).Infof("finalized graph #%d", g.id)
}

// InputsTensor returns the graph input tensors, in insertion order.
func (g *Graph) InputsTensor() []*Tensor { return g.inputs.Items() }

// OutputsTensor returns the graph output tensors, in insertion order.
func (g *Graph) OutputsTensor() []*Tensor { return g.outputs.Items() }

// AddInput adds t to the graph inputs. Adding a tensor already there is a no-op, and it returns false.
func (g *Graph) AddInput(t *Tensor) bool {
	g.assertSameGraph(t)
	return g.inputs.Insert(t) == 1
}

// AddOutput adds t to the graph outputs. Adding a tensor already there is a no-op, and it returns false.
func (g *Graph) AddOutput(t *Tensor) bool {
	g.assertSameGraph(t)
	return g.outputs.Insert(t) == 1
}

// OpVector returns the operations in creation order.
func (g *Graph) OpVector() []*Operation {
	return append([]*Operation(nil), g.operations...)
}

// NumTensors returns the number of distinct tensors created.
func (g *Graph) NumTensors() int { return len(g.tensors) }

// NotConsumed returns the number of INPUT tensors not bound to any operation and of OUTPUT tensors
// not produced by any operation.
func (g *Graph) NotConsumed() (inputs, outputs int) {
	return g.notConsumedInputs, g.notConsumedOutputs
}

// GetProducerOp returns the operation producing t, or nil.
func (g *Graph) GetProducerOp(t *Tensor) *Operation {
	return g.producers[t]
}

// GetConsumersOp returns the operations consuming t, in the order they were bound.
func (g *Graph) GetConsumersOp(t *Tensor) []*Operation {
	return append([]*Operation(nil), g.consumers[t]...)
}

// UpdateTensorProducerMap registers op as the producer of t, replacing any previous one.
func (g *Graph) UpdateTensorProducerMap(t *Tensor, op *Operation) {
	g.assertSameGraph(t)
	g.producers[t] = op
}

// UpdateTensorConsumersMap replaces oldOp by newOp among the consumers of t, keeping its position.
// If oldOp is nil or not a consumer, newOp is appended (if not yet a consumer).
func (g *Graph) UpdateTensorConsumersMap(t *Tensor, newOp, oldOp *Operation) {
	g.assertSameGraph(t)
	consumers := g.consumers[t]
	if oldOp != nil {
		for ii, op := range consumers {
			if op == oldOp {
				consumers[ii] = newOp
				g.consumers[t] = dedupOps(consumers)
				return
			}
		}
	}
	g.addConsumer(t, newOp)
}

// RenewTensorConsumersMap moves the consumption of origin by op to dst: op is removed from the
// consumers of origin, appended to the consumers of dst, and its input bindings are updated.
func (g *Graph) RenewTensorConsumersMap(origin, dst *Tensor, op *Operation) {
	g.assertSameGraph(origin)
	g.assertSameGraph(dst)
	consumers := g.consumers[origin]
	for ii, consumer := range consumers {
		if consumer == op {
			g.consumers[origin] = append(consumers[:ii:ii], consumers[ii+1:]...)
			if len(g.consumers[origin]) == 0 {
				delete(g.consumers, origin)
				if g.inputs.Has(origin) {
					g.notConsumedInputs++
				}
			}
			break
		}
	}
	if g.addConsumer(dst, op) && g.inputs.Has(dst) {
		g.notConsumedInputs--
	}
	for ii, in := range op.inputs {
		if in == origin {
			op.inputs[ii] = dst
			op.ioDirty = true
		}
	}
}

// addConsumer appends op to the consumers of t, if not there yet.
// It returns whether t had no consumers before.
func (g *Graph) addConsumer(t *Tensor, op *Operation) (first bool) {
	consumers := g.consumers[t]
	first = len(consumers) == 0
	for _, consumer := range consumers {
		if consumer == op {
			return false
		}
	}
	g.consumers[t] = append(consumers, op)
	return first
}

func dedupOps(ops []*Operation) []*Operation {
	seen := sets.Make[*Operation](len(ops))
	result := ops[:0]
	for _, op := range ops {
		if seen.Add(op) {
			result = append(result, op)
		}
	}
	return result
}

// PrintGraph returns a multi-line description of the graph: tensors, operations and IO.
func (g *Graph) PrintGraph() string {
	var sb strings.Builder
	tensorIDs := func(ts []*Tensor) string {
		parts := make([]string, len(ts))
		for ii, t := range ts {
			parts[ii] = fmt.Sprintf("#%d", t.id)
		}
		return "[" + strings.Join(parts, " ") + "]"
	}
	_, _ = fmt.Fprintf(&sb, "Graph #%d: %d tensors, %d operations, inputs=%s, outputs=%s\n",
		g.id, len(g.tensors), len(g.operations), tensorIDs(g.InputsTensor()), tensorIDs(g.OutputsTensor()))
	for _, t := range g.tensors {
		_, _ = fmt.Fprintf(&sb, "  tensor #%d: %s\n", t.id, t.spec)
	}
	for _, op := range g.operations {
		_, _ = fmt.Fprintf(&sb, "  op #%d %s: inputs=%s outputs=%s\n", op.index, op.desc, tensorIDs(op.inputs), tensorIDs(op.outputs))
	}
	return sb.String()
}

// String implements fmt.Stringer.
func (g *Graph) String() string {
	return fmt.Sprintf("Graph #%d", g.id)
}
