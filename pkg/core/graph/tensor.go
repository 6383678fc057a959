// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	"github.com/gomlx/timvx/driver"
	"github.com/gomlx/timvx/pkg/core/shapes"
	"github.com/gomlx/timvx/pkg/core/status"
	"github.com/gomlx/timvx/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// Tensor is a node of the dataflow graph carrying data between operations.
//
// Its driver handle is created eagerly, and it lives as long as its Graph.
type Tensor struct {
	graph *Graph
	id    driver.TensorID
	spec  tensors.Spec

	// handle is the caller-owned buffer backing the tensor, if created with CreateTensorWithHandle.
	handle []byte
}

// Graph the tensor belongs to.
func (t *Tensor) Graph() *Graph { return t.graph }

// Id returns the driver id of the tensor, unique within its graph.
func (t *Tensor) Id() driver.TensorID { return t.id }

// Spec returns a copy of the tensor specification.
func (t *Tensor) Spec() tensors.Spec { return t.spec.Clone() }

// IsPlaceHolder returns whether the tensor was created without a shape, see Graph.CreateTensorPlaceHolder.
func (t *Tensor) IsPlaceHolder() bool { return !t.spec.Shape.Ok() }

// IsHandleBacked returns whether the tensor memory is a caller-owned buffer.
func (t *Tensor) IsHandleBacked() bool { return t.handle != nil }

// Handle returns the caller-owned buffer backing the tensor, or nil.
func (t *Tensor) Handle() []byte { return t.handle }

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("tensor #%d %s", t.id, t.spec)
}

// CreateTensor creates a tensor in the graph.
//
// If data is not nil it must hold exactly spec.ByteSize() bytes, and it is copied as the initial
// content of the tensor. The shape can only be empty (or invalid) for TRANSIENT tensors.
//
// With the constant cache enabled (see WithConstantCache), creating a CONSTANT tensor with the same
// spec and data as a previous one returns the previous tensor.
//
// INPUT and OUTPUT tensors are added to the graph inputs and outputs respectively.
func (g *Graph) CreateTensor(spec tensors.Spec, data []byte) (*Tensor, error) {
	if err := g.checkValid(); err != nil {
		return nil, err
	}
	isTransient := spec.Attr.Has(tensors.Transient)
	if !isTransient && (!spec.Shape.Ok() || spec.Shape.Rank() == 0) {
		return nil, status.Errorf(status.InvalidArgument, status.NoHandle,
			"graph #%d: only TRANSIENT tensors can be created without a shape, got %s", g.id, spec)
	}
	if data != nil && len(data) != spec.ByteSize() {
		return nil, status.Errorf(status.InvalidArgument, status.NoHandle,
			"graph #%d: tensor %s requires %d bytes of data, got %d", g.id, spec, spec.ByteSize(), len(data))
	}
	useCache := g.constants != nil && data != nil && spec.Attr.Has(tensors.Constant)
	if useCache {
		if t := g.constants.lookup(spec, data); t != nil {
			klog.V(2).Infof("graph #%d: constant cache hit for %s", g.id, t)
			return t, nil
		}
	}
	id, err := g.lowLevel.NewTensor(spec, data)
	if err != nil {
		return nil, status.Wrapf(err, status.ResourceCreation, status.NoHandle,
			"graph #%d: failed to create tensor %s", g.id, spec)
	}
	t := g.registerTensor(id, spec, nil)
	if useCache {
		g.constants.insert(t, data)
	}
	return t, nil
}

// CreateTensorWithHandle creates a tensor backed by buf, usually an INPUT or OUTPUT tensor.
//
// The buffer is not copied: the caller keeps ownership, and must keep it alive and not resize it
// while the graph is in use. Use Tensor.FlushCacheForHandle after host writes and
// Tensor.InvalidateCacheForHandle before host reads.
func (g *Graph) CreateTensorWithHandle(spec tensors.Spec, buf []byte) (*Tensor, error) {
	if err := g.checkValid(); err != nil {
		return nil, err
	}
	if spec.Attr.Has(tensors.Transient) {
		return nil, status.Errorf(status.InvalidArgument, status.NoHandle,
			"graph #%d: TRANSIENT tensor %s can't be backed by a host buffer", g.id, spec)
	}
	if !spec.Shape.Ok() || len(buf) < spec.ByteSize() {
		return nil, status.Errorf(status.InvalidArgument, status.NoHandle,
			"graph #%d: handle of %d bytes can't back tensor %s", g.id, len(buf), spec)
	}
	id, err := g.lowLevel.NewTensorFromHandle(spec, buf)
	if err != nil {
		return nil, status.Wrapf(err, status.ResourceCreation, status.NoHandle,
			"graph #%d: failed to create tensor %s from handle", g.id, spec)
	}
	return g.registerTensor(id, spec, buf[:spec.ByteSize()]), nil
}

// CreateTensorPlaceHolder creates a TRANSIENT tensor without shape: it is inferred from the
// operation that produces it when the graph is compiled.
func (g *Graph) CreateTensorPlaceHolder() (*Tensor, error) {
	return g.CreateTensor(tensors.Spec{Shape: shapes.Invalid(), Attr: tensors.Transient}, nil)
}

func (g *Graph) registerTensor(id driver.TensorID, spec tensors.Spec, handle []byte) *Tensor {
	t := &Tensor{graph: g, id: id, spec: spec.Clone(), handle: handle}
	g.tensors = append(g.tensors, t)
	if spec.Attr.Has(tensors.Input) && g.inputs.Insert(t) == 1 {
		g.notConsumedInputs++
	}
	if spec.Attr.Has(tensors.Output) && g.outputs.Insert(t) == 1 {
		g.notConsumedOutputs++
	}
	klog.V(2).Infof("graph #%d: created %s", g.id, t)
	return t
}

func (t *Tensor) checkAccess(write bool, data []byte) error {
	if err := t.graph.checkValid(); err != nil {
		return err
	}
	direction, allowed := "read", tensors.Output|tensors.Constant|tensors.Variable
	if write {
		direction, allowed = "written", tensors.Input|tensors.Constant|tensors.Variable
	}
	if !t.spec.IsHostAccessible() || t.spec.Attr&allowed == 0 {
		return status.Errorf(status.Access, int(t.id), "%s can't be %s by the host", t, direction)
	}
	if len(data) != t.spec.ByteSize() {
		return status.Errorf(status.InvalidArgument, int(t.id), "%s holds %d bytes, got a buffer of %d bytes",
			t, t.spec.ByteSize(), len(data))
	}
	return nil
}

// CopyDataToTensor writes data, which must be exactly Spec().ByteSize() bytes, to the tensor.
//
// Only INPUT, CONSTANT and VARIABLE tensors can be written: it returns an Access error otherwise.
func (t *Tensor) CopyDataToTensor(data []byte) error {
	if err := t.checkAccess(true, data); err != nil {
		return err
	}
	if err := t.graph.lowLevel.CopyToTensor(t.id, data); err != nil {
		return status.Wrapf(err, status.Access, int(t.id), "failed to write %s", t)
	}
	return nil
}

// CopyDataFromTensor reads the tensor contents into data, which must be exactly Spec().ByteSize() bytes.
//
// Only OUTPUT, CONSTANT and VARIABLE tensors can be read: it returns an Access error otherwise.
func (t *Tensor) CopyDataFromTensor(data []byte) error {
	if err := t.checkAccess(false, data); err != nil {
		return err
	}
	if err := t.graph.lowLevel.CopyFromTensor(t.id, data); err != nil {
		return status.Wrapf(err, status.Access, int(t.id), "failed to read %s", t)
	}
	return nil
}

// FlushCacheForHandle makes host writes to the handle buffer visible to the device.
func (t *Tensor) FlushCacheForHandle() error {
	if !t.IsHandleBacked() {
		return status.Errorf(status.InvalidArgument, int(t.id), "%s is not backed by a handle", t)
	}
	return status.Wrapf(t.graph.lowLevel.FlushHandle(t.id), status.Access, int(t.id), "failed to flush %s", t)
}

// InvalidateCacheForHandle makes device writes to the handle buffer visible to the host.
func (t *Tensor) InvalidateCacheForHandle() error {
	if !t.IsHandleBacked() {
		return status.Errorf(status.InvalidArgument, int(t.id), "%s is not backed by a handle", t)
	}
	return status.Wrapf(t.graph.lowLevel.InvalidateHandle(t.id), status.Access, int(t.id), "failed to invalidate %s", t)
}
