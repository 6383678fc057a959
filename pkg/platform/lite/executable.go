// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lite

import (
	"context"

	"github.com/gomlx/timvx/internal/nbg"
	"github.com/gomlx/timvx/pkg/core/graph"
	"github.com/gomlx/timvx/pkg/core/ops"
	"github.com/gomlx/timvx/pkg/core/status"
	"github.com/gomlx/timvx/pkg/core/tensors"
	"github.com/gomlx/timvx/pkg/platform"
)

// Executable implements platform.Executable for the lite executor.
type Executable struct {
	executor *Executor
	blob     []byte
	info     *nbg.Info

	inputs, outputs []*TensorHandle

	// nbGraph is built on the first trigger with the bound handles, and rebuilt if they change.
	nbGraph *graph.Graph
	dirty   bool
}

var _ platform.Executable = (*Executable)(nil)

// NewExecutable creates an executable of executor from an NBG blob. The number of inputs and outputs
// is read from the blob.
func NewExecutable(executor *Executor, blob []byte) (*Executable, error) {
	info, err := nbg.Parse(blob)
	if err != nil {
		return nil, status.Wrapf(err, status.Compile, status.NoHandle, "invalid NBG")
	}
	return &Executable{executor: executor, blob: blob, info: info, dirty: true}, nil
}

// Info returns the summary of the NBG of the executable.
func (e *Executable) Info() *nbg.Info { return e.info }

// Executor implements platform.Executable.
func (e *Executable) Executor() platform.Executor { return e.executor }

// NBGraph implements platform.Executable. It is nil until the executable is first triggered.
func (e *Executable) NBGraph() *graph.Graph { return e.nbGraph }

// WeakRef implements platform.Executable.
func (e *Executable) WeakRef() platform.Task { return platform.MakeTask(e) }

// Submit implements platform.Executable.
func (e *Executable) Submit(ref platform.Executable, after bool) error {
	return e.executor.Submit(e, ref, after)
}

// Trigger implements platform.Executable. Lite executables can only be triggered through their executor.
func (e *Executable) Trigger(context.Context, bool) error {
	return status.Errorf(status.Unsupported, status.NoHandle, "lite executables can't be triggered individually, use the executor")
}

func toHandle(th platform.TensorHandle) (*TensorHandle, error) {
	h, ok := th.(*TensorHandle)
	if !ok || h == nil {
		return nil, status.Errorf(status.InvalidArgument, status.NoHandle, "lite executables require lite tensor handles, got %T", th)
	}
	return h, nil
}

// SetInput implements platform.Executable.
func (e *Executable) SetInput(th platform.TensorHandle) error {
	h, err := toHandle(th)
	if err != nil {
		return err
	}
	e.inputs = append(e.inputs, h)
	e.dirty = true
	return nil
}

// SetOutput implements platform.Executable.
func (e *Executable) SetOutput(th platform.TensorHandle) error {
	h, err := toHandle(th)
	if err != nil {
		return err
	}
	e.outputs = append(e.outputs, h)
	e.dirty = true
	return nil
}

// GetOutput implements platform.Executable. It does nothing.
func (e *Executable) GetOutput([]platform.TensorHandle) error { return nil }

// AllocateTensor implements platform.Executable.
func (e *Executable) AllocateTensor(spec tensors.Spec) (platform.TensorHandle, error) {
	return NewTensorHandle(spec)
}

// Verify implements platform.Executable: the number of bound inputs and outputs must match the ones
// declared by the NBG.
func (e *Executable) Verify() error {
	if len(e.inputs) != e.info.NumInputs() {
		return status.Errorf(status.Compile, status.NoHandle, "input count mismatch, required: %d, provided: %d",
			e.info.NumInputs(), len(e.inputs))
	}
	if len(e.outputs) != e.info.NumOutputs() {
		return status.Errorf(status.Compile, status.NoHandle, "output count mismatch, required: %d, provided: %d",
			e.info.NumOutputs(), len(e.outputs))
	}
	return nil
}

// boundGraph returns the compiled graph running the NBG on the bound handles.
func (e *Executable) boundGraph() (*graph.Graph, error) {
	if !e.dirty {
		return e.nbGraph, nil
	}
	if e.nbGraph != nil {
		e.nbGraph.Finalize()
		e.nbGraph = nil
	}
	option := graph.CompileOption{}.WithDevice(e.executor.device.ID())
	g, err := e.executor.ctx.CreateGraph(option)
	if err != nil {
		return nil, err
	}
	if err := e.buildGraph(g); err != nil {
		g.Finalize()
		return nil, err
	}
	e.nbGraph = g
	e.dirty = false
	return g, nil
}

func (e *Executable) buildGraph(g *graph.Graph) error {
	node, err := g.CreateOperation(ops.NewNBG(e.blob, len(e.inputs), len(e.outputs)))
	if err != nil {
		return status.Wrapf(err, status.Compile, status.NoHandle, "failed to load NBG")
	}
	for _, h := range e.inputs {
		t, err := g.CreateTensorWithHandle(h.spec.WithAttr(tensors.Input), h.buf)
		if err != nil {
			return err
		}
		node.BindInput(t)
	}
	for _, h := range e.outputs {
		t, err := g.CreateTensorWithHandle(h.spec.WithAttr(tensors.Output), h.buf)
		if err != nil {
			return err
		}
		node.BindOutput(t)
	}
	return g.Compile()
}

// TensorHandle implements platform.TensorHandle with a host buffer it owns.
type TensorHandle struct {
	spec tensors.Spec
	buf  []byte
}

var _ platform.TensorHandle = (*TensorHandle)(nil)

// NewTensorHandle allocates a buffer of spec.ByteSize() bytes.
func NewTensorHandle(spec tensors.Spec) (*TensorHandle, error) {
	if !spec.Shape.Ok() {
		return nil, status.Errorf(status.InvalidArgument, status.NoHandle, "can't allocate tensor without shape: %s", spec)
	}
	return &TensorHandle{spec: spec.Clone(), buf: make([]byte, spec.ByteSize())}, nil
}

// Tensor implements platform.TensorHandle. Lite handles are not graph tensors: it returns nil.
func (h *TensorHandle) Tensor() *graph.Tensor { return nil }

// Spec implements platform.TensorHandle.
func (h *TensorHandle) Spec() tensors.Spec { return h.spec.Clone() }

// Bytes returns the buffer of the handle.
func (h *TensorHandle) Bytes() []byte { return h.buf }

// CopyDataToTensor implements platform.TensorHandle.
func (h *TensorHandle) CopyDataToTensor(data []byte) error {
	if len(data) != len(h.buf) {
		return status.Errorf(status.InvalidArgument, status.NoHandle, "tensor %s holds %d bytes, got %d", h.spec, len(h.buf), len(data))
	}
	copy(h.buf, data)
	return nil
}

// CopyDataFromTensor implements platform.TensorHandle.
func (h *TensorHandle) CopyDataFromTensor(data []byte) error {
	if len(data) != len(h.buf) {
		return status.Errorf(status.InvalidArgument, status.NoHandle, "tensor %s holds %d bytes, got %d", h.spec, len(h.buf), len(data))
	}
	copy(data, h.buf)
	return nil
}
