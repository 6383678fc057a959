// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"

	"github.com/gomlx/timvx/pkg/core/graph"
	"github.com/gomlx/timvx/pkg/core/ops"
	"github.com/gomlx/timvx/pkg/core/status"
	"github.com/gomlx/timvx/pkg/core/tensors"
)

// NativeExecutable implements Executable: a graph holding a single NBG operation, whose inputs and
// outputs are the tensors allocated with AllocateTensor.
type NativeExecutable struct {
	executor Executor
	nbGraph  *graph.Graph
	nbNode   *graph.Operation
	blob     []byte
}

var _ Executable = (*NativeExecutable)(nil)

// NewNativeExecutable loads the NBG blob, declaring numInputs inputs and numOutputs outputs, as an
// executable of executor.
func NewNativeExecutable(executor Executor, blob []byte, numInputs, numOutputs int) (*NativeExecutable, error) {
	option := graph.CompileOption{}.WithDevice(executor.Device().ID())
	g, err := executor.Context().CreateGraph(option)
	if err != nil {
		return nil, err
	}
	node, err := g.CreateOperation(ops.NewNBG(blob, numInputs, numOutputs))
	if err != nil {
		g.Finalize()
		return nil, status.Wrapf(err, status.Compile, status.NoHandle, "failed to load NBG")
	}
	return &NativeExecutable{executor: executor, nbGraph: g, nbNode: node, blob: blob}, nil
}

// NBGraph implements Executable.
func (e *NativeExecutable) NBGraph() *graph.Graph { return e.nbGraph }

// Binary returns the NBG blob of the executable.
func (e *NativeExecutable) Binary() []byte { return e.blob }

// Executor implements Executable.
func (e *NativeExecutable) Executor() Executor { return e.executor }

// WeakRef implements Executable.
func (e *NativeExecutable) WeakRef() Task { return MakeTask(e) }

// Submit implements Executable.
func (e *NativeExecutable) Submit(ref Executable, after bool) error {
	return e.executor.Submit(e, ref, after)
}

// Trigger implements Executable.
func (e *NativeExecutable) Trigger(ctx context.Context, async bool) error {
	device := e.executor.Device()
	if err := device.Submit(e.nbGraph); err != nil {
		return err
	}
	return device.Trigger(ctx, async, nil)
}

func (e *NativeExecutable) tensorOf(th TensorHandle) (*graph.Tensor, error) {
	if th == nil || th.Tensor() == nil {
		return nil, status.Errorf(status.InvalidArgument, status.NoHandle, "tensor handle has no graph tensor")
	}
	t := th.Tensor()
	if t.Graph() != e.nbGraph {
		return nil, status.Errorf(status.InvalidArgument, int(t.Id()), "%s was not allocated by this executable", t)
	}
	return t, nil
}

// SetInput implements Executable.
func (e *NativeExecutable) SetInput(th TensorHandle) error {
	t, err := e.tensorOf(th)
	if err != nil {
		return err
	}
	e.nbNode.BindInput(t)
	return nil
}

// SetOutput implements Executable.
func (e *NativeExecutable) SetOutput(th TensorHandle) error {
	t, err := e.tensorOf(th)
	if err != nil {
		return err
	}
	e.nbNode.BindOutput(t)
	return nil
}

// GetOutput implements Executable.
func (e *NativeExecutable) GetOutput([]TensorHandle) error { return nil }

// AllocateTensor implements Executable.
func (e *NativeExecutable) AllocateTensor(spec tensors.Spec) (TensorHandle, error) {
	t, err := e.nbGraph.CreateTensor(spec, nil)
	if err != nil {
		return nil, err
	}
	return NewNativeTensorHandle(t), nil
}

// Verify implements Executable.
func (e *NativeExecutable) Verify() error {
	return e.nbGraph.Compile()
}

// NativeTensorHandle implements TensorHandle with a graph tensor.
type NativeTensorHandle struct {
	tensor *graph.Tensor
}

var _ TensorHandle = (*NativeTensorHandle)(nil)

// NewNativeTensorHandle wraps t.
func NewNativeTensorHandle(t *graph.Tensor) *NativeTensorHandle {
	return &NativeTensorHandle{tensor: t}
}

// Tensor implements TensorHandle.
func (h *NativeTensorHandle) Tensor() *graph.Tensor { return h.tensor }

// Spec implements TensorHandle.
func (h *NativeTensorHandle) Spec() tensors.Spec { return h.tensor.Spec() }

// CopyDataToTensor implements TensorHandle.
func (h *NativeTensorHandle) CopyDataToTensor(data []byte) error { return h.tensor.CopyDataToTensor(data) }

// CopyDataFromTensor implements TensorHandle.
func (h *NativeTensorHandle) CopyDataFromTensor(data []byte) error {
	return h.tensor.CopyDataFromTensor(data)
}
