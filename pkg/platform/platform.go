// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package platform schedules compiled graphs on NPU devices.
//
// An Executor owns a Device and a graph.Context. It compiles a graph.Graph into an Executable, an
// NBG ("network binary graph") blob wrapped as a single operation of its own graph, and keeps an
// ordered list of submitted Executables that Executor.Trigger dispatches in order.
//
// Typical use:
//
//	devices := must.M1(platform.Enumerate(ctx))
//	executor := platform.NewNativeExecutor(devices[0], ctx)
//	exec := must.M1(platform.Compile(g, executor))
//	in := must.M1(exec.AllocateTensor(inputSpec))
//	out := must.M1(exec.AllocateTensor(outputSpec))
//	must.M(exec.SetInput(in))
//	must.M(exec.SetOutput(out))
//	must.M(exec.Submit(exec, true))
//	must.M(in.CopyDataToTensor(data))
//	must.M(executor.Trigger(context.Background(), false))
//	must.M(out.CopyDataFromTensor(result))
//
// The Executor holds weak references to the submitted Executables: the caller owns them, and an
// Executable garbage collected before Trigger is skipped with a warning.
//
// None of the types are safe for concurrent use, except that different Executors on different
// Devices can be triggered concurrently, see TriggerAll.
package platform

import (
	"context"

	"github.com/gomlx/timvx/driver"
	"github.com/gomlx/timvx/pkg/core/graph"
	"github.com/gomlx/timvx/pkg/core/status"
	"github.com/gomlx/timvx/pkg/core/tensors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Device is one NPU with a FIFO of submitted graphs.
type Device interface {
	// ID of the device.
	ID() driver.DeviceID

	// Submit appends g to the device FIFO. Nothing is dispatched until Trigger.
	Submit(g *graph.Graph) error

	// Trigger dispatches every graph in the FIFO, in order, and empties it.
	// All graphs are attempted: the first failure is returned.
	// Unless async, it also waits for the device to be idle, and returns execution errors.
	// cb, if not nil, is called with the result of each graph once it has run.
	Trigger(ctx context.Context, async bool, cb func(error)) error

	// WaitDeviceIdle blocks until all dispatched graphs have run, or ctx is done.
	// It returns the first execution error since the previous wait.
	WaitDeviceIdle(ctx context.Context) error

	// DeviceExit stops the device worker. Later dispatches fail.
	DeviceExit() error

	// RemoteReset resets the connection to a remote device. A no-op for local devices.
	RemoteReset()
}

// BatchDevice is a Device that can also dispatch several graphs as one task.
type BatchDevice interface {
	Device

	// TriggerBatch dispatches graphs as one task, running back-to-back. Unless async, it waits for
	// the device to be idle.
	TriggerBatch(ctx context.Context, graphs []*graph.Graph, async bool) error
}

// Executor compiles graphs for its Device and dispatches the submitted Executables in order.
type Executor interface {
	// Compile serializes g to an NBG and loads it as an Executable of this Executor.
	Compile(g *graph.Graph) (Executable, error)

	// Submit inserts exec in the task list: appended if exec == ref, otherwise right after
	// (or before) ref. It fails with an Ordering error, leaving the list unchanged, if ref is not in the list.
	Submit(exec, ref Executable, after bool) error

	// Trigger dispatches the tasks in order and empties the list.
	Trigger(ctx context.Context, async bool) error

	// Tasks returns the live submitted Executables, in order.
	Tasks() []Executable

	// Device used by the executor.
	Device() Device

	// Context used to create graphs.
	Context() *graph.Context
}

// Executable is a compiled graph bound to an Executor.
type Executable interface {
	// Submit positions the executable in its executor task list, see Executor.Submit.
	Submit(ref Executable, after bool) error

	// Trigger runs the executable on its own, outside the task list of the executor.
	// Unless async, it waits for the device to be idle.
	Trigger(ctx context.Context, async bool) error

	// SetInput binds the next input of the executable to th.
	SetInput(th TensorHandle) error

	// SetOutput binds the next output of the executable to th.
	SetOutput(th TensorHandle) error

	// GetOutput is kept for compatibility with the remote platform API. It does nothing.
	GetOutput(ths []TensorHandle) error

	// AllocateTensor creates a tensor to be bound as input or output of the executable.
	AllocateTensor(spec tensors.Spec) (TensorHandle, error)

	// Verify compiles the graph of the executable. Only the first call does any work.
	Verify() error

	// NBGraph returns the graph holding the NBG operation, or nil if there is none.
	NBGraph() *graph.Graph

	// Executor the executable was compiled by.
	Executor() Executor

	// WeakRef returns a Task, a weak reference to the executable.
	WeakRef() Task
}

// TensorHandle is a tensor of an Executable, accessible from the host.
type TensorHandle interface {
	// Tensor returns the graph tensor, or nil for handles not backed by a graph tensor.
	Tensor() *graph.Tensor

	// Spec of the tensor.
	Spec() tensors.Spec

	// CopyDataToTensor writes data (exactly Spec().ByteSize() bytes) to the tensor.
	CopyDataToTensor(data []byte) error

	// CopyDataFromTensor reads the tensor contents into data (exactly Spec().ByteSize() bytes).
	CopyDataFromTensor(data []byte) error
}

// Compile g with executor, see Executor.Compile.
func Compile(g *graph.Graph, executor Executor) (Executable, error) {
	return executor.Compile(g)
}

// Enumerate opens every device of the driver of ctx, and returns them in id order.
func Enumerate(ctx *graph.Context) ([]Device, error) {
	drv := ctx.Driver()
	count, err := drv.DeviceCount()
	if err != nil {
		return nil, status.Wrapf(err, status.ResourceCreation, status.NoHandle, "failed to query device count of driver %q", drv.Name())
	}
	klog.V(1).Infof("driver %q has %d device(s)", drv.Name(), count)
	devices := make([]Device, 0, count)
	for id := range count {
		dev, err := drv.OpenDevice(driver.DeviceID(id))
		if err != nil {
			return nil, status.Wrapf(err, status.ResourceCreation, id, "failed to open device %d", id)
		}
		devices = append(devices, NewNativeDevice(dev))
	}
	return devices, nil
}

// TriggerAll triggers the executors concurrently and waits for all of them.
// It returns the first error. The executors should be on different devices.
func TriggerAll(ctx context.Context, executors ...Executor) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, executor := range executors {
		eg.Go(func() error {
			return executor.Trigger(ctx, false)
		})
	}
	return eg.Wait()
}
