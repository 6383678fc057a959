// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/timvx/pkg/core/graph"
	"github.com/gomlx/timvx/pkg/core/status"
	"k8s.io/klog/v2"
)

// NativeExecutor implements Executor: tasks are triggered one at a time, each waiting for the device.
type NativeExecutor struct {
	device Device
	ctx    *graph.Context
	tasks  TaskList
}

var _ Executor = (*NativeExecutor)(nil)

// NewNativeExecutor creates an executor for device, creating its graphs with ctx.
func NewNativeExecutor(device Device, ctx *graph.Context) *NativeExecutor {
	return &NativeExecutor{device: device, ctx: ctx}
}

// Device implements Executor.
func (e *NativeExecutor) Device() Device { return e.device }

// Context implements Executor.
func (e *NativeExecutor) Context() *graph.Context { return e.ctx }

// Tasks implements Executor.
func (e *NativeExecutor) Tasks() []Executable { return e.tasks.Live() }

// Compile implements Executor.
//
// The graph is routed to the executor device, unless it was already set up.
func (e *NativeExecutor) Compile(g *graph.Graph) (Executable, error) {
	blob, err := CompileToNBG(g, e.device)
	if err != nil {
		return nil, err
	}
	return NewNativeExecutable(e, blob, len(g.InputsTensor()), len(g.OutputsTensor()))
}

// CompileToNBG routes g to device and serializes it.
func CompileToNBG(g *graph.Graph, device Device) ([]byte, error) {
	if err := g.SetCompileOption(g.Option().WithDevice(device.ID())); err != nil {
		klog.Warningf("compiling %s for device %d: %v", g, device.ID(), err)
	}
	size, err := g.CompileToBinary(nil)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, size)
	if _, err = g.CompileToBinary(blob); err != nil {
		return nil, err
	}
	klog.V(1).Infof("compiled %s to NBG of %s for device %d", g, humanize.Bytes(uint64(size)), device.ID())
	return blob, nil
}

// Submit implements Executor. The executable is verified first.
func (e *NativeExecutor) Submit(exec, ref Executable, after bool) error {
	if exec == nil || ref == nil {
		return status.Errorf(status.InvalidArgument, status.NoHandle, "nil executable given to Submit")
	}
	if err := exec.Verify(); err != nil {
		return err
	}
	if !e.tasks.Insert(exec.WeakRef(), exec, ref, after) {
		return status.Errorf(status.Ordering, status.NoHandle,
			"executable referenced by Submit is not in the task list of the executor (%d tasks)", len(e.tasks))
	}
	return nil
}

// Trigger implements Executor.
//
// Each live task is triggered in order (executables garbage collected since they were submitted
// are skipped with a warning) and the list is emptied. All tasks are attempted, and the first
// error is returned. Unless async, it then waits for the device to be idle.
func (e *NativeExecutor) Trigger(ctx context.Context, async bool) error {
	tasks := e.tasks
	e.tasks = nil
	klog.V(1).Infof("executor on device %d: triggering %d task(s)", e.device.ID(), len(tasks))
	var firstErr error
	for ii, task := range tasks {
		exec := task.Value()
		if exec == nil {
			klog.Warningf("executor on device %d: task #%d was garbage collected before being triggered, skipping", e.device.ID(), ii)
			continue
		}
		if err := exec.Trigger(ctx, async); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if async {
		return firstErr
	}
	if err := e.device.WaitDeviceIdle(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
