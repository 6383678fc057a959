// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lite implements a platform.Executor for the lite driver path: all submitted executables
// are dispatched to the device as a single batched task.
//
// Lite executables can't be triggered individually, and their tensor handles own plain host
// buffers sized by the tensor specification, bound to the NBG when the executor is triggered.
package lite

import (
	"context"

	"github.com/gomlx/timvx/pkg/core/graph"
	"github.com/gomlx/timvx/pkg/core/status"
	"github.com/gomlx/timvx/pkg/platform"
	"k8s.io/klog/v2"
)

// Executor implements platform.Executor with batched dispatch.
type Executor struct {
	device platform.BatchDevice
	ctx    *graph.Context
	tasks  platform.TaskList
}

var _ platform.Executor = (*Executor)(nil)

// NewExecutor creates a lite executor for device, which must support batched dispatch
// (platform.BatchDevice), otherwise it returns an Unsupported error.
func NewExecutor(device platform.Device, ctx *graph.Context) (*Executor, error) {
	batchDevice, ok := device.(platform.BatchDevice)
	if !ok {
		return nil, status.Errorf(status.Unsupported, int(device.ID()), "device %d (%T) doesn't support batched dispatch", device.ID(), device)
	}
	return &Executor{device: batchDevice, ctx: ctx}, nil
}

// Device implements platform.Executor.
func (e *Executor) Device() platform.Device { return e.device }

// Context implements platform.Executor.
func (e *Executor) Context() *graph.Context { return e.ctx }

// Tasks implements platform.Executor.
func (e *Executor) Tasks() []platform.Executable { return e.tasks.Live() }

// Compile implements platform.Executor.
func (e *Executor) Compile(g *graph.Graph) (platform.Executable, error) {
	blob, err := platform.CompileToNBG(g, e.device)
	if err != nil {
		return nil, err
	}
	return NewExecutable(e, blob)
}

// Submit implements platform.Executor. Unlike the native executor, the executable is verified only
// when triggered.
func (e *Executor) Submit(exec, ref platform.Executable, after bool) error {
	if exec == nil || ref == nil {
		return status.Errorf(status.InvalidArgument, status.NoHandle, "nil executable given to Submit")
	}
	if !e.tasks.Insert(exec.WeakRef(), exec, ref, after) {
		return status.Errorf(status.Ordering, status.NoHandle,
			"executable referenced by Submit is not in the task list of the executor (%d tasks)", len(e.tasks))
	}
	return nil
}

// Trigger implements platform.Executor: every live task is verified, and their graphs are dispatched
// as one batch. If any task fails to verify, nothing is dispatched. The task list is emptied.
func (e *Executor) Trigger(ctx context.Context, async bool) error {
	tasks := e.tasks
	e.tasks = nil
	graphs := make([]*graph.Graph, 0, len(tasks))
	for ii, task := range tasks {
		value := task.Value()
		if value == nil {
			klog.Warningf("lite executor on device %d: task #%d was garbage collected before being triggered, skipping", e.device.ID(), ii)
			continue
		}
		exec, ok := value.(*Executable)
		if !ok {
			return status.Errorf(status.Unsupported, ii, "lite executor can't trigger task #%d of type %T", ii, value)
		}
		if err := exec.Verify(); err != nil {
			return err
		}
		g, err := exec.boundGraph()
		if err != nil {
			return err
		}
		graphs = append(graphs, g)
	}
	klog.V(1).Infof("lite executor on device %d: dispatching %d task(s) as one batch", e.device.ID(), len(graphs))
	return e.device.TriggerBatch(ctx, graphs, async)
}
