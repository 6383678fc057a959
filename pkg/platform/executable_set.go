// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"

	"github.com/gomlx/timvx/pkg/core/graph"
	"github.com/gomlx/timvx/pkg/core/status"
	"github.com/gomlx/timvx/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// ExecutableSet groups executables of the same executor, to be submitted and triggered as one.
//
// It has no tensors of its own: SetInput, SetOutput and GetOutput do nothing, and AllocateTensor
// is not supported.
type ExecutableSet struct {
	executables []Executable
	executor    Executor
}

var _ Executable = (*ExecutableSet)(nil)

// CreateExecutableSet groups the executables, which must not be empty. The set uses the executor
// of the first one.
func CreateExecutableSet(executables ...Executable) (*ExecutableSet, error) {
	if len(executables) == 0 {
		return nil, status.Errorf(status.InvalidArgument, status.NoHandle, "CreateExecutableSet requires at least one executable")
	}
	return &ExecutableSet{
		executables: append([]Executable(nil), executables...),
		executor:    executables[0].Executor(),
	}, nil
}

// Executables returns the constituents of the set, in order.
func (s *ExecutableSet) Executables() []Executable {
	return append([]Executable(nil), s.executables...)
}

// Executor implements Executable.
func (s *ExecutableSet) Executor() Executor { return s.executor }

// NBGraph implements Executable. A set has no graph of its own: it returns nil.
func (s *ExecutableSet) NBGraph() *graph.Graph { return nil }

// WeakRef implements Executable.
func (s *ExecutableSet) WeakRef() Task { return MakeTask(s) }

// Submit implements Executable.
func (s *ExecutableSet) Submit(ref Executable, after bool) error {
	return s.executor.Submit(s, ref, after)
}

// Trigger implements Executable: the graphs of all constituents are submitted in order, and the
// device is triggered once.
func (s *ExecutableSet) Trigger(ctx context.Context, async bool) error {
	device := s.executor.Device()
	// Nothing is queued unless every constituent can be.
	for ii, e := range s.executables {
		if !e.NBGraph().IsValid() {
			return status.Errorf(status.InvalidArgument, int(device.ID()),
				"executable set: constituent #%d has an invalid graph, nothing was submitted", ii)
		}
	}
	for _, e := range s.executables {
		if err := device.Submit(e.NBGraph()); err != nil {
			return err
		}
	}
	return device.Trigger(ctx, async, nil)
}

// Verify implements Executable. Every constituent is verified, and the result of the last one is
// returned: failures of the others are only logged.
func (s *ExecutableSet) Verify() error {
	var err error
	for ii, e := range s.executables {
		if err != nil {
			klog.Errorf("executable set: constituent #%d failed to verify: %v", ii-1, err)
		}
		err = e.Verify()
	}
	return err
}

// SetInput implements Executable. It does nothing.
func (s *ExecutableSet) SetInput(TensorHandle) error { return nil }

// SetOutput implements Executable. It does nothing.
func (s *ExecutableSet) SetOutput(TensorHandle) error { return nil }

// GetOutput implements Executable. It does nothing.
func (s *ExecutableSet) GetOutput([]TensorHandle) error { return nil }

// AllocateTensor implements Executable. It is not supported by sets.
func (s *ExecutableSet) AllocateTensor(tensors.Spec) (TensorHandle, error) {
	return nil, status.Errorf(status.Unsupported, status.NoHandle, "ExecutableSet can't allocate tensors, use one of its executables")
}
