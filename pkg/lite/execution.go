// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lite is a simplified API to deploy a single network: load one NBG, bind fixed user
// buffers as its inputs and outputs, and trigger it.
//
//	exec, err := lite.Create(blob)
//	if err != nil { ... }
//	defer exec.Close()
//	in, out := lite.AlignedBuffer(inSize), lite.AlignedBuffer(outSize)
//	err = exec.BindInputs(must.M1(lite.NewUserHandle(in))).
//		BindOutputs(must.M1(lite.NewUserHandle(out))).
//		Trigger(ctx)
//
// The buffers are shared with the device, there are no copies. Binding errors are reported by Trigger.
package lite

import (
	"context"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/timvx/driver"
	"github.com/gomlx/timvx/internal/nbg"
	"github.com/gomlx/timvx/pkg/core/graph"
	"github.com/gomlx/timvx/pkg/core/ops"
	"github.com/gomlx/timvx/pkg/core/status"
	"github.com/gomlx/timvx/pkg/core/tensors"
	"github.com/gomlx/timvx/pkg/platform"
	"k8s.io/klog/v2"
)

// Execution of one NBG on the first device of a driver.
type Execution struct {
	drv    driver.Driver // Owned driver, nil if the context was given by the caller.
	ctx    *graph.Context
	device platform.Device
	blob   []byte
	info   *nbg.Info

	inputs, outputs []*Handle
	g               *graph.Graph
	dirty           bool
}

// Create loads blob with the default driver (see driver.New). It returns an error if the blob is
// not a valid NBG or if there are no devices.
func Create(blob []byte) (*Execution, error) {
	drv, err := driver.New()
	if err != nil {
		return nil, status.Wrapf(err, status.ResourceCreation, status.NoHandle, "failed to create driver")
	}
	ctx, err := graph.NewContext(drv)
	if err != nil {
		drv.Finalize()
		return nil, err
	}
	e, err := CreateWithContext(ctx, blob)
	if err != nil {
		drv.Finalize()
		return nil, err
	}
	e.drv = drv
	return e, nil
}

// CreateWithContext is like Create, but uses the given context. The driver of the context is not
// finalized by Close.
func CreateWithContext(ctx *graph.Context, blob []byte) (*Execution, error) {
	info, err := nbg.Parse(blob)
	if err != nil {
		return nil, status.Wrapf(err, status.Compile, status.NoHandle, "invalid NBG")
	}
	devices, err := platform.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, status.Errorf(status.ResourceCreation, status.NoHandle, "no NPU device available")
	}
	klog.V(1).Infof("lite: loaded NBG v%d with %d inputs and %d outputs on device %d",
		info.Version, info.NumInputs(), info.NumOutputs(), devices[0].ID())
	return &Execution{ctx: ctx, device: devices[0], blob: blob, info: info, dirty: true}, nil
}

// Info returns the parsed header of the NBG.
func (e *Execution) Info() *nbg.Info { return e.info }

// BindInputs sets the input buffers, in order, replacing the previous ones. It returns e, so calls can be chained.
func (e *Execution) BindInputs(handles ...*Handle) *Execution {
	e.inputs = handles
	e.dirty = true
	return e
}

// BindOutputs sets the output buffers, in order, replacing the previous ones. It returns e, so calls can be chained.
func (e *Execution) BindOutputs(handles ...*Handle) *Execution {
	e.outputs = handles
	e.dirty = true
	return e
}

func checkHandles(kind string, handles []*Handle, specs []tensors.Spec) error {
	if len(handles) != len(specs) {
		return status.Errorf(status.InvalidArgument, status.NoHandle,
			"%s count mismatch, required: %d, provided: %d", kind, len(specs), len(handles))
	}
	for ii, h := range handles {
		if h == nil {
			return status.Errorf(status.InvalidArgument, ii, "%s #%d is nil", kind, ii)
		}
		if h.Size() < specs[ii].ByteSize() {
			return status.Errorf(status.InvalidArgument, ii, "%s #%d has %d bytes, but %s requires %d bytes",
				kind, ii, h.Size(), specs[ii], specs[ii].ByteSize())
		}
	}
	return nil
}

// prepare builds the graph running the NBG on the bound buffers, if the bindings changed.
func (e *Execution) prepare() (err error) {
	if !e.dirty {
		return nil
	}
	if err = checkHandles("input", e.inputs, e.info.Inputs); err != nil {
		return err
	}
	if err = checkHandles("output", e.outputs, e.info.Outputs); err != nil {
		return err
	}
	if e.g != nil {
		e.g.Finalize()
		e.g = nil
	}
	g, err := e.ctx.CreateGraph(graph.CompileOption{}.WithDevice(e.device.ID()))
	if err != nil {
		return err
	}
	if err = tryBuild(func() error { return e.buildGraph(g) }); err != nil {
		g.Finalize()
		return err
	}
	e.g = g
	e.dirty = false
	return nil
}

// tryBuild runs build, reporting the panics of graph building (programming errors) as Compile errors.
func tryBuild(build func() error) (err error) {
	if exception := exceptions.Try(func() { err = build() }); exception != nil {
		err = status.Errorf(status.Compile, status.NoHandle, "building graph for NBG: %v", exception)
	}
	return err
}

func (e *Execution) buildGraph(g *graph.Graph) error {
	node, err := g.CreateOperation(ops.NewNBG(e.blob, len(e.inputs), len(e.outputs)))
	if err != nil {
		return status.Wrapf(err, status.Compile, status.NoHandle, "failed to load NBG")
	}
	for ii, h := range e.inputs {
		t, err := g.CreateTensorWithHandle(e.info.Inputs[ii].WithAttr(tensors.Input), h.buf)
		if err != nil {
			return err
		}
		node.BindInput(t)
	}
	for ii, h := range e.outputs {
		t, err := g.CreateTensorWithHandle(e.info.Outputs[ii].WithAttr(tensors.Output), h.buf)
		if err != nil {
			return err
		}
		node.BindOutput(t)
	}
	return g.Compile()
}

// Trigger runs the NBG on the bound buffers and waits for it to finish. It can be called
// any number of times, after updating the contents of the input buffers.
func (e *Execution) Trigger(ctx context.Context) error {
	if e.ctx == nil {
		return status.Errorf(status.InvalidArgument, status.NoHandle, "Execution already closed")
	}
	if err := e.prepare(); err != nil {
		return err
	}
	for _, t := range e.g.InputsTensor() {
		if err := t.FlushCacheForHandle(); err != nil {
			return err
		}
	}
	if err := e.device.Submit(e.g); err != nil {
		return err
	}
	if err := e.device.Trigger(ctx, false, nil); err != nil {
		return err
	}
	for _, t := range e.g.OutputsTensor() {
		if err := t.InvalidateCacheForHandle(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the graph, and the driver if it was created by Create. It is safe to call more than once.
func (e *Execution) Close() {
	if e.g != nil {
		e.g.Finalize()
		e.g = nil
	}
	if e.drv != nil {
		e.drv.Finalize()
		e.drv = nil
	}
	e.ctx = nil
}
