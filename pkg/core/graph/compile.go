// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/timvx/driver"
	"github.com/gomlx/timvx/internal/nbg"
	"github.com/gomlx/timvx/pkg/core/status"
	"k8s.io/klog/v2"
)

// VersionTag is stamped into every graph at Setup, and from there into its NBG.
const VersionTag = nbg.Version

// setup runs the driver setup exactly once: later calls return the first result.
func (g *Graph) setup() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finalized {
		return status.Errorf(status.InvalidArgument, status.NoHandle, "graph #%d has been finalized", g.id)
	}
	if !g.setupDone {
		g.setupDone = true
		g.setupErr = g.lockedSetup()
	}
	return g.setupErr
}

type graphAttribute struct {
	attr  driver.GraphAttribute
	value any
}

func (g *Graph) lockedSetup() error {
	attrs := []graphAttribute{
		{driver.AttrVersion, VersionTag},
		{driver.AttrRelaxMode, g.option.RelaxMode},
	}
	if g.option.DeviceID != nil {
		attrs = append(attrs, graphAttribute{driver.AttrDeviceIndex, *g.option.DeviceID})
	}
	for _, a := range attrs {
		if err := g.lowLevel.SetAttribute(a.attr, a.value); err != nil {
			return status.Wrapf(err, status.Compile, status.NoHandle, "graph #%d: failed to set attribute %s", g.id, a.attr)
		}
	}
	for _, op := range g.operations {
		if err := op.bindDriverIO(); err != nil {
			return err
		}
	}
	if err := g.lockedSetIO(); err != nil {
		return err
	}
	if err := g.lowLevel.Setup(); err != nil {
		return status.Wrapf(err, status.Compile, status.NoHandle, "graph #%d: setup failed", g.id)
	}
	klog.V(1).Infof("graph #%d: setup done (%d tensors, %d operations, relax=%v)",
		g.id, len(g.tensors), len(g.operations), g.option.RelaxMode)
	return nil
}

// lockedSetIO gives the graph inputs and outputs to the driver exactly once.
func (g *Graph) lockedSetIO() error {
	if !g.ioDone {
		g.ioDone = true
		err := g.lowLevel.SetIO(tensorIDs(g.inputs.Items()), tensorIDs(g.outputs.Items()))
		g.ioErr = status.Wrapf(err, status.Compile, status.NoHandle, "graph #%d: failed to set inputs and outputs", g.id)
	}
	return g.ioErr
}

// verify runs the driver verification exactly once: later calls return the first result.
func (g *Graph) verify() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.verifyDone {
		g.verifyDone = true
		g.verifyErr = status.Wrapf(g.lowLevel.Verify(), status.Compile, status.NoHandle, "graph #%d: verification failed", g.id)
	}
	return g.verifyErr
}

// Compile sets up and verifies the graph. Both steps run at most once: calling Compile again
// returns the result of the first call without calling the driver.
func (g *Graph) Compile() error {
	if err := g.checkValid(); err != nil {
		return err
	}
	if g.notConsumedInputs != 0 || g.notConsumedOutputs != 0 {
		klog.Warningf("graph #%d: %d input tensors are not consumed and %d output tensors are not produced by any operation",
			g.id, g.notConsumedInputs, g.notConsumedOutputs)
	}
	if err := g.setup(); err != nil {
		return err
	}
	return g.verify()
}

// CompileToBinary serializes the graph as an NBG ("network binary graph") that a platform Executor
// can load and run on a device.
//
// With a nil buf it returns the size required. Otherwise, it fills buf and returns the number of bytes
// written: if buf is too small it returns an InvalidArgument error. The graph is set up first if needed.
func (g *Graph) CompileToBinary(buf []byte) (int, error) {
	if err := g.checkValid(); err != nil {
		return 0, err
	}
	if err := g.setup(); err != nil {
		return 0, err
	}
	size, err := g.lowLevel.ExportBinary(nil)
	if err != nil {
		return 0, status.Wrapf(err, status.Compile, status.NoHandle, "graph #%d: failed to export NBG", g.id)
	}
	if buf == nil {
		return size, nil
	}
	if len(buf) < size {
		return 0, status.Errorf(status.InvalidArgument, status.NoHandle,
			"graph #%d: NBG requires %s, buffer has only %s", g.id, humanize.Bytes(uint64(size)), humanize.Bytes(uint64(len(buf))))
	}
	n, err := g.lowLevel.ExportBinary(buf)
	if err != nil {
		return 0, status.Wrapf(err, status.Compile, status.NoHandle, "graph #%d: failed to export NBG", g.id)
	}
	klog.V(1).Infof("graph #%d: exported NBG of %s", g.id, humanize.Bytes(uint64(n)))
	return n, nil
}

// Run compiles the graph, if not yet compiled, and executes it in-process, on the calling goroutine.
func (g *Graph) Run() error {
	if err := g.Compile(); err != nil {
		return err
	}
	if err := g.lowLevel.Run(); err != nil {
		return status.Wrapf(err, status.Dispatch, status.NoHandle, "graph #%d: run failed", g.id)
	}
	return nil
}
