// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"
	"sync"

	"github.com/gomlx/timvx/driver"
	"github.com/gomlx/timvx/pkg/core/graph"
	"github.com/gomlx/timvx/pkg/core/status"
	"k8s.io/klog/v2"
)

// NativeDevice implements Device and BatchDevice on top of a driver device.
type NativeDevice struct {
	dev driver.Device

	mu    sync.Mutex
	queue []*graph.Graph
}

var _ BatchDevice = (*NativeDevice)(nil)

// NewNativeDevice wraps a driver device.
func NewNativeDevice(dev driver.Device) *NativeDevice {
	return &NativeDevice{dev: dev}
}

// ID implements Device.
func (d *NativeDevice) ID() driver.DeviceID { return d.dev.ID() }

// DriverDevice returns the underlying driver device.
func (d *NativeDevice) DriverDevice() driver.Device { return d.dev }

// Pending returns the number of graphs submitted and not yet triggered.
func (d *NativeDevice) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Submit implements Device.
func (d *NativeDevice) Submit(g *graph.Graph) error {
	if !g.IsValid() {
		return status.Errorf(status.InvalidArgument, int(d.ID()), "device %d: can't submit an invalid graph", d.ID())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, g)
	return nil
}

// dispatch compiles (if needed) and enqueues g on the driver device.
func (d *NativeDevice) dispatch(g *graph.Graph, cb func(error)) error {
	if err := g.Compile(); err != nil {
		return err
	}
	if err := d.dev.GraphSubmit(g.DriverGraph(), cb); err != nil {
		return status.Wrapf(err, status.Dispatch, int(d.ID()), "device %d: failed to dispatch %s", d.ID(), g)
	}
	klog.V(1).Infof("device %d: dispatched %s", d.ID(), g)
	return nil
}

// Trigger implements Device.
func (d *NativeDevice) Trigger(ctx context.Context, async bool, cb func(error)) error {
	d.mu.Lock()
	queue := d.queue
	d.queue = nil
	d.mu.Unlock()

	var firstErr error
	for ii, g := range queue {
		if err := ctx.Err(); err != nil {
			firstErr = status.Wrapf(err, status.Dispatch, int(d.ID()),
				"device %d: trigger interrupted, %d graph(s) not dispatched", d.ID(), len(queue)-ii)
			break
		}
		if err := d.dispatch(g, cb); err != nil {
			klog.V(1).Infof("device %d: %v", d.ID(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if async {
		return firstErr
	}
	if err := d.WaitDeviceIdle(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// TriggerBatch implements BatchDevice. The FIFO is not affected.
func (d *NativeDevice) TriggerBatch(ctx context.Context, graphs []*graph.Graph, async bool) error {
	if len(graphs) == 0 {
		return nil
	}
	lowLevel := make([]driver.Graph, len(graphs))
	for ii, g := range graphs {
		if err := g.Compile(); err != nil {
			return err
		}
		lowLevel[ii] = g.DriverGraph()
	}
	if err := d.dev.BatchSubmit(lowLevel, nil); err != nil {
		return status.Wrapf(err, status.Dispatch, int(d.ID()), "device %d: failed to dispatch batch of %d graphs", d.ID(), len(graphs))
	}
	klog.V(1).Infof("device %d: dispatched batch of %d graphs", d.ID(), len(graphs))
	if async {
		return nil
	}
	return d.WaitDeviceIdle(ctx)
}

// WaitDeviceIdle implements Device.
func (d *NativeDevice) WaitDeviceIdle(ctx context.Context) error {
	return status.Wrapf(d.dev.WaitThreadIdle(ctx), status.Dispatch, int(d.ID()), "device %d", d.ID())
}

// DeviceExit implements Device.
func (d *NativeDevice) DeviceExit() error {
	return status.Wrapf(d.dev.ThreadExit(), status.Dispatch, int(d.ID()), "device %d: failed to exit", d.ID())
}

// RemoteReset implements Device. Native devices are local: it does nothing.
func (d *NativeDevice) RemoteReset() {
	klog.V(1).Infof("device %d: RemoteReset is a no-op for native devices", d.ID())
}
