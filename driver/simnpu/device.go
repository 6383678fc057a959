// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simnpu

import (
	"context"
	"sync"

	"github.com/gomlx/timvx/driver"
	"github.com/gomlx/timvx/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Device implements driver.Device: one worker goroutine consumes a FIFO of tasks.
type Device struct {
	drv *Driver
	id  driver.DeviceID

	// mu protects exited and sending to queue, so ThreadExit can't close it under a sender.
	mu      sync.Mutex
	exited  bool
	queue   chan task
	pending *xsync.DynamicWaitGroup
	done    *xsync.Latch

	muErr    sync.Mutex
	firstErr error
}

// Compile-time check that Device implements driver.Device.
var _ driver.Device = (*Device)(nil)

// task is one unit of the device FIFO: one graph, or a batch of graphs.
type task struct {
	graphs []*Graph
	cb     func(error)
}

func newDevice(d *Driver, id driver.DeviceID) *Device {
	dev := &Device{
		drv:     d,
		id:      id,
		queue:   make(chan task, d.config.QueueSize),
		pending: xsync.NewDynamicWaitGroup(),
		done:    xsync.NewLatch(),
	}
	go dev.worker()
	klog.V(1).Infof("simnpu: device %d started", id)
	return dev
}

// ID implements driver.Device.
func (dev *Device) ID() driver.DeviceID { return dev.id }

func (dev *Device) isExited() bool {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.exited
}

func (dev *Device) worker() {
	defer dev.done.Trigger()
	for t := range dev.queue {
		err := dev.runTask(t)
		if err != nil {
			dev.muErr.Lock()
			if dev.firstErr == nil {
				dev.firstErr = err
			}
			dev.muErr.Unlock()
		}
		if t.cb != nil {
			t.cb(err)
		}
		dev.pending.Done()
	}
	klog.V(1).Infof("simnpu: device %d worker exited", dev.id)
}

// runTask runs the graphs of a task in order, all of them, and returns the first error.
func (dev *Device) runTask(t task) error {
	var firstErr error
	hooks := dev.drv.currentHooks()
	for _, g := range t.graphs {
		if hooks.BeforeRun != nil {
			hooks.BeforeRun(g)
		}
		var err error
		count := dev.drv.dispatchCount.Add(1)
		if count == dev.drv.config.FailDispatch {
			err = driver.Errorf(driver.Failure, "vxScheduleGraph", "injected failure of dispatch #%d (graph #%d)", count, g.id)
		} else {
			err = g.Run()
		}
		if hooks.AfterRun != nil {
			hooks.AfterRun(g, err)
		}
		if err != nil {
			klog.V(1).Infof("simnpu: device %d graph #%d failed: %v", dev.id, g.id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (dev *Device) submit(call string, t task) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.exited {
		return driver.Errorf(driver.DeviceExited, call, "device %d already exited", dev.id)
	}
	dev.pending.Add(1)
	dev.queue <- t
	return nil
}

func toSimGraph(call string, g driver.Graph) (*Graph, error) {
	sg, ok := g.(*Graph)
	if !ok {
		return nil, driver.Errorf(driver.InvalidParameters, call, "graph of type %T doesn't belong to the simnpu driver", g)
	}
	return sg, nil
}

// GraphSubmit implements driver.Device.
func (dev *Device) GraphSubmit(g driver.Graph, cb func(error)) error {
	const call = "vxScheduleGraph"
	sg, err := toSimGraph(call, g)
	if err != nil {
		return err
	}
	return dev.submit(call, task{graphs: []*Graph{sg}, cb: cb})
}

// BatchSubmit implements driver.Device.
func (dev *Device) BatchSubmit(graphs []driver.Graph, cb func(error)) error {
	const call = "vxScheduleGraphBatch"
	if len(graphs) == 0 {
		return driver.Errorf(driver.InvalidParameters, call, "empty batch")
	}
	t := task{graphs: make([]*Graph, len(graphs)), cb: cb}
	for ii, g := range graphs {
		sg, err := toSimGraph(call, g)
		if err != nil {
			return errors.WithMessagef(err, "batch entry #%d", ii)
		}
		t.graphs[ii] = sg
	}
	return dev.submit(call, t)
}

// WaitThreadIdle implements driver.Device.
func (dev *Device) WaitThreadIdle(ctx context.Context) error {
	const call = "vxWaitGraph"
	if err := dev.pending.WaitContext(ctx); err != nil {
		return driver.Errorf(driver.Timeout, call, "device %d still has %d pending task(s): %v", dev.id, dev.pending.Count(), err)
	}
	dev.muErr.Lock()
	defer dev.muErr.Unlock()
	err := dev.firstErr
	dev.firstErr = nil
	return err
}

// ThreadExit implements driver.Device. Pending tasks are run before the worker exits.
// Calling it more than once is a no-op.
func (dev *Device) ThreadExit() error {
	dev.mu.Lock()
	if dev.exited {
		dev.mu.Unlock()
		return nil
	}
	dev.exited = true
	close(dev.queue)
	dev.mu.Unlock()
	dev.done.Wait()
	return nil
}
