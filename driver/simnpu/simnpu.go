// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simnpu implements a software NPU: a portable, not very fast, reference implementation
// of the driver contract.
//
// Tensors are plain byte buffers, nodes run simple elementwise kernels, graphs are serialized to NBG
// blobs with internal/nbg, and each opened device runs a worker goroutine consuming a FIFO of
// submitted graphs, like the vendor driver threads do.
//
// Configuration (see driver.NewWithConfig), a comma-separated list of options:
//
//   - devices=<n>: number of devices, default 1.
//   - resource_path=<dir>: default kernel resource directory for graphs created without one.
//   - workers=<n>: parallelism of kernels, 0 disables it. Default is runtime.NumCPU().
//   - queue=<n>: capacity of each device FIFO. Default 64.
//   - fail_dispatch=<n>: the n-th (1-based) graph dispatched by any device fails. For testing.
package simnpu

import (
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gomlx/timvx/driver"
	"github.com/gomlx/timvx/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DriverName to be used in TIMVX_DRIVER to specify this driver.
const DriverName = "simnpu"

func init() {
	driver.Register(DriverName, New)
}

// Config of the simulated NPU.
type Config struct {
	NumDevices   int
	ResourcePath string
	Workers      int
	QueueSize    int
	FailDispatch int64
}

// DefaultQueueSize is the default capacity of each device FIFO.
const DefaultQueueSize = 64

// ParseConfig parses the driver configuration string, see package documentation.
func ParseConfig(config string) (Config, error) {
	cfg := Config{
		NumDevices: 1,
		Workers:    runtime.NumCPU(),
		QueueSize:  DefaultQueueSize,
	}
	for key, value := range driver.ParseOptions(config) {
		var err error
		switch key {
		case "devices":
			cfg.NumDevices, err = strconv.Atoi(value)
			if err == nil && cfg.NumDevices < 1 {
				err = errors.Errorf("must be >= 1")
			}
		case "resource_path":
			cfg.ResourcePath = value
		case "workers":
			cfg.Workers, err = strconv.Atoi(value)
		case "queue":
			cfg.QueueSize, err = strconv.Atoi(value)
			if err == nil && cfg.QueueSize < 1 {
				err = errors.Errorf("must be >= 1")
			}
		case "fail_dispatch":
			cfg.FailDispatch, err = strconv.ParseInt(value, 10, 64)
		default:
			return cfg, errors.Errorf("unknown simnpu option %q in configuration %q", key, config)
		}
		if err != nil {
			return cfg, errors.Wrapf(err, "invalid value %q for simnpu option %q", value, key)
		}
	}
	return cfg, nil
}

// Hooks are callbacks invoked by the device workers, for tests and tracing.
// They are called from the worker goroutine.
type Hooks struct {
	// BeforeRun is called before a dispatched graph starts running.
	BeforeRun func(g *Graph)

	// AfterRun is called after a dispatched graph finished running.
	AfterRun func(g *Graph, err error)
}

// Driver implements driver.Driver.
type Driver struct {
	config Config
	pool   *workerspool.Pool

	mu        sync.Mutex
	devices   map[driver.DeviceID]*Device
	finalized bool

	hooks         atomic.Pointer[Hooks]
	nextGraphID   atomic.Int64
	dispatchCount atomic.Int64
}

// Compile-time check that Driver implements driver.Driver.
var _ driver.Driver = (*Driver)(nil)

// New constructs a new simulated NPU driver from a configuration string.
func New(config string) (driver.Driver, error) {
	return NewDriver(config)
}

// NewDriver is like New, but returns the concrete type, for access to the testing hooks.
func NewDriver(config string) (*Driver, error) {
	cfg, err := ParseConfig(config)
	if err != nil {
		return nil, driver.Errorf(driver.InvalidParameters, "vxCreateContext", "%v", err)
	}
	d := &Driver{
		config:  cfg,
		pool:    workerspool.NewWithParallelism(cfg.Workers),
		devices: make(map[driver.DeviceID]*Device),
	}
	klog.V(1).Infof("simnpu: created driver with %d device(s), workers=%d, queue=%d", cfg.NumDevices, cfg.Workers, cfg.QueueSize)
	return d, nil
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return DriverName }

// Description implements driver.Driver.
func (d *Driver) Description() string {
	return fmt.Sprintf("Simulated NPU (%d device(s))", d.config.NumDevices)
}

// Config returns the configuration the driver was created with.
func (d *Driver) Config() Config { return d.config }

// SetHooks installs callbacks invoked around every dispatched graph. Use a zero Hooks to remove them.
func (d *Driver) SetHooks(hooks Hooks) {
	d.hooks.Store(&hooks)
}

func (d *Driver) currentHooks() Hooks {
	if h := d.hooks.Load(); h != nil {
		return *h
	}
	return Hooks{}
}

// DeviceCount implements driver.Driver.
func (d *Driver) DeviceCount() (int, error) {
	if err := d.checkOk("vxQueryContext"); err != nil {
		return 0, err
	}
	return d.config.NumDevices, nil
}

func (d *Driver) checkOk(call string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return driver.Errorf(driver.Failure, call, "driver already finalized")
	}
	return nil
}

// OpenDevice implements driver.Driver. Opening an already open device returns the same Device;
// a device that exited is restarted.
func (d *Driver) OpenDevice(id driver.DeviceID) (driver.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return nil, driver.Errorf(driver.Failure, "vxCreateDevice", "driver already finalized")
	}
	if id < 0 || int(id) >= d.config.NumDevices {
		return nil, driver.Errorf(driver.InvalidParameters, "vxCreateDevice", "device id %d out of range [0, %d)", id, d.config.NumDevices)
	}
	if dev, found := d.devices[id]; found && !dev.isExited() {
		return dev, nil
	}
	dev := newDevice(d, id)
	d.devices[id] = dev
	return dev, nil
}

// Finalize implements driver.Driver: all devices are exited.
func (d *Driver) Finalize() {
	d.mu.Lock()
	if d.finalized {
		d.mu.Unlock()
		return
	}
	d.finalized = true
	devices := d.devices
	d.devices = nil
	d.mu.Unlock()
	for _, dev := range devices {
		if err := dev.ThreadExit(); err != nil {
			klog.Errorf("simnpu: failed to exit device %d: %+v", dev.id, err)
		}
	}
}
