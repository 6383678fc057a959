// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package driver defines the contract with the NPU driver stack: the opaque graph, tensor, node and
// device handles the graph and platform packages build on.
//
// Every call is fallible and failures carry a Status code (see Error), as vendor drivers report them.
// Implementations register themselves with Register, usually in an init() function, and are selected
// with a configuration string, see NewWithConfig.
//
// The reference implementation is driver/simnpu, a software simulation of an NPU.
package driver

import (
	"context"
	"fmt"

	"github.com/gomlx/timvx/pkg/core/tensors"
)

// DeviceID identifies one NPU device, between 0 and Driver.DeviceCount()-1.
type DeviceID int

// TensorID is the driver handle of a tensor within a Graph.
type TensorID int32

// NodeID is the driver handle of a node within a Graph.
type NodeID int32

// InvalidTensorID is returned along with errors.
const InvalidTensorID TensorID = -1

// Driver is the entry point of a driver implementation: it creates graphs and opens devices.
type Driver interface {
	// Name returns the short name of the driver, as used in the configuration string.
	Name() string

	// Description is a longer description of the driver, for pretty-printing.
	Description() string

	// DeviceCount queries the number of devices available.
	DeviceCount() (int, error)

	// NewGraph creates an empty low-level graph. resourcePath is where the driver loads kernel
	// sources from; empty means the driver default.
	NewGraph(resourcePath string) (Graph, error)

	// OpenDevice returns the device with the given id, starting its worker if needed.
	OpenDevice(id DeviceID) (Device, error)

	// Finalize releases all resources of the driver: devices are exited. The driver is invalid afterward.
	Finalize()
}

// GraphAttribute enumerates the graph-level attributes set before Setup.
type GraphAttribute int

const (
	// AttrVersion is the version tag (uint32) stamped into the graph and its NBG.
	AttrVersion GraphAttribute = iota

	// AttrRelaxMode (bool) trades numeric precision for throughput.
	AttrRelaxMode

	// AttrDeviceIndex (DeviceID) routes the graph to one device on multi-device systems.
	AttrDeviceIndex
)

// String implements fmt.Stringer.
func (a GraphAttribute) String() string {
	switch a {
	case AttrVersion:
		return "Version"
	case AttrRelaxMode:
		return "RelaxMode"
	case AttrDeviceIndex:
		return "DeviceIndex"
	default:
		return fmt.Sprintf("GraphAttribute(%d)", int(a))
	}
}

// Graph is a driver-side low-level graph. Ids it returns are only valid within the same Graph.
type Graph interface {
	// NewTensor creates a tensor. If data is not nil it is copied as the tensor initial content.
	NewTensor(spec tensors.Spec, data []byte) (TensorID, error)

	// NewTensorFromHandle creates a tensor backed by buf, which is not copied: the caller keeps
	// ownership and must keep it alive for the lifetime of the graph. len(buf) must be at least spec.ByteSize().
	NewTensorFromHandle(spec tensors.Spec, buf []byte) (TensorID, error)

	// NewNode creates a node of the given operation type. params is operation specific, see the *Params types.
	NewNode(op OpType, params any) (NodeID, error)

	// SetNodeIO binds the inputs and outputs of a node.
	SetNodeIO(node NodeID, inputs, outputs []TensorID) error

	// SetAttribute sets a graph-level attribute.
	SetAttribute(attr GraphAttribute, value any) error

	// SetIO fixes the graph inputs and outputs.
	SetIO(inputs, outputs []TensorID) error

	// Setup finalizes the graph structure. It must be called after SetIO.
	Setup() error

	// Verify checks shapes and connectivity, and prepares the graph to run.
	Verify() error

	// Run executes the graph synchronously on the calling goroutine.
	Run() error

	// ExportBinary serializes the graph as an NBG. With a nil buf it only returns the required size.
	// Otherwise, buf must be at least that size, and it returns the number of bytes written.
	ExportBinary(buf []byte) (int, error)

	// CopyToTensor writes data (exactly the tensor byte size) to the tensor.
	CopyToTensor(id TensorID, data []byte) error

	// CopyFromTensor reads the tensor contents into data (exactly the tensor byte size).
	CopyFromTensor(id TensorID, data []byte) error

	// FlushHandle makes host writes to a handle-backed tensor visible to the device.
	FlushHandle(id TensorID) error

	// InvalidateHandle makes device writes to a handle-backed tensor visible to the host.
	InvalidateHandle(id TensorID) error

	// InputCount and OutputCount return the number of inputs and outputs fixed by SetIO.
	InputCount() int
	OutputCount() int

	// Release frees the graph and all its tensors and nodes. Further use is invalid.
	Release()
}

// Device is one NPU execution context with a worker consuming a FIFO of submitted graphs.
type Device interface {
	// ID of the device.
	ID() DeviceID

	// GraphSubmit enqueues g for execution. cb, if not nil, is called from the worker with the result
	// once g has run. Graphs submitted to the same device run in submission order.
	GraphSubmit(g Graph, cb func(error)) error

	// BatchSubmit enqueues all graphs as a single task: they run back-to-back, and cb is called once
	// with the first failure (or nil).
	BatchSubmit(graphs []Graph, cb func(error)) error

	// WaitThreadIdle blocks until the queue is drained or ctx is done.
	// It returns the first execution error since the previous call, if any.
	WaitThreadIdle(ctx context.Context) error

	// ThreadExit terminates the worker. Later submissions fail with DeviceExited.
	ThreadExit() error
}
