// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simnpu

import (
	"os"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/timvx/driver"
	"github.com/gomlx/timvx/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// Graph implements driver.Graph.
//
// All methods are safe for concurrent use: a Graph built by the host is run by a device worker.
type Graph struct {
	drv          *Driver
	id           int64
	resourcePath string

	mu              sync.Mutex
	released        bool
	tensors         []*tensor
	nodes           []*node
	inputs, outputs []driver.TensorID
	ioSet           bool
	setupDone       bool
	verified        bool
	version         uint32
	relax           bool
	deviceIndex     driver.DeviceID
	order           []int
	stats           Stats
}

// Compile-time check that Graph implements driver.Graph.
var _ driver.Graph = (*Graph)(nil)

// Stats counts the calls to the graph's state-changing methods.
type Stats struct {
	SetIO, Setup, Verify, Run int
}

type tensor struct {
	spec tensors.Spec

	// data is nil only for placeholders whose shape is not known until Verify.
	data []byte

	// handle is set for tensors backed by caller memory.
	handle bool

	// hasContent is set if the tensor was created with data or written by the host.
	hasContent bool
}

type node struct {
	op              driver.OpType
	params          any
	inputs, outputs []driver.TensorID
	ioSet           bool

	// sub is the instantiated program of OpTypeNBG nodes.
	sub *Graph
}

// NewGraph implements driver.Driver.
func (d *Driver) NewGraph(resourcePath string) (driver.Graph, error) {
	return d.newGraph(resourcePath)
}

func (d *Driver) newGraph(resourcePath string) (*Graph, error) {
	if err := d.checkOk("vxCreateGraph"); err != nil {
		return nil, err
	}
	if resourcePath == "" {
		resourcePath = d.config.ResourcePath
	}
	if resourcePath != "" {
		info, err := os.Stat(resourcePath)
		if err != nil || !info.IsDir() {
			return nil, driver.Errorf(driver.InvalidParameters, "vxCreateGraph", "resource path %q is not a directory", resourcePath)
		}
	}
	g := &Graph{
		drv:          d,
		id:           d.nextGraphID.Add(1),
		resourcePath: resourcePath,
	}
	klog.V(2).Infof("simnpu: created graph #%d (resource path %q)", g.id, resourcePath)
	return g, nil
}

// ID returns a process-unique id of the graph, in creation order.
func (g *Graph) ID() int64 { return g.id }

// ResourcePath returns the kernel resource path the graph was created with.
func (g *Graph) ResourcePath() string { return g.resourcePath }

// Stats returns the number of times SetIO, Setup, Verify and Run were called.
func (g *Graph) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// IsRelaxed returns whether relax mode was set.
func (g *Graph) IsRelaxed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.relax
}

// DeviceIndex returns the device index attribute.
func (g *Graph) DeviceIndex() driver.DeviceID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deviceIndex
}

// NumNodes returns the number of nodes created.
func (g *Graph) NumNodes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

func (g *Graph) lockedCheck(call string) error {
	if g.released {
		return driver.Errorf(driver.InvalidGraph, call, "graph #%d already released", g.id)
	}
	return nil
}

func (g *Graph) lockedTensor(call string, id driver.TensorID) (*tensor, error) {
	if id < 0 || int(id) >= len(g.tensors) {
		return nil, driver.Errorf(driver.InvalidParameters, call, "invalid tensor id %d in graph #%d", id, g.id)
	}
	return g.tensors[id], nil
}

func (g *Graph) lockedTensors(call string, ids []driver.TensorID) error {
	for _, id := range ids {
		if _, err := g.lockedTensor(call, id); err != nil {
			return err
		}
	}
	return nil
}

// NewTensor implements driver.Graph.
//
// Transient tensors may be created without a valid shape: they are placeholders whose shape is
// inferred from their producer during Verify.
func (g *Graph) NewTensor(spec tensors.Spec, data []byte) (driver.TensorID, error) {
	const call = "vxCreateTensor"
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.lockedCheck(call); err != nil {
		return driver.InvalidTensorID, err
	}
	t := &tensor{spec: spec.Clone()}
	switch {
	case !spec.Shape.Ok() && spec.Attr != tensors.Transient:
		return driver.InvalidTensorID, driver.Errorf(driver.InvalidParameters, call,
			"tensor %s has no valid shape, only TRANSIENT placeholders may omit it", spec)
	case data != nil:
		if !spec.Shape.Ok() || len(data) != spec.ByteSize() {
			return driver.InvalidTensorID, driver.Errorf(driver.InvalidParameters, call,
				"tensor %s requires %d bytes, got %d", spec, spec.ByteSize(), len(data))
		}
		t.data = slices.Clone(data)
		t.hasContent = true
	case spec.Shape.Ok():
		t.data = make([]byte, spec.ByteSize())
	}
	g.tensors = append(g.tensors, t)
	id := driver.TensorID(len(g.tensors) - 1)
	klog.V(2).Infof("simnpu: graph #%d tensor #%d %s", g.id, id, spec)
	return id, nil
}

// NewTensorFromHandle implements driver.Graph.
func (g *Graph) NewTensorFromHandle(spec tensors.Spec, buf []byte) (driver.TensorID, error) {
	const call = "vxCreateTensorFromHandle"
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.lockedCheck(call); err != nil {
		return driver.InvalidTensorID, err
	}
	if !spec.Shape.Ok() {
		return driver.InvalidTensorID, driver.Errorf(driver.InvalidParameters, call, "tensor %s has no valid shape", spec)
	}
	if len(buf) < spec.ByteSize() {
		return driver.InvalidTensorID, driver.Errorf(driver.InvalidParameters, call,
			"handle of %d bytes too small for tensor %s (%d bytes)", len(buf), spec, spec.ByteSize())
	}
	g.tensors = append(g.tensors, &tensor{
		spec:       spec.Clone(),
		data:       buf[:spec.ByteSize():spec.ByteSize()],
		handle:     true,
		hasContent: true,
	})
	return driver.TensorID(len(g.tensors) - 1), nil
}

// NewNode implements driver.Graph.
func (g *Graph) NewNode(op driver.OpType, params any) (driver.NodeID, error) {
	const call = "vxCreateNode"
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.lockedCheck(call); err != nil {
		return -1, err
	}
	if op <= driver.OpTypeInvalid || op >= driver.OpTypeLast {
		return -1, driver.Errorf(driver.NotSupported, call, "op type %s not supported", op)
	}
	n := &node{op: op, params: params}
	switch op {
	case driver.OpTypeReshape:
		p, ok := params.(driver.ReshapeParams)
		if !ok {
			return -1, driver.Errorf(driver.InvalidParameters, call, "Reshape requires driver.ReshapeParams, got %T", params)
		}
		for _, dim := range p.Dimensions {
			if dim < 0 {
				return -1, driver.Errorf(driver.InvalidParameters, call, "Reshape to negative dimensions %v", p.Dimensions)
			}
		}
		n.params = driver.ReshapeParams{Dimensions: slices.Clone(p.Dimensions)}
	case driver.OpTypeNBG:
		p, ok := params.(driver.NBGParams)
		if !ok {
			return -1, driver.Errorf(driver.InvalidParameters, call, "NBG requires driver.NBGParams, got %T", params)
		}
		sub, err := g.drv.instantiate(p, g.resourcePath)
		if err != nil {
			return -1, err
		}
		n.sub = sub
		klog.V(1).Infof("simnpu: graph #%d loaded NBG of %s as graph #%d", g.id, humanize.Bytes(uint64(len(p.Binary))), sub.id)
	default:
		if params != nil {
			return -1, driver.Errorf(driver.InvalidParameters, call, "op %s takes no parameters, got %T", op, params)
		}
	}
	g.nodes = append(g.nodes, n)
	g.verified = false
	return driver.NodeID(len(g.nodes) - 1), nil
}

// arity returns the number of inputs and outputs of n.
func (n *node) arity() (int, int) {
	switch {
	case n.op.IsBinary():
		return 2, 1
	case n.op == driver.OpTypeNBG:
		return n.sub.InputCount(), n.sub.OutputCount()
	default:
		return 1, 1
	}
}

// SetNodeIO implements driver.Graph.
func (g *Graph) SetNodeIO(nodeID driver.NodeID, inputs, outputs []driver.TensorID) error {
	const call = "vxSetParameterByIndex"
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.lockedCheck(call); err != nil {
		return err
	}
	if nodeID < 0 || int(nodeID) >= len(g.nodes) {
		return driver.Errorf(driver.InvalidParameters, call, "invalid node id %d in graph #%d", nodeID, g.id)
	}
	n := g.nodes[nodeID]
	numInputs, numOutputs := n.arity()
	if len(inputs) != numInputs || len(outputs) != numOutputs {
		return driver.Errorf(driver.InvalidNode, call, "node #%d (%s) takes %d inputs and %d outputs, got %d and %d",
			nodeID, n.op, numInputs, numOutputs, len(inputs), len(outputs))
	}
	if err := g.lockedTensors(call, inputs); err != nil {
		return err
	}
	if err := g.lockedTensors(call, outputs); err != nil {
		return err
	}
	n.inputs = slices.Clone(inputs)
	n.outputs = slices.Clone(outputs)
	n.ioSet = true
	g.verified = false
	return nil
}

// SetAttribute implements driver.Graph.
func (g *Graph) SetAttribute(attr driver.GraphAttribute, value any) error {
	const call = "vxSetGraphAttribute"
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.lockedCheck(call); err != nil {
		return err
	}
	invalidType := func() error {
		return driver.Errorf(driver.InvalidParameters, call, "invalid value type %T for graph attribute %s", value, attr)
	}
	switch attr {
	case driver.AttrVersion:
		version, ok := value.(uint32)
		if !ok {
			return invalidType()
		}
		g.version = version
	case driver.AttrRelaxMode:
		relax, ok := value.(bool)
		if !ok {
			return invalidType()
		}
		g.relax = relax
	case driver.AttrDeviceIndex:
		dev, ok := value.(driver.DeviceID)
		if !ok {
			return invalidType()
		}
		if dev < 0 || int(dev) >= g.drv.config.NumDevices {
			return driver.Errorf(driver.InvalidParameters, call, "device index %d out of range", dev)
		}
		g.deviceIndex = dev
	default:
		return driver.Errorf(driver.NotSupported, call, "unknown graph attribute %s", attr)
	}
	return nil
}

// SetIO implements driver.Graph.
func (g *Graph) SetIO(inputs, outputs []driver.TensorID) error {
	const call = "vxIdentifyGraphInputsAndOutputs"
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.SetIO++
	if err := g.lockedCheck(call); err != nil {
		return err
	}
	if err := g.lockedTensors(call, inputs); err != nil {
		return err
	}
	if err := g.lockedTensors(call, outputs); err != nil {
		return err
	}
	g.inputs = slices.Clone(inputs)
	g.outputs = slices.Clone(outputs)
	g.ioSet = true
	g.verified = false
	return nil
}

// InputCount implements driver.Graph.
func (g *Graph) InputCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inputs)
}

// OutputCount implements driver.Graph.
func (g *Graph) OutputCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.outputs)
}

// Setup implements driver.Graph.
func (g *Graph) Setup() error {
	const call = "vxSetupGraph"
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.Setup++
	if err := g.lockedCheck(call); err != nil {
		return err
	}
	if !g.ioSet {
		return driver.Errorf(driver.InvalidGraph, call, "graph #%d inputs and outputs were not set", g.id)
	}
	for ii, n := range g.nodes {
		if !n.ioSet {
			return driver.Errorf(driver.InvalidNode, call, "node #%d (%s) of graph #%d has no inputs/outputs bound", ii, n.op, g.id)
		}
	}
	g.setupDone = true
	return nil
}

// Verify implements driver.Graph.
func (g *Graph) Verify() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.Verify++
	return g.lockedVerify()
}

// Run implements driver.Graph.
func (g *Graph) Run() error {
	const call = "vxProcessGraph"
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.Run++
	if err := g.lockedCheck(call); err != nil {
		return err
	}
	if !g.verified {
		return driver.Errorf(driver.InvalidGraph, call, "graph #%d was not verified", g.id)
	}
	return g.lockedRun()
}

// CopyToTensor implements driver.Graph.
func (g *Graph) CopyToTensor(id driver.TensorID, data []byte) error {
	const call = "vxCopyTensorPatch(write)"
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.lockedCheck(call); err != nil {
		return err
	}
	t, err := g.lockedTensor(call, id)
	if err != nil {
		return err
	}
	if t.data == nil || len(data) != len(t.data) {
		return driver.Errorf(driver.InvalidParameters, call, "tensor #%d %s holds %d bytes, got %d",
			id, t.spec, len(t.data), len(data))
	}
	copy(t.data, data)
	t.hasContent = true
	return nil
}

// CopyFromTensor implements driver.Graph.
func (g *Graph) CopyFromTensor(id driver.TensorID, data []byte) error {
	const call = "vxCopyTensorPatch(read)"
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.lockedCheck(call); err != nil {
		return err
	}
	t, err := g.lockedTensor(call, id)
	if err != nil {
		return err
	}
	if t.data == nil || len(data) != len(t.data) {
		return driver.Errorf(driver.InvalidParameters, call, "tensor #%d %s holds %d bytes, got %d",
			id, t.spec, len(t.data), len(data))
	}
	copy(data, t.data)
	return nil
}

func (g *Graph) checkHandle(call string, id driver.TensorID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.lockedCheck(call); err != nil {
		return err
	}
	t, err := g.lockedTensor(call, id)
	if err != nil {
		return err
	}
	if !t.handle {
		return driver.Errorf(driver.InvalidParameters, call, "tensor #%d is not backed by a handle", id)
	}
	return nil
}

// FlushHandle implements driver.Graph. Host and simulated device share memory, so it only validates id.
func (g *Graph) FlushHandle(id driver.TensorID) error {
	return g.checkHandle("vxFlushHandle", id)
}

// InvalidateHandle implements driver.Graph. Host and simulated device share memory, so it only validates id.
func (g *Graph) InvalidateHandle(id driver.TensorID) error {
	return g.checkHandle("vxInvalidateHandle", id)
}

// Release implements driver.Graph. It is safe to call more than once.
func (g *Graph) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return
	}
	g.released = true
	for _, n := range g.nodes {
		if n.sub != nil {
			n.sub.Release()
		}
	}
	g.tensors = nil
	g.nodes = nil
	g.order = nil
	klog.V(2).Infof("simnpu: released graph #%d", g.id)
}
