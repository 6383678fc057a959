// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simnpu

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/timvx/driver"
	"github.com/gomlx/timvx/internal/nbg"
	"github.com/gomlx/timvx/pkg/core/tensors"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

// ExportBinary implements driver.Graph.
func (g *Graph) ExportBinary(buf []byte) (int, error) {
	const call = "vxGenerateNBG"
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.lockedCheck(call); err != nil {
		return 0, err
	}
	if !g.setupDone {
		return 0, driver.Errorf(driver.InvalidGraph, call, "graph #%d Setup was not called", g.id)
	}
	program, err := g.lockedProgram()
	if err != nil {
		return 0, err
	}
	blob := nbg.Encode(program)
	if buf == nil {
		return len(blob), nil
	}
	if len(buf) < len(blob) {
		return 0, driver.Errorf(driver.InvalidParameters, call, "buffer of %d bytes too small for NBG of %d bytes", len(buf), len(blob))
	}
	copy(buf, blob)
	klog.V(1).Infof("simnpu: exported graph #%d as NBG of %s", g.id, humanize.Bytes(uint64(len(blob))))
	return len(blob), nil
}

// lockedProgram converts the graph to an nbg.Program. Constant data is embedded, IO and
// produced tensors are not.
func (g *Graph) lockedProgram() (*nbg.Program, error) {
	p := &nbg.Program{
		NumInputs:   len(g.inputs),
		NumOutputs:  len(g.outputs),
		Inputs:      toInt32s(g.inputs),
		Outputs:     toInt32s(g.outputs),
		Relax:       g.relax,
		DeviceIndex: int32(g.deviceIndex),
	}
	isIO := make(map[driver.TensorID]bool)
	for _, id := range g.inputs {
		isIO[id] = true
	}
	for _, id := range g.outputs {
		isIO[id] = true
	}
	produced := make(map[driver.TensorID]bool)
	for _, n := range g.nodes {
		for _, id := range n.outputs {
			produced[id] = true
		}
	}
	for ii, t := range g.tensors {
		id := driver.TensorID(ii)
		entry := nbg.Tensor{ID: int32(ii), Spec: t.spec.Clone()}
		if t.data != nil && !isIO[id] && !produced[id] && (t.hasContent || t.spec.Attr.Has(tensors.Constant)) {
			entry.Data = append([]byte{}, t.data...)
		}
		p.Tensors = append(p.Tensors, entry)
	}
	for nodeIdx, n := range g.nodes {
		params, err := encodeParams(n)
		if err != nil {
			return nil, errors.WithMessagef(err, "node #%d (%s)", nodeIdx, n.op)
		}
		p.Nodes = append(p.Nodes, nbg.Node{
			Op:      int32(n.op),
			Params:  params,
			Inputs:  toInt32s(n.inputs),
			Outputs: toInt32s(n.outputs),
		})
	}
	return p, nil
}

func toInt32s(ids []driver.TensorID) []int32 {
	if len(ids) == 0 {
		return nil
	}
	result := make([]int32, len(ids))
	for ii, id := range ids {
		result[ii] = int32(id)
	}
	return result
}

func toTensorIDs(ids []int32, mapping map[int32]driver.TensorID) ([]driver.TensorID, error) {
	result := make([]driver.TensorID, len(ids))
	for ii, id := range ids {
		mapped, found := mapping[id]
		if !found {
			return nil, errors.Errorf("tensor #%d not defined", id)
		}
		result[ii] = mapped
	}
	return result, nil
}

// Parameters of nodes are serialized with protowire, field numbers per op type.
const (
	fieldReshapeDims   protowire.Number = 1
	fieldNBGBinary     protowire.Number = 1
	fieldNBGNumInputs  protowire.Number = 2
	fieldNBGNumOutputs protowire.Number = 3
)

func encodeParams(n *node) ([]byte, error) {
	var b []byte
	switch n.op {
	case driver.OpTypeReshape:
		var packed []byte
		for _, dim := range n.params.(driver.ReshapeParams).Dimensions {
			packed = protowire.AppendVarint(packed, uint64(dim))
		}
		b = protowire.AppendTag(b, fieldReshapeDims, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	case driver.OpTypeNBG:
		p := n.params.(driver.NBGParams)
		b = protowire.AppendTag(b, fieldNBGBinary, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Binary)
		b = protowire.AppendTag(b, fieldNBGNumInputs, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.NumInputs))
		b = protowire.AppendTag(b, fieldNBGNumOutputs, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.NumOutputs))
	}
	return b, nil
}

func decodeParams(op driver.OpType, b []byte) (any, error) {
	switch op {
	case driver.OpTypeReshape:
		params := driver.ReshapeParams{Dimensions: []int{}}
		for len(b) > 0 {
			num, typ, n := protowire.ConsumeTag(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			if num != fieldReshapeDims || typ != protowire.BytesType {
				n = protowire.ConsumeFieldValue(num, typ, b)
				if n < 0 {
					return nil, protowire.ParseError(n)
				}
				b = b[n:]
				continue
			}
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nil, protowire.ParseError(m)
				}
				packed = packed[m:]
				params.Dimensions = append(params.Dimensions, int(v))
			}
		}
		return params, nil

	case driver.OpTypeNBG:
		var params driver.NBGParams
		for len(b) > 0 {
			num, typ, n := protowire.ConsumeTag(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			switch {
			case num == fieldNBGBinary && typ == protowire.BytesType:
				v, m := protowire.ConsumeBytes(b)
				if m < 0 {
					return nil, protowire.ParseError(m)
				}
				params.Binary = append([]byte{}, v...)
				n = m
			case (num == fieldNBGNumInputs || num == fieldNBGNumOutputs) && typ == protowire.VarintType:
				v, m := protowire.ConsumeVarint(b)
				if m < 0 {
					return nil, protowire.ParseError(m)
				}
				if num == fieldNBGNumInputs {
					params.NumInputs = int(v)
				} else {
					params.NumOutputs = int(v)
				}
				n = m
			default:
				n = protowire.ConsumeFieldValue(num, typ, b)
				if n < 0 {
					return nil, protowire.ParseError(n)
				}
			}
			b = b[n:]
		}
		return params, nil
	}
	if len(b) > 0 {
		return nil, errors.Errorf("op %s takes no parameters, got %d bytes", op, len(b))
	}
	return nil, nil
}

// instantiate builds, sets up and verifies a graph from an NBG blob.
func (d *Driver) instantiate(params driver.NBGParams, resourcePath string) (*Graph, error) {
	const call = "vxImportKernelFromURL"
	program, err := nbg.Decode(params.Binary)
	if err != nil {
		return nil, driver.Errorf(driver.InvalidParameters, call, "invalid NBG: %v", err)
	}
	if program.NumInputs != params.NumInputs || program.NumOutputs != params.NumOutputs {
		return nil, driver.Errorf(driver.InvalidParameters, call, "NBG has %d inputs and %d outputs, but %d and %d were declared",
			program.NumInputs, program.NumOutputs, params.NumInputs, params.NumOutputs)
	}
	g, err := d.newGraph(resourcePath)
	if err != nil {
		return nil, err
	}
	if err := g.load(program); err != nil {
		g.Release()
		return nil, driver.Errorf(driver.InvalidGraph, call, "failed to load NBG: %v", err)
	}
	return g, nil
}

func (g *Graph) load(program *nbg.Program) error {
	mapping := make(map[int32]driver.TensorID, len(program.Tensors))
	for _, t := range program.Tensors {
		id, err := g.NewTensor(t.Spec, t.Data)
		if err != nil {
			return err
		}
		mapping[t.ID] = id
	}
	for nodeIdx, n := range program.Nodes {
		op := driver.OpType(n.Op)
		params, err := decodeParams(op, n.Params)
		if err != nil {
			return errors.WithMessagef(err, "node #%d (%s) parameters", nodeIdx, op)
		}
		nodeID, err := g.NewNode(op, params)
		if err != nil {
			return err
		}
		inputs, err := toTensorIDs(n.Inputs, mapping)
		if err != nil {
			return errors.WithMessagef(err, "node #%d inputs", nodeIdx)
		}
		outputs, err := toTensorIDs(n.Outputs, mapping)
		if err != nil {
			return errors.WithMessagef(err, "node #%d outputs", nodeIdx)
		}
		if err := g.SetNodeIO(nodeID, inputs, outputs); err != nil {
			return err
		}
	}
	if err := g.SetAttribute(driver.AttrRelaxMode, program.Relax); err != nil {
		return err
	}
	inputs, err := toTensorIDs(program.Inputs, mapping)
	if err != nil {
		return errors.WithMessage(err, "graph inputs")
	}
	outputs, err := toTensorIDs(program.Outputs, mapping)
	if err != nil {
		return errors.WithMessage(err, "graph outputs")
	}
	if err := g.SetIO(inputs, outputs); err != nil {
		return err
	}
	if err := g.Setup(); err != nil {
		return err
	}
	return g.Verify()
}
