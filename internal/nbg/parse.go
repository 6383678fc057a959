// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nbg

import (
	"github.com/gomlx/timvx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Info summarizes an NBG blob for introspection, without instantiating it.
type Info struct {
	Version       uint32
	Size          int
	BodySize      int
	NumTensors    int
	NumNodes      int
	ConstantBytes int
	Relax         bool
	DeviceIndex   int32

	// Inputs and Outputs describe the graph IO tensors, in order.
	Inputs, Outputs []tensors.Spec
}

// NumInputs returns the declared number of inputs.
func (info *Info) NumInputs() int { return len(info.Inputs) }

// NumOutputs returns the declared number of outputs.
func (info *Info) NumOutputs() int { return len(info.Outputs) }

// Parse reads the header and body of blob and summarizes them.
func Parse(blob []byte) (*Info, error) {
	version, body, err := ReadHeader(blob)
	if err != nil {
		return nil, err
	}
	p, err := Decode(blob)
	if err != nil {
		return nil, err
	}
	info := &Info{
		Version:     version,
		Size:        len(blob),
		BodySize:    len(body),
		NumTensors:  len(p.Tensors),
		NumNodes:    len(p.Nodes),
		Relax:       p.Relax,
		DeviceIndex: p.DeviceIndex,
	}
	specs := make(map[int32]tensors.Spec, len(p.Tensors))
	for _, t := range p.Tensors {
		specs[t.ID] = t.Spec
		info.ConstantBytes += len(t.Data)
	}
	lookup := func(ids []int32, kind string) ([]tensors.Spec, error) {
		result := make([]tensors.Spec, 0, len(ids))
		for _, id := range ids {
			spec, found := specs[id]
			if !found {
				return nil, errors.Errorf("NBG %s tensor #%d is not defined", kind, id)
			}
			result = append(result, spec)
		}
		return result, nil
	}
	if info.Inputs, err = lookup(p.Inputs, "input"); err != nil {
		return nil, err
	}
	if info.Outputs, err = lookup(p.Outputs, "output"); err != nil {
		return nil, err
	}
	return info, nil
}
