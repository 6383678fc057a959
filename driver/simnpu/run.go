// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simnpu

import (
	"time"

	"github.com/gomlx/timvx/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// lockedRun executes the nodes in the order computed by Verify. It must be called with g.mu held.
func (g *Graph) lockedRun() error {
	var start time.Time
	if klog.V(2).Enabled() {
		start = time.Now()
	}
	for _, nodeIdx := range g.order {
		if err := g.lockedRunNode(g.nodes[nodeIdx]); err != nil {
			return driver.Errorf(driver.Failure, "vxProcessGraph", "graph #%d node #%d (%s): %v", g.id, nodeIdx, g.nodes[nodeIdx].op, err)
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("simnpu: ran graph #%d (%d nodes) in %s", g.id, len(g.order), time.Since(start))
	}
	return nil
}

func (g *Graph) lockedRunNode(n *node) error {
	pool := g.drv.pool
	out := g.tensors[n.outputs[0]]
	switch {
	case n.op.IsBinary():
		lhs, rhs := g.tensors[n.inputs[0]], g.tensors[n.inputs[1]]
		return execBinary(pool, n.op, out.spec.DType(), g.relax, lhs.data, rhs.data, out.data)
	case n.op.IsUnary():
		operand := g.tensors[n.inputs[0]]
		return execUnary(pool, n.op, out.spec.DType(), g.relax, operand.data, out.data)
	case n.op == driver.OpTypeDataConvert:
		operand := g.tensors[n.inputs[0]]
		return execDataConvert(pool, operand.spec.DType(), out.spec.DType(), operand.data, out.data)
	case n.op == driver.OpTypeReshape:
		copy(out.data, g.tensors[n.inputs[0]].data)
		return nil
	case n.op == driver.OpTypeNBG:
		return g.lockedRunNBG(n)
	}
	return errors.Errorf("op %s not implemented", n.op)
}

// lockedRunNBG feeds the node inputs to the NBG sub-program, runs it, and copies back its outputs.
func (g *Graph) lockedRunNBG(n *node) error {
	sub := n.sub
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for ii, id := range n.inputs {
		copy(sub.tensors[sub.inputs[ii]].data, g.tensors[id].data)
	}
	if err := sub.lockedRun(); err != nil {
		return err
	}
	for ii, id := range n.outputs {
		copy(g.tensors[id].data, sub.tensors[sub.outputs[ii]].data)
	}
	return nil
}
