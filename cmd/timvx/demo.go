// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/gomlx/timvx/pkg/core/dtypes"
	"github.com/gomlx/timvx/pkg/core/graph"
	"github.com/gomlx/timvx/pkg/core/ops"
	"github.com/gomlx/timvx/pkg/core/tensors"
	"github.com/gomlx/timvx/pkg/platform"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a two-stage pipeline: y = relu(x + 1) followed by z = 2 * y",
		Args:  cobra.NoArgs,
		RunE:  runDemo,
	}
}

// stage is one compiled graph with its host tensors.
type stage struct {
	name    string
	exec    platform.Executable
	in, out platform.TensorHandle
}

// newStage compiles y = op(x, c), followed by a relu if withRelu is set.
func newStage(executor platform.Executor, name string, dims int, op graph.OpDesc, constant float32, withRelu bool) (*stage, error) {
	spec := func(attr tensors.Attribute) tensors.Spec { return tensors.NewSpec(dtypes.Float32, attr, dims) }
	g, err := executor.Context().CreateGraph()
	if err != nil {
		return nil, err
	}
	defer g.Finalize()
	x, err := g.CreateTensor(spec(tensors.Input), nil)
	if err != nil {
		return nil, err
	}
	values := make([]float32, dims)
	for ii := range values {
		values[ii] = constant
	}
	c, err := g.CreateTensor(spec(tensors.Constant), tensors.CopyFlat(values))
	if err != nil {
		return nil, err
	}
	y, err := g.CreateTensor(spec(tensors.Output), nil)
	if err != nil {
		return nil, err
	}
	opOut := y
	if withRelu {
		if opOut, err = g.CreateTensorPlaceHolder(); err != nil {
			return nil, err
		}
	}
	node, err := g.CreateOperation(op)
	if err != nil {
		return nil, err
	}
	node.BindInputs(x, c).BindOutput(opOut)
	if withRelu {
		reluOp, err := g.CreateOperation(ops.Relu())
		if err != nil {
			return nil, err
		}
		reluOp.BindInput(opOut).BindOutput(y)
	}

	exec, err := platform.Compile(g, executor)
	if err != nil {
		return nil, err
	}
	s := &stage{name: name, exec: exec}
	if s.in, err = exec.AllocateTensor(spec(tensors.Input)); err != nil {
		return nil, err
	}
	if s.out, err = exec.AllocateTensor(spec(tensors.Output)); err != nil {
		return nil, err
	}
	if err = exec.SetInput(s.in); err != nil {
		return nil, err
	}
	if err = exec.SetOutput(s.out); err != nil {
		return nil, err
	}
	return s, nil
}

func runDemo(cmd *cobra.Command, _ []string) error {
	ctx, done, err := newContext()
	if err != nil {
		return err
	}
	defer done()
	devices, err := platform.Enumerate(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return errors.Errorf("driver %q has no devices", ctx.Driver().Name())
	}
	executor := platform.NewNativeExecutor(devices[0], ctx)

	const dims = 6
	stage1, err := newStage(executor, "relu(x+1)", dims, ops.Add(), 1, true)
	if err != nil {
		return err
	}
	stage2, err := newStage(executor, "2*y", dims, ops.Multiply(), 2, false)
	if err != nil {
		return err
	}

	out := termenv.NewOutput(os.Stdout)
	x := []float32{-3, -1.5, -0.5, 0, 1, 2.5}
	fmt.Printf("%s %v\n", out.String("x:").Bold(), x)
	buf := make([]byte, stage1.in.Spec().ByteSize())
	if err := stage1.in.CopyDataToTensor(tensors.CopyFlat(x)); err != nil {
		return err
	}
	for ii, s := range []*stage{stage1, stage2} {
		if ii > 0 {
			// Feed the previous stage output.
			if err := s.in.CopyDataToTensor(buf); err != nil {
				return err
			}
		}
		// Trigger blocks until the device is idle: the stage fully completes before the next one starts.
		if err := s.exec.Trigger(cmd.Context(), false); err != nil {
			return err
		}
		if err := s.out.CopyDataFromTensor(buf); err != nil {
			return err
		}
		fmt.Printf("%s %v\n", out.String(s.name+":").Bold().Foreground(out.Color("6")), tensors.Flat[float32](buf))
	}
	fmt.Println(out.String("pipeline done").Foreground(out.Color("2")))
	return nil
}
