// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lite

import (
	"context"
	"os"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/timvx/driver/simnpu"
	"github.com/gomlx/timvx/pkg/core/dtypes"
	"github.com/gomlx/timvx/pkg/core/graph"
	"github.com/gomlx/timvx/pkg/core/ops"
	"github.com/gomlx/timvx/pkg/core/status"
	"github.com/gomlx/timvx/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}

// subNBG compiles out = a - b, on 4 float32 values each.
func subNBG(t *testing.T) []byte {
	drv := must.M1(simnpu.NewDriver("workers=0"))
	defer drv.Finalize()
	ctx := must.M1(graph.NewContext(drv))
	g := must.M1(ctx.CreateGraph())
	defer g.Finalize()
	spec := func(attr tensors.Attribute) tensors.Spec { return tensors.NewSpec(dtypes.Float32, attr, 4) }
	a := must.M1(g.CreateTensor(spec(tensors.Input), nil))
	b := must.M1(g.CreateTensor(spec(tensors.Input), nil))
	out := must.M1(g.CreateTensor(spec(tensors.Output), nil))
	must.M1(g.CreateOperation(ops.Sub())).BindInputs(a, b).BindOutput(out)
	size := must.M1(g.CompileToBinary(nil))
	blob := make([]byte, size)
	must.M1(g.CompileToBinary(blob))
	return blob
}

func handleFor(t *testing.T, values ...float32) *Handle {
	buf := AlignedBuffer(4 * len(values))
	copy(buf, tensors.CopyFlat(values))
	h, err := NewUserHandle(buf)
	require.NoError(t, err)
	return h
}

func TestAlignment(t *testing.T) {
	for _, n := range []int{1, 7, 64, 1000} {
		buf := AlignedBuffer(n)
		require.Len(t, buf, n)
		require.Equal(t, n, cap(buf))
		require.True(t, isAligned(buf))
		h, err := NewUserHandle(buf)
		require.NoError(t, err)
		require.Equal(t, n, h.Size())
	}
	buf := AlignedBuffer(128)
	_, err := NewUserHandle(buf[1:])
	require.True(t, status.Is(err, status.InvalidArgument))
	_, err = NewUserHandle(nil)
	require.True(t, status.Is(err, status.InvalidArgument))
}

func TestExecution(t *testing.T) {
	blob := subNBG(t)
	exec, err := Create(blob)
	require.NoError(t, err)
	defer exec.Close()
	require.Equal(t, 2, exec.Info().NumInputs())
	require.Equal(t, 1, exec.Info().NumOutputs())

	a := handleFor(t, 5, 6, 7, 8)
	b := handleFor(t, 1, 2, 3, 4)
	out := handleFor(t, 0, 0, 0, 0)
	require.NoError(t, exec.BindInputs(a, b).BindOutputs(out).Trigger(context.Background()))
	require.Equal(t, []float32{4, 4, 4, 4}, tensors.Flat[float32](out.Bytes()))

	// Buffers are shared: updating the input and triggering again reuses the bindings.
	copy(b.Bytes(), tensors.CopyFlat([]float32{0, 0, 10, 10}))
	require.NoError(t, exec.Trigger(context.Background()))
	require.Equal(t, []float32{5, 6, -3, -2}, tensors.Flat[float32](out.Bytes()))

	exec.Close()
	exec.Close()
	require.Error(t, exec.Trigger(context.Background()))
}

func TestExecutionErrors(t *testing.T) {
	_, err := Create([]byte("not an NBG"))
	require.True(t, status.Is(err, status.Compile))

	drv := must.M1(simnpu.NewDriver("workers=0"))
	defer drv.Finalize()
	ctx := must.M1(graph.NewContext(drv))
	exec, err := CreateWithContext(ctx, subNBG(t))
	require.NoError(t, err)
	defer exec.Close()

	a := handleFor(t, 1, 2, 3, 4)
	out := handleFor(t, 0, 0, 0, 0)
	err = exec.BindInputs(a).BindOutputs(out).Trigger(context.Background())
	require.True(t, status.Is(err, status.InvalidArgument))
	require.ErrorContains(t, err, "input count mismatch, required: 2, provided: 1")

	small := handleFor(t, 1)
	err = exec.BindInputs(a, a).BindOutputs(small).Trigger(context.Background())
	require.True(t, status.Is(err, status.InvalidArgument))

	require.NoError(t, exec.BindOutputs(out).Trigger(context.Background()))
	require.Equal(t, []float32{0, 0, 0, 0}, tensors.Flat[float32](out.Bytes()))
}

func TestTryBuild(t *testing.T) {
	require.NoError(t, tryBuild(func() error { return nil }))
	err := tryBuild(func() error {
		exceptions.Panicf("tensor belongs to another graph")
		return nil
	})
	require.True(t, status.Is(err, status.Compile), "got %v", err)
	require.ErrorContains(t, err, "tensor belongs to another graph")
}
