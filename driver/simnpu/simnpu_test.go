// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simnpu

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/timvx/driver"
	"github.com/gomlx/timvx/pkg/core/dtypes"
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

func newTestDriver(t *testing.T, config string) *Driver {
	d, err := NewDriver(config)
	require.NoError(t, err)
	t.Cleanup(d.Finalize)
	return d
}

func f32Spec(attr tensors.Attribute, dims ...int) tensors.Spec {
	return tensors.NewSpec(dtypes.Float32, attr, dims...)
}

// buildAddRelu builds y = relu(x + c), with c = [1, 1, -10, 1].
func buildAddRelu(t *testing.T, d *Driver) (g *Graph, x, y driver.TensorID) {
	g = must.M1(d.newGraph(""))
	x = must.M1(g.NewTensor(f32Spec(tensors.Input, 4), nil))
	c := must.M1(g.NewTensor(f32Spec(tensors.Constant, 4), tensors.CopyFlat([]float32{1, 1, -10, 1})))
	tmp := must.M1(g.NewTensor(tensors.Spec{Attr: tensors.Transient}, nil))
	y = must.M1(g.NewTensor(f32Spec(tensors.Output, 4), nil))

	// Relu is created before Add: execution order must follow connectivity.
	relu := must.M1(g.NewNode(driver.OpTypeRelu, nil))
	add := must.M1(g.NewNode(driver.OpTypeAdd, nil))
	require.NoError(t, g.SetNodeIO(relu, []driver.TensorID{tmp}, []driver.TensorID{y}))
	require.NoError(t, g.SetNodeIO(add, []driver.TensorID{x, c}, []driver.TensorID{tmp}))
	require.NoError(t, g.SetIO([]driver.TensorID{x}, []driver.TensorID{y}))
	require.NoError(t, g.Setup())
	require.NoError(t, g.Verify())
	return
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig("devices=3,workers=0,queue=2,fail_dispatch=5,resource_path=/tmp")
	require.NoError(t, err)
	require.Equal(t, Config{NumDevices: 3, ResourcePath: "/tmp", Workers: 0, QueueSize: 2, FailDispatch: 5}, cfg)

	_, err = ParseConfig("devices=0")
	require.Error(t, err)
	_, err = ParseConfig("colour=blue")
	require.ErrorContains(t, err, "unknown simnpu option")

	_, err = driver.NewWithConfig("simnpu:devices=x")
	require.Equal(t, driver.InvalidParameters, driver.StatusOf(err))

	drv, err := driver.NewWithConfig("simnpu:devices=2")
	require.NoError(t, err)
	defer drv.Finalize()
	require.Equal(t, DriverName, drv.Name())
	require.Equal(t, 2, must.M1(drv.DeviceCount()))
}

func TestRun(t *testing.T) {
	d := newTestDriver(t, "")
	g, x, y := buildAddRelu(t, d)
	require.NoError(t, g.CopyToTensor(x, tensors.CopyFlat([]float32{1, -3, 2, 0.5})))
	require.NoError(t, g.Run())
	got := make([]byte, 16)
	require.NoError(t, g.CopyFromTensor(y, got))
	require.Equal(t, []float32{2, 0, 0, 1.5}, tensors.Flat[float32](got))
	require.Equal(t, Stats{SetIO: 1, Setup: 1, Verify: 1, Run: 1}, g.Stats())

	// Wrong sizes are rejected.
	require.Equal(t, driver.InvalidParameters, driver.StatusOf(g.CopyFromTensor(y, got[:4])))
	require.Equal(t, driver.InvalidParameters, driver.StatusOf(g.CopyToTensor(99, got)))

	g.Release()
	g.Release()
	require.Equal(t, driver.InvalidGraph, driver.StatusOf(g.Run()))
}

func TestKernels(t *testing.T) {
	d := newTestDriver(t, "workers=2")
	run := func(op driver.OpType, params any, outSpec tensors.Spec, inputs ...tensors.Spec) func(data ...[]byte) []byte {
		g := must.M1(d.newGraph(""))
		ids := make([]driver.TensorID, len(inputs))
		for ii, spec := range inputs {
			ids[ii] = must.M1(g.NewTensor(spec, nil))
		}
		out := must.M1(g.NewTensor(outSpec, nil))
		node := must.M1(g.NewNode(op, params))
		require.NoError(t, g.SetNodeIO(node, ids, []driver.TensorID{out}))
		require.NoError(t, g.SetIO(ids, []driver.TensorID{out}))
		require.NoError(t, g.Setup())
		require.NoError(t, g.Verify())
		return func(data ...[]byte) []byte {
			for ii, id := range ids {
				require.NoError(t, g.CopyToTensor(id, data[ii]))
			}
			require.NoError(t, g.Run())
			result := make([]byte, outSpec.ByteSize())
			require.NoError(t, g.CopyFromTensor(out, result))
			return result
		}
	}

	// Integer division by zero yields 0, scalar operands are broadcast.
	i32 := tensors.NewSpec(dtypes.Int32, tensors.Input, 3)
	i32Scalar := tensors.NewSpec(dtypes.Int32, tensors.Input)
	div := run(driver.OpTypeDiv, nil, i32.WithAttr(tensors.Output), i32, i32Scalar)
	require.Equal(t, []int32{3, -2, 0}, tensors.Flat[int32](div(tensors.CopyFlat([]int32{7, -5, 1}), tensors.CopyFlat([]int32{2}))))
	require.Equal(t, []int32{0, 0, 0}, tensors.Flat[int32](div(tensors.CopyFlat([]int32{7, -5, 1}), tensors.CopyFlat([]int32{0}))))

	// Float16 computes through float32.
	f16 := tensors.NewSpec(dtypes.Float16, tensors.Input, 2)
	mul := run(driver.OpTypeMultiply, nil, f16.WithAttr(tensors.Output), f16, f16)
	lhs := []uint16{uint16(dtypes.Float16FromFloat32(1.5)), uint16(dtypes.Float16FromFloat32(-2))}
	rhs := []uint16{uint16(dtypes.Float16FromFloat32(2)), uint16(dtypes.Float16FromFloat32(0.25))}
	got := tensors.Flat[uint16](mul(tensors.CopyFlat(lhs), tensors.CopyFlat(rhs)))
	require.Equal(t, uint16(dtypes.Float16FromFloat32(3)), got[0])
	require.Equal(t, uint16(dtypes.Float16FromFloat32(-0.5)), got[1])

	// Bool8 Maximum is a logical or.
	b8 := tensors.NewSpec(dtypes.Bool8, tensors.Input, 4)
	or := run(driver.OpTypeMaximum, nil, b8.WithAttr(tensors.Output), b8, b8)
	require.Equal(t, []byte{0, 1, 1, 1}, or([]byte{0, 0, 2, 1}, []byte{0, 3, 0, 1}))

	// DataConvert rounds and saturates.
	f32 := f32Spec(tensors.Input, 4)
	convert := run(driver.OpTypeDataConvert, nil, tensors.NewSpec(dtypes.Int8, tensors.Output, 4), f32)
	require.Equal(t, []int8{2, -128, 127, 0}, tensors.Flat[int8](convert(tensors.CopyFlat([]float32{2.4, -1000, 300, 0.5}))))

	// Reshape only changes the dimensions.
	reshape := run(driver.OpTypeReshape, driver.ReshapeParams{Dimensions: []int{2, 2}}, f32Spec(tensors.Output, 2, 2), f32)
	require.Equal(t, []float32{1, 2, 3, 4}, tensors.Flat[float32](reshape(tensors.CopyFlat([]float32{1, 2, 3, 4}))))

	// Large float32 inputs exercise the parallel loops.
	const n = 100_000
	big := f32Spec(tensors.Input, n)
	square := run(driver.OpTypeSquare, nil, big.WithAttr(tensors.Output), big)
	values := make([]float32, n)
	for ii := range values {
		values[ii] = float32(ii % 7)
	}
	squares := tensors.Flat[float32](square(tensors.CopyFlat(values)))
	for ii, v := range squares {
		if v != values[ii]*values[ii] {
			t.Fatalf("square[%d]=%g, wanted %g", ii, v, values[ii]*values[ii])
		}
	}
}

func TestRelaxMode(t *testing.T) {
	d := newTestDriver(t, "")
	g := must.M1(d.newGraph(""))
	x := must.M1(g.NewTensor(f32Spec(tensors.Input, 1), nil))
	y := must.M1(g.NewTensor(f32Spec(tensors.Output, 1), nil))
	node := must.M1(g.NewNode(driver.OpTypeNeg, nil))
	require.NoError(t, g.SetNodeIO(node, []driver.TensorID{x}, []driver.TensorID{y}))
	require.NoError(t, g.SetAttribute(driver.AttrRelaxMode, true))
	require.Equal(t, driver.InvalidParameters, driver.StatusOf(g.SetAttribute(driver.AttrRelaxMode, 1)))
	require.True(t, g.IsRelaxed(), "a rejected value must not change relax mode")
	require.Equal(t, driver.InvalidParameters, driver.StatusOf(g.SetAttribute(driver.AttrDeviceIndex, driver.DeviceID(5))))
	require.Equal(t, driver.InvalidParameters, driver.StatusOf(g.SetAttribute(driver.AttrDeviceIndex, 0)))
	require.Equal(t, driver.DeviceID(0), g.DeviceIndex())
	require.NoError(t, g.SetIO([]driver.TensorID{x}, []driver.TensorID{y}))
	require.NoError(t, g.Setup())
	require.NoError(t, g.Verify())
	require.True(t, g.IsRelaxed())

	require.NoError(t, g.CopyToTensor(x, tensors.CopyFlat([]float32{1.0001})))
	require.NoError(t, g.Run())
	got := make([]byte, 4)
	require.NoError(t, g.CopyFromTensor(y, got))
	require.Equal(t, float32(-1), tensors.Flat[float32](got)[0])
}

func TestVerifyErrors(t *testing.T) {
	d := newTestDriver(t, "")

	// Setup before SetIO fails.
	g := must.M1(d.newGraph(""))
	require.Equal(t, driver.InvalidGraph, driver.StatusOf(g.Setup()))
	require.Equal(t, driver.InvalidGraph, driver.StatusOf(g.Verify()))

	// Tensor read with no producer nor content.
	g = must.M1(d.newGraph(""))
	a := must.M1(g.NewTensor(f32Spec(tensors.Transient, 2), nil))
	b := must.M1(g.NewTensor(f32Spec(tensors.Output, 2), nil))
	node := must.M1(g.NewNode(driver.OpTypeAbs, nil))
	require.NoError(t, g.SetNodeIO(node, []driver.TensorID{a}, []driver.TensorID{b}))
	require.NoError(t, g.SetIO(nil, []driver.TensorID{b}))
	require.NoError(t, g.Setup())
	err := g.Verify()
	require.Equal(t, driver.InvalidGraph, driver.StatusOf(err))
	require.ErrorContains(t, err, "no producer")

	// Graph outputs nobody writes only get a warning.
	g = must.M1(d.newGraph(""))
	x0 := must.M1(g.NewTensor(f32Spec(tensors.Input, 2), nil))
	y0 := must.M1(g.NewTensor(f32Spec(tensors.Output, 2), nil))
	z0 := must.M1(g.NewTensor(f32Spec(tensors.Output, 2), nil))
	node = must.M1(g.NewNode(driver.OpTypeNeg, nil))
	require.NoError(t, g.SetNodeIO(node, []driver.TensorID{x0}, []driver.TensorID{y0}))
	require.NoError(t, g.SetIO([]driver.TensorID{x0}, []driver.TensorID{y0, z0}))
	require.NoError(t, g.Setup())
	require.NoError(t, g.Verify())
	require.NoError(t, g.CopyToTensor(x0, tensors.CopyFlat([]float32{1, -2})))
	require.NoError(t, g.Run())
	got := make([]byte, 8)
	require.NoError(t, g.CopyFromTensor(z0, got))
	require.Equal(t, []float32{0, 0}, tensors.Flat[float32](got))

	// Cycle.
	g = must.M1(d.newGraph(""))
	a = must.M1(g.NewTensor(f32Spec(tensors.Transient, 2), nil))
	b = must.M1(g.NewTensor(f32Spec(tensors.Transient, 2), nil))
	n1 := must.M1(g.NewNode(driver.OpTypeNeg, nil))
	n2 := must.M1(g.NewNode(driver.OpTypeNeg, nil))
	require.NoError(t, g.SetNodeIO(n1, []driver.TensorID{a}, []driver.TensorID{b}))
	require.NoError(t, g.SetNodeIO(n2, []driver.TensorID{b}, []driver.TensorID{a}))
	require.NoError(t, g.SetIO(nil, []driver.TensorID{b}))
	require.NoError(t, g.Setup())
	require.ErrorContains(t, g.Verify(), "cycle")

	// Shape mismatch and unsupported dtypes.
	g = must.M1(d.newGraph(""))
	x := must.M1(g.NewTensor(f32Spec(tensors.Input, 2), nil))
	y := must.M1(g.NewTensor(f32Spec(tensors.Output, 3), nil))
	node = must.M1(g.NewNode(driver.OpTypeRelu, nil))
	require.NoError(t, g.SetNodeIO(node, []driver.TensorID{x}, []driver.TensorID{y}))
	require.NoError(t, g.SetIO([]driver.TensorID{x}, []driver.TensorID{y}))
	require.NoError(t, g.Setup())
	require.Equal(t, driver.InvalidNode, driver.StatusOf(g.Verify()))
	require.Equal(t, driver.InvalidGraph, driver.StatusOf(g.Run()), "unverified graphs can't run")

	// Arity and parameters are checked at creation.
	require.Equal(t, driver.InvalidNode, driver.StatusOf(g.SetNodeIO(node, []driver.TensorID{x, x}, []driver.TensorID{y})))
	_, err = g.NewNode(driver.OpTypeReshape, nil)
	require.Equal(t, driver.InvalidParameters, driver.StatusOf(err))
	_, err = g.NewNode(driver.OpTypeLast, nil)
	require.Equal(t, driver.NotSupported, driver.StatusOf(err))
	_, err = g.NewTensor(tensors.Spec{Attr: tensors.Input}, nil)
	require.Equal(t, driver.InvalidParameters, driver.StatusOf(err))
	_, err = g.NewTensor(f32Spec(tensors.Constant, 2), []byte{1, 2})
	require.Equal(t, driver.InvalidParameters, driver.StatusOf(err))

	_, err = d.newGraph("/definitely/not/a/dir")
	require.Equal(t, driver.InvalidParameters, driver.StatusOf(err))
	_, err = d.newGraph(t.TempDir())
	require.NoError(t, err)
}

func TestHandles(t *testing.T) {
	d := newTestDriver(t, "")
	g := must.M1(d.newGraph(""))
	in := tensors.CopyFlat([]float32{-1, 2})
	out := make([]byte, 8)
	x := must.M1(g.NewTensorFromHandle(f32Spec(tensors.Input, 2), in))
	y := must.M1(g.NewTensorFromHandle(f32Spec(tensors.Output, 2), out))
	node := must.M1(g.NewNode(driver.OpTypeAbs, nil))
	require.NoError(t, g.SetNodeIO(node, []driver.TensorID{x}, []driver.TensorID{y}))
	require.NoError(t, g.SetIO([]driver.TensorID{x}, []driver.TensorID{y}))
	require.NoError(t, g.Setup())
	require.NoError(t, g.Verify())
	require.NoError(t, g.FlushHandle(x))
	require.NoError(t, g.Run())
	require.NoError(t, g.InvalidateHandle(y))
	require.Equal(t, []float32{1, 2}, tensors.Flat[float32](out), "output handle aliases caller memory")

	_, err := g.NewTensorFromHandle(f32Spec(tensors.Input, 4), in)
	require.Equal(t, driver.InvalidParameters, driver.StatusOf(err))
	c := must.M1(g.NewTensor(f32Spec(tensors.Constant, 2), in))
	require.Equal(t, driver.InvalidParameters, driver.StatusOf(g.FlushHandle(c)))
}

func TestExportAndNBGNode(t *testing.T) {
	d := newTestDriver(t, "")
	g, _, _ := buildAddRelu(t, d)

	size, err := g.ExportBinary(nil)
	require.NoError(t, err)
	require.Greater(t, size, 0)
	_, err = g.ExportBinary(make([]byte, size-1))
	require.Equal(t, driver.InvalidParameters, driver.StatusOf(err))
	blob := make([]byte, size)
	written, err := g.ExportBinary(blob)
	require.NoError(t, err)
	require.Equal(t, size, written)

	// Load the NBG as a node of another graph.
	host := must.M1(d.newGraph(""))
	x := must.M1(host.NewTensor(f32Spec(tensors.Input, 4), nil))
	y := must.M1(host.NewTensor(tensors.Spec{Attr: tensors.Transient}, nil))
	z := must.M1(host.NewTensor(f32Spec(tensors.Output, 4), nil))
	_, err = host.NewNode(driver.OpTypeNBG, driver.NBGParams{Binary: blob, NumInputs: 2, NumOutputs: 1})
	require.Equal(t, driver.InvalidParameters, driver.StatusOf(err))
	_, err = host.NewNode(driver.OpTypeNBG, driver.NBGParams{Binary: blob[:size/2], NumInputs: 1, NumOutputs: 1})
	require.Equal(t, driver.InvalidParameters, driver.StatusOf(err))
	nbgNode := must.M1(host.NewNode(driver.OpTypeNBG, driver.NBGParams{Binary: blob, NumInputs: 1, NumOutputs: 1}))
	neg := must.M1(host.NewNode(driver.OpTypeNeg, nil))
	require.NoError(t, host.SetNodeIO(nbgNode, []driver.TensorID{x}, []driver.TensorID{y}))
	require.NoError(t, host.SetNodeIO(neg, []driver.TensorID{y}, []driver.TensorID{z}))
	require.NoError(t, host.SetIO([]driver.TensorID{x}, []driver.TensorID{z}))
	require.NoError(t, host.Setup())
	require.NoError(t, host.Verify())
	require.NoError(t, host.CopyToTensor(x, tensors.CopyFlat([]float32{1, -3, 2, 0.5})))
	require.NoError(t, host.Run())
	got := make([]byte, 16)
	require.NoError(t, host.CopyFromTensor(z, got))
	require.Equal(t, []float32{-2, 0, 0, -1.5}, tensors.Flat[float32](got))

	// Exporting a graph with an NBG node nests the binary.
	nested := make([]byte, must.M1(host.ExportBinary(nil)))
	_, err = host.ExportBinary(nested)
	require.NoError(t, err)
	reloaded := must.M1(d.instantiate(driver.NBGParams{Binary: nested, NumInputs: 1, NumOutputs: 1}, ""))
	require.Equal(t, 2, reloaded.NumNodes())
}

func TestDevice(t *testing.T) {
	d := newTestDriver(t, "devices=2,queue=1")
	_, err := d.OpenDevice(2)
	require.Equal(t, driver.InvalidParameters, driver.StatusOf(err))
	dev := must.M1(d.OpenDevice(1))
	require.Same(t, dev, must.M1(d.OpenDevice(1)))
	require.Equal(t, driver.DeviceID(1), dev.ID())

	var mu sync.Mutex
	var ran []int64
	d.SetHooks(Hooks{BeforeRun: func(g *Graph) {
		mu.Lock()
		ran = append(ran, g.ID())
		mu.Unlock()
	}})
	defer d.SetHooks(Hooks{})

	var graphs []*Graph
	for range 4 {
		g, x, _ := buildAddRelu(t, d)
		require.NoError(t, g.CopyToTensor(x, make([]byte, 16)))
		graphs = append(graphs, g)
	}
	var callbackErrs []error
	for _, g := range graphs[:2] {
		require.NoError(t, dev.GraphSubmit(g, func(err error) {
			mu.Lock()
			callbackErrs = append(callbackErrs, err)
			mu.Unlock()
		}))
	}
	require.NoError(t, dev.BatchSubmit([]driver.Graph{graphs[2], graphs[3]}, nil))
	require.NoError(t, dev.WaitThreadIdle(context.Background()))
	require.Equal(t, []int64{graphs[0].ID(), graphs[1].ID(), graphs[2].ID(), graphs[3].ID()}, ran, "FIFO order")
	require.Equal(t, []error{nil, nil}, callbackErrs)

	// Errors are reported once by WaitThreadIdle.
	unverified := must.M1(d.newGraph(""))
	require.NoError(t, dev.GraphSubmit(unverified, nil))
	require.Equal(t, driver.InvalidGraph, driver.StatusOf(dev.WaitThreadIdle(context.Background())))
	require.NoError(t, dev.WaitThreadIdle(context.Background()))

	require.NoError(t, dev.ThreadExit())
	require.NoError(t, dev.ThreadExit())
	require.Equal(t, driver.DeviceExited, driver.StatusOf(dev.GraphSubmit(graphs[0], nil)))
	require.NotSame(t, dev, must.M1(d.OpenDevice(1)), "exited device is restarted")
}

func TestDeviceTimeoutAndFailures(t *testing.T) {
	d := newTestDriver(t, "fail_dispatch=2")
	dev := must.M1(d.OpenDevice(0))
	g, x, _ := buildAddRelu(t, d)
	require.NoError(t, g.CopyToTensor(x, make([]byte, 16)))

	release := make(chan struct{})
	d.SetHooks(Hooks{BeforeRun: func(*Graph) { <-release }})
	require.NoError(t, dev.GraphSubmit(g, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Equal(t, driver.Timeout, driver.StatusOf(dev.WaitThreadIdle(ctx)))
	close(release)
	require.NoError(t, dev.WaitThreadIdle(context.Background()))
	d.SetHooks(Hooks{})

	// Second dispatch fails by configuration, third succeeds.
	require.NoError(t, dev.BatchSubmit([]driver.Graph{g, g}, nil))
	err := dev.WaitThreadIdle(context.Background())
	require.Equal(t, driver.Failure, driver.StatusOf(err))
	require.ErrorContains(t, err, "injected failure of dispatch #2")
}
