// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/timvx/driver"
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

type testEnv struct {
	drv     *simnpu.Driver
	ctx     *graph.Context
	devices []Device

	mu     sync.Mutex
	events []string
}

func newTestEnv(t *testing.T, config string) *testEnv {
	drv, err := simnpu.NewDriver(config)
	require.NoError(t, err)
	t.Cleanup(drv.Finalize)
	env := &testEnv{drv: drv, ctx: must.M1(graph.NewContext(drv))}
	env.devices = must.M1(Enumerate(env.ctx))
	return env
}

// recordRuns installs hooks recording the start and end of every dispatched graph.
func (env *testEnv) recordRuns() {
	env.drv.SetHooks(simnpu.Hooks{
		BeforeRun: func(g *simnpu.Graph) { env.record(fmt.Sprintf("start#%d", g.ID())) },
		AfterRun:  func(g *simnpu.Graph, _ error) { env.record(fmt.Sprintf("end#%d", g.ID())) },
	})
}

func (env *testEnv) record(event string) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.events = append(env.events, event)
}

func (env *testEnv) takeEvents() []string {
	env.mu.Lock()
	defer env.mu.Unlock()
	events := env.events
	env.events = nil
	return events
}

func simID(e Executable) int64 {
	return e.NBGraph().DriverGraph().(*simnpu.Graph).ID()
}

func f32Spec(attr tensors.Attribute, dims ...int) tensors.Spec {
	return tensors.NewSpec(dtypes.Float32, attr, dims...)
}

// buildAddRelu builds y = relu(x + c) for 4 elements.
func buildAddRelu(t *testing.T, ctx *graph.Context, c []float32) *graph.Graph {
	g := must.M1(ctx.CreateGraph())
	t.Cleanup(g.Finalize)
	x := must.M1(g.CreateTensor(f32Spec(tensors.Input, 4), nil))
	cT := must.M1(g.CreateTensor(f32Spec(tensors.Constant, 4), tensors.CopyFlat(c)))
	tmp := must.M1(g.CreateTensorPlaceHolder())
	y := must.M1(g.CreateTensor(f32Spec(tensors.Output, 4), nil))
	must.M1(g.CreateOperation(ops.Add())).BindInputs(x, cT).BindOutput(tmp)
	must.M1(g.CreateOperation(ops.Relu())).BindInput(tmp).BindOutput(y)
	return g
}

type compiled struct {
	exec    Executable
	in, out TensorHandle
}

func compileAddRelu(t *testing.T, executor Executor, c []float32) *compiled {
	g := buildAddRelu(t, executor.Context(), c)
	exec := must.M1(Compile(g, executor))
	m := &compiled{exec: exec}
	m.in = must.M1(exec.AllocateTensor(f32Spec(tensors.Input, 4)))
	m.out = must.M1(exec.AllocateTensor(f32Spec(tensors.Output, 4)))
	require.NoError(t, exec.SetInput(m.in))
	require.NoError(t, exec.SetOutput(m.out))
	return m
}

func (m *compiled) write(t *testing.T, values ...float32) {
	require.NoError(t, m.in.CopyDataToTensor(tensors.CopyFlat(values)))
}

func (m *compiled) read(t *testing.T) []float32 {
	buf := make([]byte, m.out.Spec().ByteSize())
	require.NoError(t, m.out.CopyDataFromTensor(buf))
	return tensors.Flat[float32](buf)
}

func TestEnumerate(t *testing.T) {
	env := newTestEnv(t, "workers=0,devices=2")
	require.Len(t, env.devices, 2)
	for ii, dev := range env.devices {
		require.Equal(t, driver.DeviceID(ii), dev.ID())
	}
	env.devices[0].RemoteReset()
}

func TestExecutableTrigger(t *testing.T) {
	env := newTestEnv(t, "workers=0")
	executor := NewNativeExecutor(env.devices[0], env.ctx)
	require.Same(t, env.ctx, executor.Context())
	m := compileAddRelu(t, executor, []float32{1, 1, -10, 1})
	require.Same(t, executor, m.exec.Executor())
	require.NoError(t, m.exec.Verify())
	m.write(t, 1, 2, 3, 4)
	require.NoError(t, m.exec.Trigger(context.Background(), false))
	require.Equal(t, []float32{2, 3, 0, 5}, m.read(t))
	require.NoError(t, m.exec.GetOutput(nil))

	// Handles of another executable are rejected.
	other := compileAddRelu(t, executor, []float32{0, 0, 0, 0})
	require.True(t, status.Is(m.exec.SetInput(other.in), status.InvalidArgument))
	require.True(t, status.Is(m.exec.SetInput(nil), status.InvalidArgument))
}

func TestSubmitOrdering(t *testing.T) {
	env := newTestEnv(t, "workers=0")
	env.recordRuns()
	executor := NewNativeExecutor(env.devices[0], env.ctx)
	a := compileAddRelu(t, executor, []float32{1, 1, 1, 1})
	b := compileAddRelu(t, executor, []float32{2, 2, 2, 2})
	c := compileAddRelu(t, executor, []float32{3, 3, 3, 3})
	d := compileAddRelu(t, executor, []float32{4, 4, 4, 4})
	require.NoError(t, a.exec.Submit(a.exec, false))
	require.NoError(t, b.exec.Submit(a.exec, true))
	require.NoError(t, c.exec.Submit(a.exec, false))

	want := []Executable{c.exec, a.exec, b.exec}
	checkTasks := func() {
		tasks := executor.Tasks()
		require.Len(t, tasks, len(want))
		for ii := range want {
			require.Same(t, want[ii], tasks[ii], "task #%d", ii)
		}
	}
	checkTasks()

	require.NoError(t, d.exec.Submit(d.exec, false))
	want = append(want, d.exec)
	checkTasks()

	// Unknown reference: list unchanged.
	e := compileAddRelu(t, executor, []float32{5, 5, 5, 5})
	f := compileAddRelu(t, executor, []float32{6, 6, 6, 6})
	err := f.exec.Submit(e.exec, true)
	require.True(t, status.Is(err, status.Ordering), "got %v", err)
	checkTasks()

	for _, m := range []*compiled{a, b, c, d} {
		m.write(t, 0, 0, 0, 0)
	}
	require.NoError(t, executor.Trigger(context.Background(), false))
	require.Empty(t, executor.Tasks())
	var wantEvents []string
	for _, exec := range want {
		wantEvents = append(wantEvents, fmt.Sprintf("start#%d", simID(exec)), fmt.Sprintf("end#%d", simID(exec)))
	}
	require.Equal(t, wantEvents, env.takeEvents())
	require.Equal(t, []float32{3, 3, 3, 3}, c.read(t))
	require.Equal(t, []float32{4, 4, 4, 4}, d.read(t))
}

func TestSubmitVerifyFailure(t *testing.T) {
	env := newTestEnv(t, "workers=0")
	executor := NewNativeExecutor(env.devices[0], env.ctx)
	g := buildAddRelu(t, env.ctx, []float32{1, 1, 1, 1})
	exec := must.M1(executor.Compile(g))
	// Inputs and outputs not bound: the NBG operation can't be set up.
	err := exec.Submit(exec, true)
	require.True(t, status.Is(err, status.Compile), "got %v", err)
	require.Empty(t, executor.Tasks())
	require.Error(t, executor.Submit(nil, exec, true))
}

func TestTwoStagePipeline(t *testing.T) {
	env := newTestEnv(t, "workers=0")
	env.recordRuns()
	executor := NewNativeExecutor(env.devices[0], env.ctx)

	// The output of the first stage and the input of the second share the same host buffer.
	shared := make([]byte, f32Spec(tensors.Output, 4).ByteSize())
	e1 := must.M1(Compile(buildAddRelu(t, env.ctx, []float32{1, 1, -10, 1}), executor))
	in1 := must.M1(e1.AllocateTensor(f32Spec(tensors.Input, 4)))
	out1 := NewNativeTensorHandle(must.M1(e1.NBGraph().CreateTensorWithHandle(f32Spec(tensors.Output, 4), shared)))
	require.NoError(t, e1.SetInput(in1))
	require.NoError(t, e1.SetOutput(out1))
	e2 := must.M1(Compile(buildAddRelu(t, env.ctx, []float32{-2, -2, -2, -2}), executor))
	in2 := NewNativeTensorHandle(must.M1(e2.NBGraph().CreateTensorWithHandle(f32Spec(tensors.Input, 4), shared)))
	out2 := must.M1(e2.AllocateTensor(f32Spec(tensors.Output, 4)))
	require.NoError(t, e2.SetInput(in2))
	require.NoError(t, e2.SetOutput(out2))

	require.NoError(t, executor.Submit(e1, e1, true))
	require.NoError(t, executor.Submit(e2, e1, true))
	tasks := executor.Tasks()
	require.Len(t, tasks, 2)
	require.Same(t, e1, tasks[0])
	require.Same(t, e2, tasks[1])

	require.NoError(t, in1.CopyDataToTensor(tensors.CopyFlat([]float32{1, 2, 3, 4})))
	require.NoError(t, executor.Trigger(context.Background(), false))
	require.Empty(t, executor.Tasks())
	require.Equal(t, []float32{2, 3, 0, 5}, tensors.Flat[float32](shared))
	buf := make([]byte, out2.Spec().ByteSize())
	require.NoError(t, out2.CopyDataFromTensor(buf))
	require.Equal(t, []float32{0, 1, 0, 3}, tensors.Flat[float32](buf))

	id1, id2 := simID(e1), simID(e2)
	require.Equal(t, []string{
		fmt.Sprintf("start#%d", id1), fmt.Sprintf("end#%d", id1),
		fmt.Sprintf("start#%d", id2), fmt.Sprintf("end#%d", id2),
	}, env.takeEvents())
}

// countingDevice counts the calls to Trigger.
type countingDevice struct {
	*NativeDevice
	triggers int
}

func (d *countingDevice) Trigger(ctx context.Context, async bool, cb func(error)) error {
	d.triggers++
	return d.NativeDevice.Trigger(ctx, async, cb)
}

func TestExecutableSet(t *testing.T) {
	env := newTestEnv(t, "workers=0")
	env.recordRuns()
	device := &countingDevice{NativeDevice: env.devices[0].(*NativeDevice)}
	executor := NewNativeExecutor(device, env.ctx)
	a := compileAddRelu(t, executor, []float32{1, 1, 1, 1})
	b := compileAddRelu(t, executor, []float32{2, 2, 2, 2})
	unbound := must.M1(executor.Compile(buildAddRelu(t, env.ctx, []float32{0, 0, 0, 0})))

	_, err := CreateExecutableSet()
	require.Error(t, err)

	// Verify returns the result of the last constituent.
	require.NoError(t, must.M1(CreateExecutableSet(unbound, a.exec)).Verify())
	require.Error(t, must.M1(CreateExecutableSet(a.exec, unbound)).Verify())

	set := must.M1(CreateExecutableSet(a.exec, b.exec))
	require.Same(t, executor, set.Executor())
	require.Len(t, set.Executables(), 2)
	require.Nil(t, set.NBGraph())
	_, err = set.AllocateTensor(f32Spec(tensors.Input, 4))
	require.True(t, status.Is(err, status.Unsupported), "got %v", err)
	require.NoError(t, set.SetInput(nil))
	require.NoError(t, set.SetOutput(nil))
	require.NoError(t, set.GetOutput(nil))

	a.write(t, 1, 2, 3, 4)
	b.write(t, 1, 2, 3, 4)
	require.NoError(t, set.Submit(set, true))
	require.NoError(t, executor.Trigger(context.Background(), false))
	require.Equal(t, 1, device.triggers)
	require.Equal(t, []float32{2, 3, 4, 5}, a.read(t))
	require.Equal(t, []float32{3, 4, 5, 6}, b.read(t))
	require.Equal(t, []string{
		fmt.Sprintf("start#%d", simID(a.exec)), fmt.Sprintf("end#%d", simID(a.exec)),
		fmt.Sprintf("start#%d", simID(b.exec)), fmt.Sprintf("end#%d", simID(b.exec)),
	}, env.takeEvents())

	// A set with an invalid constituent leaves nothing behind in the device queue.
	c := compileAddRelu(t, executor, []float32{3, 3, 3, 3})
	c.exec.NBGraph().Finalize()
	broken := must.M1(CreateExecutableSet(a.exec, c.exec))
	err = broken.Trigger(context.Background(), false)
	require.True(t, status.Is(err, status.InvalidArgument), "got %v", err)
	require.Equal(t, 0, device.Pending())
	require.Equal(t, 1, device.triggers)
	require.Empty(t, env.takeEvents())
}

func TestWeakTasks(t *testing.T) {
	env := newTestEnv(t, "workers=0")
	executor := NewNativeExecutor(env.devices[0], env.ctx)
	kept := compileAddRelu(t, executor, []float32{1, 1, 1, 1})
	require.NoError(t, kept.exec.Submit(kept.exec, true))
	func() {
		dropped := compileAddRelu(t, executor, []float32{2, 2, 2, 2})
		require.NoError(t, dropped.exec.Submit(kept.exec, true))
	}()
	require.Len(t, executor.Tasks(), 2)
	runtime.GC()
	runtime.GC()
	require.Len(t, executor.Tasks(), 1)
	kept.write(t, 1, 2, 3, 4)
	require.NoError(t, executor.Trigger(context.Background(), false))
	require.Equal(t, []float32{2, 3, 4, 5}, kept.read(t))
}

func TestAsyncTrigger(t *testing.T) {
	env := newTestEnv(t, "workers=0")
	release := make(chan struct{})
	env.drv.SetHooks(simnpu.Hooks{BeforeRun: func(*simnpu.Graph) { <-release }})
	executor := NewNativeExecutor(env.devices[0], env.ctx)
	m := compileAddRelu(t, executor, []float32{1, 1, 1, 1})
	require.NoError(t, m.exec.Submit(m.exec, true))
	m.write(t, 1, 2, 3, 4)

	ctx := context.Background()
	require.NoError(t, executor.Trigger(ctx, true))

	// The graph is blocked in the hook: waiting times out.
	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := env.devices[0].WaitDeviceIdle(timeoutCtx)
	require.True(t, status.Is(err, status.Dispatch), "got %v", err)
	require.Equal(t, driver.Timeout, driver.StatusOf(err))

	close(release)
	require.NoError(t, env.devices[0].WaitDeviceIdle(ctx))
	require.Equal(t, []float32{2, 3, 4, 5}, m.read(t))
}

func TestDispatchFailures(t *testing.T) {
	env := newTestEnv(t, "workers=0,fail_dispatch=1")
	ctx := context.Background()
	executor := NewNativeExecutor(env.devices[0], env.ctx)
	m := compileAddRelu(t, executor, []float32{1, 1, 1, 1})
	m.write(t, 1, 2, 3, 4)
	err := m.exec.Trigger(ctx, false)
	require.True(t, status.Is(err, status.Dispatch), "got %v", err)
	require.Equal(t, driver.Failure, driver.StatusOf(err))
	require.NoError(t, m.exec.Trigger(ctx, false))
	require.Equal(t, []float32{2, 3, 4, 5}, m.read(t))

	// Cancelled context: nothing is dispatched.
	device := env.devices[0].(*NativeDevice)
	require.NoError(t, device.Submit(m.exec.NBGraph()))
	require.Equal(t, 1, device.Pending())
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, device.Trigger(cancelled, false, nil))
	require.Zero(t, device.Pending())
	require.Error(t, device.Submit(nil))

	require.NoError(t, device.DeviceExit())
	err = m.exec.Trigger(ctx, false)
	require.True(t, status.Is(err, status.Dispatch), "got %v", err)
	require.Equal(t, driver.DeviceExited, driver.StatusOf(err))
}

func TestDeviceTriggerGraphs(t *testing.T) {
	env := newTestEnv(t, "workers=0")
	device := env.devices[0]
	g := buildAddRelu(t, env.ctx, []float32{1, 1, 1, 1})
	x, y := g.InputsTensor()[0], g.OutputsTensor()[0]
	require.NoError(t, x.CopyDataToTensor(tensors.CopyFlat([]float32{-3, -2, -1, 0})))
	var results []error
	var mu sync.Mutex
	require.NoError(t, device.Submit(g))
	require.NoError(t, device.Trigger(context.Background(), false, func(err error) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, err)
	}))
	mu.Lock()
	require.Equal(t, []error{nil}, results)
	mu.Unlock()
	out := make([]byte, 16)
	require.NoError(t, y.CopyDataFromTensor(out))
	require.Equal(t, []float32{0, 0, 0, 1}, tensors.Flat[float32](out))
}

func TestTriggerAll(t *testing.T) {
	env := newTestEnv(t, "workers=0,devices=2")
	var executors []Executor
	var models []*compiled
	for _, device := range env.devices {
		executor := NewNativeExecutor(device, env.ctx)
		m := compileAddRelu(t, executor, []float32{float32(device.ID()), 0, 0, 0})
		require.NoError(t, m.exec.Submit(m.exec, true))
		m.write(t, 1, 1, 1, 1)
		executors = append(executors, executor)
		models = append(models, m)
	}
	require.NoError(t, TriggerAll(context.Background(), executors...))
	require.Equal(t, []float32{1, 1, 1, 1}, models[0].read(t))
	require.Equal(t, []float32{2, 1, 1, 1}, models[1].read(t))
	require.Equal(t, driver.DeviceID(1), *models[1].exec.NBGraph().Option().DeviceID)
}
