// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gomlx/timvx/driver/simnpu"
	"github.com/gomlx/timvx/pkg/core/dtypes"
	"github.com/gomlx/timvx/pkg/core/graph"
	"github.com/gomlx/timvx/pkg/core/ops"
	"github.com/gomlx/timvx/pkg/core/tensors"
	"github.com/gomlx/timvx/pkg/platform"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
	gin.SetMode(gin.TestMode)
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}

func f32Spec(attr tensors.Attribute, dims ...int) tensors.Spec {
	return tensors.NewSpec(dtypes.Float32, attr, dims...)
}

// newTestServer starts a server and returns a client to it, plus an NBG computing y = 2*x on 3 elements.
func newTestServer(t *testing.T) (*Client, []byte) {
	drv := must.M1(simnpu.NewDriver("workers=0"))
	t.Cleanup(drv.Finalize)
	ctx := must.M1(graph.NewContext(drv))

	g := must.M1(ctx.CreateGraph())
	t.Cleanup(g.Finalize)
	x := must.M1(g.CreateTensor(f32Spec(tensors.Input, 3), nil))
	two := must.M1(g.CreateTensor(f32Spec(tensors.Constant, 3), tensors.CopyFlat([]float32{2, 2, 2})))
	y := must.M1(g.CreateTensor(f32Spec(tensors.Output, 3), nil))
	must.M1(g.CreateOperation(ops.Multiply())).BindInputs(x, two).BindOutput(y)
	devices := must.M1(platform.Enumerate(ctx))
	blob := must.M1(platform.CompileToNBG(g, devices[0]))

	ts := httptest.NewServer(New(ctx).Handler())
	t.Cleanup(ts.Close)
	return NewClient(must.M1(url.Parse(ts.URL)), ts.Client()), blob
}

func runDouble(t *testing.T, client *Client, blob []byte, lite bool) {
	bg := context.Background()
	count, err := client.Enumerate(bg)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	executor, err := client.CreateExecutor(bg, 0, lite)
	require.NoError(t, err)
	exec, err := client.CreateExecutable(bg, executor, blob, 1, 1)
	require.NoError(t, err)
	in, err := client.AllocateTensor(bg, exec, f32Spec(tensors.Input, 3))
	require.NoError(t, err)
	out, err := client.AllocateTensor(bg, exec, f32Spec(tensors.Output, 3))
	require.NoError(t, err)
	require.NoError(t, client.SetInput(bg, exec, in))
	require.NoError(t, client.SetOutput(bg, exec, out))
	require.NoError(t, client.CopyDataToTensor(bg, in, tensors.CopyFlat([]float32{1, -2, 3.5})))
	require.NoError(t, client.Submit(bg, exec))
	require.NoError(t, client.Trigger(bg, executor))

	data, err := client.CopyDataFromTensor(bg, out)
	require.NoError(t, err)
	require.Equal(t, []float32{2, -4, 7}, tensors.Flat[float32](data))
}

func TestNativeFlow(t *testing.T) {
	client, blob := newTestServer(t)
	runDouble(t, client, blob, false)
}

func TestLiteFlow(t *testing.T) {
	client, blob := newTestServer(t)
	runDouble(t, client, blob, true)
}

func TestErrors(t *testing.T) {
	client, blob := newTestServer(t)
	bg := context.Background()

	// Devices must be enumerated before creating executors.
	_, err := client.CreateExecutor(bg, 0, false)
	var statusErr StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)

	must.M1(client.Enumerate(bg))
	executor := must.M1(client.CreateExecutor(bg, 0, false))
	exec := must.M1(client.CreateExecutable(bg, executor, blob, 1, 1))

	// Invalid handle and invalid attribute.
	err = client.Submit(bg, "not-a-uuid")
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	require.Equal(t, "InvalidArgument", statusErr.Kind)
	_, err = client.AllocateTensor(bg, exec, f32Spec(tensors.Constant, 3))
	require.Error(t, err)

	// Reading an input tensor is not allowed.
	in := must.M1(client.AllocateTensor(bg, exec, f32Spec(tensors.Input, 3)))
	_, err = client.CopyDataFromTensor(bg, in)
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusForbidden, statusErr.StatusCode)
	require.Equal(t, "Access", statusErr.Kind)

	// After Clean the handles are gone.
	require.NoError(t, client.Clean(bg))
	err = client.Submit(bg, exec)
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestSpecConversion(t *testing.T) {
	spec := tensors.NewSpec(dtypes.Uint8, tensors.Output, 1, 4)
	spec.Quant = tensors.NewAsymmetric(0.5, 3)
	ts, err := FromSpec(spec)
	require.NoError(t, err)
	require.Equal(t, "OUTPUT", ts.Attr)
	require.Equal(t, "ASYMMETRIC", ts.Quant.Type)
	back, err := ts.ToSpec()
	require.NoError(t, err)
	require.True(t, spec.Equal(back), "got %s, wanted %s", back, spec)

	_, err = TensorSpec{DType: "Float32", Shape: []int{-1}, Attr: "INPUT"}.ToSpec()
	require.Error(t, err)
	_, err = TensorSpec{DType: "Float32", Shape: []int{2}, Attr: "TRANSIENT"}.ToSpec()
	require.Error(t, err)
}
