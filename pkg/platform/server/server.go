// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package server exposes the platform API (devices, executors, executables and tensors) as an
// HTTP/JSON service, so that a remote host can schedule NBGs on the NPUs of this one.
//
// Routes, all under /v1:
//
//	POST /enumerate                     -> DeviceCount
//	POST /executors                     CreateExecutorRequest -> ExecutorResponse
//	POST /executables                   CreateExecutableRequest -> ExecutableResponse
//	POST /tensors                       AllocateTensorRequest -> TensorResponse
//	POST /executables/:id/inputs        IORequest -> StatusResponse
//	POST /executables/:id/outputs       IORequest -> StatusResponse
//	POST /executables/:id/submit        -> StatusResponse
//	POST /executors/:id/trigger         -> StatusResponse
//	PUT  /tensors/:id/data              TensorData -> StatusResponse
//	GET  /tensors/:id/data              -> TensorData
//	POST /clean                         -> StatusResponse
//
// Errors are returned as ErrorResponse, with the status.Kind of the failure. Client is the Go client.
package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gomlx/timvx/pkg/core/graph"
	"github.com/gomlx/timvx/pkg/core/status"
	"github.com/gomlx/timvx/pkg/core/tensors"
	"github.com/gomlx/timvx/pkg/platform"
	"github.com/gomlx/timvx/pkg/platform/lite"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Server holds the handle tables of the platform service.
type Server struct {
	ctx *graph.Context

	// schedMu serializes Submit and Trigger, executors task lists are not goroutine safe.
	schedMu sync.Mutex

	mu          sync.Mutex
	devices     map[int]platform.Device
	executors   map[int]platform.Executor
	executables map[uuid.UUID]platform.Executable
	tensors     map[uuid.UUID]platform.TensorHandle
}

// New creates a platform service creating its graphs with ctx.
func New(ctx *graph.Context) *Server {
	return &Server{
		ctx:         ctx,
		devices:     make(map[int]platform.Device),
		executors:   make(map[int]platform.Executor),
		executables: make(map[uuid.UUID]platform.Executable),
		tensors:     make(map[uuid.UUID]platform.TensorHandle),
	}
}

// Handler returns the HTTP handler with all the routes.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.HandleMethodNotAllowed = true
	v1 := r.Group("/v1")
	v1.POST("/enumerate", s.EnumerateHandler)
	v1.POST("/executors", s.CreateExecutorHandler)
	v1.POST("/executors/:id/trigger", s.TriggerHandler)
	v1.POST("/executables", s.CreateExecutableHandler)
	v1.POST("/executables/:id/inputs", s.SetInputHandler)
	v1.POST("/executables/:id/outputs", s.SetOutputHandler)
	v1.POST("/executables/:id/submit", s.SubmitHandler)
	v1.POST("/tensors", s.AllocateTensorHandler)
	v1.PUT("/tensors/:id/data", s.CopyDataToTensorHandler)
	v1.GET("/tensors/:id/data", s.CopyDataFromTensorHandler)
	v1.POST("/clean", s.CleanHandler)
	return r
}

// ListenAndServe serves the platform service on addr until it fails.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	klog.Infof("platform server listening on %s", addr)
	return srv.ListenAndServe()
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		klog.V(1).Infof("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

var errNotFound = errors.New("handle not found")

// abort replies with the error, mapping its status.Kind to an HTTP status code.
func abort(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	kind := status.KindOf(err)
	switch {
	case errors.Is(err, errNotFound):
		code = http.StatusNotFound
	case kind == status.InvalidArgument:
		code = http.StatusBadRequest
	case kind == status.Access:
		code = http.StatusForbidden
	case kind == status.Ordering:
		code = http.StatusConflict
	case kind == status.Unsupported:
		code = http.StatusNotImplemented
	}
	resp := ErrorResponse{Error: err.Error()}
	if kind != status.Unknown {
		resp.Kind = kind.String()
	}
	klog.V(1).Infof("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	c.AbortWithStatusJSON(code, resp)
}

func badRequest(err error) error {
	return status.Wrapf(err, status.InvalidArgument, status.NoHandle, "invalid request")
}

func lookup[K comparable, V any](s *Server, table map[K]V, key K, what string) (V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, found := table[key]
	if !found {
		return v, errors.Wrapf(errNotFound, "%s %v", what, key)
	}
	return v, nil
}

func parseUUID(c *gin.Context, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		abort(c, badRequest(err))
		return uuid.Nil, false
	}
	return id, true
}

// EnumerateHandler opens all devices.
func (s *Server) EnumerateHandler(c *gin.Context) {
	devices, err := platform.Enumerate(s.ctx)
	if err != nil {
		abort(c, err)
		return
	}
	s.mu.Lock()
	for ii, dev := range devices {
		s.devices[ii] = dev
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, DeviceCount{Count: len(devices)})
}

// CreateExecutorHandler creates an executor for an enumerated device.
func (s *Server) CreateExecutorHandler(c *gin.Context) {
	var req CreateExecutorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, badRequest(err))
		return
	}
	device, err := lookup(s, s.devices, req.Device, "device")
	if err != nil {
		abort(c, err)
		return
	}
	var executor platform.Executor
	if req.Lite {
		executor, err = lite.NewExecutor(device, s.ctx)
		if err != nil {
			abort(c, err)
			return
		}
	} else {
		executor = platform.NewNativeExecutor(device, s.ctx)
	}
	s.mu.Lock()
	s.executors[req.Device] = executor
	s.mu.Unlock()
	c.JSON(http.StatusOK, ExecutorResponse{Executor: req.Device})
}

// CreateExecutableHandler loads an NBG into an executor.
func (s *Server) CreateExecutableHandler(c *gin.Context) {
	var req CreateExecutableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, badRequest(err))
		return
	}
	executor, err := lookup(s, s.executors, req.Executor, "executor")
	if err != nil {
		abort(c, err)
		return
	}
	var executable platform.Executable
	switch e := executor.(type) {
	case *lite.Executor:
		executable, err = lite.NewExecutable(e, req.NBG)
	default:
		executable, err = platform.NewNativeExecutable(e, req.NBG, req.InputSize, req.OutputSize)
	}
	if err != nil {
		abort(c, err)
		return
	}
	id := uuid.New()
	s.mu.Lock()
	s.executables[id] = executable
	s.mu.Unlock()
	c.JSON(http.StatusOK, ExecutableResponse{Executable: id.String()})
}

// AllocateTensorHandler allocates a tensor for an executable.
func (s *Server) AllocateTensorHandler(c *gin.Context) {
	var req AllocateTensorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, badRequest(err))
		return
	}
	execID, ok := parseUUID(c, req.Executable)
	if !ok {
		return
	}
	executable, err := lookup(s, s.executables, execID, "executable")
	if err != nil {
		abort(c, err)
		return
	}
	spec, err := req.Spec.ToSpec()
	if err != nil {
		abort(c, badRequest(err))
		return
	}
	th, err := executable.AllocateTensor(spec)
	if err != nil {
		abort(c, err)
		return
	}
	id := uuid.New()
	s.mu.Lock()
	s.tensors[id] = th
	s.mu.Unlock()
	c.JSON(http.StatusOK, TensorResponse{Tensor: id.String()})
}

func (s *Server) bindIO(c *gin.Context, input bool) {
	execID, ok := parseUUID(c, c.Param("id"))
	if !ok {
		return
	}
	var req IORequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, badRequest(err))
		return
	}
	tensorID, ok := parseUUID(c, req.Tensor)
	if !ok {
		return
	}
	executable, err := lookup(s, s.executables, execID, "executable")
	if err != nil {
		abort(c, err)
		return
	}
	th, err := lookup(s, s.tensors, tensorID, "tensor")
	if err != nil {
		abort(c, err)
		return
	}
	if input {
		if !th.Spec().Attr.Has(tensors.Input) {
			klog.Warningf("binding non-input tensor %s as input of executable %s", tensorID, execID)
		}
		err = executable.SetInput(th)
	} else {
		if !th.Spec().Attr.Has(tensors.Output) {
			klog.Warningf("binding non-output tensor %s as output of executable %s", tensorID, execID)
		}
		err = executable.SetOutput(th)
	}
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: true})
}

// SetInputHandler binds the next input of an executable.
func (s *Server) SetInputHandler(c *gin.Context) { s.bindIO(c, true) }

// SetOutputHandler binds the next output of an executable.
func (s *Server) SetOutputHandler(c *gin.Context) { s.bindIO(c, false) }

// SubmitHandler appends an executable to the task list of its executor.
func (s *Server) SubmitHandler(c *gin.Context) {
	execID, ok := parseUUID(c, c.Param("id"))
	if !ok {
		return
	}
	executable, err := lookup(s, s.executables, execID, "executable")
	if err != nil {
		abort(c, err)
		return
	}
	s.schedMu.Lock()
	err = executable.Submit(executable, true)
	s.schedMu.Unlock()
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: true})
}

// TriggerHandler triggers an executor and waits for its device.
func (s *Server) TriggerHandler(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		abort(c, badRequest(err))
		return
	}
	executor, err := lookup(s, s.executors, id, "executor")
	if err != nil {
		abort(c, err)
		return
	}
	s.schedMu.Lock()
	err = executor.Trigger(c.Request.Context(), false)
	s.schedMu.Unlock()
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: true})
}

// CopyDataToTensorHandler writes the contents of a tensor.
func (s *Server) CopyDataToTensorHandler(c *gin.Context) {
	id, ok := parseUUID(c, c.Param("id"))
	if !ok {
		return
	}
	var req TensorData
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, badRequest(err))
		return
	}
	th, err := lookup(s, s.tensors, id, "tensor")
	if err != nil {
		abort(c, err)
		return
	}
	if err := th.CopyDataToTensor(req.Data); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: true})
}

// CopyDataFromTensorHandler reads the contents of a tensor.
func (s *Server) CopyDataFromTensorHandler(c *gin.Context) {
	id, ok := parseUUID(c, c.Param("id"))
	if !ok {
		return
	}
	th, err := lookup(s, s.tensors, id, "tensor")
	if err != nil {
		abort(c, err)
		return
	}
	data := make([]byte, th.Spec().ByteSize())
	if err := th.CopyDataFromTensor(data); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, TensorData{Data: data})
}

// CleanHandler drops all executors, executables and tensors. Devices stay open.
func (s *Server) CleanHandler(c *gin.Context) {
	s.mu.Lock()
	clear(s.executors)
	clear(s.executables)
	clear(s.tensors)
	s.mu.Unlock()
	c.JSON(http.StatusOK, StatusResponse{Status: true})
}
