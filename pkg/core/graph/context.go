// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/timvx/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context owns the connection to the driver and creates Graphs.
//
// It is shared by the Graphs it creates and by the platform Executors that compile them.
type Context struct {
	drv           driver.Driver
	resourcePath  string
	constantCache bool
}

// ContextOption configures a Context, see NewContext.
type ContextOption func(ctx *Context)

// WithResourcePath sets the directory the driver loads kernel resources from, for all graphs of the Context.
// It takes precedence over the process default set with InitDefaultResourcePath.
func WithResourcePath(path string) ContextOption {
	return func(ctx *Context) {
		ctx.resourcePath = path
	}
}

// WithConstantCache enables content-addressed deduplication of constant tensors within each Graph:
// creating a CONSTANT tensor with the same spec and content as a previous one returns the previous one.
func WithConstantCache() ContextOption {
	return func(ctx *Context) {
		ctx.constantCache = true
	}
}

var (
	muDefaultResourcePath sync.Mutex
	defaultResourcePath   string
	defaultResourceSet    bool
	contextCreated        atomic.Bool
)

// InitDefaultResourcePath sets the process-wide default resource path, used by Contexts created
// without WithResourcePath.
//
// It can be called only once, and before any Context is created: later calls return an error
// and leave the default unchanged.
func InitDefaultResourcePath(path string) error {
	muDefaultResourcePath.Lock()
	defer muDefaultResourcePath.Unlock()
	if defaultResourceSet {
		return errors.Errorf("default resource path already initialized to %q", defaultResourcePath)
	}
	if contextCreated.Load() {
		return errors.New("default resource path must be initialized before any graph.Context is created")
	}
	defaultResourcePath = path
	defaultResourceSet = true
	klog.V(1).Infof("default resource path set to %q", path)
	return nil
}

// NewContext creates a Context for the given driver.
func NewContext(drv driver.Driver, options ...ContextOption) (*Context, error) {
	if drv == nil {
		return nil, errors.New("graph.NewContext requires a non-nil driver")
	}
	muDefaultResourcePath.Lock()
	contextCreated.Store(true)
	ctx := &Context{drv: drv, resourcePath: defaultResourcePath}
	muDefaultResourcePath.Unlock()
	for _, option := range options {
		option(ctx)
	}
	return ctx, nil
}

// Driver returns the driver of the Context.
func (ctx *Context) Driver() driver.Driver { return ctx.drv }

// ResourcePath returns the kernel resource path used for new graphs.
func (ctx *Context) ResourcePath() string { return ctx.resourcePath }

// ConstantCacheEnabled returns whether constant tensors are deduplicated.
func (ctx *Context) ConstantCacheEnabled() bool { return ctx.constantCache }

// CreateGraph creates an empty Graph. At most one CompileOption can be given; it is applied when
// the graph is compiled.
func (ctx *Context) CreateGraph(options ...CompileOption) (*Graph, error) {
	if len(options) > 1 {
		return nil, errors.Errorf("CreateGraph accepts at most one CompileOption, got %d", len(options))
	}
	var option CompileOption
	if len(options) == 1 {
		option = options[0]
	}
	return newGraph(ctx, option)
}
