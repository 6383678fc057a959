// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements synchronization tools used by the device workers and the platform layer.
package xsync

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// DynamicWaitGroup is a WaitGroup-like synchronization primitive that allows the count
// to be changed (new values added) while someone is waiting for it.
//
// Unlike sync.WaitGroup, the waiting can be abandoned through a context (see WaitContext), which
// is how a device exposes an idle-wait with timeout.
//
// The zero value is ready to use. It must not be copied after first use.
type DynamicWaitGroup struct {
	mu    sync.Mutex
	count int64

	// idle is closed whenever count is 0. It is re-created when the count goes from 0 to positive.
	// nil means "closed", so the zero value starts idle.
	idle chan struct{}
}

// NewDynamicWaitGroup creates a new DynamicWaitGroup.
func NewDynamicWaitGroup() *DynamicWaitGroup {
	return &DynamicWaitGroup{}
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Add changes the DynamicWaitGroup counter by the given delta.
// If the counter becomes zero, all waiters are released.
// If the counter would go negative, it panics.
func (dwg *DynamicWaitGroup) Add(delta int) {
	dwg.mu.Lock()
	defer dwg.mu.Unlock()

	previous := dwg.count
	dwg.count += int64(delta)
	if dwg.count < 0 {
		panic(errors.Errorf("DynamicWaitGroup: negative counter"))
	}
	switch {
	case previous == 0 && dwg.count > 0:
		dwg.idle = make(chan struct{})
	case previous > 0 && dwg.count == 0:
		close(dwg.idle)
		dwg.idle = nil
	}
}

// Done decrements the DynamicWaitGroup counter by one.
func (dwg *DynamicWaitGroup) Done() {
	dwg.Add(-1)
}

// Count returns the current value of the counter.
func (dwg *DynamicWaitGroup) Count() int {
	dwg.mu.Lock()
	defer dwg.mu.Unlock()
	return int(dwg.count)
}

// IdleChan returns a channel that is closed once the counter is (or reaches) zero.
//
// The returned channel reflects the counter at the time of the call: if work is added after
// the channel is closed, a new call is needed to wait for it.
func (dwg *DynamicWaitGroup) IdleChan() <-chan struct{} {
	dwg.mu.Lock()
	defer dwg.mu.Unlock()
	if dwg.idle == nil {
		return closedChan
	}
	return dwg.idle
}

// Wait blocks until the DynamicWaitGroup counter is zero.
func (dwg *DynamicWaitGroup) Wait() {
	_ = dwg.WaitContext(context.Background())
}

// WaitContext blocks until the DynamicWaitGroup counter is zero or ctx is done.
// It returns ctx.Err() in the latter case.
//
// Work added while waiting extends the wait: it only returns nil when the counter is observed at zero.
func (dwg *DynamicWaitGroup) WaitContext(ctx context.Context) error {
	for {
		idle := dwg.IdleChan()
		select {
		case <-idle:
			if dwg.Count() == 0 {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
