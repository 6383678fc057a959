// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDynamicWaitGroup(t *testing.T) {
	var dwg DynamicWaitGroup
	dwg.Wait() // Zero value is idle.

	var finished atomic.Int32
	dwg.Add(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		// Work added while the first is still running extends the wait.
		dwg.Add(1)
		go func() {
			time.Sleep(10 * time.Millisecond)
			finished.Add(1)
			dwg.Done()
		}()
		finished.Add(1)
		dwg.Done()
	}()
	dwg.Wait()
	require.Equal(t, int32(2), finished.Load())
	require.Equal(t, 0, dwg.Count())
	require.Panics(t, func() { dwg.Done() })
}

func TestDynamicWaitGroupContext(t *testing.T) {
	dwg := NewDynamicWaitGroup()
	dwg.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := dwg.WaitContext(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	dwg.Done()
	require.NoError(t, dwg.WaitContext(context.Background()))
}

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())
	go l.Trigger()
	l.Wait()
	require.True(t, l.Test())
	l.Trigger() // No-op.
	select {
	case <-l.WaitChan():
	default:
		t.Fatal("WaitChan not closed after Trigger")
	}
}
