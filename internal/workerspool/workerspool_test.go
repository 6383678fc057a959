// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/timvx/pkg/support/xsync"
	"github.com/stretchr/testify/require"
)

func TestWaitToStart(t *testing.T) {
	pool := NewWithParallelism(2)
	var running, maxRunning atomic.Int32
	done := xsync.NewDynamicWaitGroup()
	for range 6 {
		done.Add(1)
		pool.WaitToStart(func() {
			defer done.Done()
			current := running.Add(1)
			for {
				seen := maxRunning.Load()
				if current <= seen || maxRunning.CompareAndSwap(seen, current) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		})
	}
	done.Wait()
	require.LessOrEqual(t, maxRunning.Load(), int32(2))

	// Disabled pool runs inline.
	pool = NewWithParallelism(0)
	var count int
	pool.WaitToStart(func() { count++ })
	require.Equal(t, 1, count)
	require.False(t, pool.StartIfAvailable(func() { count++ }))
	require.Equal(t, 1, count)
}

func TestParallelFor(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := NewWithParallelism(parallelism)
		n := 10*MinChunkSize + 17
		visits := make([]int32, n)
		pool.ParallelFor(n, func(start, end int) {
			for ii := start; ii < end; ii++ {
				atomic.AddInt32(&visits[ii], 1)
			}
		})
		for ii, v := range visits {
			if v != 1 {
				t.Fatalf("parallelism=%d: element %d visited %d times", parallelism, ii, v)
			}
		}
	}
	NewWithParallelism(4).ParallelFor(0, func(start, end int) { t.Fatal("should not be called") })
}
