// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a soft-bounded pool of goroutines used by the simulated NPU
// to split element loops of its kernels.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits the number of goroutines running kernel chunks at the same time.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work.
	// 0 disables parallelism, negative values means unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
}

// New returns a Pool with parallelism runtime.NumCPU().
func New() *Pool {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism returns a Pool with the given max parallelism:
// 0 disables it (everything runs inline), negative values make it unlimited.
func NewWithParallelism(maxParallelism int) *Pool {
	p := &Pool{maxParallelism: maxParallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// IsEnabled returns whether parallelism is enabled (maxParallelism != 0).
func (p *Pool) IsEnabled() bool {
	return p.maxParallelism != 0
}

// MaxParallelism returns the configured soft limit.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
// It must be called with p.mu acquired.
func (p *Pool) lockedIsFull() bool {
	if p.maxParallelism == 0 {
		return true
	} else if p.maxParallelism < 0 {
		return false
	}
	return p.numRunning >= p.maxParallelism
}

// WaitToStart waits until there is a worker available and runs task in a goroutine.
//
// If parallelism is disabled, it runs the task inline and returns when it is finished.
func (p *Pool) WaitToStart(task func()) {
	if p.maxParallelism < 0 {
		go task()
		return
	} else if p.maxParallelism == 0 {
		task()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.lockedRunTaskInGoroutine(task)
}

// lockedRunTaskInGoroutine runs task and keeps tabs on p.numRunning.
// It must be called with p.mu acquired.
func (p *Pool) lockedRunTaskInGoroutine(task func()) {
	p.numRunning++
	go func() {
		task()
		p.mu.Lock()
		p.numRunning--
		p.cond.Signal()
		p.mu.Unlock()
	}()
}

// StartIfAvailable runs task in a separate goroutine if there is a worker left.
// It returns false, without running task, otherwise.
func (p *Pool) StartIfAvailable(task func()) bool {
	if p.maxParallelism < 0 {
		go task()
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lockedIsFull() {
		return false
	}
	p.lockedRunTaskInGoroutine(task)
	return true
}

// MinChunkSize is the smallest number of elements ParallelFor hands to one goroutine.
const MinChunkSize = 4096

// ParallelFor calls fn(start, end) over disjoint ranges covering [0, n) and returns when all are done.
//
// Ranges that don't find a free worker are run inline by the caller, so it never deadlocks even
// when called from within a worker. With parallelism disabled, or for small n, fn(0, n) is called inline.
func (p *Pool) ParallelFor(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if !p.IsEnabled() || n < 2*MinChunkSize {
		fn(0, n)
		return
	}
	numChunks := p.maxParallelism
	if numChunks < 0 {
		numChunks = runtime.NumCPU()
	}
	numChunks = min(numChunks, n/MinChunkSize)
	chunkSize := (n + numChunks - 1) / numChunks

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		task := func() {
			defer wg.Done()
			fn(start, end)
		}
		if !p.StartIfAvailable(task) {
			task()
		}
	}
	wg.Wait()
}
