// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool bounds the host-side parallelism used for layout conversions and reference
// computations, so that converting a large batch doesn't spawn one goroutine per slab.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of host workers.
type Pool struct {
	// maxParallelism is the limit of tasks running in parallel.
	// 0 disables parallelism (tasks run inline), a negative value means unlimited.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int
}

// New returns a Pool with the given parallelism. If maxParallelism is 0, it defaults to
// runtime.NumCPU().
func New(maxParallelism int) *Pool {
	if maxParallelism == 0 {
		maxParallelism = runtime.NumCPU()
	}
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// Default pool shared by the host conversion functions.
var Default = New(0)

// MaxParallelism returns the configured parallelism.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism should only be called before any task is started.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// lockedIsFull returns whether all workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available and runs task in a goroutine.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline.
func (w *Pool) WaitToStart(task func()) {
	if w.maxParallelism == 0 {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// StartIfAvailable runs the task in a separate goroutine if a worker is available.
// It returns false if it didn't start the task.
func (w *Pool) StartIfAvailable(task func()) bool {
	if w.maxParallelism == 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.lockedRunTaskInGoroutine(task)
	return true
}

// lockedRunTaskInGoroutine keeps tabs on w.numRunning.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// ParallelFor calls fn(i) for i in [0, n), using the available workers, and returns when all calls
// finished. Calls that don't find a free worker are run inline by the caller.
func (w *Pool) ParallelFor(n int, fn func(i int)) {
	if n <= 1 || w.maxParallelism == 0 {
		for i := range n {
			fn(i)
		}
		return
	}
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			fn(i)
		}
		if !w.StartIfAvailable(task) {
			task()
		}
	}
	wg.Wait()
}
