// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataflow is the device-side view of a core: the API kernels are written against.
//
// Each core runs up to three kernels concurrently (reader, compute and writer), which communicate
// only through the core's circular buffers and, across cores, through NoC reads/writes and
// semaphores. All waits are unbounded, except that they abort (panicking with ErrHang) when the
// launch is cancelled by the host watchdog.
package dataflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/grid"
	"github.com/pkg/errors"
)

// ErrHang is raised by waits interrupted by the cancellation of the launch: a kernel was blocked on
// a circular buffer or a semaphore that never became ready.
var ErrHang = errors.New("device hang: kernel blocked on a wait that never completed")

// Memory is the local L1 scratch memory of a core.
type Memory interface {
	ReadAt(addr uint32, dst []byte)
	WriteAt(addr uint32, src []byte)
}

// Core holds the runtime state of one core during a launch.
type Core struct {
	Logical    grid.CoreCoord
	NocX, NocY int
	L1         Memory

	ctx  context.Context
	mu   sync.Mutex
	cond *sync.Cond

	cbs        map[int]*CircularBuffer
	semaphores map[uint32]uint32
}

// NewCore creates the runtime state of a core. The context cancellation aborts all waits.
func NewCore(ctx context.Context, logical grid.CoreCoord, nocX, nocY int, l1 Memory) *Core {
	c := &Core{
		Logical:    logical,
		NocX:       nocX,
		NocY:       nocY,
		L1:         l1,
		ctx:        ctx,
		cbs:        make(map[int]*CircularBuffer),
		semaphores: make(map[uint32]uint32),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// String implements fmt.Stringer.
func (c *Core) String() string {
	return fmt.Sprintf("core%s@noc(%d,%d)", c.Logical, c.NocX, c.NocY)
}

// Wake wakes up all waits of the core, so they can observe a cancellation.
func (c *Core) Wake() {
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

// lockedWait waits until ready returns true. It must be called with c.mu locked.
func (c *Core) lockedWait(what string, ready func() bool) {
	for !ready() {
		if err := c.ctx.Err(); err != nil {
			panic(errors.Wrapf(ErrHang, "%s waiting on %s (%v)", c, what, err))
		}
		c.cond.Wait()
	}
}

// AddCircularBuffer declares a circular buffer of numPages pages of pageSize bytes at the given L1 address.
func (c *Core) AddCircularBuffer(index int, address, pageSize uint32, numPages int, format dtypes.DataType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, found := c.cbs[index]; found {
		exceptions.Panicf("%s: circular buffer %d declared twice", c, index)
	}
	c.cbs[index] = &CircularBuffer{
		core:     c,
		Index:    index,
		Address:  address,
		PageSize: pageSize,
		NumPages: numPages,
		Format:   format,
	}
}

// CB returns the circular buffer with the given index.
func (c *Core) CB(index int) *CircularBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, found := c.cbs[index]
	if !found {
		exceptions.Panicf("%s: circular buffer %d not declared", c, index)
	}
	return cb
}

// AddSemaphore creates a semaphore at the given L1 address with an initial value.
func (c *Core) AddSemaphore(address, initialValue uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.semaphores[address] = initialValue
}

func (c *Core) lockedSemaphore(address uint32) uint32 {
	v, found := c.semaphores[address]
	if !found {
		exceptions.Panicf("%s: no semaphore at address 0x%x", c, address)
	}
	return v
}

// SemaphoreValue returns the current value of the semaphore at the address.
func (c *Core) SemaphoreValue(address uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lockedSemaphore(address)
}

// SemaphoreSet sets the semaphore value and wakes up waiters.
func (c *Core) SemaphoreSet(address, value uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockedSemaphore(address)
	c.semaphores[address] = value
	c.cond.Broadcast()
}

// SemaphoreInc atomically increments the semaphore.
func (c *Core) SemaphoreInc(address, increment uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.semaphores[address] = c.lockedSemaphore(address) + increment
	c.cond.Broadcast()
}

// SemaphoreWait blocks until the semaphore equals value.
func (c *Core) SemaphoreWait(address, value uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockedWait(fmt.Sprintf("semaphore 0x%x == %d", address, value), func() bool {
		return c.lockedSemaphore(address) == value
	})
}

// CircularBuffer is a FIFO of fixed size pages in the L1 of a core, connecting a producer kernel
// (ReserveBack/PushBack) to a consumer kernel (WaitFront/PopFront) of the same core.
type CircularBuffer struct {
	core     *Core
	Index    int
	Address  uint32
	PageSize uint32
	NumPages int
	Format   dtypes.DataType

	// Monotonic counters of pages pushed and popped.
	pushed, popped int
}

func (cb *CircularBuffer) String() string {
	return fmt.Sprintf("%s.cb[%d]", cb.core, cb.Index)
}

func (cb *CircularBuffer) checkBlock(numPages, position int, op string) {
	if numPages <= 0 || numPages > cb.NumPages {
		exceptions.Panicf("%s: %s(%d) with a buffer of %d pages", cb, op, numPages, cb.NumPages)
	}
	if position%cb.NumPages+numPages > cb.NumPages {
		exceptions.Panicf("%s: %s(%d) at page %d wraps around the end of the buffer (%d pages)",
			cb, op, numPages, position%cb.NumPages, cb.NumPages)
	}
}

// ReserveBack blocks until numPages pages are free at the back of the buffer.
func (cb *CircularBuffer) ReserveBack(numPages int) {
	c := cb.core
	c.mu.Lock()
	defer c.mu.Unlock()
	cb.checkBlock(numPages, cb.pushed, "ReserveBack")
	c.lockedWait(fmt.Sprintf("%s reserve %d pages", cb, numPages), func() bool {
		return cb.NumPages-(cb.pushed-cb.popped) >= numPages
	})
}

// PushBack makes numPages pages written at the back available to the consumer.
func (cb *CircularBuffer) PushBack(numPages int) {
	c := cb.core
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb.pushed-cb.popped+numPages > cb.NumPages {
		exceptions.Panicf("%s: PushBack(%d) overflows the buffer", cb, numPages)
	}
	cb.pushed += numPages
	c.cond.Broadcast()
}

// WaitFront blocks until numPages pages are available at the front of the buffer.
func (cb *CircularBuffer) WaitFront(numPages int) {
	c := cb.core
	c.mu.Lock()
	defer c.mu.Unlock()
	cb.checkBlock(numPages, cb.popped, "WaitFront")
	c.lockedWait(fmt.Sprintf("%s wait front %d pages", cb, numPages), func() bool {
		return cb.pushed-cb.popped >= numPages
	})
}

// PopFront frees numPages pages at the front of the buffer.
func (cb *CircularBuffer) PopFront(numPages int) {
	c := cb.core
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb.pushed-cb.popped < numPages {
		exceptions.Panicf("%s: PopFront(%d) with only %d pages available", cb, numPages, cb.pushed-cb.popped)
	}
	cb.popped += numPages
	c.cond.Broadcast()
}

// WritePtr is the L1 address of the first page at the back of the buffer.
func (cb *CircularBuffer) WritePtr() uint32 {
	c := cb.core
	c.mu.Lock()
	defer c.mu.Unlock()
	return cb.Address + uint32(cb.pushed%cb.NumPages)*cb.PageSize
}

// ReadPtr is the L1 address of the first page at the front of the buffer.
func (cb *CircularBuffer) ReadPtr() uint32 {
	c := cb.core
	c.mu.Lock()
	defer c.mu.Unlock()
	return cb.Address + uint32(cb.popped%cb.NumPages)*cb.PageSize
}
