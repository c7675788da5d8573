// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package allocator implements the free-list allocator used for every memory resource of the device:
// each DRAM channel, the L1 scratch memory of each core, and host pinned memory.
//
// Allocators hand out byte addresses within [base, base+capacity). They know nothing about tensors,
// and allocators of different resources are fully independent.
package allocator

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Policy for choosing a free block.
type Policy int

const (
	// FirstFit takes the first (lowest address, or highest if allocating top-down) block that fits.
	FirstFit Policy = iota

	// BestFit takes the smallest block that fits, ties broken by address.
	BestFit
)

// Config of a FreeList.
type Config struct {
	// Name of the resource, used in logs and errors, e.g. "dram[3]" or "l1(x=1,y=2)".
	Name string

	// Base is the lowest address managed, Capacity the number of bytes from there.
	Base, Capacity uint32

	// Alignment of every allocation, and granularity of the sizes. Must be a power of 2. Defaults to 32.
	Alignment uint32

	Policy Policy
}

type block struct {
	addr, size uint32
}

// FreeList allocator. It is safe for concurrent use.
type FreeList struct {
	config    Config
	mu        sync.Mutex
	free      []block           // Sorted by address, coalesced.
	allocated map[uint32]uint32 // address -> size
}

// New returns a FreeList with one free block spanning the whole capacity.
func New(config Config) *FreeList {
	if config.Alignment == 0 {
		config.Alignment = 32
	}
	if config.Alignment&(config.Alignment-1) != 0 {
		panic(errors.Errorf("allocator %q: alignment %d is not a power of 2", config.Name, config.Alignment))
	}
	if config.Base%config.Alignment != 0 {
		panic(errors.Errorf("allocator %q: base address %d is not aligned to %d", config.Name, config.Base, config.Alignment))
	}
	a := &FreeList{config: config}
	a.lockedClear()
	return a
}

// Name of the managed resource.
func (a *FreeList) Name() string { return a.config.Name }

// Base address of the managed resource.
func (a *FreeList) Base() uint32 { return a.config.Base }

// Capacity in bytes of the managed resource.
func (a *FreeList) Capacity() uint32 { return a.config.Capacity }

// Alignment of the allocations.
func (a *FreeList) Alignment() uint32 { return a.config.Alignment }

// align rounds size up to the alignment, in 64 bits: sizes close to 4 GiB don't wrap around.
func (a *FreeList) align(size uint32) uint64 {
	mask := uint64(a.config.Alignment - 1)
	return (uint64(size) + mask) &^ mask
}

// Clear resets the allocator to a single free block spanning the whole capacity.
func (a *FreeList) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lockedClear()
}

func (a *FreeList) lockedClear() {
	a.free = []block{{addr: a.config.Base, size: a.config.Capacity &^ (a.config.Alignment - 1)}}
	a.allocated = make(map[uint32]uint32)
}

// Allocate size bytes (rounded up to the alignment) and return the address.
// If topDown is true the block is taken from the end of the chosen free block, and first-fit scans
// from the highest addresses.
//
// It returns an *OutOfMemoryError if no free block is large enough.
func (a *FreeList) Allocate(size uint32, topDown bool) (uint32, error) {
	if size == 0 {
		return 0, errors.Errorf("allocator %q: cannot allocate 0 bytes", a.config.Name)
	}
	aligned := a.align(size)
	a.mu.Lock()
	defer a.mu.Unlock()
	if aligned > uint64(a.config.Capacity) {
		return 0, a.lockedOutOfMemory(aligned, nil)
	}
	size = uint32(aligned)

	chosen := -1
	for ii := range a.free {
		idx := ii
		if topDown {
			idx = len(a.free) - 1 - ii
		}
		if a.free[idx].size < size {
			continue
		}
		if a.config.Policy == FirstFit {
			chosen = idx
			break
		}
		if chosen < 0 || a.free[idx].size < a.free[chosen].size {
			chosen = idx
		}
	}
	if chosen < 0 {
		return 0, a.lockedOutOfMemory(aligned, nil)
	}
	b := &a.free[chosen]
	var addr uint32
	if topDown {
		addr = b.addr + b.size - size
	} else {
		addr = b.addr
		b.addr += size
	}
	b.size -= size
	if b.size == 0 {
		a.free = slices.Delete(a.free, chosen, chosen+1)
	}
	a.allocated[addr] = size
	if klog.V(3).Enabled() {
		klog.Infof("allocator %q: allocated %s at 0x%x", a.config.Name, humanize.IBytes(uint64(size)), addr)
	}
	return addr, nil
}

// AllocateAt allocates size bytes at the given address, which must be aligned and entirely free.
// It returns the address.
func (a *FreeList) AllocateAt(addr, size uint32) (uint32, error) {
	if size == 0 {
		return 0, errors.Errorf("allocator %q: cannot allocate 0 bytes", a.config.Name)
	}
	if addr%a.config.Alignment != 0 {
		return 0, errors.Errorf("allocator %q: address 0x%x is not aligned to %d bytes", a.config.Name, addr, a.config.Alignment)
	}
	aligned := a.align(size)
	a.mu.Lock()
	defer a.mu.Unlock()
	if aligned > uint64(a.config.Capacity) {
		return 0, a.lockedOutOfMemory(aligned, &addr)
	}
	size = uint32(aligned)
	end := uint64(addr) + aligned
	for idx, b := range a.free {
		if addr < b.addr || end > uint64(b.addr)+uint64(b.size) {
			continue
		}
		// Split block into [b.addr, addr) and [end, b.end).
		before := block{addr: b.addr, size: addr - b.addr}
		after := block{addr: uint32(end), size: uint32(uint64(b.addr) + uint64(b.size) - end)}
		var replacement []block
		if before.size > 0 {
			replacement = append(replacement, before)
		}
		if after.size > 0 {
			replacement = append(replacement, after)
		}
		a.free = slices.Replace(a.free, idx, idx+1, replacement...)
		a.allocated[addr] = size
		return addr, nil
	}
	return 0, a.lockedOutOfMemory(aligned, &addr)
}

// Deallocate frees the block previously allocated at addr. Deallocating an unknown address
// returns an error.
func (a *FreeList) Deallocate(addr uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	size, found := a.allocated[addr]
	if !found {
		return errors.Errorf("allocator %q: no allocation at address 0x%x", a.config.Name, addr)
	}
	delete(a.allocated, addr)
	idx := sort.Search(len(a.free), func(i int) bool { return a.free[i].addr > addr })
	a.free = slices.Insert(a.free, idx, block{addr: addr, size: size})
	// Coalesce with next, then with previous.
	if idx+1 < len(a.free) && a.free[idx].addr+a.free[idx].size == a.free[idx+1].addr {
		a.free[idx].size += a.free[idx+1].size
		a.free = slices.Delete(a.free, idx+1, idx+2)
	}
	if idx > 0 && a.free[idx-1].addr+a.free[idx-1].size == a.free[idx].addr {
		a.free[idx-1].size += a.free[idx].size
		a.free = slices.Delete(a.free, idx, idx+1)
	}
	return nil
}

// SizeOf returns the (aligned) size of the allocation at addr.
func (a *FreeList) SizeOf(addr uint32) (size uint32, found bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	size, found = a.allocated[addr]
	return
}

// Available returns the total number of free bytes.
func (a *FreeList) Available() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lockedAvailable()
}

func (a *FreeList) lockedAvailable() uint32 {
	var total uint32
	for _, b := range a.free {
		total += b.size
	}
	return total
}

// LargestFree returns the size of the largest free block.
func (a *FreeList) LargestFree() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lockedLargestFree()
}

func (a *FreeList) lockedLargestFree() uint32 {
	var largest uint32
	for _, b := range a.free {
		largest = max(largest, b.size)
	}
	return largest
}

// FreeAddresses returns, in increasing order, the start addresses of the free blocks that can hold
// size bytes. Nothing is allocated.
func (a *FreeList) FreeAddresses(size uint32) []uint32 {
	aligned := a.align(size)
	a.mu.Lock()
	defer a.mu.Unlock()
	var addrs []uint32
	for _, b := range a.free {
		if uint64(b.size) >= aligned {
			addrs = append(addrs, b.addr)
		}
	}
	return addrs
}

// IsFree returns whether the size bytes (rounded up to the alignment) starting at addr are free.
func (a *FreeList) IsFree(addr, size uint32) bool {
	end := uint64(addr) + a.align(size)
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range a.free {
		if addr >= b.addr && end <= uint64(b.addr)+uint64(b.size) {
			return true
		}
	}
	return false
}

// NumAllocations returns the number of live allocations.
func (a *FreeList) NumAllocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}

// String dumps the free blocks, for debugging.
func (a *FreeList) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := fmt.Sprintf("allocator %q: %d allocations, free blocks:", a.config.Name, len(a.allocated))
	for _, b := range a.free {
		s += fmt.Sprintf(" [0x%x, +%d)", b.addr, b.size)
	}
	return s
}

func (a *FreeList) lockedOutOfMemory(size uint64, addr *uint32) error {
	return errors.WithStack(&OutOfMemoryError{
		Resource:  a.config.Name,
		Requested: size,
		Largest:   uint64(a.lockedLargestFree()),
		Free:      uint64(a.lockedAvailable()),
		Address:   addr,
	})
}

// OutOfMemoryError is returned when an allocation can't be satisfied. There is no paging or eviction:
// the requesting operation must fail or fall back to a smaller configuration.
type OutOfMemoryError struct {
	Resource                 string
	Requested, Largest, Free uint64

	// Address is set for failed AllocateAt calls.
	Address *uint32
}

// Error implements error.
func (e *OutOfMemoryError) Error() string {
	if e.Address != nil {
		return fmt.Sprintf("out of memory in %s: %s at address 0x%x is not free (largest free block %s, total free %s)",
			e.Resource, humanize.IBytes(e.Requested), *e.Address, humanize.IBytes(e.Largest), humanize.IBytes(e.Free))
	}
	return fmt.Sprintf("out of memory in %s: requested %s, largest free block %s, total free %s",
		e.Resource, humanize.IBytes(e.Requested), humanize.IBytes(e.Largest), humanize.IBytes(e.Free))
}

// IsOutOfMemory returns whether err is (or wraps) an *OutOfMemoryError.
func IsOutOfMemory(err error) bool {
	var oom *OutOfMemoryError
	return errors.As(err, &oom)
}
