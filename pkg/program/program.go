// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package program defines a device Program: the circular buffers, kernels, runtime arguments and
// semaphores of one operation, for every participating core.
//
// A Program is pure host-side data: it is assembled by the operations, validated, and then handed
// to the device launch. Arguments are positional uint32 vectors, and must match what the kernels
// registered under the given names expect.
package program

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/grid"
	"github.com/gomlx/tilegrid/pkg/support/sets"
	"github.com/google/uuid"
)

// L1 layout of the semaphores: they live in a reserved region of each core's L1, below the memory
// managed by the allocators.
var (
	// SemaphoreBase is the L1 address of the first semaphore.
	SemaphoreBase uint32 = 0x18000

	// SemaphoreSize is the L1 footprint of one semaphore.
	SemaphoreSize uint32 = 16

	// MaxSemaphores per program.
	MaxSemaphores = 8

	// MaxCircularBuffers is the number of circular buffer indices per core.
	MaxCircularBuffers = 32
)

// Semaphore values used by the multicast protocols.
const (
	Invalid uint32 = 0
	Valid   uint32 = 1
)

// Role of a kernel on a core: each core runs at most one kernel of each role.
type Role int

const (
	Reader Role = iota
	Writer
	Compute
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case Reader:
		return "reader"
	case Writer:
		return "writer"
	case Compute:
		return "compute"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// KernelID identifies a kernel within a Program.
type KernelID int

// Kernel is one kernel running on a set of cores.
type Kernel struct {
	ID          KernelID                    `json:"id"`
	Name        string                      `json:"name"`
	Role        Role                        `json:"role"`
	Cores       grid.CoreRangeSet           `json:"cores"`
	CompileArgs []uint32                    `json:"compile_args"`
	Defines     map[string]string           `json:"defines,omitempty"`
	RuntimeArgs map[grid.CoreCoord][]uint32 `json:"runtime_args"`
}

// CircularBuffer declares a circular buffer on a set of cores.
type CircularBuffer struct {
	Index      int               `json:"index"`
	Cores      grid.CoreRangeSet `json:"cores"`
	NumPages   int               `json:"num_pages"`
	PageSize   uint32            `json:"page_size"`
	DataFormat dtypes.DataType   `json:"data_format"`

	// Address is a fixed L1 address, or 0 to let the device place the buffer.
	Address uint32 `json:"address,omitempty"`

	// AliasOf, if HasAlias is set, is the index of another circular buffer whose memory this one shares.
	AliasOf  int  `json:"alias_of,omitempty"`
	HasAlias bool `json:"has_alias,omitempty"`
}

// Size is the number of bytes of the circular buffer.
func (cb *CircularBuffer) Size() uint32 {
	return uint32(cb.NumPages) * cb.PageSize
}

// Semaphore declares a semaphore on a set of cores.
type Semaphore struct {
	Address      uint32            `json:"address"`
	Cores        grid.CoreRangeSet `json:"cores"`
	InitialValue uint32            `json:"initial_value"`
}

// MulticastGroup declares a sender core multicasting to a rectangle of receivers, synchronized
// with a pair of semaphores: receivers increment the sender semaphore on the sender, and the sender
// sets the receiver semaphore of the receivers to Valid.
type MulticastGroup struct {
	Name              string         `json:"name"`
	Sender            grid.CoreCoord `json:"sender"`
	Receivers         grid.CoreRange `json:"receivers"`
	SenderSemaphore   uint32         `json:"sender_semaphore"`
	ReceiverSemaphore uint32         `json:"receiver_semaphore"`

	// Count, if set, is the runtime argument of the sender's kernel holding how many receivers the
	// sender waits for. Validate checks it against Receivers.
	Count *CountBinding `json:"count,omitempty"`
}

// CountBinding points to the runtime argument Arg of Kernel, on the sender core of a multicast group.
// If IncludesSender the argument counts the sender too.
type CountBinding struct {
	Kernel         KernelID `json:"kernel"`
	Arg            int      `json:"arg"`
	IncludesSender bool     `json:"includes_sender,omitempty"`
}

// AddressBinding records that a runtime argument holds the buffer address of the Tensor-th tensor
// (inputs first, then outputs) of the operation, so a cached program can be re-used with new buffers.
type AddressBinding struct {
	Kernel KernelID       `json:"kernel"`
	Core   grid.CoreCoord `json:"core"`
	Arg    int            `json:"arg"`
	Tensor int            `json:"tensor"`
}

// Program is the full description of one operation on the device.
type Program struct {
	ID              uuid.UUID         `json:"id"`
	Name            string            `json:"name"`
	CircularBuffers []*CircularBuffer `json:"circular_buffers"`
	Kernels         []*Kernel         `json:"kernels"`
	Semaphores      []*Semaphore      `json:"semaphores"`
	Groups          []MulticastGroup  `json:"multicast_groups,omitempty"`
	Bindings        []AddressBinding  `json:"bindings,omitempty"`
}

// New creates an empty program.
func New(name string) *Program {
	return &Program{ID: uuid.New(), Name: name}
}

// String implements fmt.Stringer.
func (p *Program) String() string {
	return fmt.Sprintf("Program(%s: %d kernels, %d circular buffers, %d semaphores)",
		p.Name, len(p.Kernels), len(p.CircularBuffers), len(p.Semaphores))
}

// AddCircularBuffer declares a circular buffer on the given cores, allocated by the device.
func (p *Program) AddCircularBuffer(index int, cores grid.CoreRangeSet, numPages int, pageSize uint32, format dtypes.DataType) *CircularBuffer {
	cb := &CircularBuffer{Index: index, Cores: cores, NumPages: numPages, PageSize: pageSize, DataFormat: format}
	p.CircularBuffers = append(p.CircularBuffers, cb)
	return cb
}

// AddTileCircularBuffer declares a circular buffer of numTiles tiles of the data format.
func (p *Program) AddTileCircularBuffer(index int, cores grid.CoreRangeSet, numTiles int, format dtypes.DataType) *CircularBuffer {
	return p.AddCircularBuffer(index, cores, numTiles, uint32(format.TileSize()), format)
}

// AddKernel adds a kernel running on the given cores, and returns its id.
func (p *Program) AddKernel(name string, role Role, cores grid.CoreRangeSet, compileArgs []uint32, defines map[string]string) KernelID {
	id := KernelID(len(p.Kernels))
	p.Kernels = append(p.Kernels, &Kernel{
		ID:          id,
		Name:        name,
		Role:        role,
		Cores:       cores,
		CompileArgs: compileArgs,
		Defines:     defines,
		RuntimeArgs: make(map[grid.CoreCoord][]uint32),
	})
	return id
}

// Kernel returns the kernel with the given id.
func (p *Program) Kernel(id KernelID) *Kernel {
	if int(id) < 0 || int(id) >= len(p.Kernels) {
		exceptions.Panicf("program %q: invalid kernel id %d", p.Name, id)
	}
	return p.Kernels[id]
}

// SetRuntimeArgs sets the runtime arguments of a kernel on one core.
func (p *Program) SetRuntimeArgs(id KernelID, core grid.CoreCoord, args []uint32) {
	k := p.Kernel(id)
	if !k.Cores.Contains(core) {
		exceptions.Panicf("program %q: kernel %q does not run on core %s", p.Name, k.Name, core)
	}
	k.RuntimeArgs[core] = args
}

// BindTensorAddress records that runtime argument arg of kernel id on core holds the address of
// the tensorIdx-th tensor of the operation.
func (p *Program) BindTensorAddress(id KernelID, core grid.CoreCoord, arg, tensorIdx int) {
	p.Bindings = append(p.Bindings, AddressBinding{Kernel: id, Core: core, Arg: arg, Tensor: tensorIdx})
}

// AddSemaphore declares a semaphore on the given cores and returns its L1 address.
func (p *Program) AddSemaphore(cores grid.CoreRangeSet, initialValue uint32) uint32 {
	if len(p.Semaphores) >= MaxSemaphores {
		exceptions.Panicf("program %q: at most %d semaphores can be created", p.Name, MaxSemaphores)
	}
	addr := SemaphoreBase + uint32(len(p.Semaphores))*SemaphoreSize
	p.Semaphores = append(p.Semaphores, &Semaphore{Address: addr, Cores: cores, InitialValue: initialValue})
	return addr
}

// AddMulticastGroup declares a multicast group, checked by Validate.
func (p *Program) AddMulticastGroup(g MulticastGroup) {
	p.Groups = append(p.Groups, g)
}

// PatchAddresses rewrites the runtime arguments bound to tensor addresses.
func (p *Program) PatchAddresses(addresses []uint32) {
	for _, b := range p.Bindings {
		if b.Tensor >= len(addresses) {
			exceptions.Panicf("program %q: binding to tensor #%d, but only %d addresses given", p.Name, b.Tensor, len(addresses))
		}
		p.Kernel(b.Kernel).RuntimeArgs[b.Core][b.Arg] = addresses[b.Tensor]
	}
}

// Cores returns all cores running at least one kernel, sorted row-major.
func (p *Program) Cores() []grid.CoreCoord {
	cores := sets.Make[grid.CoreCoord]()
	for _, k := range p.Kernels {
		for c := range k.Cores.Cores() {
			cores.Insert(c)
		}
	}
	return cores.SortedFunc(func(a, b grid.CoreCoord) int {
		if a.Less(b) {
			return -1
		} else if b.Less(a) {
			return 1
		}
		return 0
	})
}

// KernelsOn returns the kernels running on the core.
func (p *Program) KernelsOn(core grid.CoreCoord) []*Kernel {
	var kernels []*Kernel
	for _, k := range p.Kernels {
		if k.Cores.Contains(core) {
			kernels = append(kernels, k)
		}
	}
	return kernels
}

// CircularBuffersOn returns the circular buffers declared on the core.
func (p *Program) CircularBuffersOn(core grid.CoreCoord) []*CircularBuffer {
	var cbs []*CircularBuffer
	for _, cb := range p.CircularBuffers {
		if cb.Cores.Contains(core) {
			cbs = append(cbs, cb)
		}
	}
	return cbs
}

// L1Footprint is the number of bytes of circular buffers (not counting aliases) on the core.
func (p *Program) L1Footprint(core grid.CoreCoord) uint32 {
	var total uint32
	for _, cb := range p.CircularBuffersOn(core) {
		if !cb.HasAlias {
			total += cb.Size()
		}
	}
	return total
}
