// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device implements an in-process simulated device: a grid of cores with their L1 scratch
// memory, DRAM channels, and the network-on-chip connecting them.
//
// It provides the primitives the runtime needs from a device: buffer allocation, ReadBuffer /
// WriteBuffer, and Launch of a program.Program, which runs each core's kernels as goroutines
// communicating only through circular buffers, NoC transfers and semaphores (see package dataflow).
package device

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/tilegrid/pkg/addrgen"
	"github.com/gomlx/tilegrid/pkg/core/grid"
	"github.com/gomlx/tilegrid/pkg/support/xsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// nocNode is what sits at a NoC coordinate: a DRAM channel or a worker core.
type nocNode struct {
	isCore      bool
	dramChannel int
	core        grid.CoreCoord
}

// Device is a simulated device. It is safe for concurrent use, but launches are serialized.
type Device struct {
	id     int
	config Config

	banks     *BankManager
	dram      []*memory
	l1        []*memory // Indexed by the row-major logical core index.
	nodes     map[NocCoord]nocNode
	dramBanks []addrgen.Bank
	l1Banks   []addrgen.Bank

	muLaunch sync.Mutex
	inflight *xsync.DynamicWaitGroup // Launches started and not yet finished.

	mu      sync.Mutex
	buffers map[uuid.UUID]*Buffer
	closed  bool
}

// Open creates the simulated device with the given id and configuration.
func Open(id int, config Config) (*Device, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	banks, err := newBankManager(config)
	if err != nil {
		return nil, err
	}
	d := &Device{
		id:       id,
		config:   config,
		banks:    banks,
		nodes:    make(map[NocCoord]nocNode),
		buffers:  make(map[uuid.UUID]*Buffer),
		inflight: xsync.NewDynamicWaitGroup(),
	}
	for ch, coord := range config.DRAMChannels {
		d.dram = append(d.dram, newMemory(fmt.Sprintf("device%d.dram%d", id, ch), config.DRAMChannelSize))
		d.nodes[coord] = nocNode{dramChannel: ch}
		d.dramBanks = append(d.dramBanks, addrgen.Bank{NocX: coord.X, NocY: coord.Y})
	}
	size := config.GridSize()
	for i := range size.NumCores() {
		core := size.CoreAt(i)
		coord := d.WorkerNoc(core)
		d.l1 = append(d.l1, newMemory(fmt.Sprintf("device%d.l1%s", id, core), config.L1Size))
		d.nodes[coord] = nocNode{isCore: true, core: core}
		d.l1Banks = append(d.l1Banks, addrgen.Bank{NocX: coord.X, NocY: coord.Y})
	}
	klog.V(1).Infof("opened device %d (%s): %dx%d cores, %d DRAM channels", id, config.Name, config.GridX, config.GridY, len(config.DRAMChannels))
	return d, nil
}

// ID of the device.
func (d *Device) ID() int { return d.id }

// Config returns the device configuration.
func (d *Device) Config() Config { return d.config }

// GridSize returns the size of the compute grid.
func (d *Device) GridSize() grid.Size { return d.config.GridSize() }

// Banks returns the memory allocators of the device.
func (d *Device) Banks() *BankManager { return d.banks }

// NumDRAMChannels returns the number of DRAM banks.
func (d *Device) NumDRAMChannels() int { return len(d.config.DRAMChannels) }

// DRAMBanks returns the bank table of the DRAM channels.
func (d *Device) DRAMBanks() []addrgen.Bank { return d.dramBanks }

// L1Banks returns the bank table of the L1 of the cores, in row-major order.
func (d *Device) L1Banks() []addrgen.Bank { return d.l1Banks }

// WorkerNoc returns the physical NoC coordinates of a logical core.
func (d *Device) WorkerNoc(core grid.CoreCoord) NocCoord {
	return NocCoord{X: d.config.WorkerNocColumns[core.X], Y: d.config.WorkerNocRows[core.Y]}
}

// LogicalCore returns the logical core at the physical NoC coordinates, if any.
func (d *Device) LogicalCore(coord NocCoord) (grid.CoreCoord, bool) {
	node, found := d.nodes[coord]
	if !found || !node.isCore {
		return grid.CoreCoord{}, false
	}
	return node.core, true
}

// NumLiveBuffers returns the number of buffers currently allocated.
func (d *Device) NumLiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// LiveBuffers returns the buffers currently allocated, sorted by address.
func (d *Device) LiveBuffers() []*Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	buffers := make([]*Buffer, 0, len(d.buffers))
	for _, b := range d.buffers {
		buffers = append(buffers, b)
	}
	slices.SortFunc(buffers, func(a, b *Buffer) int { return int(int64(a.address) - int64(b.address)) })
	return buffers
}

// Close deallocates all remaining buffers and closes the device.
// Buffers still alive are reported as a warning.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.inflight.Wait()

	leaked := d.LiveBuffers()
	if len(leaked) > 0 {
		klog.Warningf("device %d: closing with %d live buffers", d.id, len(leaked))
	}
	var firstErr error
	for _, b := range leaked {
		if err := b.Deallocate(); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "device %d: failed to deallocate %s on close", d.id, b)
		}
	}
	d.banks.Clear()
	klog.V(1).Infof("closed device %d", d.id)
	return firstErr
}
