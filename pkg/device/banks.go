package device

import (
	"fmt"

	"github.com/gomlx/tilegrid/internal/allocator"
	"github.com/gomlx/tilegrid/pkg/core/grid"
	"github.com/pkg/errors"
)

// BankManager holds one independent allocator per memory resource: each DRAM channel, the L1 of
// each core, and the host pinned system memory.
type BankManager struct {
	gridSize grid.Size
	dram     []*allocator.FreeList
	l1       []*allocator.FreeList
	sysmem   *allocator.FreeList
}

func newBankManager(config Config) (*BankManager, error) {
	policy, err := config.Policy()
	if err != nil {
		return nil, err
	}
	m := &BankManager{gridSize: config.GridSize()}
	for ch := range config.DRAMChannels {
		m.dram = append(m.dram, allocator.New(allocator.Config{
			Name:      fmt.Sprintf("dram%d", ch),
			Capacity:  config.DRAMChannelSize,
			Alignment: config.Alignment,
			Policy:    policy,
		}))
	}
	for i := range m.gridSize.NumCores() {
		m.l1 = append(m.l1, allocator.New(allocator.Config{
			Name:      "l1" + m.gridSize.CoreAt(i).String(),
			Base:      config.L1UnreservedBase,
			Capacity:  config.L1Size - config.L1UnreservedBase,
			Alignment: config.Alignment,
			Policy:    policy,
		}))
	}
	m.sysmem = allocator.New(allocator.Config{
		Name:      "sysmem",
		Capacity:  config.SysmemSize,
		Alignment: config.Alignment,
		Policy:    policy,
	})
	return m, nil
}

// DRAM returns the allocator of a DRAM channel.
func (m *BankManager) DRAM(channel int) *allocator.FreeList { return m.dram[channel] }

// L1 returns the allocator of the L1 of a core.
func (m *BankManager) L1(core grid.CoreCoord) *allocator.FreeList {
	return m.l1[core.Y*m.gridSize.X+core.X]
}

// Sysmem returns the allocator of the host pinned memory.
func (m *BankManager) Sysmem() *allocator.FreeList { return m.sysmem }

// allocators returns the allocators of all the banks of a buffer type.
func (m *BankManager) allocators(bufferType BufferType) []*allocator.FreeList {
	if bufferType == L1 {
		return m.l1
	}
	return m.dram
}

// allocateInterleaved allocates size bytes at the same address in every one of the allocators.
func allocateInterleaved(allocs []*allocator.FreeList, size uint32, topDown bool) (uint32, error) {
	addr, err := allocs[0].Allocate(size, topDown)
	if err != nil {
		return 0, err
	}
	for i, a := range allocs[1:] {
		if _, err := a.AllocateAt(addr, size); err != nil {
			for _, done := range allocs[:i+1] {
				_ = done.Deallocate(addr)
			}
			return 0, errors.WithMessagef(err, "interleaved allocation of %d bytes per bank at 0x%x failed on bank %q",
				size, addr, a.Name())
		}
	}
	return addr, nil
}

// deallocateInterleaved frees the address on every one of the allocators.
func deallocateInterleaved(allocs []*allocator.FreeList, addr uint32) error {
	var firstErr error
	for _, a := range allocs {
		if err := a.Deallocate(addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Clear resets every allocator to a single free block.
func (m *BankManager) Clear() {
	for _, a := range m.dram {
		a.Clear()
	}
	for _, a := range m.l1 {
		a.Clear()
	}
	m.sysmem.Clear()
}
