package device

import (
	"fmt"
	"sync"

	"github.com/gomlx/tilegrid/internal/allocator"
	"github.com/gomlx/tilegrid/pkg/addrgen"
	"github.com/gomlx/tilegrid/pkg/core/grid"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BufferType is the memory a buffer lives in.
type BufferType int

const (
	DRAM BufferType = iota
	L1
)

// String implements fmt.Stringer.
func (t BufferType) String() string {
	switch t {
	case DRAM:
		return "DRAM"
	case L1:
		return "L1"
	}
	return fmt.Sprintf("BufferType(%d)", int(t))
}

// ParseBufferType converts "DRAM" or "L1" to a BufferType.
func ParseBufferType(name string) (BufferType, error) {
	switch name {
	case "DRAM", "dram":
		return DRAM, nil
	case "L1", "l1":
		return L1, nil
	}
	return 0, errors.Errorf("unknown buffer type %q, valid values are DRAM and L1", name)
}

// MarshalText implements encoding.TextMarshaler.
func (t BufferType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *BufferType) UnmarshalText(text []byte) error {
	var err error
	*t, err = ParseBufferType(string(text))
	return err
}

// MemoryConfig describes where a tensor is placed on the device.
type MemoryConfig struct {
	// Interleaved distributes the pages round-robin over all banks of BufferType.
	Interleaved bool `yaml:"interleaved" json:"interleaved"`

	// DRAMChannel is the bank of a non-interleaved buffer: a DRAM channel, or for L1 the row-major
	// index of the core. Only meaningful when Interleaved is false.
	DRAMChannel int `yaml:"dram_channel" json:"dram_channel"`

	BufferType BufferType `yaml:"buffer_type" json:"buffer_type"`
}

// DefaultMemoryConfig interleaves buffers over all DRAM channels.
var DefaultMemoryConfig = MemoryConfig{Interleaved: true, BufferType: DRAM}

// String implements fmt.Stringer.
func (mc MemoryConfig) String() string {
	if mc.Interleaved {
		return fmt.Sprintf("%s/interleaved", mc.BufferType)
	}
	return fmt.Sprintf("%s/bank%d", mc.BufferType, mc.DRAMChannel)
}

// Validate checks the memory config is consistent. If config is not nil, the bank is also checked
// against the device configuration.
func (mc MemoryConfig) Validate(config *Config) error {
	if mc.BufferType != DRAM && mc.BufferType != L1 {
		return errors.Errorf("invalid memory config %s: unknown buffer type", mc)
	}
	if mc.Interleaved {
		if mc.DRAMChannel != 0 {
			return errors.Errorf("invalid memory config: dram_channel=%d given for an interleaved buffer", mc.DRAMChannel)
		}
		return nil
	}
	if mc.DRAMChannel < 0 {
		return errors.Errorf("invalid memory config %s: negative bank", mc)
	}
	if config != nil {
		numBanks := len(config.DRAMChannels)
		if mc.BufferType == L1 {
			numBanks = config.GridX * config.GridY
		}
		if mc.DRAMChannel >= numBanks {
			return errors.Errorf("invalid memory config %s: device %q has only %d %s banks", mc, config.Name, numBanks, mc.BufferType)
		}
	}
	return nil
}

// Buffer is an allocated region of device memory, shared by reference counting: it is deallocated
// when the last reference is released, or explicitly with Deallocate.
type Buffer struct {
	id        uuid.UUID
	device    *Device
	address   uint32
	size      uint32
	pageSize  uint32
	memConfig MemoryConfig

	mu        sync.Mutex
	refs      int
	allocated bool
}

// CreateBuffer allocates a buffer of size bytes, split in pages of pageSize bytes, with one reference.
func (d *Device) CreateBuffer(size, pageSize uint32, memConfig MemoryConfig) (*Buffer, error) {
	if size == 0 || pageSize == 0 || size%pageSize != 0 {
		return nil, errors.Errorf("device %d: invalid buffer of %d bytes with pages of %d bytes", d.id, size, pageSize)
	}
	if err := memConfig.Validate(&d.config); err != nil {
		return nil, err
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, errors.Errorf("device %d is closed", d.id)
	}

	b := &Buffer{
		id:        uuid.New(),
		device:    d,
		size:      size,
		pageSize:  pageSize,
		memConfig: memConfig,
		refs:      1,
		allocated: true,
	}
	topDown := memConfig.BufferType == L1
	var err error
	if memConfig.Interleaved {
		allocs := d.banks.allocators(memConfig.BufferType)
		numPages := size / pageSize
		perBank := addrgen.DivUp(numPages, uint32(len(allocs))) * addrgen.Nearest32(pageSize)
		b.address, err = allocateInterleaved(allocs, perBank, topDown)
	} else {
		b.address, err = b.allocator().Allocate(size, topDown)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "device %d: failed to allocate buffer of %d bytes (%s)", d.id, size, memConfig)
	}
	d.mu.Lock()
	d.buffers[b.id] = b
	d.mu.Unlock()
	if klog.V(2).Enabled() {
		klog.Infof("device %d: created %s", d.id, b)
	}
	return b, nil
}

func (b *Buffer) allocator() *allocator.FreeList {
	if b.memConfig.BufferType == L1 {
		return b.device.banks.L1(b.device.config.GridSize().CoreAt(b.memConfig.DRAMChannel))
	}
	return b.device.banks.DRAM(b.memConfig.DRAMChannel)
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(%s, %s, address=0x%x, %d bytes in pages of %d)", b.id, b.memConfig, b.address, b.size, b.pageSize)
}

// ID of the buffer.
func (b *Buffer) ID() uuid.UUID { return b.id }

// Device owning the buffer.
func (b *Buffer) Device() *Device { return b.device }

// Address of the buffer: for interleaved buffers the address in every bank.
func (b *Buffer) Address() uint32 { return b.address }

// Size in bytes.
func (b *Buffer) Size() uint32 { return b.size }

// PageSize in bytes.
func (b *Buffer) PageSize() uint32 { return b.pageSize }

// NumPages returns Size / PageSize.
func (b *Buffer) NumPages() uint32 { return b.size / b.pageSize }

// MemoryConfig of the buffer.
func (b *Buffer) MemoryConfig() MemoryConfig { return b.memConfig }

// IsDRAM returns whether the buffer lives in DRAM.
func (b *Buffer) IsDRAM() bool { return b.memConfig.BufferType == DRAM }

// IsAllocated returns whether the buffer still holds device memory.
func (b *Buffer) IsAllocated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocated
}

// RefCount returns the number of live references.
func (b *Buffer) RefCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs
}

// Retain adds a reference to the buffer and returns it.
func (b *Buffer) Retain() *Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.allocated {
		panic(errors.Errorf("%s: Retain on a deallocated buffer", b))
	}
	b.refs++
	return b
}

// Release drops a reference, deallocating the buffer when it was the last one.
func (b *Buffer) Release() error {
	b.mu.Lock()
	if b.refs <= 0 {
		b.mu.Unlock()
		return errors.Errorf("%s: released more times than retained", b)
	}
	b.refs--
	last := b.refs == 0
	b.mu.Unlock()
	if last {
		return b.Deallocate()
	}
	return nil
}

// Deallocate frees the device memory regardless of the number of references. It is a no-op if
// the buffer was already deallocated.
func (b *Buffer) Deallocate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.allocated {
		return nil
	}
	b.allocated = false
	b.refs = 0
	d := b.device
	d.mu.Lock()
	delete(d.buffers, b.id)
	d.mu.Unlock()
	if klog.V(2).Enabled() {
		klog.Infof("device %d: deallocated %s", d.id, b)
	}
	if b.memConfig.Interleaved {
		return deallocateInterleaved(d.banks.allocators(b.memConfig.BufferType), b.address)
	}
	return b.allocator().Deallocate(b.address)
}

// Banks returns the banks the buffer is spread over.
func (b *Buffer) Banks() []addrgen.Bank {
	if b.memConfig.Interleaved {
		if b.memConfig.BufferType == L1 {
			return b.device.l1Banks
		}
		return b.device.dramBanks
	}
	if b.memConfig.BufferType == L1 {
		return b.device.l1Banks[b.memConfig.DRAMChannel : b.memConfig.DRAMChannel+1]
	}
	return b.device.dramBanks[b.memConfig.DRAMChannel : b.memConfig.DRAMChannel+1]
}

// PageLocation returns the bank index (within Banks) and the address of page i.
func (b *Buffer) PageLocation(i uint32) addrgen.Location {
	if b.memConfig.Interleaved {
		return addrgen.Interleaved{Base: b.address, PageSize: b.pageSize, Banks: b.Banks()}.Locate(i)
	}
	g := addrgen.SingleBank{Base: b.address, Bank: b.Banks()[0]}
	return addrgen.Location{BankID: 0, Offset: g.Address(i * b.pageSize)}
}

// PageNocAddr returns the NoC address of page i.
func (b *Buffer) PageNocAddr(i uint32) uint64 {
	return b.PageLocation(i).NocAddr(b.Banks())
}

// bankMemory returns the memory backing the bank with the given index within Banks().
func (b *Buffer) bankMemory(bankID int) *memory {
	d := b.device
	if !b.memConfig.Interleaved {
		bankID = b.memConfig.DRAMChannel
	}
	if b.memConfig.BufferType == L1 {
		return d.l1[bankID]
	}
	return d.dram[bankID]
}

// transfer copies between host data and the byte range [offset, offset+len(data)) of the buffer.
func (b *Buffer) transfer(offset uint32, data []byte, write bool) {
	for len(data) > 0 {
		page, within := offset/b.pageSize, offset%b.pageSize
		n := min(uint32(len(data)), b.pageSize-within)
		loc := b.PageLocation(page)
		mem := b.bankMemory(loc.BankID)
		if write {
			mem.WriteAt(loc.Offset+within, data[:n])
		} else {
			mem.ReadAt(loc.Offset+within, data[:n])
		}
		data = data[n:]
		offset += n
	}
}

// WriteBuffer copies data to the buffer. The length of data must be exactly the buffer size.
func (d *Device) WriteBuffer(b *Buffer, data []byte) error {
	if b.device != d {
		return errors.Errorf("device %d: %s belongs to another device", d.id, b)
	}
	if !b.IsAllocated() {
		return errors.Errorf("device %d: write to deallocated %s", d.id, b)
	}
	if uint32(len(data)) != b.size {
		return errors.Errorf("device %d: writing %d bytes to %s, sizes must match exactly", d.id, len(data), b)
	}
	return d.staged(b.size, func() { b.transfer(0, data, true) })
}

// ReadBuffer reads size bytes starting at offset from the buffer.
func (d *Device) ReadBuffer(b *Buffer, offset, size uint32) ([]byte, error) {
	if b.device != d {
		return nil, errors.Errorf("device %d: %s belongs to another device", d.id, b)
	}
	if !b.IsAllocated() {
		return nil, errors.Errorf("device %d: read from deallocated %s", d.id, b)
	}
	if uint64(offset)+uint64(size) > uint64(b.size) {
		return nil, errors.Errorf("device %d: reading [%d, %d) beyond the end of %s", d.id, offset, offset+size, b)
	}
	data := make([]byte, size)
	err := d.staged(size, func() { b.transfer(offset, data, false) })
	return data, err
}

// staged reserves a staging area in host pinned memory for the duration of a transfer.
func (d *Device) staged(size uint32, transfer func()) error {
	if size == 0 {
		return nil
	}
	sysmem := d.banks.Sysmem()
	addr, err := sysmem.Allocate(size, false)
	if err != nil {
		return errors.WithMessagef(err, "device %d: no pinned host memory to stage a transfer", d.id)
	}
	defer func() { _ = sysmem.Deallocate(addr) }()
	transfer()
	return nil
}

// bankIndex returns the index of a core in the L1 banks table.
func (d *Device) bankIndex(core grid.CoreCoord) int {
	return core.Y*d.config.GridX + core.X
}
