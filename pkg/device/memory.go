package device

import (
	"sync"

	"github.com/gomlx/exceptions"
)

const memoryPageSize = 64 << 10

// memory is a sparse byte-addressable memory: pages are only materialized when written, and
// unwritten bytes read as zero.
type memory struct {
	name string
	size uint32

	mu    sync.RWMutex
	pages map[uint32][]byte
}

func newMemory(name string, size uint32) *memory {
	return &memory{name: name, size: size, pages: make(map[uint32][]byte)}
}

func (m *memory) checkRange(addr uint32, n int) {
	if uint64(addr)+uint64(n) > uint64(m.size) {
		exceptions.Panicf("%s: access of %d bytes at 0x%x beyond its size of 0x%x bytes", m.name, n, addr, m.size)
	}
}

// ReadAt implements dataflow.Memory.
func (m *memory) ReadAt(addr uint32, dst []byte) {
	m.checkRange(addr, len(dst))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for len(dst) > 0 {
		pageIdx, offset := addr/memoryPageSize, addr%memoryPageSize
		n := min(len(dst), int(memoryPageSize-offset))
		if page, found := m.pages[pageIdx]; found {
			copy(dst[:n], page[offset:])
		} else {
			clear(dst[:n])
		}
		dst = dst[n:]
		addr += uint32(n)
	}
}

// WriteAt implements dataflow.Memory.
func (m *memory) WriteAt(addr uint32, src []byte) {
	m.checkRange(addr, len(src))
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(src) > 0 {
		pageIdx, offset := addr/memoryPageSize, addr%memoryPageSize
		page, found := m.pages[pageIdx]
		if !found {
			page = make([]byte, memoryPageSize)
			m.pages[pageIdx] = page
		}
		n := copy(page[offset:], src)
		src = src[n:]
		addr += uint32(n)
	}
}

// numPages returns the number of materialized pages.
func (m *memory) numPages() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}
