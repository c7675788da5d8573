package dataflow

import (
	"context"
	"sync"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilegrid/pkg/addrgen"
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/grid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flatMemory is a Memory backed by a byte slice.
type flatMemory struct {
	mu   sync.Mutex
	data []byte
}

func (m *flatMemory) ReadAt(addr uint32, dst []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(dst, m.data[addr:])
}

func (m *flatMemory) WriteAt(addr uint32, src []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[addr:], src)
}

// bankFabric only serves bank tables.
type bankFabric struct {
	Fabric
	banks []addrgen.Bank
}

func (f *bankFabric) BankTable(isDRAM bool) (nocXY, offsets []uint32) {
	for _, b := range f.banks {
		nocXY = append(nocXY, uint32(b.NocY)<<addrgen.NodeIDBits|uint32(b.NocX))
		offsets = append(offsets, b.Offset)
	}
	return
}

func (f *bankFabric) DstCapacity() int { return 8 }

func newTestCore(ctx context.Context) *Core {
	return NewCore(ctx, grid.CoreCoord{}, 1, 1, &flatMemory{data: make([]byte, 64*1024)})
}

func TestCircularBufferFIFO(t *testing.T) {
	core := newTestCore(context.Background())
	const pageSize = 16
	core.AddCircularBuffer(0, 0x100, pageSize, 2, dtypes.BFloat16)
	cb := core.CB(0)
	const numPages = 50

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range numPages {
			cb.ReserveBack(1)
			core.L1.WriteAt(cb.WritePtr(), []byte{byte(i)})
			cb.PushBack(1)
		}
	}()
	for i := range numPages {
		cb.WaitFront(1)
		got := make([]byte, 1)
		core.L1.ReadAt(cb.ReadPtr(), got)
		require.Equal(t, byte(i), got[0])
		require.Equal(t, uint32(0x100+(i%2)*pageSize), cb.ReadPtr())
		cb.PopFront(1)
	}
	wg.Wait()

	// Blocks can't wrap around the end of the buffer.
	core.AddCircularBuffer(1, 0x200, pageSize, 3, dtypes.BFloat16)
	cb = core.CB(1)
	cb.ReserveBack(2)
	cb.PushBack(2)
	require.Panics(t, func() { cb.ReserveBack(2) })
	require.Panics(t, func() { cb.PopFront(3) })
	require.Panics(t, func() { core.CB(7) })
}

func TestSemaphores(t *testing.T) {
	core := newTestCore(context.Background())
	const addr = 0x18000
	core.AddSemaphore(addr, 0)
	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			core.SemaphoreInc(addr, 1)
		}()
	}
	core.SemaphoreWait(addr, 3)
	wg.Wait()
	core.SemaphoreSet(addr, 0)
	assert.Equal(t, uint32(0), core.SemaphoreValue(addr))
	require.Panics(t, func() { core.SemaphoreValue(addr + 16) })
}

func TestHangOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	core := newTestCore(ctx)
	core.AddCircularBuffer(0, 0x100, 16, 2, dtypes.BFloat16)
	core.AddSemaphore(0x18000, 0)

	done := make(chan error)
	go func() {
		done <- exceptions.TryCatch[error](func() { core.CB(0).WaitFront(1) })
	}()
	cancel()
	core.Wake()
	err := <-done
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHang), "got %v", err)

	err = exceptions.TryCatch[error](func() { core.SemaphoreWait(0x18000, 1) })
	require.True(t, errors.Is(err, ErrHang), "got %v", err)

	// A wait that is already satisfied doesn't fail.
	core.SemaphoreSet(0x18000, 1)
	require.NotPanics(t, func() { core.SemaphoreWait(0x18000, 1) })
}

func TestKernelRegistry(t *testing.T) {
	Register("test_noop", func(k *Kernel) {})
	require.Panics(t, func() { Register("test_noop", func(k *Kernel) {}) })
	_, found := Lookup("test_noop")
	assert.True(t, found)
	_, found = Lookup("test_missing")
	assert.False(t, found)
	assert.Contains(t, Registered(), "test_noop")
}

func testBanks(n int) []addrgen.Bank {
	banks := make([]addrgen.Bank, n)
	for i := range banks {
		banks[i] = addrgen.Bank{NocX: 1 + i%12, NocY: i / 12, Offset: uint32(i%3) * 0x1000}
	}
	return banks
}

// The device-side generators must agree with the host-side ones for every unit.
func TestAddrGenAgreesWithHost(t *testing.T) {
	const base = 0x40000
	for _, numBanks := range []int{1, 2, 7, 8, 12} {
		banks := testBanks(numBanks)
		k := NewKernel("test", newTestCore(context.Background()), &bankFabric{banks: banks}, nil, nil, nil)

		for _, pageSize := range []uint32{64, 100, 2048} {
			host := addrgen.Interleaved{Base: base, PageSize: pageSize, Banks: banks}
			device := k.InterleavedAddrGen(true, base, pageSize)
			for i := range uint32(200) {
				require.Equal(t, host.NocAddr(i, 4), device.NocAddr(i, 4), "banks=%d pageSize=%d page=%d", numBanks, pageSize, i)
			}
		}

		for _, dt := range []dtypes.DataType{dtypes.BFloat16, dtypes.Float32, dtypes.BFloat8B, dtypes.UInt32} {
			host := addrgen.InterleavedTiles{Base: base, DataType: dt, Banks: banks}
			device := k.InterleavedAddrGenFast(true, base, dt)
			for i := range uint32(200) {
				require.Equal(t, host.NocAddr(i), device.NocAddr(i, 0), "banks=%d dtype=%s tile=%d", numBanks, dt, i)
			}
		}

		if addrgen.IsPow2(numBanks) {
			host := addrgen.NewInterleavedPow2(base, 1024, banks)
			device := k.InterleavedPow2AddrGen(true, base, 10)
			for i := range uint32(200) {
				require.Equal(t, host.NocAddr(i, 0), device.NocAddr(i, 0), "banks=%d page=%d", numBanks, i)
			}
		} else {
			require.Panics(t, func() { k.InterleavedPow2AddrGen(true, base, 10) })
		}
	}
}

func TestNocAddrEncoding(t *testing.T) {
	k := NewKernel("test", newTestCore(context.Background()), &bankFabric{}, nil, nil, nil)
	assert.Equal(t, addrgen.NocAddr(3, 9, 0x1234), k.NocAddr(3, 9, 0x1234))
	assert.Equal(t, addrgen.NocMulticastAddr(1, 2, 5, 7, 0x20), k.NocMulticastAddr(1, 2, 5, 7, 0x20))
	assert.Equal(t, addrgen.NocAddr(1, 1, 0x10), k.LocalNocAddr(0x10))
}

func TestComputeTiles(t *testing.T) {
	core := newTestCore(context.Background())
	core.AddCircularBuffer(0, 0x1000, 2048, 2, dtypes.BFloat16)
	core.AddCircularBuffer(16, 0x3000, 2048, 1, dtypes.BFloat16)
	k := NewKernel("test", core, &bankFabric{}, nil, nil, map[string]string{"SFPU_OP": "relu"})
	in, out := core.CB(0), core.CB(16)

	// a = identity, b(r, c) = r - c.
	a := make([]float32, dtypes.TileHW)
	b := make([]float32, dtypes.TileHW)
	for r := range dtypes.TileHeight {
		for c := range dtypes.TileWidth {
			if r == c {
				a[tileIndex[r*32+c]] = 1
			}
			b[tileIndex[r*32+c]] = float32(r - c)
		}
	}
	in.ReserveBack(2)
	k.PackValues(a, in, 0)
	k.PackValues(b, in, 1)
	in.PushBack(2)
	in.WaitFront(2)

	dst := k.AcquireDst()
	require.Panics(t, func() { k.AcquireDst() })
	k.MatmulTiles(in, in, 0, 1, 0)
	k.MatmulTiles(in, in, 0, 1, 0)
	assert.Equal(t, float32(2*(5-3)), dst.Tile(0)[tileIndex[5*32+3]])
	k.ApplyDefinedUnary("SFPU_OP", 0)
	assert.Equal(t, float32(0), dst.Tile(0)[tileIndex[3*32+5]])

	k.TransposeTile(in, 1, 1)
	assert.Equal(t, float32(3-5), dst.Tile(1)[tileIndex[5*32+3]])
	k.BcastTiles(BinaryAdd, BcastCols, in, in, 1, 1, 2)
	assert.Equal(t, float32((4-7)+4), dst.Tile(2)[tileIndex[4*32+7]])
	require.Panics(t, func() { dst.Tile(8) })

	out.ReserveBack(1)
	k.PackTile(0, out, 0)
	out.PushBack(1)
	k.ReleaseDst()
	require.Panics(t, func() { k.ReleaseDst() })
	out.WaitFront(1)
	assert.Equal(t, float32(4), k.UnpackTile(out, 0)[tileIndex[5*32+3]])
}
