package addrgen

import (
	"testing"

	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeBanks(n int) []Bank {
	banks := make([]Bank, n)
	for i := range banks {
		banks[i] = Bank{NocX: 1 + 3*(i/2), NocY: 6 * (i % 2), Offset: uint32(i%3) * 64}
	}
	return banks
}

func TestNocAddr(t *testing.T) {
	for _, tc := range []struct {
		x, y int
		addr uint32
	}{{0, 0, 0}, {1, 6, 0x1234}, {12, 11, 0xFFFF_FFFF}, {63, 63, 32}} {
		x, y, addr := DecodeNocAddr(NocAddr(tc.x, tc.y, tc.addr))
		assert.Equal(t, tc.x, x)
		assert.Equal(t, tc.y, y)
		assert.Equal(t, tc.addr, addr)
	}
	assert.Equal(t, uint64(6)<<38|uint64(1)<<32|0x100, NocAddr(1, 6, 0x100))

	xs, ys, xe, ye, addr := DecodeNocMulticastAddr(NocMulticastAddr(2, 1, 12, 10, 0x8000))
	assert.Equal(t, []int{2, 1, 12, 10}, []int{xs, ys, xe, ye})
	assert.Equal(t, uint32(0x8000), addr)
}

func TestInterleaved(t *testing.T) {
	banks := makeBanks(3)
	g := Interleaved{Base: 0x1000, PageSize: 100, Banks: banks}
	// Page stride is rounded up to 128 bytes.
	loc := g.Locate(7)
	assert.Equal(t, 1, loc.BankID)
	assert.Equal(t, uint32(2*128+0x1000)+banks[1].Offset, loc.Offset)
	x, y, addr := DecodeNocAddr(g.NocAddr(7, 4))
	assert.Equal(t, banks[1].NocX, x)
	assert.Equal(t, banks[1].NocY, y)
	assert.Equal(t, loc.Offset+4, addr)

	single := SingleBank{Base: 0x2000, Bank: banks[2]}
	assert.Equal(t, uint32(0x2010)+banks[2].Offset, single.Address(0x10))
}

func TestInterleavedPow2AgreesWithGeneric(t *testing.T) {
	for _, numBanks := range []int{1, 2, 4, 8} {
		banks := makeBanks(numBanks)
		for _, pageSize := range []uint32{32, 1024, 2048, 4096} {
			generic := Interleaved{Base: 0x40, PageSize: pageSize, Banks: banks}
			pow2 := NewInterleavedPow2(0x40, pageSize, banks)
			for i := uint32(0); i < 200; i++ {
				require.Equal(t, generic.Locate(i), pow2.Locate(i), "banks=%d, pageSize=%d, i=%d", numBanks, pageSize, i)
			}
		}
	}
	require.Panics(t, func() { NewInterleavedPow2(0, 2048, makeBanks(3)) })
	require.Panics(t, func() { NewInterleavedPow2(0, 1088, makeBanks(4)) })
}

func TestInterleavedTiles(t *testing.T) {
	for _, dt := range []dtypes.DataType{dtypes.BFloat16, dtypes.Float32, dtypes.UInt32, dtypes.BFloat8B} {
		assert.Equal(t, uint32(5*dt.TileSize()), MulWithTileSize(dt, 5), "data type %s", dt)
		for _, numBanks := range []int{3, 8} {
			banks := makeBanks(numBanks)
			tilesGen := InterleavedTiles{Base: 0x100, DataType: dt, Banks: banks}
			generic := Interleaved{Base: 0x100, PageSize: uint32(dt.TileSize()), Banks: banks}
			for i := uint32(0); i < 100; i++ {
				require.Equal(t, generic.Locate(i), tilesGen.Locate(i), "%s, banks=%d, i=%d", dt, numBanks, i)
			}
		}
	}
	g := InterleavedTiles{Base: 0, DataType: dtypes.BFloat8B, Banks: makeBanks(8)}
	assert.Equal(t, uint32(1088), g.Locate(8).Offset-g.Banks[0].Offset)
}

func TestGetUnitMetadata(t *testing.T) {
	shape := shapes.Make(2, 1, 64, 96)
	for _, tc := range []struct {
		dt                 dtypes.DataType
		layout             shapes.Layout
		numUnits, unitSize int
	}{
		{dtypes.BFloat16, shapes.Tile, 12, 2048},
		{dtypes.Float32, shapes.Tile, 12, 2048},
		{dtypes.UInt32, shapes.Tile, 12, 4096},
		{dtypes.BFloat8B, shapes.Tile, 12, 1088},
		{dtypes.BFloat16, shapes.RowMajor, 128, 96 * 2},
		{dtypes.UInt32, shapes.RowMajor, 128, 96 * 4},
	} {
		total := tc.numUnits * tc.unitSize
		m := GetUnitMetadata(tc.dt, tc.layout, total, shape)
		assert.Equal(t, tc.numUnits, m.NumBankUnits, "%s/%s", tc.dt, tc.layout)
		assert.Equal(t, tc.unitSize, m.UnitSize(), "%s/%s", tc.dt, tc.layout)
		assert.Equal(t, 4, m.BytesPerEntry)
	}

	// Channels-last sticks have C elements.
	m := GetUnitMetadata(dtypes.BFloat16, shapes.ChannelsLast, 2*64*96*32*2, shapes.Make(2, 32, 64, 96))
	assert.Equal(t, 2*64*96, m.NumBankUnits)
	assert.Equal(t, 16, m.NumEntriesPerUnit)

	// Size mismatches are programming errors.
	require.Panics(t, func() { GetUnitMetadata(dtypes.BFloat16, shapes.Tile, 2048*12+2, shape) })
	require.Panics(t, func() { GetUnitMetadata(dtypes.BFloat8B, shapes.Tile, 2048*12, shape) })
}
