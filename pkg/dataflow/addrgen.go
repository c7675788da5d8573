package dataflow

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
)

const nocNodeBits = 6

// tileSizeOf returns the bytes of one tile of the given format on the device.
func tileSizeOf(format dtypes.DataType) uint32 {
	switch format {
	case dtypes.BFloat16, dtypes.Float32:
		return 2048
	case dtypes.BFloat8B:
		return 1088
	case dtypes.UInt32:
		return 4096
	}
	exceptions.Panicf("dataflow: no tile size for data format %s", format)
	return 0
}

// InterleavedAddrGen addresses pages of any size interleaved over the DRAM channels or the L1 banks.
type InterleavedAddrGen struct {
	k               *Kernel
	BankBaseAddress uint32
	PageSize        uint32
	nocXY, offsets  []uint32
}

// InterleavedAddrGen creates an address generator for a buffer interleaved over the DRAM channels
// (isDRAM) or the L1 banks.
func (k *Kernel) InterleavedAddrGen(isDRAM bool, bankBaseAddress, pageSize uint32) InterleavedAddrGen {
	g := InterleavedAddrGen{k: k, BankBaseAddress: bankBaseAddress, PageSize: pageSize}
	g.nocXY, g.offsets = k.Fabric.BankTable(isDRAM)
	return g
}

// NocAddr returns the NoC address of byte offset within page id.
func (g InterleavedAddrGen) NocAddr(id, offset uint32) uint64 {
	numBanks := uint32(len(g.nocXY))
	bank := id % numBanks
	alignedPageSize := (g.PageSize + 31) >> 5 << 5
	addr := (id/numBanks)*alignedPageSize + g.BankBaseAddress + g.offsets[bank] + offset
	return uint64(g.nocXY[bank])<<32 | uint64(addr)
}

// ReadPage reads page id into local L1 at l1Addr.
func (g InterleavedAddrGen) ReadPage(id, l1Addr uint32) {
	g.k.ReadAsync(g.NocAddr(id, 0), l1Addr, g.PageSize)
}

// WritePage writes PageSize bytes from local L1 at l1Addr to page id.
func (g InterleavedAddrGen) WritePage(id, l1Addr uint32) {
	g.k.WriteAsync(l1Addr, g.NocAddr(id, 0), g.PageSize)
}

// InterleavedPow2AddrGen is InterleavedAddrGen for a power of 2 number of banks and page size.
type InterleavedPow2AddrGen struct {
	k               *Kernel
	BankBaseAddress uint32
	Log2PageSize    uint32
	nocXY, offsets  []uint32
	log2NumBanks    uint32
}

// InterleavedPow2AddrGen creates a power of 2 address generator. It panics if the number of banks
// is not a power of 2.
func (k *Kernel) InterleavedPow2AddrGen(isDRAM bool, bankBaseAddress, log2PageSize uint32) InterleavedPow2AddrGen {
	g := InterleavedPow2AddrGen{k: k, BankBaseAddress: bankBaseAddress, Log2PageSize: log2PageSize}
	g.nocXY, g.offsets = k.Fabric.BankTable(isDRAM)
	n := uint32(len(g.nocXY))
	for n > 1 {
		if n&1 != 0 {
			exceptions.Panicf("kernel %q: %d banks is not a power of 2", k.Name, len(g.nocXY))
		}
		n >>= 1
		g.log2NumBanks++
	}
	return g
}

// NocAddr returns the NoC address of byte offset within page id.
func (g InterleavedPow2AddrGen) NocAddr(id, offset uint32) uint64 {
	bank := id & (1<<g.log2NumBanks - 1)
	addr := (id>>g.log2NumBanks)<<g.Log2PageSize + g.BankBaseAddress + g.offsets[bank] + offset
	return uint64(g.nocXY[bank])<<32 | uint64(addr)
}

// ReadPage reads page id into local L1 at l1Addr.
func (g InterleavedPow2AddrGen) ReadPage(id, l1Addr uint32) {
	g.k.ReadAsync(g.NocAddr(id, 0), l1Addr, 1<<g.Log2PageSize)
}

// WritePage writes one page from local L1 at l1Addr to page id.
func (g InterleavedPow2AddrGen) WritePage(id, l1Addr uint32) {
	g.k.WriteAsync(l1Addr, g.NocAddr(id, 0), 1<<g.Log2PageSize)
}

// InterleavedAddrGenFast addresses tiles of a data format interleaved over the banks.
type InterleavedAddrGenFast struct {
	k               *Kernel
	BankBaseAddress uint32
	DataFormat      dtypes.DataType
	nocXY, offsets  []uint32
}

// InterleavedAddrGenFast creates a tile address generator.
func (k *Kernel) InterleavedAddrGenFast(isDRAM bool, bankBaseAddress uint32, format dtypes.DataType) InterleavedAddrGenFast {
	g := InterleavedAddrGenFast{k: k, BankBaseAddress: bankBaseAddress, DataFormat: format}
	g.nocXY, g.offsets = k.Fabric.BankTable(isDRAM)
	tileSizeOf(format) // Validates the format.
	return g
}

// NocAddr returns the NoC address of byte offset within tile id.
func (g InterleavedAddrGenFast) NocAddr(id, offset uint32) uint64 {
	numBanks := uint32(len(g.nocXY))
	bank, row := id%numBanks, id/numBanks
	var rowOffset uint32
	switch g.DataFormat {
	case dtypes.BFloat16, dtypes.Float32:
		rowOffset = row << 11
	case dtypes.BFloat8B:
		rowOffset = row<<10 + row<<6
	case dtypes.UInt32:
		rowOffset = row << 12
	}
	addr := rowOffset + g.BankBaseAddress + g.offsets[bank] + offset
	return uint64(g.nocXY[bank])<<32 | uint64(addr)
}

// ReadTile reads tile id into local L1 at l1Addr.
func (g InterleavedAddrGenFast) ReadTile(id, l1Addr uint32) {
	g.k.ReadAsync(g.NocAddr(id, 0), l1Addr, tileSizeOf(g.DataFormat))
}

// WriteTile writes one tile from local L1 at l1Addr to tile id.
func (g InterleavedAddrGenFast) WriteTile(id, l1Addr uint32) {
	g.k.WriteAsync(l1Addr, g.NocAddr(id, 0), tileSizeOf(g.DataFormat))
}
