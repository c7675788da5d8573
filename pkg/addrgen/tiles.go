// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package addrgen

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/shapes"
)

// InterleavedTiles is the tile-addressing generator: the stride within a bank is the tile size of
// the data type, computed with shifts (BFloat16: id<<11, BFloat8B: (id<<10)+(id<<6)).
type InterleavedTiles struct {
	Base     uint32
	DataType dtypes.DataType
	Banks    []Bank
}

// MulWithTileSize multiplies a tile count by the tile size of the data type.
func MulWithTileSize(dt dtypes.DataType, count uint32) uint32 {
	switch dt {
	case dtypes.BFloat16, dtypes.Float32:
		return count << 11
	case dtypes.BFloat8B:
		return count<<10 + count<<6
	case dtypes.UInt32:
		return count << 12
	}
	exceptions.Panicf("addrgen.MulWithTileSize: unsupported data type %s", dt)
	return 0
}

// Locate returns the bank and offset of tile i.
func (g InterleavedTiles) Locate(i uint32) Location {
	n := uint32(len(g.Banks))
	var bankID, row uint32
	if IsPow2(n) {
		bankID, row = i&(n-1), i>>Log2(n)
	} else {
		bankID, row = i%n, i/n
	}
	offset := MulWithTileSize(g.DataType, row) + g.Base + g.Banks[bankID].Offset
	return Location{BankID: int(bankID), Offset: offset}
}

// NocAddr returns the NoC address of tile i.
func (g InterleavedTiles) NocAddr(i uint32) uint64 {
	return g.Locate(i).NocAddr(g.Banks)
}

// UnitMetadata describes how a tensor is split in transfer units for an interleaved read or write.
type UnitMetadata struct {
	NumBankUnits      int
	NumEntriesPerUnit int
	BytesPerEntry     int
}

// UnitSize is the number of bytes of one unit.
func (m UnitMetadata) UnitSize() int {
	return m.NumEntriesPerUnit * m.BytesPerEntry
}

// GetUnitMetadata computes the transfer units of a tensor of totalBytes bytes on the device.
// Entries are 32 bits words.
//
//   - Tile: one unit per tile; the tile size depends on the data type (2048 bytes for BFloat16 and
//     Float32, which is written as BFloat16; 4096 for UInt32; 1088 for BFloat8B).
//   - RowMajor: one unit per row of W elements.
//   - ChannelsLast: one unit per stick of C elements.
//
// A totalBytes that is not a multiple of the unit size is a programming error, and it panics.
func GetUnitMetadata(dt dtypes.DataType, layout shapes.Layout, totalBytes int, shape shapes.Shape) UnitMetadata {
	const bytesPerEntry = 4
	var unitSize int
	switch layout {
	case shapes.Tile:
		unitSize = dt.TileSize()
	case shapes.RowMajor:
		unitSize = shape.W() * dt.DeviceSize()
	case shapes.ChannelsLast:
		unitSize = shape.C() * dt.DeviceSize()
	default:
		exceptions.Panicf("addrgen.GetUnitMetadata: unknown layout %s", layout)
	}
	if unitSize == 0 || unitSize%bytesPerEntry != 0 {
		exceptions.Panicf("addrgen.GetUnitMetadata: unit of %d bytes for shape %s (%s, %s) is not a multiple of %d bytes",
			unitSize, shape, dt, layout, bytesPerEntry)
	}
	if totalBytes%unitSize != 0 {
		exceptions.Panicf("addrgen.GetUnitMetadata: total size %d bytes is not a multiple of the unit size %d (shape %s, %s, %s)",
			totalBytes, unitSize, shape, dt, layout)
	}
	return UnitMetadata{
		NumBankUnits:      totalBytes / unitSize,
		NumEntriesPerUnit: unitSize / bytesPerEntry,
		BytesPerEntry:     bytesPerEntry,
	}
}
