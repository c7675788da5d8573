// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package addrgen maps logical unit indices (tiles or sticks) of a device buffer to physical
// addresses, on the host side.
//
// Kernels running on the device recompute the very same formulas (see package dataflow) from the
// runtime arguments the host gives them. Both implementations must agree bit-for-bit: a divergence
// doesn't crash, it silently reads or writes the wrong data.
//
// Two placement schemes are supported:
//
//   - Single bank: address = base + offset.
//   - Interleaved over N banks: unit i goes to bank i mod N, at offset (i div N) * pageSize + base
//     + bankOffset[bank], where pageSize is rounded up to 32 bytes. A power-of-2 specialization
//     uses shifts and masks instead.
package addrgen

import (
	"math/bits"

	"github.com/gomlx/exceptions"
	"golang.org/x/exp/constraints"
)

// NoC address encoding: the upper bits of a 64 bits NoC address hold the (x, y) coordinates of the
// target node, the lower LocalBits the address within the node.
const (
	LocalBits  = 32
	NodeIDBits = 6
	nodeIDMask = 1<<NodeIDBits - 1
)

// NocAddr encodes a unicast NoC address for the node at physical coordinates (x, y).
func NocAddr(x, y int, addr uint32) uint64 {
	return uint64(y)<<(LocalBits+NodeIDBits) | uint64(x)<<LocalBits | uint64(addr)
}

// DecodeNocAddr is the inverse of NocAddr.
func DecodeNocAddr(nocAddr uint64) (x, y int, addr uint32) {
	addr = uint32(nocAddr)
	x = int(nocAddr>>LocalBits) & nodeIDMask
	y = int(nocAddr>>(LocalBits+NodeIDBits)) & nodeIDMask
	return
}

// NocMulticastAddr encodes a multicast NoC address covering the physical rectangle
// [xStart, xEnd] x [yStart, yEnd].
func NocMulticastAddr(xStart, yStart, xEnd, yEnd int, addr uint32) uint64 {
	encoding := uint64(xStart)<<(2*NodeIDBits) | uint64(yStart)<<(3*NodeIDBits) |
		uint64(xEnd) | uint64(yEnd)<<NodeIDBits
	return encoding<<LocalBits | uint64(addr)
}

// DecodeNocMulticastAddr is the inverse of NocMulticastAddr.
func DecodeNocMulticastAddr(nocAddr uint64) (xStart, yStart, xEnd, yEnd int, addr uint32) {
	addr = uint32(nocAddr)
	encoding := nocAddr >> LocalBits
	xEnd = int(encoding) & nodeIDMask
	yEnd = int(encoding>>NodeIDBits) & nodeIDMask
	xStart = int(encoding>>(2*NodeIDBits)) & nodeIDMask
	yStart = int(encoding>>(3*NodeIDBits)) & nodeIDMask
	return
}

// Bank is one independently addressable memory bank: a DRAM channel or the L1 of a core.
type Bank struct {
	// NocX, NocY are the physical NoC coordinates of the node serving the bank.
	NocX, NocY int

	// Offset is added to every address of the bank.
	Offset uint32
}

// Location of one unit.
type Location struct {
	BankID int

	// Offset is the address within the bank's node.
	Offset uint32
}

// NocAddr returns the NoC address of the location, given the bank table.
func (l Location) NocAddr(banks []Bank) uint64 {
	b := banks[l.BankID]
	return NocAddr(b.NocX, b.NocY, l.Offset)
}

// RoundUp rounds value up to a multiple of multiple.
func RoundUp[T constraints.Integer](value, multiple T) T {
	return (value + multiple - 1) / multiple * multiple
}

// DivUp returns ceil(a/b).
func DivUp[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}

// Nearest32 rounds a page size up to the 32 bytes alignment of the banks.
func Nearest32(value uint32) uint32 {
	return RoundUp(value, 32)
}

// IsPow2 returns whether n is a power of 2.
func IsPow2[T constraints.Integer](n T) bool {
	return n > 0 && n&(n-1) == 0
}

// Log2 of a power of 2.
func Log2(n uint32) uint32 {
	if !IsPow2(n) {
		exceptions.Panicf("addrgen.Log2(%d): not a power of 2", n)
	}
	return uint32(bits.TrailingZeros32(n))
}

// SingleBank addresses a buffer living contiguously in one bank.
type SingleBank struct {
	Base uint32
	Bank Bank
}

// Address returns the absolute address of the given byte offset within the buffer.
func (g SingleBank) Address(offset uint32) uint32 {
	return g.Base + g.Bank.Offset + offset
}

// NocAddr returns the NoC address of the given byte offset within the buffer.
func (g SingleBank) NocAddr(offset uint32) uint64 {
	return NocAddr(g.Bank.NocX, g.Bank.NocY, g.Address(offset))
}

// Interleaved distributes pages round-robin over any number of banks.
type Interleaved struct {
	// Base is the address of the buffer in every bank.
	Base uint32

	// PageSize is the size of one unit. The stride within a bank is PageSize rounded up to 32 bytes.
	PageSize uint32

	Banks []Bank
}

// Locate returns the bank and offset of page i.
func (g Interleaved) Locate(i uint32) Location {
	n := uint32(len(g.Banks))
	bankID := i % n
	offset := (i/n)*Nearest32(g.PageSize) + g.Base + g.Banks[bankID].Offset
	return Location{BankID: int(bankID), Offset: offset}
}

// NocAddr returns the NoC address of byte `offset` within page i.
func (g Interleaved) NocAddr(i, offset uint32) uint64 {
	loc := g.Locate(i)
	loc.Offset += offset
	return loc.NocAddr(g.Banks)
}

// InterleavedPow2 is the specialization of Interleaved for a power-of-2 number of banks and page size,
// using shifts and masks.
type InterleavedPow2 struct {
	Base         uint32
	Log2PageSize uint32
	Banks        []Bank
}

// NewInterleavedPow2 checks that the number of banks and the page size are powers of 2.
func NewInterleavedPow2(base, pageSize uint32, banks []Bank) InterleavedPow2 {
	if !IsPow2(len(banks)) {
		exceptions.Panicf("addrgen.NewInterleavedPow2: number of banks %d is not a power of 2", len(banks))
	}
	return InterleavedPow2{Base: base, Log2PageSize: Log2(pageSize), Banks: banks}
}

// Locate returns the bank and offset of page i.
func (g InterleavedPow2) Locate(i uint32) Location {
	log2Banks := uint32(bits.TrailingZeros32(uint32(len(g.Banks))))
	bankID := i & (uint32(len(g.Banks)) - 1)
	offset := (i>>log2Banks)<<g.Log2PageSize + g.Base + g.Banks[bankID].Offset
	return Location{BankID: int(bankID), Offset: offset}
}

// NocAddr returns the NoC address of byte `offset` within page i.
func (g InterleavedPow2) NocAddr(i, offset uint32) uint64 {
	loc := g.Locate(i)
	loc.Offset += offset
	return loc.NocAddr(g.Banks)
}
