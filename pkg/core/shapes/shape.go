// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines the Shape of a tensor and its physical Layout on the device.
//
// A Shape is an ordered list of non-negative dimensions. Most operations work on rank-4 shapes
// interpreted as (N, C, H, W): outer batch, channel, height and width.
//
// The Layout decides how the elements are laid out in memory, and with it the granularity of
// transfers to and from the device ("units"):
//
//   - RowMajor: the usual C order. The unit is one row of W elements (a "stick").
//   - Tile: the last two dimensions are split in 32x32 tiles, each one stored as four 16x16 faces.
//     The unit is one tile. H and W must be multiples of 32.
//   - ChannelsLast: (N, H, W, C) order for a (N, C, H, W) shape. The unit is one stick of C elements.
//
// ## Glossary
//
//   - Tile: 32x32 block of elements, the atomic unit of transfer and compute in Tile layout.
//   - Stick: one contiguous row of elements (W for RowMajor, C for ChannelsLast).
//   - Ht, Wt: height and width in number of tiles.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/support/xslices"
)

// Shape of a tensor: its dimensions only. The data type and layout are kept by the tensor.
type Shape struct {
	Dimensions []int
}

// Make returns a Shape with the given dimensions. It panics if any dimension is negative.
func Make(dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%v): cannot create a shape with a negative dimension", dimensions)
		}
	}
	return s
}

// Rank of the shape, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// Dim returns the dimension of the given axis. Negative axes are counted from the end, so Dim(-1)
// is the last dimension.
func (s Shape) Dim(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjusted]
}

// Volume is the total number of elements.
func (s Shape) Volume() int {
	return xslices.Product(s.Dimensions)
}

// Equal compares two shapes.
func (s Shape) Equal(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{Dimensions: slices.Clone(s.Dimensions)}
}

// String implements fmt.Stringer.
func (s Shape) String() string {
	return fmt.Sprintf("%v", s.Dimensions)
}

// N, C, H and W return the dimensions of a rank-4 shape.
func (s Shape) N() int { return s.Dim(0) }
func (s Shape) C() int { return s.Dim(1) }
func (s Shape) H() int { return s.Dim(-2) }
func (s Shape) W() int { return s.Dim(-1) }

// Batches returns the product of all dimensions but the last two.
func (s Shape) Batches() int {
	if s.Rank() < 2 {
		return 1
	}
	batches := 1
	for _, dim := range s.Dimensions[:s.Rank()-2] {
		batches *= dim
	}
	return batches
}

// TileGrid returns the number of 32x32 tiles along the height (Ht) and width (Wt) of the shape.
// Partial tiles are counted as full ones.
func (s Shape) TileGrid() (ht, wt int) {
	if s.Rank() < 2 {
		exceptions.Panicf("Shape.TileGrid() requires rank >= 2, got shape %s", s)
	}
	return DivUp(s.H(), dtypes.TileHeight), DivUp(s.W(), dtypes.TileWidth)
}

// NumTiles is the total number of tiles of the shape, counting partial tiles as full ones.
func (s Shape) NumTiles() int {
	ht, wt := s.TileGrid()
	return s.Batches() * ht * wt
}

// PaddedToTile returns the shape with its last two dimensions rounded up to multiples of 32.
// If padChannels is true (rank-4 only), C is also rounded up to a multiple of 32.
func (s Shape) PaddedToTile(padChannels bool) Shape {
	padded := s.Clone()
	r := padded.Rank()
	padded.Dimensions[r-1] = RoundUp(padded.Dimensions[r-1], dtypes.TileWidth)
	padded.Dimensions[r-2] = RoundUp(padded.Dimensions[r-2], dtypes.TileHeight)
	if padChannels && r == 4 {
		padded.Dimensions[1] = RoundUp(padded.Dimensions[1], dtypes.TileHeight)
	}
	return padded
}

// IsTileAligned returns whether the last two dimensions are multiples of the tile size.
func (s Shape) IsTileAligned() bool {
	return s.Rank() >= 2 && s.H()%dtypes.TileHeight == 0 && s.W()%dtypes.TileWidth == 0
}

// DivUp returns ceil(a / b) for non-negative integers.
func DivUp(a, b int) int {
	return (a + b - 1) / b
}

// RoundUp returns a rounded up to the next multiple of b.
func RoundUp(a, b int) int {
	return DivUp(a, b) * b
}
