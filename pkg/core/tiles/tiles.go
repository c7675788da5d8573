// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tiles implements the host-side conversions between the memory layouts of the device:
// row-major, tiled (32x32 tiles made of four 16x16 faces) and channels-last.
//
// It also implements the element encodings used on device memory: pairs of BFloat16 packed in
// 32 bits words, and the BFloat8B block-float format.
package tiles

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilegrid/internal/workerspool"
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/shapes"
)

// IndexInTile returns the position within a tile of element (row, col), 0 <= row, col < 32.
//
// Faces are stored in order top-left, top-right, bottom-left, bottom-right, each one row-major.
func IndexInTile(row, col int) int {
	face := (row/dtypes.FaceHeight)*2 + col/dtypes.FaceWidth
	return face*dtypes.FaceHW + (row%dtypes.FaceHeight)*dtypes.FaceWidth + col%dtypes.FaceWidth
}

// RowColInTile is the inverse of IndexInTile.
func RowColInTile(index int) (row, col int) {
	face := index / dtypes.FaceHW
	within := index % dtypes.FaceHW
	row = (face/2)*dtypes.FaceHeight + within/dtypes.FaceWidth
	col = (face%2)*dtypes.FaceWidth + within%dtypes.FaceWidth
	return
}

// Tilize converts row-major data of the given shape to tile layout.
// The last two dimensions of the shape must be multiples of 32.
func Tilize[T any](data []T, shape shapes.Shape) []T {
	return convertTiles(data, shape, true)
}

// Untilize converts tile layout data back to row-major.
func Untilize[T any](data []T, shape shapes.Shape) []T {
	return convertTiles(data, shape, false)
}

func convertTiles[T any](data []T, shape shapes.Shape, tilize bool) []T {
	if !shape.IsTileAligned() {
		exceptions.Panicf("tiles: shape %s is not tile aligned", shape)
	}
	if len(data) != shape.Volume() {
		exceptions.Panicf("tiles: data has %d elements, shape %s requires %d", len(data), shape, shape.Volume())
	}
	out := make([]T, len(data))
	h, w := shape.H(), shape.W()
	ht, wt := shape.TileGrid()
	slab := h * w
	workerspool.Default.ParallelFor(shape.Batches(), func(batch int) {
		base := batch * slab
		for tr := range ht {
			for tc := range wt {
				tileBase := base + (tr*wt+tc)*dtypes.TileHW
				for idx := range dtypes.TileHW {
					r, c := RowColInTile(idx)
					rowMajor := base + (tr*dtypes.TileHeight+r)*w + tc*dtypes.TileWidth + c
					if tilize {
						out[tileBase+idx] = data[rowMajor]
					} else {
						out[rowMajor] = data[tileBase+idx]
					}
				}
			}
		}
	})
	return out
}

// ToChannelsLast converts (N, C, H, W) row-major data to (N, H, W, C) order.
func ToChannelsLast[T any](data []T, shape shapes.Shape) []T {
	return convertChannels(data, shape, true)
}

// FromChannelsLast converts (N, H, W, C) data back to (N, C, H, W) row-major order.
func FromChannelsLast[T any](data []T, shape shapes.Shape) []T {
	return convertChannels(data, shape, false)
}

func convertChannels[T any](data []T, shape shapes.Shape, toLast bool) []T {
	if shape.Rank() != 4 {
		exceptions.Panicf("tiles: channels-last conversion requires a rank-4 shape, got %s", shape)
	}
	if len(data) != shape.Volume() {
		exceptions.Panicf("tiles: data has %d elements, shape %s requires %d", len(data), shape, shape.Volume())
	}
	n, c, h, w := shape.N(), shape.C(), shape.H(), shape.W()
	out := make([]T, len(data))
	workerspool.Default.ParallelFor(n, func(b int) {
		for ci := range c {
			for hi := range h {
				for wi := range w {
					nchw := ((b*c+ci)*h+hi)*w + wi
					nhwc := ((b*h+hi)*w+wi)*c + ci
					if toLast {
						out[nhwc] = data[nchw]
					} else {
						out[nchw] = data[nhwc]
					}
				}
			}
		}
	})
	return out
}

// Pad copies row-major data of shape `from` into a larger shape `to` of the same rank, filling
// the new positions with value.
func Pad[T any](data []T, from, to shapes.Shape, value T) []T {
	return copyRegion(data, from, to, value, true)
}

// Unpad copies the top-left corner of shape `to` out of row-major data of shape `from`.
func Unpad[T any](data []T, from, to shapes.Shape) []T {
	var zero T
	return copyRegion(data, from, to, zero, false)
}

func copyRegion[T any](data []T, from, to shapes.Shape, value T, pad bool) []T {
	if from.Rank() != to.Rank() {
		exceptions.Panicf("tiles: cannot pad/unpad between ranks %d and %d", from.Rank(), to.Rank())
	}
	small, large := from, to
	if !pad {
		small, large = to, from
	}
	for axis := range small.Rank() {
		if small.Dimensions[axis] > large.Dimensions[axis] {
			exceptions.Panicf("tiles: shape %s doesn't fit in shape %s", small, large)
		}
	}
	out := make([]T, to.Volume())
	if pad {
		for i := range out {
			out[i] = value
		}
	}
	largeStrides := large.Strides()
	for flat, indices := range small.Iter() {
		largeIdx := 0
		for axis, idx := range indices {
			largeIdx += idx * largeStrides[axis]
		}
		if pad {
			out[largeIdx] = data[flat]
		} else {
			out[flat] = data[largeIdx]
		}
	}
	return out
}
