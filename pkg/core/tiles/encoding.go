// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiles

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
)

// TruncateFloat32 converts float32 values to BFloat16 by dropping the lower mantissa bits.
func TruncateFloat32(values []float32) []bfloat16.BFloat16 {
	out := make([]bfloat16.BFloat16, len(values))
	for i, v := range values {
		out[i] = dtypes.TruncateToBFloat16(v)
	}
	return out
}

// BFloat16ToFloat32 widens BFloat16 values.
func BFloat16ToFloat32(values []bfloat16.BFloat16) []float32 {
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = v.Float32()
	}
	return out
}

// PackBFloat16 packs pairs of BFloat16 into 32 bits words: element 2i in the lower half,
// element 2i+1 in the upper half. An odd trailing element is padded with zero.
func PackBFloat16(values []bfloat16.BFloat16) []uint32 {
	words := make([]uint32, (len(values)+1)/2)
	for i, v := range values {
		words[i/2] |= uint32(v) << (16 * (i % 2))
	}
	return words
}

// UnpackBFloat16 is the inverse of PackBFloat16, returning 2*len(words) values.
func UnpackBFloat16(words []uint32) []bfloat16.BFloat16 {
	values := make([]bfloat16.BFloat16, 2*len(words))
	for i, w := range words {
		values[2*i] = bfloat16.BFloat16(uint16(w))
		values[2*i+1] = bfloat16.BFloat16(uint16(w >> 16))
	}
	return values
}

// BFloat16ToBytes encodes the values in little-endian, the device byte order.
func BFloat16ToBytes(values []bfloat16.BFloat16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// BytesToBFloat16 decodes little-endian BFloat16 values.
func BytesToBFloat16(data []byte) []bfloat16.BFloat16 {
	values := make([]bfloat16.BFloat16, len(data)/2)
	for i := range values {
		values[i] = bfloat16.BFloat16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return values
}

// Uint32ToBytes encodes the words in little-endian.
func Uint32ToBytes(words []uint32) []byte {
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

// BytesToUint32 decodes little-endian 32 bits words.
func BytesToUint32(data []byte) []uint32 {
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[4*i:])
	}
	return words
}

// bfp8Group is the number of elements sharing one exponent byte: one face row.
const bfp8Group = 16

// PackBFloat8B packs tilized float32 values into BFloat8B tiles of 1088 bytes each.
//
// Each group of 16 consecutive values (one face row) shares the largest exponent of the group.
// Each value keeps its sign and the 7 most significant bits of its significand aligned to the
// shared exponent. Lower bits are truncated. Denormals are flushed to zero.
func PackBFloat8B(tilized []float32) []byte {
	if len(tilized)%dtypes.TileHW != 0 {
		exceptions.Panicf("tiles: PackBFloat8B requires whole tiles, got %d values", len(tilized))
	}
	numTiles := len(tilized) / dtypes.TileHW
	out := make([]byte, numTiles*dtypes.BFloat8BTileSize)
	const numExponents = dtypes.TileHW / bfp8Group
	for tile := range numTiles {
		src := tilized[tile*dtypes.TileHW : (tile+1)*dtypes.TileHW]
		dst := out[tile*dtypes.BFloat8BTileSize : (tile+1)*dtypes.BFloat8BTileSize]
		exponents, mantissas := dst[:numExponents], dst[numExponents:]
		for group := range numExponents {
			values := src[group*bfp8Group : (group+1)*bfp8Group]
			var shared uint32
			for _, v := range values {
				shared = max(shared, (math.Float32bits(v)>>23)&0xFF)
			}
			exponents[group] = byte(shared)
			for i, v := range values {
				bits := math.Float32bits(v)
				sign := byte(bits >> 31)
				exp := (bits >> 23) & 0xFF
				var mant7 uint32
				if exp != 0 {
					shift := shared - exp
					if shift < 24 {
						significand := (bits & 0x7FFFFF) | 0x800000
						mant7 = (significand >> shift) >> 17
					}
				}
				mantissas[group*bfp8Group+i] = sign<<7 | byte(mant7&0x7F)
				if mant7 == 0 {
					// Avoid negative zeros.
					mantissas[group*bfp8Group+i] = 0
				}
			}
		}
	}
	return out
}

// UnpackBFloat8B decodes BFloat8B tiles into tilized float32 values.
func UnpackBFloat8B(packed []byte) []float32 {
	if len(packed)%dtypes.BFloat8BTileSize != 0 {
		exceptions.Panicf("tiles: UnpackBFloat8B requires whole tiles of %d bytes, got %d bytes",
			dtypes.BFloat8BTileSize, len(packed))
	}
	numTiles := len(packed) / dtypes.BFloat8BTileSize
	out := make([]float32, numTiles*dtypes.TileHW)
	const numExponents = dtypes.TileHW / bfp8Group
	for tile := range numTiles {
		src := packed[tile*dtypes.BFloat8BTileSize : (tile+1)*dtypes.BFloat8BTileSize]
		dst := out[tile*dtypes.TileHW : (tile+1)*dtypes.TileHW]
		exponents, mantissas := src[:numExponents], src[numExponents:]
		for idx, m := range mantissas {
			shared := int(exponents[idx/bfp8Group])
			magnitude := float32(math.Ldexp(float64(m&0x7F), shared-127-6))
			if m&0x80 != 0 {
				magnitude = -magnitude
			}
			dst[idx] = magnitude
		}
	}
	return out
}
