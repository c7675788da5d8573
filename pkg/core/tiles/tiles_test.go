package tiles

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequence(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestIndexInTile(t *testing.T) {
	assert.Equal(t, 0, IndexInTile(0, 0))
	assert.Equal(t, 15, IndexInTile(0, 15))
	assert.Equal(t, 256, IndexInTile(0, 16))
	assert.Equal(t, 16, IndexInTile(1, 0))
	assert.Equal(t, 512, IndexInTile(16, 0))
	assert.Equal(t, 1023, IndexInTile(31, 31))
	for idx := range dtypes.TileHW {
		r, c := RowColInTile(idx)
		require.Equal(t, idx, IndexInTile(r, c))
	}
}

func TestTilize(t *testing.T) {
	shape := shapes.Make(2, 1, 64, 96)
	data := sequence(shape.Volume())
	tilized := Tilize(data, shape)

	// Second tile of the first batch starts with row 0, column 32.
	assert.Equal(t, 32, tilized[dtypes.TileHW])
	// Top-right face of the first tile starts at row 0, column 16.
	assert.Equal(t, 16, tilized[dtypes.FaceHW])
	// First tile of the second batch.
	assert.Equal(t, 64*96, tilized[6*dtypes.TileHW])
	// Element (33, 1) of batch 0 is in tile (1, 0), face 0, row 1, col 1.
	assert.Equal(t, 33*96+1, tilized[3*dtypes.TileHW+IndexInTile(1, 1)])

	assert.Equal(t, data, Untilize(tilized, shape))
	assert.Panics(t, func() { Tilize(data[:10], shape) })
	assert.Panics(t, func() { Tilize(sequence(30*32), shapes.Make(30, 32)) })
}

func TestChannelsLast(t *testing.T) {
	shape := shapes.Make(2, 3, 2, 2)
	data := sequence(shape.Volume())
	cl := ToChannelsLast(data, shape)
	// (n=0, h=0, w=0) has channels 0, 4, 8.
	assert.Equal(t, []int{0, 4, 8}, cl[:3])
	assert.Equal(t, data, FromChannelsLast(cl, shape))
}

func TestPadUnpad(t *testing.T) {
	from := shapes.Make(1, 2, 3)
	to := shapes.Make(1, 3, 4)
	padded := Pad([]int{1, 2, 3, 4, 5, 6}, from, to, -1)
	assert.Equal(t, []int{1, 2, 3, -1, 4, 5, 6, -1, -1, -1, -1, -1}, padded)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, Unpad(padded, to, from))
	assert.Panics(t, func() { Pad([]int{1}, shapes.Make(2), shapes.Make(1), 0) })
}

func TestBFloat16Packing(t *testing.T) {
	values := TruncateFloat32([]float32{1, -2, 0.5, 3})
	words := PackBFloat16(values)
	require.Len(t, words, 2)
	assert.Equal(t, uint32(0xC0003F80), words[0]) // -2 in upper half, 1 in lower half.
	assert.Equal(t, values, UnpackBFloat16(words))

	odd := PackBFloat16(values[:3])
	require.Len(t, odd, 2)
	assert.Equal(t, uint16(0), uint16(odd[1]>>16))

	assert.Equal(t, values, BytesToBFloat16(BFloat16ToBytes(values)))
	assert.Equal(t, words, BytesToUint32(Uint32ToBytes(words)))
	// Little-endian words and little-endian BFloat16 pairs are the same bytes.
	assert.Equal(t, BFloat16ToBytes(values), Uint32ToBytes(words))
	assert.Equal(t, []float32{1, -2, 0.5, 3}, BFloat16ToFloat32(values))
}

func TestBFloat8B(t *testing.T) {
	// Values k/64 for k in [64, 128) share exponent 0 and need only 7 bits: exact.
	exact := make([]float32, dtypes.TileHW)
	for i := range exact {
		k := 64 + i%64
		exact[i] = float32(k) / 64
		if i%3 == 0 {
			exact[i] = -exact[i]
		}
	}
	packed := PackBFloat8B(exact)
	require.Len(t, packed, dtypes.BFloat8BTileSize)
	assert.Equal(t, exact, UnpackBFloat8B(packed))

	// Zeros and mixed magnitudes: error bounded by the shared exponent precision.
	rng := rand.New(rand.NewPCG(1, 2))
	values := make([]float32, 2*dtypes.TileHW)
	for i := range values {
		values[i] = rng.Float32()*4 - 2
	}
	values[5] = 0
	got := UnpackBFloat8B(PackBFloat8B(values))
	for i, v := range values {
		assert.InDelta(t, v, got[i], 2.0/64+1e-6, "index %d", i)
	}
	assert.Equal(t, float32(0), got[5])
	assert.Panics(t, func() { PackBFloat8B(values[:10]) })
	assert.Panics(t, func() { UnpackBFloat8B(packed[:100]) })
}
