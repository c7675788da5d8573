package dataflow

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/tiles"
)

// Dst is the destination register file of the compute engine: a fixed number of tiles of float32
// values, stored in tile (face) order.
type Dst struct {
	kernel *Kernel
	tiles  [][]float32
}

// Tile returns the values of the i-th destination register.
// It panics if i is beyond the capacity of the register file.
func (d *Dst) Tile(i int) []float32 {
	if i < 0 || i >= len(d.tiles) {
		exceptions.Panicf("kernel %q on %s: destination register %d overflows the register file of %d tiles",
			d.kernel.Name, d.kernel.Core, i, len(d.tiles))
	}
	return d.tiles[i]
}

// AcquireDst acquires the destination registers, zero-initialized.
func (k *Kernel) AcquireDst() *Dst {
	if k.dst != nil {
		exceptions.Panicf("kernel %q on %s: destination registers acquired twice", k.Name, k.Core)
	}
	capacity := k.Fabric.DstCapacity()
	d := &Dst{kernel: k, tiles: make([][]float32, capacity)}
	for i := range d.tiles {
		d.tiles[i] = make([]float32, dtypes.TileHW)
	}
	k.dst = d
	return d
}

// ReleaseDst releases the destination registers.
func (k *Kernel) ReleaseDst() {
	if k.dst == nil {
		exceptions.Panicf("kernel %q on %s: destination registers released without being acquired", k.Name, k.Core)
	}
	k.dst = nil
}

func (k *Kernel) mustDst() *Dst {
	if k.dst == nil {
		exceptions.Panicf("kernel %q on %s: destination registers used without being acquired", k.Name, k.Core)
	}
	return k.dst
}

// decodeTile decodes one tile stored in the given format.
func decodeTile(format dtypes.DataType, data []byte) []float32 {
	switch format {
	case dtypes.BFloat16, dtypes.Float32:
		return tiles.BFloat16ToFloat32(tiles.BytesToBFloat16(data))
	case dtypes.BFloat8B:
		return tiles.UnpackBFloat8B(data)
	}
	exceptions.Panicf("dataflow: compute on data format %s not supported", format)
	return nil
}

// encodeTile encodes one tile of values in the given format.
func encodeTile(format dtypes.DataType, values []float32) []byte {
	switch format {
	case dtypes.BFloat16, dtypes.Float32:
		return tiles.BFloat16ToBytes(tiles.TruncateFloat32(values))
	case dtypes.BFloat8B:
		return tiles.PackBFloat8B(values)
	}
	exceptions.Panicf("dataflow: compute on data format %s not supported", format)
	return nil
}

// UnpackTile returns the values of the tileIdx-th tile at the front of the circular buffer.
func (k *Kernel) UnpackTile(cb *CircularBuffer, tileIdx int) []float32 {
	addr := cb.ReadPtr() + uint32(tileIdx)*cb.PageSize
	return decodeTile(cb.Format, k.ReadL1(addr, tileSizeOf(cb.Format)))
}

// PackTile packs destination register dstIdx into the slot-th reserved page at the back of the
// circular buffer.
func (k *Kernel) PackTile(dstIdx int, cb *CircularBuffer, slot int) {
	values := k.mustDst().Tile(dstIdx)
	addr := cb.WritePtr() + uint32(slot)*cb.PageSize
	k.WriteL1(addr, encodeTile(cb.Format, values))
}

// PackValues packs a tile of values (not from the destination registers) into the slot-th reserved
// page of the circular buffer.
func (k *Kernel) PackValues(values []float32, cb *CircularBuffer, slot int) {
	addr := cb.WritePtr() + uint32(slot)*cb.PageSize
	k.WriteL1(addr, encodeTile(cb.Format, values))
}

// CopyTile copies a tile from the front of cb to the destination register dstIdx.
func (k *Kernel) CopyTile(cb *CircularBuffer, tileIdx, dstIdx int) {
	copy(k.mustDst().Tile(dstIdx), k.UnpackTile(cb, tileIdx))
}

// tileIndex[row*32+col] is the position of (row, col) in a tile.
var tileIndex = func() []int {
	idx := make([]int, dtypes.TileHW)
	for row := range dtypes.TileHeight {
		for col := range dtypes.TileWidth {
			idx[row*dtypes.TileWidth+col] = tiles.IndexInTile(row, col)
		}
	}
	return idx
}()

// MatmulTiles accumulates the product of tile ia of cbA and tile ib of cbB into destination dstIdx.
func (k *Kernel) MatmulTiles(cbA, cbB *CircularBuffer, ia, ib, dstIdx int) {
	a, b := k.UnpackTile(cbA, ia), k.UnpackTile(cbB, ib)
	dst := k.mustDst().Tile(dstIdx)
	const n = dtypes.TileWidth
	for row := range n {
		for col := range n {
			var sum float32
			for inner := range n {
				sum += a[tileIndex[row*n+inner]] * b[tileIndex[inner*n+col]]
			}
			dst[tileIndex[row*n+col]] += sum
		}
	}
}

// BinaryOp is an element-wise binary operation of the compute engine.
type BinaryOp int

const (
	BinaryAdd BinaryOp = iota
	BinarySub
	BinaryMul
)

// ParseBinaryOp converts a define value ("add", "sub", "mul") to a BinaryOp.
func ParseBinaryOp(name string) BinaryOp {
	switch name {
	case "add":
		return BinaryAdd
	case "sub":
		return BinarySub
	case "mul":
		return BinaryMul
	}
	exceptions.Panicf("dataflow: unknown binary op %q", name)
	return 0
}

func (op BinaryOp) apply(a, b float32) float32 {
	switch op {
	case BinarySub:
		return a - b
	case BinaryMul:
		return a * b
	default:
		return a + b
	}
}

// BinaryTiles sets destination dstIdx to op(tile ia of cbA, tile ib of cbB).
func (k *Kernel) BinaryTiles(op BinaryOp, cbA, cbB *CircularBuffer, ia, ib, dstIdx int) {
	a, b := k.UnpackTile(cbA, ia), k.UnpackTile(cbB, ib)
	dst := k.mustDst().Tile(dstIdx)
	for i := range dst {
		dst[i] = op.apply(a[i], b[i])
	}
}

// BcastDim selects which part of the second operand is broadcast.
type BcastDim int

const (
	// BcastRows broadcasts the first row of B over all rows (broadcast along H).
	BcastRows BcastDim = iota

	// BcastCols broadcasts the first column of B over all columns (broadcast along W).
	BcastCols

	// BcastScalar broadcasts element (0, 0) of B.
	BcastScalar
)

// BcastTiles sets destination dstIdx to op(a, broadcast(b)).
func (k *Kernel) BcastTiles(op BinaryOp, dim BcastDim, cbA, cbB *CircularBuffer, ia, ib, dstIdx int) {
	a, b := k.UnpackTile(cbA, ia), k.UnpackTile(cbB, ib)
	dst := k.mustDst().Tile(dstIdx)
	const n = dtypes.TileWidth
	for row := range n {
		for col := range n {
			var bValue float32
			switch dim {
			case BcastRows:
				bValue = b[tileIndex[col]]
			case BcastCols:
				bValue = b[tileIndex[row*n]]
			default:
				bValue = b[0]
			}
			pos := tileIndex[row*n+col]
			dst[pos] = op.apply(a[pos], bValue)
		}
	}
}

// ReduceRowsTile adds scaler times the sum of each row of tile idx of cb into column 0 of the
// destination dstIdx.
func (k *Kernel) ReduceRowsTile(cb *CircularBuffer, idx int, scaler float32, dstIdx int) {
	a := k.UnpackTile(cb, idx)
	dst := k.mustDst().Tile(dstIdx)
	const n = dtypes.TileWidth
	for row := range n {
		var sum float32
		for col := range n {
			sum += a[tileIndex[row*n+col]]
		}
		dst[tileIndex[row*n]] += scaler * sum
	}
}

// TransposeTile sets destination dstIdx to the transpose of tile idx of cb.
func (k *Kernel) TransposeTile(cb *CircularBuffer, idx, dstIdx int) {
	a := k.UnpackTile(cb, idx)
	dst := k.mustDst().Tile(dstIdx)
	const n = dtypes.TileWidth
	for row := range n {
		for col := range n {
			dst[tileIndex[col*n+row]] = a[tileIndex[row*n+col]]
		}
	}
}

// UnaryFunc returns the element-wise function of a unary (SFPU) operation name.
func UnaryFunc(name string) (func(float32) float32, bool) {
	switch name {
	case "relu":
		return func(x float32) float32 { return max(x, 0) }, true
	case "exp":
		return func(x float32) float32 { return float32(math.Exp(float64(x))) }, true
	case "recip":
		return func(x float32) float32 { return 1 / x }, true
	case "sqrt":
		return func(x float32) float32 { return float32(math.Sqrt(float64(x))) }, true
	case "rsqrt":
		return func(x float32) float32 { return float32(1 / math.Sqrt(float64(x))) }, true
	case "sigmoid":
		return func(x float32) float32 { return float32(1 / (1 + math.Exp(-float64(x)))) }, true
	case "neg":
		return func(x float32) float32 { return -x }, true
	}
	return nil, false
}

// ApplyUnary applies fn in-place to destination register dstIdx.
func (k *Kernel) ApplyUnary(dstIdx int, fn func(float32) float32) {
	dst := k.mustDst().Tile(dstIdx)
	for i, v := range dst {
		dst[i] = fn(v)
	}
}

// ApplyDefinedUnary applies the unary operation named by the define, if it is set.
func (k *Kernel) ApplyDefinedUnary(define string, dstIdx int) {
	name, found := k.Define(define)
	if !found || name == "" {
		return
	}
	fn, ok := UnaryFunc(name)
	if !ok {
		exceptions.Panicf("kernel %q on %s: unknown unary op %q in define %s", k.Name, k.Core, name, define)
	}
	k.ApplyUnary(dstIdx, fn)
}
