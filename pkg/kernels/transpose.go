package kernels

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/dataflow"
)

const (
	// ReaderTransposeWH reads, in output order, the input tiles of a WH transpose.
	// Compile args: src_is_dram. Runtime args: src_addr, num_tiles, start_id, Ht, Wt, HtWt.
	ReaderTransposeWH = "reader_unary_transpose_wh_interleaved_start_id"

	// TransposeWH transposes each tile. Compile args: num_tiles.
	TransposeWH = "transpose_wh"

	// ReaderTransposeHC assembles each output tile of an HC transpose from rows of 32 input
	// tiles. BFloat16 only. Compile args: src_is_dram. Runtime args: src_addr, num_tiles, start_id,
	// C, H, Wt.
	ReaderTransposeHC = "reader_unary_transpose_hc_interleaved_partitioned"

	// ReaderTransposeCN reads, in output order, the input tiles of a CN transpose.
	// Compile args: src_is_dram. Runtime args: src_addr, num_tiles, start_id, N, C, HtWt.
	ReaderTransposeCN = "reader_unary_transpose_cn_interleaved_start_id"
)

// TransposeWHTileIndex returns the input tile of output tile o of a WH transpose of an input with
// Ht x Wt tiles per batch.
func TransposeWHTileIndex(o, ht, wt int) int {
	htWt := ht * wt
	batch, rem := o/htWt, o%htWt
	// The output has Wt rows and Ht columns of tiles.
	row, col := rem/ht, rem%ht
	return batch*htWt + col*wt + row
}

// TransposeCNTileIndex returns the input tile of output tile o of a CN transpose.
func TransposeCNTileIndex(o, n, c, htWt int) int {
	slab, rem := o/htWt, o%htWt
	outC, outN := slab/n, slab%n
	return (outN*c+outC)*htWt + rem
}

func readerTransposeWH(k *dataflow.Kernel) {
	cb := k.CB(CBIn0)
	src := k.InterleavedAddrGenFast(boolArg(k.CompileArg(0)), k.Arg(0), cb.Format)
	numTiles, startID := k.IntArg(1), k.IntArg(2)
	ht, wt := k.IntArg(3), k.IntArg(4)
	if k.IntArg(5) != ht*wt {
		exceptions.Panicf("kernel %q: HtWt=%d doesn't match Ht=%d, Wt=%d", k.Name, k.Arg(5), ht, wt)
	}
	for o := startID; o < startID+numTiles; o++ {
		cb.ReserveBack(1)
		src.ReadTile(uint32(TransposeWHTileIndex(o, ht, wt)), cb.WritePtr())
		k.ReadBarrier()
		cb.PushBack(1)
	}
}

func readerTransposeCN(k *dataflow.Kernel) {
	cb := k.CB(CBIn0)
	src := k.InterleavedAddrGenFast(boolArg(k.CompileArg(0)), k.Arg(0), cb.Format)
	numTiles, startID := k.IntArg(1), k.IntArg(2)
	n, c, htWt := k.IntArg(3), k.IntArg(4), k.IntArg(5)
	for o := startID; o < startID+numTiles; o++ {
		cb.ReserveBack(1)
		src.ReadTile(uint32(TransposeCNTileIndex(o, n, c, htWt)), cb.WritePtr())
		k.ReadBarrier()
		cb.PushBack(1)
	}
}

// readerTransposeHC builds output tile (n, h, ct, wt) of the (N, H, C, W) output: its row r is row
// h%32 of input tile (n, c=ct*32+r, h/32, wt). Rows are moved as two 16-element face rows.
func readerTransposeHC(k *dataflow.Kernel) {
	cb := k.CB(CBIn0)
	if cb.Format != dtypes.BFloat16 {
		exceptions.Panicf("kernel %q: only BFloat16 supported, got %s", k.Name, cb.Format)
	}
	src := k.InterleavedAddrGenFast(boolArg(k.CompileArg(0)), k.Arg(0), cb.Format)
	numTiles, startID := k.IntArg(1), k.IntArg(2)
	c, h, wt := k.IntArg(3), k.IntArg(4), k.IntArg(5)
	ct := c / dtypes.TileHeight
	ht := h / dtypes.TileHeight
	const elementSize = 2
	const faceRowBytes = dtypes.FaceWidth * elementSize
	faceRowOffset := func(row int) uint32 {
		face := (row / dtypes.FaceHeight) * 2
		return uint32((face*dtypes.FaceHW + (row%dtypes.FaceHeight)*dtypes.FaceWidth) * elementSize)
	}
	for o := startID; o < startID+numTiles; o++ {
		col := o % wt
		q := o / wt
		cTile := q % ct
		q /= ct
		hIdx := q % h
		n := q / h
		srcRow := hIdx % dtypes.TileHeight
		cb.ReserveBack(1)
		l1 := cb.WritePtr()
		for r := range dtypes.TileHeight {
			inC := cTile*dtypes.TileHeight + r
			inTile := uint32(((n*c+inC)*ht+hIdx/dtypes.TileHeight)*wt + col)
			srcOffset, dstOffset := faceRowOffset(srcRow), faceRowOffset(r)
			// Left and right halves of the row are in consecutive faces.
			for half := range uint32(2) {
				faceStep := half * dtypes.FaceHW * elementSize
				k.ReadAsync(src.NocAddr(inTile, srcOffset+faceStep), l1+dstOffset+faceStep, faceRowBytes)
			}
		}
		k.ReadBarrier()
		cb.PushBack(1)
	}
}

func transposeWH(k *dataflow.Kernel) {
	numTiles := k.IntCompileArg(0)
	in, out := k.CB(CBIn0), k.CB(CBOut0)
	for range numTiles {
		in.WaitFront(1)
		out.ReserveBack(1)
		k.AcquireDst()
		k.TransposeTile(in, 0, 0)
		k.PackTile(0, out, 0)
		k.ReleaseDst()
		in.PopFront(1)
		out.PushBack(1)
	}
}
