package kernels

import (
	"math"

	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/dataflow"
)

const (
	// ReaderSoftmax reads rows of Wt tiles in blocks, generates the reduce scaler tile in CBIn2,
	// and, if has_mask, the additive mask tiles of each row in CBIn3.
	// Compile args: src_is_dram, mask_is_dram, block_size.
	// Runtime args: src_addr, num_tiles, start_id, Wt, scaler (float32 bits), mask_addr, Ht, has_mask.
	ReaderSoftmax = "reader_unary_interleaved_sm"

	// Softmax computes exp(y) / sum(exp(y)) along W, with y = x*scale (+ mask, if has_mask).
	// Compile args: block_size, num_rows, Wt, has_mask, scale (float32 bits).
	Softmax = "softmax"

	// WriterSoftmax writes the output in blocks.
	// Compile args: dst_is_dram. Runtime args: dst_addr, num_tiles, start_id, block_size.
	WriterSoftmax = "writer_unary_interleaved_start_id_blocked_sm"
)

func readerSoftmax(k *dataflow.Kernel) {
	cb, cbScaler, cbMask := k.CB(CBIn0), k.CB(CBIn2), (*dataflow.CircularBuffer)(nil)
	src := k.InterleavedAddrGenFast(boolArg(k.CompileArg(0)), k.Arg(0), cb.Format)
	blockSize := k.IntCompileArg(2)
	numTiles, startID, wt := k.IntArg(1), k.IntArg(2), k.IntArg(3)
	scaler := math.Float32frombits(k.Arg(4))
	ht := k.IntArg(6)
	hasMask := boolArg(k.Arg(7))
	var mask dataflow.InterleavedAddrGenFast
	if hasMask {
		cbMask = k.CB(CBIn3)
		mask = k.InterleavedAddrGenFast(boolArg(k.CompileArg(1)), k.Arg(5), cbMask.Format)
	}

	scalerTile := make([]float32, dtypes.TileHW)
	for i := range scalerTile {
		scalerTile[i] = scaler
	}
	cbScaler.ReserveBack(1)
	k.PackValues(scalerTile, cbScaler, 0)
	cbScaler.PushBack(1)

	for tile := startID; tile < startID+numTiles; tile += blockSize {
		cb.ReserveBack(blockSize)
		l1 := cb.WritePtr()
		for i := range blockSize {
			src.ReadTile(uint32(tile+i), l1+uint32(i)*cb.PageSize)
		}
		k.ReadBarrier()
		cb.PushBack(blockSize)
		if hasMask {
			// The mask has one row of tiles per batch, broadcast over the Ht rows of the batch.
			row := tile / wt
			batch := row / ht
			cbMask.ReserveBack(blockSize)
			l1 = cbMask.WritePtr()
			for i := range blockSize {
				mask.ReadTile(uint32(batch*wt+(tile+i)%wt), l1+uint32(i)*cbMask.PageSize)
			}
			k.ReadBarrier()
			cbMask.PushBack(blockSize)
		}
	}
}

func softmax(k *dataflow.Kernel) {
	blockSize, numRows, wt := k.IntCompileArg(0), k.IntCompileArg(1), k.IntCompileArg(2)
	hasMask := boolArg(k.CompileArg(3))
	scale := math.Float32frombits(k.CompileArg(4))
	in, out := k.CB(CBIn0), k.CB(CBOut0)
	cbScaler, cbExps, cbRecip := k.CB(CBIn2), k.CB(CBIntermed0), k.CB(CBIntermed1)
	var cbMask *dataflow.CircularBuffer
	if hasMask {
		cbMask = k.CB(CBIn3)
	}
	cbScaler.WaitFront(1)
	scaler := k.UnpackTile(cbScaler, 0)[0]
	exp, _ := dataflow.UnaryFunc("exp")
	recip, _ := dataflow.UnaryFunc("recip")

	for range numRows {
		// exp(x*scale + mask), for the whole row.
		cbExps.ReserveBack(wt)
		for col := 0; col < wt; col += blockSize {
			in.WaitFront(blockSize)
			if hasMask {
				cbMask.WaitFront(blockSize)
			}
			dst := k.AcquireDst()
			for i := range blockSize {
				k.CopyTile(in, i, i)
				values := dst.Tile(i)
				var maskValues []float32
				if hasMask {
					maskValues = k.UnpackTile(cbMask, i)
				}
				for j := range values {
					values[j] *= scale
					if hasMask {
						values[j] += maskValues[j]
					}
				}
				k.ApplyUnary(i, exp)
				k.PackTile(i, cbExps, col+i)
			}
			k.ReleaseDst()
			in.PopFront(blockSize)
			if hasMask {
				cbMask.PopFront(blockSize)
			}
		}
		cbExps.PushBack(wt)

		// 1/sum(exps), in column 0.
		cbExps.WaitFront(wt)
		k.AcquireDst()
		for col := range wt {
			k.ReduceRowsTile(cbExps, col, scaler, 0)
		}
		k.ApplyUnary(0, recip)
		cbRecip.ReserveBack(1)
		k.PackTile(0, cbRecip, 0)
		cbRecip.PushBack(1)
		k.ReleaseDst()

		// exps * 1/sum, broadcasting column 0.
		cbRecip.WaitFront(1)
		for col := 0; col < wt; col += blockSize {
			out.ReserveBack(blockSize)
			k.AcquireDst()
			for i := range blockSize {
				k.BcastTiles(dataflow.BinaryMul, dataflow.BcastCols, cbExps, cbRecip, col+i, 0, i)
				k.PackTile(i, out, i)
			}
			k.ReleaseDst()
			out.PushBack(blockSize)
		}
		cbRecip.PopFront(1)
		cbExps.PopFront(wt)
	}
	cbScaler.PopFront(1)
}

func writerSoftmax(k *dataflow.Kernel) {
	cb := k.CB(CBOut0)
	dst := k.InterleavedAddrGenFast(boolArg(k.CompileArg(0)), k.Arg(0), cb.Format)
	numTiles, startID, blockSize := k.IntArg(1), k.IntArg(2), k.IntArg(3)
	for tile := startID; tile < startID+numTiles; tile += blockSize {
		cb.WaitFront(blockSize)
		l1 := cb.ReadPtr()
		for i := range blockSize {
			dst.WriteTile(uint32(tile+i), l1+uint32(i)*cb.PageSize)
		}
		k.WriteBarrier()
		cb.PopFront(blockSize)
	}
}
