package kernels

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilegrid/pkg/dataflow"
)

const (
	// ReaderBcast reads, for every output tile, the tile of A and the broadcast tile of B.
	// Compile args: src0_is_dram, src1_is_dram, bcast_dim (0: H, 1: W, 2: HW).
	// Runtime args: src0_addr, src1_addr, num_tiles, start_id, Ht, Wt, NC_b (1 if B is broadcast
	// over the batch dimensions).
	ReaderBcast = "reader_bcast_interleaved_start_id"

	// Bcast computes BCAST_OP(A, broadcast(B)).
	// Compile args: num_tiles, bcast_dim.
	Bcast = "bcast"
)

// Broadcast dimension arguments.
const (
	BcastDimH  = 0
	BcastDimW  = 1
	BcastDimHW = 2
)

// BcastTileIndex returns the tile of B broadcast to output tile o, for an output of tiles Ht x Wt
// per batch.
func BcastTileIndex(dim, o, ht, wt, ncB int) int {
	nc := o / (ht * wt)
	rem := o % (ht * wt)
	row, col := rem/wt, rem%wt
	if ncB == 1 {
		nc = 0
	}
	switch dim {
	case BcastDimH:
		return nc*wt + col
	case BcastDimW:
		return nc*ht + row
	case BcastDimHW:
		return nc
	}
	exceptions.Panicf("kernels: invalid broadcast dimension %d", dim)
	return 0
}

func readerBcast(k *dataflow.Kernel) {
	cb0, cb1 := k.CB(CBIn0), k.CB(CBIn1)
	src0 := k.InterleavedAddrGenFast(boolArg(k.CompileArg(0)), k.Arg(0), cb0.Format)
	src1 := k.InterleavedAddrGenFast(boolArg(k.CompileArg(1)), k.Arg(1), cb1.Format)
	dim := k.IntCompileArg(2)
	numTiles, startID := k.IntArg(2), k.IntArg(3)
	ht, wt, ncB := k.IntArg(4), k.IntArg(5), k.IntArg(6)
	for o := startID; o < startID+numTiles; o++ {
		cb0.ReserveBack(1)
		src0.ReadTile(uint32(o), cb0.WritePtr())
		cb1.ReserveBack(1)
		src1.ReadTile(uint32(BcastTileIndex(dim, o, ht, wt, ncB)), cb1.WritePtr())
		k.ReadBarrier()
		cb0.PushBack(1)
		cb1.PushBack(1)
	}
}

func bcast(k *dataflow.Kernel) {
	numTiles := k.IntCompileArg(0)
	var dim dataflow.BcastDim
	switch k.IntCompileArg(1) {
	case BcastDimH:
		dim = dataflow.BcastRows
	case BcastDimW:
		dim = dataflow.BcastCols
	default:
		dim = dataflow.BcastScalar
	}
	opName, _ := k.Define(DefineBcastOp)
	op := dataflow.ParseBinaryOp(opName)
	cb0, cb1, out := k.CB(CBIn0), k.CB(CBIn1), k.CB(CBOut0)
	for range numTiles {
		cb0.WaitFront(1)
		cb1.WaitFront(1)
		out.ReserveBack(1)
		k.AcquireDst()
		k.BcastTiles(op, dim, cb0, cb1, 0, 0, 0)
		k.PackTile(0, out, 0)
		k.ReleaseDst()
		cb0.PopFront(1)
		cb1.PopFront(1)
		out.PushBack(1)
	}
}
