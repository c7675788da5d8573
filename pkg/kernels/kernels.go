// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels implements the kernel templates run by the device: readers (DRAM to circular
// buffers), compute kernels (circular buffers to circular buffers, through the destination
// registers) and writers (circular buffers to DRAM).
//
// Kernels of one operation form a family: their loop trip counts are derived from the same
// arguments, and they are always selected together. Arguments are positional; the layout of each
// kernel's compile-time and runtime arguments is documented next to its name.
//
// Importing this package registers all kernels with package dataflow.
package kernels

import (
	"github.com/gomlx/tilegrid/pkg/dataflow"
)

// Circular buffer indices shared by the kernels.
const (
	CBIn0 = 0
	CBIn1 = 1
	CBIn2 = 2
	CBIn3 = 3

	// CBPartial, CBGlobal and CBExternal are used by the groupnorm reduction.
	CBPartial  = 8
	CBGlobal   = 9
	CBExternal = 10

	CBOut0 = 16

	CBIntermed0 = 24
	CBIntermed1 = 25
	CBIntermed2 = 26
	CBIntermed3 = 27
)

// Kernel names.
const (
	// ReaderUnary reads tiles [start_id, start_id+num_tiles) into CBIn0.
	// Compile args: src_is_dram. Runtime args: src_addr, num_tiles, start_id.
	ReaderUnary = "reader_unary_interleaved_start_id"

	// ReaderBinary reads the same tiles of two inputs into CBIn0 and CBIn1.
	// Compile args: src0_is_dram, src1_is_dram. Runtime args: src0_addr, src1_addr, num_tiles, start_id.
	ReaderBinary = "reader_binary_interleaved_start_id"

	// WriterUnary writes tiles [start_id, start_id+num_tiles) from a circular buffer.
	// Compile args: out_cb, dst_is_dram. Runtime args: dst_addr, num_tiles, start_id.
	WriterUnary = "writer_unary_interleaved_start_id"

	// EltwiseBinary computes ELTWISE_OP(in0, in1) with the optional fused unary SFPU_OP.
	// Compile args: per_core_block_cnt, per_core_block_size.
	EltwiseBinary = "eltwise_binary"

	// EltwiseSFPU applies the unary SFPU_OP (a copy if not defined) from CBIn0 to CBOut0.
	// Compile args: per_core_block_cnt, per_core_block_size.
	EltwiseSFPU = "eltwise_sfpu"
)

// Defines understood by the compute kernels.
const (
	DefineEltwiseOp = "ELTWISE_OP"
	DefineSFPUOp    = "SFPU_OP"
	DefineBcastOp   = "BCAST_OP"
)

func init() {
	dataflow.Register(ReaderUnary, readerUnary)
	dataflow.Register(ReaderBinary, readerBinary)
	dataflow.Register(WriterUnary, writerUnary)
	dataflow.Register(EltwiseBinary, eltwiseBinary)
	dataflow.Register(EltwiseSFPU, eltwiseSFPU)

	dataflow.Register(ReaderBcast, readerBcast)
	dataflow.Register(Bcast, bcast)

	dataflow.Register(ReaderTransposeWH, readerTransposeWH)
	dataflow.Register(ReaderTransposeHC, readerTransposeHC)
	dataflow.Register(ReaderTransposeCN, readerTransposeCN)
	dataflow.Register(TransposeWH, transposeWH)

	dataflow.Register(ReaderSoftmax, readerSoftmax)
	dataflow.Register(WriterSoftmax, writerSoftmax)
	dataflow.Register(Softmax, softmax)

	dataflow.Register(ReaderBmmOutputTiles, readerBmmOutputTiles)
	dataflow.Register(Bmm, bmm)
	dataflow.Register(ReaderBmmTileLayout, readerBmmTileLayout)
	dataflow.Register(WriterBmmTileLayout, writerBmmTileLayout)
	dataflow.Register(WriterMatmulTileLayout, writerBmmTileLayout)
	dataflow.Register(BmmLargeBlockZM, bmmLargeBlockZM)
	dataflow.Register(MatmulLargeBlockZM, matmulLargeBlockZM)
	dataflow.Register(ReaderMcastIn0SenderIn1Sender, readerBmmMcast(true, true))
	dataflow.Register(ReaderMcastIn0SenderIn1Receiver, readerBmmMcast(true, false))
	dataflow.Register(ReaderMcastIn0ReceiverIn1Sender, readerBmmMcast(false, true))
	dataflow.Register(ReaderMcastIn0ReceiverIn1Receiver, readerBmmMcast(false, false))

	dataflow.Register(ReaderGroupNormSender, readerGroupNorm(true))
	dataflow.Register(ReaderGroupNormReceiver, readerGroupNorm(false))
	dataflow.Register(GroupNorm, groupNorm)
	dataflow.Register(WriterGroupNorm, writerGroupNorm)
}

// boolArg converts an argument flag.
func boolArg(v uint32) bool { return v != 0 }

func readerUnary(k *dataflow.Kernel) {
	cb := k.CB(CBIn0)
	src := k.InterleavedAddrGenFast(boolArg(k.CompileArg(0)), k.Arg(0), cb.Format)
	numTiles, startID := k.Arg(1), k.Arg(2)
	for i := range numTiles {
		cb.ReserveBack(1)
		src.ReadTile(startID+i, cb.WritePtr())
		k.ReadBarrier()
		cb.PushBack(1)
	}
}

func readerBinary(k *dataflow.Kernel) {
	cb0, cb1 := k.CB(CBIn0), k.CB(CBIn1)
	src0 := k.InterleavedAddrGenFast(boolArg(k.CompileArg(0)), k.Arg(0), cb0.Format)
	src1 := k.InterleavedAddrGenFast(boolArg(k.CompileArg(1)), k.Arg(1), cb1.Format)
	numTiles, startID := k.Arg(2), k.Arg(3)
	for i := range numTiles {
		cb0.ReserveBack(1)
		cb1.ReserveBack(1)
		src0.ReadTile(startID+i, cb0.WritePtr())
		src1.ReadTile(startID+i, cb1.WritePtr())
		k.ReadBarrier()
		cb0.PushBack(1)
		cb1.PushBack(1)
	}
}

func writerUnary(k *dataflow.Kernel) {
	cb := k.CB(k.IntCompileArg(0))
	dst := k.InterleavedAddrGenFast(boolArg(k.CompileArg(1)), k.Arg(0), cb.Format)
	numTiles, startID := k.Arg(1), k.Arg(2)
	for i := range numTiles {
		cb.WaitFront(1)
		dst.WriteTile(startID+i, cb.ReadPtr())
		k.WriteBarrier()
		cb.PopFront(1)
	}
}

func eltwiseBinary(k *dataflow.Kernel) {
	numBlocks, blockSize := k.IntCompileArg(0), k.IntCompileArg(1)
	opName, _ := k.Define(DefineEltwiseOp)
	op := dataflow.ParseBinaryOp(opName)
	cb0, cb1, out := k.CB(CBIn0), k.CB(CBIn1), k.CB(CBOut0)
	for range numBlocks {
		cb0.WaitFront(blockSize)
		cb1.WaitFront(blockSize)
		out.ReserveBack(blockSize)
		k.AcquireDst()
		for i := range blockSize {
			k.BinaryTiles(op, cb0, cb1, i, i, i)
			k.ApplyDefinedUnary(DefineSFPUOp, i)
			k.PackTile(i, out, i)
		}
		k.ReleaseDst()
		cb0.PopFront(blockSize)
		cb1.PopFront(blockSize)
		out.PushBack(blockSize)
	}
}

func eltwiseSFPU(k *dataflow.Kernel) {
	numBlocks, blockSize := k.IntCompileArg(0), k.IntCompileArg(1)
	in, out := k.CB(CBIn0), k.CB(CBOut0)
	for range numBlocks {
		in.WaitFront(blockSize)
		out.ReserveBack(blockSize)
		k.AcquireDst()
		for i := range blockSize {
			k.CopyTile(in, i, i)
			k.ApplyDefinedUnary(DefineSFPUOp, i)
			k.PackTile(i, out, i)
		}
		k.ReleaseDst()
		in.PopFront(blockSize)
		out.PushBack(blockSize)
	}
}
