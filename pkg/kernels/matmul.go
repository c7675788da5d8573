package kernels

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilegrid/pkg/dataflow"
	"github.com/gomlx/tilegrid/pkg/program"
)

const (
	// ReaderBmmOutputTiles reads, for each output tile of the core, the Kt tiles of A's row and of
	// B's column. Compile args: src0_is_dram, src1_is_dram.
	// Runtime args: src0_addr, src1_addr, Mt, Kt, Nt, MtKt, KtNt, batch, bcast_B,
	// output_tile_start_id, num_output_tiles, MtNt.
	ReaderBmmOutputTiles = "reader_bmm_8bank_output_tiles_partitioned"

	// Bmm accumulates one output tile at a time over Kt. Compile args: B, Mt, Kt, Nt: it computes
	// B*Mt*Nt output tiles.
	Bmm = "bmm"

	// ReaderBmmTileLayout reads blocks of A (in0) and B (in1) for the block-reuse matmul.
	// Compile args: in0_is_dram, in1_is_dram.
	// Runtime args (17, or 21 with the batch arguments):
	//
	//	 0 in0_addr, 1 in0_start_tile_id, 2 in0_stride_w, 3 in0_stride_h, 4 in0_next_block_stride,
	//	 5 in0_block_w, 6 in0_block_h, 7 in0_block_num_tiles,
	//	 8 in1_addr, 9 in1_start_tile_id, 10 in1_stride_w, 11 in1_stride_h, 12 in1_next_block_stride,
	//	13 in1_block_w, 14 in1_block_h, 15 in1_block_num_tiles,
	//	16 num_blocks, [17 MtKt, 18 KtNt, 19 batch, 20 bcast_B]
	ReaderBmmTileLayout = "reader_bmm_tile_layout"

	// WriterBmmTileLayout writes the output subblock by subblock.
	// Compile args: out_is_dram.
	// Runtime args (11, or 13 with the batch arguments):
	//
	//	0 out_addr, 1 out_start_tile_id, 2 out_stride_w, 3 out_stride_h, 4 out_next_subblock_stride_w,
	//	5 out_next_subblock_stride_h, 6 out_subblock_w, 7 out_subblock_h, 8 out_subblock_tile_count,
	//	9 out_num_subblocks_w, 10 out_num_subblocks_h, [11 MtNt, 12 batch]
	WriterBmmTileLayout = "writer_bmm_tile_layout"

	// WriterMatmulTileLayout is WriterBmmTileLayout with the 11 arguments layout used by conv.
	WriterMatmulTileLayout = "writer_matmul_tile_layout"

	// BmmLargeBlockZM computes a block of per_core_M x per_core_N output tiles, accumulating
	// partials over the K blocks in CBIntermed0.
	// Compile args: in0_block_w, in0_num_subblocks, in0_block_num_tiles, in0_subblock_num_tiles,
	// in1_num_subblocks, in1_block_num_tiles, in1_per_core_w, num_blocks, out_subblock_h,
	// out_subblock_w, out_subblock_num_tiles, batch.
	BmmLargeBlockZM = "bmm_large_block_zm"

	// MatmulLargeBlockZM is the single core blocked matmul of conv, with partials in CBIntermed1.
	// Compile args: in0_block_w, in0_num_subblocks, in0_block_num_tiles, in0_subblock_num_tiles,
	// in0_subblock_h, in1_num_subblocks, in1_block_num_tiles, in1_per_core_w, num_blocks,
	// out_subblock_h, out_subblock_w, out_subblock_num_tiles, tilize_in0, untilize_out.
	MatmulLargeBlockZM = "matmul_large_block_zm"
)

// Multicast readers of the 2D multicast matmul: in0 blocks are multicast along the rows of the
// core grid by the cores of column 0, in1 blocks along the columns by the cores of row 0.
//
// Compile args: in0_is_dram, in1_is_dram. Runtime args (39):
//
//	 0-16: as ReaderBmmTileLayout.
//	17 in0_mcast_dest_noc_start_x, 18 in0_mcast_dest_noc_start_y, 19 in0_mcast_dest_noc_end_x,
//	20 in0_mcast_dest_noc_end_y, 21 in0_mcast_num_dests, 22 in0_mcast_sender_noc_x,
//	23 in0_mcast_sender_noc_y, 24 in0_mcast_sender_semaphore_addr, 25 in0_mcast_receiver_semaphore_addr,
//	26-34: the same for in1,
//	35 MtKt, 36 KtNt, 37 batch, 38 bcast_B.
const (
	ReaderMcastIn0SenderIn1Sender     = "reader_bmm_tile_layout_in0_sender_in1_sender"
	ReaderMcastIn0SenderIn1Receiver   = "reader_bmm_tile_layout_in0_sender_in1_receiver"
	ReaderMcastIn0ReceiverIn1Sender   = "reader_bmm_tile_layout_in0_receiver_in1_sender"
	ReaderMcastIn0ReceiverIn1Receiver = "reader_bmm_tile_layout_in0_receiver_in1_receiver"
)

// NumMcastReaderArgs is the number of runtime arguments of the multicast readers.
const NumMcastReaderArgs = 39

// McastReaderName returns the reader of a core given whether it sends in0 and in1.
func McastReaderName(in0Sender, in1Sender bool) string {
	switch {
	case in0Sender && in1Sender:
		return ReaderMcastIn0SenderIn1Sender
	case in0Sender:
		return ReaderMcastIn0SenderIn1Receiver
	case in1Sender:
		return ReaderMcastIn0ReceiverIn1Sender
	}
	return ReaderMcastIn0ReceiverIn1Receiver
}

func readerBmmOutputTiles(k *dataflow.Kernel) {
	cb0, cb1 := k.CB(CBIn0), k.CB(CBIn1)
	src0 := k.InterleavedAddrGenFast(boolArg(k.CompileArg(0)), k.Arg(0), cb0.Format)
	src1 := k.InterleavedAddrGenFast(boolArg(k.CompileArg(1)), k.Arg(1), cb1.Format)
	kt, nt := k.IntArg(3), k.IntArg(4)
	mtKt, ktNt := k.IntArg(5), k.IntArg(6)
	bcastB := boolArg(k.Arg(8))
	start, num, mtNt := k.IntArg(9), k.IntArg(10), k.IntArg(11)
	for t := start; t < start+num; t++ {
		batch, rem := t/mtNt, t%mtNt
		mt, n := rem/nt, rem%nt
		batchB := batch
		if bcastB {
			batchB = 0
		}
		for inner := range kt {
			cb0.ReserveBack(1)
			src0.ReadTile(uint32(batch*mtKt+mt*kt+inner), cb0.WritePtr())
			cb1.ReserveBack(1)
			src1.ReadTile(uint32(batchB*ktNt+inner*nt+n), cb1.WritePtr())
			k.ReadBarrier()
			cb0.PushBack(1)
			cb1.PushBack(1)
		}
	}
}

func bmm(k *dataflow.Kernel) {
	batch, mt, kt, nt := k.IntCompileArg(0), k.IntCompileArg(1), k.IntCompileArg(2), k.IntCompileArg(3)
	cb0, cb1, out := k.CB(CBIn0), k.CB(CBIn1), k.CB(CBOut0)
	for range batch * mt * nt {
		k.AcquireDst()
		for range kt {
			cb0.WaitFront(1)
			cb1.WaitFront(1)
			k.MatmulTiles(cb0, cb1, 0, 0, 0)
			cb0.PopFront(1)
			cb1.PopFront(1)
		}
		out.ReserveBack(1)
		k.PackTile(0, out, 0)
		out.PushBack(1)
		k.ReleaseDst()
	}
}

// blockReader reads 2D blocks of tiles of one operand.
type blockReader struct {
	k                                 *dataflow.Kernel
	cb                                *dataflow.CircularBuffer
	src                               dataflow.InterleavedAddrGenFast
	startTileID                       int
	strideW, strideH, nextBlockStride int
	blockW, blockH, blockNumTiles     int
}

// newBlockReader parses the 8 arguments of an operand starting at args[first].
func newBlockReader(k *dataflow.Kernel, cbIndex int, isDRAM bool, first int) *blockReader {
	cb := k.CB(cbIndex)
	r := &blockReader{
		k:               k,
		cb:              cb,
		src:             k.InterleavedAddrGenFast(isDRAM, k.Arg(first), cb.Format),
		startTileID:     k.IntArg(first + 1),
		strideW:         k.IntArg(first + 2),
		strideH:         k.IntArg(first + 3),
		nextBlockStride: k.IntArg(first + 4),
		blockW:          k.IntArg(first + 5),
		blockH:          k.IntArg(first + 6),
		blockNumTiles:   k.IntArg(first + 7),
	}
	if r.blockW*r.blockH != r.blockNumTiles {
		exceptions.Panicf("kernel %q: block %dx%d doesn't have %d tiles", k.Name, r.blockH, r.blockW, r.blockNumTiles)
	}
	return r
}

// readBlock reads the block starting at tile blockStart into the reserved back of the circular buffer.
func (r *blockReader) readBlock(blockStart int) {
	l1 := r.cb.WritePtr()
	rowStart := blockStart
	for range r.blockH {
		id := rowStart
		for range r.blockW {
			r.src.ReadTile(uint32(id), l1)
			l1 += r.cb.PageSize
			id += r.strideW
		}
		rowStart += r.strideH
	}
	r.k.ReadBarrier()
}

// batchArgs returns MtKt, KtNt, batch and bcast_B from args[first], or a single batch if absent.
func batchArgs(k *dataflow.Kernel, first int) (mtKt, ktNt, batch int, bcastB bool) {
	if k.NumArgs() <= first {
		return 0, 0, 1, true
	}
	return k.IntArg(first), k.IntArg(first + 1), k.IntArg(first + 2), boolArg(k.Arg(first + 3))
}

func readerBmmTileLayout(k *dataflow.Kernel) {
	in0 := newBlockReader(k, CBIn0, boolArg(k.CompileArg(0)), 0)
	in1 := newBlockReader(k, CBIn1, boolArg(k.CompileArg(1)), 8)
	numBlocks := k.IntArg(16)
	mtKt, ktNt, batch, bcastB := batchArgs(k, 17)
	for range batch {
		in0Current, in1Current := in0.startTileID, in1.startTileID
		for range numBlocks {
			in0.cb.ReserveBack(in0.blockNumTiles)
			in1.cb.ReserveBack(in1.blockNumTiles)
			in0.readBlock(in0Current)
			in1.readBlock(in1Current)
			in0Current += in0.nextBlockStride
			in1Current += in1.nextBlockStride
			in0.cb.PushBack(in0.blockNumTiles)
			in1.cb.PushBack(in1.blockNumTiles)
		}
		in0.startTileID += mtKt
		if !bcastB {
			in1.startTileID += ktNt
		}
	}
}

// mcastOperand holds the multicast arguments of one operand.
type mcastOperand struct {
	startX, startY, endX, endY uint32
	numDests                   int
	senderX, senderY           uint32
	senderSemaphore            uint32
	receiverSemaphore          uint32
}

func parseMcastOperand(k *dataflow.Kernel, first int) mcastOperand {
	return mcastOperand{
		startX:            k.Arg(first),
		startY:            k.Arg(first + 1),
		endX:              k.Arg(first + 2),
		endY:              k.Arg(first + 3),
		numDests:          k.IntArg(first + 4),
		senderX:           k.Arg(first + 5),
		senderY:           k.Arg(first + 6),
		senderSemaphore:   k.Arg(first + 7),
		receiverSemaphore: k.Arg(first + 8),
	}
}

// send reads the block from DRAM and multicasts it to the receivers, once they all reserved space.
func (m mcastOperand) send(k *dataflow.Kernel, r *blockReader, blockStart int) {
	r.readBlock(blockStart)
	if m.numDests == 0 {
		return
	}
	k.SemaphoreWait(m.senderSemaphore, uint32(m.numDests))
	k.SemaphoreSet(m.senderSemaphore, 0)
	l1 := r.cb.WritePtr()
	size := uint32(r.blockNumTiles) * r.cb.PageSize
	k.WriteMulticast(l1, k.NocMulticastAddr(m.startX, m.startY, m.endX, m.endY, l1), size, m.numDests)
	k.WriteBarrier()
	k.SemaphoreSet(m.receiverSemaphore, program.Valid)
	k.SemaphoreSetMulticast(m.receiverSemaphore,
		k.NocMulticastAddr(m.startX, m.startY, m.endX, m.endY, m.receiverSemaphore), m.numDests)
}

// receive signals the sender that the block space is reserved, and waits for the data.
func (m mcastOperand) receive(k *dataflow.Kernel) {
	k.SemaphoreSet(m.receiverSemaphore, program.Invalid)
	k.SemaphoreInc(k.NocAddr(m.senderX, m.senderY, m.senderSemaphore), 1)
	k.SemaphoreWait(m.receiverSemaphore, program.Valid)
}

func readerBmmMcast(in0Sender, in1Sender bool) dataflow.KernelFunc {
	return func(k *dataflow.Kernel) {
		if k.NumArgs() != NumMcastReaderArgs {
			exceptions.Panicf("kernel %q: %d runtime arguments given, %d expected", k.Name, k.NumArgs(), NumMcastReaderArgs)
		}
		in0 := newBlockReader(k, CBIn0, boolArg(k.CompileArg(0)), 0)
		in1 := newBlockReader(k, CBIn1, boolArg(k.CompileArg(1)), 8)
		numBlocks := k.IntArg(16)
		in0Mcast, in1Mcast := parseMcastOperand(k, 17), parseMcastOperand(k, 26)
		mtKt, ktNt, batch, bcastB := batchArgs(k, 35)
		for range batch {
			in0Current, in1Current := in0.startTileID, in1.startTileID
			for range numBlocks {
				in0.cb.ReserveBack(in0.blockNumTiles)
				if in0Sender {
					in0Mcast.send(k, in0, in0Current)
				} else {
					in0Mcast.receive(k)
				}
				in0.cb.PushBack(in0.blockNumTiles)
				in0Current += in0.nextBlockStride

				in1.cb.ReserveBack(in1.blockNumTiles)
				if in1Sender {
					in1Mcast.send(k, in1, in1Current)
				} else {
					in1Mcast.receive(k)
				}
				in1.cb.PushBack(in1.blockNumTiles)
				in1Current += in1.nextBlockStride
			}
			in0.startTileID += mtKt
			if !bcastB {
				in1.startTileID += ktNt
			}
		}
	}
}

func writerBmmTileLayout(k *dataflow.Kernel) {
	cb := k.CB(CBOut0)
	dst := k.InterleavedAddrGenFast(boolArg(k.CompileArg(0)), k.Arg(0), cb.Format)
	outStart := k.IntArg(1)
	strideW, strideH := k.IntArg(2), k.IntArg(3)
	nextSubblockW, nextSubblockH := k.IntArg(4), k.IntArg(5)
	subblockW, subblockH, subblockTiles := k.IntArg(6), k.IntArg(7), k.IntArg(8)
	numSubblocksW, numSubblocksH := k.IntArg(9), k.IntArg(10)
	mtNt, batch := 0, 1
	if k.NumArgs() > 11 {
		mtNt, batch = k.IntArg(11), k.IntArg(12)
	}
	for range batch {
		subblockHStart := outStart
		for range numSubblocksH {
			subblockWStart := subblockHStart
			for range numSubblocksW {
				cb.WaitFront(subblockTiles)
				l1 := cb.ReadPtr()
				rowStart := subblockWStart
				for range subblockH {
					id := rowStart
					for range subblockW {
						dst.WriteTile(uint32(id), l1)
						l1 += cb.PageSize
						id += strideW
					}
					rowStart += strideH
				}
				k.WriteBarrier()
				cb.PopFront(subblockTiles)
				subblockWStart += nextSubblockW
			}
			subblockHStart += nextSubblockH
		}
		outStart += mtNt
	}
}

// blockMatmulParams are the loop counts of the blocked matmul compute kernels.
type blockMatmulParams struct {
	in0BlockW, in0NumSubblocks, in0BlockNumTiles    int
	in1NumSubblocks, in1BlockNumTiles, in1PerCoreW  int
	numBlocks                                       int
	outSubblockH, outSubblockW, outSubblockNumTiles int
	batch                                           int
	intermCB                                        int
}

func bmmLargeBlockZM(k *dataflow.Kernel) {
	blockMatmul(k, blockMatmulParams{
		in0BlockW:           k.IntCompileArg(0),
		in0NumSubblocks:     k.IntCompileArg(1),
		in0BlockNumTiles:    k.IntCompileArg(2),
		in1NumSubblocks:     k.IntCompileArg(4),
		in1BlockNumTiles:    k.IntCompileArg(5),
		in1PerCoreW:         k.IntCompileArg(6),
		numBlocks:           k.IntCompileArg(7),
		outSubblockH:        k.IntCompileArg(8),
		outSubblockW:        k.IntCompileArg(9),
		outSubblockNumTiles: k.IntCompileArg(10),
		batch:               k.IntCompileArg(11),
		intermCB:            CBIntermed0,
	})
}

func matmulLargeBlockZM(k *dataflow.Kernel) {
	if boolArg(k.CompileArg(12)) || boolArg(k.CompileArg(13)) {
		exceptions.Panicf("kernel %q: tilize_in0/untilize_out are not supported, inputs must be tilized", k.Name)
	}
	blockMatmul(k, blockMatmulParams{
		in0BlockW:           k.IntCompileArg(0),
		in0NumSubblocks:     k.IntCompileArg(1),
		in0BlockNumTiles:    k.IntCompileArg(2),
		in1NumSubblocks:     k.IntCompileArg(5),
		in1BlockNumTiles:    k.IntCompileArg(6),
		in1PerCoreW:         k.IntCompileArg(7),
		numBlocks:           k.IntCompileArg(8),
		outSubblockH:        k.IntCompileArg(9),
		outSubblockW:        k.IntCompileArg(10),
		outSubblockNumTiles: k.IntCompileArg(11),
		batch:               1,
		intermCB:            CBIntermed1,
	})
}

// blockMatmul iterates the K blocks outermost: partial results of each output subblock are
// spilled to the intermediate buffer and reloaded for the next block; the last block packs to the
// output buffer.
func blockMatmul(k *dataflow.Kernel, p blockMatmulParams) {
	if p.outSubblockH*p.outSubblockW != p.outSubblockNumTiles {
		exceptions.Panicf("kernel %q: subblock %dx%d doesn't have %d tiles", k.Name, p.outSubblockH, p.outSubblockW, p.outSubblockNumTiles)
	}
	cb0, cb1, out := k.CB(CBIn0), k.CB(CBIn1), k.CB(CBOut0)
	var interm *dataflow.CircularBuffer
	if p.numBlocks > 1 {
		interm = k.CB(p.intermCB)
	}
	for range p.batch {
		for block := range p.numBlocks {
			lastBlock := block == p.numBlocks-1
			cb0.WaitFront(p.in0BlockNumTiles)
			cb1.WaitFront(p.in1BlockNumTiles)
			for subblockH := range p.in0NumSubblocks {
				for subblockW := range p.in1NumSubblocks {
					k.AcquireDst()
					if block > 0 {
						interm.WaitFront(p.outSubblockNumTiles)
						for i := range p.outSubblockNumTiles {
							k.CopyTile(interm, i, i)
						}
						interm.PopFront(p.outSubblockNumTiles)
					}
					dstIdx := 0
					for h := range p.outSubblockH {
						for w := range p.outSubblockW {
							in0Row := (subblockH*p.outSubblockH + h) * p.in0BlockW
							in1Col := subblockW*p.outSubblockW + w
							for inner := range p.in0BlockW {
								k.MatmulTiles(cb0, cb1, in0Row+inner, inner*p.in1PerCoreW+in1Col, dstIdx)
							}
							dstIdx++
						}
					}
					target := out
					if !lastBlock {
						target = interm
					}
					target.ReserveBack(p.outSubblockNumTiles)
					for i := range p.outSubblockNumTiles {
						k.PackTile(i, target, i)
					}
					target.PushBack(p.outSubblockNumTiles)
					k.ReleaseDst()
				}
			}
			cb0.PopFront(p.in0BlockNumTiles)
			cb1.PopFront(p.in1BlockNumTiles)
		}
	}
}
