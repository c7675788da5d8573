package kernels

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/tiles"
	"github.com/gomlx/tilegrid/pkg/dataflow"
	"github.com/gomlx/tilegrid/pkg/program"
)

// Group normalization normalizes, for each batch, the channels (W) of each of G groups over all
// rows (H). The rows of a batch are split over the K cores of a multicast group: core 0 of the group
// is the sender, that combines the partial sums of all cores and multicasts the result back, once
// for the mean and once for the variance.
//
// The readers and the writer share the first runtime arguments:
//
//	0 addr, 1 num_batches, 2 first_batch, 3 batch_stride (tiles), 4 tile_offset, 5 num_tiles_per_core
//
// The core handles tiles [b*batch_stride+tile_offset, b*batch_stride+tile_offset+num_tiles_per_core)
// of each batch b in [first_batch, first_batch+num_batches).
const (
	// ReaderGroupNormSender reads the core's tiles, gathers the partials of the receivers and
	// multicasts the combined values.
	// Compile args: src_is_dram. Runtime args: the common ones, then 6 K, 7 mcast_start_x,
	// 8 mcast_start_y, 9 mcast_end_x, 10 mcast_end_y, 11 sender_semaphore, 12 receiver_semaphore,
	// followed by the NoC x, y of each of the K-1 receivers.
	ReaderGroupNormSender = "reader_mcast_sender_unary_gn"

	// ReaderGroupNormReceiver reads the core's tiles and takes part in the exchange of partials.
	// Compile args: src_is_dram. Runtime args: the common ones, then 6 K, 7 sender_noc_x,
	// 8 sender_noc_y, 9 sender_semaphore, 10 receiver_semaphore.
	ReaderGroupNormReceiver = "reader_mcast_receiver_unary_gn"

	// GroupNorm computes the partial sums and the normalized output.
	// Compile args: num_batches, num_tiles_per_core, Wt, G, is_sender, K, eps (float32 bits),
	// W (channels), elements_per_group.
	GroupNorm = "groupnorm"

	// WriterGroupNorm writes the normalized tiles.
	// Compile args: dst_is_dram. Runtime args: the common ones.
	WriterGroupNorm = "writer_unary_gn"
)

// GroupNormRounds is the number of partial exchanges per batch: mean and variance.
const GroupNormRounds = 2

// MaxGroups is the maximum number of groups: partials of all groups fit in one row of a tile.
const MaxGroups = dtypes.TileWidth

// groupNormArgs are the common runtime arguments of the readers and the writer.
type groupNormArgs struct {
	addr                              uint32
	numBatches, firstBatch            int
	batchStride, tileOffset, numTiles int
}

func parseGroupNormArgs(k *dataflow.Kernel) groupNormArgs {
	return groupNormArgs{
		addr:        k.Arg(0),
		numBatches:  k.IntArg(1),
		firstBatch:  k.IntArg(2),
		batchStride: k.IntArg(3),
		tileOffset:  k.IntArg(4),
		numTiles:    k.IntArg(5),
	}
}

func (a groupNormArgs) firstTile(batch int) uint32 {
	return uint32(batch*a.batchStride + a.tileOffset)
}

func readerGroupNorm(isSender bool) dataflow.KernelFunc {
	return func(k *dataflow.Kernel) {
		args := parseGroupNormArgs(k)
		cb := k.CB(CBIn0)
		src := k.InterleavedAddrGenFast(boolArg(k.CompileArg(0)), args.addr, cb.Format)
		numDests := k.IntArg(6) - 1
		for b := args.firstBatch; b < args.firstBatch+args.numBatches; b++ {
			cb.ReserveBack(args.numTiles)
			first := args.firstTile(b)
			for i := range args.numTiles {
				src.ReadTile(first+uint32(i), cb.WritePtr()+uint32(i)*cb.PageSize)
			}
			k.ReadBarrier()
			cb.PushBack(args.numTiles)
			for range GroupNormRounds {
				if isSender {
					gatherPartials(k, numDests)
				} else {
					exchangePartial(k)
				}
			}
		}
	}
}

// gatherPartials collects the partials of all receivers into CBExternal and multicasts the
// combined tile the compute kernel pushes to CBGlobal.
func gatherPartials(k *dataflow.Kernel, numDests int) {
	senderSemaphore, receiverSemaphore := k.Arg(11), k.Arg(12)
	partial, external, global := k.CB(CBPartial), k.CB(CBExternal), k.CB(CBGlobal)
	if numDests > 0 {
		k.SemaphoreWait(senderSemaphore, uint32(numDests))
		k.SemaphoreSet(senderSemaphore, 0)
		external.ReserveBack(numDests)
		for i := range numDests {
			x, y := k.Arg(13+2*i), k.Arg(14+2*i)
			k.ReadAsync(k.NocAddr(x, y, partial.Address), external.WritePtr()+uint32(i)*external.PageSize, partial.PageSize)
		}
		k.ReadBarrier()
		external.PushBack(numDests)
	}

	global.WaitFront(1)
	if numDests > 0 {
		startX, startY, endX, endY := k.Arg(7), k.Arg(8), k.Arg(9), k.Arg(10)
		l1 := global.ReadPtr()
		k.WriteMulticast(l1, k.NocMulticastAddr(startX, startY, endX, endY, l1), global.PageSize, numDests)
		k.WriteBarrier()
		k.SemaphoreSet(receiverSemaphore, program.Valid)
		k.SemaphoreSetMulticast(receiverSemaphore, k.NocMulticastAddr(startX, startY, endX, endY, receiverSemaphore), numDests)
	}
	global.PopFront(1)
}

// exchangePartial signals the sender that the partial in CBPartial is ready and waits for the
// combined tile, multicast to CBGlobal.
func exchangePartial(k *dataflow.Kernel) {
	senderX, senderY := k.Arg(7), k.Arg(8)
	senderSemaphore, receiverSemaphore := k.Arg(9), k.Arg(10)
	partial, global := k.CB(CBPartial), k.CB(CBGlobal)
	global.ReserveBack(1)
	partial.WaitFront(1)
	k.SemaphoreSet(receiverSemaphore, program.Invalid)
	k.SemaphoreInc(k.NocAddr(senderX, senderY, senderSemaphore), 1)
	k.SemaphoreWait(receiverSemaphore, program.Valid)
	partial.PopFront(1)
	global.PushBack(1)
}

// groupNormCompute holds the compile arguments of the compute kernel.
type groupNormCompute struct {
	k                    *dataflow.Kernel
	numBatches, numTiles int
	wt, groups           int
	isSender             bool
	numCores             int
	eps                  float32
	channelsPerGroup     int
	elementsPerGroup     float32
}

func groupNorm(k *dataflow.Kernel) {
	c := groupNormCompute{
		k:                k,
		numBatches:       k.IntCompileArg(0),
		numTiles:         k.IntCompileArg(1),
		wt:               k.IntCompileArg(2),
		groups:           k.IntCompileArg(3),
		isSender:         boolArg(k.CompileArg(4)),
		numCores:         k.IntCompileArg(5),
		eps:              math.Float32frombits(k.CompileArg(6)),
		elementsPerGroup: float32(k.CompileArg(8)),
	}
	channels := k.IntCompileArg(7)
	if c.groups <= 0 || c.groups > MaxGroups || channels%c.groups != 0 {
		exceptions.Panicf("kernel %q: %d channels can't be split in %d groups (at most %d)", k.Name, channels, c.groups, MaxGroups)
	}
	c.channelsPerGroup = channels / c.groups

	in, out := k.CB(CBIn0), k.CB(CBOut0)
	for range c.numBatches {
		in.WaitFront(c.numTiles)
		values := make([][]float32, c.numTiles)
		for i := range values {
			values[i] = k.UnpackTile(in, i)
		}

		sums := c.combine(c.partialSums(values, nil))
		mean := make([]float32, c.groups)
		for g := range mean {
			mean[g] = sums[g] / c.elementsPerGroup
		}
		sums = c.combine(c.partialSums(values, mean))
		invStd := make([]float32, c.groups)
		for g := range invStd {
			invStd[g] = float32(1 / math.Sqrt(float64(sums[g]/c.elementsPerGroup+c.eps)))
		}

		for i, tile := range values {
			colBase := (i % c.wt) * dtypes.TileWidth
			normalized := make([]float32, dtypes.TileHW)
			for pos, v := range tile {
				_, col := tiles.RowColInTile(pos)
				g := (colBase + col) / c.channelsPerGroup
				normalized[pos] = (v - mean[g]) * invStd[g]
			}
			out.ReserveBack(1)
			k.PackValues(normalized, out, 0)
			out.PushBack(1)
		}
		in.PopFront(c.numTiles)
	}
}

// partialSums returns the sum of the values of each group in the core's tiles, or, if mean is
// given, the sum of the squared deviations.
func (c *groupNormCompute) partialSums(values [][]float32, mean []float32) []float32 {
	sums := make([]float32, c.groups)
	for i, tile := range values {
		colBase := (i % c.wt) * dtypes.TileWidth
		for pos, v := range tile {
			_, col := tiles.RowColInTile(pos)
			g := (colBase + col) / c.channelsPerGroup
			if mean != nil {
				v -= mean[g]
				v *= v
			}
			sums[g] += v
		}
	}
	return sums
}

// combine exchanges the partial sums with the other cores of the group and returns the totals.
// Partials travel as the first row of a tile, group g at column g.
func (c *groupNormCompute) combine(partial []float32) []float32 {
	k := c.k
	tile := make([]float32, dtypes.TileHW)
	for g, v := range partial {
		tile[tiles.IndexInTile(0, g)] = v
	}
	global := k.CB(CBGlobal)
	if !c.isSender {
		cbPartial := k.CB(CBPartial)
		cbPartial.ReserveBack(1)
		k.PackValues(tile, cbPartial, 0)
		cbPartial.PushBack(1)

		global.WaitFront(1)
		combined := k.UnpackTile(global, 0)
		global.PopFront(1)
		return groupsOf(combined, c.groups)
	}

	if numDests := c.numCores - 1; numDests > 0 {
		external := k.CB(CBExternal)
		external.WaitFront(numDests)
		for i := range numDests {
			for g, v := range groupsOf(k.UnpackTile(external, i), c.groups) {
				tile[tiles.IndexInTile(0, g)] += v
			}
		}
		external.PopFront(numDests)
	}
	// Receivers see the totals rounded to bfloat16, the sender uses the same values.
	tile = tiles.BFloat16ToFloat32(tiles.TruncateFloat32(tile))
	global.ReserveBack(1)
	k.PackValues(tile, global, 0)
	global.PushBack(1)
	return groupsOf(tile, c.groups)
}

func groupsOf(tile []float32, groups int) []float32 {
	values := make([]float32, groups)
	for g := range values {
		values[g] = tile[tiles.IndexInTile(0, g)]
	}
	return values
}

func writerGroupNorm(k *dataflow.Kernel) {
	args := parseGroupNormArgs(k)
	cb := k.CB(CBOut0)
	dst := k.InterleavedAddrGenFast(boolArg(k.CompileArg(0)), args.addr, cb.Format)
	for b := args.firstBatch; b < args.firstBatch+args.numBatches; b++ {
		first := args.firstTile(b)
		for i := range args.numTiles {
			cb.WaitFront(1)
			dst.WriteTile(first+uint32(i), cb.ReadPtr())
			k.WriteBarrier()
			cb.PopFront(1)
		}
	}
}
