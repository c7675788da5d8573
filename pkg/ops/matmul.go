package ops

import (
	"context"
	"fmt"

	"github.com/gomlx/tilegrid/pkg/core/grid"
	"github.com/gomlx/tilegrid/pkg/core/tensors"
	"github.com/gomlx/tilegrid/pkg/kernels"
	"github.com/gomlx/tilegrid/pkg/partition"
	"github.com/gomlx/tilegrid/pkg/program"
	"github.com/gomlx/tilegrid/pkg/runtime"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MatmulOp multiplies A (..., M, K) by B (..., K, N).
//
// For a matmul (Bmm false) B has a single batch, broadcast over all batches of A. For a batched
// matmul (Bmm true) A and B have the same outer dimensions, multiplied batch by batch.
//
// The strategy is selected automatically, unless Forced is set: then ForcedStrategy is used, and an
// error is returned if it can't partition the inputs.
type MatmulOp struct {
	Bmm            bool
	Forced         bool
	ForcedStrategy partition.Strategy
}

var _ Operation = MatmulOp{}

// Matmul returns a x b, with b broadcast over the batches of a.
func Matmul(ctx context.Context, rt *runtime.Context, a, b *tensors.Tensor) (*tensors.Tensor, error) {
	return run1(ctx, rt, MatmulOp{}, a, b)
}

// BMM returns the batched matmul of a and b, which must have the same batch dimensions.
func BMM(ctx context.Context, rt *runtime.Context, a, b *tensors.Tensor) (*tensors.Tensor, error) {
	return run1(ctx, rt, MatmulOp{Bmm: true}, a, b)
}

// MatmulWithStrategy is Matmul (or BMM if bmm is set) with a forced parallelization strategy.
func MatmulWithStrategy(ctx context.Context, rt *runtime.Context, bmm bool, strategy partition.Strategy, a, b *tensors.Tensor) (*tensors.Tensor, error) {
	return run1(ctx, rt, MatmulOp{Bmm: bmm, Forced: true, ForcedStrategy: strategy}, a, b)
}

// Name implements Operation.
func (op MatmulOp) Name() string {
	if op.Bmm {
		return "bmm"
	}
	return "matmul"
}

// Validate implements Operation.
func (op MatmulOp) Validate(inputs []*tensors.Tensor) error {
	if len(inputs) != 2 {
		return errors.Errorf("2 inputs expected, got %d", len(inputs))
	}
	a, b := inputs[0].Shape(), inputs[1].Shape()
	if a.Rank() < 2 || b.Rank() < 2 {
		return errors.Errorf("operands must have rank >= 2, got %s and %s", a, b)
	}
	if a.W() != b.H() {
		return errors.Errorf("inner dimensions of %s and %s don't match", a, b)
	}
	if op.Bmm {
		if a.Rank() != b.Rank() {
			return errors.Errorf("batched operands %s and %s have different ranks", a, b)
		}
		for axis := range a.Rank() - 2 {
			if a.Dim(axis) != b.Dim(axis) {
				return errors.Errorf("batch dimensions of %s and %s don't match", a, b)
			}
		}
	} else if b.Batches() != 1 {
		return errors.Errorf("B %s must have a single batch: use a batched matmul", b)
	}
	if op.Forced && (op.ForcedStrategy < partition.SingleCore || op.ForcedStrategy > partition.MultiCoreReuseMulticast) {
		return errors.Errorf("invalid forced strategy %s", op.ForcedStrategy)
	}
	return nil
}

// OutputSpecs implements Operation.
func (op MatmulOp) OutputSpecs(inputs []*tensors.Tensor) []OutputSpec {
	spec := sameAs(inputs[0])
	spec.Shape.Dimensions[spec.Shape.Rank()-1] = inputs[1].Shape().W()
	return []OutputSpec{spec}
}

// matmulDims returns the dimensions in tiles.
func matmulDims(a, b *tensors.Tensor) partition.MatmulDims {
	mt, kt := a.Shape().TileGrid()
	_, nt := b.Shape().TileGrid()
	return partition.MatmulDims{B: a.Shape().Batches(), Mt: mt, Kt: kt, Nt: nt}
}

// matmulPlan is the selected strategy with its block sizes, for the blocked strategies.
type matmulPlan struct {
	strategy  partition.Strategy
	dims      partition.MatmulDims
	block     partition.BlockParams
	in0BlockW int
}

// numBlocks returns the number of blocks along M and N, and along K.
func (p matmulPlan) numBlocks() (rows, cols, inner int) {
	return p.dims.Mt / p.block.PerCoreM, p.dims.Nt / p.block.PerCoreN, p.dims.Kt / p.in0BlockW
}

// fixedBlocks returns the block parameters with the fixed per-core budgets, if they divide the
// dimensions.
func fixedBlocks(b partition.Budgets, dims partition.MatmulDims) (partition.BlockParams, bool) {
	if dims.Mt%b.PerCoreM != 0 || dims.Nt%b.PerCoreN != 0 || dims.Kt%b.In0BlockW != 0 {
		return partition.BlockParams{}, false
	}
	h, w, ok := partition.Subblock(b.PerCoreM, b.PerCoreN, b.DstTiles)
	return partition.BlockParams{PerCoreM: b.PerCoreM, PerCoreN: b.PerCoreN, OutSubblockH: h, OutSubblockW: w}, ok
}

func (op MatmulOp) plan(env Env, inputs []*tensors.Tensor) (matmulPlan, error) {
	b := env.Budgets
	size := env.Grid()
	plan := matmulPlan{dims: matmulDims(inputs[0], inputs[1])}
	if !op.Forced {
		plan.strategy = partition.MatmulStrategy(b, size, plan.dims)
	} else {
		plan.strategy = op.ForcedStrategy
	}
	if plan.strategy != partition.MultiCoreReuse && plan.strategy != partition.MultiCoreReuseMulticast {
		return plan, nil
	}

	fits := func(block partition.BlockParams) bool {
		rows, cols := plan.dims.Mt/block.PerCoreM, plan.dims.Nt/block.PerCoreN
		if plan.strategy == partition.MultiCoreReuseMulticast {
			return rows <= size.Y && cols <= size.X
		}
		return rows*cols <= size.NumCores()
	}
	if block, ok := fixedBlocks(b, plan.dims); ok && fits(block) {
		plan.block, plan.in0BlockW = block, b.In0BlockW
		return plan, nil
	}
	if !op.Forced {
		return plan, errors.Errorf("strategy %s selected for %+v, but the fixed blocks don't fit", plan.strategy, plan.dims)
	}
	plan.in0BlockW = grid.FindMaxDivisor(plan.dims.Kt, b.In0BlockW)
	block, ok := partition.LargeMatmulParams(b, size, plan.dims.Mt, plan.dims.Nt, plan.in0BlockW)
	if !ok {
		return plan, errors.Errorf("strategy %s can't partition the matmul %+v on a %s grid", plan.strategy, plan.dims, size)
	}
	plan.block = block
	return plan, nil
}

// Strategy implements Operation.
func (op MatmulOp) Strategy(env Env, inputs []*tensors.Tensor) (partition.Strategy, error) {
	plan, err := op.plan(env, inputs)
	if err != nil {
		return partition.SingleCore, err
	}
	return plan.strategy, nil
}

// CreateProgram implements Operation.
func (op MatmulOp) CreateProgram(env Env, inputs, outputs []*tensors.Tensor) (*program.Program, error) {
	plan, err := op.plan(env, inputs)
	if err != nil {
		return nil, err
	}
	a, b, output := inputs[0], inputs[1], outputs[0]
	p := program.New(op.Name())
	switch plan.strategy {
	case partition.SingleCore, partition.MultiCore:
		matmulOutputTiles(env, p, plan, a, b, output)
	case partition.MultiCoreReuse:
		matmulReuse(env, p, plan, a, b, output)
	default:
		matmulMulticast(env, p, plan, a, b, output)
	}
	return p, nil
}

// bcastB returns the bcast_B argument: whether all batches of A use the single batch of B.
func (p matmulPlan) bcastB(b *tensors.Tensor) uint32 {
	return boolArg(b.Shape().Batches() == 1)
}

// matmulOutputTiles splits the output tiles over the cores: each core computes its tiles one at a
// time, reading the full row of A and column of B of each.
func matmulOutputTiles(env Env, p *program.Program, plan matmulPlan, a, b, output *tensors.Tensor) {
	dims := plan.dims
	split := tileSplit(env, plan.strategy, dims.OutputTiles())
	p.AddTileCircularBuffer(kernels.CBIn0, split.AllCores, 2, a.DType())
	p.AddTileCircularBuffer(kernels.CBIn1, split.AllCores, 2, b.DType())
	p.AddTileCircularBuffer(kernels.CBOut0, split.AllCores, 2, output.DType())

	reader := p.AddKernel(kernels.ReaderBmmOutputTiles, program.Reader, split.AllCores, []uint32{isDRAM(a), isDRAM(b)}, nil)
	writer := p.AddKernel(kernels.WriterUnary, program.Writer, split.AllCores, []uint32{kernels.CBOut0, isDRAM(output)}, nil)
	addComputePerGroup(p, kernels.Bmm, split, nil, func(unitsPerCore int) []uint32 {
		return []uint32{1, 1, uint32(dims.Kt), uint32(unitsPerCore)}
	})
	forEachCore(env.Grid(), split, func(core grid.CoreCoord, numUnits, startUnit int) {
		setArgs(p, reader, core, []uint32{
			addr(a), addr(b), uint32(dims.Mt), uint32(dims.Kt), uint32(dims.Nt),
			uint32(dims.Mt * dims.Kt), uint32(dims.Kt * dims.Nt), uint32(dims.B), plan.bcastB(b),
			uint32(startUnit), uint32(numUnits), uint32(dims.Mt * dims.Nt),
		}, binding{0, 0}, binding{1, 1})
		setArgs(p, writer, core, []uint32{addr(output), uint32(numUnits), uint32(startUnit)}, binding{0, 2})
	})
}

// addBlockedBuffers declares the circular buffers of the blocked matmul on the cores.
func addBlockedBuffers(p *program.Program, plan matmulPlan, cores grid.CoreRangeSet, a, b, output *tensors.Tensor) {
	bp, w := plan.block, plan.in0BlockW
	_, _, numBlocks := plan.numBlocks()
	p.AddTileCircularBuffer(kernels.CBIn0, cores, 2*bp.PerCoreM*w, a.DType())
	p.AddTileCircularBuffer(kernels.CBIn1, cores, 2*w*bp.PerCoreN, b.DType())
	if numBlocks > 1 {
		p.AddTileCircularBuffer(kernels.CBIntermed0, cores, bp.PerCoreM*bp.PerCoreN, output.DType())
	}
	p.AddTileCircularBuffer(kernels.CBOut0, cores, 2*bp.OutSubblockH*bp.OutSubblockW, output.DType())
}

// addBlockedCompute adds the BmmLargeBlockZM compute kernel on the cores.
func addBlockedCompute(p *program.Program, plan matmulPlan, cores grid.CoreRangeSet) {
	bp, w := plan.block, plan.in0BlockW
	_, _, numBlocks := plan.numBlocks()
	subblockTiles := bp.OutSubblockH * bp.OutSubblockW
	p.AddKernel(kernels.BmmLargeBlockZM, program.Compute, cores, []uint32{
		uint32(w),
		uint32(bp.PerCoreM / bp.OutSubblockH),
		uint32(bp.PerCoreM * w),
		uint32(bp.OutSubblockH * w),
		uint32(bp.PerCoreN / bp.OutSubblockW),
		uint32(w * bp.PerCoreN),
		uint32(bp.PerCoreN),
		uint32(numBlocks),
		uint32(bp.OutSubblockH),
		uint32(bp.OutSubblockW),
		uint32(subblockTiles),
		uint32(plan.dims.B),
	}, nil)
}

// blockReaderArgs returns the 17 block arguments of ReaderBmmTileLayout for the output block at
// (blockRow, blockCol).
func blockReaderArgs(plan matmulPlan, a, b *tensors.Tensor, blockRow, blockCol int) []uint32 {
	bp, w, dims := plan.block, plan.in0BlockW, plan.dims
	_, _, numBlocks := plan.numBlocks()
	return []uint32{
		addr(a),
		uint32(blockRow * bp.PerCoreM * dims.Kt),
		1,
		uint32(dims.Kt),
		uint32(w),
		uint32(w),
		uint32(bp.PerCoreM),
		uint32(w * bp.PerCoreM),

		addr(b),
		uint32(blockCol * bp.PerCoreN),
		1,
		uint32(dims.Nt),
		uint32(w * dims.Nt),
		uint32(bp.PerCoreN),
		uint32(w),
		uint32(w * bp.PerCoreN),

		uint32(numBlocks),
	}
}

// batchReaderArgs returns the MtKt, KtNt, batch and bcast_B reader arguments.
func batchReaderArgs(plan matmulPlan, b *tensors.Tensor) []uint32 {
	dims := plan.dims
	return []uint32{uint32(dims.Mt * dims.Kt), uint32(dims.Kt * dims.Nt), uint32(dims.B), plan.bcastB(b)}
}

// blockWriterArgs returns the 13 arguments of WriterBmmTileLayout for the output block at
// (blockRow, blockCol).
func blockWriterArgs(plan matmulPlan, output *tensors.Tensor, blockRow, blockCol int) []uint32 {
	bp, dims := plan.block, plan.dims
	return []uint32{
		addr(output),
		uint32(blockRow*bp.PerCoreM*dims.Nt + blockCol*bp.PerCoreN),
		1,
		uint32(dims.Nt),
		uint32(bp.OutSubblockW),
		uint32(bp.OutSubblockH * dims.Nt),
		uint32(bp.OutSubblockW),
		uint32(bp.OutSubblockH),
		uint32(bp.OutSubblockW * bp.OutSubblockH),
		uint32(bp.PerCoreN / bp.OutSubblockW),
		uint32(bp.PerCoreM / bp.OutSubblockH),
		uint32(dims.Mt * dims.Nt),
		uint32(dims.B),
	}
}

// matmulReuse assigns one output block per core, in row-major order: each core reads its blocks
// of A and B from DRAM, and re-uses them for all the output tiles of the block.
func matmulReuse(env Env, p *program.Program, plan matmulPlan, a, b, output *tensors.Tensor) {
	size := env.Grid()
	rows, cols, _ := plan.numBlocks()
	cores := size.RowMajorRanges(rows * cols)
	addBlockedBuffers(p, plan, cores, a, b, output)
	reader := p.AddKernel(kernels.ReaderBmmTileLayout, program.Reader, cores, []uint32{isDRAM(a), isDRAM(b)}, nil)
	writer := p.AddKernel(kernels.WriterBmmTileLayout, program.Writer, cores, []uint32{isDRAM(output)}, nil)
	addBlockedCompute(p, plan, cores)
	for i := range rows * cols {
		core := size.CoreAt(i)
		blockRow, blockCol := i/cols, i%cols
		readerArgs := append(blockReaderArgs(plan, a, b, blockRow, blockCol), batchReaderArgs(plan, b)...)
		setArgs(p, reader, core, readerArgs, binding{0, 0}, binding{8, 1})
		setArgs(p, writer, core, blockWriterArgs(plan, output, blockRow, blockCol), binding{0, 2})
	}
}

// mcastArgs returns the 9 multicast arguments of one operand, multicast by sender to the
// rectangle [start, end] of numDests receivers.
func mcastArgs(env Env, sender, start, end grid.CoreCoord, numDests int, senderSemaphore, receiverSemaphore uint32) []uint32 {
	senderNoc := env.Device.WorkerNoc(sender)
	startNoc, endNoc := senderNoc, senderNoc
	if numDests > 0 {
		startNoc, endNoc = env.Device.WorkerNoc(start), env.Device.WorkerNoc(end)
	}
	return []uint32{
		uint32(startNoc.X), uint32(startNoc.Y), uint32(endNoc.X), uint32(endNoc.Y), uint32(numDests),
		uint32(senderNoc.X), uint32(senderNoc.Y), senderSemaphore, receiverSemaphore,
	}
}

// matmulMulticast places the output block (row, col) on core (x=col, y=row) of a rectangle of
// cores. The cores of column 0 read the blocks of A and multicast them along their rows; the cores
// of row 0 read the blocks of B and multicast them along their columns.
func matmulMulticast(env Env, p *program.Program, plan matmulPlan, a, b, output *tensors.Tensor) {
	rows, cols, _ := plan.numBlocks()
	rect := grid.Rect(0, 0, cols, rows)
	cores := set(rect)
	addBlockedBuffers(p, plan, cores, a, b, output)
	in0SenderSemaphore := p.AddSemaphore(cores, 0)
	in0ReceiverSemaphore := p.AddSemaphore(cores, 0)
	in1SenderSemaphore := p.AddSemaphore(cores, 0)
	in1ReceiverSemaphore := p.AddSemaphore(cores, 0)

	// One reader kernel per sender/receiver combination.
	readerRanges := make(map[string][]grid.CoreRange)
	addRange := func(r grid.CoreRange) {
		name := kernels.McastReaderName(r.Start.X == 0, r.Start.Y == 0)
		readerRanges[name] = append(readerRanges[name], r)
	}
	addRange(grid.Single(grid.CoreCoord{}))
	if cols > 1 {
		addRange(grid.Rect(1, 0, cols-1, 1))
	}
	if rows > 1 {
		addRange(grid.Rect(0, 1, 1, rows-1))
	}
	if cols > 1 && rows > 1 {
		addRange(grid.Rect(1, 1, cols-1, rows-1))
	}
	readers := make(map[string]program.KernelID)
	for _, name := range []string{
		kernels.ReaderMcastIn0SenderIn1Sender, kernels.ReaderMcastIn0SenderIn1Receiver,
		kernels.ReaderMcastIn0ReceiverIn1Sender, kernels.ReaderMcastIn0ReceiverIn1Receiver,
	} {
		if ranges, found := readerRanges[name]; found {
			readers[name] = p.AddKernel(name, program.Reader, grid.NewCoreRangeSet(ranges...), []uint32{isDRAM(a), isDRAM(b)}, nil)
		}
	}
	writer := p.AddKernel(kernels.WriterBmmTileLayout, program.Writer, cores, []uint32{isDRAM(output)}, nil)
	addBlockedCompute(p, plan, cores)

	// The number of destinations is the 5th argument of each of the two multicast blocks of arguments.
	in0Count := len(blockReaderArgs(plan, a, b, 0, 0)) + 4
	in1Count := in0Count + 9
	for y := range rows {
		if cols > 1 {
			p.AddMulticastGroup(program.MulticastGroup{
				Name:              fmt.Sprintf("in0_row%d", y),
				Sender:            grid.CoreCoord{X: 0, Y: y},
				Receivers:         grid.Rect(1, y, cols-1, 1),
				SenderSemaphore:   in0SenderSemaphore,
				ReceiverSemaphore: in0ReceiverSemaphore,
				Count:             &program.CountBinding{Kernel: readers[kernels.McastReaderName(true, y == 0)], Arg: in0Count},
			})
		}
	}
	for x := range cols {
		if rows > 1 {
			p.AddMulticastGroup(program.MulticastGroup{
				Name:              fmt.Sprintf("in1_col%d", x),
				Sender:            grid.CoreCoord{X: x, Y: 0},
				Receivers:         grid.Rect(x, 1, 1, rows-1),
				SenderSemaphore:   in1SenderSemaphore,
				ReceiverSemaphore: in1ReceiverSemaphore,
				Count:             &program.CountBinding{Kernel: readers[kernels.McastReaderName(x == 0, true)], Arg: in1Count},
			})
		}
	}

	for core := range rect.Cores() {
		args := blockReaderArgs(plan, a, b, core.Y, core.X)
		in0Dests, in1Dests := 0, 0
		if core.X == 0 {
			in0Dests = cols - 1
		}
		if core.Y == 0 {
			in1Dests = rows - 1
		}
		args = append(args, mcastArgs(env, grid.CoreCoord{X: 0, Y: core.Y},
			grid.CoreCoord{X: 1, Y: core.Y}, grid.CoreCoord{X: cols - 1, Y: core.Y}, in0Dests,
			in0SenderSemaphore, in0ReceiverSemaphore)...)
		args = append(args, mcastArgs(env, grid.CoreCoord{X: core.X, Y: 0},
			grid.CoreCoord{X: core.X, Y: 1}, grid.CoreCoord{X: core.X, Y: rows - 1}, in1Dests,
			in1SenderSemaphore, in1ReceiverSemaphore)...)
		args = append(args, batchReaderArgs(plan, b)...)
		reader := readers[kernels.McastReaderName(core.X == 0, core.Y == 0)]
		setArgs(p, reader, core, args, binding{0, 0}, binding{8, 1})
		setArgs(p, writer, core, blockWriterArgs(plan, output, core.Y, core.X), binding{0, 2})
	}
	klog.V(2).Infof("%s: %dx%d multicast blocks of %+v, in0_block_w=%d", p.Name, rows, cols, plan.block, plan.in0BlockW)
}
