package ops

import (
	"context"
	"fmt"
	"math"

	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/grid"
	"github.com/gomlx/tilegrid/pkg/core/tensors"
	"github.com/gomlx/tilegrid/pkg/kernels"
	"github.com/gomlx/tilegrid/pkg/partition"
	"github.com/gomlx/tilegrid/pkg/program"
	"github.com/gomlx/tilegrid/pkg/runtime"
	"github.com/pkg/errors"
)

// GroupNormOp normalizes each batch of the input (..., H, W), splitting the W channels in Groups
// groups: every value is normalized with the mean and variance of its group over all H rows.
//
// There is no affine transformation: scale and shift can be applied with broadcasts.
type GroupNormOp struct {
	Groups int
	Eps    float32
}

var _ Operation = GroupNormOp{}

// DefaultGroupNormEps is the epsilon added to the variance by GroupNorm.
const DefaultGroupNormEps = 1e-5

// GroupNorm normalizes x over groups of its last dimension.
func GroupNorm(ctx context.Context, rt *runtime.Context, groups int, x *tensors.Tensor) (*tensors.Tensor, error) {
	return run1(ctx, rt, GroupNormOp{Groups: groups, Eps: DefaultGroupNormEps}, x)
}

// Name implements Operation.
func (op GroupNormOp) Name() string { return "groupnorm" }

// Validate implements Operation.
func (op GroupNormOp) Validate(inputs []*tensors.Tensor) error {
	if len(inputs) != 1 {
		return errors.Errorf("1 input expected, got %d", len(inputs))
	}
	shape := inputs[0].Shape()
	if op.Groups <= 0 || op.Groups > kernels.MaxGroups {
		return errors.Errorf("number of groups must be in [1, %d], got %d", kernels.MaxGroups, op.Groups)
	}
	if shape.W()%op.Groups != 0 {
		return errors.Errorf("%d channels of %s can't be split in %d groups", shape.W(), shape, op.Groups)
	}
	if op.Eps < 0 || math.IsNaN(float64(op.Eps)) || math.IsInf(float64(op.Eps), 0) {
		return errors.Errorf("invalid epsilon %g", op.Eps)
	}
	return nil
}

// OutputSpecs implements Operation.
func (op GroupNormOp) OutputSpecs(inputs []*tensors.Tensor) []OutputSpec {
	return []OutputSpec{sameAs(inputs[0])}
}

func (op GroupNormOp) plan(env Env, x *tensors.Tensor) partition.GroupNormPlan {
	ht, _ := x.Shape().TileGrid()
	return partition.GroupNormPartition(env.Grid(), x.Shape().Batches(), ht)
}

// Strategy implements Operation.
func (op GroupNormOp) Strategy(env Env, inputs []*tensors.Tensor) (partition.Strategy, error) {
	return op.plan(env, inputs[0]).Strategy(), nil
}

// CreateProgram implements Operation.
//
// Row y of the grid handles batches [y*BatchesPerGroup, (y+1)*BatchesPerGroup). Within the row, the
// K = GroupSize cores split the tile rows of each batch: core (0, y) gathers the partial sums of
// the others and multicasts the totals back.
func (op GroupNormOp) CreateProgram(env Env, inputs, outputs []*tensors.Tensor) (*program.Program, error) {
	x, output := inputs[0], outputs[0]
	shape := x.Shape()
	ht, wt := shape.TileGrid()
	plan := op.plan(env, x)
	groupSize := plan.GroupSize
	numTiles := plan.TileRowsPerCore * wt

	rect := grid.Rect(0, 0, groupSize, plan.NumGroups)
	cores := set(rect)
	senders := set(grid.Rect(0, 0, 1, plan.NumGroups))
	var receivers grid.CoreRangeSet
	if groupSize > 1 {
		receivers = set(grid.Rect(1, 0, groupSize-1, plan.NumGroups))
	}

	p := program.New(op.Name())
	p.AddTileCircularBuffer(kernels.CBIn0, cores, numTiles, x.DType())
	p.AddTileCircularBuffer(kernels.CBOut0, cores, 2, output.DType())
	p.AddTileCircularBuffer(kernels.CBPartial, cores, 1, dtypes.BFloat16)
	p.AddTileCircularBuffer(kernels.CBGlobal, cores, 1, dtypes.BFloat16)
	p.AddTileCircularBuffer(kernels.CBExternal, cores, max(groupSize-1, 1), dtypes.BFloat16)
	senderSemaphore := p.AddSemaphore(cores, 0)
	receiverSemaphore := p.AddSemaphore(cores, 0)

	computeArgs := func(isSender bool) []uint32 {
		return []uint32{
			uint32(plan.BatchesPerGroup), uint32(numTiles), uint32(wt), uint32(op.Groups), boolArg(isSender),
			uint32(groupSize), math.Float32bits(op.Eps), uint32(shape.W()), uint32(shape.H() * shape.W() / op.Groups),
		}
	}
	senderReader := p.AddKernel(kernels.ReaderGroupNormSender, program.Reader, senders, []uint32{isDRAM(x)}, nil)
	p.AddKernel(kernels.GroupNorm, program.Compute, senders, computeArgs(true), nil)
	var receiverReader program.KernelID
	if groupSize > 1 {
		receiverReader = p.AddKernel(kernels.ReaderGroupNormReceiver, program.Reader, receivers, []uint32{isDRAM(x)}, nil)
		p.AddKernel(kernels.GroupNorm, program.Compute, receivers, computeArgs(false), nil)
	}
	writer := p.AddKernel(kernels.WriterGroupNorm, program.Writer, cores, []uint32{isDRAM(output)}, nil)

	for y := range plan.NumGroups {
		sender := grid.CoreCoord{X: 0, Y: y}
		senderNoc := env.Device.WorkerNoc(sender)
		if groupSize > 1 {
			p.AddMulticastGroup(program.MulticastGroup{
				Name:              fmt.Sprintf("groupnorm_row%d", y),
				Sender:            sender,
				Receivers:         grid.Rect(1, y, groupSize-1, 1),
				SenderSemaphore:   senderSemaphore,
				ReceiverSemaphore: receiverSemaphore,
				Count:             &program.CountBinding{Kernel: senderReader, Arg: 6, IncludesSender: true},
			})
		}
		for xIdx := range groupSize {
			core := grid.CoreCoord{X: xIdx, Y: y}
			common := []uint32{
				addr(x), uint32(plan.BatchesPerGroup), uint32(y * plan.BatchesPerGroup),
				uint32(ht * wt), uint32(xIdx * numTiles), uint32(numTiles),
			}
			setArgs(p, writer, core, append([]uint32{addr(output)}, common[1:]...), binding{0, 1})
			if xIdx > 0 {
				args := append(common, uint32(groupSize), uint32(senderNoc.X), uint32(senderNoc.Y),
					senderSemaphore, receiverSemaphore)
				setArgs(p, receiverReader, core, args, binding{0, 0})
				continue
			}
			startNoc, endNoc := senderNoc, senderNoc
			if groupSize > 1 {
				startNoc = env.Device.WorkerNoc(grid.CoreCoord{X: 1, Y: y})
				endNoc = env.Device.WorkerNoc(grid.CoreCoord{X: groupSize - 1, Y: y})
			}
			args := append(common, uint32(groupSize), uint32(startNoc.X), uint32(startNoc.Y),
				uint32(endNoc.X), uint32(endNoc.Y), senderSemaphore, receiverSemaphore)
			for r := 1; r < groupSize; r++ {
				noc := env.Device.WorkerNoc(grid.CoreCoord{X: r, Y: y})
				args = append(args, uint32(noc.X), uint32(noc.Y))
			}
			setArgs(p, senderReader, core, args, binding{0, 0})
		}
	}
	return p, nil
}
