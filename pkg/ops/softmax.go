package ops

import (
	"context"
	"fmt"
	"math"

	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/tensors"
	"github.com/gomlx/tilegrid/pkg/kernels"
	"github.com/gomlx/tilegrid/pkg/partition"
	"github.com/gomlx/tilegrid/pkg/program"
	"github.com/gomlx/tilegrid/pkg/runtime"
	"github.com/pkg/errors"
)

// SoftmaxOp computes the softmax along the last dimension (W) of x*Scale, plus an optional
// additive mask given as a second input.
//
// The mask has one row of tiles per batch of x, broadcast over the rows of the batch: its shape is
// (..., 1, 32, W) with as many batches as x. Only the first row of each mask tile is meaningful
// for a causal or padding mask, but all 32 rows are added.
type SoftmaxOp struct {
	Scale  float32
	Masked bool
}

var _ Operation = SoftmaxOp{}

// Softmax returns softmax(x) along the last dimension.
func Softmax(ctx context.Context, rt *runtime.Context, x *tensors.Tensor) (*tensors.Tensor, error) {
	return run1(ctx, rt, SoftmaxOp{Scale: 1}, x)
}

// ScaleMaskSoftmax returns softmax(x*scale + mask) along the last dimension. mask can be nil.
func ScaleMaskSoftmax(ctx context.Context, rt *runtime.Context, scale float32, x, mask *tensors.Tensor) (*tensors.Tensor, error) {
	if mask == nil {
		return run1(ctx, rt, SoftmaxOp{Scale: scale}, x)
	}
	return run1(ctx, rt, SoftmaxOp{Scale: scale, Masked: true}, x, mask)
}

// Name implements Operation.
func (op SoftmaxOp) Name() string {
	if op.Masked || op.Scale != 1 {
		return "scale_mask_softmax"
	}
	return "softmax"
}

// Validate implements Operation.
func (op SoftmaxOp) Validate(inputs []*tensors.Tensor) error {
	numInputs := 1
	if op.Masked {
		numInputs = 2
	}
	if len(inputs) != numInputs {
		return errors.Errorf("%d inputs expected, got %d", numInputs, len(inputs))
	}
	if math.IsNaN(float64(op.Scale)) || math.IsInf(float64(op.Scale), 0) {
		return errors.Errorf("invalid scale %g", op.Scale)
	}
	if !op.Masked {
		return nil
	}
	x, mask := inputs[0].Shape(), inputs[1].Shape()
	if mask.H() != dtypes.TileHeight || mask.W() != x.W() || mask.Batches() != x.Batches() {
		return errors.Errorf("mask of shape %s doesn't match input %s: it must have %d batches of %dx%d",
			mask, x, x.Batches(), dtypes.TileHeight, x.W())
	}
	return nil
}

// OutputSpecs implements Operation.
func (op SoftmaxOp) OutputSpecs(inputs []*tensors.Tensor) []OutputSpec {
	return []OutputSpec{sameAs(inputs[0])}
}

// plan partitions the rows of tiles of the input over the grid.
func (op SoftmaxOp) plan(env Env, x *tensors.Tensor) partition.SoftmaxPlan {
	ht, wt := x.Shape().TileGrid()
	return partition.SoftmaxPartition(env.Grid(), x.Shape().Batches()*ht, wt)
}

// Strategy implements Operation.
func (op SoftmaxOp) Strategy(env Env, inputs []*tensors.Tensor) (partition.Strategy, error) {
	return op.plan(env, inputs[0]).Strategy(), nil
}

// CreateProgram implements Operation.
func (op SoftmaxOp) CreateProgram(env Env, inputs, outputs []*tensors.Tensor) (*program.Program, error) {
	x, output := inputs[0], outputs[0]
	ht, wt := x.Shape().TileGrid()
	plan := op.plan(env, x)
	cores := env.Grid().RowMajorRanges(plan.NumCores)
	block := plan.BlockSize
	outputIdx := 1

	p := program.New(op.Name())
	p.AddTileCircularBuffer(kernels.CBIn0, cores, 2*block, x.DType())
	p.AddTileCircularBuffer(kernels.CBIn2, cores, 1, dtypes.BFloat16)
	p.AddTileCircularBuffer(kernels.CBIntermed0, cores, wt, output.DType())
	p.AddTileCircularBuffer(kernels.CBIntermed1, cores, 1, output.DType())
	p.AddTileCircularBuffer(kernels.CBOut0, cores, 2*block, output.DType())
	maskIsDRAM := uint32(0)
	var maskAddr uint32
	if op.Masked {
		mask := inputs[1]
		p.AddTileCircularBuffer(kernels.CBIn3, cores, 2*block, mask.DType())
		maskIsDRAM, maskAddr = isDRAM(mask), addr(mask)
		outputIdx = 2
	}

	reader := p.AddKernel(kernels.ReaderSoftmax, program.Reader, cores, []uint32{isDRAM(x), maskIsDRAM, uint32(block)}, nil)
	writer := p.AddKernel(kernels.WriterSoftmax, program.Writer, cores, []uint32{isDRAM(output)}, nil)
	p.AddKernel(kernels.Softmax, program.Compute, cores, []uint32{
		uint32(block), uint32(plan.RowsPerCore), uint32(wt), boolArg(op.Masked), math.Float32bits(op.Scale),
	}, nil)

	tilesPerCore := plan.RowsPerCore * wt
	for i := range plan.NumCores {
		core := env.Grid().CoreAt(i)
		start := uint32(i * tilesPerCore)
		readerBindings := []binding{{0, 0}}
		if op.Masked {
			readerBindings = append(readerBindings, binding{5, 1})
		}
		setArgs(p, reader, core, []uint32{
			addr(x), uint32(tilesPerCore), start, uint32(wt), math.Float32bits(1), maskAddr, uint32(ht), boolArg(op.Masked),
		}, readerBindings...)
		setArgs(p, writer, core, []uint32{addr(output), uint32(tilesPerCore), start, uint32(block)}, binding{0, outputIdx})
	}
	return p, nil
}

// String implements fmt.Stringer.
func (op SoftmaxOp) String() string {
	return fmt.Sprintf("%s(scale=%g, masked=%v)", op.Name(), op.Scale, op.Masked)
}
