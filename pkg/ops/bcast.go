package ops

import (
	"context"
	"fmt"

	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/grid"
	"github.com/gomlx/tilegrid/pkg/core/tensors"
	"github.com/gomlx/tilegrid/pkg/kernels"
	"github.com/gomlx/tilegrid/pkg/partition"
	"github.com/gomlx/tilegrid/pkg/program"
	"github.com/gomlx/tilegrid/pkg/runtime"
	"github.com/pkg/errors"
)

// BcastDim is the dimension along which the second operand of a broadcast is repeated.
type BcastDim int

const (
	// BcastH repeats the first row of B over the H dimension: B has shape (..., 32, W).
	BcastH BcastDim = kernels.BcastDimH

	// BcastW repeats the first column of B over the W dimension: B has shape (..., H, 32).
	BcastW BcastDim = kernels.BcastDimW

	// BcastHW repeats element (0, 0) of each batch of B: B has shape (..., 32, 32).
	BcastHW BcastDim = kernels.BcastDimHW
)

var bcastDimNames = map[BcastDim]string{BcastH: "H", BcastW: "W", BcastHW: "HW"}

// String implements fmt.Stringer.
func (d BcastDim) String() string {
	if name, found := bcastDimNames[d]; found {
		return name
	}
	return fmt.Sprintf("BcastDim(%d)", int(d))
}

// BcastOp computes Op(a, broadcast(b)). B has either one batch, broadcast over all batches of A,
// or as many batches as A.
type BcastOp struct {
	Op  BinaryOpType
	Dim BcastDim
}

var _ Operation = BcastOp{}

// Bcast returns op(a, broadcast(b)) along dim.
func Bcast(ctx context.Context, rt *runtime.Context, op BinaryOpType, dim BcastDim, a, b *tensors.Tensor) (*tensors.Tensor, error) {
	return run1(ctx, rt, BcastOp{Op: op, Dim: dim}, a, b)
}

// Name implements Operation.
func (op BcastOp) Name() string { return fmt.Sprintf("bcast_%s_%s", op.Op, op.Dim) }

// Validate implements Operation.
func (op BcastOp) Validate(inputs []*tensors.Tensor) error {
	if len(inputs) != 2 {
		return errors.Errorf("2 inputs expected, got %d", len(inputs))
	}
	if err := op.Op.validate(); err != nil {
		return err
	}
	a, b := inputs[0].Shape(), inputs[1].Shape()
	if a.Rank() != b.Rank() {
		return errors.Errorf("operands of ranks %d and %d", a.Rank(), b.Rank())
	}
	if batches := b.Batches(); batches != 1 && batches != a.Batches() {
		return errors.Errorf("B %s must have 1 batch or as many as A %s", b, a)
	}
	wantH, wantW := a.H(), a.W()
	switch op.Dim {
	case BcastH:
		wantH = dtypes.TileHeight
	case BcastW:
		wantW = dtypes.TileWidth
	case BcastHW:
		wantH, wantW = dtypes.TileHeight, dtypes.TileWidth
	default:
		return errors.Errorf("invalid broadcast dimension %s", op.Dim)
	}
	if b.H() != wantH || b.W() != wantW {
		return errors.Errorf("broadcast along %s of A %s requires B with H=%d, W=%d, got %s", op.Dim, a, wantH, wantW, b)
	}
	return nil
}

// OutputSpecs implements Operation.
func (op BcastOp) OutputSpecs(inputs []*tensors.Tensor) []OutputSpec {
	return []OutputSpec{sameAs(inputs[0])}
}

// Strategy implements Operation.
func (op BcastOp) Strategy(_ Env, inputs []*tensors.Tensor) (partition.Strategy, error) {
	return partition.BcastStrategy(inputs[0].Shape().NumTiles()), nil
}

// CreateProgram implements Operation.
func (op BcastOp) CreateProgram(env Env, inputs, outputs []*tensors.Tensor) (*program.Program, error) {
	a, b, output := inputs[0], inputs[1], outputs[0]
	strategy, _ := op.Strategy(env, inputs)
	ht, wt := a.Shape().TileGrid()
	ncB := b.Shape().Batches()
	split := tileSplit(env, strategy, a.Shape().NumTiles())

	p := program.New(op.Name())
	p.AddTileCircularBuffer(kernels.CBIn0, split.AllCores, 2, a.DType())
	p.AddTileCircularBuffer(kernels.CBIn1, split.AllCores, 2, b.DType())
	p.AddTileCircularBuffer(kernels.CBOut0, split.AllCores, 2, output.DType())
	reader := p.AddKernel(kernels.ReaderBcast, program.Reader, split.AllCores,
		[]uint32{isDRAM(a), isDRAM(b), uint32(op.Dim)}, nil)
	writer := p.AddKernel(kernels.WriterUnary, program.Writer, split.AllCores, []uint32{kernels.CBOut0, isDRAM(output)}, nil)
	defines := map[string]string{kernels.DefineBcastOp: string(op.Op)}
	addComputePerGroup(p, kernels.Bcast, split, defines, func(unitsPerCore int) []uint32 {
		return []uint32{uint32(unitsPerCore), uint32(op.Dim)}
	})
	forEachCore(env.Grid(), split, func(core grid.CoreCoord, numUnits, startUnit int) {
		setArgs(p, reader, core, []uint32{
			addr(a), addr(b), uint32(numUnits), uint32(startUnit), uint32(ht), uint32(wt), uint32(ncB),
		}, binding{0, 0}, binding{1, 1})
		setArgs(p, writer, core, []uint32{addr(output), uint32(numUnits), uint32(startUnit)}, binding{0, 2})
	})
	return p, nil
}
