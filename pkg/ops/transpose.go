package ops

import (
	"context"
	"fmt"

	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/shapes"
	"github.com/gomlx/tilegrid/pkg/core/tensors"
	"github.com/gomlx/tilegrid/pkg/kernels"
	"github.com/gomlx/tilegrid/pkg/partition"
	"github.com/gomlx/tilegrid/pkg/program"
	"github.com/gomlx/tilegrid/pkg/runtime"
	"github.com/pkg/errors"
)

// TransposeOp swaps two dimensions of a rank-4 (N, C, H, W) tensor:
//
//   - WH: (N, C, H, W) -> (N, C, W, H). Any rank >= 2 is accepted.
//   - HC: (N, C, H, W) -> (N, H, C, W). C must be a multiple of 32, and the data type BFloat16.
//   - CN: (N, C, H, W) -> (C, N, H, W).
type TransposeOp struct {
	Dim partition.TransposeDim
}

var _ Operation = TransposeOp{}

// Transpose swaps the dimensions selected by dim.
func Transpose(ctx context.Context, rt *runtime.Context, dim partition.TransposeDim, x *tensors.Tensor) (*tensors.Tensor, error) {
	return run1(ctx, rt, TransposeOp{Dim: dim}, x)
}

// Name implements Operation.
func (op TransposeOp) Name() string { return fmt.Sprintf("transpose_%s", op.Dim) }

// Validate implements Operation.
func (op TransposeOp) Validate(inputs []*tensors.Tensor) error {
	if len(inputs) != 1 {
		return errors.Errorf("1 input expected, got %d", len(inputs))
	}
	x := inputs[0]
	shape := x.Shape()
	switch op.Dim {
	case partition.TransposeWH:
		return nil
	case partition.TransposeHC:
		if shape.Rank() != 4 {
			return errors.Errorf("transpose HC requires a rank-4 shape, got %s", shape)
		}
		if shape.C()%dtypes.TileHeight != 0 {
			return errors.Errorf("transpose HC requires C multiple of %d, got shape %s", dtypes.TileHeight, shape)
		}
		if x.DType() != dtypes.BFloat16 {
			return errors.Errorf("transpose HC only supports BFloat16, got %s", x.DType())
		}
		return nil
	case partition.TransposeCN:
		if shape.Rank() != 4 {
			return errors.Errorf("transpose CN requires a rank-4 shape, got %s", shape)
		}
		return nil
	}
	return errors.Errorf("invalid transpose dimension %s", op.Dim)
}

// OutputSpecs implements Operation.
func (op TransposeOp) OutputSpecs(inputs []*tensors.Tensor) []OutputSpec {
	spec := sameAs(inputs[0])
	spec.Shape = TransposedShape(op.Dim, spec.Shape)
	return []OutputSpec{spec}
}

// TransposedShape returns the shape of the transpose of shape along dim.
func TransposedShape(dim partition.TransposeDim, shape shapes.Shape) shapes.Shape {
	transposed := shape.Clone()
	dims := transposed.Dimensions
	r := len(dims)
	switch dim {
	case partition.TransposeWH:
		dims[r-1], dims[r-2] = dims[r-2], dims[r-1]
	case partition.TransposeHC:
		dims[1], dims[2] = dims[2], dims[1]
	case partition.TransposeCN:
		dims[0], dims[1] = dims[1], dims[0]
	}
	return transposed
}

// Strategy implements Operation.
func (op TransposeOp) Strategy(_ Env, inputs []*tensors.Tensor) (partition.Strategy, error) {
	return partition.TransposeStrategy(op.Dim, inputs[0].Shape().NumTiles()), nil
}

// CreateProgram implements Operation.
//
// The readers fetch the input tiles in output order. For WH the compute kernel transposes each
// tile; for HC the reader assembles each output tile from rows of 32 input tiles, and for CN tiles
// are moved as a whole, so the compute kernel only copies.
func (op TransposeOp) CreateProgram(env Env, inputs, outputs []*tensors.Tensor) (*program.Program, error) {
	input, output := inputs[0], outputs[0]
	strategy, _ := op.Strategy(env, inputs)
	shape := input.Shape()
	ht, wt := shape.TileGrid()
	switch op.Dim {
	case partition.TransposeWH:
		return unaryProgram(env, op.Name(), strategy, input, output,
			kernels.ReaderTransposeWH, []uint32{uint32(ht), uint32(wt), uint32(ht * wt)},
			kernels.TransposeWH, nil), nil
	case partition.TransposeHC:
		return unaryProgram(env, op.Name(), strategy, input, output,
			kernels.ReaderTransposeHC, []uint32{uint32(shape.C()), uint32(shape.H()), uint32(wt)},
			kernels.EltwiseSFPU, nil), nil
	default:
		return unaryProgram(env, op.Name(), strategy, input, output,
			kernels.ReaderTransposeCN, []uint32{uint32(shape.N()), uint32(shape.C()), uint32(ht * wt)},
			kernels.EltwiseSFPU, nil), nil
	}
}
