package ops

import (
	"context"
	"fmt"

	"github.com/gomlx/tilegrid/pkg/core/grid"
	"github.com/gomlx/tilegrid/pkg/core/tensors"
	"github.com/gomlx/tilegrid/pkg/dataflow"
	"github.com/gomlx/tilegrid/pkg/kernels"
	"github.com/gomlx/tilegrid/pkg/partition"
	"github.com/gomlx/tilegrid/pkg/program"
	"github.com/gomlx/tilegrid/pkg/runtime"
	"github.com/pkg/errors"
)

// BinaryOpType of the element-wise binary and broadcast operations.
type BinaryOpType string

const (
	Add BinaryOpType = "add"
	Sub BinaryOpType = "sub"
	Mul BinaryOpType = "mul"
)

// UnaryOpType of the element-wise unary operations, also usable as a fused activation.
type UnaryOpType string

const (
	NoActivation UnaryOpType = ""
	Relu         UnaryOpType = "relu"
	Exp          UnaryOpType = "exp"
	Recip        UnaryOpType = "recip"
	Sqrt         UnaryOpType = "sqrt"
	Rsqrt        UnaryOpType = "rsqrt"
	Sigmoid      UnaryOpType = "sigmoid"
	Neg          UnaryOpType = "neg"
)

func (op BinaryOpType) validate() error {
	switch op {
	case Add, Sub, Mul:
		return nil
	}
	return errors.Errorf("unknown binary operation %q", string(op))
}

func (op UnaryOpType) validate() error {
	if op == NoActivation {
		return nil
	}
	if _, found := dataflow.UnaryFunc(string(op)); !found {
		return errors.Errorf("unknown unary operation %q", string(op))
	}
	return nil
}

// EltwiseUnaryOp applies Op to every element.
type EltwiseUnaryOp struct {
	Op UnaryOpType
}

var _ Operation = EltwiseUnaryOp{}

// EltwiseUnary returns op(x), element-wise.
func EltwiseUnary(ctx context.Context, rt *runtime.Context, op UnaryOpType, x *tensors.Tensor) (*tensors.Tensor, error) {
	return run1(ctx, rt, EltwiseUnaryOp{Op: op}, x)
}

// Name implements Operation.
func (op EltwiseUnaryOp) Name() string { return fmt.Sprintf("eltwise_unary_%s", op.Op) }

// Validate implements Operation.
func (op EltwiseUnaryOp) Validate(inputs []*tensors.Tensor) error {
	if len(inputs) != 1 {
		return errors.Errorf("1 input expected, got %d", len(inputs))
	}
	if op.Op == NoActivation {
		return errors.New("no unary operation given")
	}
	return op.Op.validate()
}

// OutputSpecs implements Operation.
func (op EltwiseUnaryOp) OutputSpecs(inputs []*tensors.Tensor) []OutputSpec {
	return []OutputSpec{sameAs(inputs[0])}
}

// Strategy implements Operation.
func (op EltwiseUnaryOp) Strategy(_ Env, inputs []*tensors.Tensor) (partition.Strategy, error) {
	return partition.EltwiseStrategy(inputs[0].Shape().NumTiles()), nil
}

// CreateProgram implements Operation.
func (op EltwiseUnaryOp) CreateProgram(env Env, inputs, outputs []*tensors.Tensor) (*program.Program, error) {
	strategy, _ := op.Strategy(env, inputs)
	defines := map[string]string{kernels.DefineSFPUOp: string(op.Op)}
	return unaryProgram(env, op.Name(), strategy, inputs[0], outputs[0], kernels.ReaderUnary, nil,
		kernels.EltwiseSFPU, defines), nil
}

// unaryProgram creates the program of a tile-by-tile operation with one input, with the output
// tiles split over the cores according to the strategy. The reader takes the runtime arguments
// src_addr, num_tiles, start_id followed by readerArgs; the compute kernel (EltwiseSFPU or
// TransposeWH) the number of tiles of the core. The writer is a WriterUnary.
func unaryProgram(env Env, name string, strategy partition.Strategy, input, output *tensors.Tensor,
	readerName string, readerArgs []uint32, compute string, defines map[string]string) *program.Program {
	numTiles := output.Shape().NumTiles()
	split := tileSplit(env, strategy, numTiles)
	p := program.New(name)
	p.AddTileCircularBuffer(kernels.CBIn0, split.AllCores, 2, input.DType())
	p.AddTileCircularBuffer(kernels.CBOut0, split.AllCores, 2, output.DType())

	reader := p.AddKernel(readerName, program.Reader, split.AllCores, []uint32{isDRAM(input)}, nil)
	writer := p.AddKernel(kernels.WriterUnary, program.Writer, split.AllCores, []uint32{kernels.CBOut0, isDRAM(output)}, nil)
	addComputePerGroup(p, compute, split, defines, func(unitsPerCore int) []uint32 {
		if compute == kernels.TransposeWH {
			return []uint32{uint32(unitsPerCore)}
		}
		return []uint32{uint32(unitsPerCore), 1}
	})
	forEachCore(env.Grid(), split, func(core grid.CoreCoord, numUnits, startUnit int) {
		args := append([]uint32{addr(input), uint32(numUnits), uint32(startUnit)}, readerArgs...)
		setArgs(p, reader, core, args, binding{0, 0})
		setArgs(p, writer, core, []uint32{addr(output), uint32(numUnits), uint32(startUnit)}, binding{0, 1})
	})
	return p
}

// EltwiseBinaryOp computes Op(a, b), element-wise, followed by the optional fused Activation.
type EltwiseBinaryOp struct {
	Op         BinaryOpType
	Activation UnaryOpType
}

var _ Operation = EltwiseBinaryOp{}

// EltwiseBinary returns op(a, b), element-wise. The inputs must have the same shape.
func EltwiseBinary(ctx context.Context, rt *runtime.Context, op BinaryOpType, a, b *tensors.Tensor) (*tensors.Tensor, error) {
	return run1(ctx, rt, EltwiseBinaryOp{Op: op}, a, b)
}

// EltwiseBinaryWithActivation returns activation(op(a, b)), fused in one program.
func EltwiseBinaryWithActivation(ctx context.Context, rt *runtime.Context, op BinaryOpType, activation UnaryOpType,
	a, b *tensors.Tensor) (*tensors.Tensor, error) {
	return run1(ctx, rt, EltwiseBinaryOp{Op: op, Activation: activation}, a, b)
}

// Name implements Operation.
func (op EltwiseBinaryOp) Name() string {
	if op.Activation != NoActivation {
		return fmt.Sprintf("eltwise_binary_%s_%s", op.Op, op.Activation)
	}
	return fmt.Sprintf("eltwise_binary_%s", op.Op)
}

// Validate implements Operation.
func (op EltwiseBinaryOp) Validate(inputs []*tensors.Tensor) error {
	if len(inputs) != 2 {
		return errors.Errorf("2 inputs expected, got %d", len(inputs))
	}
	if err := op.Op.validate(); err != nil {
		return err
	}
	if err := op.Activation.validate(); err != nil {
		return err
	}
	if inputs[0].DType() != inputs[1].DType() {
		return errors.Errorf("data types %s and %s don't match", inputs[0].DType(), inputs[1].DType())
	}
	return sameShape(op.Name(), inputs[0], inputs[1])
}

// OutputSpecs implements Operation.
func (op EltwiseBinaryOp) OutputSpecs(inputs []*tensors.Tensor) []OutputSpec {
	return []OutputSpec{sameAs(inputs[0])}
}

// Strategy implements Operation.
func (op EltwiseBinaryOp) Strategy(_ Env, inputs []*tensors.Tensor) (partition.Strategy, error) {
	return partition.EltwiseStrategy(inputs[0].Shape().NumTiles()), nil
}

// CreateProgram implements Operation.
func (op EltwiseBinaryOp) CreateProgram(env Env, inputs, outputs []*tensors.Tensor) (*program.Program, error) {
	a, b, output := inputs[0], inputs[1], outputs[0]
	strategy, _ := op.Strategy(env, inputs)
	split := tileSplit(env, strategy, a.Shape().NumTiles())
	p := program.New(op.Name())
	p.AddTileCircularBuffer(kernels.CBIn0, split.AllCores, 2, a.DType())
	p.AddTileCircularBuffer(kernels.CBIn1, split.AllCores, 2, b.DType())
	p.AddTileCircularBuffer(kernels.CBOut0, split.AllCores, 2, output.DType())

	reader := p.AddKernel(kernels.ReaderBinary, program.Reader, split.AllCores, []uint32{isDRAM(a), isDRAM(b)}, nil)
	writer := p.AddKernel(kernels.WriterUnary, program.Writer, split.AllCores, []uint32{kernels.CBOut0, isDRAM(output)}, nil)
	defines := map[string]string{kernels.DefineEltwiseOp: string(op.Op)}
	if op.Activation != NoActivation {
		defines[kernels.DefineSFPUOp] = string(op.Activation)
	}
	addComputePerGroup(p, kernels.EltwiseBinary, split, defines, func(unitsPerCore int) []uint32 {
		return []uint32{uint32(unitsPerCore), 1}
	})
	forEachCore(env.Grid(), split, func(core grid.CoreCoord, numUnits, startUnit int) {
		setArgs(p, reader, core, []uint32{addr(a), addr(b), uint32(numUnits), uint32(startUnit)},
			binding{0, 0}, binding{1, 1})
		setArgs(p, writer, core, []uint32{addr(output), uint32(numUnits), uint32(startUnit)}, binding{0, 2})
	})
	return p, nil
}

// sameAs returns the output spec of an output like the input.
func sameAs(t *tensors.Tensor) OutputSpec {
	return OutputSpec{Shape: t.Shape().Clone(), DType: t.DType(), Layout: t.Layout()}
}
