// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops implements the operations run on the device: matmul and batched matmul, transpose,
// softmax, element-wise unary and binary operations, broadcasts, group normalization and
// convolution.
//
// Every operation follows the same steps, driven by Run:
//
//  1. Validate the inputs: they must be valid device tensors on the same device, interleaved, in
//     Tile layout, plus the operation's own constraints.
//  2. Compute the output shapes and allocate the outputs.
//  3. Select the parallelization strategy (package partition) and create the Program, with the
//     kernels (package kernels), circular buffers, semaphores and runtime arguments of each core.
//     With the program cache enabled, a program created before for the same operation attributes
//     and input shapes, data types, layouts and memory configs is re-used, only refreshing the
//     runtime arguments holding buffer addresses.
//  4. Launch the program on the device.
//
// Errors are returned at the API boundary; programming errors inside the program construction
// are raised with exceptions.Panicf and converted to errors by Run.
package ops

import (
	"context"
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/grid"
	"github.com/gomlx/tilegrid/pkg/core/shapes"
	"github.com/gomlx/tilegrid/pkg/core/tensors"
	"github.com/gomlx/tilegrid/pkg/device"
	"github.com/gomlx/tilegrid/pkg/partition"
	"github.com/gomlx/tilegrid/pkg/program"
	"github.com/gomlx/tilegrid/pkg/runtime"
	"github.com/gomlx/tilegrid/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	// Registers the kernels used by the programs.
	_ "github.com/gomlx/tilegrid/pkg/kernels"
)

// OutputSpec describes an output of an operation.
type OutputSpec struct {
	Shape  shapes.Shape
	DType  dtypes.DataType
	Layout shapes.Layout
}

// Env is what an operation needs to know about where it runs.
type Env struct {
	Device  *device.Device
	Budgets partition.Budgets
}

// Grid returns the size of the compute grid.
func (e Env) Grid() grid.Size { return e.Device.GridSize() }

// Operation is implemented by every device operation. Its exported fields are its attributes:
// together with the inputs' shapes, data types, layouts and memory configs they identify the
// program in the program cache.
type Operation interface {
	// Name of the operation, also used as the program name.
	Name() string

	// Validate the inputs, beyond the generic checks done by Run.
	Validate(inputs []*tensors.Tensor) error

	// OutputSpecs returns the outputs for valid inputs.
	OutputSpecs(inputs []*tensors.Tensor) []OutputSpec

	// Strategy returns the parallelization strategy used for the inputs.
	Strategy(env Env, inputs []*tensors.Tensor) (partition.Strategy, error)

	// CreateProgram creates the program computing the outputs. Runtime arguments holding buffer
	// addresses must be bound with program.Program.BindTensorAddress, with tensors indexed inputs
	// first, then outputs.
	CreateProgram(env Env, inputs, outputs []*tensors.Tensor) (*program.Program, error)
}

// Run validates the inputs, creates (or fetches from the cache) the program of the operation and
// launches it on the inputs' device. It returns the newly allocated outputs.
func Run(ctx context.Context, rt *runtime.Context, op Operation, inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	env, err := prepare(rt, op, inputs)
	if err != nil {
		return nil, err
	}
	outputs, err := allocateOutputs(env, op, inputs)
	if err != nil {
		return nil, err
	}
	releaseOutputs := func() { release(outputs) }

	key := cacheKey(env, op, inputs)
	entry, hit, err := rt.ProgramCache().GetOrCreate(key, func() (*program.Program, error) {
		return createProgram(env, op, inputs, outputs)
	})
	if err != nil {
		releaseOutputs()
		return nil, err
	}

	entry.Mu.Lock()
	defer entry.Mu.Unlock()
	addresses := make([]uint32, 0, len(inputs)+len(outputs))
	for _, t := range inputs {
		addresses = append(addresses, t.Buffer().Address())
	}
	for _, t := range outputs {
		addresses = append(addresses, t.Buffer().Address())
	}
	err = exceptions.TryCatch[error](func() { entry.Program.PatchAddresses(addresses) })
	if err == nil {
		err = env.Device.Launch(ctx, entry.Program)
	}
	if err != nil {
		releaseOutputs()
		return nil, errors.WithMessagef(err, "%s", op.Name())
	}
	if hit {
		klog.V(2).Infof("%s: ran cached program %s", op.Name(), entry.Program)
	}
	return outputs, nil
}

// Plan validates the inputs and creates the program of the operation, without launching it and
// without using the program cache. Outputs are allocated only while the program is created.
func Plan(rt *runtime.Context, op Operation, inputs ...*tensors.Tensor) (*program.Program, partition.Strategy, error) {
	env, err := prepare(rt, op, inputs)
	if err != nil {
		return nil, 0, err
	}
	strategy, err := op.Strategy(env, inputs)
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "%s", op.Name())
	}
	outputs, err := allocateOutputs(env, op, inputs)
	if err != nil {
		return nil, 0, err
	}
	defer release(outputs)
	p, err := createProgram(env, op, inputs, outputs)
	return p, strategy, err
}

func prepare(rt *runtime.Context, op Operation, inputs []*tensors.Tensor) (Env, error) {
	if err := checkInputs(op, inputs); err != nil {
		return Env{}, err
	}
	if err := op.Validate(inputs); err != nil {
		return Env{}, errors.WithMessagef(err, "%s", op.Name())
	}
	return Env{Device: inputs[0].Device(), Budgets: rt.Budgets()}, nil
}

// allocateOutputs allocates the outputs with the memory config of the first input.
func allocateOutputs(env Env, op Operation, inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	memConfig := inputs[0].MemoryConfig()
	var outputs []*tensors.Tensor
	for i, spec := range op.OutputSpecs(inputs) {
		output, err := tensors.AllocateOnDevice(env.Device, spec.Shape, spec.DType, spec.Layout, memConfig)
		if err != nil {
			release(outputs)
			return nil, errors.WithMessagef(err, "%s: failed to allocate output #%d", op.Name(), i)
		}
		outputs = append(outputs, output)
	}
	return outputs, nil
}

func release(ts []*tensors.Tensor) {
	for _, t := range ts {
		_ = t.Release()
	}
}

// run1 runs an operation with a single output.
func run1(ctx context.Context, rt *runtime.Context, op Operation, inputs ...*tensors.Tensor) (*tensors.Tensor, error) {
	outputs, err := Run(ctx, rt, op, inputs...)
	if err != nil {
		return nil, err
	}
	return outputs[0], nil
}

// createProgram selects the strategy and creates the program, converting panics to errors.
func createProgram(env Env, op Operation, inputs, outputs []*tensors.Tensor) (*program.Program, error) {
	var p *program.Program
	var opErr error
	err := exceptions.TryCatch[error](func() {
		var strategy partition.Strategy
		strategy, opErr = op.Strategy(env, inputs)
		if opErr != nil {
			return
		}
		klog.V(1).Infof("%s%v: %s", op.Name(), inputShapes(inputs), strategy)
		p, opErr = op.CreateProgram(env, inputs, outputs)
	})
	if err == nil {
		err = opErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: failed to create program", op.Name())
	}
	if err = p.Validate(env.Grid()); err != nil {
		return nil, errors.WithMessagef(err, "%s: invalid program", op.Name())
	}
	return p, nil
}

// checkInputs does the validation common to all operations.
func checkInputs(op Operation, inputs []*tensors.Tensor) error {
	if len(inputs) == 0 {
		return errors.Errorf("%s: no inputs", op.Name())
	}
	var d *device.Device
	for i, t := range inputs {
		if t == nil {
			return errors.Errorf("%s: input #%d is nil", op.Name(), i)
		}
		if !t.IsOnDevice() {
			return errors.Errorf("%s: input #%d %s is not on device", op.Name(), i, t)
		}
		if err := t.CheckValid(); err != nil {
			return errors.WithMessagef(err, "%s: input #%d", op.Name(), i)
		}
		if i == 0 {
			d = t.Device()
		} else if t.Device() != d {
			return errors.Errorf("%s: input #%d is on device %d, input #0 on device %d", op.Name(), i, t.Device().ID(), d.ID())
		}
		if t.Layout() != shapes.Tile {
			return errors.Errorf("%s: input #%d %s must be in Tile layout", op.Name(), i, t)
		}
		if !t.MemoryConfig().Interleaved {
			return errors.Errorf("%s: input #%d %s must be interleaved, got %s", op.Name(), i, t, t.MemoryConfig())
		}
		if dt := t.DType(); dt != dtypes.BFloat16 && dt != dtypes.BFloat8B {
			return errors.Errorf("%s: input #%d %s: data type must be BFloat16 or BFloat8B", op.Name(), i, t)
		}
	}
	return nil
}

// cacheKey identifies the program of the operation on the inputs.
func cacheKey(env Env, op Operation, inputs []*tensors.Tensor) string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "device%d/%T%+v", env.Device.ID(), op, op)
	for _, t := range inputs {
		_, _ = fmt.Fprintf(&sb, "/%s@%s", t, t.MemoryConfig())
	}
	return sb.String()
}

func inputShapes(inputs []*tensors.Tensor) []string {
	return xslices.Map(inputs, (*tensors.Tensor).String)
}

// binding of a runtime argument to the address of the tensor-th tensor.
type binding struct {
	arg, tensor int
}

// setArgs sets the runtime arguments of the kernel on the core, and binds the address arguments.
func setArgs(p *program.Program, id program.KernelID, core grid.CoreCoord, args []uint32, bindings ...binding) {
	p.SetRuntimeArgs(id, core, args)
	for _, b := range bindings {
		if b.arg >= len(args) {
			exceptions.Panicf("binding of argument %d out of %d", b.arg, len(args))
		}
		p.BindTensorAddress(id, core, b.arg, b.tensor)
	}
}

// isDRAM returns the is_dram kernel argument of the tensor.
func isDRAM(t *tensors.Tensor) uint32 {
	return boolArg(t.Buffer().IsDRAM())
}

func boolArg(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func addr(t *tensors.Tensor) uint32 {
	return t.Buffer().Address()
}

// set returns a CoreRangeSet with the single range.
func set(r grid.CoreRange) grid.CoreRangeSet {
	return grid.NewCoreRangeSet(r)
}

// sameShape returns an error if the tensors don't have the same shape.
func sameShape(name string, a, b *tensors.Tensor) error {
	if !a.Shape().Equal(b.Shape()) {
		return errors.Errorf("%s: shapes %s and %s don't match", name, a.Shape(), b.Shape())
	}
	return nil
}

// tileSplit splits numTiles tiles over the grid, according to the strategy.
func tileSplit(env Env, strategy partition.Strategy, numTiles int) grid.WorkSplit {
	if strategy == partition.SingleCore {
		return grid.SplitWorkToCores(grid.Size{X: 1, Y: 1}, numTiles)
	}
	return grid.SplitWorkToCores(env.Grid(), numTiles)
}

// forEachCore calls fn for every core of the split, in row-major order, with its number of units
// and its first unit.
func forEachCore(size grid.Size, split grid.WorkSplit, fn func(core grid.CoreCoord, numUnits, startUnit int)) {
	start := 0
	for i := range split.NumCores {
		n := split.UnitsFor(i)
		fn(size.CoreAt(i), n, start)
		start += n
	}
}

// addComputePerGroup adds one compute kernel per group of the split (the groups have a different
// number of units per core), with the compile arguments returned by args.
func addComputePerGroup(p *program.Program, name string, split grid.WorkSplit, defines map[string]string, args func(unitsPerCore int) []uint32) {
	p.AddKernel(name, program.Compute, split.Group1, args(split.UnitsPerCoreGroup1), defines)
	if !split.Group2.Empty() {
		p.AddKernel(name, program.Compute, split.Group2, args(split.UnitsPerCoreGroup2), defines)
	}
}
