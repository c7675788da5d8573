package ops

import (
	"context"

	"github.com/gomlx/tilegrid/internal/workerspool"
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/grid"
	"github.com/gomlx/tilegrid/pkg/core/shapes"
	"github.com/gomlx/tilegrid/pkg/core/tensors"
	"github.com/gomlx/tilegrid/pkg/device"
	"github.com/gomlx/tilegrid/pkg/kernels"
	"github.com/gomlx/tilegrid/pkg/partition"
	"github.com/gomlx/tilegrid/pkg/program"
	"github.com/gomlx/tilegrid/pkg/runtime"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ConvPlan describes how Conv2D runs a convolution.
type ConvPlan struct {
	// OutH, OutW are the spatial dimensions of the output.
	OutH, OutW int

	// M, K, N are the dimensions in tiles of the implicit matmul: activation [M, K] x weights [K, N].
	M, K, N int

	// SingleCore is set if the convolution fits the conv budgets of one core, with Blocks.
	// Otherwise it runs as a generic matmul.
	SingleCore bool
	Blocks     partition.ConvBlocks
}

// PlanConv2D returns the plan of a convolution of a [C, H, W] activation with numFilters filters.
func PlanConv2D(b partition.Budgets, channels, height, width, numFilters int, params partition.ConvParams) (ConvPlan, error) {
	if err := params.Validate(); err != nil {
		return ConvPlan{}, err
	}
	plan := ConvPlan{
		OutH: partition.ConvOutputSize(height, params.KernelH, params.PadH, params.StrideH),
		OutW: partition.ConvOutputSize(width, params.KernelW, params.PadW, params.StrideW),
	}
	if plan.OutH <= 0 || plan.OutW <= 0 {
		return plan, errors.Errorf("conv of %dx%d with %+v has an empty output", height, width, params)
	}
	plan.M, plan.K, plan.N = partition.ConvMatmulDims(channels, height, width, numFilters, params)
	plan.Blocks, plan.SingleCore = partition.ConvBlockInfo(b, plan.M, plan.K, plan.N)
	return plan, nil
}

// Conv2D convolves the host activation input [C, H, W] (or [1, C, H, W]) with the host weights
// [K, C, R, S] on the default device of the runtime, and returns the host output [1, K, OH, OW] in
// Float32.
//
// The activation is unrolled on host into a [OH*OW, R*S*C] matrix (im2col), with columns ordered by
// filter row r, filter column s, then channel c, and multiplied by the weights reshaped to
// [R*S*C, K]. Both are padded to tiles and converted to BFloat16 on the device.
func Conv2D(ctx context.Context, rt *runtime.Context, input, weights *tensors.Tensor, params partition.ConvParams) (*tensors.Tensor, error) {
	inShape, wShape := input.Shape(), weights.Shape()
	if !input.IsOnHost() || !weights.IsOnHost() {
		return nil, errors.New("conv2d: activation and weights must be host tensors")
	}
	if inShape.Rank() == 4 {
		if inShape.Dim(0) != 1 {
			return nil, errors.Errorf("conv2d: only a batch of 1 is supported, got activation %s", inShape)
		}
		inShape = shapes.Make(inShape.Dimensions[1:]...)
	}
	if inShape.Rank() != 3 || wShape.Rank() != 4 {
		return nil, errors.Errorf("conv2d: activation [C, H, W] and weights [K, C, R, S] expected, got %s and %s",
			input.Shape(), wShape)
	}
	channels, height, width := inShape.Dim(0), inShape.Dim(1), inShape.Dim(2)
	numFilters := wShape.Dim(0)
	if wShape.Dim(1) != channels || wShape.Dim(2) != params.KernelH || wShape.Dim(3) != params.KernelW {
		return nil, errors.Errorf("conv2d: weights %s don't match %d channels and a %dx%d kernel",
			wShape, channels, params.KernelH, params.KernelW)
	}
	plan, err := PlanConv2D(rt.Budgets(), channels, height, width, numFilters, params)
	if err != nil {
		return nil, errors.WithMessage(err, "conv2d")
	}

	inValues, err := input.RowMajorFloat32s()
	if err != nil {
		return nil, errors.WithMessage(err, "conv2d")
	}
	wValues, err := weights.RowMajorFloat32s()
	if err != nil {
		return nil, errors.WithMessage(err, "conv2d")
	}
	d := rt.DefaultDevice()
	activation, err := matrixToDevice(d, im2col(inValues, channels, height, width, params, plan), plan.OutH*plan.OutW, plan.M, plan.K)
	if err != nil {
		return nil, errors.WithMessage(err, "conv2d: activation")
	}
	defer func() { _ = activation.Release() }()
	weightRows := channels * params.KernelH * params.KernelW
	weightMatrix, err := matrixToDevice(d, weightsMatrix(wValues, numFilters, channels, params), weightRows, plan.K, plan.N)
	if err != nil {
		return nil, errors.WithMessage(err, "conv2d: weights")
	}
	defer func() { _ = weightMatrix.Release() }()

	var output *tensors.Tensor
	if plan.SingleCore {
		klog.V(1).Infof("conv2d: %dx%dx%d tiles on a single core, %+v", plan.M, plan.K, plan.N, plan.Blocks)
		output, err = run1(ctx, rt, convOp{Blocks: plan.Blocks}, activation, weightMatrix)
	} else {
		klog.Warningf("conv2d: doesn't fit a single core, falling back to matmul:\n%s", plan.Blocks.Report)
		output, err = Matmul(ctx, rt, activation, weightMatrix)
	}
	if err != nil {
		return nil, errors.WithMessage(err, "conv2d")
	}
	defer func() { _ = output.Release() }()
	return convOutputToHost(output, plan, numFilters)
}

// im2col unrolls the [C, H, W] activation into [OH*OW, R*S*C].
func im2col(values []float32, channels, height, width int, params partition.ConvParams, plan ConvPlan) []float32 {
	cols := params.KernelH * params.KernelW * channels
	matrix := make([]float32, plan.OutH*plan.OutW*cols)
	workerspool.Default.ParallelFor(plan.OutH, func(oh int) {
		for ow := range plan.OutW {
			row := matrix[(oh*plan.OutW+ow)*cols:][:cols]
			for r := range params.KernelH {
				y := oh*params.StrideH - params.PadH + r
				for s := range params.KernelW {
					x := ow*params.StrideW - params.PadW + s
					if y < 0 || y >= height || x < 0 || x >= width {
						continue
					}
					base := (r*params.KernelW + s) * channels
					for c := range channels {
						row[base+c] = values[(c*height+y)*width+x]
					}
				}
			}
		}
	})
	return matrix
}

// weightsMatrix reshapes the [K, C, R, S] weights into [R*S*C, K], matching the im2col columns.
func weightsMatrix(values []float32, numFilters, channels int, params partition.ConvParams) []float32 {
	rs := params.KernelH * params.KernelW
	matrix := make([]float32, rs*channels*numFilters)
	for k := range numFilters {
		for c := range channels {
			for r := range params.KernelH {
				for s := range params.KernelW {
					row := (r*params.KernelW+s)*channels + c
					matrix[row*numFilters+k] = values[((k*channels+c)*params.KernelH+r)*params.KernelW+s]
				}
			}
		}
	}
	return matrix
}

// matrixToDevice pads the row-major matrix of the given rows to [mt, nt] tiles, and writes it to the
// device in Tile layout.
func matrixToDevice(d *device.Device, values []float32, rows, mt, nt int) (*tensors.Tensor, error) {
	cols := len(values) / rows
	host := tensors.FromFlatDataAndDimensions(values, rows, cols)
	padded, err := host.Pad(shapes.Make(mt*dtypes.TileHeight, nt*dtypes.TileWidth), 0)
	if err != nil {
		return nil, err
	}
	tiled, err := padded.ToLayout(shapes.Tile)
	if err != nil {
		return nil, err
	}
	return tiled.ToDevice(d, device.DefaultMemoryConfig)
}

// convOutputToHost reads the [OH*OW, K] (padded) output matrix and returns it as [1, K, OH, OW].
func convOutputToHost(output *tensors.Tensor, plan ConvPlan, numFilters int) (*tensors.Tensor, error) {
	host, err := output.ToHost()
	if err != nil {
		return nil, err
	}
	values, err := host.RowMajorFloat32s()
	if err != nil {
		return nil, err
	}
	paddedN := plan.N * dtypes.TileWidth
	spatial := plan.OutH * plan.OutW
	result := make([]float32, numFilters*spatial)
	for i := range spatial {
		for k := range numFilters {
			result[k*spatial+i] = values[i*paddedN+k]
		}
	}
	return tensors.FromFlatDataAndDimensions(result, 1, numFilters, plan.OutH, plan.OutW), nil
}

// convOp is the single core blocked matmul of the convolution, on the tile-padded activation and
// weight matrices.
type convOp struct {
	Blocks partition.ConvBlocks
}

var _ Operation = convOp{}

// Name implements Operation.
func (op convOp) Name() string { return "conv2d" }

// Validate implements Operation.
func (op convOp) Validate(inputs []*tensors.Tensor) error {
	if len(inputs) != 2 {
		return errors.Errorf("2 inputs expected, got %d", len(inputs))
	}
	a, b := inputs[0].Shape(), inputs[1].Shape()
	if a.Rank() != 2 || b.Rank() != 2 || a.W() != b.H() {
		return errors.Errorf("activation %s and weights %s are not multipliable matrices", a, b)
	}
	_, kt := a.TileGrid()
	if op.Blocks.NumBlocks <= 0 || op.Blocks.InBlockW*op.Blocks.NumBlocks != kt {
		return errors.Errorf("blocks %+v don't split the %d inner tiles", op.Blocks, kt)
	}
	return nil
}

// OutputSpecs implements Operation.
func (op convOp) OutputSpecs(inputs []*tensors.Tensor) []OutputSpec {
	return []OutputSpec{{
		Shape:  shapes.Make(inputs[0].Shape().H(), inputs[1].Shape().W()),
		DType:  inputs[0].DType(),
		Layout: shapes.Tile,
	}}
}

// Strategy implements Operation.
func (op convOp) Strategy(Env, []*tensors.Tensor) (partition.Strategy, error) {
	return partition.SingleCore, nil
}

// CreateProgram implements Operation.
func (op convOp) CreateProgram(_ Env, inputs, outputs []*tensors.Tensor) (*program.Program, error) {
	a, b, output := inputs[0], inputs[1], outputs[0]
	m, k := a.Shape().TileGrid()
	_, n := b.Shape().TileGrid()
	w, numBlocks := op.Blocks.InBlockW, op.Blocks.NumBlocks
	subH, subW := op.Blocks.OutSubblockH, op.Blocks.OutSubblockW
	subTiles := subH * subW
	cores := set(grid.Single(grid.CoreCoord{}))
	core := grid.CoreCoord{}

	p := program.New(op.Name())
	p.AddTileCircularBuffer(kernels.CBIn0, cores, m*w, a.DType())
	p.AddTileCircularBuffer(kernels.CBIn1, cores, w*n, b.DType())
	if numBlocks > 1 {
		p.AddTileCircularBuffer(kernels.CBIntermed1, cores, m*n, output.DType())
	}
	p.AddTileCircularBuffer(kernels.CBOut0, cores, m*n, output.DType())

	reader := p.AddKernel(kernels.ReaderBmmTileLayout, program.Reader, cores, []uint32{isDRAM(a), isDRAM(b)}, nil)
	writer := p.AddKernel(kernels.WriterMatmulTileLayout, program.Writer, cores, []uint32{isDRAM(output)}, nil)
	p.AddKernel(kernels.MatmulLargeBlockZM, program.Compute, cores, []uint32{
		uint32(w), uint32(m / subH), uint32(m * w), uint32(subH * w), uint32(subH),
		uint32(n / subW), uint32(w * n), uint32(n), uint32(numBlocks),
		uint32(subH), uint32(subW), uint32(subTiles), 0, 0,
	}, nil)
	setArgs(p, reader, core, []uint32{
		addr(a), 0, 1, uint32(k), uint32(w), uint32(w), uint32(m), uint32(m * w),
		addr(b), 0, 1, uint32(n), uint32(w * n), uint32(n), uint32(w), uint32(w * n),
		uint32(numBlocks),
	}, binding{0, 0}, binding{8, 1})
	setArgs(p, writer, core, []uint32{
		addr(output), 0, 1, uint32(n), uint32(subW), uint32(subH * n),
		uint32(subW), uint32(subH), uint32(subTiles), uint32(n / subW), uint32(m / subH),
	}, binding{0, 2})
	return p, nil
}
