package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/shapes"
	"github.com/gomlx/tilegrid/pkg/core/tensors"
	"github.com/gomlx/tilegrid/pkg/device"
	"github.com/gomlx/tilegrid/pkg/ops"
	"github.com/gomlx/tilegrid/pkg/partition"
	"github.com/gomlx/tilegrid/pkg/program"
	"github.com/gomlx/tilegrid/pkg/runtime"
	"github.com/gomlx/tilegrid/pkg/support/xslices"
	"github.com/pkg/errors"
)

// PlanReport is the result of planning an operation.
type PlanReport struct {
	Operation string           `json:"operation"`
	Inputs    []string         `json:"inputs"`
	Strategy  string           `json:"strategy"`
	Summary   program.Summary  `json:"summary"`
	Program   *program.Program `json:"program,omitempty"`
}

type matmulRequest struct {
	Batches  int    `json:"batches"`
	M        int    `json:"m"`
	K        int    `json:"k"`
	N        int    `json:"n"`
	Bmm      bool   `json:"bmm"`
	Strategy string `json:"strategy"`
}

type softmaxRequest struct {
	Batches int     `json:"batches"`
	H       int     `json:"h"`
	W       int     `json:"w"`
	Scale   float32 `json:"scale"`
	Masked  bool    `json:"masked"`
}

type groupNormRequest struct {
	Batches int `json:"batches"`
	H       int `json:"h"`
	W       int `json:"w"`
	Groups  int `json:"groups"`
}

type transposeRequest struct {
	Dim string `json:"dim"`
	N   int    `json:"n"`
	C   int    `json:"c"`
	H   int    `json:"h"`
	W   int    `json:"w"`
}

type convRequest struct {
	Channels   int `json:"channels"`
	Height     int `json:"height"`
	Width      int `json:"width"`
	NumFilters int `json:"num_filters"`
	partition.ConvParams
}

// ConvReport is the result of planning a convolution.
type ConvReport struct {
	Output     []int  `json:"output"`
	MatmulDims []int  `json:"matmul_tiles"`
	SingleCore bool   `json:"single_core"`
	NumBlocks  int    `json:"num_blocks,omitempty"`
	InBlockW   int    `json:"in_block_w,omitempty"`
	Subblock   []int  `json:"out_subblock,omitempty"`
	Report     string `json:"report"`
}

func positive(names string, values ...int) error {
	for _, v := range values {
		if v <= 0 {
			return errors.Errorf("%s must be positive, got %v", names, values)
		}
	}
	return nil
}

// allocate allocates an uninitialized interleaved BFloat16 tensor in Tile layout.
func allocate(d *device.Device, dims ...int) (*tensors.Tensor, error) {
	return tensors.AllocateOnDevice(d, shapes.Make(dims...), dtypes.BFloat16, shapes.Tile, device.DefaultMemoryConfig)
}

// planOp plans op on uninitialized inputs of the given dimensions.
func planOp(rt *runtime.Context, op ops.Operation, withProgram bool, inputDims ...[]int) (*PlanReport, error) {
	var inputs []*tensors.Tensor
	defer func() {
		for _, t := range inputs {
			_ = t.Release()
		}
	}()
	for _, dims := range inputDims {
		t, err := allocate(rt.DefaultDevice(), dims...)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: input %v", op.Name(), dims)
		}
		inputs = append(inputs, t)
	}
	p, strategy, err := ops.Plan(rt, op, inputs...)
	if err != nil {
		return nil, err
	}
	report := &PlanReport{
		Operation: op.Name(),
		Strategy:  strategy.String(),
		Summary:   p.Summarize(),
	}
	report.Inputs = xslices.Map(inputs, func(t *tensors.Tensor) string { return t.Shape().String() })
	if withProgram {
		report.Program = p
	}
	return report, nil
}

func planMatmul(rt *runtime.Context, req matmulRequest, withProgram bool) (*PlanReport, error) {
	if err := positive("batches, m, k and n", req.Batches, req.M, req.K, req.N); err != nil {
		return nil, err
	}
	op := ops.MatmulOp{Bmm: req.Bmm}
	if req.Strategy != "" {
		strategy, err := partition.ParseStrategy(strings.ToUpper(req.Strategy))
		if err != nil {
			return nil, err
		}
		op.Forced, op.ForcedStrategy = true, strategy
	}
	bBatches := 1
	if req.Bmm {
		bBatches = req.Batches
	}
	return planOp(rt, op, withProgram, []int{req.Batches, req.M, req.K}, []int{bBatches, req.K, req.N})
}

func planSoftmax(rt *runtime.Context, req softmaxRequest, withProgram bool) (*PlanReport, error) {
	if err := positive("batches, h and w", req.Batches, req.H, req.W); err != nil {
		return nil, err
	}
	op := ops.SoftmaxOp{Scale: req.Scale, Masked: req.Masked}
	if op.Scale == 0 {
		op.Scale = 1
	}
	inputs := [][]int{{req.Batches, req.H, req.W}}
	if req.Masked {
		inputs = append(inputs, []int{req.Batches, dtypes.TileHeight, req.W})
	}
	return planOp(rt, op, withProgram, inputs...)
}

func planGroupNorm(rt *runtime.Context, req groupNormRequest, withProgram bool) (*PlanReport, error) {
	if err := positive("batches, h, w and groups", req.Batches, req.H, req.W, req.Groups); err != nil {
		return nil, err
	}
	op := ops.GroupNormOp{Groups: req.Groups, Eps: ops.DefaultGroupNormEps}
	return planOp(rt, op, withProgram, []int{req.Batches, req.H, req.W})
}

func planTranspose(rt *runtime.Context, req transposeRequest, withProgram bool) (*PlanReport, error) {
	if err := positive("n, c, h and w", req.N, req.C, req.H, req.W); err != nil {
		return nil, err
	}
	dim, err := parseTransposeDim(req.Dim)
	if err != nil {
		return nil, err
	}
	return planOp(rt, ops.TransposeOp{Dim: dim}, withProgram, []int{req.N, req.C, req.H, req.W})
}

func parseTransposeDim(name string) (partition.TransposeDim, error) {
	for _, dim := range []partition.TransposeDim{partition.TransposeWH, partition.TransposeHC, partition.TransposeCN} {
		if strings.EqualFold(dim.String(), name) {
			return dim, nil
		}
	}
	return 0, errors.Errorf("unknown transpose dimension %q, valid values are WH, HC and CN", name)
}

func planConv(b partition.Budgets, req convRequest) (*ConvReport, error) {
	if err := positive("channels, height, width and num_filters", req.Channels, req.Height, req.Width, req.NumFilters); err != nil {
		return nil, err
	}
	plan, err := ops.PlanConv2D(b, req.Channels, req.Height, req.Width, req.NumFilters, req.ConvParams)
	if err != nil {
		return nil, err
	}
	report := &ConvReport{
		Output:     []int{1, req.NumFilters, plan.OutH, plan.OutW},
		MatmulDims: []int{plan.M, plan.K, plan.N},
		SingleCore: plan.SingleCore,
		Report:     plan.Blocks.Report,
	}
	if plan.SingleCore {
		report.NumBlocks = plan.Blocks.NumBlocks
		report.InBlockW = plan.Blocks.InBlockW
		report.Subblock = []int{plan.Blocks.OutSubblockH, plan.Blocks.OutSubblockW}
	}
	return report, nil
}

// String renders the report as a table.
func (r *PlanReport) String() string {
	s := r.Summary
	t := newKeyValueTable()
	t.Row(false, "operation", r.Operation)
	t.Row(false, "inputs", strings.Join(r.Inputs, ", "))
	t.Row(false, "strategy", r.Strategy)
	t.Row(false, "cores", humanize.Comma(int64(s.NumCores)))
	t.Row(false, "kernels", strings.Join(s.Kernels, "\n"))
	roles := xslices.Map(xslices.SortedKeys(s.KernelsPerRole), func(role string) string {
		return fmt.Sprintf("%s=%d", role, s.KernelsPerRole[role])
	})
	t.Row(false, "kernels per role", strings.Join(roles, " "))
	t.Row(false, "circular buffers", humanize.Comma(int64(s.CircularBuffers)))
	t.Row(false, "semaphores", humanize.Comma(int64(s.Semaphores)))
	t.Row(false, "max L1 per core", humanize.IBytes(uint64(s.MaxL1Footprint)))
	return t.String()
}

// String renders the report as a table, with the budget violations in red.
func (r *ConvReport) String() string {
	t := newKeyValueTable()
	t.Row(false, "output", fmt.Sprint(r.Output))
	t.Row(false, "matmul tiles (M, K, N)", fmt.Sprint(r.MatmulDims))
	if r.SingleCore {
		t.Row(false, "strategy", "SINGLE_CORE")
		t.Row(false, "inner blocks", fmt.Sprintf("%d of %d tiles", r.NumBlocks, r.InBlockW))
		t.Row(false, "output subblock", fmt.Sprintf("%dx%d tiles", r.Subblock[0], r.Subblock[1]))
	} else {
		t.Row(false, "strategy", "matmul fallback")
		for _, line := range strings.Split(r.Report, "\n") {
			t.Row(true, "budget", line)
		}
	}
	return t.String()
}
