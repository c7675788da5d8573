package ops

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/tilegrid/pkg/core/tensors"
	"github.com/gomlx/tilegrid/pkg/partition"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func convReference(input, weights []float32, channels, height, width, numFilters int, p partition.ConvParams) []float32 {
	outH := partition.ConvOutputSize(height, p.KernelH, p.PadH, p.StrideH)
	outW := partition.ConvOutputSize(width, p.KernelW, p.PadW, p.StrideW)
	out := make([]float32, numFilters*outH*outW)
	for k := range numFilters {
		for oh := range outH {
			for ow := range outW {
				var sum float64
				for c := range channels {
					for r := range p.KernelH {
						y := oh*p.StrideH - p.PadH + r
						if y < 0 || y >= height {
							continue
						}
						for s := range p.KernelW {
							x := ow*p.StrideW - p.PadW + s
							if x < 0 || x >= width {
								continue
							}
							sum += float64(input[(c*height+y)*width+x]) *
								float64(weights[((k*channels+c)*p.KernelH+r)*p.KernelW+s])
						}
					}
				}
				out[(k*outH+oh)*outW+ow] = float32(sum)
			}
		}
	}
	return out
}

func TestPlanConv2D(t *testing.T) {
	b := partition.DefaultBudgets()
	params := partition.ConvParams{KernelH: 3, KernelW: 3, StrideH: 1, StrideW: 1, PadH: 1, PadW: 1}

	plan, err := PlanConv2D(b, 3, 8, 8, 4, params)
	require.NoError(t, err)
	assert.Equal(t, []int{8, 8, 2, 1, 1}, []int{plan.OutH, plan.OutW, plan.M, plan.K, plan.N})
	assert.True(t, plan.SingleCore)
	assert.Equal(t, 1, plan.Blocks.NumBlocks)

	// 144 columns are 5 tiles, and only 3 tiles wide blocks of 8 tile rows fit in0.
	plan, err = PlanConv2D(b, 16, 16, 16, 8, params)
	require.NoError(t, err)
	assert.Equal(t, []int{8, 5, 1}, []int{plan.M, plan.K, plan.N})
	require.True(t, plan.SingleCore)
	assert.Equal(t, 5, plan.Blocks.NumBlocks)
	assert.Equal(t, 1, plan.Blocks.InBlockW)
	assert.Equal(t, []int{8, 1}, []int{plan.Blocks.OutSubblockH, plan.Blocks.OutSubblockW})

	strided := params
	strided.StrideH, strided.StrideW = 2, 2
	plan, err = PlanConv2D(b, 3, 9, 9, 4, strided)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 5}, []int{plan.OutH, plan.OutW})

	_, err = PlanConv2D(b, 3, 2, 2, 4, partition.ConvParams{KernelH: 5, KernelW: 5, StrideH: 1, StrideW: 1})
	require.ErrorContains(t, err, "empty output")
	_, err = PlanConv2D(b, 3, 8, 8, 4, partition.ConvParams{KernelH: 3, KernelW: 3})
	require.ErrorContains(t, err, "invalid conv parameters")
}

func TestConv2D(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(13, 0))
	same := partition.ConvParams{KernelH: 3, KernelW: 3, StrideH: 1, StrideW: 1, PadH: 1, PadW: 1}
	strided := partition.ConvParams{KernelH: 3, KernelW: 3, StrideH: 2, StrideW: 2, PadH: 1, PadW: 1}

	fallbackBudgets := partition.DefaultBudgets()
	fallbackBudgets.ConvIn0Bytes = fallbackBudgets.TileBytes

	for _, tc := range []struct {
		name                       string
		budgets                    partition.Budgets
		channels, height, width, k int
		params                     partition.ConvParams
		batchDim                   bool
	}{
		{name: "single_block", channels: 3, height: 8, width: 8, k: 4, params: same},
		{name: "batch_of_one", channels: 3, height: 8, width: 8, k: 4, params: same, batchDim: true},
		{name: "reblocked", channels: 16, height: 16, width: 16, k: 8, params: same},
		{name: "strided", channels: 5, height: 11, width: 9, k: 40, params: strided},
		{name: "matmul_fallback", budgets: fallbackBudgets, channels: 3, height: 8, width: 8, k: 4, params: same},
	} {
		t.Run(tc.name, func(t *testing.T) {
			budgets := tc.budgets
			if budgets.TileBytes == 0 {
				budgets = partition.DefaultBudgets()
			}
			require.NoError(t, rt.SetBudgets(budgets))
			inValues := randomValues(rng, tc.channels*tc.height*tc.width, 1)
			wValues := randomValues(rng, tc.k*tc.channels*tc.params.KernelH*tc.params.KernelW, 1)
			dims := []int{tc.channels, tc.height, tc.width}
			if tc.batchDim {
				dims = append([]int{1}, dims...)
			}
			input := tensors.FromFlatDataAndDimensions(inValues, dims...)
			weights := tensors.FromFlatDataAndDimensions(wValues, tc.k, tc.channels, tc.params.KernelH, tc.params.KernelW)

			output, err := Conv2D(ctx, rt, input, weights, tc.params)
			require.NoError(t, err)
			outH := partition.ConvOutputSize(tc.height, tc.params.KernelH, tc.params.PadH, tc.params.StrideH)
			outW := partition.ConvOutputSize(tc.width, tc.params.KernelW, tc.params.PadW, tc.params.StrideW)
			assert.Equal(t, []int{1, tc.k, outH, outW}, output.Shape().Dimensions)
			want := convReference(inValues, wValues, tc.channels, tc.height, tc.width, tc.k, tc.params)
			assertClose(t, want, must.M1(output.RowMajorFloat32s()), 0.03, 0.2)
			assert.Zero(t, rt.DefaultDevice().NumLiveBuffers())
		})
	}
}

func TestConv2DErrors(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(14, 0))
	params := partition.ConvParams{KernelH: 3, KernelW: 3, StrideH: 1, StrideW: 1}
	input := tensors.FromFlatDataAndDimensions(randomValues(rng, 3*8*8, 1), 3, 8, 8)
	weights := tensors.FromFlatDataAndDimensions(randomValues(rng, 4*3*3*3, 1), 4, 3, 3, 3)

	// Tile layout needs 32x32 aligned dimensions.
	onDevice := toDevice(t, rt, randomValues(rng, 3*32*32, 1), 3, 32, 32)
	_, err := Conv2D(ctx, rt, onDevice, weights, params)
	require.ErrorContains(t, err, "host tensors")

	batched := tensors.FromFlatDataAndDimensions(randomValues(rng, 2*3*8*8, 1), 2, 3, 8, 8)
	_, err = Conv2D(ctx, rt, batched, weights, params)
	require.ErrorContains(t, err, "batch of 1")

	wrongChannels := tensors.FromFlatDataAndDimensions(randomValues(rng, 4*2*3*3, 1), 4, 2, 3, 3)
	_, err = Conv2D(ctx, rt, input, wrongChannels, params)
	require.ErrorContains(t, err, "don't match")

	_, err = Conv2D(ctx, rt, input, weights, partition.ConvParams{KernelH: 3, KernelW: 3})
	require.ErrorContains(t, err, "invalid conv parameters")
	assert.Equal(t, 1, rt.DefaultDevice().NumLiveBuffers())
}
