package partition

import (
	"testing"

	"github.com/gomlx/tilegrid/pkg/core/grid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultGrid = grid.Size{X: 12, Y: 9}

func TestStrategyNames(t *testing.T) {
	for s := SingleCore; s <= MultiCoreReuseMulticast; s++ {
		parsed, err := ParseStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseStrategy("MULTI_CHIP")
	require.Error(t, err)
	require.NoError(t, DefaultBudgets().Validate())
	b := DefaultBudgets()
	b.DstTiles = 0
	require.Error(t, b.Validate())
}

func TestMatmulStrategy(t *testing.T) {
	b := DefaultBudgets()
	for _, tc := range []struct {
		dims MatmulDims
		want Strategy
	}{
		{MatmulDims{B: 1, Mt: 1, Kt: 1, Nt: 1}, SingleCore},
		{MatmulDims{B: 1, Mt: 1, Kt: 16, Nt: 1}, SingleCore},
		{MatmulDims{B: 5, Mt: 3, Kt: 2, Nt: 4}, MultiCore},
		{MatmulDims{B: 1, Mt: 16, Kt: 2, Nt: 16}, MultiCoreReuse},
		{MatmulDims{B: 1, Mt: 32, Kt: 4, Nt: 16}, MultiCoreReuseMulticast},
		{MatmulDims{B: 2, Mt: 48, Kt: 2, Nt: 64}, MultiCoreReuseMulticast},
		// 10 rows of blocks don't fit the 9 rows of the grid, but there are enough cores.
		{MatmulDims{B: 1, Mt: 160, Kt: 2, Nt: 16}, MultiCoreReuse},
		{MatmulDims{B: 1, Mt: 16, Kt: 3, Nt: 16}, MultiCore},
		// 120 blocks > 108 cores.
		{MatmulDims{B: 1, Mt: 192, Kt: 2, Nt: 160}, MultiCore},
	} {
		assert.Equal(t, tc.want, MatmulStrategy(b, defaultGrid, tc.dims), "dims=%+v", tc.dims)
		assert.Equal(t, tc.want, BmmStrategy(b, defaultGrid, tc.dims), "dims=%+v", tc.dims)
	}

	// Smaller blocks select the reuse strategies on small matrices.
	b.PerCoreM, b.PerCoreN, b.In0BlockW = 2, 2, 1
	assert.Equal(t, MultiCoreReuse, MatmulStrategy(b, defaultGrid, MatmulDims{B: 1, Mt: 2, Kt: 3, Nt: 2}))
	assert.Equal(t, MultiCoreReuseMulticast, MatmulStrategy(b, defaultGrid, MatmulDims{B: 1, Mt: 4, Kt: 3, Nt: 6}))
}

func TestMatmulStrategyMonotonic(t *testing.T) {
	b := DefaultBudgets()
	b.PerCoreM, b.PerCoreN, b.In0BlockW = 2, 2, 1
	for mt := 1; mt <= 12; mt++ {
		for nt := 1; nt <= 12; nt++ {
			dims := MatmulDims{B: 1, Mt: mt, Kt: 2, Nt: nt}
			for x := 1; x <= 6; x++ {
				for y := 1; y <= 6; y++ {
					s := MatmulStrategy(b, grid.Size{X: x, Y: y}, dims)
					wider := MatmulStrategy(b, grid.Size{X: x + 1, Y: y}, dims)
					taller := MatmulStrategy(b, grid.Size{X: x, Y: y + 1}, dims)
					require.GreaterOrEqual(t, wider, s, "dims=%+v grid=%dx%d", dims, x, y)
					require.GreaterOrEqual(t, taller, s, "dims=%+v grid=%dx%d", dims, x, y)
				}
			}
		}
	}
}

func TestCoreRange(t *testing.T) {
	rows, cols := CoreRange(1, 1, 9, 12)
	assert.Zero(t, rows+cols)
	rows, cols = CoreRange(2, 3, 9, 12)
	assert.Equal(t, [2]int{2, 3}, [2]int{rows, cols})
	rows, _ = CoreRange(10, 1, 9, 12)
	assert.Zero(t, rows)
}

func TestFactors(t *testing.T) {
	assert.Equal(t, []int{2, 2, 2, 3, 3, 5}, PrimeFactors(360))
	assert.Equal(t, []int{13}, PrimeFactors(13))
	assert.Empty(t, PrimeFactors(1))
	assert.Equal(t, []int{2, 3, 4, 6, 12}, PossibleProducts([]int{2, 2, 3}))
	assert.Equal(t, []int{1}, PossibleProducts(nil))
	assert.Equal(t, 65, MaxBlockDim(400, 2, 2))
	assert.Equal(t, 0, MaxBlockDim(400, 401, 2))
}

func TestSubblock(t *testing.T) {
	h, w, ok := Subblock(4, 4, 8)
	require.True(t, ok)
	assert.Equal(t, [2]int{4, 2}, [2]int{h, w})
	h, w, _ = Subblock(7, 3, 8)
	assert.Equal(t, [2]int{7, 1}, [2]int{h, w})
	h, w, _ = Subblock(4, 4, 4)
	assert.Equal(t, [2]int{2, 2}, [2]int{h, w})
	_, _, ok = Subblock(4, 4, 0)
	assert.False(t, ok)
}

func TestLargeMatmulParams(t *testing.T) {
	b := DefaultBudgets()
	for _, tc := range []struct {
		mt, nt int
		want   BlockParams
		ok     bool
	}{
		{4, 4, BlockParams{4, 2, 4, 2}, true},
		{11, 4, BlockParams{11, 4, 1, 4}, true},
		{2, 13, BlockParams{2, 13, 2, 1}, true},
		{401, 4, BlockParams{}, false},
	} {
		got, ok := LargeMatmulParams(b, defaultGrid, tc.mt, tc.nt, 2)
		assert.Equal(t, tc.ok, ok, "Mt=%d Nt=%d", tc.mt, tc.nt)
		assert.Equal(t, tc.want, got, "Mt=%d Nt=%d", tc.mt, tc.nt)
	}
}

// Every partition found must divide the output, fit the grid, the scratch budget and the
// destination registers.
func TestLargeMatmulParamsInvariants(t *testing.T) {
	b := DefaultBudgets()
	for _, size := range []grid.Size{defaultGrid, {X: 2, Y: 3}} {
		for _, w := range []int{1, 2, 4} {
			for mt := 1; mt <= 96; mt++ {
				for nt := 1; nt <= 96; nt++ {
					p, ok := LargeMatmulParams(b, size, mt, nt, w)
					if !ok {
						require.Equal(t, BlockParams{}, p)
						continue
					}
					require.Zero(t, mt%p.PerCoreM, "Mt=%d Nt=%d: %+v", mt, nt, p)
					require.Zero(t, nt%p.PerCoreN, "Mt=%d Nt=%d: %+v", mt, nt, p)
					require.LessOrEqual(t, mt/p.PerCoreM, size.Y)
					require.LessOrEqual(t, nt/p.PerCoreN, size.X)
					require.LessOrEqual(t, 2*w*(p.PerCoreM+p.PerCoreN)+p.PerCoreM*p.PerCoreN, b.ScratchTiles,
						"Mt=%d Nt=%d w=%d: %+v", mt, nt, w, p)
					require.LessOrEqual(t, p.OutSubblockH*p.OutSubblockW, b.DstTiles)
					require.Zero(t, p.PerCoreM%p.OutSubblockH)
					require.Zero(t, p.PerCoreN%p.OutSubblockW)
				}
			}
		}
	}
}

func TestConvBlockInfo(t *testing.T) {
	b := DefaultBudgets()
	info, ok := ConvBlockInfo(b, 4, 8, 2)
	require.True(t, ok)
	assert.Equal(t, ConvBlocks{NumBlocks: 2, InBlockW: 4, OutSubblockH: 4, OutSubblockW: 2, Report: ConvReportPass}, info)

	info, ok = ConvBlockInfo(b, 8, 9, 4)
	require.True(t, ok)
	assert.Equal(t, ConvBlocks{NumBlocks: 3, InBlockW: 3, OutSubblockH: 4, OutSubblockW: 2, Report: ConvReportPass}, info)

	info, ok = ConvBlockInfo(b, 26, 4, 1)
	require.False(t, ok)
	assert.Contains(t, info.Report, "activation matrix height (in tiles) = 26 > 25")

	info, ok = ConvBlockInfo(b, 7, 4, 11)
	require.False(t, ok)
	assert.Contains(t, info.Report, "output matrix volume (in tiles) = 77 > 60")
	assert.Contains(t, info.Report, "output matrix width (in tiles) = 11 > 10")

	// Too large for the default budgets, but fits with larger ones.
	_, ok = ConvBlockInfo(b, 64, 2, 1)
	require.False(t, ok)
	b.ConvIn0Bytes = 200 * 1024
	b.ConvOutBytes = 400 * 1024
	info, ok = ConvBlockInfo(b, 64, 2, 1)
	require.True(t, ok)
	assert.Equal(t, ConvBlocks{NumBlocks: 2, InBlockW: 1, OutSubblockH: 8, OutSubblockW: 1, Report: ConvReportPass}, info)

	// M=64, K=9, N=4: the inner dimension is split in blocks of one tile.
	_, ok = ConvBlockInfo(DefaultBudgets(), 64, 9, 4)
	require.False(t, ok)
	b.ConvOutBytes = 600 * 1024
	info, ok = ConvBlockInfo(b, 64, 9, 4)
	require.True(t, ok)
	assert.Equal(t, ConvBlocks{NumBlocks: 9, InBlockW: 1, OutSubblockH: 8, OutSubblockW: 1, Report: ConvReportPass}, info)
}

func TestConvBlockInfoInvariants(t *testing.T) {
	b := DefaultBudgets()
	fits := make(map[[2]int]bool)
	for m := 1; m <= 30; m++ {
		for n := 1; n <= 30; n++ {
			for k := 1; k <= 24; k++ {
				info, ok := ConvBlockInfo(b, m, k, n)
				fits[[2]int{m, n}] = ok
				if !ok {
					require.NotEqual(t, ConvReportPass, info.Report)
					continue
				}
				require.Equal(t, k, info.NumBlocks*info.InBlockW, "M=%d K=%d N=%d", m, k, n)
				require.LessOrEqual(t, info.InBlockW*m, 25)
				require.LessOrEqual(t, info.InBlockW*n, 25)
				require.LessOrEqual(t, info.OutSubblockH*info.OutSubblockW, b.DstTiles)
				require.Zero(t, m%info.OutSubblockH)
				require.Zero(t, n%info.OutSubblockW)
			}
		}
	}
	// Monotonic: if a conv fits, so does any smaller one.
	for mn, ok := range fits {
		if !ok {
			continue
		}
		for m := 1; m <= mn[0]; m++ {
			for n := 1; n <= mn[1]; n++ {
				require.True(t, fits[[2]int{m, n}], "%v fits but %dx%d doesn't", mn, m, n)
			}
		}
	}
}

func TestConvShapes(t *testing.T) {
	assert.Equal(t, 32, ConvOutputSize(32, 3, 1, 1))
	assert.Equal(t, 15, ConvOutputSize(32, 3, 0, 2))
	assert.Equal(t, 112, ConvOutputSize(224, 7, 3, 2))

	p := ConvParams{KernelH: 3, KernelW: 3, StrideH: 1, StrideW: 1, PadH: 1, PadW: 1}
	require.NoError(t, p.Validate())
	m, k, n := ConvMatmulDims(3, 32, 32, 64, p)
	assert.Equal(t, [3]int{32, 1, 2}, [3]int{m, k, n})
	ok, report := ConvFitsOnSingleCore(DefaultBudgets(), 3, 32, 32, 64, p)
	assert.False(t, ok)
	assert.Contains(t, report, "activation matrix height")
	ok, report = ConvFitsOnSingleCore(DefaultBudgets(), 3, 8, 8, 32, p)
	assert.True(t, ok)
	assert.Equal(t, ConvReportPass, report)
	require.Error(t, ConvParams{KernelH: 3}.Validate())
}

func TestOtherStrategies(t *testing.T) {
	assert.Equal(t, MultiCore, TransposeStrategy(TransposeWH, 4))
	assert.Equal(t, MultiCore, TransposeStrategy(TransposeHC, 4))
	assert.Equal(t, SingleCore, TransposeStrategy(TransposeCN, 4))
	assert.Equal(t, SingleCore, TransposeStrategy(TransposeWH, 1))
	assert.Equal(t, SingleCore, EltwiseStrategy(1))
	assert.Equal(t, MultiCore, BcastStrategy(3))

	sm := SoftmaxPartition(defaultGrid, 10, 12)
	assert.Equal(t, SoftmaxPlan{BlockSize: 6, NumCores: 10, RowsPerCore: 1}, sm)
	assert.Equal(t, MultiCore, sm.Strategy())
	assert.Equal(t, SingleCore, SoftmaxPartition(defaultGrid, 1, 7).Strategy())

	gn := GroupNormPartition(defaultGrid, 2, 4)
	assert.Equal(t, GroupNormPlan{GroupSize: 4, NumGroups: 2, TileRowsPerCore: 1, BatchesPerGroup: 1}, gn)
	assert.Equal(t, MultiCoreReuseMulticast, gn.Strategy())
	assert.Equal(t, SingleCore, GroupNormPartition(defaultGrid, 1, 1).Strategy())
}
