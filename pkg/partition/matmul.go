package partition

import (
	"slices"

	"github.com/gomlx/tilegrid/pkg/core/grid"
	"k8s.io/klog/v2"
)

// MatmulDims are the dimensions, in tiles, of a (batched) matmul: [B, Mt, Kt] x [Kt, Nt].
type MatmulDims struct {
	B, Mt, Kt, Nt int
}

// OutputTiles is the number of tiles of the output.
func (d MatmulDims) OutputTiles() int { return d.B * d.Mt * d.Nt }

// CoreRange returns the (rows, cols) of the core rectangle with one block per core, or (0, 0) if
// the blocks don't fit the grid or there is a single block.
func CoreRange(numBlocksRows, numBlocksCols, maxRows, maxCols int) (rows, cols int) {
	if !(numBlocksRows == 1 && numBlocksCols == 1) && numBlocksRows <= maxRows && numBlocksCols <= maxCols {
		return numBlocksRows, numBlocksCols
	}
	return 0, 0
}

// MatmulStrategy selects the parallelization strategy of a matmul:
//
//   - MultiCoreReuse(Multicast) if Mt, Nt and Kt are divisible by the per-core block sizes and there
//     are enough cores for all blocks. The multicast variant is used if the blocks form a rectangle
//     of more than one core within the grid.
//   - MultiCore if the output has more than one tile.
//   - SingleCore otherwise.
func MatmulStrategy(b Budgets, size grid.Size, dims MatmulDims) Strategy {
	if dims.OutputTiles() <= 1 {
		return SingleCore
	}
	if dims.Mt%b.PerCoreM == 0 && dims.Nt%b.PerCoreN == 0 && dims.Kt%b.In0BlockW == 0 {
		blocksRows, blocksCols := dims.Mt/b.PerCoreM, dims.Nt/b.PerCoreN
		if blocksRows*blocksCols <= size.NumCores() {
			if rows, _ := CoreRange(blocksRows, blocksCols, size.Y, size.X); rows > 0 {
				return MultiCoreReuseMulticast
			}
			return MultiCoreReuse
		}
	}
	return MultiCore
}

// BmmStrategy selects the strategy of a batched matmul with equal batches, which follows the same
// rules as MatmulStrategy.
func BmmStrategy(b Budgets, size grid.Size, dims MatmulDims) Strategy {
	return MatmulStrategy(b, size, dims)
}

// BlockParams are the per-core block and output subblock sizes of the blocked matmul, in tiles.
type BlockParams struct {
	PerCoreM, PerCoreN         int
	OutSubblockH, OutSubblockW int
}

// subblockChoices is the priority order of output subblock shapes (h, w).
var subblockChoices = [][2]int{
	{4, 2}, {2, 4}, {8, 1}, {1, 8},
	{7, 1}, {1, 7},
	{3, 2}, {2, 3}, {6, 1}, {1, 6},
	{5, 1}, {1, 5},
	{2, 2}, {4, 1}, {1, 4},
	{3, 1}, {1, 3},
	{2, 1}, {1, 2},
	{1, 1},
}

// Subblock returns the first subblock shape, in priority order, that divides the per-core block
// and fits in dstTiles destination registers.
func Subblock(perCoreM, perCoreN, dstTiles int) (h, w int, ok bool) {
	for _, hw := range subblockChoices {
		if hw[0]*hw[1] > dstTiles {
			continue
		}
		if perCoreM%hw[0] == 0 && perCoreN%hw[1] == 0 {
			return hw[0], hw[1], true
		}
	}
	return 0, 0, false
}

// MaxBlockDim returns the largest other block dimension that fits in the scratch budget, given
// one block dimension and in0BlockW: (scratch - 2*w*d) / (2*w + d), or 0.
func MaxBlockDim(scratchTiles, blockDim, in0BlockW int) int {
	other := (scratchTiles - 2*in0BlockW*blockDim) / (2*in0BlockW + blockDim)
	return max(other, 0)
}

// PrimeFactors returns the prime factors of n, in increasing order, with repetitions.
func PrimeFactors(n int) []int {
	var factors []int
	for i := 2; i*i <= n; {
		if n%i != 0 {
			i++
			continue
		}
		n /= i
		factors = append(factors, i)
	}
	if n > 1 {
		factors = append(factors, n)
	}
	return factors
}

// PossibleProducts returns the distinct products of the non-empty subsets of factors, sorted.
// It returns [1] if there are no factors.
func PossibleProducts(factors []int) []int {
	if len(factors) == 0 {
		return []int{1}
	}
	var products []int
	for _, f := range factors {
		var added []int
		if !slices.Contains(products, f) {
			added = append(added, f)
		}
		for _, p := range products {
			if !slices.Contains(products, f*p) {
				added = append(added, f*p)
			}
		}
		products = append(products, added...)
	}
	slices.Sort(products)
	return slices.Compact(products)
}

// splitFactors moves the prime factors of n larger than maxCores into a mandatory minimum block
// size: a dimension can't be split over more cores than exist.
func splitFactors(n, maxCores int) (minBlock int, rest []int) {
	minBlock = 1
	for _, f := range PrimeFactors(n) {
		if f > maxCores {
			minBlock *= f
		} else {
			rest = append(rest, f)
		}
	}
	return
}

// LargeMatmulParams searches the per-core block (PerCoreM x PerCoreN tiles) and output subblock of
// a matmul of Mt x Nt output tiles, such that the blocks fit the grid and the scratch budget.
// It returns ok=false if there is no valid partition: callers fall back to a simpler strategy.
func LargeMatmulParams(b Budgets, size grid.Size, mt, nt, in0BlockW int) (params BlockParams, ok bool) {
	mpcMin, mtFactors := splitFactors(mt, size.Y)
	npcMin, ntFactors := splitFactors(nt, size.X)
	if npcMin > MaxBlockDim(b.ScratchTiles, mpcMin, in0BlockW) {
		return BlockParams{}, false
	}

	fits := func(mpc, npc int) bool {
		return mt/mpc <= size.Y && nt/npc <= size.X
	}
	withSubblock := func(mpc, npc int) (BlockParams, bool) {
		h, w, found := Subblock(mpc, npc, b.DstTiles)
		if !found {
			return BlockParams{}, false
		}
		return BlockParams{PerCoreM: mpc, PerCoreN: npc, OutSubblockH: h, OutSubblockW: w}, true
	}
	// largest returns base times the largest product not exceeding limit, or base.
	largest := func(base int, products []int, limit int) int {
		result := base
		for _, p := range products {
			if p*base > limit {
				break
			}
			result = p * base
		}
		return result
	}

	switch {
	case mpcMin > 1:
		npc := largest(npcMin, PossibleProducts(ntFactors), MaxBlockDim(b.ScratchTiles, mpcMin, in0BlockW))
		if !fits(mpcMin, npc) {
			return BlockParams{}, false
		}
		params, ok = withSubblock(mpcMin, npc)

	case npcMin > 1:
		mpc := largest(mpcMin, PossibleProducts(mtFactors), MaxBlockDim(b.ScratchTiles, npcMin, in0BlockW))
		if !fits(mpc, npcMin) {
			return BlockParams{}, false
		}
		params, ok = withSubblock(mpc, npcMin)

	default:
		mtProducts := PossibleProducts(mtFactors)
		for _, npc := range PossibleProducts(ntFactors) {
			limit := MaxBlockDim(b.ScratchTiles, npc, in0BlockW)
			if limit < 1 {
				break
			}
			mpc := largest(1, mtProducts, limit)
			if !fits(mpc, npc) {
				continue
			}
			if params, ok = withSubblock(mpc, npc); ok {
				break
			}
		}
	}
	if ok {
		klog.V(2).Infof("large matmul Mt=%d Nt=%d on %s: %+v", mt, nt, size, params)
	}
	return
}
