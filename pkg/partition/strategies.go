package partition

import (
	"github.com/gomlx/tilegrid/pkg/core/grid"
)

// TransposeDim selects the pair of dimensions swapped by a transpose.
type TransposeDim int

const (
	TransposeWH TransposeDim = iota
	TransposeHC
	TransposeCN
)

var transposeDimNames = [...]string{"WH", "HC", "CN"}

// String implements fmt.Stringer.
func (d TransposeDim) String() string {
	if d < 0 || int(d) >= len(transposeDimNames) {
		return "INVALID_TRANSPOSE_DIM"
	}
	return transposeDimNames[d]
}

// TransposeStrategy returns MultiCore for WH and HC transposes of more than one tile, and
// SingleCore otherwise (CN always runs on a single core).
func TransposeStrategy(dim TransposeDim, numTiles int) Strategy {
	if (dim == TransposeWH || dim == TransposeHC) && numTiles > 1 {
		return MultiCore
	}
	return SingleCore
}

// EltwiseStrategy returns MultiCore for more than one tile.
func EltwiseStrategy(numTiles int) Strategy {
	if numTiles > 1 {
		return MultiCore
	}
	return SingleCore
}

// BcastStrategy returns MultiCore for more than one output tile. Every core computes the index of
// the broadcast operand tile from the output tile index, so any split works.
func BcastStrategy(numTiles int) Strategy {
	return EltwiseStrategy(numTiles)
}

// SoftmaxPlan is the partition of a softmax over rows of Wt tiles.
type SoftmaxPlan struct {
	// BlockSize is the number of tiles moved per circular buffer transaction: a divisor of Wt.
	BlockSize int

	// NumCores divides the number of rows, and each core processes RowsPerCore rows.
	NumCores, RowsPerCore int
}

// MaxSoftmaxBlock is the largest block size of the softmax kernels.
const MaxSoftmaxBlock = 8

// SoftmaxPartition splits numRows rows of wt tiles evenly over the grid.
func SoftmaxPartition(size grid.Size, numRows, wt int) SoftmaxPlan {
	numCores := grid.NumCoresDividing(size, numRows)
	return SoftmaxPlan{
		BlockSize:   grid.FindMaxDivisor(wt, MaxSoftmaxBlock),
		NumCores:    numCores,
		RowsPerCore: numRows / numCores,
	}
}

// Strategy returns MultiCore if more than one core is used.
func (p SoftmaxPlan) Strategy() Strategy {
	if p.NumCores > 1 {
		return MultiCore
	}
	return SingleCore
}

// GroupNormPlan is the partition of a group normalization: every row of the grid is a multicast
// group of GroupSize cores, splitting the Ht tile rows of each batch, and the batches are split
// over NumGroups rows of the grid.
type GroupNormPlan struct {
	GroupSize, NumGroups int
	TileRowsPerCore      int
	BatchesPerGroup      int
}

// GroupNormPartition splits numBatches batches of ht tile rows.
func GroupNormPartition(size grid.Size, numBatches, ht int) GroupNormPlan {
	groupSize := grid.NumCoresDividing(grid.Size{X: size.X, Y: 1}, ht)
	numGroups := grid.NumCoresDividing(grid.Size{X: 1, Y: size.Y}, numBatches)
	return GroupNormPlan{
		GroupSize:       groupSize,
		NumGroups:       numGroups,
		TileRowsPerCore: ht / groupSize,
		BatchesPerGroup: numBatches / numGroups,
	}
}

// Strategy returns MultiCoreReuseMulticast if the groups have more than one core.
func (p GroupNormPlan) Strategy() Strategy {
	switch {
	case p.GroupSize > 1:
		return MultiCoreReuseMulticast
	case p.NumGroups > 1:
		return MultiCore
	}
	return SingleCore
}
