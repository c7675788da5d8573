package grid

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoreRange(t *testing.T) {
	r := Rect(1, 2, 3, 2)
	assert.Equal(t, 6, r.Size())
	assert.True(t, r.Contains(CoreCoord{3, 3}))
	assert.False(t, r.Contains(CoreCoord{0, 2}))
	cores := slices.Collect(r.Cores())
	require.Len(t, cores, 6)
	assert.Equal(t, CoreCoord{1, 2}, cores[0])
	assert.Equal(t, CoreCoord{2, 2}, cores[1])
	assert.Equal(t, CoreCoord{1, 3}, cores[3])

	inter, ok := r.Intersects(Rect(3, 0, 5, 3))
	require.True(t, ok)
	assert.Equal(t, CoreRange{Start: CoreCoord{3, 2}, End: CoreCoord{3, 2}}, inter)
	_, ok = r.Intersects(Rect(0, 0, 1, 1))
	assert.False(t, ok)
	assert.True(t, Rect(0, 0, 4, 4).ContainsRange(r))
	assert.Panics(t, func() { NewCoreRangeSet(r, Single(CoreCoord{2, 3})) })
	assert.Panics(t, func() { Rect(0, 0, 0, 1) })
}

func TestSplitWorkToCores(t *testing.T) {
	size := Size{X: 4, Y: 3}

	split := SplitWorkToCores(size, 5)
	assert.Equal(t, 5, split.NumCores)
	assert.Equal(t, 5, split.AllCores.Size())
	assert.Equal(t, 1, split.UnitsPerCoreGroup1)
	assert.True(t, split.Group2.Empty())

	split = SplitWorkToCores(size, 30)
	assert.Equal(t, 12, split.NumCores)
	assert.Equal(t, 3, split.UnitsPerCoreGroup1)
	assert.Equal(t, 2, split.UnitsPerCoreGroup2)
	assert.Equal(t, 6, split.Group1.Size())
	assert.Equal(t, 6, split.Group2.Size())
	total := 0
	for i := range split.NumCores {
		total += split.UnitsFor(i)
	}
	assert.Equal(t, 30, total)
	// Groups together enumerate the cores in row-major order.
	all := append(slices.Collect(split.Group1.Cores()), slices.Collect(split.Group2.Cores())...)
	for i, c := range all {
		assert.Equal(t, size.CoreAt(i), c)
	}
}

func TestDivisors(t *testing.T) {
	assert.Equal(t, 4, FindMaxDivisor(12, 5))
	assert.Equal(t, 1, FindMaxDivisor(7, 6))
	assert.Equal(t, 8, FindMaxDivisor(16, 8))
	assert.Equal(t, 10, NumCoresDividing(Size{X: 4, Y: 3}, 30))
	assert.Equal(t, 1, NumCoresDividing(Size{X: 4, Y: 3}, 13))
}

func TestRowMajorRanges(t *testing.T) {
	set := Size{X: 4, Y: 3}.RowMajorRanges(6)
	require.Len(t, set.Ranges, 2)
	assert.Equal(t, Rect(0, 0, 4, 1), set.Ranges[0])
	assert.Equal(t, Rect(0, 1, 2, 1), set.Ranges[1])
	assert.Panics(t, func() { Size{X: 2, Y: 2}.RowMajorRanges(5) })
}
