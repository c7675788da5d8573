package sets

import (
	"cmp"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := Make[int](10)
	assert.Len(t, s, 0)
	s.Insert(7, 3, 7)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.False(t, s.Has(5))

	s2 := Collect(slices.Values([]int{5, 7}))
	assert.Equal(t, []int{3}, s.Sub(s2).SortedFunc(cmp.Compare[int]))
	assert.Equal(t, []int{3, 7}, s.SortedFunc(cmp.Compare[int]))
	assert.Equal(t, []int{7, 3}, s.SortedFunc(func(a, b int) int { return b - a }))
	assert.Empty(t, Make[string]().SortedFunc(cmp.Compare[string]))
}
