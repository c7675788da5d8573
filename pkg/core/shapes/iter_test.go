package shapes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrides(t *testing.T) {
	assert.Equal(t, []int{6, 3, 1}, Make(2, 2, 3).Strides())
	assert.Nil(t, Make().Strides())
}

func TestIter(t *testing.T) {
	s := Make(2, 1, 3)
	var got [][]int
	for flat, indices := range s.Iter() {
		assert.Equal(t, len(got), flat)
		got = append(got, append([]int(nil), indices...))
	}
	assert.Equal(t, [][]int{{0, 0, 0}, {0, 0, 1}, {0, 0, 2}, {1, 0, 0}, {1, 0, 1}, {1, 0, 2}}, got)

	count := 0
	for range Make(3, 0).Iter() {
		count++
	}
	assert.Zero(t, count)

	// Early break.
	for flat := range s.Iter() {
		if flat == 2 {
			break
		}
		count++
	}
	assert.Equal(t, 2, count)
}
