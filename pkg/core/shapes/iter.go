package shapes

import (
	"iter"

	"github.com/pkg/errors"
)

// Strides returns the strides for each axis of the shape, assuming a row-major layout.
//
// Notice the strides are **not in bytes**, but in indices.
func (s Shape) Strides() (strides []int) {
	rank := s.Rank()
	if rank == 0 {
		return
	}
	strides = make([]int, rank)
	currentStride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = currentStride
		currentStride *= s.Dimensions[axis]
	}
	return
}

// Iter iterates sequentially over all possible indices of the shape, in row-major order.
//
// It yields the flat index (counter) and a slice of indices for each axis.
// The yielded indices slice is owned by Iter: don't change it inside the loop.
func (s Shape) Iter() iter.Seq2[int, []int] {
	indices := make([]int, s.Rank())
	return s.IterOn(indices)
}

// IterOn is like Iter, but updates the given indices slice, which must have len(indices) == s.Rank().
func (s Shape) IterOn(indices []int) iter.Seq2[int, []int] {
	if len(indices) != s.Rank() {
		panic(errors.Errorf("Shape.IterOn given len(indices) == %d, want it to be equal to the rank %d", len(indices), s.Rank()))
	}
	return func(yield func(int, []int) bool) {
		for _, dim := range s.Dimensions {
			if dim == 0 {
				return
			}
		}
		for i := range indices {
			indices[i] = 0
		}
		volume := s.Volume()
		rank := s.Rank()
		for flat := 0; flat < volume; flat++ {
			if !yield(flat, indices) {
				return
			}
			for axis := rank - 1; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < s.Dimensions[axis] {
					break
				}
				indices[axis] = 0
			}
		}
	}
}
