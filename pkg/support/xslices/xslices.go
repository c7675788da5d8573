// Package xslices has generic helpers missing from the slices and maps packages.
package xslices

import (
	"cmp"
	"slices"

	"golang.org/x/exp/constraints"
)

// Map returns fn applied to every element of in.
func Map[In, Out any](in []In, fn func(e In) Out) []Out {
	out := make([]Out, len(in))
	for i, e := range in {
		out[i] = fn(e)
	}
	return out
}

// SortedKeys returns the keys of m in increasing order.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Product returns the product of the values, 1 for an empty slice.
func Product[T constraints.Integer](values []T) T {
	var p T = 1
	for _, v := range values {
		p *= v
	}
	return p
}
