// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets implements a set as a `map[T]struct{}`, used for sets of cores, rows and names.
package sets

import (
	"iter"
	"slices"
)

// Set of keys of type T.
type Set[T comparable] map[T]struct{}

// Make returns an empty Set. Size is optional, and reserves space for that many keys.
func Make[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// Collect returns a Set with all the keys yielded by seq.
func Collect[T comparable](seq iter.Seq[T]) Set[T] {
	s := Make[T]()
	for key := range seq {
		s[key] = struct{}{}
	}
	return s
}

// Has returns whether key is in the set.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys into the set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// Sub returns the keys of s not in s2.
func (s Set[T]) Sub(s2 Set[T]) Set[T] {
	sub := Make[T]()
	for k := range s {
		if !s2.Has(k) {
			sub.Insert(k)
		}
	}
	return sub
}

// SortedFunc returns the keys sorted by cmp.
func (s Set[T]) SortedFunc(cmp func(a, b T) int) []T {
	keys := make([]T, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, cmp)
	return keys
}
