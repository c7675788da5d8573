// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grid

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// Size of a compute grid: X columns by Y rows.
type Size struct {
	X, Y int
}

// NumCores returns X*Y.
func (s Size) NumCores() int { return s.X * s.Y }

// String implements fmt.Stringer.
func (s Size) String() string { return fmt.Sprintf("%dx%d", s.X, s.Y) }

// CoreAt returns the i-th core of the grid in row-major order.
func (s Size) CoreAt(i int) CoreCoord {
	return CoreCoord{X: i % s.X, Y: i / s.X}
}

// RowMajorRanges returns the ranges covering the first numCores cores of a grid in row-major order:
// one rectangle with the full rows and one with the remaining cores of the last row.
func (s Size) RowMajorRanges(numCores int) CoreRangeSet {
	if numCores <= 0 || numCores > s.NumCores() {
		exceptions.Panicf("grid: cannot select %d cores of a %dx%d grid", numCores, s.X, s.Y)
	}
	fullRows := numCores / s.X
	lastRowCores := numCores % s.X
	var ranges []CoreRange
	if fullRows > 0 {
		ranges = append(ranges, Rect(0, 0, s.X, fullRows))
	}
	if lastRowCores > 0 {
		ranges = append(ranges, Rect(0, fullRows, lastRowCores, 1))
	}
	return NewCoreRangeSet(ranges...)
}

// WorkSplit is the result of SplitWorkToCores.
type WorkSplit struct {
	NumCores int

	// AllCores is the union of Group1 and Group2.
	AllCores CoreRangeSet

	// Group1 cores process UnitsPerCoreGroup1 units each, Group2 cores UnitsPerCoreGroup2 units.
	// Group1 always comes first in row-major order.
	Group1, Group2                         CoreRangeSet
	UnitsPerCoreGroup1, UnitsPerCoreGroup2 int
}

// UnitsFor returns the number of units assigned to the i-th core (row-major).
func (w WorkSplit) UnitsFor(i int) int {
	if i < w.Group1.Size() {
		return w.UnitsPerCoreGroup1
	}
	return w.UnitsPerCoreGroup2
}

// SplitWorkToCores distributes numUnits units of work over the cores of the grid, in row-major
// order. If numUnits is not a multiple of the number of cores used, the first cores (Group1) get
// one extra unit.
func SplitWorkToCores(size Size, numUnits int) WorkSplit {
	if numUnits <= 0 {
		exceptions.Panicf("grid.SplitWorkToCores: no work to split (numUnits=%d)", numUnits)
	}
	numCores := min(numUnits, size.NumCores())
	split := WorkSplit{NumCores: numCores}
	split.AllCores = size.RowMajorRanges(numCores)
	base := numUnits / numCores
	extra := numUnits % numCores
	if extra == 0 {
		split.Group1 = split.AllCores
		split.UnitsPerCoreGroup1 = base
		return split
	}
	split.UnitsPerCoreGroup1 = base + 1
	split.UnitsPerCoreGroup2 = base
	split.Group1 = rowMajorSpan(size, 0, extra)
	split.Group2 = rowMajorSpan(size, extra, numCores)
	return split
}

// rowMajorSpan returns the ranges covering cores [from, to) of the grid in row-major order.
func rowMajorSpan(size Size, from, to int) CoreRangeSet {
	var ranges []CoreRange
	i := from
	for i < to {
		c := size.CoreAt(i)
		rowEnd := min(to, (c.Y+1)*size.X)
		if c.X == 0 && rowEnd-i == size.X {
			// Merge consecutive full rows into one rectangle.
			numRows := (to - i) / size.X
			ranges = append(ranges, Rect(0, c.Y, size.X, numRows))
			i += numRows * size.X
			continue
		}
		ranges = append(ranges, Rect(c.X, c.Y, rowEnd-i, 1))
		i = rowEnd
	}
	return NewCoreRangeSet(ranges...)
}

// NumCoresDividing returns the largest number of cores, at most the grid size, that evenly divides
// numUnits.
func NumCoresDividing(size Size, numUnits int) int {
	for n := min(size.NumCores(), numUnits); n > 1; n-- {
		if numUnits%n == 0 {
			return n
		}
	}
	return 1
}

// FindMaxDivisor returns the largest divisor of value that is <= maxDivisor.
func FindMaxDivisor(value, maxDivisor int) int {
	for d := min(value, maxDivisor); d > 1; d-- {
		if value%d == 0 {
			return d
		}
	}
	return 1
}
