// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package grid defines logical core coordinates on the device's 2D grid of compute cores, rectangular
// core ranges and the helpers to split work across them.
//
// Coordinates are logical: (0, 0) is the first compute core. The device maps them to physical NoC
// coordinates. Iteration over a range is always row-major: x (column) varies fastest.
package grid

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// CoreCoord is the logical (x, y) coordinate of a core: x is the column, y the row.
type CoreCoord struct {
	X, Y int
}

// String implements fmt.Stringer.
func (c CoreCoord) String() string {
	return fmt.Sprintf("(x=%d,y=%d)", c.X, c.Y)
}

// MarshalText implements encoding.TextMarshaler, so coordinates can be used as JSON map keys.
func (c CoreCoord) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%d,%d", c.X, c.Y)), nil
}

// Less orders coordinates row-major.
func (c CoreCoord) Less(other CoreCoord) bool {
	if c.Y != other.Y {
		return c.Y < other.Y
	}
	return c.X < other.X
}

// CoreRange is an inclusive rectangle of cores.
type CoreRange struct {
	Start, End CoreCoord
}

// Single returns a range with one core.
func Single(c CoreCoord) CoreRange {
	return CoreRange{Start: c, End: c}
}

// Rect returns the range of the first numX columns and numY rows starting at (x0, y0).
func Rect(x0, y0, numX, numY int) CoreRange {
	if numX <= 0 || numY <= 0 {
		exceptions.Panicf("grid.Rect(%d, %d, %d, %d): empty range", x0, y0, numX, numY)
	}
	return CoreRange{Start: CoreCoord{x0, y0}, End: CoreCoord{x0 + numX - 1, y0 + numY - 1}}
}

// Valid returns whether Start <= End on both axes.
func (r CoreRange) Valid() bool {
	return r.Start.X <= r.End.X && r.Start.Y <= r.End.Y && r.Start.X >= 0 && r.Start.Y >= 0
}

// NumX is the number of columns of the range.
func (r CoreRange) NumX() int { return r.End.X - r.Start.X + 1 }

// NumY is the number of rows of the range.
func (r CoreRange) NumY() int { return r.End.Y - r.Start.Y + 1 }

// Size is the number of cores in the range.
func (r CoreRange) Size() int { return r.NumX() * r.NumY() }

// Contains returns whether the core is in the range.
func (r CoreRange) Contains(c CoreCoord) bool {
	return c.X >= r.Start.X && c.X <= r.End.X && c.Y >= r.Start.Y && c.Y <= r.End.Y
}

// ContainsRange returns whether other is fully inside r.
func (r CoreRange) ContainsRange(other CoreRange) bool {
	return r.Contains(other.Start) && r.Contains(other.End)
}

// Intersects returns the intersection of the two ranges, if there is one.
func (r CoreRange) Intersects(other CoreRange) (CoreRange, bool) {
	x1, y1 := max(r.Start.X, other.Start.X), max(r.Start.Y, other.Start.Y)
	x2, y2 := min(r.End.X, other.End.X), min(r.End.Y, other.End.Y)
	if x1 <= x2 && y1 <= y2 {
		return CoreRange{Start: CoreCoord{x1, y1}, End: CoreCoord{x2, y2}}, true
	}
	return CoreRange{}, false
}

// Cores iterates over the cores of the range in row-major order.
func (r CoreRange) Cores() iter.Seq[CoreCoord] {
	return func(yield func(CoreCoord) bool) {
		for y := r.Start.Y; y <= r.End.Y; y++ {
			for x := r.Start.X; x <= r.End.X; x++ {
				if !yield(CoreCoord{x, y}) {
					return
				}
			}
		}
	}
}

// String implements fmt.Stringer.
func (r CoreRange) String() string {
	return fmt.Sprintf("[%s-%s]", r.Start, r.End)
}

// CoreRangeSet is a set of non-overlapping core ranges.
type CoreRangeSet struct {
	Ranges []CoreRange
}

// NewCoreRangeSet creates a set from the given ranges. It panics if any two ranges overlap or
// any range is invalid.
func NewCoreRangeSet(ranges ...CoreRange) CoreRangeSet {
	for i, r := range ranges {
		if !r.Valid() {
			exceptions.Panicf("grid.NewCoreRangeSet: invalid range %s", r)
		}
		for _, other := range ranges[:i] {
			if _, overlap := r.Intersects(other); overlap {
				exceptions.Panicf("grid.NewCoreRangeSet: ranges %s and %s overlap", r, other)
			}
		}
	}
	return CoreRangeSet{Ranges: slices.Clone(ranges)}
}

// Size is the total number of cores in the set.
func (s CoreRangeSet) Size() int {
	total := 0
	for _, r := range s.Ranges {
		total += r.Size()
	}
	return total
}

// Empty returns whether the set has no cores.
func (s CoreRangeSet) Empty() bool { return len(s.Ranges) == 0 }

// Contains returns whether the core belongs to any range of the set.
func (s CoreRangeSet) Contains(c CoreCoord) bool {
	for _, r := range s.Ranges {
		if r.Contains(c) {
			return true
		}
	}
	return false
}

// Cores iterates over all cores of the set, range by range, each range in row-major order.
func (s CoreRangeSet) Cores() iter.Seq[CoreCoord] {
	return func(yield func(CoreCoord) bool) {
		for _, r := range s.Ranges {
			for c := range r.Cores() {
				if !yield(c) {
					return
				}
			}
		}
	}
}

// Merge returns the union of the two sets. It panics if they overlap.
func (s CoreRangeSet) Merge(other CoreRangeSet) CoreRangeSet {
	return NewCoreRangeSet(append(slices.Clone(s.Ranges), other.Ranges...)...)
}

// String implements fmt.Stringer.
func (s CoreRangeSet) String() string {
	parts := make([]string, len(s.Ranges))
	for i, r := range s.Ranges {
		parts[i] = r.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
