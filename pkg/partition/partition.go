// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package partition decides how an operation is parallelized over the core grid, and computes the
// block and subblock sizes of the blocked matmul kernels, subject to the per-core scratch memory
// and destination register budgets.
//
// All functions are pure: infeasibility is reported with an ok=false (or a report for
// ConvBlockInfo), and callers fall back to a simpler strategy.
package partition

import (
	"github.com/pkg/errors"
)

// Strategy is the parallelization strategy of an operation.
type Strategy int

const (
	SingleCore Strategy = iota
	MultiCore
	MultiCoreReuse
	MultiCoreReuseMulticast
)

var strategyNames = [...]string{"SINGLE_CORE", "MULTI_CORE", "MULTI_CORE_REUSE", "MULTI_CORE_REUSE_MULTICAST"}

// String implements fmt.Stringer.
func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return "INVALID_STRATEGY"
	}
	return strategyNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ParseStrategy parses the names returned by Strategy.String.
func ParseStrategy(name string) (Strategy, error) {
	for i, n := range strategyNames {
		if n == name {
			return Strategy(i), nil
		}
	}
	return SingleCore, errors.Errorf("unknown parallelization strategy %q, valid values are %v", name, strategyNames)
}

// Budgets are the hardware-derived ceilings used by the block searches.
type Budgets struct {
	// PerCoreM, PerCoreN and In0BlockW are the fixed block sizes (in tiles) of the reuse matmul
	// strategies.
	PerCoreM  int `yaml:"per_core_m" json:"per_core_m"`
	PerCoreN  int `yaml:"per_core_n" json:"per_core_n"`
	In0BlockW int `yaml:"in0_block_w" json:"in0_block_w"`

	// ScratchTiles is the scratch memory budget of the large matmul search, in tile units.
	ScratchTiles int `yaml:"scratch_tiles" json:"scratch_tiles"`

	// DstTiles is the capacity of the destination registers: the largest output subblock.
	DstTiles int `yaml:"dst_tiles" json:"dst_tiles"`

	// Conv byte budgets, for the activation (in0), the weights (in1), the output and the
	// output row reblocking buffer.
	ConvIn0Bytes     int `yaml:"conv_in0_bytes" json:"conv_in0_bytes"`
	ConvIn1Bytes     int `yaml:"conv_in1_bytes" json:"conv_in1_bytes"`
	ConvOutBytes     int `yaml:"conv_out_bytes" json:"conv_out_bytes"`
	ConvReblockBytes int `yaml:"conv_reblock_bytes" json:"conv_reblock_bytes"`

	// TileBytes is the size of a tile used to convert the conv byte budgets to tiles.
	TileBytes int `yaml:"tile_bytes" json:"tile_bytes"`
}

// DefaultBudgets returns the budgets of the reference device.
func DefaultBudgets() Budgets {
	return Budgets{
		PerCoreM:         16,
		PerCoreN:         16,
		In0BlockW:        2,
		ScratchTiles:     400,
		DstTiles:         8,
		ConvIn0Bytes:     50 * 1024,
		ConvIn1Bytes:     50 * 1024,
		ConvOutBytes:     120 * 1024,
		ConvReblockBytes: 20 * 1024,
		TileBytes:        2048,
	}
}

// Validate checks all budgets are positive.
func (b Budgets) Validate() error {
	for _, v := range []struct {
		name  string
		value int
	}{
		{"per_core_m", b.PerCoreM}, {"per_core_n", b.PerCoreN}, {"in0_block_w", b.In0BlockW},
		{"scratch_tiles", b.ScratchTiles}, {"dst_tiles", b.DstTiles},
		{"conv_in0_bytes", b.ConvIn0Bytes}, {"conv_in1_bytes", b.ConvIn1Bytes},
		{"conv_out_bytes", b.ConvOutBytes}, {"conv_reblock_bytes", b.ConvReblockBytes},
		{"tile_bytes", b.TileBytes},
	} {
		if v.value <= 0 {
			return errors.Errorf("partition budget %s must be > 0, got %d", v.name, v.value)
		}
	}
	return nil
}
