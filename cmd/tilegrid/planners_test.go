package main

import (
	"testing"

	"github.com/gomlx/tilegrid/pkg/core/grid"
	"github.com/gomlx/tilegrid/pkg/partition"
	"github.com/gomlx/tilegrid/pkg/runtime"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepMatmul(t *testing.T) {
	size := grid.Size{X: 12, Y: 9}
	var rows, sizes int
	result := sweepMatmul(partition.DefaultBudgets(), size, 1, 4, func(n int) {
		rows++
		sizes += n
	})
	assert.Equal(t, 4, rows)
	assert.Equal(t, 64, sizes)
	assert.Equal(t, 64, result.Total)
	// Only Mt = Nt = 1 has a single output tile, and the fixed 16x16 blocks never divide.
	assert.Equal(t, 4, result.Strategies[partition.SingleCore])
	assert.Equal(t, 60, result.Strategies[partition.MultiCore])
	assert.Zero(t, result.Infeasible)

	b := partition.DefaultBudgets()
	b.PerCoreM, b.PerCoreN, b.In0BlockW = 2, 2, 1
	result = sweepMatmul(b, size, 1, 4, nil)
	var total int
	for _, n := range result.Strategies {
		total += n
	}
	assert.Equal(t, 64, total)
	assert.Positive(t, result.Strategies[partition.MultiCoreReuseMulticast])
	assert.Contains(t, result.String(), "MULTI_CORE_REUSE_MULTICAST")
}

func TestReports(t *testing.T) {
	rt := must.M1(runtime.NewDefault())
	defer func() { require.NoError(t, rt.Close()) }()

	report, err := planMatmul(rt, matmulRequest{Batches: 2, M: 64, K: 64, N: 64, Bmm: true}, false)
	require.NoError(t, err)
	assert.Equal(t, "bmm", report.Operation)
	text := report.String()
	assert.Contains(t, text, "MULTI_CORE")
	assert.Contains(t, text, "max L1 per core")

	forced, err := planMatmul(rt, matmulRequest{Batches: 1, M: 64, K: 64, N: 64, Strategy: "multi_core_reuse"}, false)
	require.NoError(t, err)
	assert.Equal(t, "MULTI_CORE_REUSE", forced.Strategy)
	_, err = planMatmul(rt, matmulRequest{Batches: 1, M: 64, K: 64, N: 64, Strategy: "fastest"}, false)
	require.Error(t, err)

	fallback := partition.DefaultBudgets()
	fallback.ConvIn0Bytes = fallback.TileBytes
	conv, err := planConv(fallback, convRequest{Channels: 3, Height: 8, Width: 8, NumFilters: 4,
		ConvParams: partition.ConvParams{KernelH: 3, KernelW: 3, StrideH: 1, StrideW: 1, PadH: 1, PadW: 1}})
	require.NoError(t, err)
	assert.False(t, conv.SingleCore)
	assert.Contains(t, conv.String(), "activation matrix height")
	assert.Zero(t, rt.DefaultDevice().NumLiveBuffers())
}
