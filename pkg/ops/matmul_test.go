package ops

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/tilegrid/pkg/core/tensors"
	"github.com/gomlx/tilegrid/pkg/partition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// matmulReference multiplies batches of a [m, k] by b [k, n], or by the single batch of b if
// broadcastB.
func matmulReference(a, b []float32, batches, m, k, n int, batchedB bool) []float32 {
	out := make([]float32, batches*m*n)
	for batch := range batches {
		aBatch := a[batch*m*k:]
		bBatch := b
		if batchedB {
			bBatch = b[batch*k*n:]
		}
		for i := range m {
			for j := range n {
				var sum float64
				for inner := range k {
					sum += float64(aBatch[i*k+inner]) * float64(bBatch[inner*n+j])
				}
				out[(batch*m+i)*n+j] = float32(sum)
			}
		}
	}
	return out
}

func TestMatmul(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 0))

	smallBudgets := partition.DefaultBudgets()
	smallBudgets.PerCoreM, smallBudgets.PerCoreN, smallBudgets.In0BlockW = 2, 2, 1

	for _, tc := range []struct {
		name     string
		budgets  partition.Budgets
		bmm      bool
		batches  int
		m, k, n  int
		forced   bool
		strategy partition.Strategy
	}{
		{name: "single_tile", batches: 1, m: 32, k: 32, n: 32, strategy: partition.SingleCore},
		{name: "multi_core", batches: 1, m: 64, k: 96, n: 128, strategy: partition.MultiCore},
		{name: "multi_core_batched_a", batches: 3, m: 64, k: 64, n: 32, strategy: partition.MultiCore},
		{name: "bmm", bmm: true, batches: 2, m: 64, k: 64, n: 96, strategy: partition.MultiCore},
		{name: "five_batches", batches: 5, m: 96, k: 64, n: 128, strategy: partition.MultiCore},
		{name: "five_batches_bmm", bmm: true, batches: 5, m: 96, k: 64, n: 128, strategy: partition.MultiCore},
		{name: "forced_single_core", batches: 2, m: 64, k: 64, n: 64, forced: true, strategy: partition.SingleCore},
		{name: "multicast", budgets: smallBudgets, batches: 1, m: 128, k: 96, n: 128, strategy: partition.MultiCoreReuseMulticast},
		{name: "multicast_bmm", budgets: smallBudgets, bmm: true, batches: 2, m: 128, k: 64, n: 64, strategy: partition.MultiCoreReuseMulticast},
		{name: "multicast_single_row", budgets: smallBudgets, batches: 1, m: 64, k: 64, n: 192, strategy: partition.MultiCoreReuseMulticast},
		{name: "forced_reuse", budgets: smallBudgets, batches: 2, m: 128, k: 128, n: 64, forced: true, strategy: partition.MultiCoreReuse},
		{name: "forced_multicast_large_params", batches: 1, m: 96, k: 96, n: 160, forced: true, strategy: partition.MultiCoreReuseMulticast},
		{name: "forced_reuse_large_params", batches: 1, m: 160, k: 96, n: 96, forced: true, strategy: partition.MultiCoreReuse},
	} {
		t.Run(tc.name, func(t *testing.T) {
			budgets := tc.budgets
			if budgets.PerCoreM == 0 {
				budgets = partition.DefaultBudgets()
			}
			require.NoError(t, rt.SetBudgets(budgets))
			aValues := randomValues(rng, tc.batches*tc.m*tc.k, 1)
			bBatches := 1
			if tc.bmm {
				bBatches = tc.batches
			}
			bValues := randomValues(rng, bBatches*tc.k*tc.n, 1)
			a := toDevice(t, rt, aValues, tc.batches, tc.m, tc.k)
			b := toDevice(t, rt, bValues, bBatches, tc.k, tc.n)

			op := MatmulOp{Bmm: tc.bmm, Forced: tc.forced, ForcedStrategy: tc.strategy}
			env := Env{Device: rt.DefaultDevice(), Budgets: budgets}
			strategy, err := op.Strategy(env, []*tensors.Tensor{a, b})
			require.NoError(t, err)
			assert.Equal(t, tc.strategy, strategy)

			outputs, err := Run(ctx, rt, op, a, b)
			require.NoError(t, err)
			output := outputs[0]
			defer func() { _ = output.Release() }()
			assert.Equal(t, []int{tc.batches, tc.m, tc.n}, output.Shape().Dimensions)
			want := matmulReference(aValues, bValues, tc.batches, tc.m, tc.k, tc.n, tc.bmm)
			assertClose(t, want, fromDevice(t, output), 0.03, 0.2)
		})
	}
}

func TestMatmulPlan(t *testing.T) {
	rt := newRuntime(t)
	env := Env{Device: rt.DefaultDevice(), Budgets: partition.DefaultBudgets()}
	rng := rand.New(rand.NewPCG(8, 0))

	// 512x512x512: 16x16x16 tiles, a single 16x16 block, reused over 8 inner blocks.
	a := toDevice(t, rt, randomValues(rng, 512*512, 1), 512, 512)
	b := toDevice(t, rt, randomValues(rng, 512*512, 1), 512, 512)
	plan, err := MatmulOp{}.plan(env, []*tensors.Tensor{a, b})
	require.NoError(t, err)
	assert.Equal(t, partition.MultiCoreReuse, plan.strategy)
	assert.Equal(t, partition.BlockParams{PerCoreM: 16, PerCoreN: 16, OutSubblockH: 4, OutSubblockW: 2}, plan.block)
	rows, cols, inner := plan.numBlocks()
	assert.Equal(t, []int{1, 1, 8}, []int{rows, cols, inner})

	p, err := MatmulOp{}.CreateProgram(env, []*tensors.Tensor{a, b}, []*tensors.Tensor{a})
	require.NoError(t, err)
	require.NoError(t, p.Validate(env.Grid()))
	// in0, in1, intermediate and output buffers: 2*16*2 + 2*2*16 + 16*16 + 2*8 = 400 tiles.
	var totalTiles int
	for _, cb := range p.CircularBuffersOn(env.Grid().CoreAt(0)) {
		totalTiles += cb.NumPages
	}
	assert.Equal(t, 400, totalTiles)

	// Forced multicast with 2x2 blocks: 4 semaphores and one group per row and column.
	smallBudgets := env.Budgets
	smallBudgets.PerCoreM, smallBudgets.PerCoreN = 8, 8
	env.Budgets = smallBudgets
	op := MatmulOp{Forced: true, ForcedStrategy: partition.MultiCoreReuseMulticast}
	p, err = op.CreateProgram(env, []*tensors.Tensor{a, b}, []*tensors.Tensor{a})
	require.NoError(t, err)
	require.NoError(t, p.Validate(env.Grid()))
	assert.Len(t, p.Semaphores, 4)
	assert.Len(t, p.Groups, 4)
	assert.Len(t, p.Cores(), 4)
	for _, g := range p.Groups {
		require.NotNil(t, g.Count, "group %s", g.Name)
		assert.Equal(t, uint32(1), p.Kernel(g.Count.Kernel).RuntimeArgs[g.Sender][g.Count.Arg], "group %s", g.Name)
	}
	for _, k := range p.Kernels {
		for core, args := range k.RuntimeArgs {
			if k.Name != "writer_bmm_tile_layout" {
				assert.Len(t, args, 39, fmt.Sprintf("kernel %s on %s", k.Name, core))
			}
		}
	}
}

func TestMatmulErrors(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(9, 0))

	a := toDevice(t, rt, randomValues(rng, 64*96, 1), 64, 96)
	b := toDevice(t, rt, randomValues(rng, 64*64, 1), 64, 64)
	_, err := Matmul(ctx, rt, a, b)
	require.ErrorContains(t, err, "inner dimensions")

	batchedB := toDevice(t, rt, randomValues(rng, 2*96*32, 1), 2, 96, 32)
	_, err = Matmul(ctx, rt, a, batchedB)
	require.ErrorContains(t, err, "single batch")

	batchedA := toDevice(t, rt, randomValues(rng, 3*64*96, 1), 3, 64, 96)
	_, err = BMM(ctx, rt, batchedA, batchedB)
	require.ErrorContains(t, err, "batch dimensions")

	// Mt = 11 can't be split on 9 rows of cores, and a block of 11 rows doesn't fit the scratch budget.
	budgets := partition.DefaultBudgets()
	budgets.ScratchTiles = 4
	require.NoError(t, rt.SetBudgets(budgets))
	tall := toDevice(t, rt, randomValues(rng, 352*32, 1), 352, 32)
	square := toDevice(t, rt, randomValues(rng, 32*32, 1), 32, 32)
	_, err = MatmulWithStrategy(ctx, rt, false, partition.MultiCoreReuse, tall, square)
	require.ErrorContains(t, err, "can't partition")
	assert.Equal(t, 6, rt.DefaultDevice().NumLiveBuffers(), "outputs of failed operations must be released")
}

func TestPlan(t *testing.T) {
	rt := newRuntime(t)
	rt.EnableProgramCache()
	rng := rand.New(rand.NewPCG(10, 0))
	a := toDevice(t, rt, randomValues(rng, 2*64*96, 1), 2, 64, 96)
	b := toDevice(t, rt, randomValues(rng, 2*96*64, 1), 2, 96, 64)

	p, strategy, err := Plan(rt, MatmulOp{Bmm: true}, a, b)
	require.NoError(t, err)
	assert.Equal(t, partition.MultiCore, strategy)
	assert.Equal(t, "bmm", p.Name)
	assert.Equal(t, 2, rt.DefaultDevice().NumLiveBuffers())
	assert.Zero(t, rt.ProgramCache().NumEntries())

	_, _, err = Plan(rt, MatmulOp{}, a, b)
	require.ErrorContains(t, err, "single batch")
}
