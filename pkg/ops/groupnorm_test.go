package ops

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/tilegrid/pkg/core/tensors"
	"github.com/gomlx/tilegrid/pkg/partition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// groupNormReference normalizes each batch of [h, w] values over groups of w/groups channels.
func groupNormReference(values []float32, batches, h, w, groups int, eps float64) []float32 {
	out := make([]float32, len(values))
	perGroup := w / groups
	for batch := range batches {
		x := values[batch*h*w:][:h*w]
		for g := range groups {
			var sum float64
			for row := range h {
				for c := g * perGroup; c < (g+1)*perGroup; c++ {
					sum += float64(x[row*w+c])
				}
			}
			n := float64(h * perGroup)
			mean := sum / n
			var variance float64
			for row := range h {
				for c := g * perGroup; c < (g+1)*perGroup; c++ {
					d := float64(x[row*w+c]) - mean
					variance += d * d
				}
			}
			invStd := 1 / math.Sqrt(variance/n+eps)
			for row := range h {
				for c := g * perGroup; c < (g+1)*perGroup; c++ {
					out[batch*h*w+row*w+c] = float32((float64(x[row*w+c]) - mean) * invStd)
				}
			}
		}
	}
	return out
}

func TestGroupNorm(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(11, 0))
	env := Env{Device: rt.DefaultDevice(), Budgets: rt.Budgets()}

	for _, tc := range []struct {
		name               string
		batches, h, w      int
		groups             int
		groupSize, numRows int
		strategy           partition.Strategy
	}{
		{name: "single_core", batches: 1, h: 32, w: 64, groups: 2, groupSize: 1, numRows: 1, strategy: partition.SingleCore},
		{name: "multi_core", batches: 3, h: 32, w: 128, groups: 8, groupSize: 1, numRows: 3, strategy: partition.MultiCore},
		{name: "multicast", batches: 2, h: 64, w: 64, groups: 4, groupSize: 2, numRows: 2, strategy: partition.MultiCoreReuseMulticast},
		{name: "multicast_wide_group", batches: 4, h: 128, w: 96, groups: 3, groupSize: 4, numRows: 4, strategy: partition.MultiCoreReuseMulticast},
	} {
		t.Run(tc.name, func(t *testing.T) {
			values := randomValues(rng, tc.batches*tc.h*tc.w, 1)
			x := toDevice(t, rt, values, tc.batches, tc.h, tc.w)
			op := GroupNormOp{Groups: tc.groups, Eps: DefaultGroupNormEps}
			plan := op.plan(env, x)
			assert.Equal(t, tc.groupSize, plan.GroupSize)
			assert.Equal(t, tc.numRows, plan.NumGroups)
			strategy, err := op.Strategy(env, []*tensors.Tensor{x})
			require.NoError(t, err)
			assert.Equal(t, tc.strategy, strategy)

			p, err := op.CreateProgram(env, []*tensors.Tensor{x}, []*tensors.Tensor{x})
			require.NoError(t, err)
			require.NoError(t, p.Validate(env.Grid()))
			assert.Len(t, p.Cores(), tc.groupSize*tc.numRows)
			if tc.groupSize > 1 {
				assert.Len(t, p.Groups, tc.numRows)
				// The sender reader waits for as many receivers as its group has.
				g := p.Groups[0]
				require.NotNil(t, g.Count)
				args := p.Kernel(g.Count.Kernel).RuntimeArgs[g.Sender]
				assert.Equal(t, uint32(tc.groupSize), args[g.Count.Arg])
				args[g.Count.Arg] = 5
				require.ErrorContains(t, p.Validate(env.Grid()), "runtime argument 6")
				args[g.Count.Arg] = uint32(tc.groupSize)
			} else {
				assert.Empty(t, p.Groups)
			}

			output, err := GroupNorm(ctx, rt, tc.groups, x)
			require.NoError(t, err)
			defer func() { _ = output.Release() }()
			want := groupNormReference(values, tc.batches, tc.h, tc.w, tc.groups, DefaultGroupNormEps)
			assertClose(t, want, fromDevice(t, output), 0.03, 0.05)
		})
	}
}

func TestGroupNormErrors(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(12, 0))
	x := toDevice(t, rt, randomValues(rng, 32*64, 1), 1, 32, 64)

	_, err := GroupNorm(ctx, rt, 0, x)
	require.ErrorContains(t, err, "number of groups")
	_, err = GroupNorm(ctx, rt, 64, x)
	require.ErrorContains(t, err, "number of groups")
	_, err = GroupNorm(ctx, rt, 3, x)
	require.ErrorContains(t, err, "can't be split")
	_, err = Run(ctx, rt, GroupNormOp{Groups: 2, Eps: -1}, x)
	require.ErrorContains(t, err, "epsilon")
	_, err = Run(ctx, rt, GroupNormOp{Groups: 2, Eps: float32(math.NaN())}, x)
	require.ErrorContains(t, err, "epsilon")
	assert.Equal(t, 1, rt.DefaultDevice().NumLiveBuffers())
}
