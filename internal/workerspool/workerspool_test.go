package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_ParallelFor(t *testing.T) {
	for _, parallelism := range []int{-1, 1, 3, 16} {
		pool := New(parallelism)
		var sum atomic.Int64
		seen := make([]int32, 100)
		pool.ParallelFor(len(seen), func(i int) {
			sum.Add(int64(i))
			atomic.AddInt32(&seen[i], 1)
		})
		assert.Equal(t, int64(99*100/2), sum.Load(), "parallelism=%d", parallelism)
		for i, count := range seen {
			assert.Equal(t, int32(1), count, "index %d, parallelism=%d", i, parallelism)
		}
	}
}

func TestPool_Limit(t *testing.T) {
	pool := New(2)
	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			current := running.Add(1)
			for {
				prev := maxRunning.Load()
				if current <= prev || maxRunning.CompareAndSwap(prev, current) {
					break
				}
			}
			running.Add(-1)
		})
	}
	wg.Wait()
	assert.LessOrEqual(t, maxRunning.Load(), int32(2))

	// Disabled parallelism runs inline.
	pool.SetMaxParallelism(0)
	ran := false
	pool.WaitToStart(func() { ran = true })
	assert.True(t, ran)
	assert.False(t, pool.StartIfAvailable(func() {}))
}
