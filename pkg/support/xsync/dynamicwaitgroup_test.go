package xsync

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDynamicWaitGroup(t *testing.T) {
	wg := NewDynamicWaitGroup()
	wg.Wait() // Zero counter doesn't block.

	var finished atomic.Int32
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		// Work added while Wait is in progress.
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(10 * time.Millisecond)
			finished.Add(1)
		}()
		finished.Add(1)
	}()
	wg.Wait()
	assert.Equal(t, int32(2), finished.Load())
	assert.Zero(t, wg.Count())
	require.Panics(t, func() { wg.Done() })
}
