// Package xsync has synchronization primitives missing from the sync package.
package xsync

import (
	"sync"

	"github.com/pkg/errors"
)

// DynamicWaitGroup is like sync.WaitGroup, but the counter may be incremented while a Wait is in
// progress: Wait returns only once the counter is back to zero.
type DynamicWaitGroup struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

// NewDynamicWaitGroup returns a DynamicWaitGroup with a zero counter.
func NewDynamicWaitGroup() *DynamicWaitGroup {
	wg := &DynamicWaitGroup{}
	wg.cond = sync.NewCond(&wg.mu)
	return wg
}

// Add delta to the counter. It panics if the counter becomes negative.
func (wg *DynamicWaitGroup) Add(delta int) {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	wg.count += delta
	if wg.count < 0 {
		panic(errors.Errorf("DynamicWaitGroup: negative counter %d", wg.count))
	}
	if wg.count == 0 {
		wg.cond.Broadcast()
	}
}

// Done decrements the counter.
func (wg *DynamicWaitGroup) Done() { wg.Add(-1) }

// Count returns the current value of the counter.
func (wg *DynamicWaitGroup) Count() int {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	return wg.count
}

// Wait blocks until the counter is zero.
func (wg *DynamicWaitGroup) Wait() {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	for wg.count > 0 {
		wg.cond.Wait()
	}
}
