package runtime

import (
	"sync"

	"github.com/gomlx/tilegrid/pkg/program"
	"k8s.io/klog/v2"
)

// CachedProgram is a program kept by the ProgramCache. Only the runtime arguments bound to tensor
// addresses change between uses: Mu must be held while patching and launching it.
type CachedProgram struct {
	Mu      sync.Mutex
	Program *program.Program
	Uses    int
}

// ProgramCache maps an operation key (operation attributes, input shapes, data types, layouts and
// memory configs) to the program created for it. It is disabled by default.
type ProgramCache struct {
	mu           sync.Mutex
	enabled      bool
	entries      map[string]*CachedProgram
	hits, misses int
}

func newProgramCache(enabled bool) *ProgramCache {
	return &ProgramCache{enabled: enabled, entries: make(map[string]*CachedProgram)}
}

// Enabled returns whether programs are cached.
func (c *ProgramCache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Enable caching of programs.
func (c *ProgramCache) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = true
}

// Disable caching, and drops all entries.
func (c *ProgramCache) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = false
	c.lockedClear()
}

// Clear drops all entries, and resets the statistics.
func (c *ProgramCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockedClear()
}

func (c *ProgramCache) lockedClear() {
	if len(c.entries) > 0 {
		klog.V(1).Infof("program cache: dropping %d programs", len(c.entries))
	}
	clear(c.entries)
	c.hits, c.misses = 0, 0
}

// NumEntries is the number of cached programs.
func (c *ProgramCache) NumEntries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns the number of cache hits and misses since the last Clear.
func (c *ProgramCache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// GetOrCreate returns the program cached under key, or creates it with create. If the cache is
// disabled, the created program is returned in a new entry that is not stored.
//
// Concurrent misses of the same key may both call create: the first stored entry wins.
func (c *ProgramCache) GetOrCreate(key string, create func() (*program.Program, error)) (entry *CachedProgram, hit bool, err error) {
	c.mu.Lock()
	enabled := c.enabled
	if enabled {
		if entry, found := c.entries[key]; found {
			c.hits++
			entry.Uses++
			c.mu.Unlock()
			klog.V(2).Infof("program cache hit for %q", entry.Program.Name)
			return entry, true, nil
		}
		c.misses++
	}
	c.mu.Unlock()

	p, err := create()
	if err != nil {
		return nil, false, err
	}
	entry = &CachedProgram{Program: p, Uses: 1}
	if !enabled {
		return entry, false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return entry, false, nil
	}
	if existing, found := c.entries[key]; found {
		existing.Uses++
		return existing, false, nil
	}
	c.entries[key] = entry
	klog.V(1).Infof("program cache: stored %q (%d programs)", p.Name, len(c.entries))
	return entry, false, nil
}
