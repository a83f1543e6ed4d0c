// Package cache is a process-local read cache for executions.
//
// It is never authoritative: the engine invalidates an entry on every write
// and every mutation starts from a fresh store read. Entries are deep copies,
// so callers may modify what they get back.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/petrijr/fluxgraph/internal/persistence"
	"github.com/petrijr/fluxgraph/pkg/api"
)

const (
	DefaultSize = 1024
	DefaultTTL  = 5 * time.Second
)

type entry struct {
	exec    *api.WorkflowExecution
	expires time.Time
}

// ExecutionCache is an LRU cache of executions with a per-entry TTL.
type ExecutionCache struct {
	mu    sync.Mutex
	lru   *lru.Cache
	ttl   time.Duration
	clock func() time.Time
}

// New returns a cache of size entries that expire after ttl. Non-positive
// values select the defaults.
func New(size int, ttl time.Duration) *ExecutionCache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return &ExecutionCache{lru: c, ttl: ttl, clock: time.Now}
}

// WithClock replaces the cache's time source.
func (c *ExecutionCache) WithClock(clock func() time.Time) *ExecutionCache {
	c.clock = clock
	return c
}

// Get returns a copy of the cached execution.
func (c *ExecutionCache) Get(id string) (*api.WorkflowExecution, bool) {
	c.mu.Lock()
	raw, ok := c.lru.Get(id)
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	e := raw.(entry)
	if !c.clock().Before(e.expires) {
		c.lru.Remove(id)
		c.mu.Unlock()
		return nil, false
	}
	c.mu.Unlock()

	out, err := persistence.CloneExecution(e.exec)
	if err != nil {
		return nil, false
	}
	return out, true
}

// Put stores a copy of exec.
func (c *ExecutionCache) Put(exec *api.WorkflowExecution) {
	if exec == nil {
		return
	}
	copied, err := persistence.CloneExecution(exec)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(exec.ID, entry{exec: copied, expires: c.clock().Add(c.ttl)})
}

// Invalidate drops id from the cache.
func (c *ExecutionCache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(id)
}

// Len returns the number of entries, expired ones included.
func (c *ExecutionCache) Len() int {
	return c.lru.Len()
}
