package stats

import (
	"fmt"
	"sync"
)

// Cache memoizes computed results keyed by snapshot version and query
// key. It is a pure optimization: disabling it must not change any
// response. The service clears it on every successful reload, and the
// version component of the key makes stale hits impossible even between
// the swap and the clear.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Result
	enabled bool
}

// NewCache creates a cache. A disabled cache accepts all calls and never
// stores or returns anything.
func NewCache(enabled bool) *Cache {
	return &Cache{
		entries: make(map[string]*Result),
		enabled: enabled,
	}
}

// Enabled reports whether the cache stores results.
func (c *Cache) Enabled() bool { return c.enabled }

// Get returns the cached result for (version, queryKey), if any.
func (c *Cache) Get(version uint64, queryKey string) (*Result, bool) {
	if !c.enabled {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.entries[cacheKey(version, queryKey)]
	return res, ok
}

// Put stores a result for (version, queryKey).
func (c *Cache) Put(version uint64, queryKey string, res *Result) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(version, queryKey)] = res
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Result)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func cacheKey(version uint64, queryKey string) string {
	return fmt.Sprintf("v%d|%s", version, queryKey)
}
