package permission

import (
	"sync"
	"time"
)

const (
	// DefaultCacheTTL bounds how stale a cached permission may be served.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultCacheMaxEntries bounds cache memory.
	DefaultCacheMaxEntries = 1000
)

type cacheEntry struct {
	info     Info
	cachedAt time.Time
}

// Cache is a TTL-bounded permission cache. The mutex guards only the map;
// callers never hold it across database reads, so a herd of misses for the
// same agent may each hit the database once. That is accepted over lock
// coupling.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewCache builds a cache; non-positive arguments take the defaults.
func NewCache(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultCacheMaxEntries
	}
	return &Cache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the cached permission when present and younger than the TTL.
// Stale entries are removed on access.
func (c *Cache) Get(agentID string) (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[agentID]
	if !ok {
		return Info{}, false
	}
	if c.now().Sub(entry.cachedAt) > c.ttl {
		delete(c.entries, agentID)
		return Info{}, false
	}
	return entry.info, true
}

// Put stores a freshly resolved permission. At capacity the oldest entry is
// evicted.
func (c *Cache) Put(agentID string, info Info) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[agentID]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[agentID] = cacheEntry{info: info, cachedAt: c.now()}
}

// Invalidate drops the agent's entry. Every permission write calls this
// after commit so no read can serve the pre-write level past the write.
func (c *Cache) Invalidate(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, agentID)
}

// Len reports the live entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
		first     = true
	)
	for k, e := range c.entries {
		if first || e.cachedAt.Before(oldestAt) {
			oldestKey, oldestAt, first = k, e.cachedAt, false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
