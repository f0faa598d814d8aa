package exchange

import (
	"sync"
	"time"
)

type cacheEntry struct {
	value     any
	fetchedAt time.Time
}

// responseCache keeps the last good response per endpoint. Entries never expire
// on their own: an old entry is still the degraded fallback when a refresh fails.
type responseCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func newResponseCache(now func() time.Time) *responseCache {
	return &responseCache{
		entries: make(map[string]cacheEntry),
		now:     now,
	}
}

// get returns the entry and whether it is younger than ttl.
func (c *responseCache) get(key string, ttl time.Duration) (value any, fresh bool, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false, false
	}
	return entry.value, c.now().Sub(entry.fetchedAt) < ttl, true
}

func (c *responseCache) set(key string, value any) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, fetchedAt: c.now()}
	c.mu.Unlock()
}

// invalidate marks an entry stale without dropping the fallback value.
func (c *responseCache) invalidate(key string) {
	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		entry.fetchedAt = time.Time{}
		c.entries[key] = entry
	}
	c.mu.Unlock()
}
