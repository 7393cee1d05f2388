package stream

import (
	"sync"
	"time"
)

// Clock supplies the current time. Injected so TTL expiry is testable.
type Clock func() time.Time

type cacheEntry struct {
	value     any
	fetchedAt time.Time
}

// Cache is a read-through cache for frequently polled stream reads. Entries
// are keyed by the caller (topic plus fetch name) and invalidated purely by
// time, never by write: the store is append-only so staleness is bounded.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     Clock
	entries map[string]cacheEntry
}

// NewCache builds a cache with the given TTL. A nil clock uses time.Now.
func NewCache(ttl time.Duration, now Clock) *Cache {
	if now == nil {
		now = time.Now
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Cache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached value for key when fresh, otherwise runs fetch and
// caches the result. Fetch errors are returned without poisoning the cache,
// so a later call retries. Concurrent callers may race only into redundant
// fetches, never into partial data.
func (c *Cache) Get(key string, fetch func() (any, error)) (any, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	value, err := fetch()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, fetchedAt: c.now()}
	c.mu.Unlock()
	return value, nil
}

// Peek returns the cached value regardless of freshness, with its age. Used
// by callers that prefer a stale value over no value.
func (c *Cache) Peek(key string) (any, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, 0, false
	}
	return e.value, c.now().Sub(e.fetchedAt), true
}
