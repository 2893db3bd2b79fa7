package engine

import (
	"sync"
	"time"
)

type cacheEntry struct {
	res     *Result
	expires time.Time
}

// cache holds complete results until they expire or the generation moves on.
type cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	gen     uint64
	entries map[string]cacheEntry
	now     func() time.Time
}

func newCache(ttl time.Duration) *cache {
	return &cache{ttl: ttl, entries: make(map[string]cacheEntry), now: time.Now}
}

func (c *cache) get(key string) (*Result, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.res, true
}

// put stores res unless the cache was invalidated since gen was read.
func (c *cache) put(key string, gen uint64, res *Result) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.entries[key] = cacheEntry{res: res, expires: c.now().Add(c.ttl)}
}

func (c *cache) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *cache) invalidate() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries = make(map[string]cacheEntry)
	return c.gen
}
