package dispatch

import (
	"sync"
	"time"
)

// pruneEvery bounds how many puts may land between full sweeps of
// expired entries.
const pruneEvery = 512

// ttlCache is a recency set: keys expire ttl after their last put.
// Reads drop expired entries lazily; every pruneEvery puts the whole
// map is swept so abandoned keys cannot accumulate.
type ttlCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	data map[string]time.Time
	puts int

	// now is replaced in tests.
	now func() time.Time
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{
		ttl:  ttl,
		data: make(map[string]time.Time),
		now:  time.Now,
	}
}

// put records key, refreshing its expiry.
func (c *ttlCache) put(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = c.now().Add(c.ttl)
	c.maybePrune()
}

// putIfAbsent records key and reports whether it was new. An expired
// entry counts as absent.
func (c *ttlCache) putIfAbsent(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if exp, ok := c.data[key]; ok && c.now().Before(exp) {
		return false
	}
	c.data[key] = c.now().Add(c.ttl)
	c.maybePrune()
	return true
}

// has reports whether key is present and fresh.
func (c *ttlCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.data[key]
	if !ok {
		return false
	}
	if !c.now().Before(exp) {
		delete(c.data, key)
		return false
	}
	return true
}

// drop forgets key.
func (c *ttlCache) drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// maybePrune sweeps expired entries. Callers hold mu.
func (c *ttlCache) maybePrune() {
	c.puts++
	if c.puts < pruneEvery {
		return
	}
	c.puts = 0
	now := c.now()
	for k, exp := range c.data {
		if !exp.After(now) {
			delete(c.data, k)
		}
	}
}
