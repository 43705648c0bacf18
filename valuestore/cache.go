package valuestore

import (
	"sync"

	"avmcore/value"
)

// generations is the size of the cache's bucket ring (§4.2 "a small
// ring of buckets").
const generations = 4

// Cache is the generational in-memory value cache: inserts always go
// into the current bucket, lookups search every bucket, and
// NextGeneration evicts the oldest bucket by reusing it as the new
// current one. There is no per-entry expiry and no fixed capacity —
// eviction is entirely generation-driven (contrast with a
// fixed-capacity LRU cache, which evicts by recency instead).
type Cache struct {
	mu      sync.Mutex
	buckets [generations]map[value.Hash]value.Value
	current int
}

// NewCache returns an empty Cache with a fresh current bucket.
func NewCache() *Cache {
	c := &Cache{}
	for i := range c.buckets {
		c.buckets[i] = make(map[value.Hash]value.Value)
	}
	return c
}

// Get searches every bucket for h, newest first.
func (c *Cache) Get(h value.Hash) (value.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < generations; i++ {
		idx := (c.current - i + generations) % generations
		if v, ok := c.buckets[idx][h]; ok {
			return v, true
		}
	}
	return nil, false
}

// Insert adds h -> v to the current bucket.
func (c *Cache) Insert(h value.Hash, v value.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets[c.current][h] = v
}

// NextGeneration rotates the ring: the bucket that becomes current is
// cleared, discarding whatever it held (the oldest generation still
// present).
func (c *Cache) NextGeneration() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = (c.current + 1) % generations
	c.buckets[c.current] = make(map[value.Hash]value.Value)
}
