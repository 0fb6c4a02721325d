// Package cache provides bounded, expiring in-memory caches. Instances are
// always constructed and injected by their owner; nothing is global.
package cache

import (
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRU is a thread-safe least-recently-used cache whose entries also expire
// after the configured TTL.
type LRU[K comparable, V any] struct {
	inner  *expirable.LRU[K, V]
	hits   atomic.Int64
	misses atomic.Int64
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Size   int   `json:"size"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// New creates an LRU sized by cfg. A nil cfg uses DefaultConfig.
func New[K comparable, V any](cfg *Config) *LRU[K, V] {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	size := cfg.MaxSize
	if size < 1 || !cfg.Enabled {
		size = 1
	}
	return &LRU[K, V]{inner: expirable.NewLRU[K, V](size, nil, cfg.TTL)}
}

// Get returns the value for key and marks it recently used. Expired
// entries are reported as misses.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	v, ok := c.inner.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Set stores value under key, evicting the least recently used entry when
// the cache is full.
func (c *LRU[K, V]) Set(key K, value V) {
	c.inner.Add(key, value)
}

// Invalidate removes key.
func (c *LRU[K, V]) Invalidate(key K) {
	c.inner.Remove(key)
}

// InvalidateAll removes every entry.
func (c *LRU[K, V]) InvalidateAll() {
	c.inner.Purge()
}

// Size returns the number of entries, including ones that expired but were
// not yet reclaimed.
func (c *LRU[K, V]) Size() int {
	return c.inner.Len()
}

// Stats reports the current size and hit/miss counters.
func (c *LRU[K, V]) Stats() Stats {
	return Stats{Size: c.inner.Len(), Hits: c.hits.Load(), Misses: c.misses.Load()}
}
