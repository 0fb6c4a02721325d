package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(size int, ttl time.Duration) *LRU[string, string] {
	return New[string, string](&Config{Enabled: true, MaxSize: size, TTL: ttl})
}

func TestLRU(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{"SetAndGet", testSetAndGet},
		{"GetMiss", testGetMiss},
		{"GetExpired", testGetExpired},
		{"EvictsLeastRecentlyUsed", testEvictsLeastRecentlyUsed},
		{"InvalidateRemovesEntry", testInvalidateRemovesEntry},
		{"InvalidateAllClearsCache", testInvalidateAllClearsCache},
		{"SetUpdatesExisting", testSetUpdatesExisting},
		{"ConcurrentAccess", testConcurrentAccess},
		{"StatsCountHitsAndMisses", testStatsCountHitsAndMisses},
		{"DisabledConfigHoldsOneEntry", testDisabledConfigHoldsOneEntry},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func testSetAndGet(t *testing.T) {
	c := newTestCache(10, 5*time.Second)
	c.Set("key1", "value1")

	got, ok := c.Get("key1")
	require.True(t, ok)
	assert.Equal(t, "value1", got)
}

func testGetMiss(t *testing.T) {
	c := newTestCache(10, 5*time.Second)

	got, ok := c.Get("nonexistent")
	assert.False(t, ok)
	assert.Empty(t, got)
}

func testGetExpired(t *testing.T) {
	c := newTestCache(10, 50*time.Millisecond)
	c.Set("key1", "value1")

	_, ok := c.Get("key1")
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)

	_, ok = c.Get("key1")
	assert.False(t, ok, "expected miss after expiry")
}

func testEvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(3, 5*time.Second)
	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("c", "3")

	// Touch "a" so "b" becomes the least recently used.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", "4")
	assert.Equal(t, 3, c.Size())

	_, ok = c.Get("b")
	assert.False(t, ok, "expected 'b' to be evicted")
	for _, key := range []string{"a", "c", "d"} {
		_, ok := c.Get(key)
		assert.True(t, ok, "expected %q to still be cached", key)
	}
}

func testInvalidateRemovesEntry(t *testing.T) {
	c := newTestCache(10, 5*time.Second)
	c.Set("key1", "value1")
	c.Set("key2", "value2")

	c.Invalidate("key1")

	_, ok := c.Get("key1")
	assert.False(t, ok)
	_, ok = c.Get("key2")
	assert.True(t, ok)
}

func testInvalidateAllClearsCache(t *testing.T) {
	c := newTestCache(10, 5*time.Second)
	c.Set("key1", "value1")
	c.Set("key2", "value2")

	c.InvalidateAll()

	assert.Equal(t, 0, c.Size())
	_, ok := c.Get("key1")
	assert.False(t, ok)
}

func testSetUpdatesExisting(t *testing.T) {
	c := newTestCache(10, 5*time.Second)
	c.Set("key1", "old")
	c.Set("key1", "new")

	got, ok := c.Get("key1")
	require.True(t, ok)
	assert.Equal(t, "new", got)
	assert.Equal(t, 1, c.Size())
}

func testConcurrentAccess(t *testing.T) {
	c := newTestCache(100, 5*time.Second)

	var wg sync.WaitGroup
	goroutines := 50
	ops := 100

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < ops; j++ {
				key := fmt.Sprintf("key-%d-%d", id, j)
				c.Set(key, fmt.Sprintf("value-%d-%d", id, j))
				c.Get(key)
				if j%10 == 0 {
					c.Invalidate(key)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Size(), 100)
}

func testStatsCountHitsAndMisses(t *testing.T) {
	c := newTestCache(10, 5*time.Second)
	c.Set("a", "1")
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func testDisabledConfigHoldsOneEntry(t *testing.T) {
	c := New[int, int](&Config{Enabled: false, MaxSize: 100, TTL: time.Minute})
	c.Set(1, 1)
	c.Set(2, 2)
	assert.Equal(t, 1, c.Size())
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CATALOG_CACHE_ENABLED", "false")
	t.Setenv("CATALOG_CACHE_TTL", "120")
	t.Setenv("CATALOG_CACHE_MAX_SIZE", "50")

	cfg := ConfigFromEnv()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 2*time.Minute, cfg.TTL)
	assert.Equal(t, 50, cfg.MaxSize)
}
