// ABOUTME: Tests for the idempotency cache used to answer retried sends.
// ABOUTME: Validates TTL expiration, size limits, eviction, cleanup, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func has[V any](c *Cache[V], key string) bool {
	_, ok := c.Get(key)
	return ok
}

func TestCache_Get_NotSeen(t *testing.T) {
	cache := New[int](5*time.Minute, 100)
	defer cache.Close()

	_, ok := cache.Get("never-seen-key")
	assert.False(t, ok)
}

func TestCache_PutAndGet(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	cache.Put("my-key", "value")

	v, ok := cache.Get("my-key")
	assert.True(t, ok)
	assert.Equal(t, "value", v)
}

func TestCache_Expired(t *testing.T) {
	cache := New[int](10*time.Millisecond, 100)
	defer cache.Close()

	cache.Put("expiring-key", 1)
	assert.True(t, has(cache, "expiring-key"))

	time.Sleep(20 * time.Millisecond)

	assert.False(t, has(cache, "expiring-key"))
}

func TestCache_Put_RefreshesTimestamp(t *testing.T) {
	now := time.Unix(1000, 0)
	cache := New[int](50*time.Second, 100)
	defer cache.Close()
	cache.now = func() time.Time { return now }

	cache.Put("refresh-key", 1)
	now = now.Add(30 * time.Second)
	cache.Put("refresh-key", 2)
	now = now.Add(30 * time.Second)

	v, ok := cache.Get("refresh-key")
	assert.True(t, ok, "re-put should extend the TTL")
	assert.Equal(t, 2, v)
}

func TestCache_MaxSize_EvictsOldest(t *testing.T) {
	cache := New[int](5*time.Minute, 3)
	defer cache.Close()

	cache.Put("key-1", 1)
	cache.Put("key-2", 2)
	cache.Put("key-3", 3)
	cache.Put("key-4", 4)

	assert.False(t, has(cache, "key-1"), "oldest key should be evicted")
	assert.True(t, has(cache, "key-2"))
	assert.True(t, has(cache, "key-4"))
	assert.Equal(t, 3, cache.Len())
}

func TestCache_LoadOrStore(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	v, loaded := cache.LoadOrStore("k", "first")
	assert.False(t, loaded)
	assert.Equal(t, "first", v)

	v, loaded = cache.LoadOrStore("k", "second")
	assert.True(t, loaded)
	assert.Equal(t, "first", v)
}

func TestCache_Delete(t *testing.T) {
	cache := New[int](5*time.Minute, 100)
	defer cache.Close()

	cache.Put("k", 1)
	cache.Delete("k")
	cache.Delete("missing")

	assert.False(t, has(cache, "k"))
	assert.Equal(t, 0, cache.Len())
}

func TestCache_RunCleanup_RemovesExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	cache := New[int](time.Minute, 100)
	defer cache.Close()
	cache.now = func() time.Time { return now }

	cache.Put("old", 1)
	now = now.Add(2 * time.Minute)
	cache.Put("fresh", 2)

	cache.runCleanup()

	assert.Equal(t, 1, cache.Len())
	assert.True(t, has(cache, "fresh"))
}

func TestCache_Close_Idempotent(t *testing.T) {
	cache := New[int](time.Minute, 10)

	assert.NotPanics(t, func() {
		cache.Close()
		cache.Close()
	})
}

func TestCache_ConcurrentLoadOrStore(t *testing.T) {
	cache := New[int](5*time.Minute, 10000)
	defer cache.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := make(map[string]int)

	for g := range 10 {
		wg.Go(func() {
			for i := range 100 {
				key := fmt.Sprintf("key-%d", i)
				if _, loaded := cache.LoadOrStore(key, g); !loaded {
					mu.Lock()
					winners[key]++
					mu.Unlock()
				}
			}
		})
	}
	wg.Wait()

	for key, n := range winners {
		assert.Equal(t, 1, n, "key %s stored more than once", key)
	}
	assert.Len(t, winners, 100)
}
