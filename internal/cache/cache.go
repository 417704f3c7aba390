package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type Observer interface {
	CacheHit()
	CacheMiss()
}

// Cache is a TTL cache of derived documents. A ttl of zero keeps entries until they are
// invalidated.
type Cache[T any] struct {
	c   *gocache.Cache
	obs Observer
}

func New[T any](ttl time.Duration, obs Observer) *Cache[T] {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	// Expired entries are never returned and Purge runs on every publish, so no janitor.
	return &Cache[T]{c: gocache.New(ttl, 0), obs: obs}
}

func (c *Cache[T]) Get(key string) (T, bool) {
	if v, ok := c.c.Get(key); ok {
		if val, ok := v.(T); ok {
			if c.obs != nil {
				c.obs.CacheHit()
			}
			return val, true
		}
	}
	if c.obs != nil {
		c.obs.CacheMiss()
	}
	var zero T
	return zero, false
}

func (c *Cache[T]) Set(key string, v T) {
	c.c.SetDefault(key, v)
}

func (c *Cache[T]) Invalidate(key string) {
	c.c.Delete(key)
}

// Purge drops every entry.
func (c *Cache[T]) Purge() {
	c.c.Flush()
}

func (c *Cache[T]) Len() int {
	return c.c.ItemCount()
}
