// Package cache provides a small bounded response cache. Entries expire on a
// wall-clock interval and new entries are refused once the cap is reached.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultTTL matches the hourly clear interval of the original response cache.
const DefaultTTL = time.Hour

// DefaultMaxEntries caps the cache to a fixed number of responses.
const DefaultMaxEntries = 100

// Cache maps prompt keys to final response text. Safe for concurrent use.
type Cache struct {
	inner      *gocache.Cache
	maxEntries int
}

// New builds a cache whose entries expire after ttl and which holds at most
// maxEntries responses.
func New(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		inner:      gocache.New(ttl, ttl),
		maxEntries: maxEntries,
	}
}

// Get returns the cached response for key, if any.
func (c *Cache) Get(key string) (string, bool) {
	v, ok := c.inner.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set stores the response under key. The write is dropped when the cache is
// full and the key is not already present.
func (c *Cache) Set(key, value string) {
	if _, ok := c.inner.Get(key); !ok && c.inner.ItemCount() >= c.maxEntries {
		return
	}
	c.inner.SetDefault(key, value)
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	return c.inner.ItemCount()
}

// Flush drops every entry.
func (c *Cache) Flush() {
	c.inner.Flush()
}
