package reports

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultTTL is how long a generated report is served from cache.
const DefaultTTL = 5 * time.Minute

// Cache is the port the Service stores finished reports in.
type Cache interface {
	Get(key string) (Report, bool)
	Add(key string, r Report)
}

// LRUCache is a size-bounded cache whose entries expire after a fixed TTL.
type LRUCache struct {
	lru *expirable.LRU[string, Report]
}

// NewLRUCache creates a cache holding at most size reports for ttl each.
// size <= 0 means unbounded; ttl <= 0 falls back to DefaultTTL.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size < 0 {
		size = 0
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LRUCache{lru: expirable.NewLRU[string, Report](size, nil, ttl)}
}

func (c *LRUCache) Get(key string) (Report, bool) {
	return c.lru.Get(key)
}

func (c *LRUCache) Add(key string, r Report) {
	c.lru.Add(key, r)
}

// Len is the number of live entries.
func (c *LRUCache) Len() int {
	return c.lru.Len()
}

// Purge drops every entry.
func (c *LRUCache) Purge() {
	c.lru.Purge()
}
