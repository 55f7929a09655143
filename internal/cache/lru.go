package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRU is a size-bounded, optionally expiring, concurrency-safe cache keyed by string.
// A nil *LRU is a valid cache that never stores anything.
type LRU[V any] struct {
	entries *expirable.LRU[string, V]
}

// NewLRU returns a cache holding at most size entries. ttl <= 0 disables expiry.
// size <= 0 returns nil, i.e. caching disabled.
func NewLRU[V any](size int, ttl time.Duration) *LRU[V] {
	if size <= 0 {
		return nil
	}
	if ttl < 0 {
		ttl = 0
	}
	return &LRU[V]{entries: expirable.NewLRU[string, V](size, nil, ttl)}
}

// Get returns the cached value and marks it most recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	if c == nil {
		var zero V
		return zero, false
	}
	return c.entries.Get(key)
}

// Set stores value under key, evicting the least recently used entry when full.
func (c *LRU[V]) Set(key string, value V) {
	if c == nil {
		return
	}
	c.entries.Add(key, value)
}

// Len returns the number of stored entries; expired ones may linger until swept.
func (c *LRU[V]) Len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}

// Clear removes all entries.
func (c *LRU[V]) Clear() {
	if c == nil {
		return
	}
	c.entries.Purge()
}
