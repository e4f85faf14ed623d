// Package lru provides the bounded, recency-ordered cache used to memoize
// decoded tile payloads.
//
// The cache is a hash map plus a doubly linked list (hashicorp's simplelru),
// so Get, Put and Remove are O(1). It is not safe for concurrent use: it is
// owned by whichever component decodes payloads and touched only from the
// engine's control loop. Sibling tracks may share one instance by passing
// the same handle.
package lru

import (
	"fmt"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Entry is a key/value pair pushed out by Put.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// Stats counts cache traffic since construction.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Len       int
	Capacity  int
}

// HitRate is Hits / (Hits + Misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a fixed-capacity LRU cache.
type Cache[K comparable, V any] struct {
	lru      *simplelru.LRU[K, V]
	capacity int

	// set by the simplelru callback, consumed by Put
	lastEvicted *Entry[K, V]

	hits, misses, evictions uint64
}

// New creates a cache holding at most capacity entries.
func New[K comparable, V any](capacity int) (*Cache[K, V], error) {
	c := &Cache[K, V]{capacity: capacity}
	l, err := simplelru.NewLRU[K, V](capacity, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru cache: %w", err)
	}
	c.lru = l
	return c, nil
}

func (c *Cache[K, V]) onEvict(k K, v V) {
	c.lastEvicted = &Entry[K, V]{Key: k, Value: v}
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

// Peek returns the value for key without touching recency or stats.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	return c.lru.Peek(key)
}

// Contains reports whether key is cached without touching recency.
func (c *Cache[K, V]) Contains(key K) bool {
	return c.lru.Contains(key)
}

// Put stores value under key as most recently used. When the cache was full
// the least recently used entry is removed and returned so the caller can
// release whatever it holds.
func (c *Cache[K, V]) Put(key K, value V) (Entry[K, V], bool) {
	c.lastEvicted = nil
	if !c.lru.Add(key, value) {
		return Entry[K, V]{}, false
	}
	evicted := c.lastEvicted
	c.lastEvicted = nil
	if evicted == nil {
		return Entry[K, V]{}, false
	}
	c.evictions++
	return *evicted, true
}

// Remove deletes key, reporting whether it was present.
func (c *Cache[K, V]) Remove(key K) bool {
	ok := c.lru.Remove(key)
	c.lastEvicted = nil
	return ok
}

// Keys returns keys from least to most recently used.
func (c *Cache[K, V]) Keys() []K {
	return c.lru.Keys()
}

// Len is the number of cached entries.
func (c *Cache[K, V]) Len() int {
	return c.lru.Len()
}

// Capacity is the fixed maximum number of entries.
func (c *Cache[K, V]) Capacity() int {
	return c.capacity
}

// Purge drops every entry.
func (c *Cache[K, V]) Purge() {
	c.lru.Purge()
	c.lastEvicted = nil
}

// Stats returns traffic counters.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Len:       c.lru.Len(),
		Capacity:  c.capacity,
	}
}
