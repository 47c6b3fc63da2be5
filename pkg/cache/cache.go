// Package cache provides a bounded LRU cache for traversal results.
//
// Entries are tagged with the graph version they were computed at. A lookup
// with a different version is a miss and drops the stale entry, so callers
// never have to invalidate explicitly after a mutation.
//
// Usage:
//
//	c := cache.New[key, result](1024, time.Minute)
//
//	if r, ok := c.Get(k, g.Version()); ok {
//		return r
//	}
//	r := compute()
//	c.Put(k, version, r)
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSize is used when New is given a non-positive size.
const DefaultSize = 1024

// Cache is a thread-safe LRU cache with optional TTL expiry.
type Cache[K comparable, V any] struct {
	mu sync.Mutex

	maxSize int
	ttl     time.Duration
	now     func() time.Time

	list  *list.List
	items map[K]*list.Element

	hits   atomic.Uint64
	misses atomic.Uint64
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	version   uint64
	expiresAt time.Time
}

// New creates a cache holding at most maxSize entries. A zero ttl disables
// expiry; entries then leave only by eviction or a version change.
func New[K comparable, V any](maxSize int, ttl time.Duration) *Cache[K, V] {
	if maxSize <= 0 {
		maxSize = DefaultSize
	}
	return &Cache[K, V]{
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		list:    list.New(),
		items:   make(map[K]*list.Element, maxSize),
	}
}

// Get returns the value cached for key at version.
func (c *Cache[K, V]) Get(key K, version uint64) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	e := elem.Value.(*entry[K, V])
	if e.version != version || (c.ttl > 0 && c.now().After(e.expiresAt)) {
		c.removeElement(elem)
		c.misses.Add(1)
		return zero, false
	}

	c.list.MoveToFront(elem)
	c.hits.Add(1)
	return e.value, true
}

// Put stores value for key at version, evicting the least recently used
// entry when the cache is full.
func (c *Cache[K, V]) Put(key K, version uint64, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}

	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry[K, V])
		e.value, e.version, e.expiresAt = value, version, expiresAt
		c.list.MoveToFront(elem)
		return
	}

	for c.list.Len() >= c.maxSize {
		c.removeElement(c.list.Back())
	}
	c.items[key] = c.list.PushFront(&entry[K, V]{
		key:       key,
		value:     value,
		version:   version,
		expiresAt: expiresAt,
	})
}

// Remove drops key.
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Clear drops every entry. Statistics are kept.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.items = make(map[K]*list.Element, c.maxSize)
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Stats returns hit and miss counts.
func (c *Cache[K, V]) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return Stats{
		Size:    c.Len(),
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
	}
}

// Stats holds cache performance statistics.
type Stats struct {
	Size    int     // Current number of entries
	MaxSize int     // Maximum capacity
	Hits    uint64  // Number of cache hits
	Misses  uint64  // Number of cache misses
	HitRate float64 // Hit rate percentage (0-100)
}

// removeElement unlinks elem. Caller must hold c.mu.
func (c *Cache[K, V]) removeElement(elem *list.Element) {
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*entry[K, V]).key)
}
