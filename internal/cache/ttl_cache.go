package cache

import (
	"sync"
	"time"
)

// Cache is a concurrency-safe key/value store with per-entry expiry.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	// SetIfAbsent stores value unless a live entry exists and reports whether it stored.
	SetIfAbsent(key K, value V, ttl time.Duration) bool
	// Update applies fn to the live value (zero when absent) and stores the result.
	Update(key K, ttl time.Duration, fn func(current V, ok bool) V) V
	Delete(key K)
	// Purge drops expired entries and returns how many were removed.
	Purge() int
	Len() int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]entry[V]
	now   func() time.Time
}

// NewTTLCache returns an in-memory cache. A zero ttl never expires.
func NewTTLCache[K comparable, V any]() Cache[K, V] {
	return NewTTLCacheWithClock[K, V](time.Now)
}

func NewTTLCacheWithClock[K comparable, V any](now func() time.Time) Cache[K, V] {
	if now == nil {
		now = time.Now
	}
	return &ttlCache[K, V]{items: map[K]entry[V]{}, now: now}
}

func (c *ttlCache[K, V]) live(key K, at time.Time) (entry[V], bool) {
	e, ok := c.items[key]
	if !ok {
		return e, false
	}
	if !e.expiresAt.IsZero() && !at.Before(e.expiresAt) {
		delete(c.items, key)
		return e, false
	}
	return e, true
}

func (c *ttlCache[K, V]) expiry(ttl time.Duration, at time.Time) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return at.Add(ttl)
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(key, c.now())
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.items[key] = entry[V]{value: value, expiresAt: c.expiry(ttl, now)}
}

func (c *ttlCache[K, V]) SetIfAbsent(key K, value V, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if _, ok := c.live(key, now); ok {
		return false
	}
	c.items[key] = entry[V]{value: value, expiresAt: c.expiry(ttl, now)}
	return true
}

func (c *ttlCache[K, V]) Update(key K, ttl time.Duration, fn func(current V, ok bool) V) V {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e, ok := c.live(key, now)
	next := fn(e.value, ok)
	c.items[key] = entry[V]{value: next, expiresAt: c.expiry(ttl, now)}
	return next
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *ttlCache[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, e := range c.items {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

func (c *ttlCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
