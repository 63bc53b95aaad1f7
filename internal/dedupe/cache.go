// ABOUTME: Thread-safe TTL cache for idempotent message sends.
// ABOUTME: Keys move from reserved to completed so a retried send returns the original result.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Status describes what Reserve found for a key.
type Status int

const (
	// StatusReserved means the key was free and now belongs to the caller,
	// who must follow up with Complete or Release.
	StatusReserved Status = iota
	// StatusPending means another caller holds the reservation.
	StatusPending
	// StatusDone means the key completed earlier; the stored value is returned.
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusReserved:
		return "reserved"
	case StatusPending:
		return "pending"
	case StatusDone:
		return "done"
	default:
		return "unknown"
	}
}

// cacheEntry stores the timestamp, list element and result for a cached key.
type cacheEntry[V any] struct {
	timestamp time.Time
	element   *list.Element
	value     V
	done      bool
}

// Cache is a thread-safe, TTL-based, size-limited map of idempotency keys
// to results. A doubly-linked list keeps insertion order for eviction.
//
// Only completed entries expire or get evicted. A reservation lives until
// its holder calls Complete or Release, so the cache may briefly exceed
// maxSize while many sends are in flight.
type Cache[V any] struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry[V]
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache[V]{
		seen:    make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Reserve atomically claims key. When the key is already known and not
// expired, it reports whether the earlier holder is still in flight or has
// completed, returning the completed value in the latter case.
func (c *Cache[V]) Reserve(key string) (V, Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		if !entry.done {
			var zero V
			return zero, StatusPending
		}
		if time.Since(entry.timestamp) < c.ttl {
			return entry.value, StatusDone
		}
	}

	c.storeLocked(key, func(e *cacheEntry[V]) {
		var zero V
		e.value = zero
		e.done = false
	})
	var zero V
	return zero, StatusReserved
}

// Complete records the result for key and restarts its TTL.
func (c *Cache[V]) Complete(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.storeLocked(key, func(e *cacheEntry[V]) {
		e.value = value
		e.done = true
	})
}

// Release drops a reservation so the key can be claimed again.
func (c *Cache[V]) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// storeLocked upserts key and applies set. Must be called with mu held.
func (c *Cache[V]) storeLocked(key string, set func(e *cacheEntry[V])) {
	now := time.Now()

	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		set(entry)
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry[V]{
		timestamp: now,
		element:   c.order.PushBack(key),
	}
	set(entry)
	c.seen[key] = entry
}

// evictOldest removes the oldest completed entry, skipping reservations
// still in flight. Must be called with mu held.
func (c *Cache[V]) evictOldest() {
	for el := c.order.Front(); el != nil; el = el.Next() {
		key, _ := el.Value.(string)
		if entry := c.seen[key]; entry != nil && !entry.done {
			continue
		}
		c.order.Remove(el)
		delete(c.seen, key)
		return
	}
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired completed entries from the cache.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if entry.done && now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
