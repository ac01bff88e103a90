// ABOUTME: Thread-safe TTL cache for deduplicating inbound chat messages.
// ABOUTME: Prevents a replayed and a live-polled copy of the same message from both being handled.

package dedupe

import (
	"container/list"
	"strconv"
	"sync"
	"time"
)

// cacheEntry stores the timestamp and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache provides a thread-safe, TTL-based, size-limited cache for tracking
// seen message keys. Keys are namespaced by the caller (account:messageID)
// so a single cache can serve multiple accounts without interference.
// Expired entries are swept lazily when an insert finds the cache at its
// size bound; there is no background goroutine to manage.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
}

// New creates a dedupe cache with the given TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Key builds the canonical dedupe key for a message on an account.
func Key(accountID string, messageID int64) string {
	return accountID + ":" + strconv.FormatInt(messageID, 10)
}

// Check returns true if the key has been seen and is not expired.
func (c *Cache) Check(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	if !ok {
		return false
	}
	return time.Since(entry.timestamp) < c.ttl
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen (duplicate), false if it's new
// and now marked. The atomicity is what upholds the at-most-once dispatch
// guarantee when replay and live polling observe the same message.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if ok && time.Since(entry.timestamp) < c.ttl {
		return true
	}

	c.markLocked(key)
	return false
}

// Mark records that a key has been seen.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// markLocked is the internal mark implementation. Must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := time.Now()

	// If key already exists, refresh timestamp and move to back
	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	// At capacity: first sweep expired entries, then fall back to
	// evicting the oldest if the sweep freed nothing.
	if len(c.seen) >= c.maxSize {
		c.sweepExpiredLocked(now)
		if len(c.seen) >= c.maxSize {
			c.evictOldestLocked()
		}
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		timestamp: now,
		element:   elem,
	}
}

// sweepExpiredLocked removes entries older than the TTL, scanning from the
// front of the order list. Entries are only ever refreshed-and-moved-to-back,
// so the scan stops at the first unexpired entry. Must be called with mu held.
func (c *Cache) sweepExpiredLocked(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		key, _ := front.Value.(string)
		entry := c.seen[key]
		if entry == nil || now.Sub(entry.timestamp) <= c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

// evictOldestLocked removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// Len reports the number of live entries, including any expired but not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}
