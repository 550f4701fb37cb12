package notifier

import (
	"container/list"
	"sync"
	"time"
)

// DedupCache suppresses repeated alerts for the same event key inside a
// sliding per-key window. Memory is bounded by recent distinct keys.
//
// It is safe for concurrent use.
type DedupCache struct {
	mu         sync.Mutex
	window     time.Duration
	maxEntries int
	entries    map[string]*list.Element
	// order holds *dedupEntry in reservation order, oldest at the front.
	order *list.List
}

type dedupEntry struct {
	key string
	at  time.Time
}

func NewDedupCache(window time.Duration, maxEntries int) *DedupCache {
	if maxEntries <= 0 {
		maxEntries = 2000
	}
	return &DedupCache{
		window:     window,
		maxEntries: maxEntries,
		entries:    map[string]*list.Element{},
		order:      list.New(),
	}
}

// Configure changes the window and cap. Existing entries are kept.
func (c *DedupCache) Configure(window time.Duration, maxEntries int) {
	c.mu.Lock()
	c.window = window
	if maxEntries > 0 {
		c.maxEntries = maxEntries
	}
	c.mu.Unlock()
}

// CheckAndReserve returns true and stamps key with now when no live entry exists.
// A live entry makes it return false without touching the entry.
func (c *DedupCache) CheckAndReserve(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.window <= 0 || key == "" {
		return true
	}
	if el, ok := c.entries[key]; ok {
		if now.Sub(el.Value.(*dedupEntry).at) < c.window {
			return false
		}
		c.removeLocked(el)
	}
	c.entries[key] = c.order.PushBack(&dedupEntry{key: key, at: now})
	c.pruneLocked(now)
	return true
}

// Release drops the reservation made at stamp. A newer reservation for the same
// key is left alone.
func (c *DedupCache) Release(key string, stamp time.Time) {
	c.mu.Lock()
	if el, ok := c.entries[key]; ok && el.Value.(*dedupEntry).at.Equal(stamp) {
		c.removeLocked(el)
	}
	c.mu.Unlock()
}

// Sweep removes expired entries and returns how many were dropped.
func (c *DedupCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if now.Sub(el.Value.(*dedupEntry).at) >= c.window {
			c.removeLocked(el)
			n++
		}
		el = next
	}
	return n
}

func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// pruneLocked drops expired entries from the front, then evicts the oldest
// reservations while over the cap. Each entry is removed at most once, so a
// reserve costs amortized O(1).
func (c *DedupCache) pruneLocked(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*dedupEntry).at) < c.window && len(c.entries) <= c.maxEntries {
			return
		}
		c.removeLocked(el)
	}
}

func (c *DedupCache) removeLocked(el *list.Element) {
	delete(c.entries, el.Value.(*dedupEntry).key)
	c.order.Remove(el)
}
