// Package reputation keeps the bounded cache of client addresses that
// recently passed the DNSBL check, so repeat visitors skip the lookup.
package reputation

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	// DefaultMaxSize is the cache size used when none is configured.
	DefaultMaxSize = 2048
	// MaxSize is the hard upper bound for any configured cache size.
	MaxSize = 16384
)

// Entry is a cached client address and the last time it was seen.
type Entry struct {
	Addr     string
	LastSeen time.Time
}

// Cache maps client addresses to their last-seen time. The cache never
// expires entries on its own: a stale entry stays until it is touched
// again or evicted to make room.
//
// Eviction drops the least recently touched entries first.
type Cache struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, time.Time]
	now func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}

	c.lru = mustNewLRU()
	initMetrics()
	return c
}

// Touch records a sighting of addr. A known address has its timestamp
// refreshed. A new address is inserted after making room: with
// budget = max(1, maxSize/10), entries are evicted while
// size+budget > maxSize, so the cache never grows past maxSize.
func (c *Cache) Touch(addr string, maxSize int) {
	maxSize = clampSize(maxSize)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.lru.Contains(addr) {
		c.lru.Add(addr, now)
		return
	}

	budget := maxSize / 10
	if budget < 1 {
		budget = 1
	}
	for c.lru.Len()+budget > maxSize {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}

	c.lru.Add(addr, now)
	setEntries(c.lru.Len())
}

// Lookup returns the entry for addr without changing its recency.
func (c *Cache) Lookup(addr string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen, ok := c.lru.Peek(addr)
	if !ok {
		return Entry{}, false
	}
	return Entry{Addr: addr, LastSeen: seen}, true
}

// IsFresh reports whether e was seen less than validity ago. An entry
// exactly validity old is stale.
func (c *Cache) IsFresh(e Entry, validity time.Duration) bool {
	return e.LastSeen.After(c.now().Add(-validity))
}

// Len returns the number of cached addresses.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	// a fresh LRU keeps the purge out of the eviction counter
	c.lru = mustNewLRU()
	setEntries(0)
}

// mustNewLRU sizes the LRU to the global ceiling so it never evicts on its
// own; capacity per scope is enforced by Touch.
func mustNewLRU() *simplelru.LRU[string, time.Time] {
	lru, err := simplelru.NewLRU[string, time.Time](MaxSize, func(string, time.Time) {
		incEvicted()
	})
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	return lru
}

func clampSize(n int) int {
	if n <= 0 {
		return DefaultMaxSize
	}
	if n > MaxSize {
		return MaxSize
	}
	return n
}
