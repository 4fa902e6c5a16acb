package governor

import (
	"context"
	"sync"
	"time"

	"github.com/quotaguard/quotaguard/internal/core"
)

type cacheEntry struct {
	key        string
	value      any
	insertedAt time.Time
}

// Cache is a time-bounded result store. Expired entries are dropped lazily on
// lookup, and optionally by a janitor goroutine.
type Cache struct {
	TTL        time.Duration
	MaxEntries int
	Clock      func() time.Time

	mu        sync.Mutex
	entries   map[string]*cacheEntry
	hits      uint64
	misses    uint64
	evictions uint64
}

// NewCache builds a cache with the given TTL and entry bound (0 = unbounded).
func NewCache(ttl time.Duration, maxEntries int) *Cache {
	return &Cache{
		TTL:        ttl,
		MaxEntries: maxEntries,
		entries:    make(map[string]*cacheEntry),
	}
}

// Get returns the stored value if it has not expired.
func (c *Cache) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if !c.liveLocked(entry, c.now()) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}

	c.hits++
	return entry.value, true
}

// Set inserts or overwrites an entry stamped with the current time.
func (c *Cache) Set(key string, value any) {
	if c == nil || c.TTL <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries == nil {
		c.entries = make(map[string]*cacheEntry)
	}

	now := c.now()
	if _, exists := c.entries[key]; !exists && c.MaxEntries > 0 && len(c.entries) >= c.MaxEntries {
		c.makeRoomLocked(now)
	}
	c.entries[key] = &cacheEntry{key: key, value: value, insertedAt: now}
}

// Clear removes every entry.
func (c *Cache) Clear() {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a copy of the cache counters.
func (c *Cache) Stats() core.CacheStats {
	if c == nil {
		return core.CacheStats{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return core.CacheStats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Sweep removes all expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	if c == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

// StartJanitor sweeps expired entries every interval until ctx is done.
// The returned channel is closed once the goroutine has exited.
func (c *Cache) StartJanitor(ctx context.Context, every time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if c == nil || every <= 0 {
		close(done)
		return done
	}

	ticker := time.NewTicker(every)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
	return done
}

func (c *Cache) liveLocked(entry *cacheEntry, now time.Time) bool {
	return now.Sub(entry.insertedAt) < c.TTL
}

func (c *Cache) sweepLocked(now time.Time) int {
	removed := 0
	for key, entry := range c.entries {
		if !c.liveLocked(entry, now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// makeRoomLocked drops expired entries first, then the oldest insertion.
func (c *Cache) makeRoomLocked(now time.Time) {
	if c.sweepLocked(now) > 0 && len(c.entries) < c.MaxEntries {
		return
	}

	var oldest *cacheEntry
	for _, entry := range c.entries {
		if oldest == nil || entry.insertedAt.Before(oldest.insertedAt) {
			oldest = entry
		}
	}
	if oldest != nil {
		delete(c.entries, oldest.key)
		c.evictions++
	}
}

func (c *Cache) now() time.Time {
	if c != nil && c.Clock != nil {
		return c.Clock()
	}
	return time.Now().UTC()
}
