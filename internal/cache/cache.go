package cache

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"
)

// Cache provides thread-safe in-memory caching with TTL. Values that hold
// external resources can be released through an eviction hook.
type Cache[V any] struct {
	entries map[string]*Entry[V]
	mutex   sync.RWMutex
	onEvict func(key string, value V)

	// loadMu serializes GetOrLoad so a value is built at most once per expiry
	loadMu sync.Mutex
	now    func() time.Time
}

// Entry represents a cached item with metadata
type Entry[V any] struct {
	Key       string    `json:"key"`
	Value     V         `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Source    string    `json:"source"`
}

// Option configures a Cache
type Option[V any] func(*Cache[V])

// WithEvictHook registers fn to run whenever an entry is replaced, deleted,
// cleared or cleaned up. It is called without the cache lock held.
func WithEvictHook[V any](fn func(key string, value V)) Option[V] {
	return func(c *Cache[V]) {
		c.onEvict = fn
	}
}

// WithClock overrides time.Now, for tests
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) {
		c.now = now
	}
}

// NewCache creates a new in-memory cache
func NewCache[V any](opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		entries: make(map[string]*Entry[V]),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set stores a value with the given TTL. A TTL of zero never expires.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration, source string) {
	now := c.now()
	entry := &Entry[V]{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		Source:    source,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	c.mutex.Lock()
	old, replaced := c.entries[key]
	c.entries[key] = entry
	c.mutex.Unlock()

	if replaced {
		c.evict(old)
	}
}

// Get retrieves a value if present and not stale
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mutex.RLock()
	entry, exists := c.entries[key]
	c.mutex.RUnlock()

	if !exists || c.expired(entry) {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// GetOrLoad returns the cached value for key, building and storing it with
// load when it is missing or stale
func (c *Cache[V]) GetOrLoad(key string, ttl time.Duration, source string, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	// Another caller may have loaded it while we waited
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err := load()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v, ttl, source)
	return v, nil
}

func (c *Cache[V]) expired(entry *Entry[V]) bool {
	return !entry.ExpiresAt.IsZero() && c.now().After(entry.ExpiresAt)
}

// Delete removes an entry from cache
func (c *Cache[V]) Delete(key string) {
	c.mutex.Lock()
	entry, exists := c.entries[key]
	delete(c.entries, key)
	c.mutex.Unlock()

	if exists {
		c.evict(entry)
	}
}

// Clear removes all entries from cache
func (c *Cache[V]) Clear() {
	c.mutex.Lock()
	old := c.entries
	c.entries = make(map[string]*Entry[V])
	c.mutex.Unlock()

	for _, entry := range old {
		c.evict(entry)
	}
}

// Stats returns cache statistics
func (c *Cache[V]) Stats() Stats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	stats := Stats{
		TotalEntries: len(c.entries),
	}

	for _, entry := range c.entries {
		if c.expired(entry) {
			stats.StaleEntries++
		} else {
			stats.FreshEntries++
		}

		if stats.OldestEntry.IsZero() || entry.CreatedAt.Before(stats.OldestEntry) {
			stats.OldestEntry = entry.CreatedAt
		}
		if entry.CreatedAt.After(stats.NewestEntry) {
			stats.NewestEntry = entry.CreatedAt
		}
	}

	return stats
}

// CleanupStale removes all stale entries from cache
func (c *Cache[V]) CleanupStale() int {
	c.mutex.Lock()
	var stale []*Entry[V]
	for key, entry := range c.entries {
		if c.expired(entry) {
			delete(c.entries, key)
			stale = append(stale, entry)
		}
	}
	c.mutex.Unlock()

	for _, entry := range stale {
		c.evict(entry)
	}
	return len(stale)
}

// StartPeriodicCleanup evicts expired entries every interval until ctx is
// done. name labels the log lines.
func (c *Cache[V]) StartPeriodicCleanup(ctx context.Context, name string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go c.cleanupLoop(ctx, name, interval)
}

func (c *Cache[V]) cleanupLoop(ctx context.Context, name string, interval time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			err, _ := errors.ParseStack(debug.Stack())
			logging.Errorw(ctx, "Cache cleanup panicked", "cache", name,
				"error", r, "error.stack_trace", err.MinimalStack(3, 5))
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if removed := c.CleanupStale(); removed > 0 {
			logging.Infow(ctx, "Evicted expired cache entries", "cache", name, "removed", removed)
		}
	}
}

func (c *Cache[V]) evict(entry *Entry[V]) {
	if c.onEvict != nil {
		c.onEvict(entry.Key, entry.Value)
	}
}

// Stats provides cache usage statistics
type Stats struct {
	TotalEntries int
	FreshEntries int
	StaleEntries int
	OldestEntry  time.Time
	NewestEntry  time.Time
}
