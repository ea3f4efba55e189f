package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Item is a cached value with expiration.
type Item[V any] struct {
	Value     V
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsExpired checks if the cache item has expired
func (item *Item[V]) IsExpired() bool {
	return time.Now().After(item.ExpiresAt)
}

// Cache is a thread-safe in-memory cache with TTL support
type Cache[V any] struct {
	mu              sync.RWMutex
	items           map[string]*Item[V]
	defaultTTL      time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// New creates a cache with default TTL and starts background cleanup.
func New[V any](defaultTTL time.Duration) *Cache[V] {
	interval := defaultTTL / 2
	if interval <= 0 {
		interval = time.Minute
	}
	c := &Cache[V]{
		items:           make(map[string]*Item[V]),
		defaultTTL:      defaultTTL,
		cleanupInterval: interval,
		stopCleanup:     make(chan struct{}),
	}

	go c.cleanup()

	return c
}

// Get retrieves a value from cache
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.items[key]
	if !exists || item.IsExpired() {
		var zero V
		return zero, false
	}
	return item.Value, true
}

// Set stores a value in cache with default TTL
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a value in cache with custom TTL
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &Item[V]{
		Value:     value,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
}

// Delete removes a key from cache
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes all items from cache
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*Item[V])
}

// Invalidate removes keys with the given prefix, or every expired item
// when the prefix is empty.
func (c *Cache[V]) Invalidate(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, item := range c.items {
		if prefix == "" {
			if item.IsExpired() {
				delete(c.items, key)
			}
			continue
		}
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
}

func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Invalidate("")
		case <-c.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (c *Cache[V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}

// Size returns the number of items in cache, expired ones included.
func (c *Cache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats returns cache statistics
type Stats struct {
	Size      int
	Expired   int
	TotalKeys int
}

// GetStats returns cache statistics
func (c *Cache[V]) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{TotalKeys: len(c.items)}
	for _, item := range c.items {
		if item.IsExpired() {
			stats.Expired++
		}
	}
	stats.Size = stats.TotalKeys - stats.Expired
	return stats
}

// GetOrSet returns the cached value for key or loads it. Only successful
// loads are stored; errors are returned and never cached. A ttl <= 0 uses
// the cache default.
func (c *Cache[V]) GetOrSet(ctx context.Context, key string, load func(context.Context) (V, error), ttl time.Duration) (V, bool, error) {
	if value, found := c.Get(key); found {
		return value, true, nil
	}

	value, err := load(ctx)
	if err != nil {
		var zero V
		return zero, false, err
	}

	if ttl > 0 {
		c.SetWithTTL(key, value, ttl)
	} else {
		c.Set(key, value)
	}
	return value, false, nil
}
