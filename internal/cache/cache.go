package cache

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/turnkeeper/internal/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config bounds a cache instance.
type Config struct {
	TTL      time.Duration
	Capacity int
}

// DefaultConfig returns the defaults used for query results.
func DefaultConfig() Config {
	return Config{
		TTL:      10 * time.Minute,
		Capacity: 100,
	}
}

// Entry is a cached value and the time it was stored.
type Entry[V any] struct {
	Key        string
	Value      V
	InsertedAt time.Time

	seq uint64
}

// Stats are cumulative counters for one cache instance.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

// Cache holds at most Capacity entries, each for at most TTL. When full,
// the entry inserted first is evicted; reads do not refresh an entry.
// Cache is safe for concurrent use.
type Cache[V any] struct {
	config  Config
	entries map[string]*Entry[V]
	stats   Stats
	seq     uint64
	clock   clock.Clock
	mu      sync.Mutex
	flight  singleflight.Group
	logger  *zap.Logger
}

// New creates a cache. Zero or negative bounds fall back to DefaultConfig.
func New[V any](cfg Config, c clock.Clock, logger *zap.Logger) *Cache[V] {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if c == nil {
		c = clock.Real()
	}
	return &Cache[V]{
		config:  cfg,
		entries: make(map[string]*Entry[V], cfg.Capacity),
		clock:   c,
		logger:  logger,
	}
}

// GetOrCompute returns the cached value for parts, or calls compute and
// caches its result. compute runs without the lock held, and concurrent
// misses on the same key share one call, made with the first caller's
// context. Its error is returned as-is and nothing is cached.
func (c *Cache[V]) GetOrCompute(ctx context.Context, parts KeyParts, compute func(context.Context) (V, error)) (V, error) {
	var zero V
	key, err := Fingerprint(parts)
	if err != nil {
		return zero, err
	}

	if v, ok := c.Get(key); ok {
		return v, nil
	}

	ch := c.flight.DoChan(key, func() (interface{}, error) {
		// A flight that finished after our miss may already have stored it.
		if v, ok := c.fresh(key); ok {
			return v, nil
		}
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(key, v)
		return v, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		if r.Shared {
			c.logger.Debug("cache miss shared", zap.String("key", key))
		}
		v, _ := r.Val.(V)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// fresh is Get without counting.
func (c *Cache[V]) fresh(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && c.clock.Now().Sub(e.InsertedAt) < c.config.TTL {
		return e.Value, true
	}
	var zero V
	return zero, false
}

// Get returns a fresh value for key. An expired entry is evicted and
// reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}
	if c.clock.Now().Sub(e.InsertedAt) >= c.config.TTL {
		delete(c.entries, key)
		c.stats.Expirations++
		c.stats.Misses++
		c.logger.Debug("cache entry expired", zap.String("key", key))
		var zero V
		return zero, false
	}
	c.stats.Hits++
	return e.Value, true
}

// Put stores v under key, evicting the oldest entry if the cache is full.
func (c *Cache[V]) Put(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.config.Capacity {
		c.evictOldest()
	}
	c.seq++
	c.entries[key] = &Entry[V]{
		Key:        key,
		Value:      v,
		InsertedAt: c.clock.Now(),
		seq:        c.seq,
	}
}

// evictOldest removes the entry with the smallest InsertedAt, breaking
// ties by insertion sequence. Callers hold c.mu.
func (c *Cache[V]) evictOldest() {
	var oldest *Entry[V]
	for _, e := range c.entries {
		if oldest == nil || e.InsertedAt.Before(oldest.InsertedAt) ||
			(e.InsertedAt.Equal(oldest.InsertedAt) && e.seq < oldest.seq) {
			oldest = e
		}
	}
	if oldest == nil {
		return
	}
	delete(c.entries, oldest.Key)
	c.stats.Evictions++
	c.logger.Debug("cache entry evicted", zap.String("key", oldest.Key))
}

// Len returns the number of stored entries, including expired ones not
// yet read.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge drops every entry.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry[V], c.config.Capacity)
}

// Stats returns a copy of the counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
