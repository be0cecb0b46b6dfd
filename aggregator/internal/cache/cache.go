// Package cache holds short-lived snapshots of read query results.
//
// Entries belong to a generation. InvalidateAll swaps in a fresh
// generation atomically, so a reader sees either the old or the new
// state, and a load that started before the swap stores into the retired
// generation where no reader looks. Concurrent misses on one key within a
// generation share one load.
package cache

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Stats are cumulative counters.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Invalidations int64 `json:"invalidations"`
	Entries       int   `json:"entries"`
}

type entry[V any] struct {
	value   V
	expires time.Time
}

type generation[V any] struct {
	id      uint64
	mu      sync.RWMutex
	entries map[string]entry[V]
}

// Cache is a generational TTL cache. The zero value is not usable; call New.
type Cache[V any] struct {
	gen        atomic.Pointer[generation[V]]
	nextGen    atomic.Uint64
	maxEntries int
	now        func() time.Time
	group      singleflight.Group

	hits, misses, invalidations atomic.Int64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	maxEntries int
	now        func() time.Time
}

// WithMaxEntries bounds the entries per generation. Puts beyond the bound
// are dropped. Default: 1024.
func WithMaxEntries(n int) Option { return func(o *options) { o.maxEntries = n } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New creates an empty cache.
func New[V any](opts ...Option) *Cache[V] {
	o := options{maxEntries: 1024, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	c := &Cache[V]{maxEntries: o.maxEntries, now: o.now}
	c.gen.Store(c.newGeneration())
	return c
}

func (c *Cache[V]) newGeneration() *generation[V] {
	return &generation[V]{id: c.nextGen.Add(1), entries: make(map[string]entry[V])}
}

// Get returns the live snapshot stored under key.
func (c *Cache[V]) Get(key string) (V, bool) {
	if v, ok := c.gen.Load().get(key, c.now()); ok {
		c.hits.Add(1)
		return v, true
	}
	c.misses.Add(1)
	var zero V
	return zero, false
}

// Put stores v under key for ttl. A non-positive ttl stores nothing.
func (c *Cache[V]) Put(key string, v V, ttl time.Duration) {
	c.gen.Load().put(key, v, c.now().Add(ttl), ttl, c.maxEntries)
}

// InvalidateAll retires every entry.
func (c *Cache[V]) InvalidateAll() {
	c.gen.Store(c.newGeneration())
	c.invalidations.Add(1)
}

// GetOrLoad returns the snapshot under key, calling load on a miss and
// storing its result for ttl. Errors from load are returned and not cached.
func (c *Cache[V]) GetOrLoad(key string, ttl time.Duration, load func() (V, error)) (V, error) {
	g := c.gen.Load()
	if v, ok := g.get(key, c.now()); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)

	sfKey := strconv.FormatUint(g.id, 10) + "/" + key
	res, err, _ := c.group.Do(sfKey, func() (any, error) {
		v, err := load()
		if err != nil {
			return v, err
		}
		g.put(key, v, c.now().Add(ttl), ttl, c.maxEntries)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Stats returns the counters and the size of the live generation.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
		Entries:       c.gen.Load().len(),
	}
}

func (g *generation[V]) get(key string, now time.Time) (V, bool) {
	g.mu.RLock()
	e, ok := g.entries[key]
	g.mu.RUnlock()
	if !ok || !now.Before(e.expires) {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (g *generation[V]) put(key string, v V, expires time.Time, ttl time.Duration, max int) {
	if ttl <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.entries[key]; !exists && max > 0 && len(g.entries) >= max {
		g.evictExpired(expires.Add(-ttl))
		if len(g.entries) >= max {
			return
		}
	}
	g.entries[key] = entry[V]{value: v, expires: expires}
}

func (g *generation[V]) evictExpired(now time.Time) {
	for k, e := range g.entries {
		if !now.Before(e.expires) {
			delete(g.entries, k)
		}
	}
}

func (g *generation[V]) len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}
