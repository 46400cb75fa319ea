package aggregator

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"
)

// Lookup outcomes reported to CacheOptions.OnLookup.
const (
	OutcomeHit    = "hit"
	OutcomeMiss   = "miss"
	OutcomeShared = "shared"
)

// Eviction reasons reported to CacheOptions.OnEvict.
const (
	EvictCapacity = "capacity"
	EvictIdle     = "idle"
	EvictExpired  = "expired"
)

// CacheOptions bound a Cache. Zero TTI or TTL disables that bound.
type CacheOptions struct {
	Capacity int
	TTI      time.Duration // time to idle, since last access
	TTL      time.Duration // time to live, since insertion
	Clock    clock.Clock

	OnLookup func(outcome string)
	OnEvict  func(reason string)
}

type cacheEntry[V any] struct {
	value    V
	created  time.Time
	accessed time.Time
}

// Cache is a bounded, time-limited map populated on demand. Concurrent
// misses on the same key share a single call to the loader and all callers
// see its result. Get is the only way entries are added.
type Cache[K comparable, V any] struct {
	mu  sync.Mutex
	lru *simplelru.LRU[K, cacheEntry[V]]

	group singleflight.Group
	opts  CacheOptions

	// evictReason labels the next simplelru eviction callback. Anything
	// not tagged is a capacity eviction.
	evictReason string
}

// NewCache creates a cache holding at most opts.Capacity entries.
func NewCache[K comparable, V any](opts CacheOptions) (*Cache[K, V], error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	c := &Cache[K, V]{opts: opts}

	inner, err := simplelru.NewLRU[K, cacheEntry[V]](opts.Capacity, c.onEvicted)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c.lru = inner
	return c, nil
}

func (c *Cache[K, V]) onEvicted(K, cacheEntry[V]) {
	reason := c.evictReason
	if reason == "" {
		reason = EvictCapacity
	}
	if c.opts.OnEvict != nil {
		c.opts.OnEvict(reason)
	}
}

// Get returns the cached value for key, calling load on a miss.
func (c *Cache[K, V]) Get(key K, load func(K) V) V {
	if v, ok := c.lookup(key); ok {
		c.observe(OutcomeHit)
		return v
	}

	loaded := false
	res, _, _ := c.group.Do(fmt.Sprint(key), func() (any, error) {
		// A call that finished just before this one may have filled it.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		loaded = true
		v := load(key)
		c.store(key, v)
		return v, nil
	})

	if loaded {
		c.observe(OutcomeMiss)
	} else {
		c.observe(OutcomeShared)
	}
	return res.(V)
}

func (c *Cache[K, V]) lookup(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}

	now := c.opts.Clock.Now()
	switch {
	case c.opts.TTL > 0 && now.Sub(e.created) >= c.opts.TTL:
		c.removeLocked(key, EvictExpired)
		return zero, false
	case c.opts.TTI > 0 && now.Sub(e.accessed) >= c.opts.TTI:
		c.removeLocked(key, EvictIdle)
		return zero, false
	}

	e.accessed = now
	c.lru.Add(key, e)
	return e.value, true
}

func (c *Cache[K, V]) store(key K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Clock.Now()
	c.lru.Add(key, cacheEntry[V]{value: v, created: now, accessed: now})
}

func (c *Cache[K, V]) removeLocked(key K, reason string) {
	c.evictReason = reason
	c.lru.Remove(key)
	c.evictReason = ""
}

// Len reports the number of entries, including ones that have expired but
// not yet been looked up.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache[K, V]) observe(outcome string) {
	if c.opts.OnLookup != nil {
		c.opts.OnLookup(outcome)
	}
}
