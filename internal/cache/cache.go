// Package cache is a TTL cache that lets at most one fetch per key run at a time.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a fetched leaderboard is served before it is fetched again.
const DefaultTTL = 900 * time.Second

// Key is a cache key. String must be unique per distinct key value: it names the
// in-flight fetch that concurrent callers join.
type Key interface {
	comparable
	String() string
}

// Entry is one fetched value. It is never modified after it is published.
type Entry[V any] struct {
	Value     V
	CreatedAt time.Time
}

// Expired reports whether the entry is older than ttl at now.
// An entry exactly ttl old is still fresh. ttl <= 0 never expires.
func (e *Entry[V]) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > ttl
}

// Age is how long ago the entry was fetched.
func (e *Entry[V]) Age(now time.Time) time.Duration { return now.Sub(e.CreatedAt) }

type FetchFunc[V any] func(ctx context.Context) (V, error)

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Stats are cumulative counters since the cache was created.
type Stats struct {
	Hits     uint64
	Misses   uint64
	Fetches  uint64
	Failures uint64
	Entries  int
}

type Cache[K Key, V any] struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[K]*Entry[V]

	group singleflight.Group

	hits     atomic.Uint64
	misses   atomic.Uint64
	fetches  atomic.Uint64
	failures atomic.Uint64
}

func New[K Key, V any](ttl time.Duration, opts ...Option) *Cache[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &Cache[K, V]{
		ttl:     ttl,
		now:     o.now,
		entries: make(map[K]*Entry[V]),
	}
}

func (c *Cache[K, V]) TTL() time.Duration { return c.ttl }

// Now is the cache clock.
func (c *Cache[K, V]) Now() time.Time { return c.now() }

// GetOrFetch returns the entry for key, calling fetch when it is missing,
// expired or force is set.
//
// Concurrent callers for the same key share one fetch and observe the same
// result. A failed fetch leaves any stored entry in place. The fetch itself is
// not canceled when ctx is; ctx only bounds how long this caller waits.
func (c *Cache[K, V]) GetOrFetch(ctx context.Context, key K, force bool, fetch FetchFunc[V]) (*Entry[V], error) {
	if !force {
		if e, ok := c.fresh(key); ok {
			c.hits.Add(1)
			return e, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.misses.Add(1)

	for {
		res, err := c.flight(ctx, key, force, fetch)
		if err != nil {
			return nil, err
		}
		// A forced caller that joined a flight which was satisfied from the map
		// has not seen a fetch yet; go again.
		if force && !res.fetched {
			continue
		}
		return res.entry, nil
	}
}

type flightResult[V any] struct {
	entry   *Entry[V]
	fetched bool
}

func (c *Cache[K, V]) flight(ctx context.Context, key K, force bool, fetch FetchFunc[V]) (flightResult[V], error) {
	ch := c.group.DoChan(key.String(), func() (any, error) {
		if !force {
			if e, ok := c.fresh(key); ok {
				return flightResult[V]{entry: e}, nil
			}
		}
		return c.fill(context.WithoutCancel(ctx), key, fetch)
	})

	select {
	case <-ctx.Done():
		return flightResult[V]{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return flightResult[V]{}, r.Err
		}
		return r.Val.(flightResult[V]), nil
	}
}

func (c *Cache[K, V]) fill(ctx context.Context, key K, fetch FetchFunc[V]) (res flightResult[V], err error) {
	c.fetches.Add(1)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cache: fetch %s panicked: %v", key.String(), r)
		}
		if err != nil {
			c.failures.Add(1)
		}
	}()

	v, err := fetch(ctx)
	if err != nil {
		return flightResult[V]{}, err
	}
	e := &Entry[V]{Value: v, CreatedAt: c.now()}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return flightResult[V]{entry: e, fetched: true}, nil
}

func (c *Cache[K, V]) fresh(key K) (*Entry[V], bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || e.Expired(c.now(), c.ttl) {
		return nil, false
	}
	return e, true
}

// Peek returns the stored entry for key regardless of age.
func (c *Cache[K, V]) Peek(key K) (*Entry[V], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Fetches:  c.fetches.Load(),
		Failures: c.failures.Load(),
		Entries:  c.Len(),
	}
}
