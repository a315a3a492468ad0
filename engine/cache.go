package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"progresskit/core"
)

// FetchFunc loads the authoritative value for a cache key from the remote
// source. It must respect ctx; the cache bounds every call with a timeout.
type FetchFunc[T any] func(ctx context.Context, key string) (T, error)

// DefaultFetchTimeout bounds a single refresh attempt.
const DefaultFetchTimeout = 10 * time.Second

// Cache wraps a remotely-sourced collection with a TTL and a per-key
// single-flight refresh guard.
//
// Read semantics: a fresh entry is returned directly. A stale entry starts
// exactly one background refresh and is returned immediately
// (stale-while-revalidate); an absent entry blocks the caller until the
// first fetch completes. ForceRefresh always blocks on a refresh and is
// the only path that surfaces fetch errors to passive-read callers.
type Cache[T any] struct {
	name    string
	ttl     time.Duration
	fetch   FetchFunc[T]
	timeout time.Duration
	now     func() time.Time

	// optional snapshot persistence so a restart serves the last good
	// value without a network round trip
	snapshots Storage
	snapPrefix string

	mu      sync.Mutex
	entries map[string]*cacheEntry[T]
}

type cacheEntry[T any] struct {
	value     T
	hasValue  bool
	fetchedAt time.Time
	inFlight  bool
	// gen invalidates stragglers: a refresh result only lands if no newer
	// refresh or Invalidate superseded it while the fetch was running.
	gen     uint64
	done    chan struct{}
	lastErr error
	primed  bool
}

// CacheOption configures a Cache.
type CacheOption[T any] func(*Cache[T])

// WithCacheClock injects a time source for tests.
func WithCacheClock[T any](now func() time.Time) CacheOption[T] {
	return func(c *Cache[T]) { c.now = now }
}

// WithFetchTimeout bounds each refresh attempt.
func WithFetchTimeout[T any](d time.Duration) CacheOption[T] {
	return func(c *Cache[T]) { c.timeout = d }
}

// WithSnapshots persists fetched values through store under
// prefix+"/"+key and primes cold entries from the last snapshot.
func WithSnapshots[T any](store Storage, prefix string) CacheOption[T] {
	return func(c *Cache[T]) {
		c.snapshots = store
		c.snapPrefix = prefix
	}
}

// NewCache builds a cache named for logging/snapshot purposes.
func NewCache[T any](name string, ttl time.Duration, fetch FetchFunc[T], opts ...CacheOption[T]) *Cache[T] {
	if fetch == nil {
		panic("NewCache requires a fetch func")
	}
	c := &Cache[T]{
		name:    name,
		ttl:     ttl,
		fetch:   fetch,
		timeout: DefaultFetchTimeout,
		now:     func() time.Time { return time.Now().UTC() },
		entries: map[string]*cacheEntry[T]{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached value for key under stale-while-revalidate
// semantics. Only a cold entry whose very first fetch fails returns the
// fetch error; once a value exists, passive callers never see failures.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, error) {
	c.mu.Lock()
	e := c.ensureEntry(ctx, key)
	if e.hasValue && c.now().Sub(e.fetchedAt) < c.ttl {
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	if !e.inFlight {
		c.startRefresh(key, e)
	}
	if e.hasValue {
		// stale value served immediately while the refresh runs
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	done := e.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e.hasValue {
		return e.value, nil
	}
	var zero T
	if e.lastErr != nil {
		return zero, fmt.Errorf("cache %s key %s: %v: %w", c.name, key, e.lastErr, core.ErrRemoteUnavailable)
	}
	return zero, fmt.Errorf("cache %s key %s: %w", c.name, key, core.ErrRemoteUnavailable)
}

// ForceRefresh blocks until the in-flight refresh (or a newly started one)
// completes and reports its error. The stale value, if any, is returned
// alongside a refresh failure.
func (c *Cache[T]) ForceRefresh(ctx context.Context, key string) (T, error) {
	c.mu.Lock()
	e := c.ensureEntry(ctx, key)
	if !e.inFlight {
		c.startRefresh(key, e)
	}
	done := e.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e.lastErr != nil {
		return e.value, fmt.Errorf("cache %s key %s: %v: %w", c.name, key, e.lastErr, core.ErrRemoteUnavailable)
	}
	return e.value, nil
}

// Invalidate abandons any in-flight refresh for key and marks the entry
// stale. A late result from the abandoned fetch is discarded.
func (c *Cache[T]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	e.gen++
	if e.inFlight {
		e.inFlight = false
		close(e.done)
	}
	e.fetchedAt = time.Time{}
}

// FetchedAt reports when key was last successfully refreshed.
func (c *Cache[T]) FetchedAt(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.hasValue {
		return time.Time{}, false
	}
	return e.fetchedAt, true
}

// ensureEntry returns the entry for key, creating and snapshot-priming it
// on first touch. Callers must hold c.mu.
func (c *Cache[T]) ensureEntry(ctx context.Context, key string) *cacheEntry[T] {
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry[T]{}
		c.entries[key] = e
	}
	if !e.primed {
		e.primed = true
		c.primeFromSnapshot(ctx, key, e)
	}
	return e
}

func (c *Cache[T]) primeFromSnapshot(ctx context.Context, key string, e *cacheEntry[T]) {
	if c.snapshots == nil {
		return
	}
	data, fetchedAt, ok, err := c.snapshots.GetSnapshot(ctx, c.snapKey(key))
	if err != nil || !ok {
		return
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		// treat an unreadable snapshot as absent; the next fetch replaces it
		return
	}
	e.value = v
	e.hasValue = true
	e.fetchedAt = fetchedAt
}

func (c *Cache[T]) snapKey(key string) string {
	if c.snapPrefix == "" {
		return c.name + "/" + key
	}
	return c.snapPrefix + "/" + key
}

// startRefresh launches the single in-flight fetch for key. Callers must
// hold c.mu and have checked e.inFlight.
func (c *Cache[T]) startRefresh(key string, e *cacheEntry[T]) {
	e.inFlight = true
	e.gen++
	gen := e.gen
	e.done = make(chan struct{})
	done := e.done

	go func() {
		fctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		v, err := c.fetch(fctx, key)

		c.mu.Lock()
		if e.gen != gen {
			// superseded by Invalidate or a newer refresh; discard
			c.mu.Unlock()
			return
		}
		e.inFlight = false
		if err != nil {
			e.lastErr = err
		} else {
			e.value = v
			e.hasValue = true
			e.fetchedAt = c.now()
			e.lastErr = nil
		}
		close(done)
		c.mu.Unlock()

		if err == nil && c.snapshots != nil {
			if data, merr := json.Marshal(v); merr == nil {
				sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = c.snapshots.PutSnapshot(sctx, c.snapKey(key), data, c.now())
				scancel()
			}
		}
	}()
}
