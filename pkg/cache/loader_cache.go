// Package cache provides a generic loader cache combining LRU storage with
// singleflight, so a burst of concurrent misses for one key runs a single
// load that everyone shares.
package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// LoaderCache loads values on miss via a callback. Concurrent misses for the
// same key are coalesced: one load runs, the rest wait for its result.
type LoaderCache[V any] struct {
	lru   *lru.Cache[string, V]
	group singleflight.Group
}

// NewLoaderCache creates a loader cache holding at most maxEntries values.
func NewLoaderCache[V any](maxEntries int) (*LoaderCache[V], error) {
	lruCache, err := lru.New[string, V](maxEntries)
	if err != nil {
		return nil, err
	}

	return &LoaderCache[V]{lru: lruCache}, nil
}

// Lookup returns the value for key, loading it on miss. The second return
// reports whether the value came from cache, for metrics at the call site.
func (c *LoaderCache[V]) Lookup(ctx context.Context, key string, load func(context.Context) (V, error)) (V, bool, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, true, nil
	}

	val, err, _ := c.group.Do(key, func() (any, error) {
		loaded, loadErr := load(ctx)
		if loadErr != nil {
			var zero V
			return zero, loadErr
		}

		c.lru.Add(key, loaded)

		return loaded, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}

	return val.(V), false, nil
}

// Invalidate removes the entry for key.
func (c *LoaderCache[V]) Invalidate(key string) {
	c.lru.Remove(key)
}

// Purge removes all entries.
func (c *LoaderCache[V]) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached entries.
func (c *LoaderCache[V]) Len() int {
	return c.lru.Len()
}
