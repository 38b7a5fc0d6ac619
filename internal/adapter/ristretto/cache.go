// Package ristretto implements the in-memory L1 of the object cache using
// dgraph-io/ristretto.
package ristretto

import (
	"context"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache keeps hot objects in memory. Objects larger than the per-item limit
// are never admitted. After Close every call is a miss or a no-op.
type Cache struct {
	c       *ristretto.Cache[string, []byte]
	maxItem int64
	closed  atomic.Bool
}

// New creates a cache holding at most maxCostBytes of values. maxItemBytes
// caps a single value; zero means maxCostBytes/8.
func New(maxCostBytes, maxItemBytes int64) (*Cache, error) {
	if maxItemBytes <= 0 {
		maxItemBytes = maxCostBytes / 8
	}
	counters := maxCostBytes / 1024 * 10 // ~10x expected items of 1 KiB
	if counters < 1000 {
		counters = 1000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: counters,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c, maxItem: maxItemBytes}, nil
}

// Get retrieves a value.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	if c.closed.Load() {
		return nil, false, nil
	}
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores value if it fits the per-item limit; an oversized value
// removes any older entry for key. Set waits until the value is visible.
func (c *Cache) Set(_ context.Context, key string, value []byte) error {
	if c.closed.Load() {
		return nil
	}
	if int64(len(value)) > c.maxItem {
		c.c.Del(key)
		return nil
	}
	c.c.Set(key, value, int64(len(value)))
	c.c.Wait()
	return nil
}

// Delete removes a value.
func (c *Cache) Delete(_ context.Context, key string) error {
	if c.closed.Load() {
		return nil
	}
	c.c.Del(key)
	return nil
}

// Clear drops every value.
func (c *Cache) Clear() {
	if c.closed.Load() {
		return
	}
	c.c.Clear()
}

// Close releases the cache. It is safe to call more than once.
func (c *Cache) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.c.Close()
}
