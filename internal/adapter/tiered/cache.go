// Package tiered puts an in-memory L1 in front of the authoritative object
// store.
package tiered

import (
	"context"
	"log/slog"

	"github.com/Strob0t/hostagent/internal/port/cache"
)

// Cache combines an L1 (in-process) and an L2 (authoritative) cache.
// Get checks L1 first, then L2, backfilling L1 on an L2 hit. Writes go to L2
// first; an L1 failure is logged and never fails the write.
type Cache struct {
	l1 cache.Cache
	l2 cache.Cache
}

// New creates a tiered cache.
func New(l1, l2 cache.Cache) *Cache {
	return &Cache{l1: l1, l2: l2}
}

// Get checks L1, then L2.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err == nil && found {
		return val, true, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	if err := c.l1.Set(ctx, key, val); err != nil {
		slog.Debug("l1 backfill failed", "key", key, "error", err)
	}
	return val, true, nil
}

// Set writes L2, then L1.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	if err := c.l2.Set(ctx, key, value); err != nil {
		return err
	}
	if err := c.l1.Set(ctx, key, value); err != nil {
		slog.Debug("l1 set failed", "key", key, "error", err)
	}
	return nil
}

// Delete removes key from L1, then L2.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	return c.l2.Delete(ctx, key)
}

// Invalidate drops key from L1 only, after L2 changed underneath.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	_ = c.l1.Delete(ctx, key)
}
