// Package cache defines the port for the cached object stores of the cache
// server.
package cache

import (
	"context"
	"time"
)

// Cache is a key/value store of cached objects. Keys are validated by the
// caller and never contain path separators.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Entry describes one stored object.
type Entry struct {
	Key     string    `json:"key"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}
