// Package cache defines the port interface for caching source file contents.
package cache

import (
	"context"
	"strconv"
	"time"
)

// Cache is the port interface for key-value caching.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// SourceKey identifies one version of a file's bytes. A file rewritten in
// place gets a new key, so stale entries are never served.
func SourceKey(path string, modTime time.Time, size int64) string {
	return "src:" + path + ":" + strconv.FormatInt(modTime.UnixNano(), 10) + ":" + strconv.FormatInt(size, 10)
}
