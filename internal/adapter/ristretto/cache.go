// Package ristretto implements the cache port using dgraph-io/ristretto as an
// in-process cache of source file bytes.
package ristretto

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// averageSourceSize is the expected size of one cached PHP file, used to
// size the admission counters.
const averageSourceSize = 4 << 10

// A single file may take at most 1/maxEntryShare of the budget.
const maxEntryShare = 8

// Stats summarizes cache effectiveness over the life of a Cache.
type Stats struct {
	Hits     uint64
	Misses   uint64
	Rejected uint64 // files too large to cache or refused by admission
}

// Cache keeps recently read source files in memory, costed by size.
type Cache struct {
	c         *ristretto.Cache[string, []byte]
	maxEntry  int64
	oversized atomic.Uint64
}

// New creates a source cache holding at most maxCostBytes of file content.
func New(maxCostBytes int64) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: max(maxCostBytes/averageSourceSize*10, 1000),
		MaxCost:     maxCostBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c, maxEntry: max(maxCostBytes/maxEntryShare, 1)}, nil
}

// Get returns the cached bytes for key.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	data, ok = c.c.Get(key)
	return data, ok, nil
}

// Set caches value for ttl. Oversized values are skipped. An admitted value
// is visible to the next Get.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	cost := int64(len(value))
	if cost > c.maxEntry {
		c.oversized.Add(1)
		return nil
	}
	if c.c.SetWithTTL(key, value, cost, ttl) {
		c.c.Wait()
	}
	return nil
}

// Delete evicts key.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Stats reports hit, miss and rejection counts.
func (c *Cache) Stats() Stats {
	m := c.c.Metrics
	return Stats{
		Hits:     m.Hits(),
		Misses:   m.Misses(),
		Rejected: m.SetsRejected() + m.SetsDropped() + c.oversized.Load(),
	}
}

// Close releases the cache.
func (c *Cache) Close() {
	c.c.Close()
}
