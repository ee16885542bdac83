package kernel

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arsenal/kernrt/internal/utils"
	"golang.org/x/exp/slog"
)

// Cache holds compiled kernels keyed by KernelID so that each variant is compiled once
type Cache[V any] struct {
	logger *slog.Logger

	mutex   utils.OptionalRWMutex
	buckets *swiss.Map[uint64, []cacheEntry[V]]
	count   int

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheEntry[V any] struct {
	id    KernelID
	value V
}

// NewCache creates an empty cache. A synchronized cache may be shared between goroutines.
func NewCache[V any](logger *slog.Logger, synchronized bool) *Cache[V] {
	return &Cache[V]{
		logger:  utils.LoggerOrDiscard(logger),
		mutex:   utils.OptionalRWMutex{Enabled: synchronized},
		buckets: swiss.NewMap[uint64, []cacheEntry[V]](32),
	}
}

func (c *Cache[V]) lookup(id KernelID, hash uint64) (V, bool) {
	bucket, ok := c.buckets.Get(hash)
	if ok {
		for _, entry := range bucket {
			if entry.id.Equal(id) {
				return entry.value, true
			}
		}
	}

	var zero V
	return zero, false
}

// Get returns the cached value for id, if there is one
func (c *Cache[V]) Get(id KernelID) (V, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.lookup(id, id.Hash())
}

// FetchOrInsert returns the cached value for id, calling compile to produce and store it when
// the cache has none. A failed compilation is returned and nothing is stored.
func (c *Cache[V]) FetchOrInsert(id KernelID, compile func() (V, error)) (V, error) {
	hash := id.Hash()

	c.mutex.RLock()
	value, ok := c.lookup(id, hash)
	c.mutex.RUnlock()
	if ok {
		c.hits.Add(1)
		return value, nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	// Someone else may have compiled it while we waited for the lock
	value, ok = c.lookup(id, hash)
	if ok {
		c.hits.Add(1)
		return value, nil
	}

	c.misses.Add(1)
	value, err := compile()
	if err != nil {
		var zero V
		return zero, errors.Wrapf(err, "compiling kernel %s", id.StableFormat())
	}

	bucket, _ := c.buckets.Get(hash)
	c.buckets.Put(hash, append(bucket, cacheEntry[V]{id: id, value: value}))
	c.count++

	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "Cache::FetchOrInsert compiled kernel",
		slog.String("kernel", id.StableFormat()),
		slog.Int("cached", c.count),
	)

	return value, nil
}

func (c *Cache[V]) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.count
}

// Keys lists the ids of every cached kernel
func (c *Cache[V]) Keys() []KernelID {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	keys := make([]KernelID, 0, c.count)
	c.buckets.Iter(func(_ uint64, bucket []cacheEntry[V]) bool {
		for _, entry := range bucket {
			keys = append(keys, entry.id)
		}
		return false
	})
	return keys
}

func (c *Cache[V]) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.buckets.Clear()
	c.count = 0
}

func (c *Cache[V]) Hits() uint64   { return c.hits.Load() }
func (c *Cache[V]) Misses() uint64 { return c.misses.Load() }
