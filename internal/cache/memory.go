package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter"

	"github.com/vitalpath/journey/internal/observability"
)

// MemoryCache is the L1 tier: a process-local, contention-free S3-FIFO cache
// provided by otter. Entries expire after the configured TTL, which bounds
// staleness when a cross-instance invalidation message is missed.
type MemoryCache[V any] struct {
	store otter.Cache[string, V]
}

// NewMemoryCache builds an L1 cache holding at most capacity entries.
func NewMemoryCache[V any](capacity int, ttl time.Duration) (*MemoryCache[V], error) {
	store, err := otter.MustBuilder[string, V](capacity).
		WithTTL(ttl).
		DeletionListener(func(_ string, _ V, cause otter.DeletionCause) {
			if cause == otter.Size {
				observability.CacheEvictions.Inc()
			}
		}).
		Build()
	if err != nil {
		return nil, err
	}
	return &MemoryCache[V]{store: store}, nil
}

// Get returns the cached value and whether it was present.
func (c *MemoryCache[V]) Get(key string) (V, bool) {
	v, ok := c.store.Get(key)
	if ok {
		observability.CacheHits.WithLabelValues(tierL1).Inc()
	} else {
		observability.CacheMisses.WithLabelValues(tierL1).Inc()
	}
	return v, ok
}

// Set stores value under key. otter may reject the write under contention,
// which is acceptable for a cache.
func (c *MemoryCache[V]) Set(key string, value V) {
	c.store.Set(key, value)
}

// Del removes key.
func (c *MemoryCache[V]) Del(key string) {
	c.store.Delete(key)
}

// Len reports the current number of entries.
func (c *MemoryCache[V]) Len() int {
	return c.store.Size()
}

// Close stops otter's background goroutines.
func (c *MemoryCache[V]) Close() {
	c.store.Close()
}

// RunMetricsCollector exports the entry count every interval until ctx is done.
func (c *MemoryCache[V]) RunMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		observability.CacheItems.Set(float64(c.store.Size()))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
