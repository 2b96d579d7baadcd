// Package resource manages shared, system-wide limits on expensive handles —
// today, the set of open read-only segment file descriptors.
package resource

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fluxlog/spu/internal/segment"
)

// SegmentCache bounds the number of sealed segments kept open system-wide,
// closing the least recently used one whenever a new segment is loaded past
// capacity.
type SegmentCache struct {
	mu    sync.Mutex
	inner *lru.Cache[string, *segment.Segment]
}

// NewSegmentCache returns a cache holding at most capacity open segments.
func NewSegmentCache(capacity int) *SegmentCache {
	if capacity <= 0 {
		capacity = 500
	}

	c := &SegmentCache{}
	inner, err := lru.NewWithEvict(capacity, func(_ string, seg *segment.Segment) {
		_ = seg.Close()
	})
	if err != nil {
		// Only returns an error for capacity <= 0, already guarded above.
		panic(err)
	}
	c.inner = inner
	return c
}

// GetOrLoad returns the cached segment for key, or loads and caches it.
func (c *SegmentCache) GetOrLoad(key string, loader func() (*segment.Segment, error)) (*segment.Segment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seg, ok := c.inner.Get(key); ok {
		return seg, nil
	}

	seg, err := loader()
	if err != nil {
		return nil, err
	}

	c.inner.Add(key, seg)
	return seg, nil
}

// Remove evicts key from the cache, closing its segment if present.
func (c *SegmentCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Remove(key)
}

// Close closes every cached segment.
func (c *SegmentCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Purge()
	return nil
}
