package dedup

import (
	"context"
	"sync"

	"github.com/golang/groupcache/lru"
)

// MemoryCache is an in-process LRU of mutation ids. Lookups count as use and
// refresh an id's recency, as does recording an id already present.
type MemoryCache struct {
	mu    sync.Mutex
	items *lru.Cache
}

func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryCache{items: lru.New(capacity)}
}

func (c *MemoryCache) Seen(_ context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items.Get(id)
	return ok, nil
}

func (c *MemoryCache) Record(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Add(id, struct{}{})
	return nil
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

func (c *MemoryCache) Ping(context.Context) error { return nil }
