package similarity

import (
	"context"
	"sync"
)

// Cache stores embeddings by key. Keys come from hash.EmbeddingKey.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Put(ctx context.Context, key, model string, vec []float32) error
}

// MemoryCache is a bounded in-process LRU cache of embeddings.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string][]float32
	maxSize int
	order   []string // LRU order, oldest first
}

// NewMemoryCache creates a cache holding at most maxSize embeddings.
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryCache{
		entries: make(map[string][]float32),
		maxSize: maxSize,
		order:   make([]string, 0, maxSize),
	}
}

// Get returns a copy of the cached embedding.
func (c *MemoryCache) Get(_ context.Context, key string) ([]float32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	vec, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	c.moveToEnd(key)

	out := make([]float32, len(vec))
	copy(out, vec)
	return out, true, nil
}

// Put stores a copy of vec, evicting the least recently used entry when full.
func (c *MemoryCache) Put(_ context.Context, key, _ string, vec []float32) error {
	stored := make([]float32, len(vec))
	copy(stored, vec)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.entries[key] = stored
		c.moveToEnd(key)
		return nil
	}

	for len(c.entries) >= c.maxSize && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[key] = stored
	c.order = append(c.order, key)
	return nil
}

// Len returns the number of cached embeddings.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// moveToEnd marks key as most recently used. Caller holds c.mu.
func (c *MemoryCache) moveToEnd(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, key)
			return
		}
	}
}
