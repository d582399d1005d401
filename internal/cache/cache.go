// Package cache stores classifier logits keyed by input text.
package cache

import (
	"sync"

	"github.com/zeebo/xxh3"
)

// Key identifies a cached text within a namespace (dataset or model).
type Key = xxh3.Uint128

// KeyFor hashes namespace and text into a cache key.
func KeyFor(namespace, text string) Key {
	h := xxh3.New()
	_, _ = h.WriteString(namespace)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(text)
	return h.Sum128()
}

// LogitCache defines a generic interface for caching logits.
type LogitCache interface {
	// Get retrieves logits from the cache.
	Get(key Key) ([]float32, bool)
	// Put stores logits in the cache.
	Put(key Key, logits []float32)
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is an in-memory LogitCache. With a positive capacity the oldest
// entry is evicted first.
type MapCache struct {
	mu       sync.RWMutex
	data     map[Key][]float32
	order    []Key
	next     int
	capacity int
}

// NewMapCache creates a cache holding at most capacity entries; zero means
// unbounded.
func NewMapCache(capacity int) *MapCache {
	c := &MapCache{
		data:     make(map[Key][]float32),
		capacity: capacity,
	}
	if capacity > 0 {
		c.order = make([]Key, 0, capacity)
	}
	return c
}

func (c *MapCache) Get(key Key) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return copy to avoid modification of cached value
	if v, ok := c.data[key]; ok {
		dst := make([]float32, len(v))
		copy(dst, v)
		return dst, true
	}
	return nil, false
}

func (c *MapCache) Put(key Key, logits []float32) {
	dst := make([]float32, len(logits))
	copy(dst, logits)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data[key]; ok || c.capacity <= 0 {
		c.data[key] = dst
		return
	}
	if len(c.order) < c.capacity {
		c.order = append(c.order, key)
	} else {
		delete(c.data, c.order[c.next])
		c.order[c.next] = key
		c.next = (c.next + 1) % c.capacity
	}
	c.data[key] = dst
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
