package embed

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

const defaultCacheSize = 1000

// EmbeddingCache is a bounded LRU cache of embedding vectors keyed by a
// hash of model name and text.
type EmbeddingCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List
	maxSize int

	hits      int64
	misses    int64
	evictions int64
}

type cacheItem struct {
	key    string
	vector []float32
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Entries   int     `json:"entries"`
	MaxSize   int     `json:"max_size"`
	HitRate   float64 `json:"hit_rate"`
}

// NewEmbeddingCache creates a cache holding at most maxSize vectors.
func NewEmbeddingCache(maxSize int) *EmbeddingCache {
	if maxSize <= 0 {
		maxSize = defaultCacheSize
	}
	return &EmbeddingCache{
		items:   make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
	}
}

// Key derives the cache key for a model and text.
func (c *EmbeddingCache) Key(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a copy of the cached vector and marks it recently used.
func (c *EmbeddingCache) Get(model, text string) ([]float32, bool) {
	key := c.Key(model, text)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.order.MoveToFront(el)

	vec := el.Value.(*cacheItem).vector
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, true
}

// Set stores a copy of vector, evicting the least recently used entry
// when full.
func (c *EmbeddingCache) Set(model, text string, vector []float32) {
	key := c.Key(model, text)
	vec := make([]float32, len(vector))
	copy(vec, vector)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*cacheItem).vector = vec
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheItem).key)
		c.evictions++
	}
	c.items[key] = c.order.PushFront(&cacheItem{key: key, vector: vec})
}

// Size returns the current number of entries in the cache.
func (c *EmbeddingCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear removes all entries and resets statistics.
func (c *EmbeddingCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// Stats returns a snapshot of cache statistics.
func (c *EmbeddingCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   c.order.Len(),
		MaxSize:   c.maxSize,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
