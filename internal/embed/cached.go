package embed

import (
	"context"
	"fmt"
)

// CachedProvider wraps an embedding provider with an LRU cache.
type CachedProvider struct {
	inner Provider
	cache *EmbeddingCache
}

// WithCache wraps a Provider with an EmbeddingCache of cacheSize entries.
func WithCache(p Provider, cacheSize int) *CachedProvider {
	return NewCachedProvider(p, NewEmbeddingCache(cacheSize))
}

// NewCachedProvider creates a CachedProvider with an existing cache instance.
func NewCachedProvider(p Provider, cache *EmbeddingCache) *CachedProvider {
	return &CachedProvider{
		inner: p,
		cache: cache,
	}
}

// Embed returns the cached vector for text or computes and stores it.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	model := c.inner.Model()
	if cached, found := c.cache.Get(model, text); found {
		return cached, nil
	}

	embedding, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(model, text, embedding)
	return embedding, nil
}

// EmbedBatch embeds only the texts missing from the cache.
func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	model := c.inner.Model()
	results := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		if cached, found := c.cache.Get(model, text); found {
			results[i] = cached
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, NewProviderError("cache", "embedBatch",
			fmt.Errorf("provider returned %d embeddings for %d texts", len(fresh), len(missTexts)))
	}

	for i, idx := range missIdx {
		results[idx] = fresh[i]
		c.cache.Set(model, missTexts[i], fresh[i])
	}
	return results, nil
}

// Model returns the name of the embedding model being used.
func (c *CachedProvider) Model() string {
	return c.inner.Model()
}

// Dimensions returns the dimensionality of the embedding vectors.
func (c *CachedProvider) Dimensions() int {
	return c.inner.Dimensions()
}

// Ping checks if the provider is available and the model is loaded.
func (c *CachedProvider) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

// Stats returns cache statistics.
func (c *CachedProvider) Stats() CacheStats {
	return c.cache.Stats()
}
