package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"clinical-fhir-extractor/internal/index"

	lru "github.com/hashicorp/golang-lru/v2"
)

// QueryCache memoises query embeddings. Document chunk embeddings always go
// to the wrapped embedder, so no document content is held across requests.
type QueryCache struct {
	inner  index.Embedder
	cache  *lru.Cache[string, []float32]
	hits   atomic.Int64
	misses atomic.Int64
}

func NewQueryCache(inner index.Embedder, size int) (*QueryCache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("query cache size must be greater than zero")
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("init query cache: %w", err)
	}
	return &QueryCache{inner: inner, cache: cache}, nil
}

func (c *QueryCache) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.inner.Embed(ctx, text)
}

func (c *QueryCache) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if vec, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return cloneVector(vec), nil
	}
	c.misses.Add(1)

	var (
		vec []float32
		err error
	)
	if qe, ok := c.inner.(index.QueryEmbedder); ok {
		vec, err = qe.EmbedQuery(ctx, text)
	} else {
		vec, err = c.inner.Embed(ctx, text)
	}
	if err != nil {
		return nil, err
	}
	if len(vec) > 0 {
		c.cache.Add(key, cloneVector(vec))
	}
	return vec, nil
}

// Stats returns cache hits and misses since start.
func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func cloneVector(src []float32) []float32 {
	if len(src) == 0 {
		return nil
	}
	dst := make([]float32, len(src))
	copy(dst, src)
	return dst
}
