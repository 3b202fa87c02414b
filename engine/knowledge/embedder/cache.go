package embedder

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/crmkit/knowledge/engine/core"
)

// Cached memoizes vectors by the sha256 of the input text.
type Cached struct {
	next  Embedder
	cache *lru.Cache[string, []float32]
}

func NewCached(next Embedder, size int) (*Cached, error) {
	if next == nil {
		return nil, errors.New("embedder: cached embedder requires a delegate")
	}
	if size <= 0 {
		return nil, fmt.Errorf("embedder: cache size must be greater than zero, got %d", size)
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("embedder: init cache: %w", err)
	}
	return &Cached{next: next, cache: cache}, nil
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := validateInput(text); err != nil {
		return nil, err
	}
	key := core.HashText(text)
	if vector, ok := c.cache.Get(key); ok {
		recordCacheHit(ctx)
		return core.CloneVector(vector), nil
	}
	recordCacheMiss(ctx)
	vector, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, core.CloneVector(vector))
	return vector, nil
}

// Len returns the number of cached vectors.
func (c *Cached) Len() int {
	return c.cache.Len()
}
