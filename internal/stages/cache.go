package stages

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"casetrack/internal/domain"
)

// CachedResolver memoizes resolutions for a bounded time. It is owned by
// whoever constructs it; call Purge after the catalog changes.
type CachedResolver struct {
	next  StageResolver
	cache *expirable.LRU[string, []domain.StageDefinition]
}

func NewCachedResolver(next StageResolver, size int, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		next:  next,
		cache: expirable.NewLRU[string, []domain.StageDefinition](size, nil, ttl),
	}
}

func (c *CachedResolver) Resolve(ctx context.Context, caseType, subtype string) ([]domain.StageDefinition, error) {
	key := domain.Normalize(caseType) + "|" + domain.Normalize(subtype)
	if hit, ok := c.cache.Get(key); ok {
		return clone(hit), nil
	}
	defs, err := c.next.Resolve(ctx, caseType, subtype)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, clone(defs))
	return defs, nil
}

// Purge drops every cached resolution.
func (c *CachedResolver) Purge() {
	c.cache.Purge()
}

func (c *CachedResolver) Len() int {
	return c.cache.Len()
}

func clone(defs []domain.StageDefinition) []domain.StageDefinition {
	out := make([]domain.StageDefinition, len(defs))
	copy(out, defs)
	return out
}
