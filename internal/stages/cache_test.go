package stages

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casetrack/internal/domain"
)

type countingResolver struct {
	calls atomic.Int32
	next  StageResolver
}

func (c *countingResolver) Resolve(ctx context.Context, caseType, subtype string) ([]domain.StageDefinition, error) {
	c.calls.Add(1)
	return c.next.Resolve(ctx, caseType, subtype)
}

func TestCachedResolverHitsAndPurge(t *testing.T) {
	inner := &countingResolver{next: Resolver{Catalog: procurementCatalog()}}
	cached := NewCachedResolver(inner, 16, time.Minute)
	ctx := context.Background()

	first, err := cached.Resolve(ctx, "open-tender", "own-funds")
	require.NoError(t, err)
	second, err := cached.Resolve(ctx, " OPEN-TENDER", "own-funds ")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), inner.calls.Load())

	// callers may mutate what they get back
	second[0].Title = "changed"
	third, err := cached.Resolve(ctx, "open-tender", "own-funds")
	require.NoError(t, err)
	assert.NotEqual(t, "changed", third[0].Title)

	cached.Purge()
	assert.Zero(t, cached.Len())
	_, err = cached.Resolve(ctx, "open-tender", "own-funds")
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestCachedResolverExpires(t *testing.T) {
	inner := &countingResolver{next: Resolver{Catalog: procurementCatalog()}}
	cached := NewCachedResolver(inner, 16, 20*time.Millisecond)
	ctx := context.Background()

	_, err := cached.Resolve(ctx, "direct-award", "")
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = cached.Resolve(ctx, "direct-award", "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestCachedResolverDoesNotCacheErrors(t *testing.T) {
	inner := &countingResolver{next: Resolver{Catalog: failingCatalog{err: assert.AnError}}}
	cached := NewCachedResolver(inner, 16, time.Minute)
	for i := 0; i < 2; i++ {
		_, err := cached.Resolve(context.Background(), "open-tender", "")
		require.Error(t, err)
	}
	assert.Equal(t, int32(2), inner.calls.Load())
}
