package storedata

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/cartrecovery-backend/internal/model"
	"github.com/unclebandit/cartrecovery-backend/internal/repository"
)

type countingProvider struct {
	calls int32
	inner Provider
}

func (p *countingProvider) AbandonedCarts(ctx context.Context, storeID string, f model.CartFilter) ([]model.AbandonedCart, int, error) {
	atomic.AddInt32(&p.calls, 1)
	return p.inner.AbandonedCarts(ctx, storeID, f)
}

func seeded(t *testing.T) *repository.MemoryCartRepository {
	t.Helper()
	repo := repository.NewMemoryCartRepository()
	for _, id := range []string{"u1", "u2"} {
		require.NoError(t, repo.Upsert(context.Background(), &model.AbandonedCart{StoreID: "s1", CustomerID: id, AbandonedAt: time.Now()}))
	}
	return repo
}

func TestCacheHitsWithinTTL(t *testing.T) {
	src := &countingProvider{inner: &RepositoryProvider{Repo: seeded(t)}}
	cache := NewCache(src, time.Minute)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return clock }
	ctx := context.Background()

	carts, total, err := cache.AbandonedCarts(ctx, "s1", model.CartFilter{})
	require.NoError(t, err)
	assert.Len(t, carts, 2)
	assert.Equal(t, 2, total)

	_, _, err = cache.AbandonedCarts(ctx, "s1", model.CartFilter{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls)

	// a different page is a different key
	_, _, err = cache.AbandonedCarts(ctx, "s1", model.CartFilter{Offset: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls)

	clock = clock.Add(2 * time.Minute)
	_, _, err = cache.AbandonedCarts(ctx, "s1", model.CartFilter{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.calls)
}

func TestCacheInvalidate(t *testing.T) {
	repo := seeded(t)
	src := &countingProvider{inner: &RepositoryProvider{Repo: repo}}
	cache := NewCache(src, time.Hour)
	ctx := context.Background()

	_, _, err := cache.AbandonedCarts(ctx, "s1", model.CartFilter{})
	require.NoError(t, err)

	require.NoError(t, repo.Upsert(ctx, &model.AbandonedCart{StoreID: "s1", CustomerID: "u3", AbandonedAt: time.Now()}))
	cache.Invalidate("s1")

	_, total, err := cache.AbandonedCarts(ctx, "s1", model.CartFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, int32(2), src.calls)
}

type blockingProvider struct {
	entered chan struct{}
	first   int32
}

func (p *blockingProvider) AbandonedCarts(ctx context.Context, storeID string, f model.CartFilter) ([]model.AbandonedCart, int, error) {
	if atomic.CompareAndSwapInt32(&p.first, 0, 1) {
		close(p.entered)
		<-ctx.Done()
		return nil, 0, ctx.Err()
	}
	return []model.AbandonedCart{{CustomerID: "fresh"}}, 1, nil
}

func TestCacheNewerRequestSupersedesInFlight(t *testing.T) {
	src := &blockingProvider{entered: make(chan struct{})}
	cache := NewCache(src, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, firstErr = cache.AbandonedCarts(ctx, "s1", model.CartFilter{})
	}()
	<-src.entered

	carts, _, err := cache.AbandonedCarts(ctx, "s1", model.CartFilter{})
	require.NoError(t, err)
	assert.Equal(t, "fresh", carts[0].CustomerID)

	wg.Wait()
	assert.ErrorIs(t, firstErr, ErrSuperseded)
}

// gatedProvider holds every fetch until release is closed.
type gatedProvider struct {
	calls   int32
	release chan struct{}
}

func (p *gatedProvider) AbandonedCarts(ctx context.Context, storeID string, f model.CartFilter) ([]model.AbandonedCart, int, error) {
	atomic.AddInt32(&p.calls, 1)
	select {
	case <-p.release:
		return []model.AbandonedCart{{CustomerID: "u1"}}, 1, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

func TestResolveIsSharedAndNotSuperseded(t *testing.T) {
	src := &gatedProvider{release: make(chan struct{})}
	cache := NewCache(src, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = cache.Resolve(ctx, "s1", model.CartFilter{})
		}()
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&src.calls) == 1 }, time.Second, time.Millisecond)

	// a listing request for the same key starts its own fetch and cancels nothing
	listed := make(chan error, 1)
	go func() {
		_, _, err := cache.AbandonedCarts(ctx, "s1", model.CartFilter{})
		listed <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&src.calls) == 2 }, time.Second, time.Millisecond)

	close(src.release)
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.NoError(t, <-listed)
	assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls))
}
