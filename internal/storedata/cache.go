package storedata

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

// DefaultTTL is how long a cached listing stays fresh.
const DefaultTTL = 5 * time.Minute

// ErrSuperseded is returned to a caller whose fetch was cancelled by a newer request for
// the same key.
var ErrSuperseded = errors.New("superseded by a newer request")

type cacheEntry struct {
	carts   []model.AbandonedCart
	total   int
	expires time.Time
}

type call struct {
	cancel context.CancelFunc
}

type listing struct {
	carts []model.AbandonedCart
	total int
}

// Resolver is implemented by providers that can serve background readers without letting
// interactive requests cancel them.
type Resolver interface {
	Resolve(ctx context.Context, storeID string, f model.CartFilter) ([]model.AbandonedCart, int, error)
}

// Cache wraps a Provider with a TTL cache keyed by store and filter. A newer request for a
// key that is still being fetched cancels the older fetch.
type Cache struct {
	src Provider
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	entries  map[string]cacheEntry
	inflight map[string]*call

	shared singleflight.Group
}

func NewCache(src Provider, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		src:      src,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[string]cacheEntry),
		inflight: make(map[string]*call),
	}
}

// cacheKey hashes the filter with its age bounds truncated to the minute, so audiences
// evaluated moments apart share an entry.
func cacheKey(storeID string, f model.CartFilter) string {
	if f.AbandonedAfter != nil {
		t := f.AbandonedAfter.Truncate(time.Minute)
		f.AbandonedAfter = &t
	}
	if f.AbandonedBefore != nil {
		t := f.AbandonedBefore.Truncate(time.Minute)
		f.AbandonedBefore = &t
	}
	raw, _ := json.Marshal(f)
	sum := sha256.Sum256(raw)
	return storeID + ":" + hex.EncodeToString(sum[:8])
}

func (c *Cache) AbandonedCarts(ctx context.Context, storeID string, f model.CartFilter) ([]model.AbandonedCart, int, error) {
	key := cacheKey(storeID, f)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.carts, e.total, nil
	}
	if prev := c.inflight[key]; prev != nil {
		prev.cancel()
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	mine := &call{cancel: cancel}
	c.inflight[key] = mine
	c.mu.Unlock()

	defer cancel()
	carts, total, err := c.src.AbandonedCarts(fetchCtx, storeID, f)

	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.inflight[key] == mine
	if current {
		delete(c.inflight, key)
	}
	if !current && ctx.Err() == nil {
		return nil, 0, ErrSuperseded
	}
	if err != nil {
		return nil, 0, err
	}
	c.store(key, carts, total)
	return carts, total, nil
}

// Resolve is AbandonedCarts for the campaign engine. Concurrent callers with the same key
// share one fetch, and newer AbandonedCarts requests never cancel it.
func (c *Cache) Resolve(ctx context.Context, storeID string, f model.CartFilter) ([]model.AbandonedCart, int, error) {
	key := cacheKey(storeID, f)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.carts, e.total, nil
	}
	c.mu.Unlock()

	// the fetch outlives any single caller giving up
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.shared.DoChan(key, func() (interface{}, error) {
		carts, total, err := c.src.AbandonedCarts(fetchCtx, storeID, f)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.store(key, carts, total)
		c.mu.Unlock()
		return listing{carts: carts, total: total}, nil
	})
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, 0, res.Err
		}
		l := res.Val.(listing)
		return l.carts, l.total, nil
	}
}

// store must be called with c.mu held.
func (c *Cache) store(key string, carts []model.AbandonedCart, total int) {
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{carts: carts, total: total, expires: now.Add(c.ttl)}
}

// Invalidate drops every cached listing for storeID.
func (c *Cache) Invalidate(storeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := storeID + ":"
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

var (
	_ Provider = (*Cache)(nil)
	_ Resolver = (*Cache)(nil)
)
