package store

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedStore memoizes Get. Pipeline descriptions never change after insert,
// so entries only expire to bound memory.
type CachedStore struct {
	Store
	cache *cache.Cache
}

// NewCachedStore wraps s with a Get cache holding entries for ttl.
func NewCachedStore(s Store, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedStore{
		Store: s,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (c *CachedStore) Get(ctx context.Context, id string) (*Pipeline, error) {
	if x, found := c.cache.Get(id); found {
		p := *x.(*Pipeline)
		return &p, nil
	}
	p, err := c.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	stored := *p
	c.cache.Set(id, &stored, cache.DefaultExpiration)
	return p, nil
}

func (c *CachedStore) Insert(ctx context.Context, p *Pipeline) error {
	if err := c.Store.Insert(ctx, p); err != nil {
		return err
	}
	stored := *p
	c.cache.Set(p.ID, &stored, cache.DefaultExpiration)
	return nil
}

// Len reports the number of cached pipelines.
func (c *CachedStore) Len() int {
	return c.cache.ItemCount()
}
