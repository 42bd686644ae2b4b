package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/realmgate/internal/swr"
)

// Cached is a TTL read-through cache in front of a FlagStore.
//
// Stale-while-revalidate: an expired entry is still returned immediately and
// one background goroutine refreshes it from the backing store. Writes go
// through to the backing store before the cache is updated, and a read that
// raced a write is never cached over it.
type Cached struct {
	inner     FlagStore
	cache     *swr.Cache[flagValue]
	logger    *zap.Logger
	refreshes sync.WaitGroup
}

type flagValue struct {
	value string
	found bool // false = negative entry (key absent in backing store)
}

// NewCached wraps inner with a cache of the given TTL (default 30s).
func NewCached(inner FlagStore, ttl time.Duration, logger *zap.Logger) *Cached {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{inner: inner, cache: swr.New[flagValue](ttl), logger: logger}
}

func (c *Cached) Get(ctx context.Context, key string) (string, bool, error) {
	if res := c.cache.Get(key); res.Hit {
		if res.NeedsRefresh {
			c.refreshes.Add(1)
			go c.refresh(key)
		}
		return res.Value.value, res.Value.found, nil
	}

	tok := c.cache.Begin()
	v, found, err := c.inner.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	c.cache.Fill(key, flagValue{value: v, found: found}, tok)
	return v, found, nil
}

func (c *Cached) Set(ctx context.Context, key, value string) error {
	if err := c.inner.Set(ctx, key, value); err != nil {
		return err
	}
	c.cache.Set(key, flagValue{value: value, found: true})
	return nil
}

func (c *Cached) Delete(ctx context.Context, keys ...string) error {
	if err := c.inner.Delete(ctx, keys...); err != nil {
		return err
	}
	c.cache.Delete(keys...)
	return nil
}

func (c *Cached) DeletePrefix(ctx context.Context, prefix string) error {
	if err := c.inner.DeletePrefix(ctx, prefix); err != nil {
		return err
	}
	c.cache.DeleteFunc(func(k string) bool { return strings.HasPrefix(k, prefix) })
	return nil
}

// refresh reloads a stale key in the background.
func (c *Cached) refresh(key string) {
	defer c.refreshes.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tok := c.cache.Begin()
	v, found, err := c.inner.Get(ctx, key)
	if err != nil {
		c.logger.Warn("background flag refresh failed",
			zap.String("key", key),
			zap.Error(err),
		)
		c.cache.Release(key)
		return
	}
	c.cache.Fill(key, flagValue{value: v, found: found}, tok)
}
