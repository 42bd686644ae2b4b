// Package swr is a stale-while-revalidate TTL cache shared by the flag store
// and the API key authenticator.
//
// Expired entries keep serving while exactly one caller refreshes them. Reads
// of the backing source are bracketed by Begin and Fill: a Fill is dropped
// when any Set or Delete ran after its Begin, so a slow read can never
// overwrite a newer write.
package swr

import (
	"sync"
	"sync/atomic"
	"time"
)

// Token marks the write generation a backing read started from.
type Token uint64

// Cache maps string keys to values of type V. Fresh reads are lock-free.
type Cache[V any] struct {
	entries sync.Map // map[string]*entry[V]
	ttl     time.Duration
	now     func() time.Time

	mu  sync.Mutex // serializes cache mutations with gen
	gen uint64     // bumped by every Set and Delete
}

type entry[V any] struct {
	value      V
	expiresAt  time.Time
	refreshing atomic.Bool
}

// Lookup is the result of Get.
type Lookup[V any] struct {
	Value        V
	Hit          bool // fresh or stale value present
	NeedsRefresh bool // stale, and this caller owns the refresh
}

// New creates a cache with the given TTL.
func New[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{ttl: ttl, now: time.Now}
}

// Get looks up key.
//
//   - Fresh hit:  {Value, Hit=true,  NeedsRefresh=false}
//   - Stale hit:  {Value, Hit=true,  NeedsRefresh=true} for the first caller only
//   - Miss:       {zero,  Hit=false, NeedsRefresh=false}
func (c *Cache[V]) Get(key string) Lookup[V] {
	val, ok := c.entries.Load(key)
	if !ok {
		return Lookup[V]{}
	}
	e := val.(*entry[V])
	if c.now().Before(e.expiresAt) {
		return Lookup[V]{Value: e.value, Hit: true}
	}
	return Lookup[V]{
		Value:        e.value,
		Hit:          true,
		NeedsRefresh: e.refreshing.CompareAndSwap(false, true),
	}
}

// Begin must be called before reading the backing source for a Fill.
func (c *Cache[V]) Begin() Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Token(c.gen)
}

// Fill caches a value read from the backing source. It reports false, and
// stores nothing, if a Set or Delete happened since tok was taken. A
// dropped Fill releases the refresh claim on key.
func (c *Cache[V]) Fill(key string, v V, tok Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if Token(c.gen) != tok {
		c.release(key)
		return false
	}
	c.store(key, v)
	return true
}

// Set records a value the caller has already written to the backing source.
func (c *Cache[V]) Set(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.store(key, v)
}

// Delete evicts keys.
func (c *Cache[V]) Delete(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for _, k := range keys {
		c.entries.Delete(k)
	}
}

// DeleteFunc evicts every key for which match returns true.
func (c *Cache[V]) DeleteFunc(match func(key string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries.Range(func(k, _ any) bool {
		if match(k.(string)) {
			c.entries.Delete(k)
		}
		return true
	})
}

// Release gives up a refresh claim so the next stale reader retries.
func (c *Cache[V]) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release(key)
}

func (c *Cache[V]) release(key string) {
	if val, ok := c.entries.Load(key); ok {
		val.(*entry[V]).refreshing.Store(false)
	}
}

func (c *Cache[V]) store(key string, v V) {
	c.entries.Store(key, &entry[V]{value: v, expiresAt: c.now().Add(c.ttl)})
}
