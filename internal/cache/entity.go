package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/voyagen/channelfeed/internal/source"
)

// DefaultEntityCacheSize bounds the entity cache when no size is configured.
const DefaultEntityCacheSize = 1000

// DefaultResolveTimeout bounds one shared upstream resolution.
const DefaultResolveTimeout = time.Minute

// Resolver is the part of source.Source the entity cache needs.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (source.Handle, error)
}

// EntityCache memoizes channel resolution. Concurrent lookups of one ref
// share a single upstream call; failures are never cached. Entries have no
// TTL; when the cache is full the least recently accessed fifth is evicted.
type EntityCache struct {
	resolver      Resolver
	maxEntries    int
	flightTimeout time.Duration
	group         singleflight.Group
	now           func() time.Time

	mu      sync.Mutex
	entries map[string]*entityEntry
}

type entityEntry struct {
	handle     source.Handle
	lastAccess time.Time
}

func NewEntityCache(r Resolver, maxEntries int) *EntityCache {
	if maxEntries <= 0 {
		maxEntries = DefaultEntityCacheSize
	}
	return &EntityCache{
		resolver:      r,
		maxEntries:    maxEntries,
		flightTimeout: DefaultResolveTimeout,
		now:           time.Now,
		entries:       make(map[string]*entityEntry),
	}
}

// Resolve returns the cached handle for ref or resolves it upstream.
// The metadata lock is never held across the upstream call. The shared
// flight is detached from any one caller's context and bounded by
// flightTimeout; each caller stops waiting only when its own ctx ends.
func (c *EntityCache) Resolve(ctx context.Context, ref string) (source.Handle, error) {
	if h, ok := c.lookup(ref); ok {
		return h, nil
	}
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(ref, func() (any, error) {
		// A previous flight may have filled the entry while we queued.
		if h, ok := c.lookup(ref); ok {
			return h, nil
		}
		rctx, cancel := context.WithTimeout(flightCtx, c.flightTimeout)
		defer cancel()
		h, err := c.resolver.Resolve(rctx, ref)
		if err != nil {
			return nil, err
		}
		c.store(ref, h)
		return h, nil
	})
	select {
	case <-ctx.Done():
		return source.Handle{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return source.Handle{}, res.Err
		}
		return res.Val.(source.Handle), nil
	}
}

// Invalidate drops ref, e.g. after the handle stopped working.
func (c *EntityCache) Invalidate(ref string) {
	c.mu.Lock()
	delete(c.entries, ref)
	c.mu.Unlock()
}

func (c *EntityCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *EntityCache) lookup(ref string) (source.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ref]
	if !ok {
		return source.Handle{}, false
	}
	e.lastAccess = c.now()
	return e.handle, true
}

func (c *EntityCache) store(ref string, h source.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[ref]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[ref] = &entityEntry{handle: h, lastAccess: c.now()}
}

// evictLocked removes the least recently accessed ~20% of entries.
func (c *EntityCache) evictLocked() {
	n := len(c.entries) / 5
	if n < 1 {
		n = 1
	}
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		return c.entries[a].lastAccess.Compare(c.entries[b].lastAccess)
	})
	for _, k := range keys[:n] {
		delete(c.entries, k)
	}
}
