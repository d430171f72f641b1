package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voyagen/channelfeed/internal/cache"
	"github.com/voyagen/channelfeed/internal/models"
)

// Cache keys and TTLs.
const (
	keyActiveChannels = "channels:active"

	// DefaultActiveChannelsTTL matches the default sync interval plus half.
	DefaultActiveChannelsTTL = 7*time.Minute + 30*time.Second

	// The read API caches rendered feed pages under this prefix.
	feedPagesPattern = "feed:*"
)

// CachedStore wraps a Store with a Redis layer. The active-channel list is
// served from cache; inserts invalidate the read API's cached feed pages so
// readers see new posts without waiting for their TTL.
type CachedStore struct {
	Store
	cache     *cache.Redis
	activeTTL time.Duration
	logger    *slog.Logger
}

// NewCachedStore creates a CachedStore that wraps inner with Redis caching.
// activeTTL should outlive one sync interval so consecutive passes share
// the cached channel list; <= 0 selects DefaultActiveChannelsTTL.
func NewCachedStore(inner Store, c *cache.Redis, activeTTL time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	if activeTTL <= 0 {
		activeTTL = DefaultActiveChannelsTTL
	}
	return &CachedStore{Store: inner, cache: c, activeTTL: activeTTL, logger: logger.With("component", "store-cache")}
}

// ActiveChannelsTTL derives the active-list TTL from the sync interval.
func ActiveChannelsTTL(syncInterval time.Duration) time.Duration {
	return syncInterval + syncInterval/2
}

func (c *CachedStore) ListActiveChannels(ctx context.Context) ([]models.Channel, error) {
	v, ok, err := cache.Get[[]models.Channel](ctx, c.cache, keyActiveChannels)
	if err != nil {
		c.logger.Warn("cache get failed", "key", keyActiveChannels, "error", err)
	}
	if ok {
		return v, nil
	}
	channels, err := c.Store.ListActiveChannels(ctx)
	if err != nil {
		return nil, err
	}
	if err := cache.Set(ctx, c.cache, keyActiveChannels, channels, c.activeTTL); err != nil {
		c.logger.Warn("cache set failed", "key", keyActiveChannels, "error", err)
	}
	return channels, nil
}

func (c *CachedStore) UpsertChannel(ctx context.Context, ch *models.Channel) error {
	if err := c.Store.UpsertChannel(ctx, ch); err != nil {
		return err
	}
	c.invalidate(ctx, keyActiveChannels)
	return nil
}

func (c *CachedStore) UpdateChannelAvatar(ctx context.Context, channelID int64, url string) error {
	if err := c.Store.UpdateChannelAvatar(ctx, channelID, url); err != nil {
		return err
	}
	c.invalidate(ctx, keyActiveChannels)
	c.invalidatePattern(ctx, feedPagesPattern)
	return nil
}

func (c *CachedStore) InsertPosts(ctx context.Context, posts []models.Post) (int64, error) {
	n, err := c.Store.InsertPosts(ctx, posts)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.invalidatePattern(ctx, feedPagesPattern)
	}
	return n, nil
}

// invalidate deletes exact cache keys, logging any errors.
func (c *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := cache.Del(ctx, c.cache, keys...); err != nil {
		c.logger.Warn("cache del failed", "keys", fmt.Sprint(keys), "error", err)
	}
}

func (c *CachedStore) invalidatePattern(ctx context.Context, patterns ...string) {
	for _, p := range patterns {
		n, err := cache.DelPattern(ctx, c.cache, p)
		if err != nil {
			c.logger.Warn("cache del pattern failed", "pattern", p, "error", err)
			continue
		}
		c.logger.Debug("cache invalidated", "pattern", p, "keys", n)
	}
}
