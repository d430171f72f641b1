// Package service runs the ingestion pipeline: per-channel ingest, the
// failure policy, and the orchestrator loops that drive them.
package service

import (
	"context"
	"log/slog"

	"github.com/microcosm-cc/bluemonday"
	"github.com/samber/lo"
	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"

	"github.com/voyagen/channelfeed/internal/cache"
	"github.com/voyagen/channelfeed/internal/media"
	"github.com/voyagen/channelfeed/internal/models"
	"github.com/voyagen/channelfeed/internal/source"
	"github.com/voyagen/channelfeed/internal/store"
)

// IngestRequest selects one batch of a channel's history.
type IngestRequest struct {
	Channel models.Channel
	Limit   int
	// BeforeID, when non-zero, restricts the batch to messages older than it.
	BeforeID int64
}

// Ingester syncs one channel batch at a time. It is safe for concurrent use;
// each call touches only its own channel's rows.
type Ingester struct {
	src       source.Source
	entities  *cache.EntityCache
	store     store.Store
	uploader  *media.Uploader
	sanitizer *bluemonday.Policy
	logger    *slog.Logger
}

func NewIngester(src source.Source, entities *cache.EntityCache, s store.Store, uploader *media.Uploader, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		src:       src,
		entities:  entities,
		store:     s,
		uploader:  uploader,
		sanitizer: NewSanitizer(),
		logger:    logger.With("component", "ingest"),
	}
}

// IngestChannel fetches one batch, drops everything already stored, uploads
// media for what is new and inserts the resulting posts in one transaction.
// It returns the number of rows actually inserted.
func (in *Ingester) IngestChannel(ctx context.Context, req IngestRequest) (int64, error) {
	ch := req.Channel
	h, err := in.entities.Resolve(ctx, ch.Ref())
	if err != nil {
		return 0, oops.With("channel_id", ch.ID, "ref", ch.Ref()).Wrapf(err, "resolve")
	}

	msgs, err := in.src.ListMessages(ctx, h, req.Limit, req.BeforeID)
	if err != nil {
		return 0, oops.With("channel_id", ch.ID, "before_id", req.BeforeID).Wrapf(err, "list messages")
	}
	if req.BeforeID > 0 {
		msgs = lo.Filter(msgs, func(m source.Message, _ int) bool { return m.ID < req.BeforeID })
	}

	candidates := GroupMessages(msgs, in.sanitizer)
	if len(candidates) == 0 {
		return 0, nil
	}

	msgIDs := lo.Map(candidates, func(c Candidate, _ int) int64 { return c.MessageID })
	groupIDs := lo.FilterMap(candidates, func(c Candidate, _ int) (int64, bool) {
		if c.GroupID == nil {
			return 0, false
		}
		return *c.GroupID, true
	})
	known, err := in.store.ExistingPosts(ctx, ch.ID, msgIDs, groupIDs)
	if err != nil {
		return 0, oops.With("channel_id", ch.ID).Wrapf(err, "existing posts")
	}
	fresh := lo.Filter(candidates, func(c Candidate, _ int) bool {
		return !known.Has(c.MessageID, c.GroupID)
	})
	if len(fresh) == 0 {
		return 0, nil
	}

	posts := make([]models.Post, len(fresh))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range fresh {
		posts[i] = models.Post{
			ChannelID:     ch.ID,
			MessageID:     c.MessageID,
			GroupID:       c.GroupID,
			Text:          c.Text,
			Date:          c.Date,
			Views:         c.Views,
			Reactions:     c.Reactions,
			ForwardedFrom: c.Forward,
		}
		if len(c.Media) == 0 {
			continue
		}
		g.Go(func() error {
			posts[i].Media = in.uploadAll(gctx, ch.ID, c.Media)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n, err := in.store.InsertPosts(ctx, posts)
	if err != nil {
		return 0, oops.With("channel_id", ch.ID, "posts", len(posts)).Wrapf(err, "insert posts")
	}
	in.logger.Debug("channel batch stored",
		"channel_id", ch.ID, "fetched", len(msgs), "new", len(fresh), "inserted", n)
	return n, nil
}

// uploadAll stores a post's attachments concurrently and returns the ones
// that succeeded, in their original order.
func (in *Ingester) uploadAll(ctx context.Context, channelID int64, slots []MediaSlot) []models.MediaItem {
	items := make([]*models.MediaItem, len(slots))
	var g errgroup.Group
	for i, s := range slots {
		g.Go(func() error {
			if item, ok := in.uploader.Upload(ctx, s.Ref, channelID, s.MessageID, s.Index); ok {
				items[i] = item
			}
			return nil
		})
	}
	_ = g.Wait()
	return lo.FilterMap(items, func(it *models.MediaItem, _ int) (models.MediaItem, bool) {
		if it == nil {
			return models.MediaItem{}, false
		}
		return *it, true
	})
}
