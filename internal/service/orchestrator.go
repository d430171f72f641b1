package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/voyagen/channelfeed/internal/cache"
	"github.com/voyagen/channelfeed/internal/media"
	"github.com/voyagen/channelfeed/internal/models"
	"github.com/voyagen/channelfeed/internal/store"
)

// Config tunes the orchestrator loops. Zero values take the defaults below.
type Config struct {
	SyncInterval        time.Duration
	BackfillInterval    time.Duration
	QueuePollTimeout    time.Duration
	ChannelTimeout      time.Duration
	ShutdownGrace       time.Duration
	ChannelParallelism  int
	PostLimit           int
	NewChannelPostLimit int
	BackfillPostLimit   int
	BackfillBatch       int
}

const (
	DefaultSyncInterval        = 5 * time.Minute
	DefaultBackfillInterval    = time.Minute
	DefaultQueuePollTimeout    = 5 * time.Second
	DefaultChannelTimeout      = 10 * time.Minute
	DefaultShutdownGrace       = 30 * time.Second
	DefaultChannelParallelism  = 15
	DefaultPostLimit           = 10
	DefaultNewChannelPostLimit = 50
	DefaultBackfillPostLimit   = 20
	DefaultBackfillBatch       = 10
)

// Per-user lock shared with the subscription API.
const (
	userLockTTL  = 10 * time.Second
	userLockPoll = 100 * time.Millisecond
)

func (c *Config) withDefaults() {
	c.SyncInterval = durOr(c.SyncInterval, DefaultSyncInterval)
	c.BackfillInterval = durOr(c.BackfillInterval, DefaultBackfillInterval)
	c.QueuePollTimeout = durOr(c.QueuePollTimeout, DefaultQueuePollTimeout)
	c.ChannelTimeout = durOr(c.ChannelTimeout, DefaultChannelTimeout)
	c.ShutdownGrace = durOr(c.ShutdownGrace, DefaultShutdownGrace)
	c.ChannelParallelism = intOr(c.ChannelParallelism, DefaultChannelParallelism)
	c.PostLimit = intOr(c.PostLimit, DefaultPostLimit)
	c.NewChannelPostLimit = intOr(c.NewChannelPostLimit, DefaultNewChannelPostLimit)
	c.BackfillPostLimit = intOr(c.BackfillPostLimit, DefaultBackfillPostLimit)
	c.BackfillBatch = intOr(c.BackfillBatch, DefaultBackfillBatch)
}

func durOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Orchestrator drives the three ingestion loops: the periodic sync of every
// subscribed channel, the new-channel queue consumer and the backfill
// consumer. All share one source client, entity cache, uploader and policy.
type Orchestrator struct {
	cfg      Config
	ingester *Ingester
	entities *cache.EntityCache
	uploader *media.Uploader
	store    store.Store
	rds      *cache.Redis
	policy   *Policy
	stats    *Stats
	logger   *slog.Logger
}

// NewOrchestrator wires the loops. rds may be nil, which disables the
// new-channel consumer.
func NewOrchestrator(cfg Config, ingester *Ingester, policy *Policy, s store.Store, rds *cache.Redis, stats *Stats, logger *slog.Logger) *Orchestrator {
	cfg.withDefaults()
	if stats == nil {
		stats = &Stats{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		ingester: ingester,
		entities: ingester.entities,
		uploader: ingester.uploader,
		store:    s,
		rds:      rds,
		policy:   policy,
		stats:    stats,
		logger:   logger.With("component", "orchestrator"),
	}
}

func (o *Orchestrator) Stats() *Stats { return o.stats }

// Run starts the loops and blocks until ctx is cancelled or a fatal error
// occurs. After cancellation no new work is picked up; work in flight gets
// ShutdownGrace to finish before it is cancelled too. Run returns the fatal
// error, or nil on a clean shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	go func() {
		select {
		case <-work.Done():
			return
		case <-ctx.Done():
		}
		t := time.NewTimer(o.cfg.ShutdownGrace)
		defer t.Stop()
		select {
		case <-work.Done():
		case <-t.C:
			o.logger.Warn("shutdown grace elapsed, cancelling in-flight work")
			cancelWork()
		}
	}()

	g, gctx := errgroup.WithContext(work)
	g.Go(func() error {
		return o.loop(ctx, gctx, "sync", o.cfg.SyncInterval, o.syncPass)
	})
	g.Go(func() error {
		return o.loop(ctx, gctx, "backfill", o.cfg.BackfillInterval, o.backfillPass)
	})
	if o.rds != nil {
		g.Go(func() error { return o.consumeNewChannels(ctx, gctx) })
	}
	o.logger.Info("orchestrator started",
		"sync_interval", o.cfg.SyncInterval, "parallelism", o.cfg.ChannelParallelism,
		"new_channel_consumer", o.rds != nil)

	err := g.Wait()
	if err != nil {
		o.logger.Error("orchestrator stopped on fatal error", "error", err)
		return err
	}
	o.logger.Info("orchestrator stopped")
	return nil
}

// loop runs fn immediately and then every interval until stop is done.
// fn must not start new channel tasks once stop is done.
func (o *Orchestrator) loop(stop, work context.Context, name string, interval time.Duration, fn func(stop, work context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := fn(stop, work); err != nil {
			return err
		}
		select {
		case <-stop.Done():
			return nil
		case <-work.Done():
			return nil
		case <-ticker.C:
			o.logger.Debug("loop tick", "loop", name)
		}
	}
}

// SyncOnce runs one pass over every channel with at least one subscriber.
// Channel failures are handled by the policy; only a fatal error is returned.
func (o *Orchestrator) SyncOnce(ctx context.Context) error {
	return o.syncPass(ctx, ctx)
}

func (o *Orchestrator) syncPass(stop, ctx context.Context) error {
	channels, err := o.store.ListActiveChannels(ctx)
	if err != nil {
		o.logger.Error("list active channels", "error", err)
		return nil
	}
	passID := uuid.NewString()
	start := time.Now()
	reqs := make([]IngestRequest, len(channels))
	for i, ch := range channels {
		reqs[i] = IngestRequest{Channel: ch, Limit: o.cfg.PostLimit}
	}
	inserted, err := o.fanOut(stop, ctx, passID, reqs)
	if err != nil {
		return err
	}
	if stop.Err() != nil {
		o.logger.Info("sync pass interrupted", "pass_id", passID, "inserted", inserted)
		return nil
	}
	o.stats.PassCompleted()
	o.logger.Info("sync pass finished",
		"pass_id", passID, "channels", len(channels), "inserted", inserted,
		"duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// fanOut runs reqs with at most ChannelParallelism in flight and returns the
// total inserted. Dispatch ends at the first fatal error or once stop is
// done; tasks already started keep running on ctx.
func (o *Orchestrator) fanOut(stop, ctx context.Context, passID string, reqs []IngestRequest) (int64, error) {
	g, gctx := errgroup.WithContext(ctx)

	// dispatch ends with either the group or stop.
	dispatch, cancel := context.WithCancel(gctx)
	defer cancel()
	unhook := context.AfterFunc(stop, cancel)
	defer unhook()

	slots := semaphore.NewWeighted(int64(o.cfg.ChannelParallelism))
	results := make([]int64, len(reqs))
	for i, req := range reqs {
		if err := slots.Acquire(dispatch, 1); err != nil {
			break
		}
		if dispatch.Err() != nil {
			slots.Release(1)
			break
		}
		g.Go(func() error {
			defer slots.Release(1)
			n, _, fatal := o.runChannel(gctx, passID, req)
			results[i] = n
			return fatal
		})
	}
	err := g.Wait()
	var total int64
	for _, n := range results {
		total += n
	}
	return total, err
}

// runChannel ingests one batch under the per-channel timeout. chErr is the
// channel's own failure, already handled by the policy; fatal is set only
// when the whole process must stop.
func (o *Orchestrator) runChannel(ctx context.Context, passID string, req IngestRequest) (inserted int64, chErr, fatal error) {
	tctx, cancel := context.WithTimeout(ctx, o.cfg.ChannelTimeout)
	defer cancel()

	n, err := o.ingester.IngestChannel(tctx, req)
	if err == nil {
		o.stats.ChannelSynced(n)
		if n > 0 {
			o.logger.Info("channel synced",
				"pass_id", passID, "channel_id", req.Channel.ID, "inserted", n, "before_id", req.BeforeID)
		}
		return n, nil, nil
	}
	if ctx.Err() != nil {
		return 0, err, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		o.logger.Warn("channel timed out", "pass_id", passID, "channel_id", req.Channel.ID, "timeout", o.cfg.ChannelTimeout)
	}
	return 0, err, o.policy.Handle(ctx, req.Channel.ID, err)
}

func (o *Orchestrator) consumeNewChannels(stop, work context.Context) error {
	for {
		select {
		case <-stop.Done():
			return nil
		case <-work.Done():
			return nil
		default:
		}
		job, err := cache.Dequeue(stop, o.rds, cache.NewChannelQueue, o.cfg.QueuePollTimeout)
		if err != nil {
			o.logger.Error("dequeue new channel job", "error", err)
			if !sleepCtx(stop, o.cfg.QueuePollTimeout) {
				return nil
			}
			continue
		}
		if job == nil {
			continue
		}
		if err := o.HandleNewChannel(work, *job); err != nil {
			return err
		}
	}
}

// HandleNewChannel brings a freshly subscribed channel in: it resolves and
// records the channel, stores its avatar, ingests a deeper first batch and
// publishes the outcome for the user who subscribed.
func (o *Orchestrator) HandleNewChannel(ctx context.Context, job cache.NewChannelJob) error {
	o.stats.NewChannelJob()
	passID := uuid.NewString()
	log := o.logger.With("pass_id", passID, "channel_id", job.ChannelID, "user_id", job.UserID)

	ref := job.Username
	if ref == "" {
		ref = strconv.FormatInt(job.ChannelID, 10)
	}
	h, err := o.entities.Resolve(ctx, ref)
	if err != nil {
		o.publish(ctx, job, 0, err)
		return o.policy.Handle(ctx, job.ChannelID, err)
	}

	ch := models.Channel{ID: job.ChannelID, Title: h.Title}
	if ch.ID == 0 {
		ch.ID = h.ChannelID
	}
	if h.Username != "" {
		ch.Username = &h.Username
	} else if job.Username != "" {
		ch.Username = &job.Username
	}
	if err := o.store.UpsertChannel(ctx, &ch); err != nil {
		log.Error("upsert channel", "error", err)
		o.stats.ChannelFailed()
		o.publish(ctx, job, 0, err)
		return nil
	}

	if h.Avatar != nil {
		if url, ok := o.uploader.UploadAvatar(ctx, *h.Avatar, ch.ID); ok {
			if err := o.store.UpdateChannelAvatar(ctx, ch.ID, url); err != nil {
				log.Warn("update channel avatar", "error", err)
			}
		}
	}

	n, chErr, fatal := o.runChannel(ctx, passID, IngestRequest{Channel: ch, Limit: o.cfg.NewChannelPostLimit})
	o.publish(ctx, job, n, chErr)
	log.Info("new channel ingested", "inserted", n, "ok", chErr == nil)
	return fatal
}

func (o *Orchestrator) publish(ctx context.Context, job cache.NewChannelJob, inserted int64, err error) {
	if o.rds == nil {
		return
	}
	ev := cache.SyncEvent{ChannelID: job.ChannelID, UserID: job.UserID, Inserted: inserted, OK: err == nil}
	if err != nil {
		ev.Error = err.Error()
	}
	if perr := cache.Publish(context.WithoutCancel(ctx), o.rds, cache.EventsTopic, ev); perr != nil {
		o.logger.Warn("publish sync event", "channel_id", job.ChannelID, "error", perr)
	}
}

// BackfillOnce serves up to BackfillBatch pending requests. Each request
// pulls one older batch for every channel the user subscribes to, then its
// marker is deleted whatever the outcome.
func (o *Orchestrator) BackfillOnce(ctx context.Context) error {
	return o.backfillPass(ctx, ctx)
}

func (o *Orchestrator) backfillPass(stop, ctx context.Context) error {
	reqs, err := o.store.ListBackfillRequests(ctx, o.cfg.BackfillBatch)
	if err != nil {
		o.logger.Error("list backfill requests", "error", err)
		return nil
	}
	for _, r := range reqs {
		if stop.Err() != nil || ctx.Err() != nil {
			return nil
		}
		if err := o.backfillUser(stop, ctx, r.UserID); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) backfillUser(stop, ctx context.Context, userID int64) error {
	passID := uuid.NewString()
	log := o.logger.With("pass_id", passID, "user_id", userID)

	// Wait out an in-flight subscription change so the channel list is settled.
	if o.rds != nil {
		unlock, err := cache.Lock(stop, o.rds, cache.UserLockKey(userID), userLockTTL, userLockPoll)
		if err != nil {
			log.Warn("backfill postponed, user lock unavailable", "error", err)
			return nil
		}
		unlock()
	}

	defer func() {
		if stop.Err() != nil {
			// Interrupted by shutdown; the marker stays for the next run.
			return
		}
		if err := o.store.DeleteBackfillRequest(context.WithoutCancel(ctx), userID); err != nil {
			log.Error("delete backfill request", "error", err)
		}
		o.stats.BackfillHandled()
	}()

	channels, err := o.store.ListUserChannels(ctx, userID)
	if err != nil {
		log.Error("list user channels", "error", err)
		return nil
	}
	reqs := make([]IngestRequest, 0, len(channels))
	for _, ch := range channels {
		oldest, ok, err := o.store.OldestMessageID(ctx, ch.ID)
		if err != nil {
			log.Error("oldest message id", "channel_id", ch.ID, "error", err)
			continue
		}
		req := IngestRequest{Channel: ch, Limit: o.cfg.BackfillPostLimit}
		if ok {
			req.BeforeID = oldest
		}
		reqs = append(reqs, req)
	}
	inserted, err := o.fanOut(stop, ctx, passID, reqs)
	log.Info("backfill finished", "channels", len(reqs), "inserted", inserted)
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
