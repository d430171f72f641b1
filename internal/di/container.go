// Package di wires the ingestion process with samber/do. Services are built
// lazily on first invocation, so a command only pays for what it uses.
package di

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/do/v2"

	"github.com/voyagen/channelfeed/internal/blob"
	"github.com/voyagen/channelfeed/internal/cache"
	"github.com/voyagen/channelfeed/internal/config"
	"github.com/voyagen/channelfeed/internal/media"
	"github.com/voyagen/channelfeed/internal/server"
	"github.com/voyagen/channelfeed/internal/service"
	"github.com/voyagen/channelfeed/internal/source"
	"github.com/voyagen/channelfeed/internal/store"
)

// New registers every service for cfg.
func New(cfg *config.Config, logger *slog.Logger) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, logger)
	do.ProvideValue(injector, &service.Stats{})

	do.Provide(injector, func(i do.Injector) (*cache.Redis, error) {
		return cache.Connect(context.Background(), cfg.RedisURL)
	})

	do.Provide(injector, func(i do.Injector) (store.Store, error) {
		base, err := store.Open(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		rds := do.MustInvoke[*cache.Redis](i)
		return store.NewCachedStore(base, rds, store.ActiveChannelsTTL(cfg.SyncInterval), logger), nil
	})

	// One throttled client is shared by every consumer so rate-limit pauses
	// and reconnects apply process-wide.
	do.Provide(injector, func(i do.Injector) (*source.Throttled, error) {
		client := source.NewHTTPClient(cfg.SourceURL, cfg.SourceToken, cfg.UserAgent, cfg.Timeout)
		return source.NewThrottled(client, cfg.SourceRate, cfg.SourceBurst), nil
	})

	do.Provide(injector, func(i do.Injector) (blob.Store, error) {
		if strings.HasPrefix(cfg.MediaBucket, "memory") {
			return blob.NewMemory(cfg.MediaBaseURL), nil
		}
		return blob.NewS3(context.Background(), blob.S3Config{
			Bucket:        cfg.MediaBucket,
			Region:        cfg.MediaRegion,
			Endpoint:      cfg.MediaEndpoint,
			PublicBaseURL: cfg.MediaBaseURL,
		})
	})

	do.Provide(injector, func(i do.Injector) (*cache.EntityCache, error) {
		return cache.NewEntityCache(do.MustInvoke[*source.Throttled](i), cfg.EntityCacheSize), nil
	})

	do.Provide(injector, func(i do.Injector) (*media.Uploader, error) {
		opts := media.Options{
			MaxBytes:    cfg.MediaMaxBytes,
			Concurrency: int64(cfg.UploadConcurrency),
		}
		return media.NewUploader(
			do.MustInvoke[*source.Throttled](i),
			do.MustInvoke[blob.Store](i),
			media.FFmpeg{Path: cfg.FFmpegPath},
			do.MustInvoke[*service.Stats](i),
			opts,
			logger,
		), nil
	})

	do.Provide(injector, func(i do.Injector) (*service.Policy, error) {
		client := do.MustInvoke[*source.Throttled](i)
		return service.NewPolicy(client, client, do.MustInvoke[*service.Stats](i),
			cfg.ReconnectAttempts, cfg.ReconnectBackoff, logger), nil
	})

	do.Provide(injector, func(i do.Injector) (*service.Ingester, error) {
		return service.NewIngester(
			do.MustInvoke[*source.Throttled](i),
			do.MustInvoke[*cache.EntityCache](i),
			do.MustInvoke[store.Store](i),
			do.MustInvoke[*media.Uploader](i),
			logger,
		), nil
	})

	do.Provide(injector, func(i do.Injector) (*service.Orchestrator, error) {
		return service.NewOrchestrator(
			OrchestratorConfig(cfg),
			do.MustInvoke[*service.Ingester](i),
			do.MustInvoke[*service.Policy](i),
			do.MustInvoke[store.Store](i),
			do.MustInvoke[*cache.Redis](i),
			do.MustInvoke[*service.Stats](i),
			logger,
		), nil
	})

	do.Provide(injector, func(i do.Injector) (*server.Server, error) {
		return server.New(
			do.MustInvoke[store.Store](i),
			do.MustInvoke[*cache.Redis](i),
			do.MustInvoke[*service.Stats](i),
			cfg.ServerPort,
			logger,
		), nil
	})

	return injector
}

// OrchestratorConfig maps service settings onto the orchestrator's.
func OrchestratorConfig(cfg *config.Config) service.Config {
	return service.Config{
		SyncInterval:        cfg.SyncInterval,
		BackfillInterval:    cfg.BackfillInterval,
		QueuePollTimeout:    cfg.QueuePollTimeout,
		ChannelTimeout:      cfg.ChannelTimeout,
		ShutdownGrace:       cfg.ShutdownGrace,
		ChannelParallelism:  cfg.ChannelParallelism,
		PostLimit:           cfg.PostLimit,
		NewChannelPostLimit: cfg.NewChannelPostLimit,
		BackfillPostLimit:   cfg.BackfillPostLimit,
	}
}

// Shutdown closes the store and Redis connections.
func Shutdown(injector do.Injector) {
	if st, err := do.Invoke[store.Store](injector); err == nil && st != nil {
		st.Close()
	}
	if rds, err := do.Invoke[*cache.Redis](injector); err == nil && rds != nil {
		_ = rds.Close()
	}
}
