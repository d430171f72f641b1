// Package config loads service settings from the environment or a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

var (
	ErrMissingDatabaseURL = errors.New("config: DATABASE_URL is required")
	ErrMissingRedisURL    = errors.New("config: REDIS_URL is required")
	ErrMissingSourceURL   = errors.New("config: SOURCE_URL is required")
	ErrMissingMediaBucket = errors.New("config: MEDIA_BUCKET is required")
)

// Config holds application configuration.
type Config struct {
	DatabaseURL string
	RedisURL    string
	ServerPort  string
	LogLevel    string

	// Message source gateway.
	SourceURL       string
	SourceToken     string
	UserAgent       string
	Timeout         time.Duration
	SourceRate      float64
	SourceBurst     int
	EntityCacheSize int

	// Media storage.
	MediaBucket       string
	MediaRegion       string
	MediaEndpoint     string
	MediaBaseURL      string
	MediaMaxBytes     int64
	UploadConcurrency int
	FFmpegPath        string

	// Orchestrator.
	SyncInterval        time.Duration
	BackfillInterval    time.Duration
	QueuePollTimeout    time.Duration
	ChannelTimeout      time.Duration
	ShutdownGrace       time.Duration
	ChannelParallelism  int
	PostLimit           int
	NewChannelPostLimit int
	BackfillPostLimit   int
	ReconnectAttempts   int
	ReconnectBackoff    time.Duration
}

// Load builds config from environment variables.
// If DATABASE_URL is not set, Load tries to load .env.local and .env first.
func Load() (*Config, error) {
	if os.Getenv("DATABASE_URL") == "" {
		loadEnvFiles()
	}
	return build(os.Getenv)
}

// build reads every setting through get, keyed by environment variable name,
// applies defaults and validates required fields.
func build(get func(string) string) (*Config, error) {
	p := parser{get: get}
	c := &Config{
		DatabaseURL: get("DATABASE_URL"),
		RedisURL:    get("REDIS_URL"),
		ServerPort:  p.str("SERVER_PORT", "8080"),
		LogLevel:    p.str("LOG_LEVEL", "info"),

		SourceURL:       get("SOURCE_URL"),
		SourceToken:     get("SOURCE_TOKEN"),
		UserAgent:       p.str("SOURCE_USER_AGENT", "channelfeed/1.0"),
		Timeout:         p.duration("SOURCE_TIMEOUT", 30*time.Second),
		SourceRate:      p.float("SOURCE_RATE", 20),
		SourceBurst:     p.int("SOURCE_BURST", 5),
		EntityCacheSize: p.int("ENTITY_CACHE_SIZE", 1000),

		MediaBucket:       get("MEDIA_BUCKET"),
		MediaRegion:       p.str("MEDIA_REGION", "us-east-1"),
		MediaEndpoint:     get("MEDIA_ENDPOINT"),
		MediaBaseURL:      get("MEDIA_PUBLIC_URL"),
		MediaMaxBytes:     int64(p.int("MEDIA_MAX_BYTES", 60<<20)),
		UploadConcurrency: p.int("UPLOAD_CONCURRENCY", 10),
		FFmpegPath:        p.str("FFMPEG_PATH", "ffmpeg"),

		SyncInterval:        p.duration("SYNC_INTERVAL", 300*time.Second),
		BackfillInterval:    p.duration("BACKFILL_INTERVAL", time.Minute),
		QueuePollTimeout:    p.duration("QUEUE_POLL_TIMEOUT", 5*time.Second),
		ChannelTimeout:      p.duration("CHANNEL_TIMEOUT", 10*time.Minute),
		ShutdownGrace:       p.duration("SHUTDOWN_GRACE", 30*time.Second),
		ChannelParallelism:  p.int("CHANNEL_PARALLELISM", 15),
		PostLimit:           p.int("POST_LIMIT", 10),
		NewChannelPostLimit: p.int("NEW_CHANNEL_POST_LIMIT", 50),
		BackfillPostLimit:   p.int("BACKFILL_POST_LIMIT", 20),
		ReconnectAttempts:   p.int("RECONNECT_ATTEMPTS", 3),
		ReconnectBackoff:    p.duration("RECONNECT_BACKOFF", 30*time.Second),
	}
	if p.err != nil {
		return nil, p.err
	}
	switch {
	case c.DatabaseURL == "":
		return nil, ErrMissingDatabaseURL
	case c.RedisURL == "":
		return nil, ErrMissingRedisURL
	case c.SourceURL == "":
		return nil, ErrMissingSourceURL
	case c.MediaBucket == "":
		return nil, ErrMissingMediaBucket
	}
	return c, nil
}

// parser keeps the first malformed value it meets.
type parser struct {
	get func(string) string
	err error
}

func (p *parser) str(key, def string) string {
	if v := p.get(key); v != "" {
		return v
	}
	return def
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.get(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		p.fail(key, v)
		return def
	}
	return d
}

func (p *parser) int(key string, def int) int {
	v := p.get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		p.fail(key, v)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := p.get(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		p.fail(key, v)
		return def
	}
	return f
}

func (p *parser) fail(key, value string) {
	if p.err == nil {
		p.err = fmt.Errorf("config: invalid %s %q", key, value)
	}
}
