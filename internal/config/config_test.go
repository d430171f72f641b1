package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func required() map[string]string {
	return map[string]string{
		"DATABASE_URL": "postgres://localhost/channelfeed",
		"REDIS_URL":    "redis://localhost:6379/0",
		"SOURCE_URL":   "http://gateway:8000",
		"MEDIA_BUCKET": "media",
	}
}

func lookup(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestBuildAppliesDefaults(t *testing.T) {
	c, err := build(lookup(required()))
	require.NoError(t, err)

	assert.Equal(t, "8080", c.ServerPort)
	assert.Equal(t, 300*time.Second, c.SyncInterval)
	assert.Equal(t, 10*time.Minute, c.ChannelTimeout)
	assert.Equal(t, 15, c.ChannelParallelism)
	assert.Equal(t, 10, c.UploadConcurrency)
	assert.Equal(t, 10, c.PostLimit)
	assert.Equal(t, 50, c.NewChannelPostLimit)
	assert.Equal(t, 20, c.BackfillPostLimit)
	assert.Equal(t, 3, c.ReconnectAttempts)
	assert.Equal(t, 30*time.Second, c.ReconnectBackoff)
	assert.Equal(t, int64(60<<20), c.MediaMaxBytes)
	assert.Equal(t, 1000, c.EntityCacheSize)
}

func TestBuildRequiredFields(t *testing.T) {
	cases := map[string]error{
		"DATABASE_URL": ErrMissingDatabaseURL,
		"REDIS_URL":    ErrMissingRedisURL,
		"SOURCE_URL":   ErrMissingSourceURL,
		"MEDIA_BUCKET": ErrMissingMediaBucket,
	}
	for key, want := range cases {
		t.Run(key, func(t *testing.T) {
			env := required()
			delete(env, key)
			_, err := build(lookup(env))
			assert.ErrorIs(t, err, want)
		})
	}
}

func TestBuildRejectsMalformedValues(t *testing.T) {
	for key, value := range map[string]string{
		"SYNC_INTERVAL":       "soon",
		"CHANNEL_PARALLELISM": "-2",
		"SOURCE_RATE":         "fast",
	} {
		t.Run(key, func(t *testing.T) {
			env := required()
			env[key] = value
			_, err := build(lookup(env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	for k, v := range required() {
		t.Setenv(k, v)
	}
	t.Setenv("SYNC_INTERVAL", "90s")
	t.Setenv("CHANNEL_PARALLELISM", "4")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, c.SyncInterval)
	assert.Equal(t, 4, c.ChannelParallelism)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channelfeed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_url: memory://
redis_url: redis://localhost:6379/1
source_url: http://gateway:8000
media_bucket: media
channel_parallelism: 3
sync_interval: 2m
source_rate: 2.5
`), 0o600))

	c, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "memory://", c.DatabaseURL)
	assert.Equal(t, 3, c.ChannelParallelism)
	assert.Equal(t, 2*time.Minute, c.SyncInterval)
	assert.InDelta(t, 2.5, c.SourceRate, 1e-9)
}

func TestLoadFromFileRequiresDatabaseURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis_url: redis://x\n"), 0o600))
	_, err := LoadFromFile(path)
	assert.ErrorIs(t, err, ErrMissingDatabaseURL)
}

func TestParseEnvFile(t *testing.T) {
	got := parseEnvFile([]byte(`
# comment
DATABASE_URL="postgres://db/feed"
export REDIS_URL='redis://cache'
=novalue
BROKEN
SYNC_INTERVAL = 1m
SYNC_INTERVAL=2m
`))
	assert.Equal(t, map[string]string{
		"DATABASE_URL":  "postgres://db/feed",
		"REDIS_URL":     "redis://cache",
		"SYNC_INTERVAL": "1m",
	}, got)
}
