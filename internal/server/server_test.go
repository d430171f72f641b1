package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/channelfeed/internal/cache"
	"github.com/voyagen/channelfeed/internal/service"
	"github.com/voyagen/channelfeed/internal/store"
)

type fixture struct {
	srv   *Server
	store *store.Memory
	rds   *cache.Redis
	stats *service.Stats
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rds := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rds.Close() })
	st := store.NewMemory()
	stats := &service.Stats{}
	return &fixture{
		srv:   New(st, rds, stats, "0", slog.New(slog.DiscardHandler)),
		store: st,
		rds:   rds,
		stats: stats,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","redis":"ok"}`, rec.Body.String())

}

func TestHealthReportsUnreachableRedis(t *testing.T) {
	dead := cache.NewFromClient(redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	}))
	t.Cleanup(func() { _ = dead.Close() })
	srv := New(store.NewMemory(), dead, &service.Stats{}, "0", slog.New(slog.DiscardHandler))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestStatsReturnsSnapshot(t *testing.T) {
	f := newFixture(t)
	f.stats.ChannelSynced(3)
	f.stats.MediaStored()

	rec := f.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap service.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(1), snap.ChannelsSynced)
	assert.Equal(t, int64(3), snap.PostsInserted)
	assert.Equal(t, int64(1), snap.MediaStored)
}

func TestSyncChannelEnqueuesJob(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/channels/sync", map[string]any{
		"channel_id": 42, "username": "news", "user_id": 7,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	job, err := cache.Dequeue(context.Background(), f.rds, cache.NewChannelQueue, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, cache.NewChannelJob{ChannelID: 42, Username: "news", UserID: 7}, *job)
	assert.False(t, cache.IsLocked(context.Background(), f.rds, cache.UserLockKey(7)))
}

func TestSyncChannelValidation(t *testing.T) {
	f := newFixture(t)
	for name, body := range map[string]any{
		"no channel": map[string]any{"user_id": 7},
		"no user":    map[string]any{"channel_id": 1},
		"bad json":   "nope",
	} {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/channels/sync", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSyncChannelConflictsWhileUserLocked(t *testing.T) {
	f := newFixture(t)
	unlock, err := cache.TryLock(context.Background(), f.rds, cache.UserLockKey(7), time.Minute)
	require.NoError(t, err)
	defer unlock()

	rec := f.do(t, http.MethodPost, "/api/channels/sync", map[string]any{"channel_id": 1, "user_id": 7})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBackfillRecordsRequestOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for range 2 {
		rec := f.do(t, http.MethodPost, "/api/backfill/9", nil)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	reqs, err := f.store.ListBackfillRequests(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(9), reqs[0].UserID)

	rec := f.do(t, http.MethodPost, "/api/backfill/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDocsAreServed(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/docs/openapi.yaml", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/channels/sync")
}
