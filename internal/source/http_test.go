package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientMapsStatusCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("ref") {
		case "missing":
			w.WriteHeader(http.StatusNotFound)
		case "private":
			w.WriteHeader(http.StatusForbidden)
		case "busy":
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
		case "down":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			_ = json.NewEncoder(w).Encode(Handle{ChannelID: 42, Title: "News"})
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "tok", "test", time.Second)
	ctx := context.Background()

	h, err := c.Resolve(ctx, "news")
	require.NoError(t, err)
	assert.Equal(t, int64(42), h.ChannelID)

	_, err = c.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsAccessError(err))

	_, err = c.Resolve(ctx, "private")
	assert.ErrorIs(t, err, ErrPrivate)

	_, err = c.Resolve(ctx, "busy")
	rl, ok := AsRateLimit(err)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, rl.Wait)

	_, err = c.Resolve(ctx, "down")
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestHTTPClientListMessagesSendsCursor(t *testing.T) {
	var gotBefore, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/channels/7/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		gotBefore = r.URL.Query().Get("before_id")
		gotLimit = r.URL.Query().Get("limit")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []Message{{ID: 499, Text: "old"}},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "tok", "", time.Second)
	msgs, err := c.ListMessages(context.Background(), Handle{ChannelID: 7}, 20, 500)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "500", gotBefore)
	assert.Equal(t, "20", gotLimit)
}

func TestHTTPClientUnreachableIsDisconnect(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := NewHTTPClient(addr, "", "", time.Second)
	_, err := c.Download(context.Background(), MediaRef{ID: "m1"}, 0)
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestHTTPClientDownloadStopsAtCeiling(t *testing.T) {
	const mib = 1 << 20
	chunk := make([]byte, mib)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/media/declared":
			w.Header().Set("Content-Length", strconv.Itoa(2*mib))
			_, _ = w.Write(chunk)
			_, _ = w.Write(chunk)
		case "/v1/media/small":
			_, _ = w.Write(chunk[:512])
		default:
			// 70 MiB streamed without a Content-Length.
			for i := 0; i < 70; i++ {
				if _, err := w.Write(chunk); err != nil {
					return
				}
				w.(http.Flusher).Flush()
			}
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "", 5*time.Second)
	ctx := context.Background()

	data, err := c.Download(ctx, MediaRef{ID: "undeclared"}, mib)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Nil(t, data)

	_, err = c.Download(ctx, MediaRef{ID: "declared"}, mib)
	assert.ErrorIs(t, err, ErrTooLarge)

	data, err = c.Download(ctx, MediaRef{ID: "small"}, mib)
	require.NoError(t, err)
	assert.Len(t, data, 512)
}

func TestRetryAfterFallback(t *testing.T) {
	assert.Equal(t, time.Second, retryAfter(""))
	assert.Equal(t, time.Second, retryAfter("soon"))
	assert.Equal(t, 30*time.Second, retryAfter("30"))
}
