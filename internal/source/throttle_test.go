package source

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	mu     sync.Mutex
	calls  []time.Time
	errors []error
}

func (s *stubSource) next() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, time.Now())
	if len(s.errors) == 0 {
		return nil
	}
	err := s.errors[0]
	s.errors = s.errors[1:]
	return err
}

func (s *stubSource) Resolve(ctx context.Context, ref string) (Handle, error) {
	return Handle{Username: ref}, s.next()
}

func (s *stubSource) ListMessages(ctx context.Context, h Handle, limit int, beforeID int64) ([]Message, error) {
	return nil, s.next()
}

func (s *stubSource) Download(ctx context.Context, ref MediaRef, maxBytes int64) ([]byte, error) {
	return nil, s.next()
}

func (s *stubSource) Reconnect(ctx context.Context) error { return nil }

func TestThrottledPausesAllCallersAfterRateLimit(t *testing.T) {
	wait := 150 * time.Millisecond
	stub := &stubSource{errors: []error{&RateLimitError{Wait: wait}}}
	src := NewThrottled(stub, 0, 1)
	ctx := context.Background()

	_, err := src.ListMessages(ctx, Handle{ChannelID: 1}, 10, 0)
	rl, ok := AsRateLimit(err)
	require.True(t, ok)
	assert.Equal(t, wait, rl.Wait)

	_, err = src.Resolve(ctx, "other")
	require.NoError(t, err)

	require.Len(t, stub.calls, 2)
	assert.GreaterOrEqual(t, stub.calls[1].Sub(stub.calls[0]), wait)
}

func TestThrottledPauseNeverShortens(t *testing.T) {
	src := NewThrottled(&stubSource{}, 0, 1)
	src.Pause(time.Hour)
	long := src.PausedUntil()
	src.Pause(time.Millisecond)
	assert.Equal(t, long, src.PausedUntil())
}

func TestThrottledWaitHonoursContext(t *testing.T) {
	src := NewThrottled(&stubSource{}, 0, 1)
	src.Pause(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := src.Download(ctx, MediaRef{ID: "x"}, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
