package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/channelfeed/internal/source"
)

type fakeReconnecter struct {
	mu    sync.Mutex
	calls int
	errs  []error
	delay time.Duration
}

func (f *fakeReconnecter) Reconnect(context.Context) error {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeReconnecter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingPauser struct {
	waits []time.Duration
}

func (p *recordingPauser) Pause(d time.Duration) { p.waits = append(p.waits, d) }

func newTestPolicy(r Reconnecter, p Pauser) (*Policy, *Stats) {
	stats := &Stats{}
	return NewPolicy(r, p, stats, 3, time.Millisecond, slog.New(slog.DiscardHandler)), stats
}

func TestPolicyClassify(t *testing.T) {
	p, _ := newTestPolicy(&fakeReconnecter{}, nil)
	cases := map[string]struct {
		err  error
		want Action
	}{
		"nil":          {nil, ActionNone},
		"not found":    {fmt.Errorf("resolve: %w", source.ErrNotFound), ActionSkip},
		"private":      {source.ErrPrivate, ActionSkip},
		"rate limit":   {fmt.Errorf("list: %w", &source.RateLimitError{Wait: time.Second}), ActionBackoff},
		"disconnected": {fmt.Errorf("list: %w", source.ErrDisconnected), ActionReconnect},
		"other":        {errors.New("boom"), ActionTransient},
		"timeout":      {context.DeadlineExceeded, ActionTransient},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, p.Classify(tc.err))
		})
	}
}

func TestPolicyBackoffPausesSharedClient(t *testing.T) {
	pauser := &recordingPauser{}
	p, stats := newTestPolicy(&fakeReconnecter{}, pauser)

	require.NoError(t, p.Handle(context.Background(), 1, &source.RateLimitError{Wait: 42 * time.Second}))
	assert.Equal(t, []time.Duration{42 * time.Second}, pauser.waits)
	assert.Equal(t, int64(1), stats.Snapshot().RateLimited)
}

func TestPolicyBackoffWithoutPauserSleeps(t *testing.T) {
	p, _ := newTestPolicy(&fakeReconnecter{}, nil)
	start := time.Now()
	require.NoError(t, p.Handle(context.Background(), 1, &source.RateLimitError{Wait: 30 * time.Millisecond}))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPolicyReconnectRetriesThenSucceeds(t *testing.T) {
	r := &fakeReconnecter{errs: []error{errors.New("down"), errors.New("down")}}
	p, stats := newTestPolicy(r, nil)

	require.NoError(t, p.Handle(context.Background(), 1, source.ErrDisconnected))
	assert.Equal(t, 3, r.count())
	assert.Equal(t, int64(1), stats.Snapshot().Reconnects)
}

func TestPolicyReconnectExhaustedIsFatal(t *testing.T) {
	down := errors.New("down")
	r := &fakeReconnecter{errs: []error{down, down, down, down}}
	p, _ := newTestPolicy(r, nil)

	err := p.Handle(context.Background(), 1, source.ErrDisconnected)
	require.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Equal(t, 3, r.count())
}

func TestPolicyReconnectIsSharedAcrossTasks(t *testing.T) {
	r := &fakeReconnecter{delay: 20 * time.Millisecond}
	p, _ := newTestPolicy(r, nil)
	failedAt := time.Now()

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.reconnect(context.Background(), failedAt))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, r.count())
}

func TestPolicySkipAndTransientAreNotFatal(t *testing.T) {
	p, stats := newTestPolicy(&fakeReconnecter{}, nil)
	ctx := context.Background()
	require.NoError(t, p.Handle(ctx, 1, source.ErrPrivate))
	require.NoError(t, p.Handle(ctx, 2, errors.New("db down")))

	snap := stats.Snapshot()
	assert.Equal(t, int64(1), snap.ChannelsSkipped)
	assert.Equal(t, int64(1), snap.ChannelErrors)
}
