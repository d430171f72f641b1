package source

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttled wraps the shared Source so that every caller honours a
// rate-limit pause, not only the task that received it. It also paces
// requests with a token bucket.
type Throttled struct {
	inner   Source
	limiter *rate.Limiter

	mu          sync.Mutex
	pausedUntil time.Time
}

// NewThrottled paces inner to perSecond requests with the given burst.
// perSecond <= 0 disables pacing; rate-limit pauses still apply.
func NewThrottled(inner Source, perSecond float64, burst int) *Throttled {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

// Pause blocks all requests for at least d from now. A shorter pause never
// shortens one already in effect.
func (t *Throttled) Pause(d time.Duration) {
	until := time.Now().Add(d)
	t.mu.Lock()
	if until.After(t.pausedUntil) {
		t.pausedUntil = until
	}
	t.mu.Unlock()
}

// PausedUntil reports the current pause deadline (zero when never paused).
func (t *Throttled) PausedUntil() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pausedUntil
}

func (t *Throttled) wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		d := time.Until(t.pausedUntil)
		t.mu.Unlock()
		if d <= 0 {
			break
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return t.limiter.Wait(ctx)
}

func (t *Throttled) observe(err error) error {
	if rl, ok := AsRateLimit(err); ok {
		t.Pause(rl.Wait)
	}
	return err
}

func (t *Throttled) Resolve(ctx context.Context, ref string) (Handle, error) {
	if err := t.wait(ctx); err != nil {
		return Handle{}, err
	}
	h, err := t.inner.Resolve(ctx, ref)
	return h, t.observe(err)
}

func (t *Throttled) ListMessages(ctx context.Context, h Handle, limit int, beforeID int64) ([]Message, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	msgs, err := t.inner.ListMessages(ctx, h, limit, beforeID)
	return msgs, t.observe(err)
}

func (t *Throttled) Download(ctx context.Context, ref MediaRef, maxBytes int64) ([]byte, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	data, err := t.inner.Download(ctx, ref, maxBytes)
	return data, t.observe(err)
}

func (t *Throttled) Reconnect(ctx context.Context) error {
	return t.inner.Reconnect(ctx)
}
