package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/voyagen/channelfeed/internal/source"
)

// ErrReconnectExhausted is fatal: the shared client could not be restored.
var ErrReconnectExhausted = errors.New("service: reconnect attempts exhausted")

const (
	DefaultReconnectAttempts = 3
	DefaultReconnectBackoff  = 30 * time.Second
)

// Action is what the policy does with a failed channel task.
type Action int

const (
	ActionNone Action = iota
	// ActionSkip drops the channel for this pass without retry.
	ActionSkip
	// ActionBackoff honours the wait the source demanded.
	ActionBackoff
	// ActionTransient logs and counts; the next pass retries.
	ActionTransient
	// ActionReconnect restores the shared client before work continues.
	ActionReconnect
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionBackoff:
		return "backoff"
	case ActionTransient:
		return "transient"
	case ActionReconnect:
		return "reconnect"
	default:
		return "none"
	}
}

// Pauser gates every caller of a shared client; source.Throttled is one.
type Pauser interface {
	Pause(d time.Duration)
}

// Reconnecter restores a shared client.
type Reconnecter interface {
	Reconnect(ctx context.Context) error
}

// Policy classifies per-channel failures and applies the matching action.
// One Policy is shared by all tasks so that a reconnect happens once for
// every task that observed the same disconnect.
type Policy struct {
	client   Reconnecter
	pauser   Pauser
	stats    *Stats
	logger   *slog.Logger
	attempts uint
	interval time.Duration

	mu            sync.Mutex
	lastReconnect time.Time
}

// NewPolicy builds a Policy. pauser may be nil, in which case a rate limit
// blocks only the task that hit it.
func NewPolicy(client Reconnecter, pauser Pauser, stats *Stats, attempts int, interval time.Duration, logger *slog.Logger) *Policy {
	if attempts <= 0 {
		attempts = DefaultReconnectAttempts
	}
	if interval <= 0 {
		interval = DefaultReconnectBackoff
	}
	if stats == nil {
		stats = &Stats{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		client:   client,
		pauser:   pauser,
		stats:    stats,
		logger:   logger.With("component", "policy"),
		attempts: uint(attempts),
		interval: interval,
	}
}

// Classify maps an error to an action.
func (p *Policy) Classify(err error) Action {
	switch {
	case err == nil:
		return ActionNone
	case source.IsAccessError(err):
		return ActionSkip
	case errors.Is(err, source.ErrDisconnected):
		return ActionReconnect
	}
	if _, ok := source.AsRateLimit(err); ok {
		return ActionBackoff
	}
	return ActionTransient
}

// Handle applies the action for err. It returns a non-nil error only when
// the failure is fatal to the whole process.
func (p *Policy) Handle(ctx context.Context, channelID int64, err error) error {
	failedAt := time.Now()
	action := p.Classify(err)
	log := p.logger.With("channel_id", channelID, "action", action.String(), "error", err)

	switch action {
	case ActionNone:
		return nil
	case ActionSkip:
		p.stats.ChannelSkipped()
		log.Info("channel inaccessible, skipped for this pass")
		return nil
	case ActionBackoff:
		p.stats.RateLimited()
		rl, _ := source.AsRateLimit(err)
		log.Warn("rate limited", "wait", rl.Wait)
		if p.pauser != nil {
			p.pauser.Pause(rl.Wait)
			return nil
		}
		t := time.NewTimer(rl.Wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		return nil
	case ActionReconnect:
		p.stats.ChannelFailed()
		log.Warn("source disconnected")
		return p.reconnect(ctx, failedAt)
	default:
		p.stats.ChannelFailed()
		log.Error("channel sync failed")
		return nil
	}
}

// reconnect runs at most one reconnect sequence at a time. A task whose
// failure predates the last successful reconnect does not start another.
func (p *Policy) reconnect(ctx context.Context, failedAt time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastReconnect.After(failedAt) {
		return nil
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.client.Reconnect(ctx)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.interval)),
		backoff.WithMaxTries(p.attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn("reconnect failed, retrying", "error", err, "next", next)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
	}
	p.lastReconnect = time.Now()
	p.stats.Reconnected()
	p.logger.Info("source reconnected")
	return nil
}
