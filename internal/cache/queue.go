package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue and topic keys shared with the subscription flow and the bot front-end.
const (
	NewChannelQueue = "channelfeed:jobs:new_channel"
	EventsTopic     = "channelfeed:events:channel_synced"
)

// NewChannelJob asks for an immediate first sync of a freshly subscribed channel.
type NewChannelJob struct {
	ChannelID int64  `json:"channel_id"`
	Username  string `json:"username,omitempty"`
	UserID    int64  `json:"user_id"`
}

// SyncEvent is published once a new-channel job has been attempted.
type SyncEvent struct {
	ChannelID int64  `json:"channel_id"`
	UserID    int64  `json:"user_id"`
	Inserted  int64  `json:"inserted"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// Enqueue pushes a job onto the left side of a Redis list.
func Enqueue(ctx context.Context, r *Redis, queue string, job NewChannelJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue marshal: %w", err)
	}
	return r.client.LPush(ctx, queue, data).Err()
}

// Dequeue blocks until a job is available on the right side of the list
// or the timeout expires. When the timeout elapses without a job,
// (nil, nil) is returned so the caller can loop and check for shutdown.
func Dequeue(ctx context.Context, r *Redis, queue string, timeout time.Duration) (*NewChannelJob, error) {
	result, err := r.client.BRPop(ctx, timeout, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		// Context cancelled (shutdown), not an error.
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queue dequeue: %w", err)
	}
	// BRPop returns [key, value].
	if len(result) < 2 {
		return nil, nil
	}
	var job NewChannelJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("queue unmarshal: %w", err)
	}
	return &job, nil
}

// Publish sends ev as JSON on topic. Delivery is fire-and-forget.
func Publish(ctx context.Context, r *Redis, topic string, ev SyncEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("publish marshal: %w", err)
	}
	return r.client.Publish(ctx, topic, data).Err()
}
