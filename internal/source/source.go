// Package source defines the capability interface of the external message
// source and the error taxonomy the ingestion policy classifies.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voyagen/channelfeed/internal/models"
)

// Source is the narrow view of the message source the pipeline relies on.
// A single Source is shared by every channel task.
type Source interface {
	// Resolve turns a channel ref (handle or numeric id) into a usable Handle.
	Resolve(ctx context.Context, ref string) (Handle, error)
	// ListMessages returns up to limit messages, newest first. A non-zero
	// beforeID is an exclusive upper bound on message ids.
	ListMessages(ctx context.Context, h Handle, limit int, beforeID int64) ([]Message, error)
	// Download fetches the bytes of a media reference, failing with
	// ErrTooLarge instead of reading past maxBytes (<= 0 means no ceiling).
	Download(ctx context.Context, ref MediaRef, maxBytes int64) ([]byte, error)
	// Reconnect re-establishes the shared connection after ErrDisconnected.
	Reconnect(ctx context.Context) error
}

// Handle is a resolved channel.
type Handle struct {
	ChannelID  int64     `json:"channel_id"`
	AccessHash int64     `json:"access_hash,omitempty"`
	Username   string    `json:"username,omitempty"`
	Title      string    `json:"title"`
	Avatar     *MediaRef `json:"avatar,omitempty"`
}

// Message is one raw message as delivered by the source.
type Message struct {
	ID        int64                  `json:"id"`
	GroupID   *int64                 `json:"group_id,omitempty"`
	Text      string                 `json:"text"`
	Date      time.Time              `json:"date"`
	Media     []MediaRef             `json:"media,omitempty"`
	Views     int                    `json:"views"`
	Reactions []models.ReactionCount `json:"reactions,omitempty"`
	Forward   *models.ForwardedFrom  `json:"forward,omitempty"`
}

// MediaRef points at a binary attachment without holding its bytes.
type MediaRef struct {
	ID          string `json:"id"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Animated    bool   `json:"animated,omitempty"`
	FileName    string `json:"file_name,omitempty"`
}

var (
	// ErrNotFound means the channel does not exist or cannot be resolved.
	ErrNotFound = errors.New("source: channel not found")
	// ErrPrivate means the channel exists but is not accessible to this client.
	ErrPrivate = errors.New("source: channel is private or inaccessible")
	// ErrDisconnected means the shared client lost its connection.
	ErrDisconnected = errors.New("source: client disconnected")
	// ErrTooLarge means a media body exceeded the caller's size ceiling.
	ErrTooLarge = errors.New("source: media exceeds size limit")
)

// RateLimitError carries the wait the source demands before the next request.
type RateLimitError struct {
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("source: rate limited, retry after %s", e.Wait)
}

// IsAccessError reports whether err means the channel should be skipped this pass.
func IsAccessError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrPrivate)
}

// AsRateLimit unwraps a RateLimitError from err.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
