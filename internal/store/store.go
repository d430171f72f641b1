package store

import (
	"context"
	"errors"

	"github.com/voyagen/channelfeed/internal/models"
)

// ErrNotFound is returned by point lookups that match no row.
var ErrNotFound = errors.New("not found")

// Store defines persistence for channels, posts and backfill markers.
type Store interface {
	// ListActiveChannels returns channels with at least one subscriber.
	ListActiveChannels(ctx context.Context) ([]models.Channel, error)
	// ListUserChannels returns the channels a user is subscribed to.
	ListUserChannels(ctx context.Context, userID int64) ([]models.Channel, error)
	// GetChannel returns one channel or ErrNotFound.
	GetChannel(ctx context.Context, channelID int64) (*models.Channel, error)
	// UpsertChannel creates the channel or refreshes its title and handle.
	UpsertChannel(ctx context.Context, ch *models.Channel) error
	// UpdateChannelAvatar sets the stored avatar URL.
	UpdateChannelAvatar(ctx context.Context, channelID int64, url string) error

	// ExistingPosts reports which of the given message ids (in channelID) and
	// group ids are already stored.
	ExistingPosts(ctx context.Context, channelID int64, messageIDs, groupIDs []int64) (Known, error)
	// InsertPosts inserts posts in one transaction, silently skipping rows that
	// collide on (channel_id, message_id) or group_id. Returns rows inserted.
	InsertPosts(ctx context.Context, posts []models.Post) (int64, error)
	// GetPost is a point lookup by channel and message id.
	GetPost(ctx context.Context, channelID, messageID int64) (*models.Post, error)
	// OldestMessageID returns the smallest stored message id of a channel.
	OldestMessageID(ctx context.Context, channelID int64) (id int64, ok bool, err error)

	// ListBackfillRequests returns pending markers, oldest first.
	ListBackfillRequests(ctx context.Context, limit int) ([]models.BackfillRequest, error)
	// CreateBackfillRequest records a marker; an existing marker is kept.
	CreateBackfillRequest(ctx context.Context, userID int64) error
	// DeleteBackfillRequest removes a user's marker.
	DeleteBackfillRequest(ctx context.Context, userID int64) error

	Close()
}

// Known is the result of ExistingPosts.
type Known struct {
	MessageIDs map[int64]struct{}
	GroupIDs   map[int64]struct{}
}

// Has reports whether a candidate with this message id or group id is stored.
func (k Known) Has(messageID int64, groupID *int64) bool {
	if _, ok := k.MessageIDs[messageID]; ok {
		return true
	}
	if groupID != nil {
		if _, ok := k.GroupIDs[*groupID]; ok {
			return true
		}
	}
	return false
}

func newKnown() Known {
	return Known{MessageIDs: make(map[int64]struct{}), GroupIDs: make(map[int64]struct{})}
}
