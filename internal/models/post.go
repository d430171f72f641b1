package models

import "time"

// Post is one logical unit surfaced downstream. An album of several raw
// messages becomes a single Post keyed by its lowest message id.
type Post struct {
	ID            int64           `json:"id,omitempty"`
	ChannelID     int64           `json:"channel_id"`
	MessageID     int64           `json:"message_id"`
	GroupID       *int64          `json:"group_id,omitempty"`
	Text          string          `json:"text"`
	Date          time.Time       `json:"date"`
	Media         []MediaItem     `json:"media"`
	Views         int             `json:"views"`
	Reactions     []ReactionCount `json:"reactions"`
	ForwardedFrom *ForwardedFrom  `json:"forwarded_from,omitempty"`
	CreatedAt     *time.Time      `json:"created_at,omitempty"`
	UpdatedAt     *time.Time      `json:"updated_at,omitempty"`
}

// MediaItem is one stored attachment of a post. Order within Post.Media is significant.
type MediaItem struct {
	Type         string  `json:"type"`
	URL          string  `json:"url"`
	ThumbnailURL *string `json:"thumbnail_url,omitempty"`
}

// ReactionCount is a snapshot of one reaction. Exactly one of Emoticon or CustomID is set.
type ReactionCount struct {
	Emoticon *string `json:"emoticon,omitempty"`
	CustomID *string `json:"custom_id,omitempty"`
	Count    int     `json:"count"`
}

// ForwardedFrom records where a forwarded post originally came from.
type ForwardedFrom struct {
	Name      string  `json:"name"`
	Username  *string `json:"username,omitempty"`
	ChannelID *int64  `json:"channel_id,omitempty"`
}
