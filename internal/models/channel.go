package models

import "time"

// Channel is an external publisher whose messages are ingested.
type Channel struct {
	ID        int64      `json:"id"`
	Username  *string    `json:"username,omitempty"`
	Title     string     `json:"title"`
	AvatarURL *string    `json:"avatar_url,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Ref returns the identifier the message source understands best:
// the public handle when known, else the numeric id.
func (c Channel) Ref() string {
	if c.Username != nil && *c.Username != "" {
		return *c.Username
	}
	return formatID(c.ID)
}
