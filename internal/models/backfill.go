package models

import "time"

// BackfillRequest asks for older posts across every channel a user follows.
// The read path creates it when a feed page comes back empty.
type BackfillRequest struct {
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}
