package models

import "strconv"

// Media kinds stored in posts.media[].type.
const (
	MediaPhoto   = "photo"
	MediaVideo   = "video"
	MediaAudio   = "audio"
	MediaGIF     = "gif"
	MediaSticker = "sticker"
)

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
