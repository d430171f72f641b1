package media

import (
	"fmt"
	"strings"

	"github.com/voyagen/channelfeed/internal/models"
	"github.com/voyagen/channelfeed/internal/source"
)

// Classify derives the stored media kind from the declared content type.
func Classify(ref source.MediaRef) (string, bool) {
	ct := normalizeContentType(ref.ContentType)
	switch {
	case ct == "image/gif":
		return models.MediaGIF, true
	case ct == "image/webp", ct == "application/x-tgsticker":
		return models.MediaSticker, true
	case strings.HasPrefix(ct, "image/"):
		return models.MediaPhoto, true
	case strings.HasPrefix(ct, "video/"):
		if ref.Animated {
			return models.MediaGIF, true
		}
		return models.MediaVideo, true
	case strings.HasPrefix(ct, "audio/"):
		return models.MediaAudio, true
	}
	return "", false
}

var extByContentType = map[string]string{
	"video/mp4":               "mp4",
	"video/webm":              "webm",
	"video/quicktime":         "mov",
	"audio/mpeg":              "mp3",
	"audio/mp4":               "m4a",
	"audio/x-m4a":             "m4a",
	"audio/ogg":               "ogg",
	"audio/wav":               "wav",
	"image/gif":               "gif",
	"image/webp":              "webp",
	"application/x-tgsticker": "tgs",
}

var defaultExt = map[string]string{
	models.MediaVideo:   "mp4",
	models.MediaAudio:   "mp3",
	models.MediaGIF:     "mp4",
	models.MediaSticker: "webp",
}

// Extension returns the file extension stored objects of this kind get.
// Photos are always re-encoded, so they are always "jpg".
func Extension(kind string, ref source.MediaRef) string {
	if kind == models.MediaPhoto {
		return "jpg"
	}
	if ext, ok := extByContentType[normalizeContentType(ref.ContentType)]; ok {
		return ext
	}
	if ext, ok := defaultExt[kind]; ok {
		return ext
	}
	return "bin"
}

// ObjectKey is deterministic in (channel, message, index, extension) so a
// replayed upload lands on the same object.
func ObjectKey(channelID, messageID int64, index int, ext string) string {
	if index > 0 {
		return fmt.Sprintf("media/%d/%d_%d.%s", channelID, messageID, index, ext)
	}
	return fmt.Sprintf("media/%d/%d.%s", channelID, messageID, ext)
}

// ThumbnailKey is the derived key of a video's thumbnail.
func ThumbnailKey(channelID, messageID int64, index int) string {
	if index > 0 {
		return fmt.Sprintf("media/%d/%d_%d_thumb.jpg", channelID, messageID, index)
	}
	return fmt.Sprintf("media/%d/%d_thumb.jpg", channelID, messageID)
}

func normalizeContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
