// Package media downloads, transcodes and stores post attachments.
package media

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/voyagen/channelfeed/internal/blob"
	"github.com/voyagen/channelfeed/internal/models"
	"github.com/voyagen/channelfeed/internal/source"
)

// Defaults for Options fields left at zero.
const (
	DefaultMaxBytes     int64 = 60 << 20
	DefaultConcurrency  int64 = 10
	DefaultJPEGQuality        = 85
	DefaultPhotoMaxSide       = 2560
	DefaultThumbMaxSide       = 480
)

var (
	// ErrTooLarge marks a reference above the size ceiling.
	ErrTooLarge = source.ErrTooLarge
	// ErrUnsupported marks a content type no media kind maps to.
	ErrUnsupported = errors.New("media: unsupported content type")
	// ErrProcessing marks a failure to decode or encode media bytes.
	ErrProcessing = errors.New("media: processing failed")
)

// Downloader fetches media bytes; source.Source satisfies it.
type Downloader interface {
	Download(ctx context.Context, ref source.MediaRef, maxBytes int64) ([]byte, error)
}

// Recorder receives per-item outcomes.
type Recorder interface {
	MediaStored()
	MediaSkipped()
}

type Options struct {
	MaxBytes     int64
	Concurrency  int64
	JPEGQuality  int
	PhotoMaxSide int
	ThumbMaxSide int
}

func (o *Options) withDefaults() {
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.JPEGQuality <= 0 {
		o.JPEGQuality = DefaultJPEGQuality
	}
	if o.PhotoMaxSide <= 0 {
		o.PhotoMaxSide = DefaultPhotoMaxSide
	}
	if o.ThumbMaxSide <= 0 {
		o.ThumbMaxSide = DefaultThumbMaxSide
	}
}

// Uploader stores media idempotently. One Uploader is shared by every
// channel task so its semaphore caps uploads process-wide.
type Uploader struct {
	src    Downloader
	store  blob.Store
	frames FrameExtractor
	rec    Recorder
	sem    *semaphore.Weighted
	opts   Options
	logger *slog.Logger
}

// NewUploader builds an Uploader. frames and rec may be nil.
func NewUploader(src Downloader, store blob.Store, frames FrameExtractor, rec Recorder, opts Options, logger *slog.Logger) *Uploader {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		src:    src,
		store:  store,
		frames: frames,
		rec:    rec,
		sem:    semaphore.NewWeighted(opts.Concurrency),
		opts:   opts,
		logger: logger.With("component", "media"),
	}
}

// Upload stores the index-th attachment of a message and returns its
// MediaItem. Any failure is logged and reported as (nil, false); it never
// aborts the caller's batch.
func (u *Uploader) Upload(ctx context.Context, ref source.MediaRef, channelID, messageID int64, index int) (*models.MediaItem, bool) {
	item, err := u.upload(ctx, ref, channelID, messageID, index)
	if err != nil {
		u.logger.Warn("media skipped",
			"channel_id", channelID, "message_id", messageID, "media_id", ref.ID,
			"content_type", ref.ContentType, "size", ref.Size, "error", err)
		u.skipped()
		return nil, false
	}
	if u.rec != nil {
		u.rec.MediaStored()
	}
	return item, true
}

func (u *Uploader) upload(ctx context.Context, ref source.MediaRef, channelID, messageID int64, index int) (*models.MediaItem, error) {
	kind, ok := Classify(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, ref.ContentType)
	}
	if ref.Size > u.opts.MaxBytes {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrTooLarge, ref.Size)
	}
	key := ObjectKey(channelID, messageID, index, Extension(kind, ref))
	thumbKey := ThumbnailKey(channelID, messageID, index)

	if err := u.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer u.sem.Release(1)

	item := &models.MediaItem{Type: kind, URL: u.store.ObjectURL(key)}
	if u.exists(ctx, key) {
		if kind == models.MediaVideo && u.exists(ctx, thumbKey) {
			thumb := u.store.ObjectURL(thumbKey)
			item.ThumbnailURL = &thumb
		}
		return item, nil
	}

	data, err := u.src.Download(ctx, ref, u.opts.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if int64(len(data)) > u.opts.MaxBytes {
		return nil, fmt.Errorf("%w: downloaded %d bytes", ErrTooLarge, len(data))
	}

	body, contentType := data, ref.ContentType
	if kind == models.MediaPhoto {
		body, err = EncodeJPEG(data, u.opts.JPEGQuality, u.opts.PhotoMaxSide)
		if err != nil {
			return nil, err
		}
		contentType = "image/jpeg"
	}
	if err := u.store.PutObject(ctx, key, body, contentType); err != nil {
		return nil, fmt.Errorf("put %s: %w", key, err)
	}

	if kind == models.MediaVideo && u.frames != nil {
		if err := u.storeThumbnail(ctx, data, thumbKey); err != nil {
			u.logger.Debug("video thumbnail failed", "key", thumbKey, "error", err)
		} else {
			thumb := u.store.ObjectURL(thumbKey)
			item.ThumbnailURL = &thumb
		}
	}
	return item, nil
}

// UploadAvatar stores a channel avatar and returns its URL. The key
// includes a digest of the source ref so a changed avatar gets a new object.
func (u *Uploader) UploadAvatar(ctx context.Context, ref source.MediaRef, channelID int64) (string, bool) {
	sum := sha256.Sum256([]byte(ref.ID))
	key := fmt.Sprintf("avatars/%d_%x.jpg", channelID, sum[:6])

	url, err := u.uploadAvatar(ctx, ref, key)
	if err != nil {
		u.logger.Warn("avatar skipped", "channel_id", channelID, "media_id", ref.ID, "error", err)
		return "", false
	}
	return url, true
}

func (u *Uploader) uploadAvatar(ctx context.Context, ref source.MediaRef, key string) (string, error) {
	if ref.Size > u.opts.MaxBytes {
		return "", fmt.Errorf("%w: declared %d bytes", ErrTooLarge, ref.Size)
	}
	if err := u.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer u.sem.Release(1)

	if u.exists(ctx, key) {
		return u.store.ObjectURL(key), nil
	}
	data, err := u.src.Download(ctx, ref, u.opts.MaxBytes)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	body, err := EncodeJPEG(data, u.opts.JPEGQuality, u.opts.ThumbMaxSide)
	if err != nil {
		return "", err
	}
	if err := u.store.PutObject(ctx, key, body, "image/jpeg"); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return u.store.ObjectURL(key), nil
}

func (u *Uploader) storeThumbnail(ctx context.Context, video []byte, key string) error {
	frame, err := u.frames.ExtractFrame(ctx, video)
	if err != nil {
		return err
	}
	body, err := EncodeJPEG(frame, u.opts.JPEGQuality, u.opts.ThumbMaxSide)
	if err != nil {
		return err
	}
	return u.store.PutObject(ctx, key, body, "image/jpeg")
}

// exists treats a failed existence check as "absent" so the upload is
// retried rather than the item dropped.
func (u *Uploader) exists(ctx context.Context, key string) bool {
	ok, err := u.store.ObjectExists(ctx, key)
	if err != nil {
		u.logger.Debug("existence check failed", "key", key, "error", err)
		return false
	}
	return ok
}

func (u *Uploader) skipped() {
	if u.rec != nil {
		u.rec.MediaSkipped()
	}
}
