package service

import (
	"bytes"
	"cmp"
	"context"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voyagen/channelfeed/internal/blob"
	"github.com/voyagen/channelfeed/internal/cache"
	"github.com/voyagen/channelfeed/internal/media"
	"github.com/voyagen/channelfeed/internal/models"
	"github.com/voyagen/channelfeed/internal/source"
	"github.com/voyagen/channelfeed/internal/store"
)

type fakeChannel struct {
	handle source.Handle
	msgs   []source.Message
}

type listCall struct {
	ref      string
	beforeID int64
	at       time.Time
}

// fakeSource serves canned channels and records every call.
type fakeSource struct {
	mu         sync.Mutex
	channels   map[string]fakeChannel
	blobs      map[string][]byte
	listErrs   map[string][]error // consumed one per call; the last one sticks
	block      map[string]bool
	gates      map[string]chan struct{} // list calls wait for the gate to close
	reconnErrs []error // consumed one per call; the last one sticks
	lists      []listCall
	downloads  map[string]int
	reconnects int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		channels:  make(map[string]fakeChannel),
		blobs:     make(map[string][]byte),
		listErrs:  make(map[string][]error),
		block:     make(map[string]bool),
		gates:     make(map[string]chan struct{}),
		downloads: make(map[string]int),
	}
}

func (f *fakeSource) addChannel(id int64, username string, msgs ...source.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[username] = fakeChannel{
		handle: source.Handle{ChannelID: id, Username: username, Title: "Channel " + username},
		msgs:   msgs,
	}
}

func (f *fakeSource) Resolve(_ context.Context, ref string) (source.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[ref]
	if !ok {
		return source.Handle{}, source.ErrNotFound
	}
	return ch.handle, nil
}

func (f *fakeSource) ListMessages(ctx context.Context, h source.Handle, limit int, beforeID int64) ([]source.Message, error) {
	f.mu.Lock()
	f.lists = append(f.lists, listCall{ref: h.Username, beforeID: beforeID, at: time.Now()})
	blocked := f.block[h.Username]
	gate := f.gates[h.Username]
	var err error
	if errs := f.listErrs[h.Username]; len(errs) > 0 {
		err = errs[0]
		if len(errs) > 1 {
			f.listErrs[h.Username] = errs[1:]
		}
	}
	ch := f.channels[h.Username]
	f.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gate:
		}
	}
	if err != nil {
		return nil, err
	}
	var out []source.Message
	for _, m := range ch.msgs {
		if beforeID == 0 || m.ID < beforeID {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b source.Message) int { return cmp.Compare(b.ID, a.ID) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeSource) Download(_ context.Context, ref source.MediaRef, maxBytes int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads[ref.ID]++
	if data, ok := f.blobs[ref.ID]; ok {
		if maxBytes > 0 && int64(len(data)) > maxBytes {
			return nil, source.ErrTooLarge
		}
		return data, nil
	}
	return []byte("bytes of " + ref.ID), nil
}

func (f *fakeSource) Reconnect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	if len(f.reconnErrs) == 0 {
		return nil
	}
	err := f.reconnErrs[0]
	if len(f.reconnErrs) > 1 {
		f.reconnErrs = f.reconnErrs[1:]
	}
	return err
}

func (f *fakeSource) failList(ref string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErrs[ref] = errs
}

func (f *fakeSource) downloadCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads[id]
}

func (f *fakeSource) listCalls() []listCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.lists)
}

func (f *fakeSource) reconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

func text(id int64, body string) source.Message {
	return source.Message{ID: id, Text: body, Date: time.Unix(1_700_000_000+id, 0).UTC()}
}

func video(id int64, group *int64, mediaID string) source.Message {
	return source.Message{
		ID:      id,
		GroupID: group,
		Date:    time.Unix(1_700_000_000+id, 0).UTC(),
		Media:   []source.MediaRef{{ID: mediaID, ContentType: "video/mp4", Size: 64}},
	}
}

func ptr[T any](v T) *T { return &v }

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type harness struct {
	src   *fakeSource
	store *store.Memory
	blobs *blob.Memory
	stats *Stats
	orch  *Orchestrator
}

func newHarness(t *testing.T, src *fakeSource, cfg Config, rds *cache.Redis) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	throttled := source.NewThrottled(src, 0, 1)
	st := store.NewMemory()
	blobs := blob.NewMemory("https://cdn.test")
	stats := &Stats{}

	entities := cache.NewEntityCache(throttled, 0)
	uploader := media.NewUploader(throttled, blobs, nil, stats, media.Options{}, logger)
	ingester := NewIngester(throttled, entities, st, uploader, logger)
	policy := NewPolicy(throttled, throttled, stats, 3, 5*time.Millisecond, logger)
	return &harness{
		src:   src,
		store: st,
		blobs: blobs,
		stats: stats,
		orch:  NewOrchestrator(cfg, ingester, policy, st, rds, stats, logger),
	}
}

func (h *harness) subscribe(userID, channelID int64, username string) {
	h.store.Subscribe(userID, models.Channel{ID: channelID, Username: ptr(username), Title: username})
}
