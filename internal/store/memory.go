package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/voyagen/channelfeed/internal/models"
)

type postKey struct {
	channelID int64
	messageID int64
}

// Memory is an in-process Store with the same uniqueness rules as the
// PostgreSQL schema. It backs tests and memory:// dry runs.
type Memory struct {
	mu            sync.Mutex
	channels      map[int64]*models.Channel
	subscriptions map[int64]map[int64]struct{} // user -> channels
	posts         map[postKey]models.Post
	groups        map[int64]postKey
	backfill      map[int64]models.BackfillRequest
	insertErrors  map[int64]error
	nextID        int64
}

func NewMemory() *Memory {
	return &Memory{
		channels:      make(map[int64]*models.Channel),
		subscriptions: make(map[int64]map[int64]struct{}),
		posts:         make(map[postKey]models.Post),
		groups:        make(map[int64]postKey),
		backfill:      make(map[int64]models.BackfillRequest),
		insertErrors:  make(map[int64]error),
	}
}

func (m *Memory) Close() {}

// Subscribe records a subscription, creating the channel row if needed.
func (m *Memory) Subscribe(userID int64, ch models.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[ch.ID]; !ok {
		c := ch
		m.channels[ch.ID] = &c
	}
	if m.subscriptions[userID] == nil {
		m.subscriptions[userID] = make(map[int64]struct{})
	}
	m.subscriptions[userID][ch.ID] = struct{}{}
}

// FailInserts makes every InsertPosts touching channelID fail with err.
// A nil err clears the failure.
func (m *Memory) FailInserts(channelID int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.insertErrors, channelID)
		return
	}
	m.insertErrors[channelID] = err
}

// Posts returns a channel's posts ordered by message id.
func (m *Memory) Posts(channelID int64) []models.Post {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := lo.Filter(lo.Values(m.posts), func(p models.Post, _ int) bool {
		return p.ChannelID == channelID
	})
	slices.SortFunc(out, func(a, b models.Post) int {
		return cmp.Compare(a.MessageID, b.MessageID)
	})
	return out
}

func (m *Memory) ListActiveChannels(_ context.Context) ([]models.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := make(map[int64]struct{})
	for _, chans := range m.subscriptions {
		for id := range chans {
			active[id] = struct{}{}
		}
	}
	return m.channelsLocked(lo.Keys(active)), nil
}

func (m *Memory) ListUserChannels(_ context.Context, userID int64) ([]models.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channelsLocked(lo.Keys(m.subscriptions[userID])), nil
}

func (m *Memory) channelsLocked(ids []int64) []models.Channel {
	slices.Sort(ids)
	return lo.FilterMap(ids, func(id int64, _ int) (models.Channel, bool) {
		ch, ok := m.channels[id]
		if !ok {
			return models.Channel{}, false
		}
		return *ch, true
	})
}

func (m *Memory) GetChannel(_ context.Context, channelID int64) (*models.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *ch
	return &c, nil
}

func (m *Memory) UpsertChannel(_ context.Context, ch *models.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.channels[ch.ID]
	if !ok {
		c := *ch
		now := time.Now()
		c.CreatedAt = &now
		m.channels[ch.ID] = &c
		return nil
	}
	existing.Title = ch.Title
	if ch.Username != nil {
		existing.Username = ch.Username
	}
	return nil
}

func (m *Memory) UpdateChannelAvatar(_ context.Context, channelID int64, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[channelID]; ok {
		ch.AvatarURL = &url
	}
	return nil
}

func (m *Memory) ExistingPosts(_ context.Context, channelID int64, messageIDs, groupIDs []int64) (Known, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	known := newKnown()
	for _, id := range messageIDs {
		if _, ok := m.posts[postKey{channelID, id}]; ok {
			known.MessageIDs[id] = struct{}{}
		}
	}
	for _, g := range groupIDs {
		if _, ok := m.groups[g]; ok {
			known.GroupIDs[g] = struct{}{}
		}
	}
	return known, nil
}

// InsertPosts applies the batch atomically: either every non-conflicting
// row is inserted or, on an injected failure, none is.
func (m *Memory) InsertPosts(_ context.Context, posts []models.Post) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range posts {
		if err := m.insertErrors[p.ChannelID]; err != nil {
			return 0, err
		}
	}
	var inserted int64
	now := time.Now()
	for _, p := range posts {
		k := postKey{p.ChannelID, p.MessageID}
		if _, dup := m.posts[k]; dup {
			continue
		}
		if p.GroupID != nil {
			if _, dup := m.groups[*p.GroupID]; dup {
				continue
			}
			m.groups[*p.GroupID] = k
		}
		m.nextID++
		p.ID = m.nextID
		p.CreatedAt, p.UpdatedAt = &now, &now
		m.posts[k] = p
		inserted++
	}
	return inserted, nil
}

func (m *Memory) GetPost(_ context.Context, channelID, messageID int64) (*models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postKey{channelID, messageID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *Memory) OldestMessageID(_ context.Context, channelID int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest int64
	found := false
	for k := range m.posts {
		if k.channelID == channelID && (!found || k.messageID < oldest) {
			oldest, found = k.messageID, true
		}
	}
	return oldest, found, nil
}

func (m *Memory) ListBackfillRequests(_ context.Context, limit int) ([]models.BackfillRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := lo.Values(m.backfill)
	slices.SortFunc(out, func(a, b models.BackfillRequest) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateBackfillRequest(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backfill[userID]; !ok {
		m.backfill[userID] = models.BackfillRequest{UserID: userID, CreatedAt: time.Now()}
	}
	return nil
}

func (m *Memory) DeleteBackfillRequest(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backfill, userID)
	return nil
}
