package service

import "sync/atomic"

// Stats counts pipeline outcomes. All methods are safe for concurrent use.
type Stats struct {
	channelsSynced   atomic.Int64
	channelsSkipped  atomic.Int64
	channelErrors    atomic.Int64
	rateLimited      atomic.Int64
	reconnects       atomic.Int64
	postsInserted    atomic.Int64
	mediaStored      atomic.Int64
	mediaSkipped     atomic.Int64
	newChannelJobs   atomic.Int64
	backfillsHandled atomic.Int64
	passesCompleted  atomic.Int64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	ChannelsSynced   int64 `json:"channels_synced"`
	ChannelsSkipped  int64 `json:"channels_skipped"`
	ChannelErrors    int64 `json:"channel_errors"`
	RateLimited      int64 `json:"rate_limited"`
	Reconnects       int64 `json:"reconnects"`
	PostsInserted    int64 `json:"posts_inserted"`
	MediaStored      int64 `json:"media_stored"`
	MediaSkipped     int64 `json:"media_skipped"`
	NewChannelJobs   int64 `json:"new_channel_jobs"`
	BackfillsHandled int64 `json:"backfills_handled"`
	PassesCompleted  int64 `json:"passes_completed"`
}

func (s *Stats) ChannelSynced(inserted int64) {
	s.channelsSynced.Add(1)
	s.postsInserted.Add(inserted)
}

func (s *Stats) ChannelSkipped()  { s.channelsSkipped.Add(1) }
func (s *Stats) ChannelFailed()   { s.channelErrors.Add(1) }
func (s *Stats) RateLimited()     { s.rateLimited.Add(1) }
func (s *Stats) Reconnected()     { s.reconnects.Add(1) }
func (s *Stats) MediaStored()     { s.mediaStored.Add(1) }
func (s *Stats) MediaSkipped()    { s.mediaSkipped.Add(1) }
func (s *Stats) NewChannelJob()   { s.newChannelJobs.Add(1) }
func (s *Stats) BackfillHandled() { s.backfillsHandled.Add(1) }
func (s *Stats) PassCompleted()   { s.passesCompleted.Add(1) }

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		ChannelsSynced:   s.channelsSynced.Load(),
		ChannelsSkipped:  s.channelsSkipped.Load(),
		ChannelErrors:    s.channelErrors.Load(),
		RateLimited:      s.rateLimited.Load(),
		Reconnects:       s.reconnects.Load(),
		PostsInserted:    s.postsInserted.Load(),
		MediaStored:      s.mediaStored.Load(),
		MediaSkipped:     s.mediaSkipped.Load(),
		NewChannelJobs:   s.newChannelJobs.Load(),
		BackfillsHandled: s.backfillsHandled.Load(),
		PassesCompleted:  s.passesCompleted.Load(),
	}
}
