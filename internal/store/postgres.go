package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"github.com/voyagen/channelfeed/internal/models"
)

// Postgres implements Store using PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store from a DSN. Caller must call Close when done.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

const channelColumns = `c.id, c.username, c.title, c.avatar_url, c.created_at`

func scanChannels(rows pgx.Rows) ([]models.Channel, error) {
	defer rows.Close()
	var out []models.Channel
	for rows.Next() {
		var ch models.Channel
		if err := rows.Scan(&ch.ID, &ch.Username, &ch.Title, &ch.AvatarURL, &ch.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (p *Postgres) ListActiveChannels(ctx context.Context) ([]models.Channel, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM channels c
		 WHERE EXISTS (SELECT 1 FROM subscriptions s WHERE s.channel_id = c.id)
		 ORDER BY c.id`)
	if err != nil {
		return nil, fmt.Errorf("ListActiveChannels: %w", err)
	}
	channels, err := scanChannels(rows)
	if err != nil {
		return nil, fmt.Errorf("ListActiveChannels: %w", err)
	}
	return channels, nil
}

func (p *Postgres) ListUserChannels(ctx context.Context, userID int64) ([]models.Channel, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM channels c
		 JOIN subscriptions s ON s.channel_id = c.id
		 WHERE s.user_id = $1
		 ORDER BY c.id`, userID)
	if err != nil {
		return nil, oops.With("user_id", userID).Wrapf(err, "ListUserChannels")
	}
	channels, err := scanChannels(rows)
	if err != nil {
		return nil, oops.With("user_id", userID).Wrapf(err, "ListUserChannels")
	}
	return channels, nil
}

func (p *Postgres) GetChannel(ctx context.Context, channelID int64) (*models.Channel, error) {
	var ch models.Channel
	err := p.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels c WHERE c.id = $1`, channelID,
	).Scan(&ch.ID, &ch.Username, &ch.Title, &ch.AvatarURL, &ch.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, oops.With("channel_id", channelID).Wrapf(err, "GetChannel")
	}
	return &ch, nil
}

func (p *Postgres) UpsertChannel(ctx context.Context, ch *models.Channel) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO channels (id, username, title) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET
		   username = COALESCE(EXCLUDED.username, channels.username),
		   title = EXCLUDED.title`,
		ch.ID, ch.Username, ch.Title)
	if err != nil {
		return oops.With("channel_id", ch.ID).Wrapf(err, "UpsertChannel")
	}
	return nil
}

func (p *Postgres) UpdateChannelAvatar(ctx context.Context, channelID int64, url string) error {
	_, err := p.pool.Exec(ctx, `UPDATE channels SET avatar_url = $2 WHERE id = $1`, channelID, url)
	if err != nil {
		return oops.With("channel_id", channelID).Wrapf(err, "UpdateChannelAvatar")
	}
	return nil
}

func (p *Postgres) ExistingPosts(ctx context.Context, channelID int64, messageIDs, groupIDs []int64) (Known, error) {
	known := newKnown()
	if len(messageIDs) == 0 && len(groupIDs) == 0 {
		return known, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT message_id, group_id FROM posts
		 WHERE (channel_id = $1 AND message_id = ANY($2))
		    OR group_id = ANY($3)`,
		channelID, messageIDs, groupIDs)
	if err != nil {
		return known, oops.With("channel_id", channelID).Wrapf(err, "ExistingPosts")
	}
	defer rows.Close()
	for rows.Next() {
		var msgID int64
		var groupID *int64
		if err := rows.Scan(&msgID, &groupID); err != nil {
			return known, oops.With("channel_id", channelID).Wrapf(err, "ExistingPosts scan")
		}
		known.MessageIDs[msgID] = struct{}{}
		if groupID != nil {
			known.GroupIDs[*groupID] = struct{}{}
		}
	}
	return known, rows.Err()
}

const insertPostSQL = `INSERT INTO posts
	(channel_id, message_id, group_id, text, date, media, views, reactions, forwarded_from)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT DO NOTHING`

// InsertPosts queues every insert on one batch inside one transaction.
// A failure rolls the whole batch back; conflicts are not failures.
func (p *Postgres) InsertPosts(ctx context.Context, posts []models.Post) (int64, error) {
	if len(posts) == 0 {
		return 0, nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("InsertPosts begin: %w", err)
	}
	// Rollback after Commit is a no-op.
	defer func() { _ = tx.Rollback(context.Background()) }()

	batch := &pgx.Batch{}
	for i := range posts {
		args, err := postArgs(&posts[i])
		if err != nil {
			return 0, err
		}
		batch.Queue(insertPostSQL, args...)
	}

	br := tx.SendBatch(ctx, batch)
	var inserted int64
	for i := range posts {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, oops.
				With("channel_id", posts[i].ChannelID, "message_id", posts[i].MessageID).
				Wrapf(err, "InsertPosts")
		}
		inserted += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("InsertPosts batch close: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("InsertPosts commit: %w", err)
	}
	return inserted, nil
}

func postArgs(post *models.Post) ([]any, error) {
	media := post.Media
	if media == nil {
		media = []models.MediaItem{}
	}
	reactions := post.Reactions
	if reactions == nil {
		reactions = []models.ReactionCount{}
	}
	mediaJSON, err := json.Marshal(media)
	if err != nil {
		return nil, fmt.Errorf("marshal media: %w", err)
	}
	reactionsJSON, err := json.Marshal(reactions)
	if err != nil {
		return nil, fmt.Errorf("marshal reactions: %w", err)
	}
	var forwarded []byte
	if post.ForwardedFrom != nil {
		if forwarded, err = json.Marshal(post.ForwardedFrom); err != nil {
			return nil, fmt.Errorf("marshal forwarded_from: %w", err)
		}
	}
	return []any{
		post.ChannelID, post.MessageID, post.GroupID, post.Text, post.Date,
		mediaJSON, post.Views, reactionsJSON, forwarded,
	}, nil
}

func (p *Postgres) GetPost(ctx context.Context, channelID, messageID int64) (*models.Post, error) {
	var post models.Post
	var mediaJSON, reactionsJSON, forwardedJSON []byte
	err := p.pool.QueryRow(ctx,
		`SELECT id, channel_id, message_id, group_id, text, date, media, views, reactions,
		        forwarded_from, created_at, updated_at
		 FROM posts WHERE channel_id = $1 AND message_id = $2`,
		channelID, messageID,
	).Scan(&post.ID, &post.ChannelID, &post.MessageID, &post.GroupID, &post.Text, &post.Date,
		&mediaJSON, &post.Views, &reactionsJSON, &forwardedJSON, &post.CreatedAt, &post.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, oops.With("channel_id", channelID, "message_id", messageID).Wrapf(err, "GetPost")
	}
	if err := json.Unmarshal(mediaJSON, &post.Media); err != nil {
		return nil, fmt.Errorf("GetPost media: %w", err)
	}
	if err := json.Unmarshal(reactionsJSON, &post.Reactions); err != nil {
		return nil, fmt.Errorf("GetPost reactions: %w", err)
	}
	if len(forwardedJSON) > 0 {
		post.ForwardedFrom = &models.ForwardedFrom{}
		if err := json.Unmarshal(forwardedJSON, post.ForwardedFrom); err != nil {
			return nil, fmt.Errorf("GetPost forwarded_from: %w", err)
		}
	}
	return &post, nil
}

func (p *Postgres) OldestMessageID(ctx context.Context, channelID int64) (int64, bool, error) {
	var id *int64
	if err := p.pool.QueryRow(ctx,
		`SELECT MIN(message_id) FROM posts WHERE channel_id = $1`, channelID,
	).Scan(&id); err != nil {
		return 0, false, oops.With("channel_id", channelID).Wrapf(err, "OldestMessageID")
	}
	if id == nil {
		return 0, false, nil
	}
	return *id, true, nil
}

func (p *Postgres) ListBackfillRequests(ctx context.Context, limit int) ([]models.BackfillRequest, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT user_id, created_at FROM backfill_requests ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("ListBackfillRequests: %w", err)
	}
	defer rows.Close()
	var out []models.BackfillRequest
	for rows.Next() {
		var req models.BackfillRequest
		if err := rows.Scan(&req.UserID, &req.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListBackfillRequests scan: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateBackfillRequest(ctx context.Context, userID int64) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO backfill_requests (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return oops.With("user_id", userID).Wrapf(err, "CreateBackfillRequest")
	}
	return nil
}

func (p *Postgres) DeleteBackfillRequest(ctx context.Context, userID int64) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM backfill_requests WHERE user_id = $1`, userID)
	if err != nil {
		return oops.With("user_id", userID).Wrapf(err, "DeleteBackfillRequest")
	}
	return nil
}
