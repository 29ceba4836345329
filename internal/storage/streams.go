package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type Subscription struct {
	Username  string
	ChannelID string
	GuildID   string
}

// StreamNotification is one posted live announcement, tracked so it can be
// edited in place on refresh and finalized when the stream ends.
type StreamNotification struct {
	ChannelID string    `json:"channel_id"`
	MessageID string    `json:"message_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StreamRecord mirrors one live (or recently ended) stream. Persisted so a
// restart resumes tracking without re-announcing.
type StreamRecord struct {
	StreamID      string
	Username      string
	Title         string
	Game          string
	ViewerCount   int
	ThumbnailURL  string
	StartedAt     time.Time
	IsLive        bool
	Notifications []StreamNotification
	LastUpdated   time.Time
}

type StreamMessage struct {
	GuildID   string
	ChannelID string
	Message   string
	IsEmbed   bool
}

func (s *Store) AddSubscription(ctx context.Context, sub Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO twitch_subscriptions (username, channel_id, guild_id)
		VALUES (?, ?, ?)
	`, strings.ToLower(sub.Username), sub.ChannelID, sub.GuildID)
	return err
}

func (s *Store) RemoveSubscription(ctx context.Context, username, channelID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM twitch_subscriptions WHERE username = ? AND channel_id = ?`, strings.ToLower(username), channelID)
	return err
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	return s.querySubscriptions(ctx, `SELECT username, channel_id, guild_id FROM twitch_subscriptions ORDER BY username`)
}

func (s *Store) ListSubscriptionsForUser(ctx context.Context, username string) ([]Subscription, error) {
	return s.querySubscriptions(ctx, `SELECT username, channel_id, guild_id FROM twitch_subscriptions WHERE username = ? ORDER BY channel_id`, strings.ToLower(username))
}

func (s *Store) ListSubscriptionsForGuild(ctx context.Context, guildID string) ([]Subscription, error) {
	return s.querySubscriptions(ctx, `SELECT username, channel_id, guild_id FROM twitch_subscriptions WHERE guild_id = ? ORDER BY username`, guildID)
}

func (s *Store) querySubscriptions(ctx context.Context, query string, args ...any) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.Username, &sub.ChannelID, &sub.GuildID); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *Store) UpsertStream(ctx context.Context, record StreamRecord) error {
	notifications, err := json.Marshal(record.Notifications)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO twitch_streams (
			stream_id, username, title, game, viewer_count, thumbnail_url,
			started_at, is_live, notifications, last_updated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stream_id) DO UPDATE SET
			username = excluded.username,
			title = excluded.title,
			game = excluded.game,
			viewer_count = excluded.viewer_count,
			thumbnail_url = excluded.thumbnail_url,
			started_at = excluded.started_at,
			is_live = excluded.is_live,
			notifications = excluded.notifications,
			last_updated = excluded.last_updated
	`,
		record.StreamID,
		strings.ToLower(record.Username),
		record.Title,
		record.Game,
		record.ViewerCount,
		record.ThumbnailURL,
		record.StartedAt.Unix(),
		boolToInt(record.IsLive),
		string(notifications),
		record.LastUpdated.Unix(),
	)
	return err
}

func (s *Store) GetStreamForUser(ctx context.Context, username string) (StreamRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT stream_id, username, title, game, viewer_count, thumbnail_url, started_at, is_live, notifications, last_updated
		FROM twitch_streams WHERE username = ?
	`, strings.ToLower(username))
	record, err := scanStream(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StreamRecord{}, false, nil
		}
		return StreamRecord{}, false, err
	}
	return record, true, nil
}

func (s *Store) ListStreams(ctx context.Context) ([]StreamRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id, username, title, game, viewer_count, thumbnail_url, started_at, is_live, notifications, last_updated
		FROM twitch_streams ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []StreamRecord
	for rows.Next() {
		record, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *Store) DeleteStream(ctx context.Context, streamID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM twitch_streams WHERE stream_id = ?`, streamID)
	return err
}

func (s *Store) SetStreamMessage(ctx context.Context, msg StreamMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO twitch_messages (guild_id, channel_id, message, is_embed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			channel_id = excluded.channel_id,
			message = excluded.message,
			is_embed = excluded.is_embed
	`, msg.GuildID, msg.ChannelID, msg.Message, boolToInt(msg.IsEmbed))
	return err
}

func (s *Store) GetStreamMessage(ctx context.Context, guildID string) (StreamMessage, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT guild_id, channel_id, message, is_embed FROM twitch_messages WHERE guild_id = ?`, guildID)
	var msg StreamMessage
	var isEmbed int
	err := row.Scan(&msg.GuildID, &msg.ChannelID, &msg.Message, &isEmbed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StreamMessage{}, false, nil
		}
		return StreamMessage{}, false, err
	}
	msg.IsEmbed = isEmbed == 1
	return msg, true, nil
}

func (s *Store) RemoveStreamMessage(ctx context.Context, guildID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM twitch_messages WHERE guild_id = ?`, guildID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStream(row rowScanner) (StreamRecord, error) {
	var record StreamRecord
	var started, updated int64
	var isLive int
	var notifications string
	err := row.Scan(
		&record.StreamID,
		&record.Username,
		&record.Title,
		&record.Game,
		&record.ViewerCount,
		&record.ThumbnailURL,
		&started,
		&isLive,
		&notifications,
		&updated,
	)
	if err != nil {
		return StreamRecord{}, err
	}
	record.StartedAt = time.Unix(started, 0)
	record.IsLive = isLive == 1
	record.LastUpdated = time.Unix(updated, 0)
	if notifications != "" {
		if err := json.Unmarshal([]byte(notifications), &record.Notifications); err != nil {
			return StreamRecord{}, err
		}
	}
	return record, nil
}
