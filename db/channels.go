package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/onnwee/stream-announcer/subscription"
)

// ChannelStore is the Postgres-backed subscription.Store.
type ChannelStore struct {
	DB *sql.DB
}

func scanChannel(row interface{ Scan(...any) error }) (subscription.Channel, error) {
	var ch subscription.Channel
	var lease sql.NullInt64
	var subAt sql.NullTime
	if err := row.Scan(&ch.ID, &lease, &subAt, &ch.BacklogLoaded); err != nil {
		return ch, err
	}
	if lease.Valid {
		n := int(lease.Int64)
		ch.LeaseSeconds = &n
	}
	if subAt.Valid {
		t := subAt.Time.UTC()
		ch.SubscribedAt = &t
	}
	return ch, nil
}

func (s *ChannelStore) List(ctx context.Context) ([]subscription.Channel, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT channel_id, lease_seconds, subscribed_at, backlog_loaded FROM youtube_channels ORDER BY channel_id`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	var out []subscription.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *ChannelStore) Get(ctx context.Context, id string) (*subscription.Channel, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT channel_id, lease_seconds, subscribed_at, backlog_loaded FROM youtube_channels WHERE channel_id=$1`, id)
	ch, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// EnsureChannel inserts the channel row if it does not exist yet.
func (s *ChannelStore) EnsureChannel(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO youtube_channels(channel_id) VALUES($1) ON CONFLICT(channel_id) DO NOTHING`, id)
	return err
}

func (s *ChannelStore) SetLease(ctx context.Context, id string, leaseSeconds int, subscribedAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE youtube_channels
		SET lease_seconds=$1, subscribed_at=$2, updated_at=CURRENT_TIMESTAMP WHERE channel_id=$3`, leaseSeconds, subscribedAt, id)
	return err
}

// Delete removes the channel; the video ledger rows go with it via the
// foreign key cascade.
func (s *ChannelStore) Delete(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM youtube_channels WHERE channel_id=$1`, id)
	return err
}

func (s *ChannelStore) AnnouncementCount(ctx context.Context, id string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM youtube_announcements WHERE channel_id=$1`, id).Scan(&n)
	return n, err
}

// SeedBacklog replaces the dedup ledger atomically so a partial write cannot
// leave the channel flagged loaded with half a backlog.
func (s *ChannelStore) SeedBacklog(ctx context.Context, id string, videoIDs []string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM youtube_videos WHERE channel_id=$1`, id); err != nil {
		return fmt.Errorf("clear ledger for %s: %w", id, err)
	}
	for _, vid := range videoIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO youtube_videos(channel_id, video_id) VALUES($1,$2) ON CONFLICT DO NOTHING`, id, vid); err != nil {
			return fmt.Errorf("seed video %s/%s: %w", id, vid, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE youtube_channels SET backlog_loaded=TRUE, updated_at=CURRENT_TIMESTAMP WHERE channel_id=$1`, id); err != nil {
		return fmt.Errorf("flag backlog loaded for %s: %w", id, err)
	}
	return tx.Commit()
}

// AddAnnouncement registers a notification target for the channel, creating
// the channel row if needed. The row count is what keeps the subscription
// alive across lease renewals.
func (s *ChannelStore) AddAnnouncement(ctx context.Context, channelID, targetChannel, text string) error {
	if err := s.EnsureChannel(ctx, channelID); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO youtube_announcements(channel_id, target_channel, announcement_text)
		VALUES($1,$2,$3)`, channelID, targetChannel, text)
	return err
}

// RemoveAnnouncement drops the notification target. The channel itself is
// reaped by the lease manager once nothing references it.
func (s *ChannelStore) RemoveAnnouncement(ctx context.Context, channelID, targetChannel string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM youtube_announcements WHERE channel_id=$1 AND target_channel=$2`, channelID, targetChannel)
	return err
}

func (s *ChannelStore) AddVideo(ctx context.Context, id, videoID string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO youtube_videos(channel_id, video_id) VALUES($1,$2) ON CONFLICT DO NOTHING`, id, videoID)
	return err
}

func (s *ChannelStore) HasVideo(ctx context.Context, id, videoID string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM youtube_videos WHERE channel_id=$1 AND video_id=$2)`, id, videoID).Scan(&exists)
	return exists, err
}
