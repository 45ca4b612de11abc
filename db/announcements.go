package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/onnwee/stream-announcer/announce"
)

// AnnouncementStore is the Postgres-backed announce.Store. Writes are single
// statements keyed by primary key, so concurrent cycles cannot interleave
// partial field updates on the same record.
type AnnouncementStore struct {
	DB *sql.DB
}

const announcementColumns = `id, stream_id, stream_name, announcement_text, target_channel, message_ref,
	started_at, ended_at, grace_minutes, delete_on_offline, last_title, last_category,
	profile_image_url, offline_image_url`

func scanAnnouncement(row interface{ Scan(...any) error }) (announce.Announcement, error) {
	var a announce.Announcement
	var started, ended sql.NullTime
	err := row.Scan(&a.ID, &a.StreamID, &a.StreamName, &a.Text, &a.TargetChannel, &a.MessageRef,
		&started, &ended, &a.GraceMinutes, &a.DeleteOnOffline, &a.LastTitle, &a.LastCategory,
		&a.ProfileImageURL, &a.OfflineImageURL)
	if err != nil {
		return a, err
	}
	if started.Valid {
		t := started.Time.UTC()
		a.StartedAt = &t
	}
	if ended.Valid {
		t := ended.Time.UTC()
		a.EndedAt = &t
	}
	return a, nil
}

func (s *AnnouncementStore) ListActive(ctx context.Context) ([]announce.Announcement, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+announcementColumns+` FROM twitch_announcements WHERE stream_id <> '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list announcements: %w", err)
	}
	defer rows.Close()
	var out []announce.Announcement
	for rows.Next() {
		a, err := scanAnnouncement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan announcement: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *AnnouncementStore) SetPublished(ctx context.Context, id int64, messageRef, title, category string, startedAt time.Time) error {
	if messageRef == "" {
		return fmt.Errorf("announcement %d: empty message ref", id)
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE twitch_announcements
		SET message_ref=$1, started_at=$2, last_title=$3, last_category=$4, ended_at=NULL, updated_at=CURRENT_TIMESTAMP
		WHERE id=$5`, messageRef, startedAt, title, category, id)
	return err
}

func (s *AnnouncementStore) SetLiveMeta(ctx context.Context, id int64, title, category string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE twitch_announcements
		SET last_title=$1, last_category=$2, updated_at=CURRENT_TIMESTAMP WHERE id=$3`, title, category, id)
	return err
}

// SetEnded rejects the write when no message is published, keeping the
// "ended implies announced" invariant at the store boundary (the schema CHECK
// backs this up).
func (s *AnnouncementStore) SetEnded(ctx context.Context, id int64, endedAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE twitch_announcements
		SET ended_at=$1, updated_at=CURRENT_TIMESTAMP WHERE id=$2 AND message_ref <> ''`, endedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("announcement %d: cannot mark ended without a published message", id)
	}
	return nil
}

func (s *AnnouncementStore) ClearEnded(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE twitch_announcements SET ended_at=NULL, updated_at=CURRENT_TIMESTAMP WHERE id=$1`, id)
	return err
}

func (s *AnnouncementStore) ClearPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE twitch_announcements
		SET message_ref='', started_at=NULL, ended_at=NULL, updated_at=CURRENT_TIMESTAMP WHERE id=$1`, id)
	return err
}

func (s *AnnouncementStore) SetUserImages(ctx context.Context, streamID, profileURL, offlineURL string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE twitch_announcements
		SET profile_image_url=$1, offline_image_url=$2, updated_at=CURRENT_TIMESTAMP WHERE stream_id=$3`, profileURL, offlineURL, streamID)
	return err
}
