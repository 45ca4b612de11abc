package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/onnwee/stream-announcer/announce"
)

// The stores are exercised against in-memory sqlite with a schema mirroring
// the Postgres one. Statement syntax is kept portable for exactly this reason.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ddl := []string{
		`CREATE TABLE twitch_announcements (
			id INTEGER PRIMARY KEY,
			stream_id TEXT NOT NULL,
			stream_name TEXT NOT NULL DEFAULT '',
			announcement_text TEXT NOT NULL DEFAULT '',
			target_channel TEXT NOT NULL DEFAULT '',
			message_ref TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP,
			ended_at TIMESTAMP,
			grace_minutes INTEGER NOT NULL DEFAULT 10,
			delete_on_offline BOOLEAN NOT NULL DEFAULT FALSE,
			last_title TEXT NOT NULL DEFAULT '',
			last_category TEXT NOT NULL DEFAULT '',
			profile_image_url TEXT NOT NULL DEFAULT '',
			offline_image_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP,
			updated_at TIMESTAMP
		)`,
		`CREATE TABLE youtube_channels (
			channel_id TEXT PRIMARY KEY,
			lease_seconds INTEGER,
			subscribed_at TIMESTAMP,
			backlog_loaded BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP,
			updated_at TIMESTAMP
		)`,
		`CREATE TABLE youtube_videos (
			channel_id TEXT NOT NULL,
			video_id TEXT NOT NULL,
			PRIMARY KEY (channel_id, video_id)
		)`,
		`CREATE TABLE youtube_announcements (
			id INTEGER PRIMARY KEY,
			channel_id TEXT NOT NULL,
			target_channel TEXT NOT NULL DEFAULT '',
			announcement_text TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE kv (key TEXT PRIMARY KEY, value TEXT, updated_at TIMESTAMP)`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("ddl: %v", err)
		}
	}
	return db
}

func insertAnnouncement(t *testing.T, db *sql.DB, id int64, streamID string) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO twitch_announcements(id, stream_id, stream_name) VALUES ($1,$2,'streamer')`, id, streamID); err != nil {
		t.Fatal(err)
	}
}

func TestAnnouncementStoreLifecycle(t *testing.T) {
	db := newTestDB(t)
	s := &AnnouncementStore{DB: db}
	ctx := context.Background()
	insertAnnouncement(t, db, 1, "42")

	anns, err := s.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(anns) != 1 || anns[0].State() != announce.StateIdle {
		t.Fatalf("initial list = %+v", anns)
	}

	started := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	if err := s.SetPublished(ctx, 1, "msg1", "a title", "Chess", started); err != nil {
		t.Fatal(err)
	}
	anns, _ = s.ListActive(ctx)
	a := anns[0]
	if a.State() != announce.StateLive || a.MessageRef != "msg1" || a.LastTitle != "a title" {
		t.Fatalf("after publish: %+v", a)
	}
	if a.StartedAt == nil || !a.StartedAt.Equal(started) {
		t.Fatalf("StartedAt = %v, want %v", a.StartedAt, started)
	}

	ended := started.Add(2 * time.Hour)
	if err := s.SetEnded(ctx, 1, ended); err != nil {
		t.Fatal(err)
	}
	anns, _ = s.ListActive(ctx)
	if anns[0].State() != announce.StateEndingGrace {
		t.Fatalf("after SetEnded: %+v", anns[0])
	}

	if err := s.ClearEnded(ctx, 1); err != nil {
		t.Fatal(err)
	}
	anns, _ = s.ListActive(ctx)
	if anns[0].State() != announce.StateLive {
		t.Fatalf("after ClearEnded: %+v", anns[0])
	}

	if err := s.ClearPublished(ctx, 1); err != nil {
		t.Fatal(err)
	}
	anns, _ = s.ListActive(ctx)
	a = anns[0]
	if a.State() != announce.StateIdle || a.StartedAt != nil || a.EndedAt != nil {
		t.Fatalf("after ClearPublished: %+v", a)
	}
}

func TestSetEndedRequiresPublishedMessage(t *testing.T) {
	db := newTestDB(t)
	s := &AnnouncementStore{DB: db}
	insertAnnouncement(t, db, 1, "42")

	if err := s.SetEnded(context.Background(), 1, time.Now()); err == nil {
		t.Fatal("want error when no message is published")
	}
}

func TestSetPublishedRejectsEmptyRef(t *testing.T) {
	db := newTestDB(t)
	s := &AnnouncementStore{DB: db}
	insertAnnouncement(t, db, 1, "42")

	if err := s.SetPublished(context.Background(), 1, "", "t", "c", time.Now()); err == nil {
		t.Fatal("want error for empty message ref")
	}
}

func TestSetUserImagesFansOutByStreamID(t *testing.T) {
	db := newTestDB(t)
	s := &AnnouncementStore{DB: db}
	ctx := context.Background()
	insertAnnouncement(t, db, 1, "42")
	insertAnnouncement(t, db, 2, "42")
	insertAnnouncement(t, db, 3, "99")

	if err := s.SetUserImages(ctx, "42", "p.jpg", "o.jpg"); err != nil {
		t.Fatal(err)
	}
	anns, _ := s.ListActive(ctx)
	for _, a := range anns {
		want := a.StreamID == "42"
		if (a.ProfileImageURL == "p.jpg") != want {
			t.Fatalf("announcement %d images: %+v", a.ID, a)
		}
	}
}

func TestChannelStoreRoundTrip(t *testing.T) {
	db := newTestDB(t)
	s := &ChannelStore{DB: db}
	ctx := context.Background()

	if ch, err := s.Get(ctx, "UCa"); err != nil || ch != nil {
		t.Fatalf("missing channel: %v, %v", ch, err)
	}
	if err := s.EnsureChannel(ctx, "UCa"); err != nil {
		t.Fatal(err)
	}
	// Idempotent.
	if err := s.EnsureChannel(ctx, "UCa"); err != nil {
		t.Fatal(err)
	}

	subAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SetLease(ctx, "UCa", 3510, subAt); err != nil {
		t.Fatal(err)
	}
	ch, err := s.Get(ctx, "UCa")
	if err != nil {
		t.Fatal(err)
	}
	if ch.LeaseSeconds == nil || *ch.LeaseSeconds != 3510 {
		t.Fatalf("lease = %v", ch.LeaseSeconds)
	}
	if ch.SubscribedAt == nil || !ch.SubscribedAt.Equal(subAt) {
		t.Fatalf("subscribed_at = %v, want %v", ch.SubscribedAt, subAt)
	}

	chans, err := s.List(ctx)
	if err != nil || len(chans) != 1 {
		t.Fatalf("list = %v, %v", chans, err)
	}

	if err := s.Delete(ctx, "UCa"); err != nil {
		t.Fatal(err)
	}
	if ch, _ := s.Get(ctx, "UCa"); ch != nil {
		t.Fatal("channel not deleted")
	}
}

func TestChannelStoreBacklogAndDedup(t *testing.T) {
	db := newTestDB(t)
	s := &ChannelStore{DB: db}
	ctx := context.Background()
	if err := s.EnsureChannel(ctx, "UCa"); err != nil {
		t.Fatal(err)
	}

	if err := s.SeedBacklog(ctx, "UCa", []string{"v1", "v2", "v1"}); err != nil {
		t.Fatal(err)
	}
	ch, _ := s.Get(ctx, "UCa")
	if !ch.BacklogLoaded {
		t.Fatal("backlog_loaded not set")
	}
	has, err := s.HasVideo(ctx, "UCa", "v2")
	if err != nil || !has {
		t.Fatalf("HasVideo(v2) = %v, %v", has, err)
	}
	has, _ = s.HasVideo(ctx, "UCa", "vX")
	if has {
		t.Fatal("unknown video reported known")
	}

	if err := s.AddVideo(ctx, "UCa", "v3"); err != nil {
		t.Fatal(err)
	}
	// Duplicate insert is a no-op.
	if err := s.AddVideo(ctx, "UCa", "v3"); err != nil {
		t.Fatal(err)
	}
	has, _ = s.HasVideo(ctx, "UCa", "v3")
	if !has {
		t.Fatal("added video not found")
	}

	// Re-seeding replaces the ledger.
	if err := s.SeedBacklog(ctx, "UCa", []string{"v9"}); err != nil {
		t.Fatal(err)
	}
	if has, _ = s.HasVideo(ctx, "UCa", "v1"); has {
		t.Fatal("stale ledger entry survived re-seed")
	}
}

func TestAnnouncementTargets(t *testing.T) {
	db := newTestDB(t)
	s := &ChannelStore{DB: db}
	ctx := context.Background()

	// AddAnnouncement creates the channel row implicitly.
	if err := s.AddAnnouncement(ctx, "UCa", "chan1", "New upload!"); err != nil {
		t.Fatal(err)
	}
	if ch, _ := s.Get(ctx, "UCa"); ch == nil {
		t.Fatal("channel row not created")
	}
	if err := s.AddAnnouncement(ctx, "UCa", "chan2", ""); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.AnnouncementCount(ctx, "UCa"); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
	if err := s.RemoveAnnouncement(ctx, "UCa", "chan1"); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.AnnouncementCount(ctx, "UCa"); n != 1 {
		t.Fatalf("count after remove = %d, want 1", n)
	}
}

func TestKVRoundTrip(t *testing.T) {
	dbx := newTestDB(t)
	ctx := context.Background()

	if v, err := GetKV(ctx, dbx, "missing"); err != nil || v != "" {
		t.Fatalf("missing key = %q, %v", v, err)
	}
	if err := SetKV(ctx, dbx, "last_poll_at", "2025-06-01T12:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if err := SetKV(ctx, dbx, "last_poll_at", "2025-06-01T12:00:30Z"); err != nil {
		t.Fatal(err)
	}
	v, err := GetKV(ctx, dbx, "last_poll_at")
	if err != nil || v != "2025-06-01T12:00:30Z" {
		t.Fatalf("GetKV = %q, %v", v, err)
	}
}

func TestAnnouncementCount(t *testing.T) {
	db := newTestDB(t)
	s := &ChannelStore{DB: db}
	ctx := context.Background()
	if err := s.EnsureChannel(ctx, "UCa"); err != nil {
		t.Fatal(err)
	}
	if n, err := s.AnnouncementCount(ctx, "UCa"); err != nil || n != 0 {
		t.Fatalf("count = %d, %v", n, err)
	}
	if _, err := db.Exec(`INSERT INTO youtube_announcements(channel_id, target_channel) VALUES ('UCa','c1'),('UCa','c2')`); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.AnnouncementCount(ctx, "UCa"); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}
