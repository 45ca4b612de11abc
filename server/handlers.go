package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/onnwee/stream-announcer/db"
	"github.com/onnwee/stream-announcer/subscription"
	"github.com/onnwee/stream-announcer/youtubeapi"
)

// ContentPoster publishes a plain-content message to a channel. Satisfied by
// discord.Messenger.
type ContentPoster interface {
	PostContent(ctx context.Context, channelID, content string) (string, error)
}

// Handlers carries the dependencies the HTTP endpoints need.
type Handlers struct {
	DB      *sql.DB
	Manager *subscription.Manager
	OAuth   *youtubeapi.OAuthService
	Poster  ContentPoster
}

// NewHandlers wires the handler set.
func NewHandlers(db *sql.DB, mgr *subscription.Manager, oauth *youtubeapi.OAuthService, poster ContentPoster) *Handlers {
	return &Handlers{DB: db, Manager: mgr, OAuth: oauth, Poster: poster}
}

// HandleHealthz responds to liveness probes by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes with per-dependency checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.DB.PingContext(r.Context()) }},
		{"schema", func() error {
			var n int
			return h.DB.QueryRowContext(r.Context(), "SELECT COUNT(*) FROM twitch_announcements").Scan(&n)
		}},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports announcement and subscription counts.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var announcements, live, channels, videos int
	row := h.DB.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE message_ref <> '' AND ended_at IS NULL)
		FROM twitch_announcements`)
	if err := row.Scan(&announcements, &live); err != nil {
		http.Error(w, fmt.Sprintf("status query: %v", err), http.StatusInternalServerError)
		return
	}
	if err := h.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM youtube_channels`).Scan(&channels); err != nil {
		http.Error(w, fmt.Sprintf("status query: %v", err), http.StatusInternalServerError)
		return
	}
	if err := h.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM youtube_videos`).Scan(&videos); err != nil {
		http.Error(w, fmt.Sprintf("status query: %v", err), http.StatusInternalServerError)
		return
	}
	lastPoll, err := db.GetKV(ctx, h.DB, "last_poll_at")
	if err != nil {
		http.Error(w, fmt.Sprintf("status query: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"announcements":      announcements,
		"live_announcements": live,
		"youtube_channels":   channels,
		"known_videos":       videos,
		"last_poll_at":       lastPoll,
	})
}
