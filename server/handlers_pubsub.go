package server

import (
	"context"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/onnwee/stream-announcer/telemetry"
)

// atomFeed is the PubSubHubbub notification payload for new or updated videos.
type atomFeed struct {
	XMLName xml.Name `xml:"feed"`
	Entries []struct {
		VideoID   string `xml:"videoId"`
		ChannelID string `xml:"channelId"`
		Title     string `xml:"title"`
		Link      struct {
			Href string `xml:"href,attr"`
		} `xml:"link"`
	} `xml:"entry"`
}

// HandlePubSub serves /pubsub/youtube/{channel}. GET is the hub's asynchronous
// verification round-trip: echo hub.challenge and feed the granted lease into
// the renewal scheduler. POST is a video notification.
func (h *Handlers) HandlePubSub(w http.ResponseWriter, r *http.Request) {
	channelID := strings.TrimPrefix(r.URL.Path, "/pubsub/youtube/")
	if channelID == "" || strings.Contains(channelID, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.handleVerification(w, r, channelID)
	case http.MethodPost:
		h.handleNotification(w, r, channelID)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) handleVerification(w http.ResponseWriter, r *http.Request, channelID string) {
	q := r.URL.Query()
	challenge := q.Get("hub.challenge")
	if challenge == "" {
		http.Error(w, "missing hub.challenge", http.StatusBadRequest)
		return
	}
	if mode := q.Get("hub.mode"); mode == "subscribe" {
		if lease, err := strconv.Atoi(q.Get("hub.lease_seconds")); err == nil && lease > 0 {
			if err := h.Manager.OnLeaseGranted(r.Context(), channelID, lease); err != nil {
				telemetry.LoggerWithCorr(r.Context()).Warn("lease grant handling failed", slog.String("channel", channelID), slog.Any("err", err))
			}
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(challenge))
}

func (h *Handlers) handleNotification(w http.ResponseWriter, r *http.Request, channelID string) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)
	telemetry.IncCounter(telemetry.NotificationsSeen)

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		// Always 2xx so the hub does not retry malformed or deletion payloads.
		log.Warn("unparseable notification", slog.String("channel", channelID), slog.Any("err", err))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	for _, entry := range feed.Entries {
		if entry.VideoID == "" {
			continue
		}
		known, backlogComplete, err := h.Manager.IsVideoKnown(ctx, channelID, entry.VideoID)
		if err != nil {
			log.Warn("dedup lookup failed", slog.String("channel", channelID), slog.String("video", entry.VideoID), slog.Any("err", err))
			continue
		}
		// An incomplete backlog cannot prove the video is new, but dropping
		// would lose real uploads. Announce and record anyway.
		if known && backlogComplete {
			log.Debug("video already known, skipping", slog.String("channel", channelID), slog.String("video", entry.VideoID))
			continue
		}
		h.announceVideo(ctx, channelID, entry.Title, entry.VideoID, entry.Link.Href)
		if err := h.Manager.MarkAnnounced(ctx, channelID, entry.VideoID); err != nil {
			log.Warn("record announced video failed", slog.String("channel", channelID), slog.String("video", entry.VideoID), slog.Any("err", err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// announceVideo fans the new upload out to every configured announcement
// target for the channel.
func (h *Handlers) announceVideo(ctx context.Context, channelID, title, videoID, link string) {
	log := telemetry.LoggerWithCorr(ctx)
	if link == "" {
		link = "https://www.youtube.com/watch?v=" + videoID
	}
	rows, err := h.DB.QueryContext(ctx, `SELECT target_channel, announcement_text FROM youtube_announcements WHERE channel_id=$1`, channelID)
	if err != nil {
		log.Warn("load announcement targets failed", slog.String("channel", channelID), slog.Any("err", err))
		return
	}
	defer rows.Close()
	for rows.Next() {
		var target, text string
		if err := rows.Scan(&target, &text); err != nil {
			log.Warn("scan announcement target failed", slog.Any("err", err))
			return
		}
		content := strings.TrimSpace(text + "\n" + link)
		if _, err := h.Poster.PostContent(ctx, target, content); err != nil {
			log.Warn("post video announcement failed", slog.String("channel", channelID), slog.String("target", target), slog.Any("err", err))
			continue
		}
		log.Info("video announced", slog.String("channel", channelID), slog.String("video", videoID), slog.String("target", target), slog.String("title", title))
	}
}
