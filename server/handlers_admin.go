package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/stream-announcer/db"
	"github.com/onnwee/stream-announcer/telemetry"
)

// HandleYouTubeChannels manages notification targets for a YouTube channel.
// POST registers a target and kicks off the first subscription (including the
// backlog seed); DELETE removes a target, after which the lease manager reaps
// the channel on its next renewal if nothing references it anymore.
func (h *Handlers) HandleYouTubeChannels(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context())
	store := &db.ChannelStore{DB: h.DB}

	switch r.Method {
	case http.MethodPost:
		var req struct {
			ChannelID     string `json:"channel_id"`
			TargetChannel string `json:"target_channel"`
			Text          string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if !strings.HasPrefix(req.ChannelID, "UC") || req.TargetChannel == "" {
			http.Error(w, "channel_id (UC...) and target_channel required", http.StatusBadRequest)
			return
		}
		if err := store.AddAnnouncement(r.Context(), req.ChannelID, req.TargetChannel, req.Text); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := h.Manager.Subscribe(r.Context(), req.ChannelID); err != nil {
			// The target is registered; the renewal retry path takes over.
			log.Warn("initial subscription failed", slog.String("channel", req.ChannelID), slog.Any("err", err))
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "subscribed", "channel_id": req.ChannelID})

	case http.MethodDelete:
		channelID := r.URL.Query().Get("channel_id")
		target := r.URL.Query().Get("target_channel")
		if channelID == "" || target == "" {
			http.Error(w, "channel_id and target_channel required", http.StatusBadRequest)
			return
		}
		if err := store.RemoveAnnouncement(r.Context(), channelID, target); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		// Resubscribe deletes the channel immediately when no targets remain.
		if err := h.Manager.Resubscribe(r.Context(), channelID); err != nil {
			log.Warn("post-removal refresh failed", slog.String("channel", channelID), slog.Any("err", err))
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "removed"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
