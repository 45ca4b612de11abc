package discord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/stream-announcer/announce"
)

func testAnnouncement() announce.Announcement {
	return announce.Announcement{
		ID:            1,
		StreamID:      "42",
		StreamName:    "streamer",
		Text:          "we are live!",
		TargetChannel: "chan123",
		MessageRef:    "msg456",
		LastTitle:     "old title",
	}
}

func TestPublishPostsEmbedAndReturnsID(t *testing.T) {
	var gotPath, gotAuth string
	var payload messagePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatal(err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg789"}`))
	}))
	defer srv.Close()

	m := &Messenger{BotToken: "bot-token", BaseURL: srv.URL, HTTPClient: srv.Client()}
	a := testAnnouncement()
	a.MessageRef = ""
	st := announce.LiveStatus{Live: true, Title: "new show", Category: "Chess", StartedAt: time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)}

	ref, err := m.Publish(context.Background(), a, st, announce.GameMeta{Name: "Chess"})
	if err != nil {
		t.Fatal(err)
	}
	if ref != "msg789" {
		t.Fatalf("ref = %q", ref)
	}
	if gotPath != "POST /channels/chan123/messages" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bot bot-token" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if payload.Content != "we are live!" || len(payload.Embeds) != 1 {
		t.Fatalf("payload = %+v", payload)
	}
	e := payload.Embeds[0]
	if e.Title != "new show" || e.Description != "Chess" || !strings.Contains(e.URL, "twitch.tv/streamer") {
		t.Fatalf("embed = %+v", e)
	}
}

func TestPublishUnknownGameFallback(t *testing.T) {
	var payload messagePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte(`{"id":"m"}`))
	}))
	defer srv.Close()

	m := &Messenger{BotToken: "t", BaseURL: srv.URL, HTTPClient: srv.Client()}
	a := testAnnouncement()
	a.MessageRef = ""
	if _, err := m.Publish(context.Background(), a, announce.LiveStatus{Live: true}, announce.GameMeta{}); err != nil {
		t.Fatal(err)
	}
	if payload.Embeds[0].Description != "No Game or Unknown" {
		t.Fatalf("description = %q", payload.Embeds[0].Description)
	}
}

func TestUpdatePatchesExistingMessage(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	m := &Messenger{BotToken: "t", BaseURL: srv.URL, HTTPClient: srv.Client()}
	err := m.Update(context.Background(), testAnnouncement(), announce.LiveStatus{Live: true, Title: "t2"}, announce.GameMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "PATCH /channels/chan123/messages/msg456" {
		t.Fatalf("path = %q", gotPath)
	}
}

func TestFinalizeDeletePolicy(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := &Messenger{BotToken: "t", BaseURL: srv.URL, HTTPClient: srv.Client()}
	err := m.Finalize(context.Background(), testAnnouncement(), announce.FinalizeDelete, time.Now(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "DELETE /channels/chan123/messages/msg456" {
		t.Fatalf("path = %q", gotPath)
	}
}

func TestFinalizeEditToOffline(t *testing.T) {
	var payload messagePayload
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	m := &Messenger{BotToken: "t", BaseURL: srv.URL, HTTPClient: srv.Client()}
	ended := time.Date(2025, 6, 1, 15, 4, 0, 0, time.UTC)
	err := m.Finalize(context.Background(), testAnnouncement(), announce.FinalizeEditToOffline, ended, 3*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodPatch {
		t.Fatalf("method = %q", gotMethod)
	}
	footer := payload.Embeds[0].Footer
	if footer == nil || !strings.HasPrefix(footer.Text, "Ended ") || !strings.Contains(footer.Text, "3h0m0s") {
		t.Fatalf("footer = %+v", footer)
	}
	if payload.Embeds[0].Description != "old title" {
		t.Fatalf("offline embed should show the last title, got %q", payload.Embeds[0].Description)
	}
}

func TestMissingMessageMapsToSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	m := &Messenger{BotToken: "t", BaseURL: srv.URL, HTTPClient: srv.Client()}
	err := m.Finalize(context.Background(), testAnnouncement(), announce.FinalizeDelete, time.Now(), 0)
	if !errors.Is(err, announce.ErrMessageNotFound) {
		t.Fatalf("err = %v, want ErrMessageNotFound", err)
	}
}

func TestPostContent(t *testing.T) {
	var payload messagePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte(`{"id":"m1"}`))
	}))
	defer srv.Close()

	m := &Messenger{BotToken: "t", BaseURL: srv.URL, HTTPClient: srv.Client()}
	ref, err := m.PostContent(context.Background(), "chan123", "new video: https://youtu.be/v1")
	if err != nil || ref != "m1" {
		t.Fatalf("PostContent = %q, %v", ref, err)
	}
	if payload.Content != "new video: https://youtu.be/v1" {
		t.Fatalf("content = %q", payload.Content)
	}
}
