// Package discord implements the announcement Messenger against the Discord
// REST API. Only the three message operations the reconciler needs are
// covered: create, edit, delete.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/stream-announcer/announce"
)

const (
	defaultBaseURL = "https://discord.com/api/v10"
	embedColorLive = 0x9146FF
	unknownGame    = "No Game or Unknown"
)

// Messenger posts announcement messages via a bot token.
type Messenger struct {
	BotToken   string
	BaseURL    string // default defaultBaseURL; override in tests
	HTTPClient *http.Client
}

func (m *Messenger) http() *http.Client {
	if m.HTTPClient != nil {
		return m.HTTPClient
	}
	return http.DefaultClient
}

func (m *Messenger) base() string {
	if m.BaseURL != "" {
		return m.BaseURL
	}
	return defaultBaseURL
}

type embedAuthor struct {
	Name    string `json:"name,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

type embedMedia struct {
	URL string `json:"url,omitempty"`
}

type embedFooter struct {
	Text string `json:"text,omitempty"`
}

type embed struct {
	Title       string       `json:"title,omitempty"`
	URL         string       `json:"url,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Author      *embedAuthor `json:"author,omitempty"`
	Thumbnail   *embedMedia  `json:"thumbnail,omitempty"`
	Image       *embedMedia  `json:"image,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
}

type messagePayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []embed `json:"embeds"`
}

func liveEmbed(a announce.Announcement, st announce.LiveStatus, game announce.GameMeta) embed {
	gameName := game.Name
	if gameName == "" {
		gameName = unknownGame
	}
	e := embed{
		Title:       st.Title,
		URL:         "https://www.twitch.tv/" + a.StreamName,
		Description: gameName,
		Color:       embedColorLive,
		Author:      &embedAuthor{Name: a.StreamName, IconURL: a.ProfileImageURL},
		Footer:      &embedFooter{Text: "Started"},
	}
	if !st.StartedAt.IsZero() {
		e.Timestamp = st.StartedAt.UTC().Format(time.RFC3339)
	}
	if st.ThumbnailURL != "" {
		e.Image = &embedMedia{URL: st.ThumbnailURL}
	}
	if game.ArtURL != "" {
		e.Thumbnail = &embedMedia{URL: game.ArtURL}
	}
	return e
}

func offlineEmbed(a announce.Announcement, endedAt time.Time, liveDuration time.Duration) embed {
	footer := "Ended " + endedAt.UTC().Format("Jan 2 at 3:04 PM (MST)")
	if liveDuration > 0 {
		footer += fmt.Sprintf(" after %s", liveDuration.Round(time.Minute))
	}
	e := embed{
		Title:       a.StreamName + " was live",
		URL:         "https://www.twitch.tv/" + a.StreamName,
		Description: a.LastTitle,
		Author:      &embedAuthor{Name: a.StreamName, IconURL: a.ProfileImageURL},
		Footer:      &embedFooter{Text: footer},
	}
	if a.OfflineImageURL != "" {
		e.Image = &embedMedia{URL: a.OfflineImageURL}
	}
	return e
}

func (m *Messenger) Publish(ctx context.Context, a announce.Announcement, st announce.LiveStatus, game announce.GameMeta) (string, error) {
	payload := messagePayload{Content: a.Text, Embeds: []embed{liveEmbed(a, st, game)}}
	var out struct {
		ID string `json:"id"`
	}
	url := fmt.Sprintf("%s/channels/%s/messages", m.base(), a.TargetChannel)
	if err := m.do(ctx, http.MethodPost, url, payload, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("discord publish: empty message id")
	}
	return out.ID, nil
}

// PostContent publishes a plain text message without embeds, used for
// new-video notifications.
func (m *Messenger) PostContent(ctx context.Context, channelID, content string) (string, error) {
	payload := messagePayload{Content: content, Embeds: []embed{}}
	var out struct {
		ID string `json:"id"`
	}
	url := fmt.Sprintf("%s/channels/%s/messages", m.base(), channelID)
	if err := m.do(ctx, http.MethodPost, url, payload, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (m *Messenger) Update(ctx context.Context, a announce.Announcement, st announce.LiveStatus, game announce.GameMeta) error {
	payload := messagePayload{Content: a.Text, Embeds: []embed{liveEmbed(a, st, game)}}
	url := fmt.Sprintf("%s/channels/%s/messages/%s", m.base(), a.TargetChannel, a.MessageRef)
	return m.do(ctx, http.MethodPatch, url, payload, nil)
}

func (m *Messenger) Finalize(ctx context.Context, a announce.Announcement, policy announce.FinalizePolicy, endedAt time.Time, liveDuration time.Duration) error {
	url := fmt.Sprintf("%s/channels/%s/messages/%s", m.base(), a.TargetChannel, a.MessageRef)
	if policy == announce.FinalizeDelete {
		return m.do(ctx, http.MethodDelete, url, nil, nil)
	}
	payload := messagePayload{Embeds: []embed{offlineEmbed(a, endedAt, liveDuration)}}
	return m.do(ctx, http.MethodPatch, url, payload, nil)
}

func (m *Messenger) do(ctx context.Context, method, url string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+m.BotToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := m.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusNotFound {
		return announce.ErrMessageNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("discord %s %s: %s: %s", method, url, resp.Status, string(b))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
