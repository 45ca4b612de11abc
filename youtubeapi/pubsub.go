package youtubeapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const videoTopicBase = "https://www.youtube.com/xml/feeds/videos.xml?channel_id="

// PubSubSubscriber issues PubSubHubbub subscription requests for a channel's
// video feed. The hub verifies the callback asynchronously and reports the
// granted lease there, so a nil error here only means the request was
// accepted.
type PubSubSubscriber struct {
	HubURL     string // e.g. https://pubsubhubbub.appspot.com/subscribe
	HTTPClient *http.Client
}

func (s *PubSubSubscriber) http() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

func (s *PubSubSubscriber) RequestSubscription(ctx context.Context, channelID, callbackURL string) error {
	form := url.Values{}
	form.Set("hub.callback", callbackURL)
	form.Set("hub.topic", videoTopicBase+channelID)
	form.Set("hub.verify", "async")
	form.Set("hub.mode", "subscribe")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.HubURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("hub subscribe for %s: %s: %s", channelID, resp.Status, string(b))
	}
	slog.Info("hub subscription requested", slog.String("channel", channelID), slog.Int("status", resp.StatusCode))
	return nil
}
