// Package twitchapi contains minimal helpers to interact with Twitch Helix
// APIs for batched stream status, user and game lookups, using an app access
// token.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const defaultBaseURL = "https://api.twitch.tv/helix"

// HelixClient provides the lookups needed for announcement reconciliation.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	BaseURL        string // default defaultBaseURL; override in tests
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return defaultBaseURL
}

func (hc *HelixClient) get(ctx context.Context, path string, query url.Values, out any) error {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+path, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = query.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("helix %s: %s: %s", path, resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Stream is one live stream returned by the streams endpoint.
type Stream struct {
	UserID       string
	UserLogin    string
	Title        string
	GameID       string
	GameName     string
	ThumbnailURL string
	StartedAt    time.Time
}

// GetStreamsByUserID returns the currently live streams among the given user
// ids. Offline channels are simply absent from the result. Callers must keep
// batches within the Helix cap of 100 ids.
func (hc *HelixClient) GetStreamsByUserID(ctx context.Context, userIDs []string) ([]Stream, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	q := url.Values{}
	for _, id := range userIDs {
		q.Add("user_id", id)
	}
	q.Set("first", "100")
	var body struct {
		Data []struct {
			UserID       string `json:"user_id"`
			UserLogin    string `json:"user_login"`
			Title        string `json:"title"`
			GameID       string `json:"game_id"`
			GameName     string `json:"game_name"`
			ThumbnailURL string `json:"thumbnail_url"`
			StartedAt    string `json:"started_at"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/streams", q, &body); err != nil {
		return nil, err
	}
	out := make([]Stream, 0, len(body.Data))
	for _, s := range body.Data {
		started, _ := time.Parse(time.RFC3339, s.StartedAt)
		out = append(out, Stream{
			UserID:       s.UserID,
			UserLogin:    s.UserLogin,
			Title:        s.Title,
			GameID:       s.GameID,
			GameName:     s.GameName,
			ThumbnailURL: s.ThumbnailURL,
			StartedAt:    started.UTC(),
		})
	}
	return out, nil
}

// User carries the image urls shown on announcement embeds.
type User struct {
	ID              string
	Login           string
	DisplayName     string
	ProfileImageURL string
	OfflineImageURL string
}

// GetUsersByID resolves up to 100 user ids to their profile metadata.
func (hc *HelixClient) GetUsersByID(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := url.Values{}
	for _, id := range ids {
		q.Add("id", id)
	}
	var body struct {
		Data []struct {
			ID              string `json:"id"`
			Login           string `json:"login"`
			DisplayName     string `json:"display_name"`
			ProfileImageURL string `json:"profile_image_url"`
			OfflineImageURL string `json:"offline_image_url"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/users", q, &body); err != nil {
		return nil, err
	}
	out := make([]User, 0, len(body.Data))
	for _, u := range body.Data {
		out = append(out, User{ID: u.ID, Login: u.Login, DisplayName: u.DisplayName, ProfileImageURL: u.ProfileImageURL, OfflineImageURL: u.OfflineImageURL})
	}
	return out, nil
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	q := url.Values{}
	q.Set("login", login)
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/users", q, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// Game is category metadata for embeds.
type Game struct {
	ID        string
	Name      string
	BoxArtURL string
}

// GetGames resolves game ids to names and box art.
func (hc *HelixClient) GetGames(ctx context.Context, ids []string) ([]Game, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := url.Values{}
	for _, id := range ids {
		q.Add("id", id)
	}
	var body struct {
		Data []struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			BoxArtURL string `json:"box_art_url"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/games", q, &body); err != nil {
		return nil, err
	}
	out := make([]Game, 0, len(body.Data))
	for _, g := range body.Data {
		out = append(out, Game{ID: g.ID, Name: g.Name, BoxArtURL: g.BoxArtURL})
	}
	return out, nil
}
