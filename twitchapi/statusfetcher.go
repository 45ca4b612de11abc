package twitchapi

import (
	"context"
	"strings"

	"github.com/onnwee/stream-announcer/announce"
)

// StatusFetcher adapts HelixClient to the reconciler's fetch interfaces.
//
// A successful streams call yields an entry for every queried id: live ones
// carry metadata, the rest are confirmed offline. When the call fails nothing
// is returned, so the reconciler treats the whole batch as status-unknown.
type StatusFetcher struct {
	Client *HelixClient
}

func (f *StatusFetcher) FetchLiveStatuses(ctx context.Context, streamIDs []string) (map[string]announce.LiveStatus, error) {
	streams, err := f.Client.GetStreamsByUserID(ctx, streamIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]announce.LiveStatus, len(streamIDs))
	for _, id := range streamIDs {
		out[id] = announce.LiveStatus{StreamID: id}
	}
	for _, s := range streams {
		out[s.UserID] = announce.LiveStatus{
			StreamID:     s.UserID,
			Live:         true,
			Title:        s.Title,
			CategoryID:   s.GameID,
			Category:     s.GameName,
			StartedAt:    s.StartedAt,
			ThumbnailURL: renderThumbnail(s.ThumbnailURL),
		}
	}
	return out, nil
}

func (f *StatusFetcher) FetchUserMetadata(ctx context.Context, userIDs []string) (map[string]announce.UserMeta, error) {
	users, err := f.Client.GetUsersByID(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]announce.UserMeta, len(users))
	for _, u := range users {
		out[u.ID] = announce.UserMeta{ProfileImageURL: u.ProfileImageURL, OfflineImageURL: u.OfflineImageURL}
	}
	return out, nil
}

func (f *StatusFetcher) FetchCategoryMetadata(ctx context.Context, gameIDs []string) (map[string]announce.GameMeta, error) {
	games, err := f.Client.GetGames(ctx, gameIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]announce.GameMeta, len(games))
	for _, g := range games {
		out[g.ID] = announce.GameMeta{Name: g.Name, ArtURL: renderBoxArt(g.BoxArtURL)}
	}
	return out, nil
}

// Helix returns templated image urls with {width}x{height} placeholders.
func renderThumbnail(u string) string {
	u = strings.ReplaceAll(u, "{width}", "1280")
	return strings.ReplaceAll(u, "{height}", "720")
}

func renderBoxArt(u string) string {
	u = strings.ReplaceAll(u, "{width}", "285")
	return strings.ReplaceAll(u, "{height}", "380")
}
