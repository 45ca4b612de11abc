// Package youtubeapi wraps the YouTube Data API for upload-backlog retrieval
// and the PubSubHubbub hub for push subscriptions. Authorized calls reuse
// OAuth tokens persisted via the TokenStore; unauthenticated calls use an API
// key.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

const backlogPageSize = 50

// Client fetches video backlogs from the YouTube Data API. Exactly one of
// APIKey or OAuth should be configured; Endpoint and HTTPClient exist for
// tests.
type Client struct {
	APIKey     string
	OAuth      *OAuthService
	Endpoint   string
	HTTPClient *http.Client
}

func (c *Client) service(ctx context.Context) (*yt.Service, error) {
	var opts []option.ClientOption
	switch {
	case c.HTTPClient != nil:
		opts = append(opts, option.WithHTTPClient(c.HTTPClient), option.WithoutAuthentication())
	case c.OAuth != nil:
		hc, err := c.OAuth.Client(ctx)
		if err != nil {
			return nil, fmt.Errorf("youtube oauth client: %w", err)
		}
		opts = append(opts, option.WithHTTPClient(hc))
	case c.APIKey != "":
		opts = append(opts, option.WithAPIKey(c.APIKey))
	default:
		return nil, errors.New("youtube client: no API key or oauth configured")
	}
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint))
	}
	return yt.NewService(ctx, opts...)
}

// FetchAllVideoIDs pages through the channel's uploads playlist and returns
// every video id plus the last HTTP status observed. The uploads playlist id
// is the channel id with its UC prefix swapped for UU. On a paging error the
// ids accumulated so far are returned with the error status; callers must only
// trust the result when the status is 200.
func (c *Client) FetchAllVideoIDs(ctx context.Context, channelID string) ([]string, int, error) {
	svc, err := c.service(ctx)
	if err != nil {
		return nil, 0, err
	}
	uploads := strings.Replace(channelID, "UC", "UU", 1)

	var ids []string
	pageToken := ""
	for {
		call := svc.PlaylistItems.List([]string{"contentDetails"}).
			PlaylistId(uploads).
			MaxResults(backlogPageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			var gerr *googleapi.Error
			if errors.As(err, &gerr) {
				return ids, gerr.Code, fmt.Errorf("playlist items for %s: %w", channelID, err)
			}
			return ids, 0, fmt.Errorf("playlist items for %s: %w", channelID, err)
		}
		for _, item := range resp.Items {
			if item.ContentDetails != nil && item.ContentDetails.VideoId != "" {
				ids = append(ids, item.ContentDetails.VideoId)
			}
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return ids, http.StatusOK, nil
}
