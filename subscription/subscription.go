// Package subscription keeps YouTube push-notification subscriptions alive.
// Each subscribed channel carries a provider-granted lease; the Manager
// schedules one independent renewal timer per channel and re-issues the
// subscription request before the lease lapses.
package subscription

import (
	"context"
	"time"
)

// Channel is one subscribed YouTube channel. LeaseSeconds and SubscribedAt are
// nil until the hub confirms the first subscription. BacklogLoaded reports
// whether the upload backlog was fetched successfully; until then the dedup
// ledger is empty and must not be trusted.
type Channel struct {
	ID            string
	LeaseSeconds  *int
	SubscribedAt  *time.Time
	BacklogLoaded bool
}

// Store is the durable channel state. Writes to the same channel are
// serialized by the implementation (single-statement row updates).
type Store interface {
	// List returns all subscribed channels.
	List(ctx context.Context) ([]Channel, error)
	// Get returns the channel or nil when it no longer exists.
	Get(ctx context.Context, id string) (*Channel, error)
	// SetLease records a granted (margin-adjusted) lease.
	SetLease(ctx context.Context, id string, leaseSeconds int, subscribedAt time.Time) error
	// Delete removes the channel record and its video ledger.
	Delete(ctx context.Context, id string) error
	// AnnouncementCount returns how many announcements still reference the channel.
	AnnouncementCount(ctx context.Context, id string) (int, error)
	// SeedBacklog replaces the video ledger with the fetched backlog and marks it loaded.
	SeedBacklog(ctx context.Context, id string, videoIDs []string) error
	// AddVideo records a video id as announced.
	AddVideo(ctx context.Context, id, videoID string) error
	// HasVideo reports whether the video id is in the ledger.
	HasVideo(ctx context.Context, id, videoID string) (bool, error)
}

// Subscriber issues the asynchronous hub subscription request. The granted
// lease arrives later through the callback endpoint (Manager.OnLeaseGranted).
type Subscriber interface {
	RequestSubscription(ctx context.Context, channelID, callbackURL string) error
}

// BacklogFetcher pages through a channel's uploaded videos. It returns the
// accumulated ids and the last HTTP status observed; ids are only trustworthy
// when the status is 200.
type BacklogFetcher interface {
	FetchAllVideoIDs(ctx context.Context, channelID string) ([]string, int, error)
}
