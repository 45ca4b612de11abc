// Package announce keeps published live-announcement messages in sync with
// Twitch stream status. The state machine (Reconcile) is pure; the Reconciler
// drives the poll cycle and dispatches side effects to the injected
// collaborators.
package announce

import (
	"context"
	"errors"
	"time"
)

// ErrMessageNotFound is returned by a Messenger when the underlying message no
// longer exists. Finalize paths treat it as success (already gone).
var ErrMessageNotFound = errors.New("announcement message not found")

// State of a tracked announcement, derived from its stored fields.
type State int

const (
	// StateIdle: no published message.
	StateIdle State = iota
	// StateLive: message published, stream considered live.
	StateLive
	// StateEndingGrace: stream went offline, removal delayed by the grace window.
	StateEndingGrace
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLive:
		return "live"
	case StateEndingGrace:
		return "ending-grace"
	default:
		return "unknown"
	}
}

// Announcement is one configured rule binding a Twitch channel to a destination
// message. MessageRef empty means nothing is published; EndedAt is only set
// while waiting out the grace window (the store rejects writes violating that).
type Announcement struct {
	ID              int64
	StreamID        string // Twitch user id of the watched channel
	StreamName      string
	Text            string
	TargetChannel   string // destination message channel id
	MessageRef      string // published message id; "" when not announced
	StartedAt       *time.Time
	EndedAt         *time.Time
	GraceMinutes    int
	DeleteOnOffline bool
	LastTitle       string
	LastCategory    string
	ProfileImageURL string
	OfflineImageURL string
}

// State derives the three-way state from the nullable fields.
func (a Announcement) State() State {
	if a.MessageRef == "" {
		return StateIdle
	}
	if a.EndedAt != nil {
		return StateEndingGrace
	}
	return StateLive
}

// LiveStatus is the ephemeral per-poll status of one Twitch channel.
// Zero value with Live=false means "confirmed offline".
type LiveStatus struct {
	StreamID     string
	Live         bool
	Title        string
	CategoryID   string
	Category     string
	StartedAt    time.Time
	ThumbnailURL string
}

// UserMeta carries the per-streamer images used on embeds.
type UserMeta struct {
	ProfileImageURL string
	OfflineImageURL string
}

// GameMeta carries category display info.
type GameMeta struct {
	Name   string
	ArtURL string
}

// FinalizePolicy selects what happens to the published message when a stream ends.
type FinalizePolicy int

const (
	FinalizeEditToOffline FinalizePolicy = iota
	FinalizeDelete
)

// Store is the durable announcement state. Implementations must keep the
// MessageRef/EndedAt invariant: clearing the message ref clears EndedAt too.
type Store interface {
	// ListActive returns all announcements with a non-empty stream id.
	ListActive(ctx context.Context) ([]Announcement, error)
	// SetPublished records a freshly published message and the live metadata it shows.
	SetPublished(ctx context.Context, id int64, messageRef, title, category string, startedAt time.Time) error
	// SetLiveMeta records the title/category currently shown on the message.
	SetLiveMeta(ctx context.Context, id int64, title, category string) error
	// SetEnded marks the start of the grace window.
	SetEnded(ctx context.Context, id int64, endedAt time.Time) error
	// ClearEnded absorbs a flicker: the stream came back within the grace window.
	ClearEnded(ctx context.Context, id int64) error
	// ClearPublished resets the record to idle (message ref and ended timestamp).
	ClearPublished(ctx context.Context, id int64) error
	// SetUserImages fans out refreshed streamer images to every announcement
	// watching the given stream id.
	SetUserImages(ctx context.Context, streamID, profileURL, offlineURL string) error
}

// StatusFetcher wraps the external platform queries. FetchLiveStatuses returns
// an entry for every requested id that could be resolved; ids missing from the
// result are treated as status-unknown by the reconciler, never as offline.
type StatusFetcher interface {
	FetchLiveStatuses(ctx context.Context, streamIDs []string) (map[string]LiveStatus, error)
	FetchUserMetadata(ctx context.Context, userIDs []string) (map[string]UserMeta, error)
	FetchCategoryMetadata(ctx context.Context, gameIDs []string) (map[string]GameMeta, error)
}

// Messenger publishes, edits and finalizes announcement messages.
// Finalize returns ErrMessageNotFound when the message is already gone.
type Messenger interface {
	Publish(ctx context.Context, a Announcement, status LiveStatus, game GameMeta) (messageRef string, err error)
	Update(ctx context.Context, a Announcement, status LiveStatus, game GameMeta) error
	Finalize(ctx context.Context, a Announcement, policy FinalizePolicy, endedAt time.Time, liveDuration time.Duration) error
}
