package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/stream-announcer/telemetry"
)

const (
	defaultLeaseMargin = 90 * time.Second
	defaultMaxAttempts = 5
	defaultRetryBase   = time.Minute
)

// Manager tracks per-channel lease expiry and schedules renewal timers.
// Timers are independent; cancelling a channel races safely with a firing
// timer because the fire path re-checks the store before acting.
type Manager struct {
	Store      Store
	Subscriber Subscriber
	Backlog    BacklogFetcher

	// CallbackBaseURL is prefixed to the per-channel callback path.
	CallbackBaseURL string
	// LeaseMargin is subtracted from provider lease grants so renewal runs
	// before the real expiry. Default 90s.
	LeaseMargin time.Duration
	// MaxAttempts bounds resubscription retries per lease cycle. Default 5.
	MaxAttempts int
	// RetryBase is the first retry backoff, doubled per attempt. Default 1m.
	RetryBase time.Duration

	// Now and Schedule are overridable for tests. Schedule returns a cancel
	// func with time.Timer.Stop semantics.
	Now      func() time.Time
	Schedule func(d time.Duration, f func()) func() bool

	mu       sync.Mutex
	timers   map[string]func() bool
	attempts map[string]int
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

func (m *Manager) schedule(d time.Duration, f func()) func() bool {
	if m.Schedule != nil {
		return m.Schedule(d, f)
	}
	t := time.AfterFunc(d, f)
	return t.Stop
}

func (m *Manager) leaseMargin() time.Duration {
	if m.LeaseMargin > 0 {
		return m.LeaseMargin
	}
	return defaultLeaseMargin
}

func (m *Manager) maxAttempts() int {
	if m.MaxAttempts > 0 {
		return m.MaxAttempts
	}
	return defaultMaxAttempts
}

func (m *Manager) retryBase() time.Duration {
	if m.RetryBase > 0 {
		return m.RetryBase
	}
	return defaultRetryBase
}

// PrepareAllResubscriptions is run once at startup. Channels whose lease has
// already lapsed are resubscribed immediately; the rest get a timer for the
// remaining lifetime.
func (m *Manager) PrepareAllResubscriptions(ctx context.Context) error {
	channels, err := m.Store.List(ctx)
	if err != nil {
		return fmt.Errorf("list subscribed channels: %w", err)
	}
	now := m.now()
	for _, ch := range channels {
		if ch.LeaseSeconds == nil || ch.SubscribedAt == nil {
			continue
		}
		lease := time.Duration(*ch.LeaseSeconds) * time.Second
		elapsed := now.Sub(*ch.SubscribedAt)
		if elapsed >= lease {
			if err := m.Resubscribe(ctx, ch.ID); err != nil {
				slog.Warn("startup resubscribe failed", slog.String("channel", ch.ID), slog.Any("err", err))
			}
			continue
		}
		remaining := lease - elapsed
		slog.Info("scheduling lease renewal", slog.String("channel", ch.ID), slog.Duration("in", remaining))
		m.scheduleRenewal(ch.ID, remaining)
	}
	return nil
}

// OnLeaseGranted is called by the inbound webhook handler when the hub
// confirms a subscription. The stored lease is margin-adjusted so the renewal
// fires before the provider-side expiry.
func (m *Manager) OnLeaseGranted(ctx context.Context, channelID string, leaseSeconds int) error {
	adjusted := leaseSeconds - int(m.leaseMargin().Seconds())
	if adjusted <= 0 {
		// Lease shorter than the margin: renew at half the grant instead.
		adjusted = leaseSeconds / 2
		if adjusted <= 0 {
			adjusted = 1
		}
	}
	now := m.now()
	if err := m.Store.SetLease(ctx, channelID, adjusted, now); err != nil {
		return fmt.Errorf("persist lease for %s: %w", channelID, err)
	}
	m.mu.Lock()
	delete(m.attempts, channelID)
	m.mu.Unlock()
	slog.Info("lease granted", slog.String("channel", channelID), slog.Int("lease_seconds", leaseSeconds), slog.Int("adjusted", adjusted))
	m.scheduleRenewal(channelID, time.Duration(adjusted)*time.Second)
	return nil
}

// Resubscribe re-issues the hub subscription request for the channel. A
// channel with no referencing announcements is deleted instead (no-op
// success); a channel that no longer exists is a no-op, which makes a renewal
// timer that lost the race with deletion harmless.
func (m *Manager) Resubscribe(ctx context.Context, channelID string) error {
	ch, err := m.Store.Get(ctx, channelID)
	if err != nil {
		return fmt.Errorf("load channel %s: %w", channelID, err)
	}
	if ch == nil {
		m.cancelTimer(channelID)
		return nil
	}
	refs, err := m.Store.AnnouncementCount(ctx, channelID)
	if err != nil {
		return fmt.Errorf("count announcements for %s: %w", channelID, err)
	}
	if refs == 0 {
		slog.Info("subscription refresh for channel with no announcements, deleting", slog.String("channel", channelID))
		m.cancelTimer(channelID)
		if err := m.Store.Delete(ctx, channelID); err != nil {
			return fmt.Errorf("delete unreferenced channel %s: %w", channelID, err)
		}
		return nil
	}

	callbackURL := fmt.Sprintf("%s/pubsub/youtube/%s", m.CallbackBaseURL, channelID)
	telemetry.IncCounter(telemetry.LeaseRenewals)
	if err := m.Subscriber.RequestSubscription(ctx, channelID, callbackURL); err != nil {
		telemetry.IncCounter(telemetry.LeaseRenewalFailures)
		m.scheduleRetry(channelID)
		return fmt.Errorf("subscription request for %s: %w", channelID, err)
	}
	slog.Info("subscription request accepted", slog.String("channel", channelID))
	m.mu.Lock()
	delete(m.attempts, channelID)
	m.mu.Unlock()
	// The actual lease length arrives asynchronously via OnLeaseGranted.
	return nil
}

// Subscribe handles a channel's first subscription: seed the dedup backlog,
// then issue the hub request. If the backlog fetch fails the channel stays
// flagged incomplete and inbound notifications are not dedup-filtered.
func (m *Manager) Subscribe(ctx context.Context, channelID string) error {
	ch, err := m.Store.Get(ctx, channelID)
	if err != nil {
		return fmt.Errorf("load channel %s: %w", channelID, err)
	}
	if ch == nil {
		return fmt.Errorf("channel %s not found", channelID)
	}
	if !ch.BacklogLoaded {
		ids, status, err := m.Backlog.FetchAllVideoIDs(ctx, channelID)
		if err != nil || status != http.StatusOK {
			slog.Warn("backlog fetch incomplete, dedup disabled for channel", slog.String("channel", channelID), slog.Int("status", status), slog.Any("err", err))
		} else {
			if err := m.Store.SeedBacklog(ctx, channelID, ids); err != nil {
				return fmt.Errorf("seed backlog for %s: %w", channelID, err)
			}
			for range ids {
				telemetry.IncCounter(telemetry.BacklogVideosLoaded)
			}
			slog.Info("backlog seeded", slog.String("channel", channelID), slog.Int("videos", len(ids)))
		}
	}
	return m.Resubscribe(ctx, channelID)
}

// Cancel drops the channel's pending renewal timer, if any. Called when the
// channel record is deleted by the CRUD layer.
func (m *Manager) Cancel(channelID string) {
	m.cancelTimer(channelID)
}

// IsVideoKnown reports whether the video id is in the channel's dedup ledger.
// backlogComplete=false means the ledger cannot be trusted yet (backlog never
// loaded); callers must not drop notifications in that window.
func (m *Manager) IsVideoKnown(ctx context.Context, channelID, videoID string) (known, backlogComplete bool, err error) {
	ch, err := m.Store.Get(ctx, channelID)
	if err != nil {
		return false, false, err
	}
	if ch == nil || !ch.BacklogLoaded {
		return false, false, nil
	}
	has, err := m.Store.HasVideo(ctx, channelID, videoID)
	if err != nil {
		return false, true, err
	}
	return has, true, nil
}

// MarkAnnounced records a video id so it is never announced twice.
func (m *Manager) MarkAnnounced(ctx context.Context, channelID, videoID string) error {
	return m.Store.AddVideo(ctx, channelID, videoID)
}

func (m *Manager) scheduleRenewal(channelID string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timers == nil {
		m.timers = make(map[string]func() bool)
	}
	if cancel, ok := m.timers[channelID]; ok {
		cancel()
	}
	m.timers[channelID] = m.schedule(d, func() { m.onTimer(channelID) })
	telemetry.SetPendingRenewals(len(m.timers))
}

func (m *Manager) scheduleRetry(channelID string) {
	m.mu.Lock()
	if m.attempts == nil {
		m.attempts = make(map[string]int)
	}
	m.attempts[channelID]++
	attempt := m.attempts[channelID]
	m.mu.Unlock()

	if attempt > m.maxAttempts() {
		slog.Error("subscription retries exhausted, waiting for next lease cycle", slog.String("channel", channelID), slog.Int("attempts", attempt-1))
		return
	}
	backoff := m.retryBase() << (attempt - 1)
	slog.Warn("scheduling subscription retry", slog.String("channel", channelID), slog.Int("attempt", attempt), slog.Duration("backoff", backoff))
	m.scheduleRenewal(channelID, backoff)
}

func (m *Manager) onTimer(channelID string) {
	m.mu.Lock()
	delete(m.timers, channelID)
	telemetry.SetPendingRenewals(len(m.timers))
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Resubscribe(ctx, channelID); err != nil {
		slog.Warn("scheduled resubscribe failed", slog.String("channel", channelID), slog.Any("err", err))
	}
}

func (m *Manager) cancelTimer(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.timers[channelID]; ok {
		cancel()
		delete(m.timers, channelID)
		telemetry.SetPendingRenewals(len(m.timers))
	}
}
