package announce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/stream-announcer/telemetry"
)

// Twitch caps batched stream/user lookups at 100 ids per call.
const defaultBatchSize = 100

// Reconciler drives one poll cycle: fetch live statuses for every tracked
// stream, run each announcement through the state machine, and dispatch the
// resulting side effects. Failures are contained per record; a bad message or
// API hiccup never aborts the cycle.
type Reconciler struct {
	Store     Store
	Fetcher   StatusFetcher
	Messenger Messenger

	// BatchSize overrides the per-call id cap (tests); default 100.
	BatchSize int
	// Now overrides the clock (tests); default time.Now UTC.
	Now func() time.Time
	// Heartbeat, when set, is called after every completed cycle.
	Heartbeat func(ctx context.Context, t time.Time)
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func (r *Reconciler) batchSize() int {
	if r.BatchSize > 0 {
		return r.BatchSize
	}
	return defaultBatchSize
}

type planned struct {
	ann    Announcement
	status LiveStatus
	dec    Decision
}

// PollOnce runs a single reconciliation cycle.
func (r *Reconciler) PollOnce(ctx context.Context) error {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "announce", "poll_once")
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx)

	anns, err := r.Store.ListActive(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("list announcements: %w", err)
	}
	span.SetAttributes(attribute.Int("announcements", len(anns)))
	if len(anns) == 0 {
		if r.Heartbeat != nil {
			r.Heartbeat(ctx, r.now())
		}
		return nil
	}

	statuses, known := r.fetchStatuses(ctx, anns, log)

	now := r.now()
	plan := make([]planned, 0, len(anns))
	var publishUsers, publishGames []string
	for _, a := range anns {
		st := statuses[a.StreamID]
		dec := Reconcile(a, st, known[a.StreamID], now)
		plan = append(plan, planned{ann: a, status: st, dec: dec})
		if dec.Action == ActionPublish {
			publishUsers = append(publishUsers, a.StreamID)
			if st.CategoryID != "" {
				publishGames = append(publishGames, st.CategoryID)
			}
		}
	}

	// Cross-record metadata is fetched once per cycle and fanned out, so ten
	// announcements for one streamer cost one user lookup.
	games := r.fetchGames(ctx, publishGames, log)
	users := r.fetchUsers(ctx, publishUsers, log)
	for id, um := range users {
		if err := r.Store.SetUserImages(ctx, id, um.ProfileImageURL, um.OfflineImageURL); err != nil {
			log.Warn("persist user images", slog.String("stream_id", id), slog.Any("err", err))
		}
	}

	live := 0
	for _, p := range plan {
		r.apply(ctx, log, p, games, users, now)
		switch p.dec.Action {
		case ActionPublish, ActionUpdate, ActionResume:
			live++
		case ActionNone:
			if p.ann.State() == StateLive {
				live++
			}
		}
	}
	telemetry.SetLiveAnnouncements(live)
	if r.Heartbeat != nil {
		r.Heartbeat(ctx, now)
	}
	return nil
}

// fetchStatuses resolves live status for every distinct stream id, batched to
// the platform cap. A failed batch leaves its ids out of the known set: those
// records see "status unknown" and do not transition this cycle.
func (r *Reconciler) fetchStatuses(ctx context.Context, anns []Announcement, log *slog.Logger) (map[string]LiveStatus, map[string]bool) {
	seen := make(map[string]struct{}, len(anns))
	keys := make([]string, 0, len(anns))
	for _, a := range anns {
		if a.StreamID == "" {
			continue
		}
		if _, dup := seen[a.StreamID]; dup {
			continue
		}
		seen[a.StreamID] = struct{}{}
		keys = append(keys, a.StreamID)
	}

	statuses := make(map[string]LiveStatus, len(keys))
	known := make(map[string]bool, len(keys))
	bs := r.batchSize()
	for start := 0; start < len(keys); start += bs {
		end := start + bs
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]
		res, err := r.Fetcher.FetchLiveStatuses(ctx, batch)
		if err != nil {
			log.Warn("live status batch failed", slog.Int("size", len(batch)), slog.Any("err", err))
			continue
		}
		for _, k := range batch {
			if st, ok := res[k]; ok {
				statuses[k] = st
				known[k] = true
			}
		}
	}
	return statuses, known
}

func (r *Reconciler) fetchGames(ctx context.Context, gameIDs []string, log *slog.Logger) map[string]GameMeta {
	if len(gameIDs) == 0 {
		return nil
	}
	games, err := r.Fetcher.FetchCategoryMetadata(ctx, gameIDs)
	if err != nil {
		log.Warn("category metadata fetch failed", slog.Any("err", err))
		return nil
	}
	return games
}

func (r *Reconciler) fetchUsers(ctx context.Context, userIDs []string, log *slog.Logger) map[string]UserMeta {
	if len(userIDs) == 0 {
		return nil
	}
	out := make(map[string]UserMeta, len(userIDs))
	bs := r.batchSize()
	for start := 0; start < len(userIDs); start += bs {
		end := start + bs
		if end > len(userIDs) {
			end = len(userIDs)
		}
		res, err := r.Fetcher.FetchUserMetadata(ctx, userIDs[start:end])
		if err != nil {
			log.Warn("user metadata fetch failed", slog.Any("err", err))
			continue
		}
		for k, v := range res {
			out[k] = v
		}
	}
	return out
}

// apply executes one decision. Side-effect failures leave the stored state
// untouched so the same transition is retried on the next cycle.
func (r *Reconciler) apply(ctx context.Context, log *slog.Logger, p planned, games map[string]GameMeta, users map[string]UserMeta, now time.Time) {
	a, st := p.ann, p.status
	switch p.dec.Action {
	case ActionNone:
		return

	case ActionPublish:
		if um, ok := users[a.StreamID]; ok {
			a.ProfileImageURL = um.ProfileImageURL
			a.OfflineImageURL = um.OfflineImageURL
		}
		log.Info("stream live, publishing announcement", slog.String("stream", a.StreamName), slog.Int64("announcement_id", a.ID))
		ref, err := r.Messenger.Publish(ctx, a, st, games[st.CategoryID])
		if err != nil {
			r.recordFailure(log, "publish", a, err)
			return
		}
		if err := r.Store.SetPublished(ctx, a.ID, ref, st.Title, st.Category, st.StartedAt); err != nil {
			r.recordFailure(log, "persist publish", a, err)
			return
		}
		telemetry.IncCounter(telemetry.AnnouncesPublished)

	case ActionUpdate:
		if err := r.Messenger.Update(ctx, a, st, games[st.CategoryID]); err != nil {
			r.recordFailure(log, "update", a, err)
			return
		}
		if err := r.Store.SetLiveMeta(ctx, a.ID, st.Title, st.Category); err != nil {
			r.recordFailure(log, "persist update", a, err)
			return
		}
		telemetry.IncCounter(telemetry.AnnouncesUpdated)

	case ActionBeginGrace:
		log.Info("stream offline, delaying removal for grace window", slog.String("stream", a.StreamName), slog.Int("grace_minutes", a.GraceMinutes))
		if err := r.Store.SetEnded(ctx, a.ID, *p.dec.EndedAt); err != nil {
			r.recordFailure(log, "persist grace start", a, err)
		}

	case ActionResume:
		log.Info("stream live again within grace period", slog.String("stream", a.StreamName))
		if err := r.Store.ClearEnded(ctx, a.ID); err != nil {
			r.recordFailure(log, "persist grace clear", a, err)
		}

	case ActionFinalize:
		endedAt := now
		if a.EndedAt != nil {
			endedAt = *a.EndedAt
		}
		var liveDuration time.Duration
		if a.StartedAt != nil {
			liveDuration = endedAt.Sub(*a.StartedAt)
		}
		policy := FinalizeEditToOffline
		if a.DeleteOnOffline {
			policy = FinalizeDelete
		}
		err := r.Messenger.Finalize(ctx, a, policy, endedAt, liveDuration)
		if err != nil && !errors.Is(err, ErrMessageNotFound) {
			r.recordFailure(log, "finalize", a, err)
			return
		}
		if errors.Is(err, ErrMessageNotFound) {
			log.Info("announcement message already gone", slog.String("stream", a.StreamName))
		}
		if err := r.Store.ClearPublished(ctx, a.ID); err != nil {
			r.recordFailure(log, "persist finalize", a, err)
			return
		}
		log.Info("announcement finalized", slog.String("stream", a.StreamName), slog.Int64("announcement_id", a.ID))
		telemetry.IncCounter(telemetry.AnnouncesFinalized)
	}
}

func (r *Reconciler) recordFailure(log *slog.Logger, op string, a Announcement, err error) {
	telemetry.IncCounter(telemetry.ReconcileErrors)
	log.Warn("reconcile step failed", slog.String("op", op), slog.Int64("announcement_id", a.ID), slog.String("stream", a.StreamName), slog.Any("err", err))
}

// StartReconcilerJob runs poll cycles at the given cadence until ctx ends.
// Cycles never overlap: a cycle that overruns the interval simply delays the
// next tick instead of stacking.
func StartReconcilerJob(ctx context.Context, r *Reconciler, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	slog.Info("reconciler job starting", slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler job stopped")
			return
		case <-ticker.C:
			telemetry.IncCounter(telemetry.PollCycles)
			telemetry.TimeFunc(telemetry.PollDuration, func() {
				if err := r.PollOnce(ctx); err != nil {
					slog.Warn("poll cycle", slog.Any("err", err))
				}
			})
		}
	}
}
