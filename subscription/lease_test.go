package subscription

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu       sync.Mutex
	channels map[string]*Channel
	refs     map[string]int
	videos   map[string]map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		channels: map[string]*Channel{},
		refs:     map[string]int{},
		videos:   map[string]map[string]bool{},
	}
}

func (s *memStore) add(id string, leaseSeconds int, subscribedAt time.Time, refs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := &Channel{ID: id}
	if leaseSeconds > 0 {
		ls := leaseSeconds
		sa := subscribedAt
		ch.LeaseSeconds = &ls
		ch.SubscribedAt = &sa
	}
	s.channels[id] = ch
	s.refs[id] = refs
}

func (s *memStore) List(ctx context.Context) ([]Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Channel
	for _, ch := range s.channels {
		out = append(out, *ch)
	}
	return out, nil
}

func (s *memStore) Get(ctx context.Context, id string) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, nil
	}
	cp := *ch
	return &cp, nil
}

func (s *memStore) SetLease(ctx context.Context, id string, leaseSeconds int, subscribedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return errors.New("no such channel")
	}
	ls := leaseSeconds
	sa := subscribedAt
	ch.LeaseSeconds = &ls
	ch.SubscribedAt = &sa
	return nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, id)
	delete(s.videos, id)
	return nil
}

func (s *memStore) AnnouncementCount(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[id], nil
}

func (s *memStore) SeedBacklog(ctx context.Context, id string, videoIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vids := map[string]bool{}
	for _, v := range videoIDs {
		vids[v] = true
	}
	s.videos[id] = vids
	if ch, ok := s.channels[id]; ok {
		ch.BacklogLoaded = true
	}
	return nil
}

func (s *memStore) AddVideo(ctx context.Context, id, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.videos[id] == nil {
		s.videos[id] = map[string]bool{}
	}
	s.videos[id][videoID] = true
	return nil
}

func (s *memStore) HasVideo(ctx context.Context, id, videoID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videos[id][videoID], nil
}

type fakeSubscriber struct {
	mu       sync.Mutex
	requests []string
	err      error
}

func (f *fakeSubscriber) RequestSubscription(ctx context.Context, channelID, callbackURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, channelID+"|"+callbackURL)
	return nil
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeBacklog struct {
	ids    []string
	status int
	err    error
}

func (f *fakeBacklog) FetchAllVideoIDs(ctx context.Context, channelID string) ([]string, int, error) {
	return f.ids, f.status, f.err
}

// fakeScheduler records scheduled callbacks instead of arming real timers.
type fakeScheduler struct {
	mu    sync.Mutex
	fires []scheduledFire
}

type scheduledFire struct {
	delay     time.Duration
	fn        func()
	cancelled bool
}

func (f *fakeScheduler) schedule(d time.Duration, fn func()) func() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.fires)
	f.fires = append(f.fires, scheduledFire{delay: d, fn: fn})
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fires[idx].cancelled {
			return false
		}
		f.fires[idx].cancelled = true
		return true
	}
}

func (f *fakeScheduler) pending() []scheduledFire {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []scheduledFire
	for _, s := range f.fires {
		if !s.cancelled {
			out = append(out, s)
		}
	}
	return out
}

// fireAll invokes every armed callback, consuming the timers like a real fire.
func (f *fakeScheduler) fireAll() {
	f.mu.Lock()
	var fns []func()
	for i := range f.fires {
		if !f.fires[i].cancelled {
			f.fires[i].cancelled = true
			fns = append(fns, f.fires[i].fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func newTestManager(store *memStore, sub *fakeSubscriber, backlog *fakeBacklog, now time.Time, sched *fakeScheduler) *Manager {
	return &Manager{
		Store:           store,
		Subscriber:      sub,
		Backlog:         backlog,
		CallbackBaseURL: "https://cb.example.com",
		Now:             func() time.Time { return now },
		Schedule:        sched.schedule,
	}
}

func TestPrepareAllResubscriptionsSplitsExpiredAndPending(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	// Lease 3600s granted 4000s ago: already lapsed.
	store.add("UCexpired", 3600, now.Add(-4000*time.Second), 1)
	// Lease 3600s granted 100s ago: 3500s remain.
	store.add("UCfresh", 3600, now.Add(-100*time.Second), 1)
	// Never confirmed: skipped entirely.
	store.add("UCnew", 0, time.Time{}, 1)

	sub := &fakeSubscriber{}
	sched := &fakeScheduler{}
	m := newTestManager(store, sub, &fakeBacklog{status: http.StatusOK}, now, sched)

	if err := m.PrepareAllResubscriptions(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sub.count() != 1 {
		t.Fatalf("immediate resubscribes = %d, want 1", sub.count())
	}
	pending := sched.pending()
	if len(pending) != 1 {
		t.Fatalf("scheduled timers = %d, want 1", len(pending))
	}
	if got, want := pending[0].delay, 3500*time.Second; got != want {
		t.Fatalf("timer delay = %v, want %v", got, want)
	}
}

func TestOnLeaseGrantedAppliesMargin(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.add("UCa", 0, time.Time{}, 1)
	sched := &fakeScheduler{}
	m := newTestManager(store, &fakeSubscriber{}, &fakeBacklog{status: http.StatusOK}, now, sched)
	m.LeaseMargin = 90 * time.Second

	if err := m.OnLeaseGranted(context.Background(), "UCa", 3600); err != nil {
		t.Fatal(err)
	}
	ch, _ := store.Get(context.Background(), "UCa")
	if ch.LeaseSeconds == nil || *ch.LeaseSeconds != 3510 {
		t.Fatalf("stored lease = %v, want 3510", ch.LeaseSeconds)
	}
	pending := sched.pending()
	if len(pending) != 1 || pending[0].delay != 3510*time.Second {
		t.Fatalf("renewal timer = %+v, want one at 3510s", pending)
	}
}

func TestOnLeaseGrantedShortLeaseClamps(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.add("UCa", 0, time.Time{}, 1)
	sched := &fakeScheduler{}
	m := newTestManager(store, &fakeSubscriber{}, &fakeBacklog{status: http.StatusOK}, now, sched)
	m.LeaseMargin = 90 * time.Second

	// Grant shorter than the margin: renew at half the grant.
	if err := m.OnLeaseGranted(context.Background(), "UCa", 60); err != nil {
		t.Fatal(err)
	}
	ch, _ := store.Get(context.Background(), "UCa")
	if *ch.LeaseSeconds != 30 {
		t.Fatalf("stored lease = %d, want 30", *ch.LeaseSeconds)
	}
}

func TestResubscribeDeletesUnreferencedChannel(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.add("UCa", 3600, now, 0)
	sub := &fakeSubscriber{}
	m := newTestManager(store, sub, &fakeBacklog{status: http.StatusOK}, now, &fakeScheduler{})

	if err := m.Resubscribe(context.Background(), "UCa"); err != nil {
		t.Fatal(err)
	}
	if sub.count() != 0 {
		t.Fatal("must not resubscribe a channel nothing references")
	}
	if ch, _ := store.Get(context.Background(), "UCa"); ch != nil {
		t.Fatal("unreferenced channel not deleted")
	}
}

func TestResubscribeMissingChannelIsNoOp(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sub := &fakeSubscriber{}
	m := newTestManager(newMemStore(), sub, &fakeBacklog{status: http.StatusOK}, now, &fakeScheduler{})

	if err := m.Resubscribe(context.Background(), "UCgone"); err != nil {
		t.Fatalf("deleted channel must be a no-op, got %v", err)
	}
	if sub.count() != 0 {
		t.Fatal("request issued for deleted channel")
	}
}

func TestTimerFiringAfterDeleteIsNoOp(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.add("UCa", 0, time.Time{}, 1)
	sub := &fakeSubscriber{}
	sched := &fakeScheduler{}
	m := newTestManager(store, sub, &fakeBacklog{status: http.StatusOK}, now, sched)

	if err := m.OnLeaseGranted(context.Background(), "UCa", 3600); err != nil {
		t.Fatal(err)
	}
	// Channel is deleted while the timer is armed; the fire must do nothing.
	if err := store.Delete(context.Background(), "UCa"); err != nil {
		t.Fatal(err)
	}
	sched.fireAll()
	if sub.count() != 0 {
		t.Fatal("fired timer acted on a deleted channel")
	}
}

func TestResubscribeFailureSchedulesBoundedRetries(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.add("UCa", 3600, now, 1)
	sub := &fakeSubscriber{err: errors.New("hub unavailable")}
	sched := &fakeScheduler{}
	m := newTestManager(store, sub, &fakeBacklog{status: http.StatusOK}, now, sched)
	m.MaxAttempts = 3
	m.RetryBase = time.Minute

	if err := m.Resubscribe(context.Background(), "UCa"); err == nil {
		t.Fatal("want error from failed request")
	}
	// Drive retries by firing each scheduled backoff timer.
	wantBackoffs := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}
	for i, want := range wantBackoffs {
		pending := sched.pending()
		if len(pending) != 1 {
			t.Fatalf("attempt %d: pending timers = %d, want 1", i+1, len(pending))
		}
		if pending[0].delay != want {
			t.Fatalf("attempt %d: backoff = %v, want %v", i+1, pending[0].delay, want)
		}
		sched.fireAll()
	}
	// Attempts exhausted: no further timer.
	if pending := sched.pending(); len(pending) != 0 {
		t.Fatalf("retries not bounded, still pending: %+v", pending)
	}
}

func TestRetryCounterResetsOnSuccess(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.add("UCa", 3600, now, 1)
	sub := &fakeSubscriber{err: errors.New("down")}
	sched := &fakeScheduler{}
	m := newTestManager(store, sub, &fakeBacklog{status: http.StatusOK}, now, sched)
	m.MaxAttempts = 3

	_ = m.Resubscribe(context.Background(), "UCa")
	sub.mu.Lock()
	sub.err = nil
	sub.mu.Unlock()
	sched.fireAll() // retry succeeds

	// A fresh failure cycle gets the full attempt budget again.
	sub.mu.Lock()
	sub.err = errors.New("down again")
	sub.mu.Unlock()
	_ = m.Resubscribe(context.Background(), "UCa")
	if pending := sched.pending(); len(pending) != 1 || pending[0].delay != time.Minute {
		t.Fatalf("attempt counter not reset, pending=%+v", pending)
	}
}

func TestSubscribeSeedsBacklogOnce(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.add("UCa", 0, time.Time{}, 1)
	sub := &fakeSubscriber{}
	backlog := &fakeBacklog{ids: []string{"v1", "v2", "v3"}, status: http.StatusOK}
	m := newTestManager(store, sub, backlog, now, &fakeScheduler{})

	if err := m.Subscribe(context.Background(), "UCa"); err != nil {
		t.Fatal(err)
	}
	ch, _ := store.Get(context.Background(), "UCa")
	if !ch.BacklogLoaded {
		t.Fatal("backlog not flagged loaded")
	}
	known, complete, err := m.IsVideoKnown(context.Background(), "UCa", "v2")
	if err != nil || !known || !complete {
		t.Fatalf("IsVideoKnown(v2) = %v,%v,%v", known, complete, err)
	}
	if sub.count() != 1 {
		t.Fatalf("subscription requests = %d, want 1", sub.count())
	}
}

func TestSubscribeBacklogFailureLeavesDedupUntrusted(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.add("UCa", 0, time.Time{}, 1)
	backlog := &fakeBacklog{status: http.StatusForbidden, err: errors.New("quota exceeded")}
	m := newTestManager(store, &fakeSubscriber{}, backlog, now, &fakeScheduler{})

	if err := m.Subscribe(context.Background(), "UCa"); err != nil {
		t.Fatal(err)
	}
	known, complete, err := m.IsVideoKnown(context.Background(), "UCa", "v1")
	if err != nil {
		t.Fatal(err)
	}
	if known || complete {
		t.Fatalf("incomplete backlog must report untrusted: known=%v complete=%v", known, complete)
	}
}

func TestIsVideoKnownForMissingChannel(t *testing.T) {
	m := newTestManager(newMemStore(), &fakeSubscriber{}, &fakeBacklog{}, time.Now(), &fakeScheduler{})
	known, complete, err := m.IsVideoKnown(context.Background(), "UCgone", "v1")
	if err != nil || known || complete {
		t.Fatalf("missing channel: got %v,%v,%v", known, complete, err)
	}
}

func TestMarkAnnouncedDedupesFollowups(t *testing.T) {
	now := time.Now()
	store := newMemStore()
	store.add("UCa", 0, time.Time{}, 1)
	m := newTestManager(store, &fakeSubscriber{}, &fakeBacklog{status: http.StatusOK}, now, &fakeScheduler{})
	if err := m.Subscribe(context.Background(), "UCa"); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkAnnounced(context.Background(), "UCa", "vNew"); err != nil {
		t.Fatal(err)
	}
	known, _, err := m.IsVideoKnown(context.Background(), "UCa", "vNew")
	if err != nil || !known {
		t.Fatalf("marked video not known: %v %v", known, err)
	}
}
