// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollCycles           prometheus.Counter
	AnnouncesPublished   prometheus.Counter
	AnnouncesUpdated     prometheus.Counter
	AnnouncesFinalized   prometheus.Counter
	ReconcileErrors      prometheus.Counter
	LeaseRenewals        prometheus.Counter
	LeaseRenewalFailures prometheus.Counter
	BacklogVideosLoaded  prometheus.Counter
	NotificationsSeen    prometheus.Counter

	// Histograms (seconds)
	PollDuration prometheus.Observer

	// Gauges
	LiveAnnouncementsGauge prometheus.Gauge
	PendingRenewalsGauge   prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "announcer_poll_cycles_total", Help: "Number of live-status poll cycles"})
		AnnouncesPublished = promauto.NewCounter(prometheus.CounterOpts{Name: "announcer_announces_published_total", Help: "Number of announcement messages published"})
		AnnouncesUpdated = promauto.NewCounter(prometheus.CounterOpts{Name: "announcer_announces_updated_total", Help: "Number of announcement messages edited for metadata changes"})
		AnnouncesFinalized = promauto.NewCounter(prometheus.CounterOpts{Name: "announcer_announces_finalized_total", Help: "Number of announcement messages finalized (deleted or edited offline)"})
		ReconcileErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "announcer_reconcile_errors_total", Help: "Number of per-record errors during poll cycles"})
		LeaseRenewals = promauto.NewCounter(prometheus.CounterOpts{Name: "announcer_lease_renewals_total", Help: "Number of subscription lease renewal requests issued"})
		LeaseRenewalFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "announcer_lease_renewal_failures_total", Help: "Number of failed subscription lease renewal requests"})
		BacklogVideosLoaded = promauto.NewCounter(prometheus.CounterOpts{Name: "announcer_backlog_videos_loaded_total", Help: "Number of video ids loaded into dedup backlogs"})
		NotificationsSeen = promauto.NewCounter(prometheus.CounterOpts{Name: "announcer_notifications_seen_total", Help: "Number of inbound push notifications received"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "announcer_poll_duration_seconds", Help: "Poll cycle duration seconds", Buckets: prometheus.DefBuckets})
		LiveAnnouncementsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "announcer_live_announcements", Help: "Current number of announcements in the live state"})
		PendingRenewalsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "announcer_pending_renewals", Help: "Current number of scheduled lease renewal timers"})
	})
}

// IncCounter increments c if metrics are initialized.
func IncCounter(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetLiveAnnouncements records the number of currently live announcements.
func SetLiveAnnouncements(n int) {
	if LiveAnnouncementsGauge != nil {
		LiveAnnouncementsGauge.Set(float64(n))
	}
}

// SetPendingRenewals records the number of outstanding renewal timers.
func SetPendingRenewals(n int) {
	if PendingRenewalsGauge != nil {
		PendingRenewalsGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
