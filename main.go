// Command stream-announcer keeps chat announcements in sync with live streams.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the live-status reconciler that publishes, edits, and finalizes
//     Discord announcements as Twitch streams go live and offline.
//   - Maintains YouTube PubSubHubbub subscriptions with per-channel renewal
//     timers, plus a background OAuth token refresher.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /metrics and the
//     pubsub callback endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/stream-announcer/announce"
	"github.com/onnwee/stream-announcer/config"
	"github.com/onnwee/stream-announcer/db"
	"github.com/onnwee/stream-announcer/discord"
	"github.com/onnwee/stream-announcer/oauth"
	"github.com/onnwee/stream-announcer/server"
	"github.com/onnwee/stream-announcer/subscription"
	"github.com/onnwee/stream-announcer/telemetry"
	"github.com/onnwee/stream-announcer/twitchapi"
	"github.com/onnwee/stream-announcer/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("stream-announcer", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(migrateCtx, database); err != nil {
		cancelMigrate()
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}
	cancelMigrate()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Live-status reconciler.
	messenger := &discord.Messenger{BotToken: cfg.DiscordBotToken, BaseURL: cfg.DiscordAPIBase}
	if err := cfg.ValidateTwitchReady(); err != nil {
		slog.Warn("live-status polling disabled", slog.Any("err", err))
	} else {
		helix := &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			ClientID:       cfg.TwitchClientID,
		}
		reconciler := &announce.Reconciler{
			Store:     &db.AnnouncementStore{DB: database},
			Fetcher:   &twitchapi.StatusFetcher{Client: helix},
			Messenger: messenger,
			Heartbeat: func(hctx context.Context, t time.Time) {
				if err := db.SetKV(hctx, database, "last_poll_at", t.Format(time.RFC3339)); err != nil {
					slog.Warn("record poll heartbeat", slog.Any("err", err))
				}
			},
		}
		go announce.StartReconcilerJob(ctx, reconciler, cfg.PollInterval)
	}

	// YouTube push subscriptions.
	oauthSvc := youtubeapi.NewOAuthService(cfg, &db.TokenStoreAdapter{DB: database})
	manager := &subscription.Manager{
		Store:           &db.ChannelStore{DB: database},
		Subscriber:      &youtubeapi.PubSubSubscriber{HubURL: cfg.HubURL},
		Backlog:         &youtubeapi.Client{APIKey: cfg.YTAPIKey, OAuth: oauthSvc},
		CallbackBaseURL: cfg.CallbackBaseURL,
		LeaseMargin:     cfg.LeaseMargin,
	}
	if err := cfg.ValidateSubscriptionsReady(); err != nil {
		slog.Warn("youtube subscriptions disabled", slog.Any("err", err))
	} else {
		startupCtx, cancelStartup := context.WithTimeout(ctx, time.Minute)
		if err := manager.PrepareAllResubscriptions(startupCtx); err != nil {
			slog.Warn("startup resubscription pass failed", slog.Any("err", err))
		}
		cancelStartup()
	}

	// Centralized OAuth token refresher for the YouTube credential.
	oauth.StartRefresher(ctx, database, "youtube", 10*time.Minute, 20*time.Minute, oauthSvc.Refresh)

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	handlers := server.NewHandlers(database, manager, oauthSvc, messenger)
	go func() {
		if err := server.Start(ctx, database, handlers, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}
