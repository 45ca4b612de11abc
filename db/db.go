// Package db provides the Postgres connection, schema migration, and the
// store implementations backing the announcement and subscription engines.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/stream-announcer/crypto"
)

var (
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	encryptorErr  error
)

// getEncryptor lazily initializes token encryption from ENCRYPTION_KEY.
// Unset key means tokens are stored in plaintext (encryption_version = 0).
func getEncryptor() (crypto.Encryptor, error) {
	encryptorOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, OAuth tokens stored in plaintext")
			return
		}
		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			encryptorErr = fmt.Errorf("init encryption: %w", err)
			return
		}
		encryptor = enc
		slog.Info("OAuth token encryption enabled (AES-256-GCM)")
	})
	return encryptor, encryptorErr
}

// Connect opens a Postgres connection for the given DSN.
func Connect(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS twitch_announcements (
			id SERIAL PRIMARY KEY,
			stream_id TEXT NOT NULL,
			stream_name TEXT NOT NULL DEFAULT '',
			announcement_text TEXT NOT NULL DEFAULT '',
			target_channel TEXT NOT NULL DEFAULT '',
			message_ref TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			grace_minutes INTEGER NOT NULL DEFAULT 10,
			delete_on_offline BOOLEAN NOT NULL DEFAULT FALSE,
			last_title TEXT NOT NULL DEFAULT '',
			last_category TEXT NOT NULL DEFAULT '',
			profile_image_url TEXT NOT NULL DEFAULT '',
			offline_image_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ,
			CONSTRAINT ended_requires_message CHECK (NOT (message_ref = '' AND ended_at IS NOT NULL))
		)`,
		`CREATE TABLE IF NOT EXISTS youtube_channels (
			channel_id TEXT PRIMARY KEY,
			lease_seconds INTEGER,
			subscribed_at TIMESTAMPTZ,
			backlog_loaded BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS youtube_videos (
			channel_id TEXT NOT NULL REFERENCES youtube_channels(channel_id) ON DELETE CASCADE,
			video_id TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (channel_id, video_id)
		)`,
		`CREATE TABLE IF NOT EXISTS youtube_announcements (
			id SERIAL PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES youtube_channels(channel_id) ON DELETE CASCADE,
			target_channel TEXT NOT NULL DEFAULT '',
			announcement_text TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			raw TEXT,
			encryption_version INTEGER DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_announcements_stream ON twitch_announcements(stream_id)`,
		`CREATE INDEX IF NOT EXISTS idx_yt_announcements_channel ON youtube_announcements(channel_id)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// SetKV stores an operational state value.
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO kv(key, value, updated_at) VALUES($1,$2,CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=CURRENT_TIMESTAMP`, key, value)
	return err
}

// GetKV returns the stored value or empty string when absent.
func GetKV(ctx context.Context, dbx *sql.DB, key string) (string, error) {
	var v string
	err := dbx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// UpsertOAuthToken stores or updates an OAuth token for a provider, encrypting
// when ENCRYPTION_KEY is configured.
func UpsertOAuthToken(ctx context.Context, dbx *sql.DB, provider, access, refresh string, expiry time.Time, raw string) error {
	enc, err := getEncryptor()
	if err != nil {
		return err
	}
	encVersion := 0
	if enc != nil {
		encVersion = 1
		if access != "" {
			if access, err = crypto.EncryptString(enc, access); err != nil {
				return fmt.Errorf("encrypt access token: %w", err)
			}
		}
		if refresh != "" {
			if refresh, err = crypto.EncryptString(enc, refresh); err != nil {
				return fmt.Errorf("encrypt refresh token: %w", err)
			}
		}
	}
	_, err = dbx.ExecContext(ctx, `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, raw, encryption_version, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,NOW())
		ON CONFLICT(provider) DO UPDATE SET
		  access_token=EXCLUDED.access_token,
		  refresh_token=EXCLUDED.refresh_token,
		  expires_at=EXCLUDED.expires_at,
		  raw=EXCLUDED.raw,
		  encryption_version=EXCLUDED.encryption_version,
		  updated_at=NOW()`, provider, access, refresh, expiry, raw, encVersion)
	return err
}

// GetOAuthToken retrieves a stored token row; returns zero values if not found.
// Tokens stored with encryption_version=1 are decrypted transparently.
func GetOAuthToken(ctx context.Context, dbx *sql.DB, provider string) (access, refresh string, expiry time.Time, raw string, err error) {
	var encVersion int
	var nullExpiry sql.NullTime
	row := dbx.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, COALESCE(raw,''), COALESCE(encryption_version, 0)
		 FROM oauth_tokens WHERE provider = $1`, provider)
	err = row.Scan(&access, &refresh, &nullExpiry, &raw, &encVersion)
	if err == sql.ErrNoRows {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	if nullExpiry.Valid {
		expiry = nullExpiry.Time
	}
	if encVersion == 1 {
		enc, encErr := getEncryptor()
		if encErr != nil {
			return "", "", time.Time{}, "", encErr
		}
		if enc == nil {
			return "", "", time.Time{}, "", fmt.Errorf("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if access != "" {
			if access, err = crypto.DecryptString(enc, access); err != nil {
				return "", "", time.Time{}, "", fmt.Errorf("decrypt access token: %w", err)
			}
		}
		if refresh != "" {
			if refresh, err = crypto.DecryptString(enc, refresh); err != nil {
				return "", "", time.Time{}, "", fmt.Errorf("decrypt refresh token: %w", err)
			}
		}
	}
	return access, refresh, expiry, raw, nil
}

// TokenStoreAdapter implements youtubeapi.TokenStore on top of oauth_tokens.
type TokenStoreAdapter struct{ DB *sql.DB }

func (t *TokenStoreAdapter) UpsertOAuthToken(ctx context.Context, provider, accessToken, refreshToken string, expiry time.Time, raw string) error {
	return UpsertOAuthToken(ctx, t.DB, provider, accessToken, refreshToken, expiry, raw)
}

func (t *TokenStoreAdapter) GetOAuthToken(ctx context.Context, provider string) (string, string, time.Time, string, error) {
	return GetOAuthToken(ctx, t.DB, provider)
}
