// Package db provides database connection helpers, schema migration, and small data access helpers.
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

	"github.com/onnwee/streambot/backend/crypto"
)

var (
	// encryptor is the global encryptor instance for OAuth token encryption
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	errEncryptor  error
)

// initEncryptor initializes the global encryptor from ENCRYPTION_KEY.
// If ENCRYPTION_KEY is not set, encryption is disabled (encryption_version = 0).
func initEncryptor() {
	encryptorOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext (not recommended for production)", slog.String("component", "db_encryption"))
			return
		}

		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			errEncryptor = fmt.Errorf("failed to initialize encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("error", errEncryptor), slog.String("component", "db_encryption"))
			return
		}

		encryptor = enc
		slog.Info("OAuth token encryption enabled (AES-256-GCM)", slog.String("component", "db_encryption"))
	})
}

func getEncryptor() (crypto.Encryptor, error) {
	initEncryptor()
	if errEncryptor != nil {
		return nil, errEncryptor
	}
	return encryptor, nil
}

// Connect opens a Postgres connection. The DSN comes from config so there is
// exactly one place that defaults it.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is empty")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			youtube_id TEXT UNIQUE NOT NULL,
			channel TEXT NOT NULL,
			display_name TEXT,
			avatar_url TEXT,
			points INTEGER DEFAULT 0,
			watch_time INTEGER DEFAULT 0,
			last_message_time TIMESTAMPTZ,
			last_seen TIMESTAMPTZ DEFAULT NOW(),
			is_moderator BOOLEAN DEFAULT FALSE,
			is_admin BOOLEAN DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS gamble_history (
			id SERIAL PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			amount INTEGER NOT NULL,
			won BOOLEAN NOT NULL,
			points_change INTEGER NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS commands (
			id SERIAL PRIMARY KEY,
			channel TEXT NOT NULL,
			name TEXT NOT NULL,
			response TEXT NOT NULL,
			cost INTEGER DEFAULT 0,
			cooldown_seconds INTEGER DEFAULT 0,
			permissions TEXT DEFAULT 'everyone',
			is_active BOOLEAN DEFAULT TRUE,
			usage_count INTEGER DEFAULT 0,
			last_used TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ,
			UNIQUE (channel, name)
		)`,
		`CREATE TABLE IF NOT EXISTS auto_messages (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			message TEXT NOT NULL,
			interval_seconds INTEGER NOT NULL,
			is_active BOOLEAN DEFAULT TRUE,
			priority INTEGER DEFAULT 0,
			last_sent TIMESTAMPTZ,
			next_send TIMESTAMPTZ,
			sent_count INTEGER DEFAULT 0,
			min_viewers INTEGER DEFAULT 0,
			max_viewers INTEGER,
			min_stream_minutes INTEGER DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS stream_settings (
			channel TEXT PRIMARY KEY,
			is_live BOOLEAN DEFAULT FALSE,
			live_chat_id TEXT,
			video_id TEXT,
			stream_start_time TIMESTAMPTZ,
			last_poll_time TIMESTAMPTZ,
			next_page_token TEXT DEFAULT '',
			viewer_count INTEGER DEFAULT 0,
			points_enabled BOOLEAN DEFAULT TRUE,
			points_per_message INTEGER DEFAULT 1,
			points_per_minute INTEGER DEFAULT 1,
			message_interval_seconds INTEGER DEFAULT 300,
			gamble_enabled BOOLEAN DEFAULT TRUE,
			min_bet INTEGER DEFAULT 10,
			max_bet INTEGER DEFAULT 1000,
			win_chance DOUBLE PRECISION DEFAULT 0.45,
			win_multiplier INTEGER DEFAULT 2,
			ai_enabled BOOLEAN DEFAULT FALSE,
			welcome_message TEXT DEFAULT 'Welcome to the stream!',
			auto_messages_enabled BOOLEAN DEFAULT TRUE,
			commands_enabled BOOLEAN DEFAULT TRUE,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			scope TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			encryption_version INTEGER DEFAULT 0,
			encryption_key_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_channel_points ON users(channel, points DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_users_youtube_id ON users(youtube_id)`,
		`CREATE INDEX IF NOT EXISTS idx_gamble_history_user ON gamble_history(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_channel ON commands(channel)`,
		`CREATE INDEX IF NOT EXISTS idx_auto_messages_due ON auto_messages(channel, is_active, next_send)`,
		`CREATE INDEX IF NOT EXISTS idx_stream_settings_live ON stream_settings(is_live)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// UpsertOAuthToken stores or updates an OAuth token for a provider (e.g., google).
// If encryption is enabled (ENCRYPTION_KEY set), tokens are encrypted before storage.
// encryption_version=1 indicates encrypted tokens, version=0 indicates plaintext.
func UpsertOAuthToken(ctx context.Context, dbx *sql.DB, provider, access, refresh string, expiry time.Time, scope string) error {
	enc, err := getEncryptor()
	if err != nil {
		return fmt.Errorf("get encryptor: %w", err)
	}

	encVersion := 0
	encKeyID := ""
	accessToStore := access
	refreshToStore := refresh

	if enc != nil {
		encVersion = 1
		encKeyID = "default"

		if access != "" {
			encAccess, err := crypto.EncryptString(enc, access)
			if err != nil {
				return fmt.Errorf("encrypt access token: %w", err)
			}
			accessToStore = encAccess
		}
		if refresh != "" {
			encRefresh, err := crypto.EncryptString(enc, refresh)
			if err != nil {
				return fmt.Errorf("encrypt refresh token: %w", err)
			}
			refreshToStore = encRefresh
		}
	}

	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`
	_, err = dbx.ExecContext(ctx, q, provider, accessToStore, refreshToStore, expiry, scope, encVersion, encKeyID)
	return err
}

// GetOAuthToken retrieves a stored token row; returns zero values if not found.
// Automatically decrypts tokens if encryption_version=1 and encryption is configured.
func GetOAuthToken(ctx context.Context, dbx *sql.DB, provider string) (access, refresh string, expiry time.Time, scope string, err error) {
	var encVersion int
	var encKeyID sql.NullString

	row := dbx.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, COALESCE(encryption_version, 0), encryption_key_id
		 FROM oauth_tokens WHERE provider = $1`, provider)

	err = row.Scan(&access, &refresh, &expiry, &scope, &encVersion, &encKeyID)
	if err == sql.ErrNoRows {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", err
	}

	if encVersion == 1 {
		enc, encErr := getEncryptor()
		if encErr != nil {
			return "", "", time.Time{}, "", fmt.Errorf("get encryptor for decryption: %w", encErr)
		}
		if enc == nil {
			return "", "", time.Time{}, "", fmt.Errorf("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if access != "" {
			decAccess, decErr := crypto.DecryptString(enc, access)
			if decErr != nil {
				return "", "", time.Time{}, "", fmt.Errorf("decrypt access token: %w", decErr)
			}
			access = decAccess
		}
		if refresh != "" {
			decRefresh, decErr := crypto.DecryptString(enc, refresh)
			if decErr != nil {
				return "", "", time.Time{}, "", fmt.Errorf("decrypt refresh token: %w", decErr)
			}
			refresh = decRefresh
		}
	}

	return access, refresh, expiry, scope, nil
}

// TokenStoreAdapter implements youtubeapi.TokenStore over the oauth_tokens table.
type TokenStoreAdapter struct{ DB *sql.DB }

func (t *TokenStoreAdapter) UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, scope string) error {
	return UpsertOAuthToken(ctx, t.DB, provider, accessToken, refreshToken, expiry, scope)
}

func (t *TokenStoreAdapter) GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, scope string, err error) {
	return GetOAuthToken(ctx, t.DB, provider)
}
