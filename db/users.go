package db

import (
	"context"
	"database/sql"
	"time"
)

// User is a chat participant tracked for loyalty points.
type User struct {
	ID              int64
	YoutubeID       string
	Channel         string
	DisplayName     string
	AvatarURL       string
	Points          int
	WatchTime       int
	LastMessageTime sql.NullTime
	LastSeen        time.Time
	IsModerator     bool
	IsAdmin         bool
}

// UpsertChatUser creates or refreshes a user row from live chat author details
// and returns the stored record. Moderator status is taken from chat each time;
// admin status is only ever granted through the dashboard.
func UpsertChatUser(ctx context.Context, dbx *sql.DB, youtubeID, channel, displayName, avatarURL string, isModerator bool) (*User, error) {
	row := dbx.QueryRowContext(ctx, `
		INSERT INTO users (youtube_id, channel, display_name, avatar_url, is_moderator, last_seen)
		VALUES ($1,$2,$3,$4,$5,NOW())
		ON CONFLICT (youtube_id) DO UPDATE SET
			channel = EXCLUDED.channel,
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url,
			is_moderator = EXCLUDED.is_moderator,
			last_seen = NOW(),
			updated_at = NOW()
		RETURNING id, youtube_id, channel, display_name, avatar_url, points, watch_time,
			last_message_time, last_seen, is_moderator, is_admin`,
		youtubeID, channel, displayName, avatarURL, isModerator)
	return scanUser(row)
}

// GetUserByYoutubeID returns the user or nil when not found.
func GetUserByYoutubeID(ctx context.Context, dbx *sql.DB, youtubeID string) (*User, error) {
	row := dbx.QueryRowContext(ctx, `
		SELECT id, youtube_id, channel, display_name, avatar_url, points, watch_time,
			last_message_time, last_seen, is_moderator, is_admin
		FROM users WHERE youtube_id = $1`, youtubeID)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var displayName, avatarURL sql.NullString
	err := row.Scan(&u.ID, &u.YoutubeID, &u.Channel, &displayName, &avatarURL,
		&u.Points, &u.WatchTime, &u.LastMessageTime, &u.LastSeen, &u.IsModerator, &u.IsAdmin)
	if err != nil {
		return nil, err
	}
	u.DisplayName = displayName.String
	u.AvatarURL = avatarURL.String
	return &u, nil
}
