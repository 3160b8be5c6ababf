// Package points implements the loyalty points ledger: chat accrual, manual
// deltas, gambling, leaderboards, and per-user gamble history. All balance
// mutations are single-statement atomic updates so concurrent chat ticks and
// dashboard actions cannot lose increments.
package points

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrSettingsNotFound   = errors.New("stream settings not found")
	ErrGamblingDisabled   = errors.New("gambling is disabled")
	ErrInsufficientPoints = errors.New("insufficient points")
)

// ErrBetOutOfRange reports a wager outside the configured bounds.
type ErrBetOutOfRange struct {
	Min, Max int
}

func (e *ErrBetOutOfRange) Error() string {
	return fmt.Sprintf("bet amount must be between %d and %d points", e.Min, e.Max)
}

// Ledger owns all point mutations. Rand is overridable for deterministic
// gamble tests; nil means math/rand.
type Ledger struct {
	DB   *sql.DB
	Rand func() float64
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{DB: db}
}

func (l *Ledger) roll() float64 {
	if l.Rand != nil {
		return l.Rand()
	}
	return rand.Float64()
}

// AccrueForMessage awards points_per_message to the user when the channel has
// points enabled and the accrual interval has elapsed since the user's last
// counted message. The guard and the increment are one statement, so two
// overlapping poll ticks cannot double-award. Returns the amount awarded
// (zero when the interval has not elapsed).
func (l *Ledger) AccrueForMessage(ctx context.Context, youtubeID, channel string) (int, error) {
	var awarded int
	err := l.DB.QueryRowContext(ctx, `
		UPDATE users u
		SET points = u.points + s.points_per_message,
			last_message_time = NOW(),
			updated_at = NOW()
		FROM stream_settings s
		WHERE u.youtube_id = $1
			AND s.channel = $2
			AND s.points_enabled
			AND (u.last_message_time IS NULL
				OR u.last_message_time <= NOW() - make_interval(secs => s.message_interval_seconds))
		RETURNING s.points_per_message`, youtubeID, channel).Scan(&awarded)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("accrue points: %w", err)
	}
	return awarded, nil
}

// GetPoints returns the user's balance, or zero when the user is unknown.
func (l *Ledger) GetPoints(ctx context.Context, youtubeID string) (int, error) {
	var points int
	err := l.DB.QueryRowContext(ctx,
		`SELECT points FROM users WHERE youtube_id = $1`, youtubeID).Scan(&points)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get points: %w", err)
	}
	return points, nil
}

// ApplyDelta adds delta (may be negative) to the user's balance atomically and
// returns the new balance.
func (l *Ledger) ApplyDelta(ctx context.Context, youtubeID string, delta int) (int, error) {
	var balance int
	err := l.DB.QueryRowContext(ctx, `
		UPDATE users SET points = points + $2, updated_at = NOW()
		WHERE youtube_id = $1
		RETURNING points`, youtubeID, delta).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("apply delta: %w", err)
	}
	return balance, nil
}

// Spend deducts cost from the balance only if the user can afford it.
// Returns false without error when the balance is too low.
func (l *Ledger) Spend(ctx context.Context, youtubeID string, cost int) (bool, error) {
	if cost <= 0 {
		return true, nil
	}
	res, err := l.DB.ExecContext(ctx, `
		UPDATE users SET points = points - $2, updated_at = NOW()
		WHERE youtube_id = $1 AND points >= $2`, youtubeID, cost)
	if err != nil {
		return false, fmt.Errorf("spend points: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GambleResult is the outcome of a processed wager.
type GambleResult struct {
	Won          bool `json:"won"`
	PointsChange int  `json:"pointsChange"`
	NewBalance   int  `json:"newBalance"`
}

// Wager processes a gamble: validates balance and bet bounds against the
// channel's gambling settings, rolls, applies the change, and records history
// trimmed to the 10 most recent entries. The whole operation runs in one
// transaction with the user row locked, so concurrent wagers cannot overdraw.
func (l *Ledger) Wager(ctx context.Context, youtubeID, channel string, amount int) (*GambleResult, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin wager tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var enabled bool
	var minBet, maxBet, winMultiplier int
	var winChance float64
	err = tx.QueryRowContext(ctx, `
		SELECT gamble_enabled, min_bet, max_bet, win_chance, win_multiplier
		FROM stream_settings WHERE channel = $1`, channel).
		Scan(&enabled, &minBet, &maxBet, &winChance, &winMultiplier)
	if err == sql.ErrNoRows {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load gamble settings: %w", err)
	}
	if !enabled {
		return nil, ErrGamblingDisabled
	}

	var userID int64
	var balance int
	err = tx.QueryRowContext(ctx,
		`SELECT id, points FROM users WHERE youtube_id = $1 FOR UPDATE`, youtubeID).
		Scan(&userID, &balance)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if balance < amount {
		return nil, ErrInsufficientPoints
	}
	if amount < minBet || amount > maxBet {
		return nil, &ErrBetOutOfRange{Min: minBet, Max: maxBet}
	}

	won := l.roll() < winChance
	change := -amount
	if won {
		change = amount * winMultiplier
	}

	var newBalance int
	if err := tx.QueryRowContext(ctx, `
		UPDATE users SET points = points + $2, updated_at = NOW()
		WHERE id = $1 RETURNING points`, userID, change).Scan(&newBalance); err != nil {
		return nil, fmt.Errorf("apply gamble: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO gamble_history (user_id, amount, won, points_change)
		VALUES ($1,$2,$3,$4)`, userID, amount, won, change); err != nil {
		return nil, fmt.Errorf("record gamble: %w", err)
	}
	// Keep only the 10 most recent entries per user.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM gamble_history
		WHERE user_id = $1 AND id NOT IN (
			SELECT id FROM gamble_history
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT 10
		)`, userID); err != nil {
		return nil, fmt.Errorf("trim gamble history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit wager: %w", err)
	}
	return &GambleResult{Won: won, PointsChange: change, NewBalance: newBalance}, nil
}

// Reset zeroes the user's balance and clears their gamble history.
func (l *Ledger) Reset(ctx context.Context, youtubeID string) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var userID int64
	err = tx.QueryRowContext(ctx, `
		UPDATE users SET points = 0, updated_at = NOW()
		WHERE youtube_id = $1 RETURNING id`, youtubeID).Scan(&userID)
	if err == sql.ErrNoRows {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("reset points: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM gamble_history WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear gamble history: %w", err)
	}
	return tx.Commit()
}

// LeaderboardEntry is one row of the channel points leaderboard.
type LeaderboardEntry struct {
	YoutubeID   string `json:"youtubeId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	Points      int    `json:"points"`
}

// Leaderboard returns the top users by points for a channel.
func (l *Ledger) Leaderboard(ctx context.Context, channel string, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := l.DB.QueryContext(ctx, `
		SELECT youtube_id, COALESCE(display_name,''), COALESCE(avatar_url,''), points
		FROM users WHERE channel = $1
		ORDER BY points DESC, youtube_id
		LIMIT $2`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	defer rows.Close()
	var out []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.YoutubeID, &e.DisplayName, &e.AvatarURL, &e.Points); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GambleRecord is one history entry.
type GambleRecord struct {
	Amount       int       `json:"amount"`
	Won          bool      `json:"won"`
	PointsChange int       `json:"pointsChange"`
	CreatedAt    time.Time `json:"createdAt"`
}

// History returns the user's recent gambles, newest first.
func (l *Ledger) History(ctx context.Context, youtubeID string) ([]GambleRecord, error) {
	rows, err := l.DB.QueryContext(ctx, `
		SELECT h.amount, h.won, h.points_change, h.created_at
		FROM gamble_history h
		JOIN users u ON u.id = h.user_id
		WHERE u.youtube_id = $1
		ORDER BY h.created_at DESC, h.id DESC`, youtubeID)
	if err != nil {
		return nil, fmt.Errorf("gamble history: %w", err)
	}
	defer rows.Close()
	var out []GambleRecord
	for rows.Next() {
		var r GambleRecord
		if err := rows.Scan(&r.Amount, &r.Won, &r.PointsChange, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats aggregates channel-wide gambling activity.
type Stats struct {
	TotalGambles    int `json:"totalGambles"`
	TotalWins       int `json:"totalWins"`
	TotalLosses     int `json:"totalLosses"`
	TotalPointsWon  int `json:"totalPointsWon"`
	TotalPointsLost int `json:"totalPointsLost"`
}

// GamblingStats returns channel-wide gamble aggregates.
func (l *Ledger) GamblingStats(ctx context.Context, channel string) (*Stats, error) {
	var s Stats
	err := l.DB.QueryRowContext(ctx, `
		SELECT COUNT(h.id),
			COUNT(h.id) FILTER (WHERE h.won),
			COUNT(h.id) FILTER (WHERE NOT h.won),
			COALESCE(SUM(h.points_change) FILTER (WHERE h.won), 0),
			COALESCE(SUM(ABS(h.points_change)) FILTER (WHERE NOT h.won), 0)
		FROM gamble_history h
		JOIN users u ON u.id = h.user_id
		WHERE u.channel = $1`, channel).
		Scan(&s.TotalGambles, &s.TotalWins, &s.TotalLosses, &s.TotalPointsWon, &s.TotalPointsLost)
	if err != nil {
		return nil, fmt.Errorf("gambling stats: %w", err)
	}
	return &s, nil
}
