// Package automsg implements scheduled auto messages: channel-scoped timed
// announcements with optional viewer-count and stream-duration conditions.
//
// Dispatch goes through a single routine, CheckDue, shared by the per-channel
// standalone timer and the chat poller's post-tick hook. A due message is
// claimed with a conditional update before broadcasting, so the two paths
// cannot double-send.
package automsg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/streambot/backend/telemetry"
)

var ErrNotFound = errors.New("auto message not found")

// Broadcaster pushes an event to every dashboard client watching a channel.
type Broadcaster interface {
	BroadcastToChannel(channel, event string, payload any)
}

// Message is one stored auto message.
type Message struct {
	ID               string       `json:"id"`
	Channel          string       `json:"channel"`
	Message          string       `json:"message"`
	IntervalSeconds  int          `json:"intervalSeconds"`
	IsActive         bool         `json:"isActive"`
	Priority         int          `json:"priority"`
	LastSent         sql.NullTime `json:"-"`
	NextSend         sql.NullTime `json:"-"`
	SentCount        int          `json:"sentCount"`
	MinViewers       int          `json:"minViewers"`
	MaxViewers       int          `json:"maxViewers"`
	MinStreamMinutes int          `json:"minStreamMinutes"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// Input carries the user-editable fields. Zero-valued conditions mean
// unconditional.
type Input struct {
	Message          string `json:"message"`
	IntervalSeconds  int    `json:"intervalSeconds"`
	Priority         int    `json:"priority"`
	MinViewers       int    `json:"minViewers"`
	MaxViewers       int    `json:"maxViewers"`
	MinStreamMinutes int    `json:"minStreamMinutes"`
}

// Scheduler owns auto message persistence and the per-channel dispatch timers.
// The context passed to NewScheduler bounds every timer goroutine.
type Scheduler struct {
	DB            *sql.DB
	Broadcast     Broadcaster
	CheckInterval time.Duration

	ctx    context.Context
	mu     sync.Mutex
	timers map[string]context.CancelFunc
}

func NewScheduler(ctx context.Context, db *sql.DB, bc Broadcaster) *Scheduler {
	return &Scheduler{
		DB:            db,
		Broadcast:     bc,
		CheckInterval: time.Minute,
		ctx:           ctx,
		timers:        make(map[string]context.CancelFunc),
	}
}

const messageCols = `id, channel, message, interval_seconds, is_active, priority, last_sent, next_send, sent_count, min_viewers, COALESCE(max_viewers, 0), min_stream_minutes, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.Channel, &m.Message, &m.IntervalSeconds, &m.IsActive, &m.Priority,
		&m.LastSent, &m.NextSend, &m.SentCount, &m.MinViewers, &m.MaxViewers, &m.MinStreamMinutes, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Create stores a new auto message with next_send one interval from now and
// (re)starts the channel timer.
func (s *Scheduler) Create(ctx context.Context, channel string, in Input) (*Message, error) {
	if in.Message == "" || in.IntervalSeconds <= 0 {
		return nil, fmt.Errorf("message and a positive interval are required")
	}
	var maxViewers any
	if in.MaxViewers > 0 {
		maxViewers = in.MaxViewers
	}
	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO auto_messages
			(id, channel, message, interval_seconds, priority, next_send, min_viewers, max_viewers, min_stream_minutes)
		VALUES ($1,$2,$3,$4,$5,NOW() + make_interval(secs => $4::int),$6,$7,$8)
		RETURNING `+messageCols,
		uuid.NewString(), channel, in.Message, in.IntervalSeconds, in.Priority,
		in.MinViewers, maxViewers, in.MinStreamMinutes)
	m, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("create auto message: %w", err)
	}
	s.StartScheduler(channel)
	return m, nil
}

// List returns all auto messages for a channel.
func (s *Scheduler) List(ctx context.Context, channel string) ([]Message, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+messageCols+` FROM auto_messages WHERE channel = $1 ORDER BY created_at`, channel)
	if err != nil {
		return nil, fmt.Errorf("list auto messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// Get returns one auto message or nil when it does not exist.
func (s *Scheduler) Get(ctx context.Context, channel, id string) (*Message, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM auto_messages WHERE channel = $1 AND id = $2`, channel, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get auto message: %w", err)
	}
	return m, nil
}

// Update replaces the editable fields, reschedules next_send from now, and
// restarts the channel timer.
func (s *Scheduler) Update(ctx context.Context, channel, id string, in Input) (*Message, error) {
	if in.Message == "" || in.IntervalSeconds <= 0 {
		return nil, fmt.Errorf("message and a positive interval are required")
	}
	var maxViewers any
	if in.MaxViewers > 0 {
		maxViewers = in.MaxViewers
	}
	row := s.DB.QueryRowContext(ctx, `
		UPDATE auto_messages
		SET message = $3, interval_seconds = $4, priority = $5,
			next_send = NOW() + make_interval(secs => $4::int),
			min_viewers = $6, max_viewers = $7, min_stream_minutes = $8, updated_at = NOW()
		WHERE channel = $1 AND id = $2
		RETURNING `+messageCols,
		channel, id, in.Message, in.IntervalSeconds, in.Priority,
		in.MinViewers, maxViewers, in.MinStreamMinutes)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update auto message: %w", err)
	}
	s.StartScheduler(channel)
	return m, nil
}

// Delete removes an auto message and stops the channel timer when none remain.
func (s *Scheduler) Delete(ctx context.Context, channel, id string) error {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM auto_messages WHERE channel = $1 AND id = $2`, channel, id)
	if err != nil {
		return fmt.Errorf("delete auto message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	var remaining int
	if err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM auto_messages WHERE channel = $1`, channel).Scan(&remaining); err != nil {
		return err
	}
	if remaining == 0 {
		s.StopScheduler(channel)
	}
	return nil
}

// Toggle flips the active flag, starting the channel timer when the message
// becomes active and stopping it when no active messages remain.
func (s *Scheduler) Toggle(ctx context.Context, channel, id string) (*Message, error) {
	row := s.DB.QueryRowContext(ctx, `
		UPDATE auto_messages SET is_active = NOT is_active, updated_at = NOW()
		WHERE channel = $1 AND id = $2
		RETURNING `+messageCols, channel, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("toggle auto message: %w", err)
	}
	if m.IsActive {
		s.StartScheduler(channel)
	} else {
		var active int
		if err := s.DB.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM auto_messages WHERE channel = $1 AND is_active`, channel).Scan(&active); err != nil {
			return nil, err
		}
		if active == 0 {
			s.StopScheduler(channel)
		}
	}
	return m, nil
}

// MessageStats aggregates auto message activity for a channel.
type MessageStats struct {
	TotalMessages  int `json:"totalMessages"`
	ActiveMessages int `json:"activeMessages"`
	TotalSent      int `json:"totalSent"`
}

// Stats returns channel-wide auto message aggregates.
func (s *Scheduler) Stats(ctx context.Context, channel string) (*MessageStats, error) {
	var st MessageStats
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE is_active), COALESCE(SUM(sent_count), 0)
		FROM auto_messages WHERE channel = $1`, channel).
		Scan(&st.TotalMessages, &st.ActiveMessages, &st.TotalSent)
	if err != nil {
		return nil, fmt.Errorf("auto message stats: %w", err)
	}
	return &st, nil
}

// StartScheduler (re)starts the standalone timer for a channel. The running
// timer, if any, is stopped first, then a new one is started only when the
// channel still has active messages.
func (s *Scheduler) StartScheduler(channel string) {
	s.StopScheduler(channel)

	var active int
	if err := s.DB.QueryRowContext(s.ctx,
		`SELECT COUNT(*) FROM auto_messages WHERE channel = $1 AND is_active`, channel).Scan(&active); err != nil {
		slog.Error("failed to count active auto messages", slog.Any("error", err),
			slog.String("channel", channel), slog.String("component", "automsg"))
		return
	}
	if active == 0 {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.timers[channel] = cancel
	s.mu.Unlock()

	go s.run(ctx, channel)
	slog.Info("auto message scheduler started", slog.String("channel", channel), slog.String("component", "automsg"))
}

// StopScheduler stops the standalone timer for a channel if one is running.
func (s *Scheduler) StopScheduler(channel string) {
	s.mu.Lock()
	cancel, ok := s.timers[channel]
	if ok {
		delete(s.timers, channel)
	}
	s.mu.Unlock()
	if ok {
		cancel()
		slog.Info("auto message scheduler stopped", slog.String("channel", channel), slog.String("component", "automsg"))
	}
}

// StopAll stops every channel timer.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	for ch, cancel := range s.timers {
		cancel()
		delete(s.timers, ch)
	}
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context, channel string) {
	interval := s.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Job heartbeat for operators; best effort.
			_, _ = s.DB.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES ('job_automsg_last', to_char(NOW() AT TIME ZONE 'UTC','YYYY-MM-DD"T"HH24:MI:SS"Z"'), NOW())
				ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`)
			if err := s.CheckDue(ctx, channel); err != nil {
				slog.Error("auto message check failed", slog.Any("error", err),
					slog.String("channel", channel), slog.String("component", "automsg"))
			}
		}
	}
}

// CheckDue dispatches every due auto message for the channel. It is the single
// dispatch path, called by both the standalone timer and the chat poller after
// each tick. Nothing is sent while the channel is offline or has auto messages
// disabled. Each message is claimed with a next_send-guarded update before
// broadcasting.
func (s *Scheduler) CheckDue(ctx context.Context, channel string) error {
	var isLive, enabled bool
	var viewerCount int
	var streamStart sql.NullTime
	err := s.DB.QueryRowContext(ctx, `
		SELECT is_live, auto_messages_enabled, viewer_count, stream_start_time
		FROM stream_settings WHERE channel = $1`, channel).
		Scan(&isLive, &enabled, &viewerCount, &streamStart)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load stream settings: %w", err)
	}
	if !isLive || !enabled {
		return nil
	}

	due, err := s.listDue(ctx, channel)
	if err != nil {
		return err
	}
	now := time.Now()
	for i := range due {
		m := &due[i]
		if !conditionsMet(m, viewerCount, streamStart, now) {
			continue
		}
		claimed, err := s.claim(ctx, m.ID)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}
		if s.Broadcast != nil {
			s.Broadcast.BroadcastToChannel(channel, "bot-message", map[string]any{
				"message":  m.Message,
				"priority": m.Priority,
			})
		}
		if telemetry.AutoMessagesSent != nil {
			telemetry.AutoMessagesSent.Inc()
		}
	}
	return nil
}

func (s *Scheduler) listDue(ctx context.Context, channel string) ([]Message, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+messageCols+` FROM auto_messages
		WHERE channel = $1 AND is_active AND next_send <= NOW()
		ORDER BY created_at`, channel)
	if err != nil {
		return nil, fmt.Errorf("list due auto messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// claim marks the message as sent only if it is still due. The guard makes the
// timer and the poller hook mutually exclusive per message.
func (s *Scheduler) claim(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE auto_messages
		SET last_sent = NOW(),
			next_send = NOW() + make_interval(secs => interval_seconds),
			sent_count = sent_count + 1,
			updated_at = NOW()
		WHERE id = $1 AND next_send <= NOW()`, id)
	if err != nil {
		return false, fmt.Errorf("claim auto message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// conditionsMet checks the optional send conditions. A zero value means the
// condition is not set.
func conditionsMet(m *Message, viewerCount int, streamStart sql.NullTime, now time.Time) bool {
	if m.MinViewers > 0 && viewerCount < m.MinViewers {
		return false
	}
	if m.MaxViewers > 0 && viewerCount > m.MaxViewers {
		return false
	}
	if m.MinStreamMinutes > 0 {
		if !streamStart.Valid {
			return false
		}
		if now.Sub(streamStart.Time) < time.Duration(m.MinStreamMinutes)*time.Minute {
			return false
		}
	}
	return true
}
