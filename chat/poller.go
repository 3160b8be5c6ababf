// Package chat runs the per-channel live chat pollers. A Supervisor owns one
// polling session per channel: it resolves the active live chat through the
// gateway, then ticks on a fixed period fetching new messages, upserting
// users, accruing points, dispatching commands, and broadcasting everything
// to the channel's dashboard subscribers.
package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/streambot/backend/commands"
	"github.com/onnwee/streambot/backend/db"
	"github.com/onnwee/streambot/backend/points"
	"github.com/onnwee/streambot/backend/telemetry"
	"github.com/onnwee/streambot/backend/youtubeapi"
)

var (
	// ErrNotLive is returned by Start when the channel has no stream
	// settings row or the gateway reports no active broadcast.
	ErrNotLive = errors.New("channel is not live")
	// ErrNoChatSession is returned by Start when the live video carries no
	// active chat session.
	ErrNoChatSession = errors.New("no active live chat session")
)

// Gateway is the slice of the YouTube client the poller needs. Tests swap in
// an in-memory fake.
type Gateway interface {
	CheckLiveStatus(ctx context.Context, channelID string) (string, bool, error)
	LiveDetails(ctx context.Context, videoID string) (*youtubeapi.LiveDetails, error)
	ListChatMessages(ctx context.Context, liveChatID, pageToken string) (*youtubeapi.ChatPage, error)
}

// Broadcaster pushes events to the channel's websocket subscribers.
type Broadcaster interface {
	BroadcastToChannel(channel, event string, payload any)
}

// DueChecker is the auto-message scheduler hook invoked after each tick.
type DueChecker interface {
	CheckDue(ctx context.Context, channel string) error
}

// Responder generates an AI reply when a viewer addresses the bot.
type Responder interface {
	Enabled() bool
	GenerateReply(ctx context.Context, channel, userName, message string) (string, error)
}

// session is the in-memory record for one actively polled channel.
type session struct {
	cancel      context.CancelFunc
	liveChatID  string
	videoID     string
	startTime   time.Time
	lastDetails time.Time
}

// Supervisor owns the channel -> session registry. Start and Stop are safe
// for concurrent use; each session's tick loop runs on its own goroutine
// bounded by the supervisor context.
type Supervisor struct {
	DB        *sql.DB
	Gateway   Gateway
	Ledger    *points.Ledger
	Engine    *commands.Engine
	Broadcast Broadcaster
	Scheduler DueChecker

	// AI is optional; nil disables mention replies entirely.
	AI Responder

	CommandPrefix string
	BotMention    string
	PollInterval  time.Duration

	ctx      context.Context
	mu       sync.Mutex
	sessions map[string]*session
}

// detailsRefreshEvery bounds how often a tick re-fetches video details for
// the viewer count and end-of-broadcast detection.
const detailsRefreshEvery = time.Minute

func NewSupervisor(ctx context.Context, dbx *sql.DB, gw Gateway, ledger *points.Ledger, engine *commands.Engine, bc Broadcaster, sched DueChecker) *Supervisor {
	return &Supervisor{
		DB:            dbx,
		Gateway:       gw,
		Ledger:        ledger,
		Engine:        engine,
		Broadcast:     bc,
		Scheduler:     sched,
		CommandPrefix: "!",
		BotMention:    "@bot",
		PollInterval:  5 * time.Second,
		ctx:           ctx,
		sessions:      make(map[string]*session),
	}
}

// Running reports whether a polling session is registered for the channel.
func (s *Supervisor) Running(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[channel]
	return ok
}

// ActiveChannels lists the channels currently being polled.
func (s *Supervisor) ActiveChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for ch := range s.sessions {
		out = append(out, ch)
	}
	return out
}

// Start begins polling the channel. It is idempotent: a channel that is
// already polling returns nil without touching the existing timer. The
// channel must have a stream settings row and an active broadcast
// (ErrNotLive otherwise) with an open chat session (ErrNoChatSession).
func (s *Supervisor) Start(ctx context.Context, channel string) error {
	if channel == "" {
		return fmt.Errorf("channel empty")
	}
	s.mu.Lock()
	if _, ok := s.sessions[channel]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var welcome sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT welcome_message FROM stream_settings WHERE channel=$1`, channel).Scan(&welcome)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("no stream settings for %s: %w", channel, ErrNotLive)
	}
	if err != nil {
		return fmt.Errorf("load stream settings: %w", err)
	}

	videoID, live, err := s.Gateway.CheckLiveStatus(ctx, channel)
	if err != nil {
		return fmt.Errorf("check live status: %w", err)
	}
	if !live {
		return ErrNotLive
	}
	details, err := s.Gateway.LiveDetails(ctx, videoID)
	if err != nil {
		return fmt.Errorf("live details: %w", err)
	}
	if details == nil || details.LiveChatID == "" {
		return ErrNoChatSession
	}
	startTime := details.ActualStartTime
	if startTime.IsZero() {
		startTime = time.Now()
	}

	if _, err := s.DB.ExecContext(ctx, `
		UPDATE stream_settings
		SET is_live=TRUE, video_id=$2, live_chat_id=$3, stream_start_time=$4,
		    viewer_count=$5, next_page_token='', last_poll_time=NOW(), updated_at=NOW()
		WHERE channel=$1`,
		channel, details.VideoID, details.LiveChatID, startTime, details.ConcurrentViewers); err != nil {
		return fmt.Errorf("persist live state: %w", err)
	}

	s.mu.Lock()
	if _, ok := s.sessions[channel]; ok {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(s.ctx)
	sess := &session{
		cancel:      cancel,
		liveChatID:  details.LiveChatID,
		videoID:     details.VideoID,
		startTime:   startTime,
		lastDetails: time.Now(),
	}
	s.sessions[channel] = sess
	telemetry.SetActivePollers(len(s.sessions))
	s.mu.Unlock()

	slog.Info("chat poller started",
		slog.String("component", "chat"),
		slog.String("channel", channel),
		slog.String("video_id", details.VideoID))

	if s.Broadcast != nil && welcome.Valid && welcome.String != "" {
		s.Broadcast.BroadcastToChannel(channel, "bot-message", map[string]any{
			"message":  welcome.String,
			"priority": 0,
		})
	}

	go s.run(runCtx, channel, sess)
	return nil
}

// Stop cancels the channel's polling session. Idempotent. It does not flip
// the stored is_live flag; the caller decides whether the stream ended.
func (s *Supervisor) Stop(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[channel]
	if !ok {
		return
	}
	sess.cancel()
	delete(s.sessions, channel)
	telemetry.SetActivePollers(len(s.sessions))
	slog.Info("chat poller stopped", slog.String("component", "chat"), slog.String("channel", channel))
}

// Shutdown stops every session. Called on process shutdown.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch, sess := range s.sessions {
		sess.cancel()
		delete(s.sessions, ch)
	}
	telemetry.SetActivePollers(0)
}

func (s *Supervisor) run(ctx context.Context, channel string, sess *session) {
	interval := s.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// Job heartbeat for operators; best effort.
		_, _ = s.DB.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES ('job_chat_poll_last', to_char(NOW() AT TIME ZONE 'UTC','YYYY-MM-DD"T"HH24:MI:SS"Z"'), NOW())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`)
		start := time.Now()
		err := s.tick(ctx, channel, sess)
		if telemetry.PollTicks != nil {
			telemetry.PollTicks.Inc()
		}
		if telemetry.PollDuration != nil {
			telemetry.PollDuration.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if telemetry.PollErrors != nil {
				telemetry.PollErrors.Inc()
			}
			slog.Warn("chat poll tick failed",
				slog.String("component", "chat"),
				slog.String("channel", channel),
				slog.Any("err", err))
		}
	}
}

// tick fetches one page of messages since the stored cursor and processes
// them in order. A failed tick leaves the cursor untouched so the next tick
// retries the same page.
func (s *Supervisor) tick(ctx context.Context, channel string, sess *session) error {
	var (
		pageToken       sql.NullString
		aiEnabled       bool
		commandsEnabled bool
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT next_page_token, ai_enabled, commands_enabled
		FROM stream_settings WHERE channel=$1`, channel).
		Scan(&pageToken, &aiEnabled, &commandsEnabled)
	if err != nil {
		return fmt.Errorf("load poll state: %w", err)
	}

	// Periodically re-fetch video details for the viewer count; a video
	// with no live details anymore means the broadcast ended.
	if time.Since(sess.lastDetails) >= detailsRefreshEvery {
		details, err := s.Gateway.LiveDetails(ctx, sess.videoID)
		if err != nil {
			return fmt.Errorf("refresh details: %w", err)
		}
		sess.lastDetails = time.Now()
		if details == nil {
			slog.Info("broadcast ended", slog.String("component", "chat"), slog.String("channel", channel))
			s.goOffline(channel)
			return nil
		}
		if _, err := s.DB.ExecContext(ctx,
			`UPDATE stream_settings SET viewer_count=$2, updated_at=NOW() WHERE channel=$1`,
			channel, details.ConcurrentViewers); err != nil {
			return fmt.Errorf("persist viewer count: %w", err)
		}
	}

	page, err := s.Gateway.ListChatMessages(ctx, sess.liveChatID, pageToken.String)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	for i := range page.Messages {
		if err := s.handleMessage(ctx, channel, &page.Messages[i], aiEnabled, commandsEnabled); err != nil {
			// One bad message must not stall the rest of the batch.
			slog.Warn("handle chat message",
				slog.String("component", "chat"),
				slog.String("channel", channel),
				slog.String("message_id", page.Messages[i].ID),
				slog.Any("err", err))
		}
	}

	if _, err := s.DB.ExecContext(ctx, `
		UPDATE stream_settings SET next_page_token=$2, last_poll_time=NOW(), updated_at=NOW()
		WHERE channel=$1`, channel, page.NextPageToken); err != nil {
		return fmt.Errorf("persist cursor: %w", err)
	}

	if s.Scheduler != nil {
		if err := s.Scheduler.CheckDue(ctx, channel); err != nil {
			slog.Warn("auto message check",
				slog.String("component", "chat"),
				slog.String("channel", channel),
				slog.Any("err", err))
		}
	}
	return nil
}

func (s *Supervisor) handleMessage(ctx context.Context, channel string, msg *youtubeapi.ChatMessage, aiEnabled, commandsEnabled bool) error {
	isMod := msg.IsModerator || msg.IsOwner
	user, err := db.UpsertChatUser(ctx, s.DB, msg.AuthorID, channel, msg.DisplayName, msg.AvatarURL, isMod)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	if telemetry.MessagesProcessed != nil {
		telemetry.MessagesProcessed.Inc()
	}

	awarded, err := s.Ledger.AccrueForMessage(ctx, user.YoutubeID, channel)
	if err != nil {
		slog.Warn("accrue points",
			slog.String("component", "chat"),
			slog.String("user", user.YoutubeID),
			slog.Any("err", err))
	} else if awarded > 0 {
		telemetry.AddPointsAwarded(awarded)
	}

	text := strings.TrimSpace(msg.Text)
	isCommand := s.CommandPrefix != "" && strings.HasPrefix(text, s.CommandPrefix)
	if isCommand && commandsEnabled {
		s.dispatchCommand(ctx, channel, user, text)
	}

	if s.Broadcast != nil {
		s.Broadcast.BroadcastToChannel(channel, "chat-message", map[string]any{
			"id": msg.ID,
			"author": map[string]any{
				"id":          msg.AuthorID,
				"name":        msg.DisplayName,
				"image":       msg.AvatarURL,
				"isModerator": msg.IsModerator,
				"isOwner":     msg.IsOwner,
			},
			"message":   msg.Text,
			"timestamp": msg.PublishedAt,
		})
	}

	if !isCommand && aiEnabled && s.AI != nil && s.AI.Enabled() && s.mentionsBot(text) {
		reply, err := s.AI.GenerateReply(ctx, channel, user.DisplayName, text)
		if err != nil {
			slog.Warn("ai reply",
				slog.String("component", "chat"),
				slog.String("channel", channel),
				slog.Any("err", err))
		} else if reply != "" && s.Broadcast != nil {
			s.Broadcast.BroadcastToChannel(channel, "bot-response", map[string]any{
				"user":     user.DisplayName,
				"response": reply,
			})
		}
	}
	return nil
}

func (s *Supervisor) mentionsBot(text string) bool {
	return s.BotMention != "" && strings.Contains(strings.ToLower(text), strings.ToLower(s.BotMention))
}

func (s *Supervisor) dispatchCommand(ctx context.Context, channel string, user *db.User, text string) {
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], s.CommandPrefix)
	if name == "" {
		return
	}
	res, err := s.Engine.Process(ctx, channel, user, name, fields[1:])
	if err != nil {
		if commands.IsRejection(err) {
			if telemetry.CommandsRejected != nil {
				telemetry.CommandsRejected.Inc()
			}
			slog.Debug("command rejected",
				slog.String("component", "chat"),
				slog.String("command", name),
				slog.String("user", user.YoutubeID),
				slog.String("reason", err.Error()))
		} else {
			slog.Warn("command failed",
				slog.String("component", "chat"),
				slog.String("command", name),
				slog.Any("err", err))
		}
		return
	}
	if res == nil {
		return // unknown or inactive command
	}
	if telemetry.CommandsExecuted != nil {
		telemetry.CommandsExecuted.Inc()
	}
	if s.Broadcast != nil {
		s.Broadcast.BroadcastToChannel(channel, "bot-response", map[string]any{
			"command":  res.Command,
			"response": res.Response,
			"user":     user.DisplayName,
		})
	}
}

// goOffline marks the channel offline and tears down its session. Used when
// the gateway reports the broadcast ended mid-poll.
func (s *Supervisor) goOffline(channel string) {
	if _, err := s.DB.ExecContext(s.ctx,
		`UPDATE stream_settings SET is_live=FALSE, live_chat_id='', updated_at=NOW() WHERE channel=$1`,
		channel); err != nil {
		slog.Warn("mark offline", slog.String("component", "chat"), slog.String("channel", channel), slog.Any("err", err))
	}
	s.Stop(channel)
}
