package server

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/streambot/backend/chat"
)

// StreamSettings is the per-channel settings bag plus live status fields.
type StreamSettings struct {
	Channel                string     `json:"channel"`
	IsLive                 bool       `json:"isLive"`
	VideoID                string     `json:"videoId"`
	ViewerCount            int        `json:"viewerCount"`
	StreamStartTime        *time.Time `json:"streamStartTime,omitempty"`
	PointsEnabled          bool       `json:"pointsEnabled"`
	PointsPerMessage       int        `json:"pointsPerMessage"`
	PointsPerMinute        int        `json:"pointsPerMinute"`
	MessageIntervalSeconds int        `json:"messageIntervalSeconds"`
	GambleEnabled          bool       `json:"gambleEnabled"`
	MinBet                 int        `json:"minBet"`
	MaxBet                 int        `json:"maxBet"`
	WinChance              float64    `json:"winChance"`
	WinMultiplier          int        `json:"winMultiplier"`
	AIEnabled              bool       `json:"aiEnabled"`
	WelcomeMessage         string     `json:"welcomeMessage"`
	AutoMessagesEnabled    bool       `json:"autoMessagesEnabled"`
	CommandsEnabled        bool       `json:"commandsEnabled"`
}

const settingsCols = `channel, is_live, COALESCE(video_id, ''), viewer_count, stream_start_time,
	points_enabled, points_per_message, points_per_minute, message_interval_seconds,
	gamble_enabled, min_bet, max_bet, win_chance, win_multiplier,
	ai_enabled, COALESCE(welcome_message, ''), auto_messages_enabled, commands_enabled`

func (h *Handlers) loadSettings(r *http.Request, channel string) (*StreamSettings, error) {
	var s StreamSettings
	var start sql.NullTime
	err := h.db.QueryRowContext(r.Context(),
		`SELECT `+settingsCols+` FROM stream_settings WHERE channel=$1`, channel).
		Scan(&s.Channel, &s.IsLive, &s.VideoID, &s.ViewerCount, &start,
			&s.PointsEnabled, &s.PointsPerMessage, &s.PointsPerMinute, &s.MessageIntervalSeconds,
			&s.GambleEnabled, &s.MinBet, &s.MaxBet, &s.WinChance, &s.WinMultiplier,
			&s.AIEnabled, &s.WelcomeMessage, &s.AutoMessagesEnabled, &s.CommandsEnabled)
	if err != nil {
		return nil, err
	}
	if start.Valid {
		s.StreamStartTime = &start.Time
	}
	return &s, nil
}

// HandleStreamStatus reports the channel's live state and whether a poller is active.
func (h *Handlers) HandleStreamStatus(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	s, err := h.loadSettings(r, channel)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusNotFound, "channel not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	polling := h.streams != nil && h.streams.Running(channel)
	respondJSON(w, http.StatusOK, map[string]any{
		"channel":         s.Channel,
		"isLive":          s.IsLive,
		"polling":         polling,
		"videoId":         s.VideoID,
		"viewerCount":     s.ViewerCount,
		"streamStartTime": s.StreamStartTime,
	})
}

// HandleGetSettings returns the channel settings, creating a default row on
// first access so a fresh channel is immediately configurable.
func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if _, err := h.db.ExecContext(r.Context(),
		`INSERT INTO stream_settings (channel) VALUES ($1) ON CONFLICT (channel) DO NOTHING`, channel); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s, err := h.loadSettings(r, channel)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s)
}

type settingsInput struct {
	PointsEnabled          bool    `json:"pointsEnabled"`
	PointsPerMessage       int     `json:"pointsPerMessage"`
	PointsPerMinute        int     `json:"pointsPerMinute"`
	MessageIntervalSeconds int     `json:"messageIntervalSeconds"`
	GambleEnabled          bool    `json:"gambleEnabled"`
	MinBet                 int     `json:"minBet"`
	MaxBet                 int     `json:"maxBet"`
	WinChance              float64 `json:"winChance"`
	WinMultiplier          int     `json:"winMultiplier"`
	AIEnabled              bool    `json:"aiEnabled"`
	WelcomeMessage         string  `json:"welcomeMessage"`
	AutoMessagesEnabled    bool    `json:"autoMessagesEnabled"`
	CommandsEnabled        bool    `json:"commandsEnabled"`
}

// HandlePutSettings replaces the channel's settings bag. Live-state fields
// (is_live, video id, cursor) are owned by the poller and left untouched.
func (h *Handlers) HandlePutSettings(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	var in settingsInput
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid settings body: "+err.Error())
		return
	}
	if in.MinBet < 0 || in.MaxBet < in.MinBet || in.WinChance < 0 || in.WinChance > 1 || in.WinMultiplier < 1 {
		respondError(w, http.StatusBadRequest, "invalid gambling bounds")
		return
	}
	res, err := h.db.ExecContext(r.Context(), `
		UPDATE stream_settings SET
			points_enabled=$2, points_per_message=$3, points_per_minute=$4, message_interval_seconds=$5,
			gamble_enabled=$6, min_bet=$7, max_bet=$8, win_chance=$9, win_multiplier=$10,
			ai_enabled=$11, welcome_message=$12, auto_messages_enabled=$13, commands_enabled=$14,
			updated_at=NOW()
		WHERE channel=$1`,
		channel, in.PointsEnabled, in.PointsPerMessage, in.PointsPerMinute, in.MessageIntervalSeconds,
		in.GambleEnabled, in.MinBet, in.MaxBet, in.WinChance, in.WinMultiplier,
		in.AIEnabled, in.WelcomeMessage, in.AutoMessagesEnabled, in.CommandsEnabled)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		respondError(w, http.StatusNotFound, "channel not found")
		return
	}
	s, err := h.loadSettings(r, channel)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s)
}

// HandleStreamStart begins polling the channel's live chat.
func (h *Handlers) HandleStreamStart(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if h.streams == nil {
		respondError(w, http.StatusServiceUnavailable, "chat poller not available")
		return
	}
	err := h.streams.Start(r.Context(), channel)
	switch {
	case errors.Is(err, chat.ErrNotLive):
		respondError(w, http.StatusConflict, "channel is not live")
	case errors.Is(err, chat.ErrNoChatSession):
		respondError(w, http.StatusConflict, "no active live chat session")
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, http.StatusOK, map[string]any{"status": "polling", "channel": channel})
	}
}

// HandleStreamStop stops the channel's poller and marks the stream offline.
func (h *Handlers) HandleStreamStop(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if h.streams == nil {
		respondError(w, http.StatusServiceUnavailable, "chat poller not available")
		return
	}
	h.streams.Stop(channel)
	if _, err := h.db.ExecContext(r.Context(),
		`UPDATE stream_settings SET is_live=FALSE, live_chat_id='', updated_at=NOW() WHERE channel=$1`, channel); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "stopped", "channel": channel})
}
