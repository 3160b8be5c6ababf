package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/streambot/backend/points"
	"github.com/onnwee/streambot/backend/telemetry"
)

// HandleGetPoints returns a user's current balance.
func (h *Handlers) HandleGetPoints(w http.ResponseWriter, r *http.Request) {
	youtubeID := chi.URLParam(r, "youtubeID")
	pts, err := h.ledger.GetPoints(r.Context(), youtubeID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"youtubeId": youtubeID, "points": pts})
}

// HandleLeaderboard returns the channel's top users by points.
func (h *Handlers) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	list, err := h.ledger.Leaderboard(r.Context(), chi.URLParam(r, "channel"), parseIntQuery(r, "limit", 10))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []points.LeaderboardEntry{}
	}
	respondJSON(w, http.StatusOK, list)
}

type gambleInput struct {
	Channel string `json:"channel"`
	Amount  int    `json:"amount"`
}

// HandleGamble places a wager for the user against the channel's gambling
// settings and returns the outcome.
func (h *Handlers) HandleGamble(w http.ResponseWriter, r *http.Request) {
	youtubeID := chi.URLParam(r, "youtubeID")
	var in gambleInput
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid gamble body: "+err.Error())
		return
	}
	if in.Channel == "" || in.Amount <= 0 {
		respondError(w, http.StatusBadRequest, "channel and a positive amount are required")
		return
	}

	res, err := h.ledger.Wager(r.Context(), youtubeID, in.Channel, in.Amount)
	var rangeErr *points.ErrBetOutOfRange
	switch {
	case errors.Is(err, points.ErrUserNotFound):
		respondError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, points.ErrSettingsNotFound):
		respondError(w, http.StatusNotFound, "channel not found")
	case errors.Is(err, points.ErrGamblingDisabled):
		respondError(w, http.StatusConflict, "gambling is disabled for this channel")
	case errors.Is(err, points.ErrInsufficientPoints):
		respondError(w, http.StatusBadRequest, "insufficient points")
	case errors.As(err, &rangeErr):
		respondError(w, http.StatusBadRequest, rangeErr.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		if telemetry.GamblesProcessed != nil {
			telemetry.GamblesProcessed.Inc()
		}
		if h.hub != nil {
			h.hub.BroadcastToUser(youtubeID, "points-update", map[string]any{"points": res.NewBalance})
		}
		respondJSON(w, http.StatusOK, res)
	}
}

type pointsUpdateInput struct {
	Points *int `json:"points"`
}

// HandleUpdatePoints applies a manual point adjustment (positive or negative)
// to a user's balance. Admin only.
func (h *Handlers) HandleUpdatePoints(w http.ResponseWriter, r *http.Request) {
	youtubeID := chi.URLParam(r, "youtubeID")
	var in pointsUpdateInput
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid points body: "+err.Error())
		return
	}
	if in.Points == nil {
		respondError(w, http.StatusBadRequest, "points is required")
		return
	}
	balance, err := h.ledger.ApplyDelta(r.Context(), youtubeID, *in.Points)
	if errors.Is(err, points.ErrUserNotFound) {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h.hub != nil {
		h.hub.BroadcastToUser(youtubeID, "points-update", map[string]any{"points": balance})
	}
	respondJSON(w, http.StatusOK, map[string]any{"points": balance})
}

// HandleResetPoints zeroes a user's balance and clears their gamble history.
// Admin only.
func (h *Handlers) HandleResetPoints(w http.ResponseWriter, r *http.Request) {
	youtubeID := chi.URLParam(r, "youtubeID")
	err := h.ledger.Reset(r.Context(), youtubeID)
	if errors.Is(err, points.ErrUserNotFound) {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset", "youtubeId": youtubeID})
}

// HandleGambleHistory returns the user's recent gambles, newest first.
func (h *Handlers) HandleGambleHistory(w http.ResponseWriter, r *http.Request) {
	list, err := h.ledger.History(r.Context(), chi.URLParam(r, "youtubeID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []points.GambleRecord{}
	}
	respondJSON(w, http.StatusOK, list)
}

// HandleGamblingStats returns channel-wide gamble aggregates.
func (h *Handlers) HandleGamblingStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.GamblingStats(r.Context(), chi.URLParam(r, "channel"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
