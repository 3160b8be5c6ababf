package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/streambot/backend/automsg"
)

// HandleListAutoMessages returns every auto message configured for the channel.
func (h *Handlers) HandleListAutoMessages(w http.ResponseWriter, r *http.Request) {
	list, err := h.scheduler.List(r.Context(), chi.URLParam(r, "channel"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []automsg.Message{}
	}
	respondJSON(w, http.StatusOK, list)
}

// HandleCreateAutoMessage adds an auto message and starts the channel timer.
func (h *Handlers) HandleCreateAutoMessage(w http.ResponseWriter, r *http.Request) {
	var in automsg.Input
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid auto message body: "+err.Error())
		return
	}
	m, err := h.scheduler.Create(r.Context(), chi.URLParam(r, "channel"), in)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

// HandleUpdateAutoMessage replaces an auto message's editable fields.
func (h *Handlers) HandleUpdateAutoMessage(w http.ResponseWriter, r *http.Request) {
	var in automsg.Input
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid auto message body: "+err.Error())
		return
	}
	m, err := h.scheduler.Update(r.Context(), chi.URLParam(r, "channel"), chi.URLParam(r, "id"), in)
	if errors.Is(err, automsg.ErrNotFound) {
		respondError(w, http.StatusNotFound, "auto message not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// HandleDeleteAutoMessage removes an auto message.
func (h *Handlers) HandleDeleteAutoMessage(w http.ResponseWriter, r *http.Request) {
	err := h.scheduler.Delete(r.Context(), chi.URLParam(r, "channel"), chi.URLParam(r, "id"))
	if errors.Is(err, automsg.ErrNotFound) {
		respondError(w, http.StatusNotFound, "auto message not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleToggleAutoMessage flips an auto message's active flag.
func (h *Handlers) HandleToggleAutoMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.scheduler.Toggle(r.Context(), chi.URLParam(r, "channel"), chi.URLParam(r, "id"))
	if errors.Is(err, automsg.ErrNotFound) {
		respondError(w, http.StatusNotFound, "auto message not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// HandleAutoMessageStats returns send aggregates for the channel.
func (h *Handlers) HandleAutoMessageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.scheduler.Stats(r.Context(), chi.URLParam(r, "channel"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// HandleTestAutoMessage broadcasts the message to the channel immediately,
// bypassing schedule and conditions. Send counters are not touched.
func (h *Handlers) HandleTestAutoMessage(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	m, err := h.scheduler.Get(r.Context(), channel, chi.URLParam(r, "id"))
	if errors.Is(err, automsg.ErrNotFound) || m == nil {
		respondError(w, http.StatusNotFound, "auto message not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.hub.BroadcastToChannel(channel, "bot-message", map[string]any{
		"message":  m.Message,
		"priority": m.Priority,
	})
	respondJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}
