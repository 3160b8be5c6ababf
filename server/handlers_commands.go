package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/streambot/backend/commands"
	"github.com/onnwee/streambot/backend/db"
)

// HandleListCommands returns every command configured for the channel.
func (h *Handlers) HandleListCommands(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List(r.Context(), chi.URLParam(r, "channel"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []commands.Command{}
	}
	respondJSON(w, http.StatusOK, list)
}

// HandleCreateCommand adds a command to the channel.
func (h *Handlers) HandleCreateCommand(w http.ResponseWriter, r *http.Request) {
	var in commands.Input
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid command body: "+err.Error())
		return
	}
	cmd, err := h.store.Create(r.Context(), chi.URLParam(r, "channel"), in)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			respondError(w, http.StatusConflict, "command already exists")
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, cmd)
}

// HandleUpdateCommand replaces a command's editable fields.
func (h *Handlers) HandleUpdateCommand(w http.ResponseWriter, r *http.Request) {
	var in commands.Input
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid command body: "+err.Error())
		return
	}
	cmd, err := h.store.Update(r.Context(), chi.URLParam(r, "channel"), chi.URLParam(r, "name"), in)
	if errors.Is(err, commands.ErrNotFound) {
		respondError(w, http.StatusNotFound, "command not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cmd)
}

// HandleDeleteCommand removes a command.
func (h *Handlers) HandleDeleteCommand(w http.ResponseWriter, r *http.Request) {
	err := h.store.Delete(r.Context(), chi.URLParam(r, "channel"), chi.URLParam(r, "name"))
	if errors.Is(err, commands.ErrNotFound) {
		respondError(w, http.StatusNotFound, "command not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleToggleCommand flips a command's active flag.
func (h *Handlers) HandleToggleCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.store.Toggle(r.Context(), chi.URLParam(r, "channel"), chi.URLParam(r, "name"))
	if errors.Is(err, commands.ErrNotFound) {
		respondError(w, http.StatusNotFound, "command not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cmd)
}

// HandleCommandStats returns usage aggregates for the channel's commands.
func (h *Handlers) HandleCommandStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context(), chi.URLParam(r, "channel"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// HandleMostUsedCommands returns the channel's top commands by usage count.
func (h *Handlers) HandleMostUsedCommands(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.MostUsed(r.Context(), chi.URLParam(r, "channel"), parseIntQuery(r, "limit", 5))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []commands.Command{}
	}
	respondJSON(w, http.StatusOK, list)
}

type testCommandInput struct {
	Name      string   `json:"name"`
	Args      []string `json:"args"`
	YoutubeID string   `json:"youtubeId"`
}

// HandleTestCommand runs the full evaluation pipeline for a command on behalf
// of an existing user. Rejections come back as a 200 with an error field so
// the dashboard can show exactly what a viewer would see.
func (h *Handlers) HandleTestCommand(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	var in testCommandInput
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid test body: "+err.Error())
		return
	}
	if in.Name == "" || in.YoutubeID == "" {
		respondError(w, http.StatusBadRequest, "name and youtubeId are required")
		return
	}
	user, err := db.GetUserByYoutubeID(r.Context(), h.db, in.YoutubeID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if user == nil {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}

	res, err := h.engine.Process(r.Context(), channel, user, in.Name, in.Args)
	if err != nil {
		if commands.IsRejection(err) {
			respondJSON(w, http.StatusOK, map[string]string{"error": err.Error()})
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res == nil {
		respondError(w, http.StatusNotFound, "command not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"command":  res.Command,
		"response": res.Response,
		"user":     user.DisplayName,
	})
}
