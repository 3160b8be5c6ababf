package server

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/onnwee/streambot/backend/auth"
	"github.com/onnwee/streambot/backend/db"
)

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, st := range h.stateStore {
		if now.After(st.expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state, channel string, expiry time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	// Clean expired states periodically to prevent unbounded growth.
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}

	// Refusing past the cap fails the flow instead of exhausting memory.
	if len(h.stateStore) >= maxOAuthStates {
		return
	}

	h.stateStore[state] = oauthState{expiry: expiry, channel: channel}
}

// takeOAuthState validates and consumes a state, returning its channel.
func (h *Handlers) takeOAuthState(state string) (string, bool) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	st, ok := h.stateStore[state]
	if !ok || time.Now().After(st.expiry) {
		return "", false
	}
	delete(h.stateStore, state)
	return st.channel, true
}

// HandleOAuthStart initiates the Google OAuth flow by redirecting to Google.
// An optional channel query parameter binds the resulting dashboard session
// to that channel; it defaults to the user's own channel id.
func (h *Handlers) HandleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.oauth == nil {
		respondError(w, http.StatusBadRequest, "oauth not configured (need GOOGLE_CLIENT_ID + GOOGLE_CLIENT_SECRET + GOOGLE_REDIRECT_URI)")
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		respondError(w, http.StatusInternalServerError, "state gen error")
		return
	}
	st := hex.EncodeToString(b)
	h.addOAuthState(st, r.URL.Query().Get("channel"), time.Now().Add(10*time.Minute))
	http.Redirect(w, r, h.oauth.AuthCodeURL(st), http.StatusFound)
}

// HandleAuthMe returns the profile behind the presented token. Runs inside
// the JWT middleware, so the claims are always present.
func (h *Handlers) HandleAuthMe(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		respondError(w, http.StatusUnauthorized, "missing claims")
		return
	}
	user, err := db.GetUserByYoutubeID(r.Context(), h.db, claims.Subject)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if user == nil {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"youtubeId": user.YoutubeID,
		"name":      user.DisplayName,
		"avatar":    user.AvatarURL,
		"channel":   claims.Channel,
		"isAdmin":   user.IsAdmin,
	})
}

// HandleOAuthCallback exchanges the authorization code, upserts the dashboard
// user from their Google profile, and issues a dashboard JWT.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.oauth == nil {
		respondError(w, http.StatusBadRequest, "oauth not configured")
		return
	}
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		respondError(w, http.StatusBadRequest, "missing code/state")
		return
	}
	channel, ok := h.takeOAuthState(state)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid state")
		return
	}

	ctx := r.Context()
	tok, err := h.oauth.Exchange(ctx, code)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	profile, err := h.oauth.FetchProfile(ctx, tok)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if channel == "" {
		channel = profile.ID
	}

	user, err := db.UpsertChatUser(ctx, h.db, profile.ID, channel, profile.Name, profile.Picture, false)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	token, err := h.auth.IssueToken(user.YoutubeID, channel, user.IsAdmin)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user": map[string]any{
			"youtubeId": user.YoutubeID,
			"name":      user.DisplayName,
			"avatar":    user.AvatarURL,
			"channel":   channel,
			"isAdmin":   user.IsAdmin,
		},
	})
}
