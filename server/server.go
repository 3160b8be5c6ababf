// Package server exposes the dashboard HTTP API: stream control, command and
// auto-message management, points and gambling queries, Google OAuth login,
// the websocket upgrade, health probes, and Prometheus metrics. Permissive
// CORS for development; correlation IDs are injected into every request
// context for consistent logging.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/streambot/backend/auth"
	"github.com/onnwee/streambot/backend/automsg"
	"github.com/onnwee/streambot/backend/commands"
	"github.com/onnwee/streambot/backend/config"
	"github.com/onnwee/streambot/backend/points"
	"github.com/onnwee/streambot/backend/ws"
	"github.com/onnwee/streambot/backend/youtubeapi"
)

// Maximum number of OAuth states to keep in memory.
const maxOAuthStates = 10000

// StreamController is the slice of the chat poller supervisor the stream
// routes need. Tests swap in a stub.
type StreamController interface {
	Start(ctx context.Context, channel string) error
	Stop(channel string)
	Running(channel string) bool
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db        *sql.DB
	cfg       *config.Config
	auth      *auth.Service
	hub       *ws.Hub
	streams   StreamController
	store     *commands.Store
	engine    *commands.Engine
	ledger    *points.Ledger
	scheduler *automsg.Scheduler
	oauth     *youtubeapi.OAuthService

	stateStore map[string]oauthState
	stateMu    sync.RWMutex
}

// oauthState tracks a pending OAuth login: when it expires and which channel
// the dashboard session is for.
type oauthState struct {
	expiry  time.Time
	channel string
}

// NewHandlers creates a Handlers instance with the given dependencies. The
// oauth service may be nil when login is not configured; streams may be nil
// when no poller is running (stream start/stop return 503).
func NewHandlers(dbx *sql.DB, cfg *config.Config, authSvc *auth.Service, hub *ws.Hub, streams StreamController,
	store *commands.Store, engine *commands.Engine, ledger *points.Ledger, scheduler *automsg.Scheduler,
	oauthSvc *youtubeapi.OAuthService) *Handlers {
	return &Handlers{
		db:         dbx,
		cfg:        cfg,
		auth:       authSvc,
		hub:        hub,
		streams:    streams,
		store:      store,
		engine:     engine,
		ledger:     ledger,
		scheduler:  scheduler,
		oauth:      oauthSvc,
		stateStore: make(map[string]oauthState),
	}
}

// NewRouter returns the HTTP handler with all routes. The context bounds the
// rate limiter cleanup goroutine.
func NewRouter(ctx context.Context, h *Handlers) http.Handler {
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withCORSConfig(loadCORSConfig()))
	r.Use(correlationMiddleware)

	// Unauthenticated surface.
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.HandleHealthz)
	r.Get("/readyz", h.HandleReadyz)
	r.Get("/auth/google/start", h.HandleOAuthStart)
	r.Get("/auth/google/callback", h.HandleOAuthCallback)

	// Websocket handshake is open; clients authenticate in-band with their
	// JWT after connecting.
	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		ws.ServeWS(h.hub, w, req)
	})

	// Dashboard API, JWT-gated.
	r.Route("/api", func(r chi.Router) {
		r.Use(h.auth.Middleware)

		r.Get("/auth/me", h.HandleAuthMe)

		r.Route("/stream/{channel}", func(r chi.Router) {
			r.Get("/status", h.HandleStreamStatus)
			r.Get("/settings", h.HandleGetSettings)
			r.Put("/settings", h.HandlePutSettings)
			r.With(rateLimitMiddleware(limiter)).Post("/start", h.HandleStreamStart)
			r.With(rateLimitMiddleware(limiter)).Post("/stop", h.HandleStreamStop)
		})

		r.Route("/commands/{channel}", func(r chi.Router) {
			r.Get("/", h.HandleListCommands)
			r.Post("/", h.HandleCreateCommand)
			r.Get("/stats", h.HandleCommandStats)
			r.Get("/most-used", h.HandleMostUsedCommands)
			r.Post("/test", h.HandleTestCommand)
			r.Put("/{name}", h.HandleUpdateCommand)
			r.Delete("/{name}", h.HandleDeleteCommand)
			r.Patch("/{name}/toggle", h.HandleToggleCommand)
		})

		r.Route("/auto-messages/{channel}", func(r chi.Router) {
			r.Get("/", h.HandleListAutoMessages)
			r.Post("/", h.HandleCreateAutoMessage)
			r.Get("/stats", h.HandleAutoMessageStats)
			r.Put("/{id}", h.HandleUpdateAutoMessage)
			r.Delete("/{id}", h.HandleDeleteAutoMessage)
			r.Patch("/{id}/toggle", h.HandleToggleAutoMessage)
			r.Post("/{id}/test", h.HandleTestAutoMessage)
		})

		r.Route("/points/{channel}", func(r chi.Router) {
			r.Get("/leaderboard", h.HandleLeaderboard)
			r.Get("/gambling-stats", h.HandleGamblingStats)
		})

		r.Route("/users/{youtubeID}", func(r chi.Router) {
			r.Get("/points", h.HandleGetPoints)
			r.Get("/gamble-history", h.HandleGambleHistory)
			r.With(rateLimitMiddleware(limiter)).Post("/gamble", h.HandleGamble)
			r.With(auth.RequireAdmin).Post("/points/update", h.HandleUpdatePoints)
			r.With(auth.RequireAdmin).Post("/reset", h.HandleResetPoints)
		})
	})

	return r
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, h *Handlers, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewRouter(ctx, h),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
