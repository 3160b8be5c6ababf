// Command backend is the main entrypoint for the streambot API and background
// workers. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the websocket hub, per-channel auto-message schedulers, the chat
//     poller supervisor, and the Google OAuth token refresher.
//   - Exposes the dashboard HTTP API with /healthz, /readyz, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/streambot/backend/ai"
	"github.com/onnwee/streambot/backend/auth"
	"github.com/onnwee/streambot/backend/automsg"
	"github.com/onnwee/streambot/backend/chat"
	"github.com/onnwee/streambot/backend/commands"
	"github.com/onnwee/streambot/backend/config"
	"github.com/onnwee/streambot/backend/db"
	"github.com/onnwee/streambot/backend/oauth"
	"github.com/onnwee/streambot/backend/points"
	"github.com/onnwee/streambot/backend/server"
	"github.com/onnwee/streambot/backend/telemetry"
	"github.com/onnwee/streambot/backend/ws"
	"github.com/onnwee/streambot/backend/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if cfg.JWTSecret == "" {
		slog.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	telemetry.Init()

	// OpenTelemetry tracing is optional; requires OTEL_EXPORTER_OTLP_ENDPOINT.
	shutdown, err := telemetry.InitTracing("streambot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Dual-system migrations: versioned files first, embedded SQL as the
	// fallback for deployments without a schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed", slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	authSvc, err := auth.NewService(cfg.JWTSecret, cfg.JWTTTL)
	if err != nil {
		slog.Error("auth service init failed", slog.Any("err", err))
		os.Exit(1)
	}

	hub := ws.NewHub(authSvc)
	go hub.Run(ctx)

	ledger := points.NewLedger(database)
	store := commands.NewStore(database)
	engine := commands.NewEngine(store, ledger)

	scheduler := automsg.NewScheduler(ctx, database, hub)
	if cfg.AutoMsgInterval > 0 {
		scheduler.CheckInterval = cfg.AutoMsgInterval
	}
	// Resume timers for channels that already have active auto messages.
	if rows, err := database.QueryContext(ctx, `SELECT DISTINCT channel FROM auto_messages WHERE is_active`); err != nil {
		slog.Warn("auto message boot scan failed", slog.Any("err", err))
	} else {
		for rows.Next() {
			var ch string
			if err := rows.Scan(&ch); err == nil {
				scheduler.StartScheduler(ch)
			}
		}
		_ = rows.Close()
	}
	defer scheduler.StopAll()

	// Chat poller supervisor needs the Data API; without a key the dashboard
	// still works but stream start/stop report unavailable.
	var supervisor *chat.Supervisor
	if err := cfg.ValidateAPIReady(); err != nil {
		slog.Warn("chat poller disabled", slog.Any("err", err))
	} else {
		ytClient, err := youtubeapi.NewClient(ctx, cfg.YTAPIKey)
		if err != nil {
			slog.Error("youtube client init failed", slog.Any("err", err))
			os.Exit(1)
		}
		supervisor = chat.NewSupervisor(ctx, database, ytClient, ledger, engine, hub, scheduler)
		supervisor.CommandPrefix = cfg.CommandPrefix
		supervisor.BotMention = cfg.BotMention
		supervisor.PollInterval = cfg.PollInterval
		if cfg.GeminiAPIKey != "" {
			supervisor.AI = ai.NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiModel)
		}
		defer supervisor.Shutdown()

		// Best-effort auto start for configured channels; channels that are
		// offline right now are started later through the dashboard.
		if chans := os.Getenv("BOT_CHANNELS"); chans != "" {
			for _, ch := range strings.Split(chans, ",") {
				ch = strings.TrimSpace(ch)
				if ch == "" {
					continue
				}
				if err := supervisor.Start(ctx, ch); err != nil {
					slog.Info("channel not started", slog.String("channel", ch), slog.Any("err", err))
				}
			}
		}
	}

	// Google OAuth: dashboard login plus the background bot-token refresher.
	var oauthSvc *youtubeapi.OAuthService
	if err := cfg.ValidateOAuthReady(); err != nil {
		slog.Warn("oauth login disabled", slog.Any("err", err))
	} else {
		oauthSvc = youtubeapi.NewOAuthService(cfg, &db.TokenStoreAdapter{DB: database})
		oauth.StartRefresher(ctx, "google", 10*time.Minute, oauthSvc)
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	var streams server.StreamController
	if supervisor != nil {
		streams = supervisor
	}
	handlers := server.NewHandlers(database, cfg, authSvc, hub, streams, store, engine, ledger, scheduler, oauthSvc)
	go func() {
		if err := server.Start(ctx, handlers, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}
