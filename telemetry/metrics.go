// Package telemetry provides Prometheus metrics, OpenTelemetry tracing, and
// correlation-id aware logging helpers for the bot.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollTicks         prometheus.Counter
	PollErrors        prometheus.Counter
	MessagesProcessed prometheus.Counter
	CommandsExecuted  prometheus.Counter
	CommandsRejected  prometheus.Counter
	PointsAwarded     prometheus.Counter
	GamblesProcessed  prometheus.Counter
	AutoMessagesSent  prometheus.Counter

	// Histograms (seconds)
	PollDuration prometheus.Observer

	// Gauges
	ActivePollersGauge prometheus.Gauge
	WSClientsGauge     prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollTicks = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_poll_ticks_total", Help: "Number of chat poll ticks executed"})
		PollErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_poll_errors_total", Help: "Number of chat poll ticks that failed"})
		MessagesProcessed = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_messages_processed_total", Help: "Number of chat messages processed"})
		CommandsExecuted = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_commands_executed_total", Help: "Number of chat commands executed successfully"})
		CommandsRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_commands_rejected_total", Help: "Number of command invocations rejected (cooldown, permission, cost)"})
		PointsAwarded = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_points_awarded_total", Help: "Total loyalty points awarded for chat activity"})
		GamblesProcessed = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_gambles_processed_total", Help: "Number of gamble wagers processed"})
		AutoMessagesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_auto_messages_sent_total", Help: "Number of scheduled auto messages dispatched"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bot_poll_duration_seconds", Help: "Chat poll tick duration seconds", Buckets: prometheus.DefBuckets})
		ActivePollersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_active_pollers", Help: "Number of channels currently being polled"})
		WSClientsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_ws_clients", Help: "Number of connected websocket clients"})
	})
}

// SetActivePollers records the current number of running poll loops.
func SetActivePollers(n int) {
	if ActivePollersGauge != nil {
		ActivePollersGauge.Set(float64(n))
	}
}

// AddPointsAwarded adds n to the awarded-points counter.
func AddPointsAwarded(n int) {
	if PointsAwarded != nil && n > 0 {
		PointsAwarded.Add(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
