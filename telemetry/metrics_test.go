package telemetry

import (
	"context"
	"testing"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	Init() // must not panic on duplicate registration
	if PollTicks == nil || ActivePollersGauge == nil {
		t.Fatal("metrics not initialized")
	}
	SetActivePollers(3)
	AddPointsAwarded(5)
	AddPointsAwarded(0) // no-op
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("GetCorrelation(empty ctx) = %q, want empty", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation = %q, want abc-123", got)
	}
	if l := LoggerWithCorr(ctx); l == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
