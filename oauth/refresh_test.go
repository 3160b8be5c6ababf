package oauth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type countingRefresher struct {
	calls int64
	err   error
}

func (c *countingRefresher) RefreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	atomic.AddInt64(&c.calls, 1)
	if c.err != nil {
		return nil, c.err
	}
	return &oauth2.Token{AccessToken: "access", Expiry: time.Now().Add(time.Hour)}, nil
}

func (c *countingRefresher) count() int64 { return atomic.LoadInt64(&c.calls) }

func TestStartRefresherCallsPeriodically(t *testing.T) {
	r := &countingRefresher{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	StartRefresher(ctx, "google", 20*time.Millisecond, r)

	deadline := time.Now().Add(2 * time.Second)
	for r.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if r.count() == 0 {
		t.Error("refresher never invoked RefreshIfNeeded")
	}
}

func TestStartRefresherSurvivesErrors(t *testing.T) {
	r := &countingRefresher{err: errors.New("token endpoint down")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	StartRefresher(ctx, "google", 10*time.Millisecond, r)

	deadline := time.Now().Add(2 * time.Second)
	for r.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if r.count() < 2 {
		t.Error("refresher should keep checking after an error")
	}
}

func TestStartRefresherCancellation(t *testing.T) {
	r := &countingRefresher{}
	ctx, cancel := context.WithCancel(context.Background())

	StartRefresher(ctx, "google", time.Second, r)
	cancel()

	// Give the goroutine a moment to observe cancellation.
	time.Sleep(50 * time.Millisecond)
	before := r.count()
	time.Sleep(100 * time.Millisecond)
	if r.count() != before {
		t.Error("refresher kept running after cancellation")
	}
}
