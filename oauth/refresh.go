// Package oauth keeps the bot account's stored Google token fresh in the
// background so workers always find a usable access token in the database.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/oauth2"
)

// TokenRefresher checks the stored token and refreshes it when it is near
// expiry, persisting the result. youtubeapi.OAuthService implements it.
type TokenRefresher interface {
	RefreshIfNeeded(ctx context.Context) (*oauth2.Token, error)
}

// StartRefresher launches a goroutine that periodically asks the refresher
// to renew the stored token. Wake-ups are jittered so multiple instances
// sharing a database do not stampede the token endpoint.
func StartRefresher(ctx context.Context, provider string, interval time.Duration, r TokenRefresher) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Jitter each iteration by up to 20% of the interval.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			_, err := r.RefreshIfNeeded(checkCtx)
			cancel()
			if err != nil {
				slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err))
				continue
			}
			slog.Debug("token check complete", slog.String("provider", provider))
		}
	}()
}
