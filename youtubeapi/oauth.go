package youtubeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/onnwee/streambot/backend/config"
)

const provider = "google"

// TokenStore persists OAuth tokens keyed by provider.
type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, scope string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, scope string, err error)
}

// OAuthService handles the Google OAuth code flow and token refresh for the
// bot account.
type OAuthService struct {
	cfg   *config.Config
	db    TokenStore
	oauth *oauth2.Config

	// UserinfoURL is overridable for tests; defaults to the Google endpoint.
	UserinfoURL string
	HTTPClient  *http.Client
}

func NewOAuthService(cfg *config.Config, ts TokenStore) *OAuthService {
	oauth := &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.GoogleRedirectURI,
		Scopes:       cfg.ScopeList(),
	}
	return &OAuthService{
		cfg:         cfg,
		db:          ts,
		oauth:       oauth,
		UserinfoURL: "https://www.googleapis.com/oauth2/v2/userinfo",
	}
}

func (s *OAuthService) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token and persists it.
func (s *OAuthService) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	scope := strings.Join(s.oauth.Scopes, " ")
	if err := s.db.UpsertOAuthToken(ctx, provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, scope); err != nil {
		slog.Warn("failed to persist oauth token", slog.Any("error", err), slog.String("component", "youtubeapi"))
	}
	return tok, nil
}

// RefreshIfNeeded returns a valid token, refreshing and re-persisting it when
// it expires within two minutes.
func (s *OAuthService) RefreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	access, refresh, expiry, scope, err := s.db.GetOAuthToken(ctx, provider)
	if err != nil {
		return nil, err
	}
	if access == "" {
		return nil, errors.New("no google token stored")
	}
	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, Expiry: expiry}
	if time.Until(tok.Expiry) > 2*time.Minute {
		return tok, nil
	}
	newTok, err := s.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		return tok, err
	}
	if err := s.db.UpsertOAuthToken(ctx, provider, newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, scope); err != nil {
		slog.Warn("failed to persist refreshed token", slog.Any("error", err), slog.String("component", "youtubeapi"))
	}
	return newTok, nil
}

func (s *OAuthService) http() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

// Profile is the subset of the Google userinfo response the dashboard needs.
type Profile struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	Email   string `json:"email"`
}

// FetchProfile fetches the authenticated user's Google profile.
func (s *OAuthService) FetchProfile(ctx context.Context, tok *oauth2.Token) (*Profile, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, fmt.Errorf("empty token")
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, s.UserinfoURL, nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err := s.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo status %d", resp.StatusCode)
	}
	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, fmt.Errorf("userinfo: empty id")
	}
	return &p, nil
}
