package youtubeapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/streambot/backend/config"
)

type memTokenStore struct {
	access, refresh, scope string
	expiry                 time.Time
	upserts                int
}

func (s *memTokenStore) UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error {
	s.access, s.refresh, s.expiry, s.scope = access, refresh, expiry, scope
	s.upserts++
	return nil
}

func (s *memTokenStore) GetOAuthToken(ctx context.Context, provider string) (string, string, time.Time, string, error) {
	return s.access, s.refresh, s.expiry, s.scope, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("GOOGLE_CLIENT_ID", "client-id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "client-secret")
	t.Setenv("GOOGLE_REDIRECT_URI", "http://localhost:8080/auth/google/callback")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func TestAuthCodeURL(t *testing.T) {
	svc := NewOAuthService(testConfig(t), &memTokenStore{})
	u := svc.AuthCodeURL("state-xyz")
	if !strings.Contains(u, "state=state-xyz") {
		t.Errorf("auth url missing state: %s", u)
	}
	if !strings.Contains(u, "access_type=offline") {
		t.Errorf("auth url missing offline access: %s", u)
	}
	if !strings.Contains(u, "client_id=client-id") {
		t.Errorf("auth url missing client id: %s", u)
	}
}

func TestRefreshIfNeededStillValid(t *testing.T) {
	store := &memTokenStore{access: "acc", refresh: "ref", expiry: time.Now().Add(time.Hour)}
	svc := NewOAuthService(testConfig(t), store)

	tok, err := svc.RefreshIfNeeded(context.Background())
	if err != nil {
		t.Fatalf("RefreshIfNeeded: %v", err)
	}
	if tok.AccessToken != "acc" {
		t.Errorf("AccessToken = %q, want acc", tok.AccessToken)
	}
	if store.upserts != 0 {
		t.Errorf("valid token should not be re-persisted, upserts = %d", store.upserts)
	}
}

func TestRefreshIfNeededNoToken(t *testing.T) {
	svc := NewOAuthService(testConfig(t), &memTokenStore{})
	if _, err := svc.RefreshIfNeeded(context.Background()); err == nil {
		t.Error("expected error when no token stored")
	}
}

func TestFetchProfile(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want Bearer tok", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id":      "UC123",
			"name":    "Streamer",
			"picture": "https://example.com/p.png",
			"email":   "s@example.com",
		})
	}))
	defer ts.Close()

	svc := NewOAuthService(testConfig(t), &memTokenStore{})
	svc.UserinfoURL = ts.URL

	p, err := svc.FetchProfile(context.Background(), &oauth2.Token{AccessToken: "tok"})
	if err != nil {
		t.Fatalf("FetchProfile: %v", err)
	}
	if p.ID != "UC123" || p.Name != "Streamer" {
		t.Errorf("unexpected profile: %+v", p)
	}
}

func TestFetchProfileEmptyToken(t *testing.T) {
	svc := NewOAuthService(testConfig(t), &memTokenStore{})
	if _, err := svc.FetchProfile(context.Background(), nil); err == nil {
		t.Error("expected error for nil token")
	}
}

func TestFetchProfileNon200(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	svc := NewOAuthService(testConfig(t), &memTokenStore{})
	svc.UserinfoURL = ts.URL
	if _, err := svc.FetchProfile(context.Background(), &oauth2.Token{AccessToken: "bad"}); err == nil {
		t.Error("expected error for 401 response")
	}
}
