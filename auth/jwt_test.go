package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

func TestIssueAndValidate(t *testing.T) {
	s := newTestService(t)
	token, err := s.IssueToken("user-1", "chan-1", true)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	claims, err := s.ValidateClaims(token)
	if err != nil {
		t.Fatalf("ValidateClaims: %v", err)
	}
	if claims.Subject != "user-1" || claims.Channel != "chan-1" || !claims.IsAdmin {
		t.Errorf("unexpected claims: %+v", claims)
	}

	userID, err := s.ValidateToken(token)
	if err != nil || userID != "user-1" {
		t.Errorf("ValidateToken = (%q, %v), want user-1", userID, err)
	}
}

func TestValidateRejectsBadTokens(t *testing.T) {
	s := newTestService(t)
	if _, err := s.ValidateClaims("not-a-token"); err == nil {
		t.Error("expected error for malformed token")
	}

	other, _ := NewService("other-secret", time.Hour)
	token, _ := other.IssueToken("user-1", "chan-1", false)
	if _, err := s.ValidateClaims(token); err == nil {
		t.Error("expected error for token signed with another secret")
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	s, _ := NewService("test-secret", -time.Hour)
	s.ttl = -time.Hour // force issuance in the past
	token, err := s.IssueToken("user-1", "", false)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := s.ValidateClaims(token); err == nil {
		t.Error("expected error for expired token")
	}
}

func TestMiddleware(t *testing.T) {
	s := newTestService(t)
	var gotClaims *Claims
	handler := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// Missing token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without token", rec.Code)
	}

	// Bearer header.
	token, _ := s.IssueToken("user-1", "chan-1", false)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with bearer token", rec.Code)
	}
	if gotClaims == nil || gotClaims.Subject != "user-1" {
		t.Errorf("claims not injected: %+v", gotClaims)
	}

	// Query parameter fallback (websocket handshake).
	req = httptest.NewRequest(http.MethodGet, "/?token="+token, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with query token", rec.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	s := newTestService(t)
	handler := s.Middleware(RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	userToken, _ := s.IssueToken("user-1", "chan-1", false)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for non-admin", rec.Code)
	}

	adminToken, _ := s.IssueToken("admin-1", "chan-1", true)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for admin", rec.Code)
	}
}
