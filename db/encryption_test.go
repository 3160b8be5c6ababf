package db

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// setupTestDB creates a test database connection and runs migrations for encryption tests
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	ctx := context.Background()
	if err := Migrate(ctx, database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

func resetEncryptor() {
	encryptorOnce = sync.Once{}
	encryptor = nil
	errEncryptor = nil
}

// TestEncryptedTokens tests the full encryption/decryption flow with database operations
func TestEncryptedTokens(t *testing.T) {
	testKey := "dGVzdC1lbmNyeXB0aW9uLWtleS0zMi1ieXRlcwo=" // base64 encoded 32-byte key

	origKey := os.Getenv("ENCRYPTION_KEY")
	defer func() {
		if origKey != "" {
			os.Setenv("ENCRYPTION_KEY", origKey)
		} else {
			os.Unsetenv("ENCRYPTION_KEY")
		}
		resetEncryptor()
	}()

	os.Setenv("ENCRYPTION_KEY", testKey)
	resetEncryptor()

	db := setupTestDB(t)
	ctx := context.Background()

	provider := "test-encrypted-provider"
	accessToken := "test-access-token-12345"
	refreshToken := "test-refresh-token-67890"
	expiry := time.Now().Add(1 * time.Hour)
	scope := "test:scope1 test:scope2"

	if err := UpsertOAuthToken(ctx, db, provider, accessToken, refreshToken, expiry, scope); err != nil {
		t.Fatalf("UpsertOAuthToken() error = %v", err)
	}

	var storedAccess, storedRefresh string
	var encVersion int
	err := db.QueryRow(`SELECT access_token, refresh_token, encryption_version FROM oauth_tokens WHERE provider=$1`, provider).
		Scan(&storedAccess, &storedRefresh, &encVersion)
	if err != nil {
		t.Fatalf("Failed to query stored token: %v", err)
	}
	if encVersion != 1 {
		t.Errorf("encryption_version = %d, want 1 (encrypted)", encVersion)
	}
	if storedAccess == accessToken {
		t.Errorf("access_token stored in plaintext, should be encrypted")
	}
	if storedRefresh == refreshToken {
		t.Errorf("refresh_token stored in plaintext, should be encrypted")
	}

	retrievedAccess, retrievedRefresh, retrievedExpiry, retrievedScope, err := GetOAuthToken(ctx, db, provider)
	if err != nil {
		t.Fatalf("GetOAuthToken() error = %v", err)
	}
	if retrievedAccess != accessToken {
		t.Errorf("retrieved access_token = %q, want %q", retrievedAccess, accessToken)
	}
	if retrievedRefresh != refreshToken {
		t.Errorf("retrieved refresh_token = %q, want %q", retrievedRefresh, refreshToken)
	}
	if retrievedScope != scope {
		t.Errorf("retrieved scope = %q, want %q", retrievedScope, scope)
	}
	if retrievedExpiry.Sub(expiry).Abs() > time.Second {
		t.Errorf("expiry mismatch: got %v, want %v", retrievedExpiry, expiry)
	}

	// Updating the row must re-encrypt the new values.
	newAccessToken := "new-access-token-99999"
	newRefreshToken := "new-refresh-token-88888"
	if err := UpsertOAuthToken(ctx, db, provider, newAccessToken, newRefreshToken, time.Now().Add(2*time.Hour), "test:scope3"); err != nil {
		t.Fatalf("UpsertOAuthToken() update error = %v", err)
	}
	retrievedAccess, retrievedRefresh, _, retrievedScope, err = GetOAuthToken(ctx, db, provider)
	if err != nil {
		t.Fatalf("GetOAuthToken() after update error = %v", err)
	}
	if retrievedAccess != newAccessToken {
		t.Errorf("updated access_token = %q, want %q", retrievedAccess, newAccessToken)
	}
	if retrievedRefresh != newRefreshToken {
		t.Errorf("updated refresh_token = %q, want %q", retrievedRefresh, newRefreshToken)
	}
	if retrievedScope != "test:scope3" {
		t.Errorf("updated scope = %q, want %q", retrievedScope, "test:scope3")
	}
}

// TestPlaintextTokenCompatibility tests that plaintext tokens (encryption_version=0) can still be read
func TestPlaintextTokenCompatibility(t *testing.T) {
	origKey := os.Getenv("ENCRYPTION_KEY")
	os.Unsetenv("ENCRYPTION_KEY")
	defer func() {
		if origKey != "" {
			os.Setenv("ENCRYPTION_KEY", origKey)
		}
		resetEncryptor()
	}()
	resetEncryptor()

	db := setupTestDB(t)
	ctx := context.Background()

	provider := "test-plaintext-provider"
	accessToken := "plaintext-access-token"
	refreshToken := "plaintext-refresh-token"
	scope := "plaintext:scope"

	if err := UpsertOAuthToken(ctx, db, provider, accessToken, refreshToken, time.Now().Add(time.Hour), scope); err != nil {
		t.Fatalf("UpsertOAuthToken() error = %v", err)
	}

	var storedAccess string
	var encVersion int
	err := db.QueryRow(`SELECT access_token, encryption_version FROM oauth_tokens WHERE provider=$1`, provider).
		Scan(&storedAccess, &encVersion)
	if err != nil {
		t.Fatalf("Failed to query stored token: %v", err)
	}
	if encVersion != 0 {
		t.Errorf("encryption_version = %d, want 0 (plaintext)", encVersion)
	}
	if storedAccess != accessToken {
		t.Errorf("stored access_token = %q, want %q (plaintext)", storedAccess, accessToken)
	}

	retrievedAccess, retrievedRefresh, _, retrievedScope, err := GetOAuthToken(ctx, db, provider)
	if err != nil {
		t.Fatalf("GetOAuthToken() error = %v", err)
	}
	if retrievedAccess != accessToken {
		t.Errorf("retrieved access_token = %q, want %q", retrievedAccess, accessToken)
	}
	if retrievedRefresh != refreshToken {
		t.Errorf("retrieved refresh_token = %q, want %q", retrievedRefresh, refreshToken)
	}
	if retrievedScope != scope {
		t.Errorf("retrieved scope = %q, want %q", retrievedScope, scope)
	}
}

// TestEncryptionKeyNotSet verifies encryption is disabled when no key is configured
func TestEncryptionKeyNotSet(t *testing.T) {
	origKey := os.Getenv("ENCRYPTION_KEY")
	os.Unsetenv("ENCRYPTION_KEY")
	defer func() {
		if origKey != "" {
			os.Setenv("ENCRYPTION_KEY", origKey)
		}
		resetEncryptor()
	}()
	resetEncryptor()

	enc, err := getEncryptor()
	if err != nil {
		t.Errorf("getEncryptor() should not error when key not set, got: %v", err)
	}
	if enc != nil {
		t.Errorf("getEncryptor() should return nil when key not set")
	}
}

// TestInvalidEncryptionKey tests handling of invalid encryption keys
func TestInvalidEncryptionKey(t *testing.T) {
	origKey := os.Getenv("ENCRYPTION_KEY")
	defer func() {
		if origKey != "" {
			os.Setenv("ENCRYPTION_KEY", origKey)
		} else {
			os.Unsetenv("ENCRYPTION_KEY")
		}
		resetEncryptor()
	}()

	os.Setenv("ENCRYPTION_KEY", "not-valid-base64!@#")
	resetEncryptor()
	if _, err := getEncryptor(); err == nil {
		t.Errorf("getEncryptor() with invalid base64 should return error")
	}

	os.Setenv("ENCRYPTION_KEY", "dGVzdAo=") // too short
	resetEncryptor()
	if _, err := getEncryptor(); err == nil {
		t.Errorf("getEncryptor() with wrong key length should return error")
	}
}
