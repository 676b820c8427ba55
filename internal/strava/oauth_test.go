package strava

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"stravacal/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type tokenServer struct {
	*httptest.Server
	calls     atomic.Int32
	expiresAt int64
}

func newTokenServer(t *testing.T, expiresAt int64) *tokenServer {
	t.Helper()
	ts := &tokenServer{expiresAt: expiresAt}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "client-id", r.PostForm.Get("client_id"))
		// Widen the race window for concurrent callers.
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token_type":    "Bearer",
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_at":    ts.expiresAt,
			"expires_in":    21600,
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func writeCredential(t *testing.T, cred models.Credential) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, SaveCredential(path, cred))
	return path
}

func TestValidCredentialReturnsUnexpiredToken(t *testing.T) {
	server := newTokenServer(t, 0)
	path := writeCredential(t, models.Credential{
		AccessToken:  "current",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	})

	store := NewTokenStore(discardLogger(), path, NewOAuthConfig("client-id", "secret", server.URL), server.Client())
	cred, err := store.ValidCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "current", cred.AccessToken)
	assert.Zero(t, server.calls.Load())
}

func TestConcurrentCallersRefreshOnce(t *testing.T) {
	newExpiry := time.Now().Add(6 * time.Hour).Unix()
	server := newTokenServer(t, newExpiry)
	path := writeCredential(t, models.Credential{
		AccessToken:  "stale",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
	})
	store := NewTokenStore(discardLogger(), path, NewOAuthConfig("client-id", "secret", server.URL), server.Client())

	const callers = 25
	var wg sync.WaitGroup
	tokens := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := store.ValidCredential(context.Background())
			assert.NoError(t, err)
			tokens <- cred.AccessToken
		}()
	}
	wg.Wait()
	close(tokens)

	require.Equal(t, int32(1), server.calls.Load())
	for tok := range tokens {
		assert.Equal(t, "new-access", tok)
	}

	persisted, err := LoadCredential(path)
	require.NoError(t, err)
	assert.Equal(t, models.Credential{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresAt:    newExpiry,
	}, persisted)
}

func TestRefreshAtExactExpiry(t *testing.T) {
	server := newTokenServer(t, time.Now().Add(time.Hour).Unix())
	expiry := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	path := writeCredential(t, models.Credential{AccessToken: "a", RefreshToken: "old-refresh", ExpiresAt: expiry.Unix()})

	store := NewTokenStore(discardLogger(), path, NewOAuthConfig("client-id", "secret", server.URL), server.Client())
	store.now = func() time.Time { return expiry }

	cred, err := store.ValidCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-access", cred.AccessToken)
	assert.Equal(t, int32(1), server.calls.Load())
}

func TestRejectedRefreshLeavesStateUntouched(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"Bad Request","errors":[{"resource":"RefreshToken","field":"refresh_token","code":"invalid"}]}`))
	}))
	defer server.Close()

	original := models.Credential{AccessToken: "stale", RefreshToken: "revoked", ExpiresAt: 1}
	path := writeCredential(t, original)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	store := NewTokenStore(discardLogger(), path, NewOAuthConfig("client-id", "secret", server.URL), server.Client())
	_, err = store.ValidCredential(context.Background())
	require.ErrorIs(t, err, models.ErrAuth)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestMissingOrCorruptCredential(t *testing.T) {
	dir := t.TempDir()
	config := NewOAuthConfig("client-id", "secret", "http://127.0.0.1:1/token")

	store := NewTokenStore(discardLogger(), filepath.Join(dir, "missing.json"), config, nil)
	_, err := store.ValidCredential(context.Background())
	require.ErrorIs(t, err, models.ErrConfig)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o600))
	store = NewTokenStore(discardLogger(), corrupt, config, nil)
	_, err = store.ValidCredential(context.Background())
	require.ErrorIs(t, err, models.ErrConfig)

	noRefresh := filepath.Join(dir, "norefresh.json")
	require.NoError(t, os.WriteFile(noRefresh, []byte(`{"access_token":"a","expires_at":1}`), 0o600))
	store = NewTokenStore(discardLogger(), noRefresh, config, nil)
	_, err = store.ValidCredential(context.Background())
	require.ErrorIs(t, err, models.ErrConfig)
}

func TestUnreachableTokenEndpoint(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	tokenURL := server.URL
	server.Close()

	path := writeCredential(t, models.Credential{AccessToken: "stale", RefreshToken: "old-refresh", ExpiresAt: 1})
	store := NewTokenStore(discardLogger(), path, NewOAuthConfig("client-id", "secret", tokenURL), nil)

	_, err := store.ValidCredential(context.Background())
	require.ErrorIs(t, err, models.ErrNetwork)
}

func TestExpiresAtFallsBackToExpiresIn(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
	}))
	defer server.Close()

	path := writeCredential(t, models.Credential{AccessToken: "stale", RefreshToken: "keep-me", ExpiresAt: 1})
	store := NewTokenStore(discardLogger(), path, NewOAuthConfig("client-id", "secret", server.URL), server.Client())

	cred, err := store.ValidCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.AccessToken)
	assert.Equal(t, "keep-me", cred.RefreshToken)
	assert.InDelta(t, time.Now().Add(time.Hour).Unix(), cred.ExpiresAt, 5)
}

func TestExchangeCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"a1","refresh_token":"r1","token_type":"Bearer","expires_at":1893456000}`))
	}))
	defer server.Close()

	cred, err := ExchangeCode(context.Background(), NewOAuthConfig("client-id", "secret", server.URL), server.Client(), "the-code")
	require.NoError(t, err)
	assert.Equal(t, models.Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: 1893456000}, cred)
}

func TestExchangeCodeRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"Bad Request"}`))
	}))
	defer server.Close()

	_, err := ExchangeCode(context.Background(), NewOAuthConfig("client-id", "secret", server.URL), server.Client(), "bad")
	require.ErrorIs(t, err, models.ErrAuth)
}

func TestTokenStoreIsTokenSource(t *testing.T) {
	server := newTokenServer(t, 0)
	expiry := time.Now().Add(time.Hour).Unix()
	path := writeCredential(t, models.Credential{AccessToken: "current", RefreshToken: "old-refresh", ExpiresAt: expiry})
	store := NewTokenStore(discardLogger(), path, NewOAuthConfig("client-id", "secret", server.URL), server.Client())

	tok, err := oauth2.ReuseTokenSource(nil, store).Token()
	require.NoError(t, err)
	assert.Equal(t, "current", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.Type())
	assert.Equal(t, expiry, tok.Expiry.Unix())
	assert.Equal(t, int32(0), server.calls.Load())

	missing := NewTokenStore(discardLogger(), filepath.Join(t.TempDir(), "none.json"), NewOAuthConfig("client-id", "secret", server.URL), nil)
	_, err = missing.Token()
	require.ErrorIs(t, err, models.ErrConfig)
}
