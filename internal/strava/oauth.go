package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"stravacal/internal/fileutil"
	"stravacal/internal/metrics"
	"stravacal/internal/models"
)

const (
	// DefaultTokenURL is the upstream OAuth token endpoint.
	DefaultTokenURL = "https://www.strava.com/oauth/token"
	// DefaultAuthURL is the upstream OAuth authorization endpoint.
	DefaultAuthURL = "https://www.strava.com/oauth/authorize"
)

// NewOAuthConfig returns the OAuth2 config used to refresh tokens.
// The upstream expects client credentials in the form body.
func NewOAuthConfig(clientID, clientSecret, tokenURL string) *oauth2.Config {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   DefaultAuthURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{"read", "activity:read_all"},
	}
}

// TokenStore serves a valid credential from a file, refreshing it when expired.
// The read-check-refresh-write sequence runs under one mutex so concurrent
// callers never trigger a second refresh.
type TokenStore struct {
	logger     *slog.Logger
	path       string
	config     *oauth2.Config
	httpClient *http.Client
	now        func() time.Time

	mu sync.Mutex
}

// NewTokenStore creates a TokenStore persisting its credential at path.
func NewTokenStore(logger *slog.Logger, path string, config *oauth2.Config, httpClient *http.Client) *TokenStore {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &TokenStore{
		logger:     logger,
		path:       path,
		config:     config,
		httpClient: httpClient,
		now:        time.Now,
	}
}

var _ oauth2.TokenSource = (*TokenStore)(nil)

// Token implements oauth2.TokenSource, refreshing the stored credential when needed.
func (s *TokenStore) Token() (*oauth2.Token, error) {
	return ContextTokenSource(context.Background(), s).Token()
}

// ValidCredential returns a credential whose access token has not expired.
func (s *TokenStore) ValidCredential(ctx context.Context) (models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := LoadCredential(s.path)
	if err != nil {
		return models.Credential{}, err
	}
	if !cred.Expired(s.now()) {
		return cred, nil
	}

	s.logger.Info("Access token expired, refreshing.", "expiresAt", time.Unix(cred.ExpiresAt, 0).UTC())
	refreshed, err := s.refresh(ctx, cred)
	if err != nil {
		metrics.RecordTokenRefresh("failed")
		return models.Credential{}, err
	}
	if err := SaveCredential(s.path, refreshed); err != nil {
		metrics.RecordTokenRefresh("failed")
		return models.Credential{}, err
	}
	metrics.RecordTokenRefresh("succeeded")
	s.logger.Info("Refreshed access token.", "expiresAt", time.Unix(refreshed.ExpiresAt, 0).UTC())
	return refreshed, nil
}

func (s *TokenStore) refresh(ctx context.Context, cred models.Credential) (models.Credential, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	// Without an access token the source always refreshes.
	tok, err := s.config.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return models.Credential{}, fmt.Errorf("%w: token refresh rejected: %w", models.ErrAuth, err)
		}
		return models.Credential{}, fmt.Errorf("%w: token refresh failed: %w", models.ErrNetwork, err)
	}
	if tok.AccessToken == "" {
		return models.Credential{}, fmt.Errorf("%w: token refresh returned no access token", models.ErrAuth)
	}

	return credentialFromToken(tok, cred.RefreshToken), nil
}

// ExchangeCode trades an authorization code for a credential.
func ExchangeCode(ctx context.Context, config *oauth2.Config, httpClient *http.Client, code string) (models.Credential, error) {
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}
	tok, err := config.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return models.Credential{}, fmt.Errorf("%w: code exchange rejected: %w", models.ErrAuth, err)
		}
		return models.Credential{}, fmt.Errorf("%w: code exchange failed: %w", models.ErrNetwork, err)
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return models.Credential{}, fmt.Errorf("%w: code exchange returned an incomplete token", models.ErrAuth)
	}
	return credentialFromToken(tok, ""), nil
}

// tokenFromCredential converts a stored credential into a bearer token.
func tokenFromCredential(cred models.Credential) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: cred.RefreshToken,
	}
	if cred.ExpiresAt > 0 {
		tok.Expiry = time.Unix(cred.ExpiresAt, 0)
	}
	return tok
}

// credentialFromToken keeps previousRefresh when the issuer does not rotate the refresh token.
func credentialFromToken(tok *oauth2.Token, previousRefresh string) models.Credential {
	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = previousRefresh
	}
	return models.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt(tok),
	}
}

// expiresAt prefers the issuer's absolute expires_at over the expiry derived from expires_in.
func expiresAt(tok *oauth2.Token) int64 {
	switch v := tok.Extra("expires_at").(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	if tok.Expiry.IsZero() {
		return 0
	}
	return tok.Expiry.Unix()
}

// SaveCredential writes a credential to path with restricted permissions.
func SaveCredential(path string, cred models.Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	if err := fileutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// LoadCredential reads a credential from path.
func LoadCredential(path string) (models.Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.Credential{}, fmt.Errorf("%w: no credential at %s, run the 'credentials' command first", models.ErrConfig, path)
		}
		return models.Credential{}, fmt.Errorf("%w: unable to read credential: %w", models.ErrConfig, err)
	}
	var cred models.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return models.Credential{}, fmt.Errorf("%w: corrupt credential file %s: %w", models.ErrConfig, path, err)
	}
	if cred.RefreshToken == "" {
		return models.Credential{}, fmt.Errorf("%w: credential file %s has no refresh token", models.ErrConfig, path)
	}
	return cred, nil
}
