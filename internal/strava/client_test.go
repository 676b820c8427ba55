package strava

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stravacal/internal/models"
)

type staticCredentials struct {
	cred models.Credential
	err  error
}

var _ CredentialSource = (*staticCredentials)(nil)

func (s *staticCredentials) ValidCredential(context.Context) (models.Credential, error) {
	return s.cred, s.err
}

func TestFetchActivity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/activities/42", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":42,"name":"Run","start_date":"2024-01-01T10:00:00Z","elapsed_time":3600,
			"type":"Run","sport_type":"Run","location_city":null,"location_state":"Bavaria","location_country":"Germany"}`))
	}))
	defer server.Close()

	client := NewClient(discardLogger(), server.URL, server.Client(), &staticCredentials{cred: models.Credential{AccessToken: "token-1"}})
	activity, err := client.FetchActivity(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, models.ActivityRecord{
		ID:              42,
		Name:            "Run",
		StartDate:       "2024-01-01T10:00:00Z",
		ElapsedTime:     3600,
		Type:            "Run",
		SportType:       "Run",
		LocationState:   "Bavaria",
		LocationCountry: "Germany",
	}, activity)
}

func TestFetchActivities(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/athlete/activities", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("per_page"))
		_, _ = w.Write([]byte(`[{"id":1,"start_date":"2024-01-01T10:00:00Z"},{"id":2,"start_date":"2024-01-02T10:00:00Z"}]`))
	}))
	defer server.Close()

	client := NewClient(discardLogger(), server.URL+"/", server.Client(), &staticCredentials{cred: models.Credential{AccessToken: "t"}})
	activities, err := client.FetchActivities(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, activities, 2)
	assert.Equal(t, int64(2), activities[1].ID)

	_, err = client.FetchActivities(context.Background(), 0)
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestUpstreamErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/activities/401" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Authorization Error"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Record Not Found"}`))
	}))
	defer server.Close()

	client := NewClient(discardLogger(), server.URL, server.Client(), &staticCredentials{cred: models.Credential{AccessToken: "t"}})

	_, err := client.FetchActivity(context.Background(), 404)
	var upstreamErr *models.UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, http.StatusNotFound, upstreamErr.Status)
	assert.Contains(t, upstreamErr.Body, "Record Not Found")
	assert.NotErrorIs(t, err, models.ErrAuth)

	_, err = client.FetchActivity(context.Background(), 401)
	require.ErrorIs(t, err, models.ErrAuth)
}

func TestTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewClient(discardLogger(), url, nil, &staticCredentials{cred: models.Credential{AccessToken: "t"}})
	_, err := client.FetchActivity(context.Background(), 1)
	require.ErrorIs(t, err, models.ErrNetwork)
}

func TestCredentialErrorsPropagate(t *testing.T) {
	client := NewClient(discardLogger(), "http://127.0.0.1:1", nil, &staticCredentials{err: errors.Join(models.ErrConfig)})
	_, err := client.FetchActivity(context.Background(), 1)
	require.ErrorIs(t, err, models.ErrConfig)
	assert.NotErrorIs(t, err, models.ErrNetwork)
}

func TestClientAuthenticatesWithRefreshedToken(t *testing.T) {
	tokens := newTokenServer(t, time.Now().Add(6*time.Hour).Unix())
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer new-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":9,"start_date":"2024-01-01T10:00:00Z"}`))
	}))
	defer api.Close()

	path := writeCredential(t, models.Credential{AccessToken: "stale", RefreshToken: "old-refresh", ExpiresAt: 1})
	store := NewTokenStore(discardLogger(), path, NewOAuthConfig("client-id", "secret", tokens.URL), tokens.Client())
	client := NewClient(discardLogger(), api.URL, api.Client(), store)

	activity, err := client.FetchActivity(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, int64(9), activity.ID)

	_, err = client.FetchActivity(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, int32(1), tokens.calls.Load())
}
