package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"stravacal/internal/models"
)

const (
	// DefaultBaseURL is the upstream REST API root.
	DefaultBaseURL = "https://www.strava.com/api/v3"

	defaultTimeout = 15 * time.Second
	maxPerPage     = 200
	maxErrorBody   = 64 << 10
)

// CredentialSource provides a valid bearer credential.
type CredentialSource interface {
	ValidCredential(ctx context.Context) (models.Credential, error)
}

// ContextTokenSource adapts src to an oauth2.TokenSource whose lookups run under ctx.
func ContextTokenSource(ctx context.Context, src CredentialSource) oauth2.TokenSource {
	return &credentialTokenSource{ctx: ctx, src: src}
}

type credentialTokenSource struct {
	ctx context.Context
	src CredentialSource
	err error
}

func (s *credentialTokenSource) Token() (*oauth2.Token, error) {
	cred, err := s.src.ValidCredential(s.ctx)
	if err != nil {
		s.err = err
		return nil, err
	}
	return tokenFromCredential(cred), nil
}

// Client fetches activities from the upstream API. It performs no retries.
type Client struct {
	logger     *slog.Logger
	baseURL    string
	httpClient *http.Client
	tokens     CredentialSource
}

// NewClient creates a new upstream API client.
func NewClient(logger *slog.Logger, baseURL string, httpClient *http.Client, tokens CredentialSource) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		logger:     logger,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
	}
}

// FetchActivity fetches a single activity by id.
func (c *Client) FetchActivity(ctx context.Context, id int64) (models.ActivityRecord, error) {
	c.logger.Debug("Fetching activity", "activityID", id)
	var activity models.ActivityRecord
	if err := c.get(ctx, "/activities/"+strconv.FormatInt(id, 10), nil, &activity); err != nil {
		return models.ActivityRecord{}, fmt.Errorf("failed to fetch activity %d: %w", id, err)
	}
	return activity, nil
}

// FetchActivities fetches the most recent activities of the authenticated athlete.
func (c *Client) FetchActivities(ctx context.Context, perPage int) ([]models.ActivityRecord, error) {
	if perPage <= 0 || perPage > maxPerPage {
		return nil, models.Validationf("per page must be between 1 and %d, got %d", maxPerPage, perPage)
	}
	c.logger.Debug("Fetching recent activities", "perPage", perPage)

	query := url.Values{}
	query.Set("per_page", strconv.Itoa(perPage))
	var activities []models.ActivityRecord
	if err := c.get(ctx, "/athlete/activities", query, &activities); err != nil {
		return nil, fmt.Errorf("failed to fetch activities: %w", err)
	}

	c.logger.Info("Successfully fetched activities.", "count", len(activities))
	return activities, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, dst any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	// The transport sets the bearer header from the token store on each request.
	source := &credentialTokenSource{ctx: ctx, src: c.tokens}
	client := &http.Client{
		Timeout:   c.httpClient.Timeout,
		Transport: &oauth2.Transport{Source: source, Base: c.httpClient.Transport},
	}
	resp, err := client.Do(req)
	if err != nil {
		if source.err != nil {
			return source.err
		}
		return fmt.Errorf("%w: GET %s: %w", models.ErrNetwork, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &models.UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}
