// Package server exposes the webhook endpoint, calendar feeds and the
// administrative routes over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stravacal/internal/config"
	"stravacal/internal/models"
	"stravacal/internal/syncer"
)

const defaultMaxBodyBytes = 1 << 20

// ActivityScheduler queues background sync of an activity without blocking.
type ActivityScheduler interface {
	ScheduleActivity(id int64) bool
}

// FeedReader returns the serialized document of a calendar store.
type FeedReader interface {
	Read(storeID string) ([]byte, error)
}

// SleepRecorder merges a sleep record.
type SleepRecorder interface {
	AddSleep(ctx context.Context, record models.SleepRecord) (bool, error)
}

// Rebuilder re-merges recent activities.
type Rebuilder interface {
	Rebuild(ctx context.Context, perPage int) (syncer.RebuildResult, error)
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Scheduler ActivityScheduler
	Feeds     FeedReader
	Sleep     SleepRecorder
	Rebuilder Rebuilder
}

// Options configures request handling.
type Options struct {
	VerifyToken    string
	SubscriptionID int64
	Location       *time.Location
	PerPage        int
	Admin          config.BasicAuthConfig
	MaxBodyBytes   int64
}

// Server routes HTTP requests to the sync components.
type Server struct {
	logger *slog.Logger
	opts   Options
	deps   Deps
	mux    *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(logger *slog.Logger, opts Options, deps Deps) *Server {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.PerPage <= 0 {
		opts.PerPage = 10
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		logger: logger,
		opts:   opts,
		deps:   deps,
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/webhook", s.handleWebhook)
	s.mux.HandleFunc("/activities.ics", s.handleFeed(models.StoreActivities))
	s.mux.HandleFunc("/sleep.ics", s.handleFeed(models.StoreSleep))
	s.mux.Handle("/rebuild", s.adminOnly(http.HandlerFunc(s.handleRebuild)))
	s.mux.Handle("/sleep", s.adminOnly(http.HandlerFunc(s.handleSleep)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// adminOnly wraps next with HTTP Basic Auth when admin credentials are configured.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	if !s.opts.Admin.Enabled() {
		return next
	}
	username := s.opts.Admin.Username
	password := s.opts.Admin.Password
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="stravacal", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// readBody reads at most MaxBodyBytes of the request body.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var upstreamErr *models.UpstreamError
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAuth), errors.As(err, &upstreamErr):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrNetwork):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
