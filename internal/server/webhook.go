package server

import (
	"encoding/json"
	"net/http"

	"stravacal/internal/metrics"
	"stravacal/internal/models"
)

// handleWebhook serves the subscription handshake (GET) and push notifications (POST).
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleWebhookVerify(w, r)
	case http.MethodPost:
		s.handleWebhookEvent(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		metrics.RecordWebhook("method_not_allowed")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if s.opts.VerifyToken == "" || !secureCompare(token, s.opts.VerifyToken) {
		s.logger.Warn("Webhook verification rejected.", "remote", r.RemoteAddr)
		metrics.RecordWebhook("verify_forbidden")
		writeError(w, http.StatusForbidden, "verify token mismatch")
		return
	}
	if challenge == "" {
		metrics.RecordWebhook("bad_request")
		writeError(w, http.StatusBadRequest, "missing hub.challenge")
		return
	}

	s.logger.Info("Webhook subscription verified.")
	metrics.RecordWebhook("verified")
	writeJSON(w, http.StatusOK, map[string]string{"hub.challenge": challenge})
}

func (s *Server) handleWebhookEvent(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		metrics.RecordWebhook("bad_request")
		writeError(w, http.StatusBadRequest, "unable to read body")
		return
	}
	if err := validateBody(notificationValidator, body); err != nil {
		s.logger.Warn("Rejected webhook notification.", "error", err)
		metrics.RecordWebhook("bad_request")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var n models.WebhookNotification
	if err := json.Unmarshal(body, &n); err != nil {
		metrics.RecordWebhook("bad_request")
		writeError(w, http.StatusBadRequest, "malformed notification")
		return
	}

	if s.opts.SubscriptionID != 0 && n.SubscriptionID != s.opts.SubscriptionID {
		s.logger.Warn("Webhook subscription mismatch.", "subscriptionID", n.SubscriptionID)
		metrics.RecordWebhook("subscription_forbidden")
		writeError(w, http.StatusForbidden, "subscription mismatch")
		return
	}

	logger := s.logger.With("objectType", n.ObjectType, "aspectType", n.AspectType, "objectID", n.ObjectID, "ownerID", n.OwnerID)
	if !n.IsActivityCreate() {
		logger.Info("Webhook notification acknowledged without action.")
		metrics.RecordWebhook("ignored")
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}

	// The response never depends on the task's outcome.
	queued := s.deps.Scheduler.ScheduleActivity(n.ObjectID)
	logger.Info("Webhook notification dispatched.", "queued", queued)
	metrics.RecordWebhook("dispatched")
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted"})
}
