package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"stravacal/internal/mapper"
	"stravacal/internal/models"
)

type sleepRequest struct {
	StartDate   string `json:"startdate"`
	EndDate     string `json:"enddate"`
	Description string `json:"description"`
}

// handleSleep appends a manually reported sleep interval to the sleep calendar.
//
// POST /sleep {"startdate": "DD.MM.YYYY, HH:MM", "enddate": "...", "description": "..."}
func (s *Server) handleSleep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read body")
		return
	}
	if err := validateBody(sleepValidator, body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req sleepRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	record, err := mapper.ParseSleep(req.StartDate, req.EndDate, req.Description, s.opts.Location)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	inserted, err := s.deps.Sleep.AddSleep(r.Context(), record)
	if err != nil {
		s.logger.Error("Failed to add sleep entry", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uid":      "sleep-" + mapper.FormatISO(record.Start),
		"inserted": inserted,
	})
}

// handleRebuild re-fetches recent activities and merges them.
//
// POST /rebuild?per_page=N
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	perPage := s.opts.PerPage
	if raw := r.URL.Query().Get("per_page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			writeError(w, http.StatusBadRequest, "per_page must be an integer between 1 and 200")
			return
		}
		perPage = n
	}

	result, err := s.deps.Rebuilder.Rebuild(r.Context(), perPage)
	if err != nil {
		s.logger.Error("Rebuild failed", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleFeed serves the persisted document of one calendar store verbatim.
func (s *Server) handleFeed(storeID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		data, err := s.deps.Feeds.Read(storeID)
		if err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				s.logger.Error("Failed to read calendar feed", "store", storeID, "error", err)
			}
			writeError(w, statusFor(err), "calendar not available")
			return
		}
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.Header().Set("Content-Disposition", `inline; filename="`+storeID+`.ics"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}
	}
}
