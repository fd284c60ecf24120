package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/gravixrdp/yt-automation/internal/circuitbreaker"
	"github.com/gravixrdp/yt-automation/internal/models"
)

const maxListLimit = 500

// HealthResponse is the /health payload
type HealthResponse struct {
	Status    string      `json:"status"`
	Service   string      `json:"service"`
	Scheduler interface{} `json:"scheduler,omitempty"`
}

// CleanupRequest is the body of a destination cleanup request
type CleanupRequest struct {
	RemoveDestination bool `json:"remove_destination"`
}

// CleanupResponse reports whether a cleanup job was created
type CleanupResponse struct {
	DestinationID     string `json:"destinationId"`
	Created           bool   `json:"created"`
	RemoveDestination bool   `json:"removeDestination"`
}

// ListResponse wraps list endpoints
type ListResponse struct {
	Items interface{} `json:"items"`
	Count int         `json:"count"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Service: "yt-automation"}
	if s.scheduler != nil {
		resp.Scheduler = s.scheduler.Status()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleStats returns queue counts, today's uploads and recent cleanup jobs
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleListJobs lists upload jobs, optionally filtered by ?status=
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var status models.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, ok := models.ParseJobStatus(strings.ToUpper(raw))
		if !ok {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Unknown job status", map[string]interface{}{
				"status":  raw,
				"allowed": models.AllJobStatuses,
			})
			return
		}
		status = st
	}
	limit, ok := parseLimit(w, r, 50)
	if !ok {
		return
	}

	jobs, err := s.store.Jobs.List(r.Context(), status, limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ListResponse{Items: jobs, Count: len(jobs)})
}

// handleGetJob returns one upload job
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	job, err := s.store.Jobs.GetByID(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleListCleanupJobs lists recent destination cleanup jobs
func (s *Server) handleListCleanupJobs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 20)
	if !ok {
		return
	}
	jobs, err := s.store.Cleanup.List(r.Context(), limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ListResponse{Items: jobs, Count: len(jobs)})
}

// handleGetCleanupJob returns one cleanup job with its running counters
func (s *Server) handleGetCleanupJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	job, err := s.store.Cleanup.GetByID(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleRequestCleanup queues cleanup for a destination
func (s *Server) handleRequestCleanup(w http.ResponseWriter, r *http.Request) {
	if s.cleanup == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Cleanup queue is not configured", nil)
		return
	}
	dest := strings.TrimSpace(mux.Vars(r)["id"])
	if dest == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Destination id is required", nil)
		return
	}

	var req CleanupRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	created, err := s.cleanup.Enqueue(r.Context(), dest, req.RemoveDestination)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	respondJSON(w, status, CleanupResponse{
		DestinationID:     dest,
		Created:           created,
		RemoveDestination: req.RemoveDestination,
	})
}

// handleQuota returns today's usage per quota pool
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	if s.quota == nil {
		respondJSON(w, http.StatusOK, ListResponse{Items: []interface{}{}})
		return
	}
	pools, err := s.quota.Snapshot(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	next := s.store.Quota.NextReset()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"pools":     pools,
		"nextReset": next.UTC().Format(time.RFC3339),
	})
}

// handleBreakers returns uploader circuit breaker state
func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	stats := []*circuitbreaker.Stats{}
	if s.breakers != nil {
		stats = s.breakers.Breakers()
	}
	respondJSON(w, http.StatusOK, ListResponse{Items: stats, Count: len(stats)})
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid id", map[string]interface{}{"id": raw})
		return 0, false
	}
	return id, true
}

func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxListLimit {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be between 1 and 500", map[string]interface{}{"limit": raw})
		return 0, false
	}
	return limit, true
}
