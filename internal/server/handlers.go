package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"genpost/internal/bandit"
	"genpost/internal/core"
	"genpost/internal/jobs"
	"genpost/internal/persistence"

	"github.com/go-chi/chi/v5"
)

// HealthResponse is the /healthz body
type HealthResponse struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime"`
	Checks map[string]string `json:"checks"`
}

// PickRequest optionally seeds a new bandit. Choices win over Group.
type PickRequest struct {
	Group   string   `json:"group,omitempty"`
	Choices []string `json:"choices,omitempty"`
}

// PickResponse is the chosen arm
type PickResponse struct {
	Choice string `json:"choice"`
}

// FeedbackRequest rewards one arm
type FeedbackRequest struct {
	Choice string  `json:"choice"`
	Reward float64 `json:"reward"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"database": "ok"}
	uptime := time.Since(s.started).Round(time.Second).String()

	if err := s.deps.DB.Ping(r.Context()); err != nil {
		checks["database"] = "error"
		s.respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Uptime: uptime, Checks: checks})
		return
	}
	s.respondJSON(w, http.StatusOK, HealthResponse{Status: "ok", Uptime: uptime, Checks: checks})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.DB.Jobs().Stats(r.Context())
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

// handleListJobs handles GET /api/jobs?state=failed&limit=50
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	state := core.JobState(r.URL.Query().Get("state"))
	if state == "" {
		state = core.JobFailed
	}
	switch state {
	case core.JobPending, core.JobRunning, core.JobDone, core.JobFailed:
	default:
		s.respondError(w, http.StatusBadRequest, "state must be pending, running, done or failed")
		return
	}

	list, err := s.deps.DB.Jobs().ListByState(r.Context(), state, queryInt(r, "limit", 50))
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	if list == nil {
		list = []core.PublishJob{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.DB.Jobs().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleRequeueJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := jobs.Requeue(r.Context(), s.deps.DB.Jobs(), id); err != nil {
		if errors.Is(err, persistence.ErrInvalidTransition) {
			s.respondError(w, http.StatusConflict, "only failed jobs can be requeued")
			return
		}
		s.respondFailure(w, err)
		return
	}
	s.log.Info().Str("job_id", id).Msg("Job requeued")
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(core.JobPending)})
}

// handleListDLQ handles GET /api/dlq?user=u1&limit=50&offset=0
func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.DB.DLQ().List(r.Context(), persistence.ListOptions{
		UserID: r.URL.Query().Get("user"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	if entries == nil {
		entries = []core.DLQEntry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleBanditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Bandit.Stats(r.Context(), chi.URLParam(r, "site"), chi.URLParam(r, "type"))
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"choices": stats})
}

func (s *Server) handleBanditPick(w http.ResponseWriter, r *http.Request) {
	site, banditType := chi.URLParam(r, "site"), chi.URLParam(r, "type")

	var req PickRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	defaults := req.Choices
	if len(defaults) == 0 {
		defaults = bandit.DefaultChoices(banditType, req.Group)
	}

	choice, err := s.deps.Bandit.PickAndRecord(r.Context(), site, banditType, defaults)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, PickResponse{Choice: choice})
}

func (s *Server) handleBanditFeedback(w http.ResponseWriter, r *http.Request) {
	site, banditType := chi.URLParam(r, "site"), chi.URLParam(r, "type")

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Choice) == "" {
		s.respondError(w, http.StatusBadRequest, "choice is required")
		return
	}

	if err := s.deps.Bandit.RecordFeedback(r.Context(), site, banditType, req.Choice, req.Reward); err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// handleMetrics handles GET /api/metrics/{user}?period=24h
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		s.respondError(w, http.StatusNotFound, "metrics are not enabled")
		return
	}
	period := 24 * time.Hour
	if raw := r.URL.Query().Get("period"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.respondError(w, http.StatusBadRequest, "period must be a positive duration such as 24h")
			return
		}
		period = d
	}

	summary, err := s.deps.Metrics.Summary(r.Context(), chi.URLParam(r, "user"), period)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

// handleRAGSearch handles GET /api/rag/{site}/search?q=...&k=5
func (s *Server) handleRAGSearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.RAG == nil {
		s.respondError(w, http.StatusNotFound, "retrieval is not enabled")
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		s.respondError(w, http.StatusBadRequest, "q is required")
		return
	}

	cards, err := s.deps.RAG.Search(r.Context(), chi.URLParam(r, "site"), query, queryInt(r, "k", 5))
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"results": cards})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]any{
		"error": map[string]any{
			"status":  status,
			"message": message,
		},
	})
}

// respondFailure maps domain errors onto status codes
func (s *Server) respondFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, core.ErrConfiguration):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, persistence.ErrVersionConflict):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error().Err(err).Msg("Request failed")
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}
