// Package api exposes the REST surface for submitting extraction jobs and
// querying their state. It validates input before anything reaches the
// queue: malformed submissions are rejected per item and never become jobs.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/eakdogan/ocrflow/pkg/jobs"
	"github.com/eakdogan/ocrflow/pkg/logger"
	"github.com/eakdogan/ocrflow/pkg/queue"
)

// Server holds the handlers' shared dependencies.
type Server struct {
	store    *queue.Store
	validate *validator.Validate
	apiKey   string
	batchCap int
	log      zerolog.Logger
}

// NewServer builds the API server. apiKey may be empty, which disables
// authentication (dev mode). batchCap defaults to 300.
func NewServer(store *queue.Store, apiKey string, batchCap int) *Server {
	if batchCap <= 0 {
		batchCap = 300
	}
	return &Server{
		store:    store,
		validate: validator.New(),
		apiKey:   apiKey,
		batchCap: batchCap,
		log:      logger.With("api"),
	}
}

// Router assembles the chi route tree with CORS and API-key middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(enableCORS)
	r.Use(s.authMiddleware)

	r.Route("/api/v1/ocr", func(r chi.Router) {
		r.Post("/submit", s.handleSubmit)
		r.Post("/submit-batch", s.handleSubmitBatch)
		r.Get("/status/{jobID}", s.handleStatus)
		r.Delete("/jobs/{jobID}", s.handleCancel)
		r.Get("/queue/stats", s.handleStats)
	})

	return r
}

// authMiddleware enforces X-API-Key authentication. If no key is configured,
// all requests are allowed.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != s.apiKey {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// enableCORS adds CORS headers and short-circuits preflight requests before
// authentication runs.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type submitItem struct {
	DocumentPath string `json:"pdf_path" validate:"required"`
	TargetName   string `json:"searched_name" validate:"required"`
}

type submitRequest struct {
	submitItem
	Priority string            `json:"priority"`
	Metadata map[string]string `json:"user_info,omitempty"`
}

type batchRequest struct {
	Jobs     []submitItem `json:"jobs" validate:"required,min=1"`
	Priority string       `json:"priority"`
}

type batchItemError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "pdf_path and searched_name are required")
		return
	}

	job := jobs.New(req.DocumentPath, req.TargetName, jobs.ParsePriority(req.Priority))
	job.Metadata = req.Metadata
	if err := s.store.Enqueue(r.Context(), job); err != nil {
		s.log.Error().Err(err).Msg("Enqueue failed")
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":   true,
		"job_id":    job.ID,
		"priority":  job.Priority.String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSubmitBatch accepts up to the configured cap of document/name pairs.
// Partial failure is reported per item, not all-or-nothing.
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "at least one job is required")
		return
	}
	if len(req.Jobs) > s.batchCap {
		writeError(w, http.StatusBadRequest, "batch exceeds maximum job count")
		return
	}

	priority := jobs.ParsePriority(req.Priority)
	jobIDs := make([]string, 0, len(req.Jobs))
	var failed []batchItemError

	for i, item := range req.Jobs {
		if item.DocumentPath == "" || item.TargetName == "" {
			failed = append(failed, batchItemError{Index: i, Error: "pdf_path and searched_name are required"})
			continue
		}

		job := jobs.New(item.DocumentPath, item.TargetName, priority)
		if err := s.store.Enqueue(r.Context(), job); err != nil {
			s.log.Error().Err(err).Int("index", i).Msg("Batch enqueue failed")
			failed = append(failed, batchItemError{Index: i, Error: "enqueue failed"})
			continue
		}
		jobIDs = append(jobIDs, job.ID)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":     len(jobIDs) > 0,
		"queued_jobs": len(jobIDs),
		"job_ids":     jobIDs,
		"failed_jobs": failed,
		"priority":    priority.String(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.log.Error().Err(err).Str("job_id", jobID).Msg("Status lookup failed")
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}

	resp := map[string]any{
		"job_id":     job.ID,
		"status":     job.Status,
		"priority":   job.Priority.String(),
		"created_at": job.CreatedAt,
		"progress":   job.Progress,
	}
	switch job.Status {
	case jobs.StatusProcessing:
		resp["worker_id"] = job.WorkerID
		resp["started_at"] = job.StartedAt
	case jobs.StatusCompleted:
		resp["completed_at"] = job.CompletedAt
		resp["result_available"] = len(job.Result) > 0
		resp["result"] = job.Result
	case jobs.StatusFailed:
		resp["error_message"] = job.ErrorMessage
		resp["retry_count"] = job.RetryCount
		resp["can_retry"] = job.CanRetry()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if err := s.store.Cancel(r.Context(), jobID); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusConflict, "job is not pending")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job_id": jobID})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Stats failed")
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
