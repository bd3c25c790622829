package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"zipball-packager/internal/archive"
	"zipball-packager/internal/jobs"
	"zipball-packager/internal/logger"
	"zipball-packager/internal/models"
	"zipball-packager/internal/queue"
	"zipball-packager/internal/ratelimit"
	"zipball-packager/internal/store"
	"zipball-packager/internal/telemetry"
)

// Server wires HTTP handlers for the producer API.
type Server struct {
	jobs    *jobs.Service
	queue   *queue.RedisQueue
	limiter *ratelimit.TokenBucket
}

// New constructs the API server. The queue and limiter may be nil.
func New(svc *jobs.Service, q *queue.RedisQueue, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		jobs:    svc,
		queue:   q,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/stats", s.handleStats)
	r.Get("/dlq", s.handleDLQ)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/tasks", s.handleTasks)
		r.Post("/{id}/retry", s.handleRetry)
		r.Get("/{id}/tasks/{hash}/meta", s.handleGetMeta)
		r.Put("/{id}/tasks/{hash}/meta", s.handlePutMeta)
	})
	return r
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), r.Header.Get("X-Client-ID"))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var req jobs.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	job, err := s.jobs.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var status models.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = models.ToJobStatus(raw)
		if status == "" {
			http.Error(w, "unknown status", http.StatusBadRequest)
			return
		}
	}
	list, err := s.jobs.List(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

// handleStats reports job counts per status.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int64, len(models.JobStatuses))
	for _, st := range models.JobStatuses {
		n, err := s.jobs.Count(r.Context(), st)
		if err != nil {
			writeError(w, err)
			return
		}
		counts[string(st)] = n
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": job.Tasks})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetMeta(w http.ResponseWriter, r *http.Request) {
	doc, err := s.jobs.TaskMeta(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePutMeta(w http.ResponseWriter, r *http.Request) {
	var patch models.Meta
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	doc, err := s.jobs.UpdateTaskMeta(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "hash"), &patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleDLQ returns the raw dead-lettered dispatch messages.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []string{}})
		return
	}
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, archive.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, jobs.ErrJobFinished):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrInvalidJobType),
		errors.Is(err, models.ErrInvalidMeta),
		errors.Is(err, jobs.ErrNoTargets),
		errors.Is(err, jobs.ErrInvalidTarget):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logger.Logger.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
