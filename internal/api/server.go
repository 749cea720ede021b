// Package api exposes the HTTP interface for the relay service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tieba-tools/tieba-relay/internal/config"
	"github.com/tieba-tools/tieba-relay/internal/relay"
	"github.com/tieba-tools/tieba-relay/internal/runner"
)

// JobRunner is the slice of the runner the handlers need.
type JobRunner interface {
	Submit(ctx context.Context, params relay.JobParams) (relay.Job, error)
	Get(id string) (relay.Job, error)
	List() []relay.Job
}

// Server wires HTTP handlers to the runner and the store.
type Server struct {
	router  chi.Router
	store   relay.Store
	runner  JobRunner
	logger  *zap.Logger
	cfg     config.Config
	dataDir string
}

// NewServer constructs a Server with middleware and routes. dataDir is
// the blob store root; downloaded images are served from under it.
func NewServer(store relay.Store, jobRunner JobRunner, dataDir string, cfg config.Config, logger *zap.Logger) *Server {
	s := &Server{
		store:   store,
		runner:  jobRunner,
		logger:  logger,
		cfg:     cfg,
		dataDir: dataDir,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if len(cfg.Server.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.Server.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	imagesDir := filepath.Join(dataDir, "images")
	r.Handle("/images/*", http.StripPrefix("/images/", http.FileServer(http.Dir(imagesDir))))

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/{kind}", s.submitJob)
			r.Get("/{job_id}", s.getJob)
		})
		r.Get("/threads", s.listThreads)
		r.Post("/threads/{tid}/category", s.setThreadCategory)
		r.Get("/relay-tasks", s.listRelayTasks)
		r.Get("/stats", s.getStats)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Stats(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	kind := relay.JobKind(chi.URLParam(r, "kind"))

	params, err := runner.ParseParams(kind, func(v any) error {
		// an empty body submits with defaults
		if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, relay.ErrInvalidJobKind) {
			writeError(w, http.StatusNotFound, "unknown job kind")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	job, err := s.runner.Submit(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(job.Status),
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.runner.Get(chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.runner.List()
	if limit := intQuery(r.URL.Query().Get("limit")); limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) listThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := relay.ThreadFilter{
		Forum:    q.Get("forum"),
		Category: q.Get("category"),
		Role:     relay.ThreadRole(q.Get("role")),
		Query:    q.Get("q"),
		Limit:    intQuery(q.Get("limit")),
		Offset:   intQuery(q.Get("offset")),
	}
	threads, err := s.store.ListThreads(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list threads failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

type setCategoryRequest struct {
	Category string   `json:"category"`
	Tags     []string `json:"tags,omitempty"`
}

func (s *Server) setThreadCategory(w http.ResponseWriter, r *http.Request) {
	tid, err := strconv.ParseInt(chi.URLParam(r, "tid"), 10, 64)
	if err != nil || tid <= 0 {
		writeError(w, http.StatusBadRequest, "invalid tid")
		return
	}
	var req setCategoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Category == "" {
		writeError(w, http.StatusBadRequest, "category required")
		return
	}

	var tagsJSON string
	if len(req.Tags) > 0 {
		raw, err := json.Marshal(req.Tags)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid tags")
			return
		}
		tagsJSON = string(raw)
	}

	if err := s.store.SetThreadCategory(r.Context(), tid, req.Category, tagsJSON); err != nil {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tid": tid, "category": req.Category})
}

func (s *Server) listRelayTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intQuery(q.Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	tasks, err := s.store.ListRelayTasks(r.Context(), relay.TaskStatus(q.Get("status")), q.Get("category"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list relay tasks failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func intQuery(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
