// Package api exposes the HTTP interface for the acquisition service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagevault/acquire/internal/cache"
	"github.com/pagevault/acquire/internal/config"
	"github.com/pagevault/acquire/internal/engine"
	"github.com/pagevault/acquire/internal/metrics"
	"github.com/pagevault/acquire/internal/monitor"
	"github.com/pagevault/acquire/internal/sandbox"
	"github.com/pagevault/acquire/internal/session"
)

// Server wires HTTP handlers to the orchestrator and the task executor.
type Server struct {
	router       chi.Router
	orchestrator *engine.Orchestrator
	executor     *sandbox.Executor
	monitor      *monitor.Monitor
	sessions     *session.Tracker
	cache        *cache.Cache
	cfg          config.Config
	logger       *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	orchestrator *engine.Orchestrator,
	executor *sandbox.Executor,
	mon *monitor.Monitor,
	sessions *session.Tracker,
	resultCache *cache.Cache,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orchestrator: orchestrator,
		executor:     executor,
		monitor:      mon,
		sessions:     sessions,
		cache:        resultCache,
		cfg:          cfg,
		logger:       logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/crawls", func(r chi.Router) {
			r.Post("/", s.crawlOne)
			r.Post("/batch", s.crawlBatch)
		})
		r.Get("/stats", s.stats)
		r.Get("/resources", s.resources)
		r.Post("/cache/clear", s.clearCache)
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/{session_id}", s.getSession)
			r.Post("/cleanup", s.cleanupSessions)
		})
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.submitTask)
			r.Get("/", s.listTasks)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Post("/stop", s.stopTask)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

type crawlRequest struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id"`
}

func (s *Server) crawlOne(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "missing url", s.logger)
		return
	}
	result, err := s.orchestrator.CrawlURL(r.Context(), req.URL, engine.CrawlOptions{
		SessionID: req.SessionID,
	})
	if err != nil {
		s.writeCrawlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result}, s.logger)
}

type batchRequest struct {
	URL       string `json:"url"`
	MaxDepth  *int   `json:"max_depth"`
	MaxPages  *int   `json:"max_pages"`
	SessionID string `json:"session_id"`
}

func (s *Server) crawlBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "missing url", s.logger)
		return
	}
	opts := engine.BatchOptions{SessionID: req.SessionID}
	if req.MaxDepth != nil {
		opts.MaxDepth = *req.MaxDepth
	}
	if req.MaxPages != nil {
		opts.MaxPages = *req.MaxPages
	}
	results, err := s.orchestrator.CrawlURLs(r.Context(), req.URL, opts)
	if err != nil && len(results) == 0 {
		s.writeCrawlError(w, err)
		return
	}
	payload := map[string]any{
		"results": results,
		"count":   len(results),
	}
	if err != nil {
		// Partial results from a canceled traversal are still worth
		// returning.
		payload["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, payload, s.logger)
}

func (s *Server) writeCrawlError(w http.ResponseWriter, err error) {
	var blocked *engine.ComplianceBlockedError
	switch {
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":  "compliance blocked",
			"reason": blocked.Reason,
			"rules":  blocked.Rules,
		}, s.logger)
	case errors.Is(err, engine.ErrRobotsDisallowed):
		writeError(w, http.StatusForbidden, "disallowed by robots.txt", s.logger)
	case errors.Is(err, engine.ErrAlreadyVisited):
		writeError(w, http.StatusConflict, "url already visited", s.logger)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, err.Error(), s.logger)
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
	}
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"crawler": s.orchestrator.GetStats(),
		"cache":   s.cache.Stats(),
		"sandbox": s.executor.Statistics(),
	}
	if s.monitor != nil {
		payload["resources"] = s.monitor.Averages()
	}
	writeJSON(w, http.StatusOK, payload, s.logger)
}

func (s *Server) resources(w http.ResponseWriter, _ *http.Request) {
	if s.monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "resource monitor disabled", s.logger)
		return
	}
	history := s.monitor.History()
	payload := map[string]any{
		"current":  s.monitor.Collect(),
		"averages": s.monitor.Averages(),
		"samples":  len(history),
		"limits":   s.monitor.Limits(),
	}
	writeJSON(w, http.StatusOK, payload, s.logger)
}

func (s *Server) clearCache(w http.ResponseWriter, _ *http.Request) {
	s.orchestrator.ClearCache()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"}, s.logger)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	sess, ok := s.sessions.GetSession(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess}, s.logger)
}

type cleanupRequest struct {
	MaxAgeSeconds int `json:"max_age_seconds"`
}

func (s *Server) cleanupSessions(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MaxAgeSeconds <= 0 {
		writeError(w, http.StatusBadRequest, "missing max_age_seconds", s.logger)
		return
	}
	removed := s.sessions.ClearOldSessions(time.Duration(req.MaxAgeSeconds) * time.Second)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed}, s.logger)
}

type taskRequest struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args"`
	Env            map[string]string `json:"env"`
	WorkingDir     string            `json:"working_dir"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, "missing command", s.logger)
		return
	}
	opts := sandbox.TaskOptions{
		Env:        req.Env,
		WorkingDir: req.WorkingDir,
	}
	if req.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	id, err := s.executor.Execute(r.Context(), req.Command, req.Args, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id}, s.logger)
}

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	tasks := s.executor.Tasks()
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)}, s.logger)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	task, err := s.executor.Task(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task}, s.logger)
}

func (s *Server) stopTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	if err := s.executor.StopTask(id); err != nil {
		if errors.Is(err, engine.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found", s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"}, s.logger)
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error", logger)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized", zap.NewNop())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}
