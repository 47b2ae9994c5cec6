// Package api provides the ops HTTP server for taskpilot: health, scheduler
// status, task inspection, manual execution, progress polling and the
// execution config.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/health"
	"github.com/taskpilot/taskpilot/internal/infra/engine"
	"github.com/taskpilot/taskpilot/internal/infra/execconfig"
	"github.com/taskpilot/taskpilot/internal/infra/metrics"
	"github.com/taskpilot/taskpilot/internal/infra/scheduler"
	"github.com/taskpilot/taskpilot/internal/infra/sqlite"
	"github.com/taskpilot/taskpilot/internal/logging"
)

// APIKeyHeader carries the key when Options.APIKey is set. A bearer
// Authorization header is accepted too.
const APIKeyHeader = "X-API-Key"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Archiver is the part of the archive service the API needs.
type Archiver interface {
	Archive(ctx context.Context, id string) (string, error)
}

// Options wires the server to the daemon's components. Health and Archiver
// are optional.
type Options struct {
	DB          *sqlite.DB
	Scheduler   *scheduler.Scheduler
	Progress    *engine.ProgressCache
	ExecConfig  *execconfig.Store
	Health      *health.Checker
	Archiver    Archiver
	APIKey      string
	CORSOrigins []string
	Timeout     time.Duration
}

// Server is the taskpilot HTTP API server.
type Server struct {
	opts Options
}

// NewServer creates a new API server.
func NewServer(opts Options) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	return &Server{opts: opts}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.ChiMiddleware(logging.WithChiFilter(func(r *http.Request) bool {
		return r.URL.Path != "/health" && r.URL.Path != "/metrics"
	})))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.Timeout))
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.opts.APIKey != "" {
			r.Use(s.apiKeyMiddleware)
		}
		r.Get("/status", s.handleStatus)
		r.Get("/stats", s.handleStats)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Post("/execute", s.handleExecute)
				r.Post("/archive", s.handleArchive)
				r.Get("/progress", s.handleGetProgress)
				r.Delete("/progress", s.handleClearProgress)
			})
		})

		r.Get("/exec-config", s.handleGetExecConfig)
		r.Put("/exec-config", s.handlePutExecConfig)
		r.Post("/exec-config/toggle", s.handleToggleExecConfig)
	})

	return r
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			key, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.opts.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Health & Status ────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.opts.Health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": s.opts.Health.Statuses(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Scheduler.Status(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.opts.DB.Stats(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	total := 0
	for _, n := range stats {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counts":    stats,
		"total":     total,
		"scheduler": s.opts.Scheduler.Stats(),
	})
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

type createTaskRequest struct {
	UserID   string `json:"user_id"`
	Message  string `json:"message"`
	Priority string `json:"priority"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f domain.TaskFilter
	if v := q.Get("status"); v != "" {
		st, ok := domain.ParseStatus(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(v))
			return
		}
		f.Status = st
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}

	tasks, err := s.opts.DB.ListTasks(r.Context(), f)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.UserID == "" {
		req.UserID = "api"
	}

	id, err := s.opts.DB.CreateTask(r.Context(), req.UserID, req.Message, req.Priority)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	metrics.TasksCreated.Inc()
	logging.AddAttribute(r.Context(), "task_id", id)

	t, err := s.opts.DB.RequireTask(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.opts.DB.RequireTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logging.AddAttribute(r.Context(), "task_id", id)
	if err := s.opts.Scheduler.RunNow(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": id,
		"status":  "started",
	})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.opts.Archiver == nil {
		writeError(w, http.StatusNotImplemented, "archiving is not configured")
		return
	}
	id := chi.URLParam(r, "id")
	p, err := s.opts.Archiver.Archive(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "path": p})
}

// ─── Progress ───────────────────────────────────────────────────────────────

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if p, ok := s.opts.Progress.Get(id); ok {
		writeJSON(w, http.StatusOK, p)
		return
	}

	// Nothing streamed in this process; report the stored status instead.
	t, err := s.opts.DB.RequireTask(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.Progress{
		TaskID:    t.ID,
		Status:    t.Status,
		Lines:     []string{},
		Completed: t.Status.IsTerminal(),
		UpdatedAt: t.UpdatedAt,
	})
}

func (s *Server) handleClearProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.opts.Progress.Clear(id) {
		writeError(w, http.StatusNotFound, "no progress for task "+id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Execution Config ───────────────────────────────────────────────────────

func (s *Server) handleGetExecConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.opts.ExecConfig.Load()
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handlePutExecConfig merges the body onto the current config; keys the body
// omits keep their values.
func (s *Server) handlePutExecConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	_, after, err := s.opts.ExecConfig.Update(func(c *domain.ExecConfig) error {
		if err := json.Unmarshal(body, c); err != nil {
			return errors.Join(domain.ErrInvalidConfig, err)
		}
		return nil
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, after)
}

func (s *Server) handleToggleExecConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.opts.ExecConfig.Toggle()
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidStateTransition), errors.Is(err, domain.ErrAlreadyQueued):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logging.AddError(r.Context(), err)
	}
	writeError(w, code, err.Error())
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}
