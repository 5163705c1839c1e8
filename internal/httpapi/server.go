// Package httpapi implements the §6 control-plane REST surface:
// task CRUD/lifecycle, policy config, and verbatim per-source auth
// blobs. Grounded on the teacher's Server shape in this same package
// (withLogging middleware, responseWriter status capture) and its
// withAdminAuth constant-time credential check in
// internal/service/server/admin_handler.go, generalized from HTTP
// Basic Auth to a single shared-secret X-Api-Key header.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pica/comics-server/internal/domain"
	"github.com/pica/comics-server/internal/policy"
	"github.com/pica/comics-server/internal/scheduler"
	"github.com/pica/comics-server/internal/taskstore"
)

// Server serves the /api/v1/* control plane.
type Server struct {
	store  *taskstore.Store
	sched  *scheduler.Scheduler
	pol    *policy.Store
	apiKey string
	logger *zap.SugaredLogger
	server *http.Server
}

// NewServer wires the control plane over store/sched/pol. apiKey is
// optional: an empty string disables the X-Api-Key check entirely.
func NewServer(bindAddr string, store *taskstore.Store, sched *scheduler.Scheduler, pol *policy.Store, apiKey string, logger *zap.SugaredLogger) *Server {
	s := &Server{store: store, sched: sched, pol: pol, apiKey: apiKey, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/tasks/download", s.withAuth(s.handleCreateTask))
	mux.HandleFunc("/api/v1/tasks/config", s.withAuth(s.handleConfig))
	mux.HandleFunc("/api/v1/tasks", s.withAuth(s.handleListTasks))
	mux.HandleFunc("/api/v1/tasks/", s.withAuth(s.handleTaskByID))
	mux.HandleFunc("/api/v1/auth/", s.withAuth(s.handleAuth))

	s.server = &http.Server{
		Addr:         bindAddr,
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until the process is shut down.
func (s *Server) Start() error {
	if s.logger != nil {
		s.logger.Infof("starting HTTP server on %s", s.server.Addr)
	}
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.logger != nil {
		s.logger.Info("stopping HTTP server")
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler.ServeHTTP(rw, r)
		if s.logger != nil {
			s.logger.Debugw("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// withAuth enforces the X-Api-Key header when an api key is configured.
func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			handler(w, r)
			return
		}
		got := r.Header.Get("X-Api-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
			writeJSONError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		handler(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type createTaskRequest struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Eps      []int  `json:"eps,omitempty"`
	Title    string `json:"title,omitempty"`
	CoverURL string `json:"coverUrl,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !domain.IsKnownSource(req.Source) {
		writeJSONError(w, http.StatusBadRequest, "unknown source")
		return
	}

	params, err := json.Marshal(domain.TaskParams{Eps: req.Eps, Title: req.Title, CoverURL: req.CoverURL})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode params")
		return
	}

	task, err := s.store.CreateDownloadTask(req.Source, req.Target, params)
	switch {
	case err == nil:
		s.sched.Enqueue(task.ID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "taskId": task.ID})
	case err == domain.ErrAlreadyExists:
		writeJSONError(w, http.StatusConflict, "already downloaded")
	case err == domain.ErrTaskAlreadyExists:
		writeJSONError(w, http.StatusConflict, "task already exists")
	default:
		writeJSONError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}
	tasks, err := s.store.ListTasks(limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "tasks": tasks})
}

// handleTaskByID dispatches /api/v1/tasks/{id}[/{op}] and DELETE /api/v1/tasks/{id}.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "missing task id")
		return
	}
	taskID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			task, err := s.store.GetTask(taskID)
			if err != nil {
				writeJSONError(w, http.StatusNotFound, "task not found")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task": task})
		case http.MethodDelete:
			if err := s.sched.Delete(taskID); err != nil {
				s.writeControlError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var opErr error
	switch parts[1] {
	case "pause":
		opErr = s.sched.Pause(taskID)
	case "resume":
		opErr = s.sched.Resume(taskID)
	case "cancel":
		opErr = s.sched.Cancel(taskID)
	case "retry":
		opErr = s.sched.Retry(taskID)
	default:
		writeJSONError(w, http.StatusNotFound, "unknown operation")
		return
	}
	if opErr != nil {
		s.writeControlError(w, opErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	switch err {
	case domain.ErrTaskNotFound:
		writeJSONError(w, http.StatusNotFound, "task not found")
	case domain.ErrTaskIsRunning:
		writeJSONError(w, http.StatusConflict, "task is running")
	case domain.ErrInvalidStateTransition:
		writeJSONError(w, http.StatusConflict, "invalid state transition")
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

type configRequest struct {
	MaxConcurrent  *int `json:"maxConcurrent,omitempty"`
	FileConcurrent *int `json:"fileConcurrent,omitempty"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		p := s.pol.Get()
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":             true,
			"maxConcurrent":  p.MaxConcurrent,
			"fileConcurrent": p.FileConcurrentDefault,
		})
	case http.MethodPut:
		var req configRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		var p policy.Policy
		if req.MaxConcurrent != nil {
			p = s.pol.SetMaxConcurrent(*req.MaxConcurrent)
		}
		if req.FileConcurrent != nil {
			p = s.pol.SetFileConcurrentDefault(*req.FileConcurrent)
		}
		if req.MaxConcurrent == nil && req.FileConcurrent == nil {
			p = s.pol.Get()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":             true,
			"maxConcurrent":  p.MaxConcurrent,
			"fileConcurrent": p.FileConcurrentDefault,
		})
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleAuth implements PUT/GET /api/v1/auth/{source}: the verbatim,
// plaintext per-source credential blob.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	source := strings.TrimPrefix(r.URL.Path, "/api/v1/auth/")
	source = strings.Trim(source, "/")
	if source == "" {
		writeJSONError(w, http.StatusBadRequest, "missing source")
		return
	}

	switch r.Method {
	case http.MethodPut:
		body, err := jsonBody(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.store.Put(source, body); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case http.MethodGet:
		rec, err := s.store.Get(source)
		if err == domain.ErrNotFound {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "exists": false})
			return
		}
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "exists": true, "updatedAt": rec.UpdatedAt})
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func jsonBody(r *http.Request) ([]byte, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}
