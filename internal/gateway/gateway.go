// Package gateway exposes the run coordinator over HTTP: a small JSON API
// for submitting and inspecting runs, an SSE stream and a WebSocket feed for
// run event logs, plus health and metrics endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sakti-dev/runcoord/internal/bus"
	"github.com/sakti-dev/runcoord/internal/persistence"
	"github.com/sakti-dev/runcoord/internal/schema"
	"github.com/sakti-dev/runcoord/internal/shared"
	"github.com/sakti-dev/runcoord/internal/worker"
)

type Config struct {
	Store *persistence.Store
	Bus   *bus.Bus
	Pool  *worker.Pool

	// AuthToken guards mutating and read endpoints. Empty disables auth.
	AuthToken string

	// ConfigFingerprint is the hash of the active config, exposed on /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg       Config
	validator *schema.SubmitValidator
	logger    *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Server, error) {
	validator, err := schema.NewSubmitValidator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, validator: validator, logger: logger}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/v1/run/submit", s.handleSubmit)
	mux.HandleFunc("/api/v1/run", s.handleGetRun)
	mux.HandleFunc("/api/v1/run/cancel", s.handleCancel)
	mux.HandleFunc("/api/v1/run/events", s.handleEvents)
	mux.HandleFunc("/api/v1/run/stream", s.handleStream)
	mux.HandleFunc("/api/v1/session/runs", s.handleSessionRuns)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	counts, err := s.cfg.Store.CountsByState(context.Background())
	dbOK := err == nil

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if dbOK {
		payload["queued"] = counts.Queued
		payload["running"] = counts.Running
		payload["expired_leases"] = counts.ExpiredLeases
	}
	if s.cfg.Pool != nil {
		payload["workers"] = s.cfg.Pool.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	counts, err := s.cfg.Store.CountsByState(r.Context())
	if err != nil {
		http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

type submitRequest struct {
	TaskSessionID    string          `json:"task_session_id"`
	RuntimeMode      string          `json:"runtime_mode"`
	ClientRequestKey string          `json:"client_request_key,omitempty"`
	Input            json.RawMessage `json:"input,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	MaxAttempts      int             `json:"max_attempts,omitempty"`
}

// handleSubmit implements POST /api/v1/run/submit. Submissions carrying a
// client_request_key are idempotent: resubmitting returns the original run
// with 200 instead of 201.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body := http.MaxBytesReader(w, r.Body, 1<<20)
	var raw json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validator.ValidateJSON(string(raw)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req submitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	traceID := shared.NewTraceID()
	ctx := shared.WithTraceID(r.Context(), traceID)

	status := http.StatusCreated
	if req.ClientRequestKey != "" {
		if existing, err := s.cfg.Store.FindByClientRequestKey(ctx, req.TaskSessionID, req.ClientRequestKey); err == nil && existing != nil {
			status = http.StatusOK
		}
	}

	run, err := s.cfg.Store.CreateRun(ctx, persistence.CreateRunParams{
		TaskSessionID:    req.TaskSessionID,
		RuntimeMode:      persistence.RuntimeMode(req.RuntimeMode),
		ClientRequestKey: req.ClientRequestKey,
		Input:            string(req.Input),
		Metadata:         string(req.Metadata),
		MaxAttempts:      req.MaxAttempts,
	})
	if err != nil {
		s.logger.Error("run submit failed", "error", err, "trace_id", traceID)
		writeError(w, http.StatusInternalServerError, "create run failed")
		return
	}

	s.logger.Info("run submitted", "run_id", run.ID, "session_id", run.TaskSessionID,
		"mode", run.RuntimeMode, "trace_id", traceID)
	writeJSON(w, status, run)
}

// handleGetRun implements GET /api/v1/run?run_id=XXX.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id query parameter is required")
		return
	}
	run, err := s.cfg.Store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleCancel implements POST /api/v1/run/cancel?run_id=XXX. The call is
// idempotent and always returns the run's current state.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id query parameter is required")
		return
	}
	run, err := s.cfg.Store.RequestCancel(r.Context(), runID)
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	s.logger.Info("cancel requested", "run_id", runID, "state", run.State)
	writeJSON(w, http.StatusOK, run)
}

// handleEvents implements GET /api/v1/run/events?run_id=XXX&after=N&limit=N.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id query parameter is required")
		return
	}
	after := int64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = v
	}

	if _, err := s.cfg.Store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	events, err := s.cfg.Store.ListEventsAfter(r.Context(), runID, after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list events failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"events": events,
	})
}

// handleSessionRuns implements GET /api/v1/session/runs?session_id=XXX.
func (s *Server) handleSessionRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id query parameter is required")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	runs, err := s.cfg.Store.ListRunsBySession(r.Context(), sessionID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"runs":       runs,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
