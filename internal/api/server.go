// Package api exposes the HTTP control surface for the batch engine.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/batchpilot/batchpilot/internal/batch"
	"github.com/batchpilot/batchpilot/internal/config"
	"github.com/batchpilot/batchpilot/internal/engine"
	"github.com/batchpilot/batchpilot/internal/telemetry"
)

// Server wires HTTP handlers to the engine. Batches run asynchronously; the
// handlers return immediately and clients poll for progress and results.
type Server struct {
	router chi.Router
	engine *engine.Engine
	ids    batch.IDGenerator
	clock  batch.Clock
	logger *zap.Logger
	cfg    config.Config

	mu        sync.Mutex
	jobs      map[string]*jobRecord
	runningID string
}

// jobRecord tracks one submitted batch through its async lifecycle.
type jobRecord struct {
	ID        string
	SessionID string
	Submitted time.Time
	Done      bool
	Result    *engine.BatchResult
	Err       error
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	eng *engine.Engine,
	ids batch.IDGenerator,
	clock batch.Clock,
	logger *zap.Logger,
	cfg config.Config,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine: eng,
		ids:    ids,
		clock:  clock,
		logger: logger,
		cfg:    cfg,
		jobs:   make(map[string]*jobRecord),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.submitBatch)
			r.Route("/{batch_id}", func(r chi.Router) {
				r.Get("/", s.getBatch)
				r.Get("/progress", s.getProgress)
				r.Get("/result", s.getResult)
				r.Post("/pause", s.pauseBatch)
				r.Post("/resume", s.resumeBatch)
				r.Post("/stop", s.stopBatch)
			})
		})
		r.Post("/sessions/{session_id}/resume", s.resumeSession)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type batchRequest struct {
	URLs    []string      `json:"urls"`
	Options *batchOptions `json:"options"`
}

// batchOptions mirrors batch.Options with wire-friendly units. MaxRetries is
// a pointer so an explicit zero survives the trip; absent means "use the
// configured default".
type batchOptions struct {
	Concurrency     int    `json:"concurrency"`
	DelayMs         int    `json:"delay_ms"`
	TimeoutMs       int    `json:"timeout_ms"`
	MaxRetries      *int   `json:"max_retries"`
	ErrorReportSize int    `json:"error_report_size"`
	CheckpointEvery int    `json:"checkpoint_every"`
	SessionID       string `json:"session_id"`
}

func (o *batchOptions) toOptions() batch.Options {
	opts := batch.Options{MaxRetries: -1}
	if o == nil {
		return opts
	}
	opts.Concurrency = o.Concurrency
	opts.Delay = time.Duration(o.DelayMs) * time.Millisecond
	opts.Timeout = time.Duration(o.TimeoutMs) * time.Millisecond
	if o.MaxRetries != nil {
		opts.MaxRetries = *o.MaxRetries
	}
	opts.ErrorReportSize = o.ErrorReportSize
	opts.CheckpointEvery = o.CheckpointEvery
	opts.SessionID = o.SessionID
	return opts
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	opts := req.Options.toOptions()

	batchID, err := s.ids.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "generate batch id")
		return
	}
	if opts.SessionID == "" {
		opts.SessionID = batchID
	}

	rec, err := s.startJob(batchID, opts.SessionID, func(ctx context.Context) (*engine.BatchResult, error) {
		return s.engine.ProcessBatch(ctx, req.URLs, opts)
	})
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"batch_id":   rec.ID,
		"session_id": rec.SessionID,
	})
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	var req struct {
		Options *batchOptions `json:"options"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	opts := req.Options.toOptions()

	batchID, err := s.ids.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "generate batch id")
		return
	}

	rec, err := s.startJob(batchID, sessionID, func(ctx context.Context) (*engine.BatchResult, error) {
		return s.engine.ResumeSession(ctx, sessionID, opts)
	})
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"batch_id":   rec.ID,
		"session_id": rec.SessionID,
	})
}

// startJob reserves the single engine slot and launches fn in the background.
// The engine enforces one job at a time as well; the server-side reservation
// exists so the conflict surfaces as a synchronous 409.
func (s *Server) startJob(
	batchID, sessionID string,
	fn func(context.Context) (*engine.BatchResult, error),
) (*jobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runningID != "" {
		return nil, fmt.Errorf("batch %s is still running", s.runningID)
	}
	rec := &jobRecord{
		ID:        batchID,
		SessionID: sessionID,
		Submitted: s.clock.Now(),
	}
	s.jobs[batchID] = rec
	s.runningID = batchID

	go func() {
		// The job outlives the submitting request, so it runs on its own
		// context rather than the request's.
		result, err := fn(context.Background())
		s.mu.Lock()
		rec.Result = result
		rec.Err = err
		rec.Done = true
		if s.runningID == batchID {
			s.runningID = ""
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.Error("batch failed",
				zap.String("batch_id", batchID),
				zap.Error(err))
		}
	}()
	return rec, nil
}

func (s *Server) lookup(r *http.Request) (*jobRecord, bool) {
	id := chi.URLParam(r, "batch_id")
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	return rec, ok
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(r)
	if !ok {
		s.writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	s.mu.Lock()
	resp := map[string]any{
		"batch_id":   rec.ID,
		"session_id": rec.SessionID,
		"submitted":  rec.Submitted,
		"done":       rec.Done,
		"state":      s.recordStateLocked(rec),
	}
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, resp)
}

// recordStateLocked derives the externally visible state for rec. Callers
// hold s.mu.
func (s *Server) recordStateLocked(rec *jobRecord) batch.State {
	if !rec.Done {
		return s.engine.State()
	}
	if rec.Err != nil {
		return batch.StateError
	}
	return rec.Result.State
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(r)
	if !ok {
		s.writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	s.mu.Lock()
	running := s.runningID == rec.ID
	done := rec.Done
	result := rec.Result
	s.mu.Unlock()

	if running && !done {
		s.writeJSON(w, http.StatusOK, s.engine.Progress())
		return
	}
	p := engine.Progress{JobID: rec.ID}
	if result != nil {
		sum := result.Summary
		p.JobID = result.JobID
		p.State = result.State
		p.Completed = sum.Successful + sum.Failed + sum.Skipped
		p.Total = sum.Valid
		if p.Total > 0 {
			p.Percentage = float64(p.Completed) / float64(p.Total) * 100
		}
	} else {
		p.State = batch.StateError
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(r)
	if !ok {
		s.writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	s.mu.Lock()
	done, result, jobErr := rec.Done, rec.Result, rec.Err
	s.mu.Unlock()
	if !done {
		s.writeError(w, http.StatusConflict, "batch still running")
		return
	}
	if jobErr != nil {
		s.writeError(w, http.StatusInternalServerError, jobErr.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) pauseBatch(w http.ResponseWriter, r *http.Request) {
	s.controlBatch(w, r, s.engine.Pause, "paused")
}

func (s *Server) resumeBatch(w http.ResponseWriter, r *http.Request) {
	s.controlBatch(w, r, s.engine.Resume, "processing")
}

func (s *Server) stopBatch(w http.ResponseWriter, r *http.Request) {
	s.controlBatch(w, r, s.engine.Stop, "stopping")
}

func (s *Server) controlBatch(w http.ResponseWriter, r *http.Request, op func() error, status string) {
	rec, ok := s.lookup(r)
	if !ok {
		s.writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	s.mu.Lock()
	active := s.runningID == rec.ID
	s.mu.Unlock()
	if !active {
		s.writeError(w, http.StatusConflict, "batch is not active")
		return
	}
	if err := op(); err != nil {
		switch {
		case errors.Is(err, engine.ErrNoActiveJob),
			errors.Is(err, engine.ErrNotRunning),
			errors.Is(err, engine.ErrNotPaused):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"batch_id": rec.ID, "status": status})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
