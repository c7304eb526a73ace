// Package server exposes the service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"humanbrowse/internal/browser"
	"humanbrowse/internal/logging"
	"humanbrowse/internal/metrics"
	"humanbrowse/internal/service"
	"humanbrowse/internal/session"
	"humanbrowse/internal/steps"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const maxRequestBytes = 4 << 20

// Server is the HTTP front end.
type Server struct {
	svc     *service.Service
	metrics *metrics.Collector
	log     *zap.Logger
	router  chi.Router
}

// New builds the router. m may be nil, in which case /metrics is not served.
func New(svc *service.Service, m *metrics.Collector, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{svc: svc, metrics: m, log: log}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/run_steps", s.handleRunSteps)
		r.Post("/resume", s.handleResume)
		r.Post("/close_session", s.handleCloseSession)
		r.Get("/session_status", s.handleSessionStatus)
	})

	r.Route("/ui/api", func(r chi.Router) {
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleRunDetail)
	})

	r.Get("/runs/{runID}/*", s.handleArtifact)
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Server("Listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logging.Server("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// requestError is a malformed request that never reached the service.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

type errorBody struct {
	Detail string `json:"detail"`
	Status int    `json:"status"`
	Index  *int   `json:"index,omitempty"`
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorBody{Detail: msg, Status: status})
}

// respondErr maps service errors to HTTP statuses.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	var (
		ve *steps.ValidationError
		re *requestError
	)
	switch {
	case errors.As(err, &re):
		respondError(w, http.StatusUnprocessableEntity, re.msg)
	case errors.As(err, &ve):
		body := errorBody{Detail: ve.Error(), Status: http.StatusUnprocessableEntity}
		if ve.Index >= 0 {
			body.Index = &ve.Index
		}
		respondJSON(w, http.StatusUnprocessableEntity, body)
	case errors.Is(err, session.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrSessionBusy):
		respondError(w, http.StatusConflict, "session busy: a run is already in progress")
	case errors.Is(err, service.ErrRunNotFound):
		respondError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, service.ErrArtifactNotFound):
		respondError(w, http.StatusNotFound, "artifact not found")
	case errors.Is(err, browser.ErrNoEndpoint), errors.Is(err, browser.ErrNotConnected):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logging.ServerWarn("Request failed: %v", err)
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(dst); err != nil {
		return &requestError{msg: fmt.Sprintf("invalid request body: %v", err)}
	}
	return nil
}

func requestBase(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRunSteps(w http.ResponseWriter, r *http.Request) {
	var req service.Request
	if err := decodeBody(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	if req.Steps == nil {
		s.respondErr(w, &requestError{msg: "steps is required"})
		return
	}
	if s.svc.PublicURL() == "" {
		req.BaseURL = requestBase(r)
	}

	resp, err := s.svc.RunSteps(r.Context(), req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) decodeSessionRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req sessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondErr(w, err)
		return "", false
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		s.respondErr(w, &requestError{msg: "session_id is required"})
		return "", false
	}
	return id, true
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeSessionRequest(w, r)
	if !ok {
		return
	}
	if err := s.svc.Resume(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "session_id": id})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeSessionRequest(w, r)
	if !ok {
		return
	}
	if err := s.svc.CloseSession(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "session_id": id})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if id == "" {
		s.respondErr(w, &requestError{msg: "session_id is required"})
		return
	}
	info, err := s.svc.SessionStatus(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.svc.ListRuns()
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := s.svc.RunDetail(chi.URLParam(r, "runID"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	path, err := s.svc.ArtifactPath(chi.URLParam(r, "runID"), chi.URLParam(r, "*"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	http.ServeFile(w, r, path)
}
