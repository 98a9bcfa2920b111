// Package server exposes the memory service over HTTP: a small JSON API for
// remember/recall/forget, plus /health, /status, and Prometheus /metrics.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/config"
	"github.com/orneryd/muninn/pkg/health"
	"github.com/orneryd/muninn/pkg/memerr"
	"github.com/orneryd/muninn/pkg/metrics"
	"github.com/orneryd/muninn/pkg/muninn"
	"github.com/orneryd/muninn/pkg/search"
	"github.com/orneryd/muninn/pkg/wm"
)

const (
	readTimeout     = 30 * time.Second
	writeTimeout    = 60 * time.Second
	idleTimeout     = 120 * time.Second
	maxRequestBytes = 2 << 20
	shutdownGrace   = 10 * time.Second
)

// Service is the facade surface the HTTP layer depends on. *muninn.Memory
// implements it; tests substitute a fake.
type Service interface {
	Remember(ctx context.Context, content string, opts muninn.RememberOptions) (*muninn.RememberResult, error)
	Recall(ctx context.Context, opts muninn.RecallOptions) ([]search.Result, error)
	Forget(ctx context.Context, nodeID int64, hard bool, confirm string) error
	Restore(ctx context.Context, nodeID int64) error
	LoadExternalContent(ctx context.Context, path, content string) (*muninn.ImportResult, error)
	AssembleContext(strategy wm.Strategy, budget int) string
	Status(ctx context.Context) (*muninn.Status, error)
}

// Server is the HTTP front end.
type Server struct {
	cfg     config.ServerConfig
	svc     Service
	checker *health.Checker
	metrics *metrics.Metrics
	logger  *zap.Logger

	httpServer *http.Server
	listener   net.Listener

	requestCount atomic.Int64
	errorCount   atomic.Int64
}

// New assembles the server. checker and m may be nil; the corresponding
// endpoints then degrade (health falls back to Status, /metrics 404s).
func New(cfg config.ServerConfig, svc Service, checker *health.Checker, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, svc: svc, checker: checker, metrics: m, logger: logger}
}

// Start binds the listener and serves until Stop. It returns once the
// listener is bound; serving continues in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.HTTPPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return memerr.E(memerr.Config, "bind http listener", err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("http listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Router builds the handler tree. Exposed for httptest.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	if s.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(),
			promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/api/memory", s.handleMemory)
	mux.HandleFunc("/api/memory/", s.handleMemoryByID)
	mux.HandleFunc("/api/memory/search", s.handleSearch)
	mux.HandleFunc("/api/search", s.handleSearch)
	mux.HandleFunc("/api/import", s.handleImport)
	mux.HandleFunc("/api/context", s.handleContext)

	return s.logging(s.recovery(mux))
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		if r.URL.Path == "/health" {
			return
		}
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("handler panic",
					zap.Any("panic", v), zap.String("path", r.URL.Path))
				s.writeError(w, memerr.Ef(memerr.Internal, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.errorCount.Add(1)
	status := http.StatusInternalServerError
	switch memerr.KindOf(err) {
	case memerr.Validation:
		status = http.StatusBadRequest
	case memerr.NotFound:
		status = http.StatusNotFound
	case memerr.Conflict:
		status = http.StatusConflict
	case memerr.ServiceUnavailable, memerr.ResourceUnavailable:
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"kind":  memerr.KindOf(err).String(),
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, memerr.E(memerr.Validation, "decode request body", err))
		return false
	}
	return true
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.errorCount.Add(1)
	s.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"error": "method " + r.Method + " not allowed",
	})
}

func pathID(path, prefix string) (int64, error) {
	raw := strings.TrimPrefix(path, prefix)
	raw = strings.TrimSuffix(raw, "/restore")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, memerr.Ef(memerr.Validation, "invalid node id %q", raw)
	}
	return id, nil
}
