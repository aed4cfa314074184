// ============================================================================
// syncd Server - HTTP status API + gRPC health
// ============================================================================
//
// Package: internal/server
// File: server.go
//
// HTTP (chi):
//   GET  /status   status.Report as JSON
//   POST /run-now  runs one manual cycle synchronously, returns the RunSummary
//                  409 while another cycle is running, 503 once stopped
//   GET  /healthz  liveness probe
//   GET  /metrics  Prometheus exposition
//
// gRPC:
//   grpc.health.v1.Health, service "syncd" (and "") SERVING until Shutdown
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/syncd/internal/controller"
	"github.com/ChuLiYu/syncd/internal/status"
	"github.com/ChuLiYu/syncd/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name
const HealthService = "syncd"

// Reporter produces status snapshots (status.Reporter)
type Reporter interface {
	Report() status.Report
}

// Runner triggers an out-of-band cycle (controller.Controller)
type Runner interface {
	RunNow(ctx context.Context) (types.RunSummary, error)
}

// Config selects listen addresses; an empty address disables that listener
type Config struct {
	HTTPAddr string
	GRPCAddr string
}

// Server serves the status API and health endpoints for the daemon
type Server struct {
	cfg      Config
	reporter Reporter
	runner   Runner
	metrics  http.Handler
	log      *slog.Logger

	health *health.Server
	grpc   *grpc.Server
	http   *http.Server

	mu        sync.Mutex
	httpAddr  net.Addr
	grpcAddr  net.Addr
	serveErrs chan error
}

// New creates a Server. metricsHandler may be nil.
func New(cfg Config, reporter Reporter, runner Runner, metricsHandler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		reporter:  reporter,
		runner:    runner,
		metrics:   metricsHandler,
		log:       logger,
		health:    health.NewServer(),
		serveErrs: make(chan error, 2),
	}
	return s
}

// Router builds the HTTP routes
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Post("/run-now", s.handleRunNow)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

// Start binds the configured listeners and serves them in the background
func (s *Server) Start() error {
	if s.cfg.HTTPAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPAddr, err)
		}
		s.http = &http.Server{
			Handler:           s.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.setAddr(&s.httpAddr, lis.Addr())
		s.log.Info("HTTP server listening", "addr", lis.Addr().String())
		go s.serve("http", func() error { return s.http.Serve(lis) })
	}

	if s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			s.closeHTTP()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCAddr, err)
		}
		s.grpc = s.newGRPCServer()
		s.setAddr(&s.grpcAddr, lis.Addr())
		s.log.Info("gRPC health server listening", "addr", lis.Addr().String())
		go s.serve("grpc", func() error { return s.grpc.Serve(lis) })
	}
	return nil
}

// ServeGRPC serves the health service on an existing listener (bufconn in tests)
func (s *Server) ServeGRPC(lis net.Listener) error {
	s.mu.Lock()
	if s.grpc == nil {
		s.grpc = s.newGRPCServer()
	}
	srv := s.grpc
	s.mu.Unlock()
	return srv.Serve(lis)
}

func (s *Server) newGRPCServer() *grpc.Server {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	return srv
}

func (s *Server) serve(name string, fn func() error) {
	err := fn()
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, grpc.ErrServerStopped) {
		s.log.Error("Server stopped unexpectedly", "server", name, "error", err)
		s.serveErrs <- fmt.Errorf("%s server: %w", name, err)
	}
}

// Errors reports listener failures after Start
func (s *Server) Errors() <-chan error {
	return s.serveErrs
}

// HTTPAddr returns the bound HTTP address (nil before Start)
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

// GRPCAddr returns the bound gRPC address (nil before Start)
func (s *Server) GRPCAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grpcAddr
}

func (s *Server) setAddr(dst *net.Addr, addr net.Addr) {
	s.mu.Lock()
	*dst = addr
	s.mu.Unlock()
}

// Shutdown marks health NOT_SERVING and stops both listeners
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}

	s.mu.Lock()
	srv := s.grpc
	s.mu.Unlock()
	if srv != nil {
		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			srv.Stop()
		}
	}
	return err
}

func (s *Server) closeHTTP() {
	if s.http != nil {
		s.http.Close()
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reporter.Report())
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("run-now not available"))
		return
	}

	// The cycle completes even if the caller disconnects
	summary, err := s.runner.RunNow(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, controller.ErrCycleInProgress):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, controller.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorBody{Error: err.Error()})
}
