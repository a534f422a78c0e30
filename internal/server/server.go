package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/global-data-controller/wesflow/internal/config"
	"github.com/global-data-controller/wesflow/internal/telemetry"
)

// serviceName is the name reported by the health endpoints
const serviceName = "wesflow"

// Check is a named readiness probe
type Check struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server exposes the operational endpoints: liveness, readiness, metrics
// and the gRPC health service
type Server struct {
	config    config.ServerConfig
	telemetry *telemetry.Telemetry
	checks    []Check
	logger    *zap.Logger

	router     *mux.Router
	health     *health.Server
	httpServer *http.Server
	grpcServer *grpc.Server
	httpAddr   net.Addr
	grpcAddr   net.Addr
	wg         sync.WaitGroup
}

// New creates a new server instance. tel may be nil.
func New(cfg config.ServerConfig, tel *telemetry.Telemetry, logger *zap.Logger, checks ...Check) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:    cfg,
		telemetry: tel,
		checks:    checks,
		logger:    logger,
		health:    health.NewServer(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.readinessHandler).Methods(http.MethodGet)
	r.Handle("/metrics", s.telemetry.Handler()).Methods(http.MethodGet)
	return r
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP and gRPC listeners
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting wesflow server",
		zap.Int("http_port", s.config.Port),
		zap.Int("grpc_port", s.config.GRPCPort),
	)

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startGRPCServer(); err != nil {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	s.updateHealth(ctx)
	s.logger.Info("Server started successfully")
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping server...")
	s.health.Shutdown()

	var errs []error
	if s.httpServer != nil {
		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
		}
	}

	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}

	s.wg.Wait()

	s.logger.Info("Server stopped")
	return errors.Join(errs...)
}

// HTTPAddr returns the bound HTTP address once started
func (s *Server) HTTPAddr() net.Addr {
	return s.httpAddr
}

// GRPCAddr returns the bound gRPC address once started
func (s *Server) GRPCAddr() net.Addr {
	return s.grpcAddr
}

func (s *Server) startHTTPServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Host, s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP port: %w", err)
	}
	s.httpAddr = lis.Addr()

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

func (s *Server) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Host, s.config.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC port: %w", err)
	}
	s.grpcAddr = lis.Addr()

	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	return nil
}

// ready runs every check and returns the failures by name
func (s *Server) ready(ctx context.Context) map[string]string {
	failures := make(map[string]string)
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			failures[c.Name] = err.Error()
		}
	}
	return failures
}

// updateHealth mirrors readiness into the gRPC health service
func (s *Server) updateHealth(ctx context.Context) map[string]string {
	failures := s.ready(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if len(failures) > 0 {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
	return failures
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "service": serviceName})
}

func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failures := s.updateHealth(ctx)
	if len(failures) > 0 {
		s.logger.Warn("Readiness check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "not_ready",
			"service":  serviceName,
			"failures": failures,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "service": serviceName})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
