// Package health exposes the standard gRPC health checking service so
// orchestrators can probe the relay without speaking its client protocol.
package health

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/sketchrelay/internal/config"
)

// RelayService is the service name reported alongside the overall ("") status.
const RelayService = "sketchrelay.Relay"

// Server serves grpc.health.v1.Health.
type Server struct {
	cfg    config.HealthConfig
	logger *zap.Logger
	grpc   *grpc.Server
	health *grpchealth.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a health server. Every service starts NOT_SERVING.
//
// Precondition: logger must be non-nil.
func NewServer(cfg config.HealthConfig, logger *zap.Logger) *Server {
	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(RelayService, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		cfg:    cfg,
		logger: logger,
		grpc:   gs,
		health: hs,
	}
}

// SetServing flips both the overall and the relay status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(RelayService, status)
	s.logger.Info("health status changed", zap.String("status", status.String()))
}

// ListenAndServe listens on cfg.Addr() and serves until Stop is called.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener.
//
// Postcondition: Returns nil after Stop, or the serve error.
func (s *Server) Serve(lis net.Listener) error {
	start := time.Now()
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("health server listening",
		zap.String("addr", lis.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("serving health: %w", err)
	}
	return nil
}

// Stop reports NOT_SERVING to watchers and drains in-flight checks.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	s.logger.Info("health server stopped")
}

// Addr returns the listening address, or empty string if not yet listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
