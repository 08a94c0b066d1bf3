package service

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/datafedhq/datafed/pkg/config"
	"github.com/datafedhq/datafed/pkg/health"
	"github.com/datafedhq/datafed/pkg/logger"
)

// Service interface that the hub's engine must implement
type Service interface {
	// Initialize is called before starting
	Initialize(ctx context.Context, config *config.Config) error

	// Start begins the service's main work
	Start(ctx context.Context) error

	// Stop gracefully shuts down the service
	Stop(ctx context.Context, gracePeriod time.Duration) error

	// CollectMetrics returns current service metrics
	CollectMetrics() map[string]int64

	// HealthChecks returns service-specific health check functions
	HealthChecks() map[string]health.CheckFunc
}

// GRPCServerAware is an optional interface for services that register
// handlers on the shared gRPC server
type GRPCServerAware interface {
	SetGRPCServer(server *grpc.Server)
}

// LoggerAware is an optional interface for services that need the logger
type LoggerAware interface {
	SetLogger(logger *logger.Logger)
}

// BaseService provides the common runtime for the hub process
type BaseService struct {
	Name       string
	Version    string
	InstanceID string

	Port int

	Logger        *logger.Logger
	Config        *config.Config
	HealthChecker *health.Checker

	grpcServer   *grpc.Server
	healthServer *grpchealth.Server
	listener     net.Listener

	mu        sync.RWMutex
	stopCh    chan struct{}
	stoppedCh chan struct{}

	impl Service
}

// NewBaseService creates a new base service instance
func NewBaseService(name, version string, port int, cfg *config.Config, impl Service) *BaseService {
	return &BaseService{
		Name:          name,
		Version:       version,
		InstanceID:    uuid.New().String(),
		Port:          port,
		Logger:        logger.New(name, version),
		Config:        cfg,
		HealthChecker: health.NewChecker(),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
		impl:          impl,
	}
}

// Run starts the service and blocks until shutdown
func (s *BaseService) Run(ctx context.Context) error {
	if err := s.startGRPCServer(); err != nil {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	if gRPCAware, ok := s.impl.(GRPCServerAware); ok {
		gRPCAware.SetGRPCServer(s.grpcServer)
	}
	if loggerAware, ok := s.impl.(LoggerAware); ok {
		loggerAware.SetLogger(s.Logger)
	}

	if err := s.impl.Initialize(ctx, s.Config); err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	s.startServing()

	go s.healthCheckLoop(ctx)

	if err := s.impl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	s.Logger.Infof("Service started successfully")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		s.Logger.Infof("Received shutdown signal")
	case <-s.stopCh:
		s.Logger.Infof("Received stop command")
	case <-ctx.Done():
		s.Logger.Infof("Context cancelled")
	}

	return s.shutdown(ctx)
}

// Stop requests a graceful shutdown
func (s *BaseService) Stop() {
	close(s.stopCh)
}

func (s *BaseService) startGRPCServer() error {
	maxRetries := 3
	retryDelay := time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.Port))
		if err != nil {
			if attempt < maxRetries {
				s.Logger.Warnf("Failed to bind to port %d (attempt %d/%d): %v, retrying...", s.Port, attempt, maxRetries, err)
				time.Sleep(retryDelay)
				retryDelay *= 2
				continue
			}
			return fmt.Errorf("failed to listen on port %d after %d attempts: %w", s.Port, maxRetries, err)
		}

		var opts []grpc.ServerOption
		opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 15 * time.Second,
			MaxConnectionAge:  30 * time.Second,
			Time:              5 * time.Second,
			Timeout:           1 * time.Second,
		}))

		s.grpcServer = grpc.NewServer(opts...)

		s.healthServer = grpchealth.NewServer()
		grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthServer)

		s.Logger.Infof("gRPC server created on port %d", s.Port)

		s.listener = lis
		return nil
	}

	return fmt.Errorf("failed to start gRPC server after %d attempts", maxRetries)
}

// startServing begins serving gRPC requests after all handlers are registered
func (s *BaseService) startServing() {
	if s.grpcServer != nil && s.listener != nil {
		s.Logger.Infof("Starting gRPC server on port %d", s.Port)

		go func() {
			if err := s.grpcServer.Serve(s.listener); err != nil {
				s.Logger.Errorf("Failed to serve: %v", err)
			}
		}()
	}
}

func (s *BaseService) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	checks := s.impl.HealthChecks()

	for {
		select {
		case <-ticker.C:
			for name, checkFunc := range checks {
				s.HealthChecker.RunCheck(name, checkFunc)
			}
			s.publishHealth()
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

// publishHealth mirrors the checker's overall status into the standard
// gRPC health service so external probes see one authoritative answer.
func (s *BaseService) publishHealth() {
	if s.healthServer == nil {
		return
	}

	status := grpc_health_v1.HealthCheckResponse_SERVING
	if s.HealthChecker.GetOverallStatus() == health.StatusUnhealthy {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.healthServer.SetServingStatus(s.Name, status)
	s.healthServer.SetServingStatus("", status)
}

func (s *BaseService) shutdown(ctx context.Context) error {
	gracePeriod := 30 * time.Second

	stopCtx, cancel := context.WithTimeout(ctx, gracePeriod)
	defer cancel()

	if err := s.impl.Stop(stopCtx, gracePeriod); err != nil {
		s.Logger.Errorf("Error stopping service implementation: %v", err)
	}

	if s.healthServer != nil {
		s.healthServer.Shutdown()
	}

	if s.grpcServer != nil {
		done := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(gracePeriod):
			s.Logger.Warnf("Graceful stop timed out, forcing stop")
			s.grpcServer.Stop()
		}
	}

	s.Logger.Infof("Service stopped")
	return nil
}
