package engine

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"

	"github.com/datafedhq/datafed/pkg/config"
	"github.com/datafedhq/datafed/pkg/health"
	"github.com/datafedhq/datafed/pkg/logger"
)

type Service struct {
	engine     *Engine
	config     *config.Config
	grpcServer *grpc.Server
	logger     *logger.Logger
}

func NewService() *Service {
	return &Service{}
}

// SetLogger implements the service.LoggerAware interface
func (s *Service) SetLogger(logger *logger.Logger) {
	s.logger = logger
	if s.engine != nil {
		s.engine.SetLogger(logger)
	}
}

// SetGRPCServer implements the GRPCServerAware interface
func (s *Service) SetGRPCServer(server *grpc.Server) {
	s.grpcServer = server
	if s.engine != nil {
		s.engine.SetGRPCServer(server)
	}
}

func (s *Service) Initialize(ctx context.Context, cfg *config.Config) error {
	s.config = cfg

	cfg.SetRestartKeys([]string{
		"storage.mode",
		"database.host",
		"database.port",
		"federation.outbox.backend",
		"federation.outbox.broadcast_backend",
		"node.id",
		"node.identity",
	})

	s.engine = NewEngine(cfg)

	if s.logger != nil {
		s.engine.SetLogger(s.logger)
	}
	if s.grpcServer != nil {
		s.engine.SetGRPCServer(s.grpcServer)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	return s.engine.Start(ctx)
}

func (s *Service) Stop(ctx context.Context, gracePeriod time.Duration) error {
	if s.engine != nil {
		stopCtx, cancel := context.WithTimeout(ctx, gracePeriod)
		defer cancel()
		return s.engine.Stop(stopCtx)
	}
	return nil
}

func (s *Service) CollectMetrics() map[string]int64 {
	if s.engine == nil {
		return nil
	}
	return s.engine.GetMetrics()
}

func (s *Service) HealthChecks() map[string]health.CheckFunc {
	return map[string]health.CheckFunc{
		"engine":   s.checkEngine,
		"database": s.checkDatabase,
	}
}

func (s *Service) checkEngine() error {
	if s.engine == nil {
		return fmt.Errorf("service not initialized")
	}
	return s.engine.CheckHealth()
}

func (s *Service) checkDatabase() error {
	if s.engine == nil {
		return fmt.Errorf("service not initialized")
	}
	return s.engine.CheckDatabase()
}

// Engine exposes the wired engine for in-process callers such as the CLI
func (s *Service) Engine() *Engine {
	return s.engine
}
