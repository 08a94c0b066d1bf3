// Package engine wires the hub's stores, the share lifecycle manager and
// the outbox dispatcher into one runnable service.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/datafedhq/datafed/internal/content"
	"github.com/datafedhq/datafed/internal/event"
	"github.com/datafedhq/datafed/internal/federation"
	"github.com/datafedhq/datafed/internal/inbox"
	"github.com/datafedhq/datafed/internal/outbox"
	"github.com/datafedhq/datafed/internal/outbox/backend"
	"github.com/datafedhq/datafed/internal/permission"
	"github.com/datafedhq/datafed/internal/share"
	"github.com/datafedhq/datafed/pkg/config"
	"github.com/datafedhq/datafed/pkg/database"
	"github.com/datafedhq/datafed/pkg/logger"
)

type Engine struct {
	config     *config.Config
	logger     *logger.Logger
	grpcServer *grpc.Server

	db    *database.PostgreSQL
	redis *database.Redis

	directory  *federation.Directory
	nodes      federation.Store
	manager    *share.Manager
	dispatcher *outbox.Dispatcher
	outboxes   outbox.Store
	shares     share.Store
	grants     permission.Engine
	contents   content.Store
	inbox      *inbox.MemoryStore

	state struct {
		sync.Mutex
		isRunning bool
	}

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

func NewEngine(cfg *config.Config) *Engine {
	return &Engine{config: cfg}
}

// SetLogger sets the logger for the engine
func (e *Engine) SetLogger(logger *logger.Logger) {
	e.logger = logger
}

// SetGRPCServer sets the shared gRPC server. The engine has no custom
// API of its own yet; the shared server carries the standard health
// service.
func (e *Engine) SetGRPCServer(server *grpc.Server) {
	e.grpcServer = server
}

func (e *Engine) Start(ctx context.Context) error {
	e.state.Lock()
	defer e.state.Unlock()

	if e.state.isRunning {
		return fmt.Errorf("engine is already running")
	}

	if err := e.connect(ctx); err != nil {
		return err
	}
	if err := e.wire(ctx); err != nil {
		return err
	}

	interval := e.config.GetDuration("federation.outbox.sweep_interval", 30*time.Second)
	sweepCtx, cancel := context.WithCancel(context.Background())
	e.sweepCancel = cancel
	e.sweepDone = make(chan struct{})
	go func() {
		defer close(e.sweepDone)
		e.dispatcher.Run(sweepCtx, interval)
	}()

	e.state.isRunning = true
	return nil
}

// connect opens the storage backends. storage.mode=memory runs the whole
// hub without external services, for development and tests.
func (e *Engine) connect(ctx context.Context) error {
	if e.config.GetDefault("storage.mode", "postgres") != "postgres" {
		return nil
	}

	if err := database.Initialize(ctx, database.FromGlobalConfig(e.config)); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	e.db = database.GetInstance()

	if e.config.GetBool("redis.enabled") {
		redisClient, err := database.NewRedis(ctx, database.RedisFromGlobalConfig(e.config))
		if err != nil {
			e.logger.Warnf("Redis unavailable, directory cache disabled: %v", err)
		} else {
			e.redis = redisClient
		}
	}
	return nil
}

func (e *Engine) wire(ctx context.Context) error {
	localNodeID := e.config.Get("node.id")
	origin := e.config.Get("node.identity")
	if localNodeID == "" || origin == "" {
		return fmt.Errorf("node.id and node.identity must be configured")
	}

	var contentStore content.Store
	var grants permission.Engine
	var shares share.Store
	var outboxStore outbox.Store
	var nodes federation.Store
	var events event.Recorder

	if e.db != nil {
		contentStore = content.NewPostgresStore(e.db, e.logger)
		grants = permission.NewPostgresEngine(e.db, e.logger)
		shares = share.NewPostgresStore(e.db, e.logger)
		outboxStore = outbox.NewPostgresStore(e.db, e.logger)
		nodes = federation.NewPostgresStore(e.db, e.logger)
		events = event.NewPostgresRecorder(e.db, e.logger)
	} else {
		contentStore = content.NewMemoryStore()
		grants = permission.NewMemoryEngine()
		shares = share.NewMemoryStore()
		outboxStore = outbox.NewMemoryStore()
		nodes = federation.NewMemoryStore()
		events = event.NewMemoryRecorder()
	}
	e.grants = grants
	e.shares = shares
	e.outboxes = outboxStore
	e.nodes = nodes
	e.contents = contentStore

	var dirOpts []federation.DirectoryOption
	if e.redis != nil {
		ttl := e.config.GetDuration("federation.directory.cache_ttl", 5*time.Minute)
		dirOpts = append(dirOpts, federation.WithCache(e.redis, ttl))
	}
	e.directory = federation.NewDirectory(nodes, localNodeID, e.logger, dirOpts...)

	e.inbox = inbox.NewMemoryStore()

	point, broadcast, err := backend.Resolve(backend.Deps{
		Config:    e.config,
		Directory: e.directory,
		Receiver:  e.inbox,
		Logger:    e.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to resolve outbox backends: %w", err)
	}
	local := outbox.Backend(nil)
	if b, err := backend.Build("local", backend.Deps{Directory: e.directory, Receiver: e.inbox, Logger: e.logger}); err == nil {
		local = b
	}

	e.dispatcher = outbox.NewDispatcher(outboxStore, e.directory, point, broadcast, local, e.logger)

	selector := content.NewSelector(contentStore, e.logger)
	e.manager = share.NewManager(shares, selector, grants, e.dispatcher, events, origin, e.logger,
		share.WithWorkflowProfiles(
			e.config.Get("federation.outbox.workflow.announce_profile"),
			e.config.Get("federation.outbox.workflow.retract_profile")))
	return nil
}

func (e *Engine) Stop(ctx context.Context) error {
	e.state.Lock()
	defer e.state.Unlock()

	if !e.state.isRunning {
		return nil
	}

	if e.sweepCancel != nil {
		e.sweepCancel()
		select {
		case <-e.sweepDone:
		case <-ctx.Done():
			e.logger.Warnf("Outbox sweep did not finish before shutdown deadline")
		}
	}

	if e.redis != nil {
		e.redis.Close()
	}
	if e.db != nil {
		e.db.Close()
	}

	e.state.isRunning = false
	return nil
}

// Manager returns the share lifecycle manager
func (e *Engine) Manager() *share.Manager {
	return e.manager
}

// Dispatcher returns the outbox dispatcher
func (e *Engine) Dispatcher() *outbox.Dispatcher {
	return e.dispatcher
}

// Nodes returns the federation node store
func (e *Engine) Nodes() federation.Store {
	return e.nodes
}

// OutboxStore returns the outbox message store
func (e *Engine) OutboxStore() outbox.Store {
	return e.outboxes
}

// Content returns the content store
func (e *Engine) Content() content.Store {
	return e.contents
}

func (e *Engine) GetMetrics() map[string]int64 {
	if e.dispatcher == nil {
		return nil
	}
	m := e.dispatcher.CollectMetrics()
	return map[string]int64{
		"messages_dispatched": m.Dispatched,
		"messages_delivered":  m.Delivered,
		"messages_failed":     m.Failed,
	}
}

func (e *Engine) CheckHealth() error {
	e.state.Lock()
	defer e.state.Unlock()

	if !e.state.isRunning {
		return fmt.Errorf("service not initialized")
	}
	return nil
}

func (e *Engine) CheckDatabase() error {
	if e.db == nil {
		// memory mode has nothing to probe
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return e.db.Pool().Ping(ctx)
}
