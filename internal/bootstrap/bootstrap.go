package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/global-data-controller/wesflow/internal/auth"
	"github.com/global-data-controller/wesflow/internal/blobstore"
	"github.com/global-data-controller/wesflow/internal/config"
	"github.com/global-data-controller/wesflow/internal/engine"
	"github.com/global-data-controller/wesflow/internal/eventbus"
	"github.com/global-data-controller/wesflow/internal/jobs"
	"github.com/global-data-controller/wesflow/internal/lock"
	"github.com/global-data-controller/wesflow/internal/logging"
	"github.com/global-data-controller/wesflow/internal/orchestrator"
	"github.com/global-data-controller/wesflow/internal/scheduler"
	"github.com/global-data-controller/wesflow/internal/server"
	"github.com/global-data-controller/wesflow/internal/service"
	"github.com/global-data-controller/wesflow/internal/storage"
	"github.com/global-data-controller/wesflow/internal/telemetry"
)

// pinger is implemented by backends that can report connectivity
type pinger interface {
	Ping(ctx context.Context) error
}

// Bootstrap wires the configured backends into the lifecycle service, the
// job worker, the scheduler and the operational server
type Bootstrap struct {
	Config    *config.Config
	Logger    logging.Logger
	Telemetry *telemetry.Telemetry

	Store       storage.ExecutionStore
	Checkpoints orchestrator.CheckpointStore
	Blobs       blobstore.Store
	Engine      engine.Client
	Bus         eventbus.EventBus
	Locker      lock.Locker
	Authorizer  auth.Authorizer
	Queue       jobs.Queue
	Runner      *orchestrator.Runner
	Service     *service.Service
	Worker      *jobs.Worker
	Scheduler   *scheduler.Scheduler
	Server      *server.Server

	zap     *zap.Logger
	checks  []server.Check
	closers []func() error
	started bool
}

// New creates a new bootstrap instance
func New() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads the configuration and wires every component
func (b *Bootstrap) Initialize(ctx context.Context, configFile string) error {
	cfg, err := b.loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return b.InitializeWithConfig(ctx, cfg)
}

// InitializeWithConfig wires every component from an already loaded configuration
func (b *Bootstrap) InitializeWithConfig(ctx context.Context, cfg *config.Config) error {
	b.Config = cfg

	logger, err := b.initLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	b.Logger = logger
	b.zap = zap.NewNop()
	if zl, ok := logger.(*logging.ZapLogger); ok {
		b.zap = zl.Zap()
	}

	logger.Info(ctx, "Configuration loaded successfully",
		zap.String("log_level", cfg.Logging.Level),
		zap.String("database", cfg.Database.Backend),
		zap.String("blobstore", cfg.BlobStore.Backend),
		zap.String("eventbus", cfg.EventBus.Type),
		zap.String("lock", cfg.Lock.Backend))

	tel, err := b.initTelemetry(cfg.Telemetry)
	if err != nil {
		logger.Error(ctx, "Failed to initialize telemetry", zap.Error(err))
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	b.Telemetry = tel

	if err := b.wire(ctx); err != nil {
		b.close(ctx)
		return err
	}
	return nil
}

func (b *Bootstrap) wire(ctx context.Context) error {
	cfg := b.Config

	if err := b.initStorage(ctx, cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := b.initBlobStore(ctx, cfg.BlobStore); err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}

	engineClient, err := engine.NewHTTPClient(cfg.Engine, b.zap)
	if err != nil {
		return fmt.Errorf("failed to initialize engine client: %w", err)
	}
	b.Engine = engineClient

	bus, err := eventbus.NewEventBusFromConfig(&cfg.EventBus, b.zap)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	b.Bus = bus
	b.addCheck("eventbus", bus)

	if err := b.initLock(ctx, cfg.Lock); err != nil {
		return fmt.Errorf("failed to initialize lock: %w", err)
	}

	authorizer, err := auth.NewOPAAuthorizer(ctx, cfg.Authz, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize authorizer: %w", err)
	}
	b.Authorizer = authorizer

	b.Queue = jobs.NewBusQueue(bus, cfg.Service.Source, b.zap)
	b.Runner = orchestrator.NewRunner(b.Checkpoints, b.Logger, cfg.Cleanup)

	svc, err := service.New(service.Dependencies{
		Store:      b.Store,
		Blobs:      b.Blobs,
		Engine:     b.Engine,
		Authorizer: b.Authorizer,
		Locker:     b.Locker,
		Queue:      b.Queue,
		Events:     bus,
		Runner:     b.Runner,
		Logger:     b.Logger,
	}, cfg.Service)
	if err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}
	b.Service = svc

	b.Worker = jobs.NewWorker(bus, svc, cfg.Worker, b.zap)

	sched, err := scheduler.New(b.Store, b.Queue, b.Runner, cfg.Scheduler, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	b.Scheduler = sched

	b.Server = server.New(cfg.Server, b.Telemetry, b.zap, b.checks...)
	return nil
}

func (b *Bootstrap) initStorage(ctx context.Context, cfg config.DatabaseConfig) error {
	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := storage.Open(ctx, cfg.DatabaseConfig)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, db.Close)

		if cfg.AutoMigrate {
			if err := storage.Migrate(ctx, db.DB); err != nil {
				return err
			}
			b.Logger.Info(ctx, "Database migrations applied")
		}

		store := storage.NewPostgresStore(db, b.Logger)
		b.Store = store
		b.Checkpoints = storage.NewPostgresCheckpointStore(db)
		b.addCheck("database", store)
	case config.BackendMemory:
		b.Store = storage.NewMemoryStore()
		b.Checkpoints = orchestrator.NewMemoryCheckpointStore()
		b.Logger.Warn(ctx, "Using in-memory execution store; state is lost on restart")
	default:
		return fmt.Errorf("unknown database backend %q", cfg.Backend)
	}
	return nil
}

func (b *Bootstrap) initBlobStore(ctx context.Context, cfg config.BlobStoreConfig) error {
	switch cfg.Backend {
	case config.BackendS3:
		store, err := blobstore.NewS3Store(ctx, cfg.S3, b.zap)
		if err != nil {
			return err
		}
		b.Blobs = store
	case config.BackendMemory:
		b.Blobs = blobstore.NewMemoryStore()
	default:
		return fmt.Errorf("unknown blobstore backend %q", cfg.Backend)
	}
	return nil
}

func (b *Bootstrap) initLock(ctx context.Context, cfg lock.Config) error {
	switch cfg.Backend {
	case config.BackendRedis:
		client, err := lock.NewRedisClient(ctx, cfg)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, client.Close)
		locker := lock.NewRedisLocker(client, cfg.KeyPrefix, b.Logger)
		b.Locker = locker
		b.addCheck("lock", locker)
	case config.BackendMemory:
		b.Locker = lock.NewMemoryLocker()
	default:
		return fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
	return nil
}

func (b *Bootstrap) addCheck(name string, component any) {
	if p, ok := component.(pinger); ok {
		b.checks = append(b.checks, server.Check{Name: name, Check: p.Ping})
	}
}

// Start starts the worker, the scheduler and the operational server
func (b *Bootstrap) Start(ctx context.Context) error {
	if b.Service == nil {
		return fmt.Errorf("bootstrap not initialized")
	}

	b.Logger.Info(ctx, "Starting wesflow components")

	if b.Config.Worker.Enabled {
		if err := b.Worker.Start(ctx); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
		b.Logger.Info(ctx, "Job worker started")
	}

	if b.Config.Scheduler.Enabled {
		if err := b.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	if err := b.Server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	b.started = true
	b.Logger.Info(ctx, "All components started successfully")
	return nil
}

// Stop stops all components gracefully
func (b *Bootstrap) Stop(ctx context.Context) error {
	if b.Logger == nil {
		return nil
	}

	b.Logger.Info(ctx, "Stopping wesflow components")

	var errs []error
	if b.started {
		if err := b.Server.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		b.Scheduler.Stop()
		if err := b.Worker.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop worker: %w", err))
		}
		b.started = false
	}

	errs = append(errs, b.close(ctx)...)

	if b.Telemetry != nil {
		if err := b.Telemetry.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop telemetry: %w", err))
		}
	}

	// sync fails on stdout/stderr on some platforms
	_ = b.Logger.Sync()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	b.Logger.Info(ctx, "All components stopped successfully")
	return nil
}

// close releases the event bus and the backend connections
func (b *Bootstrap) close(ctx context.Context) []error {
	var errs []error
	if b.Bus != nil {
		if err := b.Bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event bus: %w", err))
		}
		b.Bus = nil
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			b.Logger.Warn(ctx, "Failed to close backend", zap.Error(err))
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errs
}

// loadConfig loads the configuration from file and environment
func (b *Bootstrap) loadConfig(configFile string) (*config.Config, error) {
	if configFile != "" {
		return config.LoadFromFile(configFile)
	}
	return config.Load()
}

// initLogging initializes the logging system
func (b *Bootstrap) initLogging(cfg logging.LoggingConfig) (logging.Logger, error) {
	logger, err := logging.NewLogger(cfg)
	if err != nil {
		return nil, err
	}

	logging.SetGlobal(logger)
	return logger, nil
}

// initTelemetry initializes the telemetry system and installs it globally
func (b *Bootstrap) initTelemetry(cfg telemetry.TelemetryConfig) (*telemetry.Telemetry, error) {
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, err
	}
	telemetry.SetGlobalTelemetry(tel)
	return tel, nil
}
