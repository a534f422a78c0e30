package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/global-data-controller/wesflow/internal/auth"
	"github.com/global-data-controller/wesflow/internal/blobstore"
	"github.com/global-data-controller/wesflow/internal/engine"
	"github.com/global-data-controller/wesflow/internal/eventbus"
	"github.com/global-data-controller/wesflow/internal/jobs"
	"github.com/global-data-controller/wesflow/internal/lock"
	"github.com/global-data-controller/wesflow/internal/logging"
	"github.com/global-data-controller/wesflow/internal/orchestrator"
	"github.com/global-data-controller/wesflow/internal/scheduler"
	"github.com/global-data-controller/wesflow/internal/service"
	"github.com/global-data-controller/wesflow/internal/storage"
	"github.com/global-data-controller/wesflow/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. WESFLOW_ENGINE_BASE_URL
const EnvPrefix = "WESFLOW"

// Backend names shared by the database, blobstore and lock sections
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
	BackendRedis    = "redis"
)

// Config holds the application configuration
type Config struct {
	Logging   logging.LoggingConfig     `mapstructure:"logging"`
	Telemetry telemetry.TelemetryConfig `mapstructure:"telemetry"`
	Server    ServerConfig              `mapstructure:"server"`
	Database  DatabaseConfig            `mapstructure:"database"`
	BlobStore BlobStoreConfig           `mapstructure:"blobstore"`
	Engine    engine.Config             `mapstructure:"engine"`
	EventBus  eventbus.Config           `mapstructure:"eventbus"`
	Lock      lock.Config               `mapstructure:"lock"`
	Scheduler scheduler.Config          `mapstructure:"scheduler"`
	Worker    jobs.WorkerConfig         `mapstructure:"worker"`
	Authz     auth.Config               `mapstructure:"authz"`
	Cleanup   orchestrator.RetryConfig  `mapstructure:"cleanup"`
	Service   service.Config            `mapstructure:"service"`
}

// ServerConfig holds the operational HTTP and gRPC listeners
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the execution and checkpoint store
type DatabaseConfig struct {
	Backend                string `mapstructure:"backend"`
	storage.DatabaseConfig `mapstructure:",squash"`
}

// BlobStoreConfig selects the blob store
type BlobStoreConfig struct {
	Backend string             `mapstructure:"backend"`
	S3      blobstore.S3Config `mapstructure:"s3"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	return LoadFromFile("")
}

// LoadFromFile loads configuration from a specific file. Without a file,
// config.yaml is searched in ., ./configs and /etc/wesflow; a missing file
// is not an error.
func LoadFromFile(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/wesflow")

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks backend names and the settings each backend needs
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database backend %q", c.Database.Backend))
	}

	switch c.BlobStore.Backend {
	case BackendMemory:
	case BackendS3:
		if c.BlobStore.S3.Endpoint == "" || c.BlobStore.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("blobstore.s3.endpoint and blobstore.s3.bucket are required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blobstore backend %q", c.BlobStore.Backend))
	}

	switch c.Lock.Backend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown lock backend %q", c.Lock.Backend))
	}

	if err := c.EventBus.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.Engine.BaseURL == "" {
		errs = append(errs, fmt.Errorf("engine.base_url is required"))
	}

	if c.Scheduler.Enabled {
		for _, expr := range []string{c.Scheduler.PollSchedule, c.Scheduler.CompleteSchedule, c.Scheduler.CleanupSchedule} {
			if _, err := scheduler.ParseSchedule(expr); err != nil {
				errs = append(errs, fmt.Errorf("invalid scheduler schedule %q: %w", expr, err))
			}
		}
	}

	// the lock has no renewal, so it must outlive the longest job
	if c.Worker.Enabled && c.Worker.Timeout > 0 && c.Service.LockTTL < c.Worker.Timeout {
		errs = append(errs, fmt.Errorf("service.lock_ttl (%s) must be at least worker.timeout (%s)", c.Service.LockTTL, c.Worker.Timeout))
	}

	for _, kind := range c.Worker.Kinds {
		if !jobs.Kind(kind).Valid() {
			errs = append(errs, fmt.Errorf("unknown worker job kind %q", kind))
		}
	}

	return errors.Join(errs...)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
	v.SetDefault("logging.error_path", "stderr")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "wesflow")
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.jaeger_endpoint", "")
	v.SetDefault("telemetry.sample_rate", 1.0)

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.backend", BackendMemory)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)

	// Blob store defaults
	v.SetDefault("blobstore.backend", BackendMemory)
	v.SetDefault("blobstore.s3.endpoint", "")
	v.SetDefault("blobstore.s3.access_key", "")
	v.SetDefault("blobstore.s3.secret_key", "")
	v.SetDefault("blobstore.s3.bucket", "wesflow")
	v.SetDefault("blobstore.s3.region", "us-east-1")
	v.SetDefault("blobstore.s3.use_ssl", true)

	// Execution engine defaults
	v.SetDefault("engine.base_url", "http://localhost:8000/ga4gh/wes/v1")
	v.SetDefault("engine.timeout", "30s")
	v.SetDefault("engine.rate_limit", 10.0)
	v.SetDefault("engine.burst", 20)

	// Event bus defaults
	nats := eventbus.DefaultNATSConfig()
	memory := eventbus.DefaultMemoryConfig()
	v.SetDefault("eventbus.type", "memory")
	v.SetDefault("eventbus.nats.url", nats.URL)
	v.SetDefault("eventbus.nats.stream_name", nats.StreamName)
	v.SetDefault("eventbus.nats.stream_subjects", nats.StreamSubjects)
	v.SetDefault("eventbus.nats.subject_prefix", nats.SubjectPrefix)
	v.SetDefault("eventbus.nats.consumer_prefix", nats.ConsumerPrefix)
	v.SetDefault("eventbus.nats.max_age", nats.MaxAge)
	v.SetDefault("eventbus.nats.max_bytes", nats.MaxBytes)
	v.SetDefault("eventbus.nats.max_msgs", nats.MaxMsgs)
	v.SetDefault("eventbus.nats.replicas", nats.Replicas)
	v.SetDefault("eventbus.nats.max_deliver", nats.MaxDeliver)
	v.SetDefault("eventbus.nats.duplicate_window", nats.DuplicateWindow)
	v.SetDefault("eventbus.nats.ack_wait", nats.AckWait)
	v.SetDefault("eventbus.nats.fetch_batch", nats.FetchBatch)
	v.SetDefault("eventbus.nats.fetch_wait", nats.FetchWait)
	v.SetDefault("eventbus.nats.connect_timeout", nats.ConnectTimeout)
	v.SetDefault("eventbus.nats.reconnect_wait", nats.ReconnectWait)
	v.SetDefault("eventbus.nats.max_reconnect_attempts", nats.MaxReconnectAttempts)
	v.SetDefault("eventbus.memory.buffer_size", memory.BufferSize)
	v.SetDefault("eventbus.memory.max_deliver", memory.MaxDeliver)
	v.SetDefault("eventbus.memory.retry_interval", memory.RetryInterval)

	// Lock defaults
	v.SetDefault("lock.backend", BackendMemory)
	v.SetDefault("lock.addr", "localhost:6379")
	v.SetDefault("lock.password", "")
	v.SetDefault("lock.db", 0)
	v.SetDefault("lock.key_prefix", "wesflow:lock:")
	v.SetDefault("lock.ttl", "5m")

	// Scheduler defaults
	sched := scheduler.DefaultConfig()
	v.SetDefault("scheduler.enabled", sched.Enabled)
	v.SetDefault("scheduler.poll_schedule", sched.PollSchedule)
	v.SetDefault("scheduler.complete_schedule", sched.CompleteSchedule)
	v.SetDefault("scheduler.cleanup_schedule", sched.CleanupSchedule)
	v.SetDefault("scheduler.batch_size", sched.BatchSize)
	v.SetDefault("scheduler.inflight_window", sched.InflightWindow)

	// Worker defaults
	worker := jobs.DefaultWorkerConfig()
	v.SetDefault("worker.enabled", worker.Enabled)
	v.SetDefault("worker.kinds", []string{})
	v.SetDefault("worker.timeout", worker.Timeout)

	// Authorization defaults
	authz := auth.DefaultConfig()
	v.SetDefault("authz.admin_roles", authz.AdminRoles)
	v.SetDefault("authz.automation_roles", authz.AutomationRoles)
	v.SetDefault("authz.automation_actions", authz.AutomationActions)
	v.SetDefault("authz.policy", "")

	// Cleanup step retry defaults
	retry := orchestrator.DefaultRetryConfig()
	v.SetDefault("cleanup.max_attempts", retry.MaxAttempts)
	v.SetDefault("cleanup.initial_delay", retry.InitialDelay)
	v.SetDefault("cleanup.max_delay", retry.MaxDelay)
	v.SetDefault("cleanup.backoff_factor", retry.BackoffFactor)
	v.SetDefault("cleanup.jitter", retry.Jitter)

	// Service defaults
	svc := service.DefaultConfig()
	v.SetDefault("service.auto_prepare", svc.AutoPrepare)
	v.SetDefault("service.lock_ttl", svc.LockTTL)
	v.SetDefault("service.source", svc.Source)
}
