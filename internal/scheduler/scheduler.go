package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/global-data-controller/wesflow/internal/jobs"
	"github.com/global-data-controller/wesflow/internal/logging"
	"github.com/global-data-controller/wesflow/internal/models"
	"github.com/global-data-controller/wesflow/internal/orchestrator"
	"github.com/global-data-controller/wesflow/internal/service"
	"github.com/global-data-controller/wesflow/internal/storage"
	"github.com/global-data-controller/wesflow/internal/telemetry"
)

// Sweep names one periodic scan of the execution store
type Sweep string

const (
	SweepPoll     Sweep = "poll"
	SweepComplete Sweep = "complete"
	SweepCleanup  Sweep = "cleanup"
)

// Config holds scheduler configuration
type Config struct {
	Enabled          bool          `mapstructure:"enabled"`
	PollSchedule     string        `mapstructure:"poll_schedule"`
	CompleteSchedule string        `mapstructure:"complete_schedule"`
	CleanupSchedule  string        `mapstructure:"cleanup_schedule"`
	BatchSize        int           `mapstructure:"batch_size"`
	// InflightWindow suppresses a second job for the same execution and
	// kind until the window has passed
	InflightWindow time.Duration `mapstructure:"inflight_window"`
}

// DefaultConfig returns default scheduler configuration
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		PollSchedule:     "@every 30s",
		CompleteSchedule: "@every 1m",
		CleanupSchedule:  "@every 5m",
		BatchSize:        500,
		InflightWindow:   2 * time.Minute,
	}
}

// Checkpoints lists unfinished resumable tasks
type Checkpoints interface {
	Pending(ctx context.Context, prefix string) ([]*orchestrator.Checkpoint, error)
}

// parser accepts standard five-field expressions and descriptors such as "@every 30s"
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a cron expression
func ParseSchedule(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Scheduler periodically enqueues the jobs that move executions forward:
// polls for running runs, completion for finished ones and cleanup for
// terminal executions whose run directory is still around.
type Scheduler struct {
	store       storage.ExecutionStore
	queue       jobs.Queue
	checkpoints Checkpoints
	config      Config
	logger      logging.Logger
	now         func() time.Time

	mu       sync.Mutex
	cron     *cron.Cron
	inflight map[string]time.Time
}

// New creates a scheduler. checkpoints may be nil, in which case interrupted
// cleanups are only found through the store.
func New(store storage.ExecutionStore, queue jobs.Queue, checkpoints Checkpoints, config Config, logger logging.Logger) (*Scheduler, error) {
	if store == nil || queue == nil {
		return nil, fmt.Errorf("store and queue are required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	for _, expr := range []string{config.PollSchedule, config.CompleteSchedule, config.CleanupSchedule} {
		if _, err := ParseSchedule(expr); err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
		}
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}

	return &Scheduler{
		store:       store,
		queue:       queue,
		checkpoints: checkpoints,
		config:      config,
		logger:      logger,
		now:         time.Now,
		inflight:    make(map[string]time.Time),
	}, nil
}

// Start registers the sweeps and starts the cron loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	cronLogger := &cronLogger{ctx: ctx, logger: s.logger}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	schedules := map[Sweep]string{
		SweepPoll:     s.config.PollSchedule,
		SweepComplete: s.config.CompleteSchedule,
		SweepCleanup:  s.config.CleanupSchedule,
	}
	for sweep, expr := range schedules {
		if _, err := c.AddFunc(expr, func() {
			if _, err := s.Run(ctx, sweep); err != nil {
				s.logger.Error(ctx, "Sweep failed", zap.String("sweep", string(sweep)), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule %s sweep: %w", sweep, err)
		}
	}

	c.Start()
	s.cron = c
	s.logger.Info(ctx, "Scheduler started",
		zap.String("poll_schedule", s.config.PollSchedule),
		zap.String("complete_schedule", s.config.CompleteSchedule),
		zap.String("cleanup_schedule", s.config.CleanupSchedule))
	return nil
}

// Stop stops the cron loop and waits for running sweeps
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// Run performs one sweep and returns how many jobs it enqueued
func (s *Scheduler) Run(ctx context.Context, sweep Sweep) (int, error) {
	start := time.Now()
	s.mu.Lock()
	s.pruneLocked(s.now())
	s.mu.Unlock()

	var (
		n   int
		err error
	)
	switch sweep {
	case SweepPoll:
		n, err = s.sweepStates(ctx, jobs.KindPoll, models.StateSubmitted, models.StateRunning, models.StateCanceling)
	case SweepComplete:
		n, err = s.sweepStates(ctx, jobs.KindComplete, models.StateCompleting)
	case SweepCleanup:
		n, err = s.sweepCleanup(ctx)
	default:
		return 0, fmt.Errorf("unknown sweep %q", sweep)
	}

	_ = telemetry.RecordDuration(ctx, "wesflow_sweep", start, attribute.String("sweep", string(sweep)))
	if n > 0 || err != nil {
		s.logger.Info(ctx, "Sweep finished",
			zap.String("sweep", string(sweep)),
			zap.Int("enqueued", n),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	}
	return n, err
}

// RunAll performs every sweep once
func (s *Scheduler) RunAll(ctx context.Context) (int, error) {
	total := 0
	for _, sweep := range []Sweep{SweepPoll, SweepComplete, SweepCleanup} {
		n, err := s.Run(ctx, sweep)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Scheduler) sweepStates(ctx context.Context, kind jobs.Kind, states ...models.State) (int, error) {
	executions, err := s.store.List(ctx, storage.ExecutionFilter{States: states, Limit: s.config.BatchSize})
	if err != nil {
		return 0, fmt.Errorf("failed to list executions: %w", err)
	}

	enqueued := 0
	for _, exec := range executions {
		if ctx.Err() != nil {
			return enqueued, ctx.Err()
		}
		if kind == jobs.KindPoll && exec.RunID == "" {
			continue
		}
		if s.enqueue(ctx, kind, exec.ID) {
			enqueued++
		}
	}
	return enqueued, nil
}

func (s *Scheduler) sweepCleanup(ctx context.Context) (int, error) {
	executions, err := s.store.List(ctx, storage.ExecutionFilter{
		States:          []models.State{models.StateFinalized, models.StateCompleted, models.StateCanceled, models.StateError},
		Cleaned:         storage.Bool(false),
		HasRunDirectory: storage.Bool(true),
		Limit:           s.config.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list executions: %w", err)
	}

	enqueued := 0
	for _, exec := range executions {
		if s.enqueue(ctx, jobs.KindCleanup, exec.ID) {
			enqueued++
		}
	}

	if s.checkpoints == nil {
		return enqueued, nil
	}

	// checkpoints left behind by interrupted cleanups, including those of
	// executions that were destroyed meanwhile
	pending, err := s.checkpoints.Pending(ctx, service.CleanupTaskPrefix)
	if err != nil {
		return enqueued, fmt.Errorf("failed to list pending cleanups: %w", err)
	}
	for _, cp := range pending {
		id, ok := service.ExecutionIDFromTask(cp.TaskID)
		if !ok {
			continue
		}
		if s.enqueue(ctx, jobs.KindCleanup, id) {
			enqueued++
		}
	}
	return enqueued, nil
}

// enqueue sends the job unless the same job was sent within the inflight window
func (s *Scheduler) enqueue(ctx context.Context, kind jobs.Kind, executionID string) bool {
	key := string(kind) + ":" + executionID
	now := s.now()

	s.mu.Lock()
	if until, ok := s.inflight[key]; ok && now.Before(until) {
		s.mu.Unlock()
		return false
	}
	s.inflight[key] = now.Add(s.config.InflightWindow)
	s.mu.Unlock()

	job := jobs.Job{Kind: kind, ExecutionID: executionID, Principal: models.SystemPrincipal}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
		s.logger.Warn(ctx, "Failed to enqueue job",
			zap.String("kind", string(kind)),
			zap.String("execution_id", executionID),
			zap.Error(err))
		return false
	}
	_ = telemetry.IncrementCounter(ctx, "wesflow_scheduled_jobs_total", attribute.String("kind", string(kind)))
	return true
}

func (s *Scheduler) pruneLocked(now time.Time) {
	for key, until := range s.inflight {
		if !now.Before(until) {
			delete(s.inflight, key)
		}
	}
}

// cronLogger adapts logging.Logger to cron.Logger
type cronLogger struct {
	ctx    context.Context
	logger logging.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(l.ctx, "cron: "+msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(l.ctx, "cron: "+msg, zap.Error(err), zap.Any("details", keysAndValues))
}
