package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/global-data-controller/wesflow/internal/eventbus"
	"github.com/global-data-controller/wesflow/internal/telemetry"
)

// Handler runs one job. A returned error asks the bus to deliver it again;
// outcomes that must not be retried are reported as nil.
type Handler interface {
	HandleJob(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) HandleJob(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// WorkerConfig tunes job consumption
type WorkerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Kinds limits the worker to some job kinds; empty means all
	Kinds   []string      `mapstructure:"kinds"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultWorkerConfig consumes every job kind with a ten minute budget
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Enabled: true,
		Timeout: 10 * time.Minute,
	}
}

// Worker subscribes to job events and hands them to a Handler
type Worker struct {
	bus     eventbus.EventBus
	handler Handler
	config  WorkerConfig
	logger  *zap.Logger

	mu         sync.Mutex
	subscribed []eventbus.EventType
}

// NewWorker creates a worker; call Start to begin consuming
func NewWorker(bus eventbus.EventBus, handler Handler, config WorkerConfig, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		bus:     bus,
		handler: handler,
		config:  config,
		logger:  logger,
	}
}

// Start subscribes to the configured job kinds
func (w *Worker) Start(ctx context.Context) error {
	kinds, err := w.kinds()
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.subscribed) > 0 {
		return fmt.Errorf("worker already started")
	}

	for _, kind := range kinds {
		eventType := kind.EventType()
		if err := w.bus.SubscribeToEventType(ctx, eventType, eventbus.EventHandlerFunc(w.handle)); err != nil {
			w.unsubscribeLocked()
			return fmt.Errorf("failed to subscribe to %s: %w", eventType, err)
		}
		w.subscribed = append(w.subscribed, eventType)
	}

	w.logger.Info("Job worker started", zap.Int("kinds", len(kinds)))
	return nil
}

// Stop unsubscribes from every job kind
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unsubscribeLocked()
	w.logger.Info("Job worker stopped")
	return nil
}

func (w *Worker) unsubscribeLocked() {
	for _, eventType := range w.subscribed {
		if err := w.bus.UnsubscribeFromEventType(eventType); err != nil {
			w.logger.Warn("Failed to unsubscribe", zap.String("event_type", string(eventType)), zap.Error(err))
		}
	}
	w.subscribed = nil
}

func (w *Worker) kinds() ([]Kind, error) {
	if len(w.config.Kinds) == 0 {
		return AllKinds, nil
	}
	kinds := make([]Kind, 0, len(w.config.Kinds))
	for _, name := range w.config.Kinds {
		kind := Kind(name)
		if !kind.Valid() {
			return nil, fmt.Errorf("unknown job kind %q", name)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func (w *Worker) handle(ctx context.Context, event *eventbus.Event) error {
	job, err := JobFromEvent(event)
	if err != nil {
		// a malformed job never gets better on redelivery
		w.logger.Error("Dropping malformed job event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		_ = telemetry.IncrementCounter(ctx, "wesflow_jobs_total",
			attribute.String("kind", string(event.Type)), attribute.String("outcome", "malformed"))
		return nil
	}
	if d, ok := eventbus.DeliveryFromContext(ctx); ok && d.Attempt > job.Attempt {
		job.Attempt = d.Attempt
	}

	jobCtx := ctx
	if w.config.Timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.config.Timeout)
		defer cancel()
	}

	jobCtx, span := telemetry.StartSpan(jobCtx, "job."+string(job.Kind))
	defer span.End()

	start := time.Now()
	err = w.handler.HandleJob(jobCtx, job)

	outcome := "ok"
	if err != nil {
		outcome = "retry"
	}
	_ = telemetry.IncrementCounter(ctx, "wesflow_jobs_total",
		attribute.String("kind", string(job.Kind)), attribute.String("outcome", outcome))
	_ = telemetry.RecordDuration(ctx, "wesflow_job", start, attribute.String("kind", string(job.Kind)))

	if err != nil {
		fields := []zap.Field{
			zap.String("kind", string(job.Kind)),
			zap.String("execution_id", job.ExecutionID),
			zap.Int("attempt", job.Attempt),
			zap.Error(err),
		}
		if d, ok := eventbus.DeliveryFromContext(ctx); ok && d.Final {
			w.logger.Error("Job failed on final delivery", fields...)
		} else {
			w.logger.Warn("Job failed, will be redelivered", fields...)
		}
		return err
	}

	w.logger.Debug("Job done",
		zap.String("kind", string(job.Kind)),
		zap.String("execution_id", job.ExecutionID),
		zap.Duration("duration", time.Since(start)))
	return nil
}
