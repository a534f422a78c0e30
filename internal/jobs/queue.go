// Package jobs carries lifecycle operations as asynchronous jobs over the
// event bus and runs them on workers.
package jobs

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/global-data-controller/wesflow/internal/eventbus"
	"github.com/global-data-controller/wesflow/internal/models"
)

// Kind names the operation a job performs
type Kind string

const (
	KindPrepare  Kind = "prepare"
	KindSubmit   Kind = "submit"
	KindPoll     Kind = "poll"
	KindCancel   Kind = "cancel"
	KindComplete Kind = "complete"
	KindCleanup  Kind = "cleanup"
)

// AllKinds lists every job kind
var AllKinds = []Kind{KindPrepare, KindSubmit, KindPoll, KindCancel, KindComplete, KindCleanup}

var kindEventTypes = map[Kind]eventbus.EventType{
	KindPrepare:  eventbus.EventTypeJobPrepare,
	KindSubmit:   eventbus.EventTypeJobSubmit,
	KindPoll:     eventbus.EventTypeJobPoll,
	KindCancel:   eventbus.EventTypeJobCancel,
	KindComplete: eventbus.EventTypeJobComplete,
	KindCleanup:  eventbus.EventTypeJobCleanup,
}

// EventType returns the bus event type that carries jobs of this kind
func (k Kind) EventType() eventbus.EventType {
	return kindEventTypes[k]
}

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	_, ok := kindEventTypes[k]
	return ok
}

// KindForEventType maps a job event type back to its kind
func KindForEventType(t eventbus.EventType) (Kind, bool) {
	for kind, et := range kindEventTypes {
		if et == t {
			return kind, true
		}
	}
	return "", false
}

// Job asks for one operation on one execution
type Job struct {
	Kind        Kind
	ExecutionID string
	Principal   models.Principal
	Attempt     int
}

// Queue accepts jobs for asynchronous execution
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// BusQueue publishes jobs as events on the event bus
type BusQueue struct {
	bus    eventbus.EventBus
	source string
	logger *zap.Logger
}

// NewBusQueue creates a queue on top of bus
func NewBusQueue(bus eventbus.EventBus, source string, logger *zap.Logger) *BusQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if source == "" {
		source = "wesflow"
	}
	return &BusQueue{bus: bus, source: source, logger: logger}
}

// Enqueue publishes the job and waits for the bus to accept it
func (q *BusQueue) Enqueue(ctx context.Context, job Job) error {
	if !job.Kind.Valid() {
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
	if job.ExecutionID == "" {
		return fmt.Errorf("job %s has no execution ID", job.Kind)
	}

	event := eventbus.NewJobEvent(job.Kind.EventType(), q.source, &eventbus.JobRequestedEvent{
		ExecutionID: job.ExecutionID,
		PrincipalID: job.Principal.ID,
		Roles:       job.Principal.Roles,
		Automation:  job.Principal.Automation,
		Attempt:     job.Attempt,
	}, traceID(ctx))

	if err := q.bus.PublishEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to enqueue %s job for %s: %w", job.Kind, job.ExecutionID, err)
	}

	q.logger.Debug("Job enqueued",
		zap.String("kind", string(job.Kind)),
		zap.String("execution_id", job.ExecutionID),
		zap.String("event_id", event.ID))
	return nil
}

// JobFromEvent decodes a job request event
func JobFromEvent(event *eventbus.Event) (Job, error) {
	kind, ok := KindForEventType(event.Type)
	if !ok {
		return Job{}, fmt.Errorf("event type %s does not carry a job", event.Type)
	}

	var data eventbus.JobRequestedEvent
	if err := eventbus.ParseEventData(event, &data); err != nil {
		return Job{}, err
	}
	if data.ExecutionID == "" {
		return Job{}, fmt.Errorf("job event %s has no execution ID", event.ID)
	}

	return Job{
		Kind:        kind,
		ExecutionID: data.ExecutionID,
		Principal: models.Principal{
			ID:         data.PrincipalID,
			Roles:      data.Roles,
			Automation: data.Automation,
		},
		Attempt: data.Attempt,
	}, nil
}

// MemoryQueue records jobs instead of running them
type MemoryQueue struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

// NewMemoryQueue creates an empty recording queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

// FailWith makes every following Enqueue return err. A nil err restores it.
func (q *MemoryQueue) FailWith(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

// Jobs returns a copy of the recorded jobs in enqueue order
func (q *MemoryQueue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.jobs))
	copy(out, q.jobs)
	return out
}

// Kinds returns the kinds of the recorded jobs for one execution
func (q *MemoryQueue) Kinds(executionID string) []Kind {
	q.mu.Lock()
	defer q.mu.Unlock()
	var kinds []Kind
	for _, job := range q.jobs {
		if job.ExecutionID == executionID {
			kinds = append(kinds, job.Kind)
		}
	}
	return kinds
}

// Len returns the number of recorded jobs
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Reset drops every recorded job
func (q *MemoryQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = nil
}

func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
