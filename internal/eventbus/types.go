package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	// Job requests, one per lifecycle operation
	EventTypeJobPrepare  EventType = "job.prepare"
	EventTypeJobSubmit   EventType = "job.submit"
	EventTypeJobPoll     EventType = "job.poll"
	EventTypeJobCancel   EventType = "job.cancel"
	EventTypeJobComplete EventType = "job.complete"
	EventTypeJobCleanup  EventType = "job.cleanup"

	// Execution lifecycle notifications
	EventTypeExecutionTransitioned EventType = "execution.transitioned"
	EventTypeExecutionDestroyed    EventType = "execution.destroyed"
)

// JobEventTypes lists the event types that carry job requests
var JobEventTypes = []EventType{
	EventTypeJobPrepare,
	EventTypeJobSubmit,
	EventTypeJobPoll,
	EventTypeJobCancel,
	EventTypeJobComplete,
	EventTypeJobCleanup,
}

// Event represents a generic event in the system
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Subject   string                 `json:"subject"`
	Data      map[string]interface{} `json:"data"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
}

// NewEvent creates a new event with generated ID and timestamp
func NewEvent(eventType EventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Version:   "1.0",
	}
}

// WithTraceID adds a trace ID to the event
func (e *Event) WithTraceID(traceID string) *Event {
	e.TraceID = traceID
	return e
}

// JobRequestedEvent asks a worker to run one operation on an execution
type JobRequestedEvent struct {
	ExecutionID string   `json:"execution_id"`
	PrincipalID string   `json:"principal_id"`
	Roles       []string `json:"roles,omitempty"`
	Automation  bool     `json:"automation,omitempty"`
	Attempt     int      `json:"attempt,omitempty"`
}

// ExecutionTransitionedEvent reports an accepted state change
type ExecutionTransitionedEvent struct {
	ExecutionID string `json:"execution_id"`
	From        string `json:"from"`
	Event       string `json:"event"`
	To          string `json:"to"`
	PrincipalID string `json:"principal_id"`
	RunID       string `json:"run_id,omitempty"`
}

// ExecutionDestroyedEvent reports a removed execution record
type ExecutionDestroyedEvent struct {
	ExecutionID string `json:"execution_id"`
	State       string `json:"state"`
	PrincipalID string `json:"principal_id"`
}

// EventHandler defines the interface for handling events
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc func(ctx context.Context, event *Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// EventBus publishes events and dispatches them to subscribed handlers.
// A handler error asks the bus to redeliver the event.
type EventBus interface {
	PublishEvent(ctx context.Context, event *Event) error
	PublishEventAsync(ctx context.Context, event *Event) error
	SubscribeToEventType(ctx context.Context, eventType EventType, handler EventHandler) error
	SubscribeToPattern(ctx context.Context, pattern string, handler EventHandler) error
	UnsubscribeFromEventType(eventType EventType) error
	Close() error
}
