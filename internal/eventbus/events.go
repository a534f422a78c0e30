package eventbus

import (
	"encoding/json"
	"fmt"
)

// NewJobEvent creates a job request event for an execution
func NewJobEvent(eventType EventType, source string, data *JobRequestedEvent, traceID string) *Event {
	eventData := map[string]interface{}{
		"execution_id": data.ExecutionID,
		"principal_id": data.PrincipalID,
		"roles":        data.Roles,
		"automation":   data.Automation,
		"attempt":      data.Attempt,
	}

	event := NewEvent(eventType, source, data.ExecutionID, eventData)
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

// NewExecutionTransitionedEvent creates a state change notification
func NewExecutionTransitionedEvent(source string, data *ExecutionTransitionedEvent, traceID string) *Event {
	eventData := map[string]interface{}{
		"execution_id": data.ExecutionID,
		"from":         data.From,
		"event":        data.Event,
		"to":           data.To,
		"principal_id": data.PrincipalID,
	}
	if data.RunID != "" {
		eventData["run_id"] = data.RunID
	}

	event := NewEvent(EventTypeExecutionTransitioned, source, data.ExecutionID, eventData)
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

// NewExecutionDestroyedEvent creates a removal notification
func NewExecutionDestroyedEvent(source string, data *ExecutionDestroyedEvent, traceID string) *Event {
	eventData := map[string]interface{}{
		"execution_id": data.ExecutionID,
		"state":        data.State,
		"principal_id": data.PrincipalID,
	}

	event := NewEvent(EventTypeExecutionDestroyed, source, data.ExecutionID, eventData)
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

// IsJobEvent reports whether the event type carries a job request
func IsJobEvent(eventType EventType) bool {
	for _, t := range JobEventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// ParseEventData parses event data into a specific type
func ParseEventData[T any](event *Event, target *T) error {
	jsonData, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	if err := json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal event data: %w", err)
	}

	return nil
}
