package models

import (
	"fmt"
)

// State is the lifecycle state of a workflow execution
type State string

const (
	StateInitial    State = "initial"
	StatePrepared   State = "prepared"
	StateSubmitted  State = "submitted"
	StateRunning    State = "running"
	StateCompleting State = "completing"
	StateCompleted  State = "completed"
	StateCanceling  State = "canceling"
	StateCanceled   State = "canceled"
	StateError      State = "error"
	StateFinalized  State = "finalized"
)

// AllStates lists every state in lifecycle order
var AllStates = []State{
	StateInitial, StatePrepared, StateSubmitted, StateRunning, StateCompleting,
	StateCompleted, StateCanceling, StateCanceled, StateError, StateFinalized,
}

// Event drives a transition between states
type Event string

const (
	EventPrepare         Event = "prepare"
	EventSubmit          Event = "submit"
	EventRemoteRunning   Event = "remote_running"
	EventRemoteComplete  Event = "remote_complete"
	EventRemoteCanceled  Event = "remote_canceled"
	EventRemoteError     Event = "remote_error"
	EventFinalize        Event = "finalize"
	EventCancel          Event = "cancel"
	EventCancelConfirmed Event = "cancel_confirmed"
)

// TransitionResult is the outcome of an accepted transition together with
// the side effects the caller has to carry out
type TransitionResult struct {
	From            State
	Event           Event
	To              State
	ScheduleCleanup bool
	MarkCleaned     bool
}

// RejectedTransitionError reports an event that is not allowed from a state
type RejectedTransitionError struct {
	From   State
	Event  Event
	Reason string
}

func (e *RejectedTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s from state %s: %s", e.Event, e.From, e.Reason)
	}
	return fmt.Sprintf("cannot %s from state %s", e.Event, e.From)
}

type transitionKey struct {
	from  State
	event Event
}

type transitionRule struct {
	to              State
	scheduleCleanup bool
	markCleaned     bool
}

// transitions is the complete transition table. Anything not listed is rejected.
var transitions = map[transitionKey]transitionRule{
	{StateInitial, EventPrepare}: {to: StatePrepared},
	{StateInitial, EventCancel}:  {to: StateCanceled, markCleaned: true},

	{StatePrepared, EventSubmit}: {to: StateSubmitted},
	{StatePrepared, EventCancel}: {to: StateCanceled, scheduleCleanup: true},

	{StateSubmitted, EventRemoteComplete}: {to: StateCompleting},
	{StateSubmitted, EventRemoteRunning}:  {to: StateRunning},
	{StateSubmitted, EventRemoteCanceled}: {to: StateCanceled, scheduleCleanup: true},
	{StateSubmitted, EventRemoteError}:    {to: StateError, scheduleCleanup: true},
	{StateRunning, EventRemoteComplete}:   {to: StateCompleting},
	{StateRunning, EventRemoteRunning}:    {to: StateRunning},
	{StateRunning, EventRemoteCanceled}:   {to: StateCanceled, scheduleCleanup: true},
	{StateRunning, EventRemoteError}:      {to: StateError, scheduleCleanup: true},

	{StateCompleting, EventFinalize}: {to: StateFinalized},
	{StateCompleted, EventFinalize}:  {to: StateFinalized},

	{StateSubmitted, EventCancel}: {to: StateCanceling},
	{StateRunning, EventCancel}:   {to: StateCanceling},
	{StateCanceling, EventCancel}: {to: StateCanceling},

	{StateCanceling, EventCancelConfirmed}: {to: StateCanceled, scheduleCleanup: true},
}

// Transition is the pure transition function of the execution state machine.
// It never mutates anything; a rejected event yields a *RejectedTransitionError.
func Transition(from State, event Event) (TransitionResult, error) {
	rule, ok := transitions[transitionKey{from, event}]
	if !ok {
		return TransitionResult{}, &RejectedTransitionError{From: from, Event: event}
	}
	return TransitionResult{
		From:            from,
		Event:           event,
		To:              rule.to,
		ScheduleCleanup: rule.scheduleCleanup,
		MarkCleaned:     rule.markCleaned,
	}, nil
}

// CanTransition reports whether event is accepted from state
func CanTransition(from State, event Event) bool {
	_, ok := transitions[transitionKey{from, event}]
	return ok
}

// IsTerminal reports whether no further lifecycle progress is expected
func (s State) IsTerminal() bool {
	switch s {
	case StateFinalized, StateCompleted, StateCanceled, StateError:
		return true
	default:
		return false
	}
}

// CleanupEligible reports whether the run directory may be deleted
func (s State) CleanupEligible() bool {
	return s.IsTerminal()
}

// Destroyable reports whether the execution record may be removed
func (s State) Destroyable() bool {
	return s.IsTerminal()
}

// Pollable reports whether the remote run status is worth asking for
func (s State) Pollable() bool {
	switch s {
	case StateSubmitted, StateRunning, StateCanceling:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Apply runs the state machine against the execution, checking the guards
// that depend on entity fields, and mutates State (and Cleaned when the
// transition says so). On rejection the execution is left untouched.
func (e *WorkflowExecution) Apply(event Event) (TransitionResult, error) {
	result, err := Transition(e.State, event)
	if err != nil {
		return result, err
	}

	switch event {
	case EventPrepare:
		if !e.HasRunDirectory() {
			return TransitionResult{}, &RejectedTransitionError{From: e.State, Event: event, Reason: "run directory not assigned"}
		}
		if len(e.Samples) == 0 {
			return TransitionResult{}, &RejectedTransitionError{From: e.State, Event: event, Reason: "no samples to prepare"}
		}
	case EventSubmit:
		if e.RunID != "" {
			return TransitionResult{}, &RejectedTransitionError{From: e.State, Event: event, Reason: "run id already assigned"}
		}
	}

	e.State = result.To
	if result.MarkCleaned {
		e.Cleaned = true
	}
	return result, nil
}
