package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/pkg/schema"
)

// statusNew is the pseudo-state of an instance that has been created but
// not yet started.
const statusNew schema.InstanceStatus = ""

// Transition describes one state change observed by hooks.
type Transition struct {
	InstanceID string
	StepID     string
	From       string
	To         string
	Payload    map[string]any
}

// TransitionHook is called before or after a state transition.
type TransitionHook func(ctx context.Context, t Transition) error

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// hookSet stores before/after hooks keyed by (from, to).
type hookSet struct {
	before map[[2]string][]TransitionHook
	after  map[[2]string][]TransitionHook
}

func newHookSet() hookSet {
	return hookSet{
		before: make(map[[2]string][]TransitionHook),
		after:  make(map[[2]string][]TransitionHook),
	}
}

func (h hookSet) run(ctx context.Context, hooks map[[2]string][]TransitionHook, t Transition) error {
	for _, hook := range hooks[[2]string{t.From, t.To}] {
		if err := hook(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// --- Instance FSM ---

// InstanceFSM manages workflow instance lifecycle transitions.
type InstanceFSM struct {
	mu       sync.Mutex
	appender EventAppender
	hooks    hookSet
}

// NewInstanceFSM creates an InstanceFSM that emits events via the given appender.
func NewInstanceFSM(appender EventAppender) *InstanceFSM {
	return &InstanceFSM{appender: appender, hooks: newHookSet()}
}

// OnBefore registers a hook called before an instance transition.
func (f *InstanceFSM) OnBefore(from, to schema.InstanceStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]string{string(from), string(to)}
	f.hooks.before[key] = append(f.hooks.before[key], hook)
}

// OnAfter registers a hook called after an instance transition.
func (f *InstanceFSM) OnAfter(from, to schema.InstanceStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]string{string(from), string(to)}
	f.hooks.after[key] = append(f.hooks.after[key], hook)
}

// Transition validates an instance state transition and emits the
// corresponding event. The caller persists the new state.
func (f *InstanceFSM) Transition(ctx context.Context, instanceID string, from, to schema.InstanceStatus, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidInstanceTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", displayStatus(string(from)), to).
			WithDetails(map[string]any{"instance_id": instanceID, "from": string(from), "to": string(to)})
	}

	t := Transition{InstanceID: instanceID, From: string(from), To: string(to), Payload: payload}
	if err := f.hooks.run(ctx, f.hooks.before, t); err != nil {
		return err
	}

	if eventType := instanceEventType(to); eventType != "" {
		if err := emit(ctx, f.appender, instanceID, "", eventType, payload); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit workflow event: %s", err.Error()).WithCause(err)
		}
	}

	return f.hooks.run(ctx, f.hooks.after, t)
}

func isValidInstanceTransition(from, to schema.InstanceStatus) bool {
	for _, a := range ValidInstanceTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func instanceEventType(to schema.InstanceStatus) string {
	switch to {
	case schema.InstanceStatusRunning:
		return schema.EventWorkflowStarted
	case schema.InstanceStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.InstanceStatusFailed:
		return schema.EventWorkflowFailed
	default:
		return ""
	}
}

// --- Step FSM ---

// StepFSM manages step lifecycle transitions.
type StepFSM struct {
	mu       sync.Mutex
	appender EventAppender
	hooks    hookSet
}

// NewStepFSM creates a StepFSM that emits events via the given appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{appender: appender, hooks: newHookSet()}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]string{string(from), string(to)}
	f.hooks.before[key] = append(f.hooks.before[key], hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]string{string(from), string(to)}
	f.hooks.after[key] = append(f.hooks.after[key], hook)
}

// Transition validates a step state transition and emits the corresponding event.
func (f *StepFSM) Transition(ctx context.Context, instanceID, stepID string, from, to schema.StepStatus, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"instance_id": instanceID, "from": string(from), "to": string(to)})
	}

	t := Transition{InstanceID: instanceID, StepID: stepID, From: string(from), To: string(to), Payload: payload}
	if err := f.hooks.run(ctx, f.hooks.before, t); err != nil {
		return err
	}

	if eventType := stepEventType(to); eventType != "" {
		if err := emit(ctx, f.appender, instanceID, stepID, eventType, payload); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
				WithStep(stepID).WithCause(err)
		}
	}

	return f.hooks.run(ctx, f.hooks.after, t)
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	default:
		return ""
	}
}

func emit(ctx context.Context, appender EventAppender, instanceID, stepID, eventType string, payload map[string]any) error {
	event := &store.Event{
		InstanceID: instanceID,
		StepID:     stepID,
		Type:       eventType,
	}
	if len(payload) > 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		event.Payload = raw
	}
	return appender.AppendEvent(ctx, event)
}

func displayStatus(s string) string {
	if s == "" {
		return "new"
	}
	return s
}

// --- Transition tables ---

// ValidInstanceTransitions defines the allowed state transitions for instances.
// Terminal states have no outgoing transitions.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	statusNew:                      {schema.InstanceStatusRunning},
	schema.InstanceStatusRunning:   {schema.InstanceStatusCompleted, schema.InstanceStatusFailed},
	schema.InstanceStatusCompleted: {},
	schema.InstanceStatusFailed:    {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
}
