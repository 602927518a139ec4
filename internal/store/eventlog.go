package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/bizflow/pkg/schema"
)

// EventLog provides event-sourcing operations on top of an EventStore.
type EventLog struct {
	store EventStore
}

// NewEventLog wraps an EventStore to provide replay on top of append and read.
func NewEventLog(s EventStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-instance sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, instanceID, since)
}

// ReplayEvents replays all events for a run and returns the reconstructed step
// states in execution order. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, instanceID string) ([]*StepState, error) {
	events, err := el.store.GetEvents(ctx, instanceID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in workflow instance %s: expected %d, got %d", instanceID, expected, e.Sequence)
		}
	}

	var order []*StepState
	states := make(map[string]*StepState)

	for _, e := range events {
		if e.StepID == "" {
			continue
		}

		ss, ok := states[e.StepID]
		if !ok {
			ss = &StepState{
				InstanceID: instanceID,
				StepID:     e.StepID,
				Position:   len(order),
				Status:     schema.StepStatusPending,
			}
			states[e.StepID] = ss
			order = append(order, ss)
		}

		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = schema.StepStatusRunning
			ts := e.Timestamp
			ss.StartedAt = &ts

		case schema.EventStepCompleted:
			ss.Status = schema.StepStatusCompleted
			ts := e.Timestamp
			ss.CompletedAt = &ts
			if ss.StartedAt != nil {
				ss.DurationMs = ts.Sub(*ss.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			ss.Status = schema.StepStatusFailed
			ts := e.Timestamp
			ss.CompletedAt = &ts
			ss.Error = errorFromPayload(e.Payload)
		}
	}

	return order, nil
}

// errorFromPayload extracts the "error" field of a step_failed payload.
func errorFromPayload(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var p struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return string(raw)
	}
	return p.Error
}
