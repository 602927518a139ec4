package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time event emitted while a workflow runs.
type StreamEvent struct {
	InstanceID   string    `json:"instance_id,omitempty"`
	WorkflowType string    `json:"workflow_type,omitempty"`
	StepID       string    `json:"step_id,omitempty"`
	EventType    string    `json:"event_type"`
	Payload      any       `json:"payload,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	InstanceID   string   `json:"instance_id,omitempty"`
	WorkflowType string   `json:"workflow_type,omitempty"`
	EventTypes   []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time workflow events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
