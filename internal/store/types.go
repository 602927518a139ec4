package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/bizflow/pkg/schema"
)

// Instance is the persisted record of one workflow run.
type Instance struct {
	ID           string                `json:"id"`
	WorkflowType schema.WorkflowType   `json:"workflow_type"`
	Status       schema.InstanceStatus `json:"status"`
	ParentID     string                `json:"parent_id,omitempty"`
	Context      map[string]any        `json:"context,omitempty"`
	CurrentStep  string                `json:"current_step,omitempty"`
	Result       json.RawMessage       `json:"result,omitempty"`
	Error        string                `json:"error,omitempty"`
	StartedAt    time.Time             `json:"started_at"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// Event is an immutable entry in a run's event log.
type Event struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"instance_id"`
	StepID     string          `json:"step_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// StepState is the materialized view of a step's execution within a run.
type StepState struct {
	InstanceID  string            `json:"instance_id"`
	StepID      string            `json:"step_id"`
	Position    int               `json:"position"`
	Status      schema.StepStatus `json:"status"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Document is a schemaless entity record. The "id" key is always populated
// on documents returned by the store.
type Document = map[string]any

// Filter is a conjunction of equality conditions on top-level document fields.
// A nil value matches documents where the field is absent or null.
type Filter map[string]any

// --- Filter and update types ---

// InstanceFilter specifies criteria for listing runs.
type InstanceFilter struct {
	WorkflowType schema.WorkflowType    `json:"workflow_type,omitempty"`
	Status       *schema.InstanceStatus `json:"status,omitempty"`
	ParentID     string                 `json:"parent_id,omitempty"`
	Since        *time.Time             `json:"since,omitempty"`
	Limit        int                    `json:"limit,omitempty"`
	Offset       int                    `json:"offset,omitempty"`
}

// InstanceUpdate specifies mutable fields of a run.
type InstanceUpdate struct {
	Status      *schema.InstanceStatus `json:"status,omitempty"`
	CurrentStep *string                `json:"current_step,omitempty"`
	Result      json.RawMessage        `json:"result,omitempty"`
	Error       *string                `json:"error,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	InstanceID string     `json:"instance_id,omitempty"`
	StepID     string     `json:"step_id,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}
