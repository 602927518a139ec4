package store

import "context"

// InstanceStore persists one record per workflow run.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)
}

// StepStore persists the materialized per-step view of a run.
type StepStore interface {
	UpsertStepState(ctx context.Context, state *StepState) error
	ListStepStates(ctx context.Context, instanceID string) ([]*StepState, error)
}

// EventStore is the append-only run event log.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)
}

// DocumentStore is the entity store port: schemaless JSON documents grouped
// into collections. Sub-collections are addressed with SubCollection paths.
type DocumentStore interface {
	GetDocument(ctx context.Context, collection, id string) (Document, error)
	QueryDocuments(ctx context.Context, collection string, filter Filter) ([]Document, error)
	InsertDocument(ctx context.Context, collection string, doc Document) (string, error)
	UpdateDocument(ctx context.Context, collection, id string, patch Document) error
	AppendToArray(ctx context.Context, collection, id, field string, value any) error
}

// CounterStore hands out named, strictly increasing sequence numbers.
type CounterStore interface {
	NextCounter(ctx context.Context, name string) (int64, error)
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	InstanceStore
	StepStore
	EventStore
	DocumentStore
	CounterStore

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
