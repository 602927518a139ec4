package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bizflow/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s), s
}

func TestEventLog_AppendEvent_MonotonicSequence(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	inst := seedInstance(t, s)

	for i := 0; i < 5; i++ {
		e := &Event{InstanceID: inst.ID, StepID: "create_project", Type: schema.EventStepStarted}
		require.NoError(t, el.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence, "sequence should be monotonic")
		assert.NotZero(t, e.ID)
	}
}

func TestEventLog_SequencesArePerInstance(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	a := seedInstance(t, s)
	b := seedInstance(t, s)

	ea := &Event{InstanceID: a.ID, Type: schema.EventWorkflowStarted}
	eb := &Event{InstanceID: b.ID, Type: schema.EventWorkflowStarted}
	require.NoError(t, el.AppendEvent(ctx, ea))
	require.NoError(t, el.AppendEvent(ctx, eb))
	assert.Equal(t, int64(1), ea.Sequence)
	assert.Equal(t, int64(1), eb.Sequence)
}

func TestEventLog_GetEventsSince(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	inst := seedInstance(t, s)

	for _, et := range []string{schema.EventWorkflowStarted, schema.EventStepStarted, schema.EventStepCompleted} {
		require.NoError(t, el.AppendEvent(ctx, &Event{InstanceID: inst.ID, StepID: "s1", Type: et}))
	}

	events, err := el.GetEvents(ctx, inst.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventStepStarted, events[0].Type)
	assert.Equal(t, schema.EventStepCompleted, events[1].Type)
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := seedInstance(t, s)

	require.NoError(t, s.AppendEvent(ctx, &Event{InstanceID: inst.ID, StepID: "a", Type: schema.EventStepFailed}))
	require.NoError(t, s.AppendEvent(ctx, &Event{InstanceID: inst.ID, StepID: "b", Type: schema.EventStepCompleted}))

	events, err := s.GetEventsByType(ctx, schema.EventStepFailed, EventFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].StepID)
}

func TestEventLog_ReplayEvents(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	inst := seedInstance(t, s)

	t0 := time.Now().UTC().Truncate(time.Millisecond)
	failure, _ := json.Marshal(map[string]string{"error": "weights sum to 90, expected 100"})
	seq := []*Event{
		{InstanceID: inst.ID, Type: schema.EventWorkflowStarted, Timestamp: t0},
		{InstanceID: inst.ID, StepID: "create_project", Type: schema.EventStepStarted, Timestamp: t0},
		{InstanceID: inst.ID, StepID: "create_project", Type: schema.EventStepCompleted, Timestamp: t0.Add(40 * time.Millisecond)},
		{InstanceID: inst.ID, StepID: "create_phases", Type: schema.EventStepStarted, Timestamp: t0.Add(50 * time.Millisecond)},
		{InstanceID: inst.ID, StepID: "create_phases", Type: schema.EventStepFailed, Payload: failure, Timestamp: t0.Add(60 * time.Millisecond)},
		{InstanceID: inst.ID, Type: schema.EventWorkflowFailed, Timestamp: t0.Add(61 * time.Millisecond)},
	}
	for _, e := range seq {
		require.NoError(t, el.AppendEvent(ctx, e))
	}

	states, err := el.ReplayEvents(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, states, 2)

	assert.Equal(t, "create_project", states[0].StepID)
	assert.Equal(t, schema.StepStatusCompleted, states[0].Status)
	assert.InDelta(t, 40, states[0].DurationMs, 1)

	assert.Equal(t, "create_phases", states[1].StepID)
	assert.Equal(t, 1, states[1].Position)
	assert.Equal(t, schema.StepStatusFailed, states[1].Status)
	assert.Equal(t, "weights sum to 90, expected 100", states[1].Error)
}

func TestEventLog_ReplayEmpty(t *testing.T) {
	el, _ := newTestEventLog(t)
	states, err := el.ReplayEvents(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, states)
}

type gappyEvents struct {
	EventStore
}

func (g gappyEvents) GetEvents(context.Context, string, int64) ([]*Event, error) {
	return []*Event{{Sequence: 1}, {Sequence: 3}}, nil
}

func TestEventLog_ReplayDetectsGap(t *testing.T) {
	el := NewEventLog(gappyEvents{})
	_, err := el.ReplayEvents(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "sequence gap")
}
