package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

// failAppender always returns an error.
type failAppender struct{}

func (f *failAppender) AppendEvent(_ context.Context, _ *store.Event) error {
	return errors.New("store unavailable")
}

// --- InstanceFSM ---

func TestInstanceFSM_Lifecycle(t *testing.T) {
	app := &mockAppender{}
	fsm := NewInstanceFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "wf-1", statusNew, schema.InstanceStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "wf-1", schema.InstanceStatusRunning, schema.InstanceStatusFailed,
		map[string]any{"error": "boom"}))

	events := app.Events()
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventWorkflowStarted, events[0].Type)
	assert.Nil(t, events[0].Payload)
	assert.Equal(t, schema.EventWorkflowFailed, events[1].Type)
	assert.JSONEq(t, `{"error":"boom"}`, string(events[1].Payload))
}

func TestInstanceFSM_TerminalStatesAreFinal(t *testing.T) {
	fsm := NewInstanceFSM(&mockAppender{})
	ctx := context.Background()

	for _, from := range []schema.InstanceStatus{schema.InstanceStatusCompleted, schema.InstanceStatusFailed} {
		for _, to := range []schema.InstanceStatus{schema.InstanceStatusRunning, schema.InstanceStatusCompleted, schema.InstanceStatusFailed} {
			err := fsm.Transition(ctx, "wf-1", from, to, nil)
			require.Error(t, err, "%s -> %s", from, to)
			assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
		}
	}
}

func TestInstanceFSM_CannotCompleteUnstarted(t *testing.T) {
	fsm := NewInstanceFSM(&mockAppender{})

	err := fsm.Transition(context.Background(), "wf-1", statusNew, schema.InstanceStatusCompleted, nil)
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Contains(t, fe.Message, "new -> completed")
	assert.Equal(t, "wf-1", fe.Details["instance_id"])
}

func TestInstanceFSM_Hooks(t *testing.T) {
	fsm := NewInstanceFSM(&mockAppender{})
	ctx := context.Background()

	var calls []string
	fsm.OnBefore(schema.InstanceStatusRunning, schema.InstanceStatusCompleted, func(_ context.Context, tr Transition) error {
		calls = append(calls, "before:"+tr.InstanceID)
		return nil
	})
	fsm.OnAfter(schema.InstanceStatusRunning, schema.InstanceStatusCompleted, func(_ context.Context, tr Transition) error {
		calls = append(calls, "after:"+tr.To)
		return nil
	})

	require.NoError(t, fsm.Transition(ctx, "wf-9", statusNew, schema.InstanceStatusRunning, nil))
	assert.Empty(t, calls)

	require.NoError(t, fsm.Transition(ctx, "wf-9", schema.InstanceStatusRunning, schema.InstanceStatusCompleted, nil))
	assert.Equal(t, []string{"before:wf-9", "after:completed"}, calls)
}

func TestInstanceFSM_BeforeHookAborts(t *testing.T) {
	app := &mockAppender{}
	fsm := NewInstanceFSM(app)
	hookErr := errors.New("vetoed")
	fsm.OnBefore(statusNew, schema.InstanceStatusRunning, func(context.Context, Transition) error { return hookErr })

	err := fsm.Transition(context.Background(), "wf-1", statusNew, schema.InstanceStatusRunning, nil)
	assert.ErrorIs(t, err, hookErr)
	assert.Empty(t, app.Events())
}

func TestInstanceFSM_AppenderFailure(t *testing.T) {
	fsm := NewInstanceFSM(&failAppender{})

	err := fsm.Transition(context.Background(), "wf-1", statusNew, schema.InstanceStatusRunning, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))
}

// --- StepFSM ---

func TestStepFSM_Lifecycle(t *testing.T) {
	app := &mockAppender{}
	fsm := NewStepFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "wf-1", "create_project", schema.StepStatusPending, schema.StepStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "wf-1", "create_project", schema.StepStatusRunning, schema.StepStatusCompleted, nil))

	events := app.Events()
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventStepStarted, events[0].Type)
	assert.Equal(t, "create_project", events[0].StepID)
	assert.Equal(t, schema.EventStepCompleted, events[1].Type)
}

func TestStepFSM_InvalidTransitions(t *testing.T) {
	fsm := NewStepFSM(&mockAppender{})
	ctx := context.Background()

	cases := []struct{ from, to schema.StepStatus }{
		{schema.StepStatusPending, schema.StepStatusCompleted},
		{schema.StepStatusPending, schema.StepStatusFailed},
		{schema.StepStatusCompleted, schema.StepStatusRunning},
		{schema.StepStatusFailed, schema.StepStatusRunning},
	}
	for _, tc := range cases {
		err := fsm.Transition(ctx, "wf-1", "s", tc.from, tc.to, nil)
		require.Error(t, err)
		var fe *schema.FlowError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, schema.ErrCodeInvalidTransition, fe.Code)
		assert.Equal(t, "s", fe.StepID)
	}
}

func TestStepFSM_FailurePayload(t *testing.T) {
	app := &mockAppender{}
	fsm := NewStepFSM(app)

	err := fsm.Transition(context.Background(), "wf-1", "apply_to_invoice", schema.StepStatusRunning, schema.StepStatusFailed,
		map[string]any{"error": "invoice missing"})
	require.NoError(t, err)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(app.Events()[0].Payload, &payload))
	assert.Equal(t, "invoice missing", payload["error"])
}

func TestStepFSM_ConcurrentTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewStepFSM(app)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = fsm.Transition(context.Background(), "wf-1", "s", schema.StepStatusPending, schema.StepStatusRunning, nil)
		}()
	}
	wg.Wait()
	assert.Len(t, app.Events(), 50)
}
