package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StreamEvent{}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := StreamEvent{
		InstanceID:   "inst-1",
		WorkflowType: "deal_to_project",
		StepID:       "create_project",
		EventType:    "step_completed",
		Payload:      map[string]any{"projectId": "p1"},
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := recv(t, ch)
	assert.Equal(t, event.InstanceID, got.InstanceID)
	assert.Equal(t, event.StepID, got.StepID)
	assert.Equal(t, event.EventType, got.EventType)
	assert.False(t, got.Timestamp.IsZero(), "publish stamps a timestamp")
}

func TestFilterByInstanceAndType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		WorkflowType: "invoice_payment",
		EventTypes:   []string{"workflow_completed"},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{InstanceID: "a", WorkflowType: "deal_to_project", EventType: "workflow_completed"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{InstanceID: "b", WorkflowType: "invoice_payment", EventType: "step_started"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{InstanceID: "c", WorkflowType: "invoice_payment", EventType: "workflow_completed"}))

	got := recv(t, ch)
	assert.Equal(t, "c", got.InstanceID)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %+v", extra)
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, hub.Subscribers())
}

func TestContextDoneUnsubscribes(t *testing.T) {
	hub := NewMemoryHub()
	ctx, stop := context.WithCancel(context.Background())
	ch, _, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	stop()
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
	assert.Equal(t, 0, hub.Subscribers())
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	_, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+5; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{EventType: "step_started"}))
	}
	assert.Equal(t, uint64(5), hub.Dropped())
}

func TestConcurrentPublish(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = hub.Publish(ctx, StreamEvent{EventType: "step_completed"})
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 10)
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, hub.Publish(ctx, StreamEvent{}))
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.Error(t, err)
}
