package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/internal/streaming"
	"github.com/rendis/bizflow/internal/workflow"
	"github.com/rendis/bizflow/pkg/schema"
)

// --- Mocks ---

type mockInvoker struct {
	calls []string
	out   *workflow.Outcome
	err   error
}

func (m *mockInvoker) Invoke(_ context.Context, wfType schema.WorkflowType, entityID string) (*workflow.Outcome, error) {
	m.calls = append(m.calls, string(wfType)+":"+entityID)
	if m.out != nil {
		return m.out, m.err
	}
	return &workflow.Outcome{WorkflowType: wfType, EntityID: entityID, InstanceID: "inst-1", CreatedID: "created-1"}, m.err
}

type mockRuns struct {
	instances []*store.Instance
	steps     map[string][]*store.StepState
	events    []*store.Event
}

func (m *mockRuns) GetInstance(_ context.Context, id string) (*store.Instance, error) {
	for _, inst := range m.instances {
		if inst.ID == id {
			return inst, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow instance %q not found", id)
}

func (m *mockRuns) ListInstances(_ context.Context, filter store.InstanceFilter) ([]*store.Instance, error) {
	out := make([]*store.Instance, 0)
	for _, inst := range m.instances {
		if filter.WorkflowType != "" && inst.WorkflowType != filter.WorkflowType {
			continue
		}
		if filter.Status != nil && inst.Status != *filter.Status {
			continue
		}
		out = append(out, inst)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *mockRuns) ListStepStates(_ context.Context, instanceID string) ([]*store.StepState, error) {
	return m.steps[instanceID], nil
}

func (m *mockRuns) GetEvents(_ context.Context, instanceID string, _ int64) ([]*store.Event, error) {
	var out []*store.Event
	for _, e := range m.events {
		if e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockRuns) GetEventsByType(_ context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error) {
	var out []*store.Event
	for _, e := range m.events {
		if e.Type != eventType {
			continue
		}
		if filter.InstanceID != "" && e.InstanceID != filter.InstanceID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

type mockDocs struct {
	store.DocumentStore
	collection string
	filter     store.Filter
	docs       []store.Document
}

func (m *mockDocs) QueryDocuments(_ context.Context, collection string, filter store.Filter) ([]store.Document, error) {
	m.collection = collection
	m.filter = filter
	return m.docs, nil
}

func newMockRuns() *mockRuns {
	started := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	return &mockRuns{
		instances: []*store.Instance{
			{ID: "inst-1", WorkflowType: schema.WorkflowInvoicePayment, Status: schema.InstanceStatusCompleted, StartedAt: started},
			{ID: "inst-2", WorkflowType: schema.WorkflowProjectCompletion, Status: schema.InstanceStatusFailed, Error: "Cannot complete project: 1 of 3 tasks are not completed", StartedAt: started},
		},
		steps: map[string][]*store.StepState{
			"inst-1": {
				{InstanceID: "inst-1", StepID: "verify_payment", Position: 0, Status: schema.StepStatusCompleted},
				{InstanceID: "inst-1", StepID: "apply_to_invoice", Position: 1, Status: schema.StepStatusCompleted},
			},
		},
		events: []*store.Event{
			{ID: 1, InstanceID: "inst-1", Type: schema.EventWorkflowStarted},
			{ID: 2, InstanceID: "inst-1", Type: schema.EventWorkflowCompleted},
			{ID: 3, InstanceID: "inst-2", Type: schema.EventWorkflowFailed},
		},
	}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, r *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, r.Content)
	tc, ok := r.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", r.Content[0])
	return tc.Text
}

func resultJSON(t *testing.T, r *mcp.CallToolResult) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, r)), &out))
	return out
}

func callTool(t *testing.T, s *BizflowServer, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	tool := s.mcpServer.GetTool(name)
	require.NotNil(t, tool, name)
	result, err := tool.Handler(context.Background(), buildRequest(name, args))
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

// --- Tests ---

func TestTriggerTools(t *testing.T) {
	inv := &mockInvoker{}
	s := NewServer(ServerDeps{Invoker: inv, Runs: newMockRuns()})

	result := callTool(t, s, "bizflow.convert_deal", map[string]any{"opportunity_id": "opp-1", "agent_id": "ops-bot"})
	assert.False(t, result.IsError)
	out := resultJSON(t, result)
	assert.Equal(t, "deal_to_project", out["workflow_type"])
	assert.Equal(t, "inst-1", out["instance_id"])
	assert.Equal(t, "created-1", out["created_id"])

	callTool(t, s, "bizflow.convert_quote", map[string]any{"quote_id": "q-1"})
	callTool(t, s, "bizflow.process_payment", map[string]any{"payment_id": "pay-1"})
	callTool(t, s, "bizflow.hire_candidate", map[string]any{"candidate_id": "c-1"})
	callTool(t, s, "bizflow.complete_project", map[string]any{"project_id": "p-1"})

	assert.Equal(t, []string{
		"deal_to_project:opp-1",
		"quote_to_contract:q-1",
		"invoice_payment:pay-1",
		"candidate_hiring:c-1",
		"project_completion:p-1",
	}, inv.calls)
}

func TestTriggerToolMissingID(t *testing.T) {
	inv := &mockInvoker{}
	s := NewServer(ServerDeps{Invoker: inv})

	result := callTool(t, s, "bizflow.hire_candidate", map[string]any{})
	assert.True(t, result.IsError)
	assert.Equal(t, "candidate_id is required", resultText(t, result))
	assert.Empty(t, inv.calls)
}

func TestTriggerToolFailure(t *testing.T) {
	inv := &mockInvoker{
		out: &workflow.Outcome{InstanceID: "inst-9"},
		err: schema.NewError(schema.ErrCodeIncompleteTasks, "Cannot complete project: 1 of 3 tasks are not completed").
			WithDetails(map[string]any{"open_tasks": 1}),
	}
	s := NewServer(ServerDeps{Invoker: inv})

	result := callTool(t, s, "bizflow.complete_project", map[string]any{"project_id": "p-1"})
	require.True(t, result.IsError)
	body := resultJSON(t, result)
	assert.Equal(t, "Cannot complete project: 1 of 3 tasks are not completed", body["error"])
	assert.Equal(t, schema.ErrCodeIncompleteTasks, body["code"])
	assert.Equal(t, "inst-9", body["instance_id"])
	assert.Equal(t, map[string]any{"open_tasks": float64(1)}, body["details"])
}

func TestTriggerToolPreconditionHasNoInstance(t *testing.T) {
	inv := &mockInvoker{
		out: &workflow.Outcome{},
		err: schema.NewError(schema.ErrCodePrecondition, "Only won deals can be converted to projects"),
	}
	s := NewServer(ServerDeps{Invoker: inv})

	result := callTool(t, s, "bizflow.convert_deal", map[string]any{"opportunity_id": "opp-1"})
	require.True(t, result.IsError)
	body := resultJSON(t, result)
	assert.Equal(t, schema.ErrCodePrecondition, body["code"])
	assert.NotContains(t, body, "instance_id")
}

func TestStatusTool(t *testing.T) {
	s := NewServer(ServerDeps{Runs: newMockRuns()})

	result := callTool(t, s, "bizflow.status", map[string]any{"instance_id": "inst-1"})
	require.False(t, result.IsError)
	out := resultJSON(t, result)
	inst := out["instance"].(map[string]any)
	assert.Equal(t, "completed", inst["status"])
	assert.Len(t, out["steps"], 2)
	assert.NotContains(t, out, "events")

	result = callTool(t, s, "bizflow.status", map[string]any{"instance_id": "inst-1", "include_events": "true"})
	assert.Len(t, resultJSON(t, result)["events"], 2)
}

func TestStatusToolNotFound(t *testing.T) {
	s := NewServer(ServerDeps{Runs: newMockRuns()})

	result := callTool(t, s, "bizflow.status", map[string]any{"instance_id": "missing"})
	require.True(t, result.IsError)
	assert.Equal(t, schema.ErrCodeNotFound, resultJSON(t, result)["code"])

	result = callTool(t, s, "bizflow.status", map[string]any{})
	assert.True(t, result.IsError)
}

func TestQueryWorkflows(t *testing.T) {
	s := NewServer(ServerDeps{Runs: newMockRuns()})

	result := callTool(t, s, "bizflow.query", map[string]any{"resource": "workflows"})
	require.False(t, result.IsError)
	assert.Len(t, resultJSON(t, result)["workflows"], 2)

	result = callTool(t, s, "bizflow.query", map[string]any{
		"resource": "workflows",
		"filter":   map[string]any{"workflow_type": "project_completion", "status": "failed"},
	})
	require.False(t, result.IsError)
	list := resultJSON(t, result)["workflows"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "inst-2", list[0].(map[string]any)["id"])

	result = callTool(t, s, "bizflow.query", map[string]any{
		"resource": "workflows",
		"filter":   map[string]any{"workflow_type": "nope"},
	})
	assert.True(t, result.IsError)
}

func TestQueryEvents(t *testing.T) {
	s := NewServer(ServerDeps{Runs: newMockRuns()})

	result := callTool(t, s, "bizflow.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"instance_id": "inst-1"},
	})
	require.False(t, result.IsError)
	assert.Len(t, resultJSON(t, result)["events"], 2)

	result = callTool(t, s, "bizflow.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"event_type": "workflow_failed"},
	})
	require.False(t, result.IsError)
	assert.Len(t, resultJSON(t, result)["events"], 1)

	result = callTool(t, s, "bizflow.query", map[string]any{"resource": "events"})
	assert.True(t, result.IsError)
}

func TestQueryEntities(t *testing.T) {
	docs := &mockDocs{docs: []store.Document{{"id": "p1"}, {"id": "p2"}, {"id": "p3"}}}
	s := NewServer(ServerDeps{Runs: newMockRuns(), Docs: docs})

	result := callTool(t, s, "bizflow.query", map[string]any{
		"resource": "entities",
		"filter":   map[string]any{"collection": "projects", "status": "active", "limit": 2},
	})
	require.False(t, result.IsError)
	out := resultJSON(t, result)
	assert.Equal(t, "projects", out["collection"])
	assert.Len(t, out["documents"], 2)
	assert.Equal(t, "projects", docs.collection)
	assert.Equal(t, store.Filter{"status": "active"}, docs.filter)

	result = callTool(t, s, "bizflow.query", map[string]any{"resource": "entities", "filter": map[string]any{}})
	assert.True(t, result.IsError)
}

func TestQueryUnknownResource(t *testing.T) {
	s := NewServer(ServerDeps{Runs: newMockRuns()})
	result := callTool(t, s, "bizflow.query", map[string]any{"resource": "agents"})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "unknown resource type")
}

func TestDiagramTool(t *testing.T) {
	s := NewServer(ServerDeps{Runs: newMockRuns()})

	result := callTool(t, s, "bizflow.diagram", map[string]any{"workflow_type": "candidate_hiring", "format": "mermaid"})
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "create_employee")

	result = callTool(t, s, "bizflow.diagram", map[string]any{"instance_id": "inst-1", "format": "ascii"})
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "[OK]")

	result = callTool(t, s, "bizflow.diagram", map[string]any{"instance_id": "inst-1", "format": "image"})
	require.False(t, result.IsError)
	png, err := base64.StdEncoding.DecodeString(resultText(t, result))
	require.NoError(t, err)
	assert.Equal(t, byte(0x89), png[0])

	result = callTool(t, s, "bizflow.diagram", map[string]any{"format": "mermaid"})
	assert.True(t, result.IsError)

	result = callTool(t, s, "bizflow.diagram", map[string]any{"workflow_type": "invoice_payment", "format": "svg"})
	assert.True(t, result.IsError)
}

func TestExtractInt(t *testing.T) {
	assert.Equal(t, 7, extractInt(nil, "limit", 7))
	assert.Equal(t, 3, extractInt(map[string]any{"limit": float64(3)}, "limit", 7))
	assert.Equal(t, 4, extractInt(map[string]any{"limit": "4"}, "limit", 7))
	assert.Equal(t, 7, extractInt(map[string]any{"limit": "x"}, "limit", 7))
}

func TestForwardOutcomes_NoAgents(t *testing.T) {
	hub := streaming.NewMemoryHub()
	s := NewServer(ServerDeps{Hub: hub})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ForwardOutcomes(ctx) }()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{InstanceID: "inst-1", EventType: schema.EventWorkflowCompleted}))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("forwarding did not stop")
	}
}
