package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/internal/workflow"
	"github.com/rendis/bizflow/pkg/schema"
)

// mockDocs serves documents from memory; only QueryDocuments is used.
type mockDocs struct {
	store.DocumentStore
	mu       sync.Mutex
	docs     map[string][]store.Document
	queryErr error
	queries  []store.Filter
}

func (m *mockDocs) QueryDocuments(_ context.Context, collection string, filter store.Filter) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, filter)
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	var out []store.Document
	for _, d := range m.docs[collection] {
		match := true
		for k, v := range filter {
			if d[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, d)
		}
	}
	return out, nil
}

type invocation struct {
	wfType   schema.WorkflowType
	entityID string
}

type mockInvoker struct {
	mu    sync.Mutex
	calls []invocation
	block chan struct{}
	err   error
}

func (m *mockInvoker) Invoke(_ context.Context, wfType schema.WorkflowType, entityID string) (*workflow.Outcome, error) {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, invocation{wfType, entityID})
	if m.err != nil {
		return &workflow.Outcome{WorkflowType: wfType, EntityID: entityID}, m.err
	}
	return &workflow.Outcome{WorkflowType: wfType, EntityID: entityID, InstanceID: "inst-" + entityID}, nil
}

func (m *mockInvoker) entityIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, c := range m.calls {
		ids = append(ids, c.entityID)
	}
	return ids
}

var wonDeals = Job{
	Name:      "convert-won-deals",
	Workflow:  schema.WorkflowDealToProject,
	Cron:      "*/5 * * * *",
	Filter:    map[string]any{"stage": "won"},
	SkipIfSet: "convertedToProject",
}

func dealDocs() *mockDocs {
	return &mockDocs{docs: map[string][]store.Document{
		"opportunities": {
			{"id": "o1", "stage": "won"},
			{"id": "o2", "stage": "won", "convertedToProject": true},
			{"id": "o3", "stage": "lost"},
			{"id": "o4", "stage": "won", "convertedToProject": false},
		},
	}}
}

func TestNew_ValidatesJobs(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		want string
	}{
		{"missing name", Job{Workflow: schema.WorkflowDealToProject, Cron: "@hourly"}, "name is required"},
		{"unknown workflow", Job{Name: "x", Workflow: "nope", Cron: "@hourly"}, "unknown workflow type"},
		{"bad cron", Job{Name: "x", Workflow: schema.WorkflowDealToProject, Cron: "every tuesday"}, "invalid cron expression"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&mockDocs{}, &mockInvoker{}, []Job{tt.job})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
		})
	}

	_, err := New(&mockDocs{}, &mockInvoker{}, []Job{wonDeals, wonDeals})
	assert.ErrorContains(t, err, "duplicate scheduler job")
}

func TestSweep_InvokesMatchingEntities(t *testing.T) {
	docs := dealDocs()
	inv := &mockInvoker{}
	s, err := New(docs, inv, []Job{wonDeals})
	require.NoError(t, err)
	defer s.Stop()

	n, err := s.Sweep(context.Background(), wonDeals)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	s.Wait()

	assert.ElementsMatch(t, []string{"o1", "o4"}, inv.entityIDs())
	for _, c := range inv.calls {
		assert.Equal(t, schema.WorkflowDealToProject, c.wfType)
	}
	assert.Equal(t, store.Filter{"stage": "won"}, docs.queries[0])
}

func TestSweep_SkipsInFlightEntities(t *testing.T) {
	inv := &mockInvoker{block: make(chan struct{})}
	s, err := New(dealDocs(), inv, []Job{wonDeals}, WithConcurrency(4))
	require.NoError(t, err)
	defer s.Stop()

	ctx := context.Background()
	first, err := s.Sweep(ctx, wonDeals)
	require.NoError(t, err)
	assert.Equal(t, 2, first)

	second, err := s.Sweep(ctx, wonDeals)
	require.NoError(t, err)
	assert.Zero(t, second, "entities still running are not resubmitted")

	close(inv.block)
	s.Wait()

	third, err := s.Sweep(ctx, wonDeals)
	require.NoError(t, err)
	assert.Equal(t, 2, third)
	s.Wait()
	assert.Len(t, inv.entityIDs(), 4)
}

func TestSweep_InvocationErrorsDoNotStopSweep(t *testing.T) {
	inv := &mockInvoker{err: errors.New("Only won deals can be converted to projects")}
	s, err := New(dealDocs(), inv, []Job{wonDeals})
	require.NoError(t, err)
	defer s.Stop()

	n, err := s.Sweep(context.Background(), wonDeals)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	s.Wait()

	assert.Equal(t, int64(2), s.pool.Stats().Failed)
}

func TestSweep_QueryError(t *testing.T) {
	docs := &mockDocs{queryErr: errors.New("disk gone")}
	s, err := New(docs, &mockInvoker{}, []Job{wonDeals}, WithClock(func() time.Time {
		return time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	}))
	require.NoError(t, err)
	defer s.Stop()

	_, err = s.Sweep(context.Background(), wonDeals)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query opportunities")

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Contains(t, jobs[0].LastError, "disk gone")
	require.NotNil(t, jobs[0].LastRunAt)
	assert.Equal(t, 2024, jobs[0].LastRunAt.Year())
}

func TestSweepAll(t *testing.T) {
	docs := dealDocs()
	docs.docs["payments"] = []store.Document{{"id": "pay-1", "status": "completed"}}
	payments := Job{
		Name:      "apply-payments",
		Workflow:  schema.WorkflowInvoicePayment,
		Cron:      "@every 1m",
		Filter:    map[string]any{"status": "completed"},
		SkipIfSet: "transactionId",
	}
	inv := &mockInvoker{}
	s, err := New(docs, inv, []Job{wonDeals, payments})
	require.NoError(t, err)
	defer s.Stop()

	n, err := s.SweepAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	s.Wait()
	assert.ElementsMatch(t, []string{"o1", "o4", "pay-1"}, inv.entityIDs())
}

func TestStartRunsCronJobs(t *testing.T) {
	job := wonDeals
	job.Cron = "@every 1s"
	inv := &mockInvoker{}
	s, err := New(dealDocs(), inv, []Job{job})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start is rejected")

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].NextRunAt)

	assert.Eventually(t, func() bool { return len(inv.entityIDs()) >= 2 }, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, s.Stop())
}

func TestNextRun(t *testing.T) {
	s, err := New(&mockDocs{}, &mockInvoker{}, nil)
	require.NoError(t, err)
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	next, err := s.NextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = s.NextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = s.NextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	_, err = s.NextRun("invalid cron", from)
	assert.Error(t, err)
}

func TestIsSet(t *testing.T) {
	assert.False(t, isSet(nil))
	assert.False(t, isSet(false))
	assert.False(t, isSet(""))
	assert.True(t, isSet(true))
	assert.True(t, isSet("p1"))
	assert.True(t, isSet(float64(0)))
}
