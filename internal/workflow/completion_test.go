package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bizflow/internal/entity"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/pkg/schema"
)

type completionFixture struct {
	accountID string
	projectID string
}

func seedProject(t *testing.T, e *testEnv, taskStatuses ...string) completionFixture {
	t.Helper()
	ctx := context.Background()
	accountID := e.insert(t, entity.Accounts, entity.Account{Name: "Acme", ContactEmail: "cto@acme.test"})
	end := fixedNow.AddDate(0, 0, 10)
	projectID := e.insert(t, entity.Projects, entity.Project{
		Code:       "PRJ-202401-0003",
		Name:       "Data platform",
		AccountID:  accountID,
		OwnerID:    "u-owner",
		ManagerID:  "u-pm",
		Status:     "active",
		Budget:     10000,
		ActualCost: 11000,
		StartDate:  fixedNow.AddDate(0, -2, 0),
		EndDate:    &end,
	})
	for i, st := range taskStatuses {
		e.insert(t, entity.Tasks, entity.Task{Title: "task", ProjectID: projectID, Status: st, Priority: []string{"high", "low"}[i%2]})
	}
	for _, uid := range []string{"u-owner", "u-pm"} {
		_, err := e.repo.Insert(ctx, entity.MembersOf(projectID), entity.Member{ID: uid, UserID: uid, Role: "member", Active: true})
		require.NoError(t, err)
	}
	return completionFixture{accountID: accountID, projectID: projectID}
}

func TestProcessProjectCompletion_Standard(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	f := seedProject(t, e, TaskStatusCompleted, TaskStatusCompleted, TaskStatusCompleted)
	e.insert(t, entity.Invoices, entity.Invoice{ProjectID: f.projectID, AccountID: f.accountID, Total: 4000, Status: InvoiceStatusPaid})
	e.insert(t, entity.ProjectDocuments, entity.ProjectDocument{ProjectID: f.projectID, Name: "sow.pdf"})
	e.insert(t, entity.ProjectDocuments, entity.ProjectDocument{ProjectID: f.projectID, Name: "old.pdf", Archived: true})

	out, err := e.orch.Invoke(ctx, schema.WorkflowProjectCompletion, f.projectID)
	require.NoError(t, err)

	p := getEntity[entity.Project](t, e, entity.Projects, f.projectID)
	assert.Equal(t, ProjectStatusCompleted, p.Status)
	assert.Equal(t, 100.0, p.CompletionPercentage)
	require.NotNil(t, p.CompletedAt)
	assert.True(t, p.CompletedAt.Equal(fixedNow))
	assert.Equal(t, out.CreatedID, p.ReportID)
	require.NotNil(t, p.Metrics)
	assert.True(t, p.Metrics.OnTime)
	assert.Equal(t, 10.0, p.Metrics.BudgetVariance)
	assert.Equal(t, 100.0, p.Metrics.TasksCompletedPct)
	assert.Equal(t, 3, p.Metrics.TaskCount)
	assert.Nil(t, p.Metrics.Satisfaction)

	require.NotEmpty(t, p.FinalInvoiceID)
	final := getEntity[entity.Invoice](t, e, entity.Invoices, p.FinalInvoiceID)
	assert.Equal(t, "final", final.Kind)
	assert.Equal(t, "draft", final.Status)
	assert.Equal(t, 6000.0, final.Total)
	assert.Equal(t, "FINAL-PRJ-202401-0003", final.Number)

	docs := e.query(t, entity.ProjectDocuments, store.Filter{"archived": true})
	assert.Len(t, docs, 2)

	report := getEntity[entity.Report](t, e, entity.Reports, p.ReportID)
	assert.Equal(t, "project_completion", report.Type)
	assert.Contains(t, report.Summary, "on time")

	feedback, err := entity.Query[entity.FeedbackRequest](ctx, e.repo, entity.FeedbackRequests, nil)
	require.NoError(t, err)
	require.Len(t, feedback, 1)
	assert.Equal(t, "cto@acme.test", feedback[0].Recipient)
	assert.Equal(t, "sent", feedback[0].Status)
	assert.Len(t, e.query(t, entity.EmailQueue, store.Filter{"template": "feedback_request"}), 1)

	assert.Empty(t, e.query(t, entity.MembersOf(f.projectID), store.Filter{"active": true}))

	notes := e.query(t, entity.Notifications, store.Filter{"type": "project_completed"})
	require.Len(t, notes, 2)
	assert.Equal(t, "Project PRJ-202401-0003 (Data platform) has been completed.", notes[0]["message"])

	insts := e.instances(t)
	require.Len(t, insts, 1)
	assert.Equal(t, schema.InstanceStatusCompleted, insts[0].Status)
	assert.Contains(t, string(insts[0].Result), `"documentsArchived":1`)
	assert.Contains(t, string(insts[0].Result), `"membersReleased":2`)
}

func TestProcessProjectCompletion_IncompleteTasks(t *testing.T) {
	e := newTestEnv(t)
	f := seedProject(t, e, TaskStatusCompleted, TaskStatusPending, TaskStatusCompleted)

	err := e.orch.ProcessProjectCompletion(context.Background(), f.projectID)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeIncompleteTasks, schema.CodeOf(err))
	assert.Equal(t, "Cannot complete project: 1 of 3 tasks are not completed", err.Error())

	p := getEntity[entity.Project](t, e, entity.Projects, f.projectID)
	assert.Equal(t, "active", p.Status)
	assert.Nil(t, p.CompletedAt)

	insts := e.instances(t)
	require.Len(t, insts, 1)
	assert.Equal(t, schema.InstanceStatusFailed, insts[0].Status)
	steps := e.stepStatuses(t, insts[0].ID)
	assert.Equal(t, schema.StepStatusFailed, steps[stepVerifyTasksCompleted])
	for _, name := range []string{stepGenerateFinalInvoice, stepMarkProjectCompleted, stepNotifyProjectCompleted} {
		assert.Equal(t, schema.StepStatusPending, steps[name], name)
	}

	assert.Empty(t, e.query(t, entity.Invoices, nil))
	assert.Empty(t, e.query(t, entity.Notifications, nil))
	assert.Len(t, e.query(t, entity.MembersOf(f.projectID), store.Filter{"active": true}), 2)
}

func TestProcessProjectCompletion_NoopHooks(t *testing.T) {
	e := newTestEnv(t, func(d *Deps) { d.Completion = NoopCompletion{} })
	f := seedProject(t, e, TaskStatusCompleted)

	require.NoError(t, e.orch.ProcessProjectCompletion(context.Background(), f.projectID))

	p := getEntity[entity.Project](t, e, entity.Projects, f.projectID)
	assert.Equal(t, ProjectStatusCompleted, p.Status)
	assert.Empty(t, p.FinalInvoiceID)
	assert.Empty(t, p.ReportID)
	require.NotNil(t, p.Metrics)
	assert.Equal(t, 1, p.Metrics.TaskCount)

	assert.Empty(t, e.query(t, entity.Invoices, nil))
	assert.Empty(t, e.query(t, entity.Reports, nil))
	assert.Len(t, e.query(t, entity.MembersOf(f.projectID), store.Filter{"active": true}), 2)
}

func TestProcessProjectCompletion_FullyInvoiced(t *testing.T) {
	e := newTestEnv(t)
	f := seedProject(t, e)
	e.insert(t, entity.Invoices, entity.Invoice{ProjectID: f.projectID, Total: 10000, Status: InvoiceStatusPaid})

	require.NoError(t, e.orch.ProcessProjectCompletion(context.Background(), f.projectID))

	p := getEntity[entity.Project](t, e, entity.Projects, f.projectID)
	assert.Empty(t, p.FinalInvoiceID)
	assert.Len(t, e.query(t, entity.Invoices, nil), 1)
	require.NotNil(t, p.Metrics)
	assert.Equal(t, 0, p.Metrics.TaskCount)
	assert.Equal(t, 100.0, p.Metrics.TasksCompletedPct)
}

func TestProcessProjectCompletion_Preconditions(t *testing.T) {
	e := newTestEnv(t)

	err := e.orch.ProcessProjectCompletion(context.Background(), "missing")
	assert.True(t, schema.IsNotFound(err))

	bad := e.insert(t, entity.Projects, entity.Project{Name: "No owner"})
	err = e.orch.ProcessProjectCompletion(context.Background(), bad)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	assert.Empty(t, e.instances(t))
}

func TestStandardCompletion_FeedbackWithoutContact(t *testing.T) {
	e := newTestEnv(t)
	hooks := NewStandardCompletion(e.store, e.orch.notifier, nil)

	id, err := hooks.RequestFeedback(context.Background(), &entity.Project{ID: "p1", Name: "Solo"}, fixedNow)
	require.NoError(t, err)

	fr := getEntity[entity.FeedbackRequest](t, e, entity.FeedbackRequests, id)
	assert.Equal(t, "pending", fr.Status)
	assert.Empty(t, fr.Recipient)
	assert.Empty(t, e.query(t, entity.EmailQueue, nil))
}

func TestProjectMetrics(t *testing.T) {
	deadline := fixedNow.AddDate(0, 0, -1)
	tests := []struct {
		name      string
		project   entity.Project
		total     int
		completed int
		want      entity.ProjectMetrics
	}{
		{
			name:      "late and under budget",
			project:   entity.Project{Budget: 8000, ActualCost: 6000, EndDate: &deadline},
			total:     4,
			completed: 4,
			want:      entity.ProjectMetrics{OnTime: false, BudgetVariance: -25, TasksCompletedPct: 100, TaskCount: 4},
		},
		{
			name:      "no budget and no end date",
			project:   entity.Project{ActualCost: 500},
			total:     3,
			completed: 2,
			want:      entity.ProjectMetrics{OnTime: true, BudgetVariance: 0, TasksCompletedPct: 66.67, TaskCount: 3},
		},
		{
			name:    "no tasks",
			project: entity.Project{Budget: 300, ActualCost: 400},
			want:    entity.ProjectMetrics{OnTime: true, BudgetVariance: 33.33, TasksCompletedPct: 100},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, projectMetrics(tt.project, tt.total, tt.completed, fixedNow))
		})
	}
}

func TestProjectMetrics_EndDateBoundary(t *testing.T) {
	end := fixedNow
	m := projectMetrics(entity.Project{EndDate: &end}, 0, 0, fixedNow)
	assert.True(t, m.OnTime)

	m = projectMetrics(entity.Project{EndDate: &end}, 0, 0, fixedNow.Add(time.Second))
	assert.False(t, m.OnTime)
}
