package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/bizflow/internal/entity"
	"github.com/rendis/bizflow/internal/expressions"
	"github.com/rendis/bizflow/internal/notify"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/pkg/schema"
)

const (
	stepVerifyTasksCompleted     = "verify_tasks_completed"
	stepGenerateFinalInvoice     = "generate_final_invoice"
	stepArchiveDocuments         = "archive_documents"
	stepComputeMetrics           = "compute_metrics"
	stepGenerateCompletionReport = "generate_completion_report"
	stepRequestClientFeedback    = "request_client_feedback"
	stepMarkProjectCompleted     = "mark_project_completed"
	stepReleaseTeam              = "release_team"
	stepNotifyProjectCompleted   = "notify_project_completed"
)

const ProjectStatusCompleted = "completed"

// taskStatsQuery counts the tasks of a project and how many are completed.
const taskStatsQuery = `{total: (.tasks | length), completed: ([.tasks[] | select(.status == "completed")] | length)}`

// CompletionHooks perform the closing work of a finished project.
type CompletionHooks interface {
	// GenerateFinalInvoice returns the id of the final invoice, or "" when
	// nothing is left to bill.
	GenerateFinalInvoice(ctx context.Context, p *entity.Project, at time.Time) (string, error)
	// ArchiveDocuments returns how many documents were archived.
	ArchiveDocuments(ctx context.Context, p *entity.Project, at time.Time) (int, error)
	GenerateReport(ctx context.Context, p *entity.Project, m entity.ProjectMetrics, at time.Time) (string, error)
	RequestFeedback(ctx context.Context, p *entity.Project, at time.Time) (string, error)
	// ReleaseTeam returns how many members were released.
	ReleaseTeam(ctx context.Context, p *entity.Project, at time.Time) (int, error)
}

type completionRun struct {
	project entity.Project
	start   time.Time

	tasks      []store.Document
	invoiceID  string
	archived   int
	metrics    entity.ProjectMetrics
	reportID   string
	feedbackID string
	released   int
	notified   []string
}

// ProcessProjectCompletion closes a project whose tasks are all completed:
// final invoice, document archive, metrics, report, client feedback, status
// update, team release and notifications. Any open task aborts the run
// before the project is touched.
func (o *Orchestrator) ProcessProjectCompletion(ctx context.Context, projectID string) error {
	_, _, err := o.completeProject(ctx, projectID)
	return err
}

func (o *Orchestrator) completeProject(ctx context.Context, projectID string) (string, string, error) {
	r := &completionRun{}
	source, err := o.loadSource(ctx, entity.Projects, projectID, &r.project)
	if err != nil {
		return "", "", err
	}
	r.start = o.now()

	var list steps
	list.add(stepVerifyTasksCompleted, func(ctx context.Context) error { return o.verifyTasksCompleted(ctx, r) })
	list.add(stepGenerateFinalInvoice, func(ctx context.Context) error {
		id, err := o.completion.GenerateFinalInvoice(ctx, &r.project, r.start)
		r.invoiceID = id
		return err
	})
	list.add(stepArchiveDocuments, func(ctx context.Context) error {
		n, err := o.completion.ArchiveDocuments(ctx, &r.project, r.start)
		r.archived = n
		return err
	})
	list.add(stepComputeMetrics, func(ctx context.Context) error { return o.computeMetrics(ctx, r) })
	list.add(stepGenerateCompletionReport, func(ctx context.Context) error {
		id, err := o.completion.GenerateReport(ctx, &r.project, r.metrics, r.start)
		r.reportID = id
		return err
	})
	list.add(stepRequestClientFeedback, func(ctx context.Context) error {
		id, err := o.completion.RequestFeedback(ctx, &r.project, r.start)
		r.feedbackID = id
		return err
	})
	list.add(stepMarkProjectCompleted, func(ctx context.Context) error { return o.markProjectCompleted(ctx, r) })
	list.add(stepReleaseTeam, func(ctx context.Context) error {
		n, err := o.completion.ReleaseTeam(ctx, &r.project, r.start)
		r.released = n
		return err
	})
	list.add(stepNotifyProjectCompleted, func(ctx context.Context) error { return o.notifyProjectCompleted(ctx, r) })

	instanceID, err := o.run(ctx, schema.WorkflowProjectCompletion, "", source, r.start, list, func() any {
		return map[string]any{
			"projectId":         r.project.ID,
			"finalInvoiceId":    r.invoiceID,
			"documentsArchived": r.archived,
			"metrics":           r.metrics,
			"reportId":          r.reportID,
			"feedbackRequestId": r.feedbackID,
			"membersReleased":   r.released,
			"notified":          r.notified,
		}
	})
	if err != nil {
		return instanceID, "", err
	}
	return instanceID, r.reportID, nil
}

func (o *Orchestrator) verifyTasksCompleted(ctx context.Context, r *completionRun) error {
	tasks, err := o.docs.QueryDocuments(ctx, entity.Tasks, store.Filter{"projectId": r.project.ID})
	if err != nil {
		return fmt.Errorf("query project tasks: %w", err)
	}
	var open []string
	for _, t := range tasks {
		if status, _ := t["status"].(string); status != TaskStatusCompleted {
			id, _ := t["id"].(string)
			open = append(open, id)
		}
	}
	if len(open) > 0 {
		return schema.NewErrorf(schema.ErrCodeIncompleteTasks,
			"Cannot complete project: %d of %d tasks are not completed", len(open), len(tasks)).
			WithDetails(map[string]any{"project_id": r.project.ID, "open_tasks": open})
	}
	r.tasks = tasks
	return nil
}

func (o *Orchestrator) computeMetrics(ctx context.Context, r *completionRun) error {
	out, err := o.jq.Evaluate(ctx, taskStatsQuery, map[string]any{"tasks": r.tasks})
	if err != nil {
		return err
	}
	stats, ok := out.(map[string]any)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeEvaluation, "task stats query returned %T", out)
	}
	total, err := expressions.AsFloat(stats["total"])
	if err != nil {
		return err
	}
	completed, err := expressions.AsFloat(stats["completed"])
	if err != nil {
		return err
	}

	r.metrics = projectMetrics(r.project, int(total), int(completed), r.start)
	return nil
}

// projectMetrics derives closing metrics. A project without tasks counts as
// fully completed; satisfaction stays unset until client feedback arrives.
func projectMetrics(p entity.Project, total, completed int, at time.Time) entity.ProjectMetrics {
	m := entity.ProjectMetrics{
		OnTime:            p.EndDate == nil || !at.After(*p.EndDate),
		TasksCompletedPct: 100,
		TaskCount:         total,
	}
	if total > 0 {
		m.TasksCompletedPct = roundCents(float64(completed) * 100 / float64(total))
	}
	if p.Budget > 0 {
		m.BudgetVariance = roundCents((p.ActualCost - p.Budget) / p.Budget * 100)
	}
	return m
}

func (o *Orchestrator) markProjectCompleted(ctx context.Context, r *completionRun) error {
	metrics, err := entity.Encode(r.metrics)
	if err != nil {
		return err
	}
	patch := store.Document{
		"status":               ProjectStatusCompleted,
		"completionPercentage": 100,
		"completedAt":          r.start,
		"metrics":              metrics,
	}
	if r.invoiceID != "" {
		patch["finalInvoiceId"] = r.invoiceID
	}
	if r.reportID != "" {
		patch["reportId"] = r.reportID
	}
	return o.repo.Update(ctx, entity.Projects, r.project.ID, patch)
}

func (o *Orchestrator) notifyProjectCompleted(ctx context.Context, r *completionRun) error {
	data := map[string]any{
		"project": map[string]any{
			"id":   r.project.ID,
			"code": r.project.Code,
			"name": r.project.Name,
		},
	}
	sent, err := o.notifyUsers(ctx, "project_completed", data,
		&notify.EntityRef{Type: "project", ID: r.project.ID},
		r.project.OwnerID, r.project.ManagerID)
	r.notified = sent
	return err
}

// --- Completion hooks ---

// StandardCompletion performs the closing work against the entity store.
type StandardCompletion struct {
	docs     store.DocumentStore
	repo     *entity.Repository
	notifier Notifier
	logger   *slog.Logger
}

// NewStandardCompletion creates the default CompletionHooks.
func NewStandardCompletion(docs store.DocumentStore, notifier Notifier, logger *slog.Logger) *StandardCompletion {
	if logger == nil {
		logger = slog.Default()
	}
	return &StandardCompletion{docs: docs, repo: entity.NewRepository(docs), notifier: notifier, logger: logger}
}

// GenerateFinalInvoice drafts an invoice for the part of the budget not yet
// invoiced.
func (s *StandardCompletion) GenerateFinalInvoice(ctx context.Context, p *entity.Project, at time.Time) (string, error) {
	invoices, err := entity.Query[entity.Invoice](ctx, s.repo, entity.Invoices, store.Filter{"projectId": p.ID})
	if err != nil {
		return "", fmt.Errorf("query project invoices: %w", err)
	}
	var invoiced float64
	for _, inv := range invoices {
		invoiced += inv.Total
	}
	remainder := roundCents(p.Budget - invoiced)
	if remainder <= 0 {
		s.logger.InfoContext(ctx, "project fully invoiced", "project_id", p.ID, "invoiced", invoiced)
		return "", nil
	}

	due := at.AddDate(0, 0, 30)
	return s.repo.Insert(ctx, entity.Invoices, entity.Invoice{
		Number:     "FINAL-" + p.Code,
		AccountID:  p.AccountID,
		ProjectID:  p.ID,
		Kind:       "final",
		Total:      remainder,
		BalanceDue: remainder,
		Status:     "draft",
		DueDate:    &due,
	})
}

// ArchiveDocuments flags every unarchived project document as archived.
func (s *StandardCompletion) ArchiveDocuments(ctx context.Context, p *entity.Project, at time.Time) (int, error) {
	docs, err := s.docs.QueryDocuments(ctx, entity.ProjectDocuments, store.Filter{"projectId": p.ID})
	if err != nil {
		return 0, fmt.Errorf("query project documents: %w", err)
	}
	n := 0
	for _, d := range docs {
		if archived, _ := d["archived"].(bool); archived {
			continue
		}
		id, _ := d["id"].(string)
		if err := s.repo.Update(ctx, entity.ProjectDocuments, id, store.Document{"archived": true, "archivedAt": at}); err != nil {
			return n, fmt.Errorf("archive document %s: %w", id, err)
		}
		n++
	}
	return n, nil
}

// GenerateReport stores a completion report.
func (s *StandardCompletion) GenerateReport(ctx context.Context, p *entity.Project, m entity.ProjectMetrics, at time.Time) (string, error) {
	onTime := "late"
	if m.OnTime {
		onTime = "on time"
	}
	metrics := m
	return s.repo.Insert(ctx, entity.Reports, entity.Report{
		Type:      "project_completion",
		ProjectID: p.ID,
		Title:     "Completion report: " + p.Name,
		Summary: fmt.Sprintf("%s closed %s with %d tasks (%.0f%% completed) and a budget variance of %.2f%%.",
			p.Code, onTime, m.TaskCount, m.TasksCompletedPct, m.BudgetVariance),
		Metrics:     &metrics,
		GeneratedAt: at,
	})
}

// RequestFeedback records a feedback request and emails the account contact.
func (s *StandardCompletion) RequestFeedback(ctx context.Context, p *entity.Project, at time.Time) (string, error) {
	var recipient string
	if p.AccountID != "" {
		account, err := entity.Get[entity.Account](ctx, s.repo, entity.Accounts, p.AccountID)
		if err != nil && !schema.IsNotFound(err) {
			return "", fmt.Errorf("load account: %w", err)
		}
		if account != nil {
			recipient = account.ContactEmail
			if recipient == "" {
				recipient = account.BillingEmail
			}
		}
	}

	status := "sent"
	if recipient == "" {
		status = "pending"
	}
	id, err := s.repo.Insert(ctx, entity.FeedbackRequests, entity.FeedbackRequest{
		ProjectID: p.ID,
		AccountID: p.AccountID,
		Recipient: recipient,
		Status:    status,
		SentAt:    at,
	})
	if err != nil {
		return "", fmt.Errorf("insert feedback request: %w", err)
	}
	if recipient == "" {
		s.logger.WarnContext(ctx, "no client contact for feedback request", "project_id", p.ID)
		return id, nil
	}
	if _, err := s.notifier.EnqueueEmail(ctx, recipient, "feedback_request", map[string]any{
		"projectId":         p.ID,
		"projectName":       p.Name,
		"feedbackRequestId": id,
	}); err != nil {
		return id, err
	}
	return id, nil
}

// ReleaseTeam deactivates every active project member.
func (s *StandardCompletion) ReleaseTeam(ctx context.Context, p *entity.Project, at time.Time) (int, error) {
	members, err := s.docs.QueryDocuments(ctx, entity.MembersOf(p.ID), store.Filter{"active": true})
	if err != nil {
		return 0, fmt.Errorf("query members: %w", err)
	}
	for i, m := range members {
		id, _ := m["id"].(string)
		if err := s.repo.Update(ctx, entity.MembersOf(p.ID), id, store.Document{"active": false, "releasedAt": at}); err != nil {
			return i, fmt.Errorf("release member %s: %w", id, err)
		}
	}
	return len(members), nil
}

// NoopCompletion leaves the closing work to external systems.
type NoopCompletion struct{}

func (NoopCompletion) GenerateFinalInvoice(context.Context, *entity.Project, time.Time) (string, error) {
	return "", nil
}

func (NoopCompletion) ArchiveDocuments(context.Context, *entity.Project, time.Time) (int, error) {
	return 0, nil
}

func (NoopCompletion) GenerateReport(context.Context, *entity.Project, entity.ProjectMetrics, time.Time) (string, error) {
	return "", nil
}

func (NoopCompletion) RequestFeedback(context.Context, *entity.Project, time.Time) (string, error) {
	return "", nil
}

func (NoopCompletion) ReleaseTeam(context.Context, *entity.Project, time.Time) (int, error) {
	return 0, nil
}

var (
	_ CompletionHooks = (*StandardCompletion)(nil)
	_ CompletionHooks = NoopCompletion{}
)
