package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/bizflow/internal/catalog"
	"github.com/rendis/bizflow/internal/counter"
	"github.com/rendis/bizflow/internal/engine"
	"github.com/rendis/bizflow/internal/entity"
	"github.com/rendis/bizflow/internal/notify"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/pkg/schema"
)

const (
	stepCreateProject            = "create_project"
	stepCreatePhases             = "create_phases"
	stepCreateKickoffTasks       = "create_kickoff_tasks"
	stepRegisterMembers          = "register_members"
	stepEnablePortalAccess       = "enable_portal_access"
	stepConvertLinkedQuote       = "convert_linked_quote"
	stepNotifyProjectCreated     = "notify_project_created"
	stepMarkOpportunityConverted = "mark_opportunity_converted"
)

const (
	StageWon              = "won"
	ProjectStatusPlanning = "planning"
	PhaseStatusPending    = "pending"
	TaskStatusPending     = "pending"
	TaskStatusCompleted   = "completed"
)

// dealRun carries state between the steps of one deal conversion.
type dealRun struct {
	opp   entity.Opportunity
	start time.Time

	account    *entity.Account
	projectID  string
	project    entity.Project
	phases     []entity.Phase
	taskIDs    []string
	memberIDs  []string
	contractID string
	notified   []string
}

// ConvertDealToProject turns a won opportunity into a project with a phase
// plan, kickoff tasks and members, enables the client portal, converts a
// linked quote and marks the opportunity converted. It returns the project id.
//
// Converting the same opportunity twice creates a second project.
func (o *Orchestrator) ConvertDealToProject(ctx context.Context, opportunityID string) (string, error) {
	_, projectID, err := o.convertDeal(ctx, opportunityID)
	return projectID, err
}

func (o *Orchestrator) convertDeal(ctx context.Context, opportunityID string) (string, string, error) {
	r := &dealRun{}
	source, err := o.loadSource(ctx, entity.Opportunities, opportunityID, &r.opp)
	if err != nil {
		return "", "", err
	}
	if r.opp.Stage != StageWon {
		return "", "", schema.NewError(schema.ErrCodePrecondition, "Only won deals can be converted to projects").
			WithDetails(map[string]any{"opportunity_id": opportunityID, "stage": r.opp.Stage})
	}
	r.start = o.now()

	var list steps
	list.add(stepCreateProject, func(ctx context.Context) error { return o.createProject(ctx, r) })
	list.add(stepCreatePhases, func(ctx context.Context) error { return o.createPhases(ctx, r) })
	list.add(stepCreateKickoffTasks, func(ctx context.Context) error { return o.createKickoffTasks(ctx, r) })
	list.add(stepRegisterMembers, func(ctx context.Context) error { return o.registerMembers(ctx, r) })
	list.add(stepEnablePortalAccess, func(ctx context.Context) error { return o.enablePortalAccess(ctx, r) })
	list.add(stepConvertLinkedQuote, func(ctx context.Context) error { return o.convertLinkedQuote(ctx, r) })
	list.add(stepNotifyProjectCreated, func(ctx context.Context) error { return o.notifyProjectCreated(ctx, r) })
	list.add(stepMarkOpportunityConverted, func(ctx context.Context) error { return o.markOpportunityConverted(ctx, r) })

	instanceID, err := o.run(ctx, schema.WorkflowDealToProject, "", source, r.start, list, func() any {
		return map[string]any{
			"projectId":   r.projectID,
			"projectCode": r.project.Code,
			"phaseCount":  len(r.phases),
			"taskIds":     r.taskIDs,
			"memberIds":   r.memberIDs,
			"contractId":  r.contractID,
			"notified":    r.notified,
		}
	})
	if err != nil {
		return instanceID, "", err
	}
	return instanceID, r.projectID, nil
}

func (o *Orchestrator) createProject(ctx context.Context, r *dealRun) error {
	account, err := entity.Get[entity.Account](ctx, o.repo, entity.Accounts, r.opp.AccountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	r.account = account

	prefix := o.catalog.Project.CodePrefix
	if prefix == "" {
		prefix = counter.PrefixProject
	}
	code, err := o.codes.Code(ctx, prefix, r.start)
	if err != nil {
		return err
	}

	manager := r.opp.ProjectManagerID
	if manager == "" {
		manager = account.AccountManagerID
	}
	if manager == "" {
		manager = r.opp.OwnerID
	}

	r.project = entity.Project{
		Code:          code,
		Name:          r.opp.Name,
		Description:   r.opp.Description,
		AccountID:     r.opp.AccountID,
		OpportunityID: r.opp.ID,
		OwnerID:       r.opp.OwnerID,
		ManagerID:     manager,
		ProjectType:   r.opp.ProjectType,
		Status:        ProjectStatusPlanning,
		Budget:        r.opp.Amount,
		StartDate:     r.start,
	}
	id, err := o.repo.Insert(ctx, entity.Projects, r.project)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	r.projectID = id
	r.project.ID = id
	o.log(ctx).Info("project created", "project_id", id, "code", code)
	return nil
}

// phasePlan returns the template for the opportunity's project type, or the
// catalog default when there is none.
func (o *Orchestrator) phasePlan(ctx context.Context, projectType string) ([]entity.PhaseSpec, error) {
	if projectType != "" {
		templates, err := entity.Query[entity.ProjectTemplate](ctx, o.repo, entity.ProjectTemplates,
			store.Filter{"projectType": projectType})
		if err != nil {
			return nil, fmt.Errorf("load project template: %w", err)
		}
		if len(templates) > 0 {
			plan := templates[0].Phases
			if err := catalog.ValidatePhases(plan); err != nil {
				return nil, fmt.Errorf("project template %q: %w", projectType, err)
			}
			return plan, nil
		}
	}
	return o.catalog.Project.Phases, nil
}

// layoutPhases places phases back to back from start: every phase ends
// where the next one begins.
func layoutPhases(projectID string, plan []entity.PhaseSpec, start time.Time) []entity.Phase {
	phases := make([]entity.Phase, 0, len(plan))
	cursor := start
	for i, p := range plan {
		end := addDays(cursor, p.DurationDays)
		phases = append(phases, entity.Phase{
			ProjectID:    projectID,
			Name:         p.Name,
			Order:        i + 1,
			Weight:       p.Weight,
			DurationDays: p.DurationDays,
			StartDate:    cursor,
			EndDate:      end,
			Status:       PhaseStatusPending,
		})
		cursor = end
	}
	return phases
}

func (o *Orchestrator) createPhases(ctx context.Context, r *dealRun) error {
	plan, err := o.phasePlan(ctx, r.opp.ProjectType)
	if err != nil {
		return err
	}
	phases := layoutPhases(r.projectID, plan, r.start)
	for i := range phases {
		id, err := o.repo.Insert(ctx, entity.PhasesOf(r.projectID), phases[i])
		if err != nil {
			return fmt.Errorf("insert phase %s: %w", phases[i].Name, err)
		}
		phases[i].ID = id
	}
	r.phases = phases

	end := phases[len(phases)-1].EndDate
	r.project.EndDate = &end
	return o.repo.Update(ctx, entity.Projects, r.projectID, store.Document{"endDate": end})
}

func (o *Orchestrator) createKickoffTasks(ctx context.Context, r *dealRun) error {
	for _, spec := range o.catalog.Project.KickoffTasks {
		due := addDays(r.start, spec.DueInDays)
		id, err := o.repo.Insert(ctx, entity.Tasks, entity.Task{
			Title:       spec.Title,
			Description: spec.Description,
			ProjectID:   r.projectID,
			AssigneeID:  r.opp.OwnerID,
			Priority:    spec.Priority,
			Status:      TaskStatusPending,
			DueDate:     &due,
		})
		if err != nil {
			return fmt.Errorf("insert kickoff task %q: %w", spec.Title, err)
		}
		r.taskIDs = append(r.taskIDs, id)
	}
	return nil
}

func (o *Orchestrator) registerMembers(ctx context.Context, r *dealRun) error {
	roles := map[string]string{r.project.OwnerID: "owner"}
	if _, ok := roles[r.project.ManagerID]; !ok {
		roles[r.project.ManagerID] = "manager"
	}
	for _, uid := range distinct(r.project.OwnerID, r.project.ManagerID) {
		// Member documents are keyed by user id.
		if _, err := o.repo.Insert(ctx, entity.MembersOf(r.projectID), entity.Member{
			ID:       uid,
			UserID:   uid,
			Role:     roles[uid],
			Active:   true,
			JoinedAt: r.start,
		}); err != nil {
			return fmt.Errorf("register member %s: %w", uid, err)
		}
		r.memberIDs = append(r.memberIDs, uid)
	}
	return nil
}

func (o *Orchestrator) enablePortalAccess(ctx context.Context, r *dealRun) error {
	if err := o.repo.Update(ctx, entity.Accounts, r.opp.AccountID, store.Document{"portalEnabled": true}); err != nil {
		return fmt.Errorf("enable portal: %w", err)
	}
	if err := o.repo.Append(ctx, entity.Accounts, r.opp.AccountID, "activeProjects", r.projectID); err != nil {
		return fmt.Errorf("add active project: %w", err)
	}
	return nil
}

func (o *Orchestrator) convertLinkedQuote(ctx context.Context, r *dealRun) error {
	if r.opp.QuoteID == "" {
		return nil
	}
	_, contractID, err := o.convertQuote(ctx, r.opp.QuoteID, engine.InstanceID(ctx), r.start)
	if err != nil {
		return err
	}
	r.contractID = contractID
	return nil
}

func (o *Orchestrator) notifyProjectCreated(ctx context.Context, r *dealRun) error {
	data := map[string]any{
		"project": map[string]any{
			"id":   r.projectID,
			"code": r.project.Code,
			"name": r.project.Name,
		},
	}
	sent, err := o.notifyUsers(ctx, "project_created", data,
		&notify.EntityRef{Type: "project", ID: r.projectID},
		r.opp.OwnerID, r.account.AccountManagerID)
	r.notified = sent
	return err
}

func (o *Orchestrator) markOpportunityConverted(ctx context.Context, r *dealRun) error {
	return o.repo.Update(ctx, entity.Opportunities, r.opp.ID, store.Document{
		"projectId":          r.projectID,
		"convertedToProject": true,
		"convertedAt":        r.start,
	})
}
