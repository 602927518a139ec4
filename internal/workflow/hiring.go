package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/bizflow/internal/counter"
	"github.com/rendis/bizflow/internal/entity"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/pkg/schema"
)

const (
	stepCreateEmployee            = "create_employee"
	stepTransferTraining          = "transfer_training"
	stepCreateOnboardingChecklist = "create_onboarding_checklist"
	stepRequestEquipment          = "request_equipment"
	stepGrantSystemAccess         = "grant_system_access"
	stepScheduleOrientation       = "schedule_orientation"
	stepMarkCandidateHired        = "mark_candidate_hired"
	stepDeactivatePortalAccess    = "deactivate_portal_access"
	stepSendWelcomeEmail          = "send_welcome_email"
)

const StageHired = "hired"

type hiringRun struct {
	candidate entity.Candidate
	source    store.Document
	start     time.Time

	startDate         time.Time
	userID            string
	employeeCode      string
	trainingMoved     int
	checklistID       string
	templateName      string
	equipmentID       string
	equipment         []entity.EquipmentItem
	meetingID         string
	portalDeactivated int
}

// ProcessCandidateHiring creates the employee record for a hired candidate
// and sets up onboarding: training, checklist, equipment, system access and
// an orientation meeting.
func (o *Orchestrator) ProcessCandidateHiring(ctx context.Context, candidateID string) error {
	_, _, err := o.hireCandidate(ctx, candidateID)
	return err
}

func (o *Orchestrator) hireCandidate(ctx context.Context, candidateID string) (string, string, error) {
	r := &hiringRun{}
	source, err := o.loadSource(ctx, entity.Candidates, candidateID, &r.candidate)
	if err != nil {
		return "", "", err
	}
	r.source = source
	r.start = o.now()
	r.startDate = addDays(r.start, o.catalog.Employee.StartOffsetDays)
	if r.candidate.StartDate != nil && !r.candidate.StartDate.IsZero() {
		r.startDate = *r.candidate.StartDate
	}

	var list steps
	list.add(stepCreateEmployee, func(ctx context.Context) error { return o.createEmployee(ctx, r) })
	list.add(stepTransferTraining, func(ctx context.Context) error { return o.transferTraining(ctx, r) })
	list.add(stepCreateOnboardingChecklist, func(ctx context.Context) error { return o.createOnboardingChecklist(ctx, r) })
	list.add(stepRequestEquipment, func(ctx context.Context) error { return o.requestEquipment(ctx, r) })
	list.add(stepGrantSystemAccess, func(ctx context.Context) error { return o.grantSystemAccess(ctx, r) })
	list.add(stepScheduleOrientation, func(ctx context.Context) error { return o.scheduleOrientation(ctx, r) })
	list.add(stepMarkCandidateHired, func(ctx context.Context) error { return o.markCandidateHired(ctx, r) })
	list.add(stepDeactivatePortalAccess, func(ctx context.Context) error { return o.deactivatePortalAccess(ctx, r) })
	list.add(stepSendWelcomeEmail, func(ctx context.Context) error { return o.sendWelcomeEmail(ctx, r) })

	instanceID, err := o.run(ctx, schema.WorkflowCandidateHiring, "", source, r.start, list, func() any {
		return map[string]any{
			"userId":                  r.userID,
			"employeeCode":            r.employeeCode,
			"startDate":               r.startDate,
			"trainingTransferred":     r.trainingMoved,
			"checklistId":             r.checklistID,
			"checklistTemplate":       r.templateName,
			"equipmentRequestId":      r.equipmentID,
			"orientationMeetingId":    r.meetingID,
			"portalGrantsDeactivated": r.portalDeactivated,
		}
	})
	if err != nil {
		return instanceID, "", err
	}
	return instanceID, r.userID, nil
}

func (o *Orchestrator) createEmployee(ctx context.Context, r *hiringRun) error {
	c := r.candidate
	prefix := o.catalog.Employee.CodePrefix
	if prefix == "" {
		prefix = counter.PrefixEmployee
	}
	code, err := o.codes.Code(ctx, prefix, r.start)
	if err != nil {
		return err
	}

	startDate := r.startDate
	id, err := o.repo.Insert(ctx, entity.Users, entity.User{
		EmployeeCode: code,
		Email:        c.Email,
		FirstName:    c.FirstName,
		LastName:     c.LastName,
		DisplayName:  strings.TrimSpace(c.FirstName + " " + c.LastName),
		Phone:        c.Phone,
		Department:   c.Department,
		Title:        c.Position,
		ManagerID:    c.ManagerID,
		Role:         "employee",
		Active:       false,
		StartDate:    &startDate,
		CandidateID:  c.ID,
	})
	if err != nil {
		return fmt.Errorf("insert employee: %w", err)
	}
	r.userID = id
	r.employeeCode = code
	o.log(ctx).Info("employee created", "user_id", id, "employee_code", code)
	return nil
}

// transferTraining reassigns the candidate's training to the new user.
func (o *Orchestrator) transferTraining(ctx context.Context, r *hiringRun) error {
	assignments, err := o.docs.QueryDocuments(ctx, entity.TrainingAssignments, store.Filter{"userId": r.candidate.ID})
	if err != nil {
		return fmt.Errorf("query training assignments: %w", err)
	}
	for _, a := range assignments {
		id, _ := a["id"].(string)
		if err := o.repo.Update(ctx, entity.TrainingAssignments, id, store.Document{
			"userId":          r.userID,
			"transferredFrom": r.candidate.ID,
		}); err != nil {
			return fmt.Errorf("transfer training %s: %w", id, err)
		}
		r.trainingMoved++
	}
	return nil
}

// onboardingTemplate prefers a stored template for the department, then the
// catalog.
func (o *Orchestrator) onboardingTemplate(ctx context.Context, department string) (string, []entity.ChecklistItemSpec, error) {
	if department != "" {
		stored, err := entity.Query[entity.OnboardingTemplate](ctx, o.repo, entity.OnboardingTemplates,
			store.Filter{"department": department})
		if err != nil {
			return "", nil, fmt.Errorf("load onboarding template: %w", err)
		}
		if len(stored) > 0 {
			name := stored[0].Name
			if name == "" {
				name = department
			}
			return name, stored[0].Items, nil
		}
	}
	name, items := o.catalog.OnboardingItems(department)
	return name, items, nil
}

func (o *Orchestrator) createOnboardingChecklist(ctx context.Context, r *hiringRun) error {
	name, specs, err := o.onboardingTemplate(ctx, r.candidate.Department)
	if err != nil {
		return err
	}
	items := make([]entity.ChecklistItem, 0, len(specs))
	for _, s := range specs {
		items = append(items, entity.ChecklistItem{
			Title:   s.Title,
			Owner:   s.Owner,
			DueDate: addDays(r.startDate, s.DaysFromStart),
		})
	}
	id, err := o.repo.Insert(ctx, entity.OnboardingChecklists, entity.OnboardingChecklist{
		UserID:       r.userID,
		TemplateName: name,
		StartDate:    r.startDate,
		Items:        items,
		Status:       "pending",
	})
	if err != nil {
		return fmt.Errorf("insert onboarding checklist: %w", err)
	}
	r.checklistID = id
	r.templateName = name
	return nil
}

// equipmentBundle applies the catalog rules to the standard bundle. Items
// added by a rule are merged by name.
func (o *Orchestrator) equipmentBundle(ctx context.Context, r *hiringRun) ([]entity.EquipmentItem, error) {
	items := append([]entity.EquipmentItem(nil), o.catalog.Employee.Equipment...)
	vars := map[string]any{
		"position":   strings.ToLower(r.candidate.Position),
		"department": strings.ToLower(r.candidate.Department),
		"candidate":  r.source,
	}
	for _, rule := range o.catalog.Employee.EquipmentRules {
		ok, err := o.cel.EvaluateBool(ctx, rule.When, vars)
		if err != nil {
			return nil, fmt.Errorf("equipment rule %s: %w", rule.Name, err)
		}
		if !ok {
			continue
		}
		for _, add := range rule.Add {
			items = mergeEquipment(items, add)
		}
	}
	return items, nil
}

func mergeEquipment(items []entity.EquipmentItem, add entity.EquipmentItem) []entity.EquipmentItem {
	for i := range items {
		if strings.EqualFold(items[i].Name, add.Name) {
			items[i].Quantity += add.Quantity
			return items
		}
	}
	return append(items, add)
}

func (o *Orchestrator) requestEquipment(ctx context.Context, r *hiringRun) error {
	items, err := o.equipmentBundle(ctx, r)
	if err != nil {
		return err
	}
	id, err := o.repo.Insert(ctx, entity.EquipmentRequests, entity.EquipmentRequest{
		UserID:   r.userID,
		Items:    items,
		NeededBy: r.startDate,
		Status:   "requested",
	})
	if err != nil {
		return fmt.Errorf("insert equipment request: %w", err)
	}
	r.equipmentID = id
	r.equipment = items
	return nil
}

func (o *Orchestrator) grantSystemAccess(ctx context.Context, r *hiringRun) error {
	access := make(map[string]any, len(o.catalog.Employee.SystemAccess))
	for k, v := range o.catalog.Employee.SystemAccess {
		access[k] = v
	}
	return o.repo.Update(ctx, entity.Users, r.userID, store.Document{"systemAccess": access})
}

func (o *Orchestrator) scheduleOrientation(ctx context.Context, r *hiringRun) error {
	length := o.catalog.Employee.OrientationDuration
	if length <= 0 {
		length = 2 * time.Hour
	}
	name := strings.TrimSpace(r.candidate.FirstName + " " + r.candidate.LastName)
	id, err := o.repo.Insert(ctx, entity.Meetings, entity.Meeting{
		Title:       "New hire orientation: " + name,
		Type:        "orientation",
		Start:       r.startDate,
		End:         r.startDate.Add(length),
		AttendeeIDs: distinct(r.userID, r.candidate.ManagerID),
		OrganizerID: r.candidate.ManagerID,
	})
	if err != nil {
		return fmt.Errorf("insert orientation meeting: %w", err)
	}
	r.meetingID = id
	return nil
}

func (o *Orchestrator) markCandidateHired(ctx context.Context, r *hiringRun) error {
	return o.repo.Update(ctx, entity.Candidates, r.candidate.ID, store.Document{
		"stage":      StageHired,
		"hiredDate":  r.start,
		"employeeId": r.userID,
	})
}

func (o *Orchestrator) deactivatePortalAccess(ctx context.Context, r *hiringRun) error {
	grants, err := o.docs.QueryDocuments(ctx, entity.PortalAccess, store.Filter{
		"candidateId": r.candidate.ID,
		"active":      true,
	})
	if err != nil {
		return fmt.Errorf("query portal access: %w", err)
	}
	for _, g := range grants {
		id, _ := g["id"].(string)
		if err := o.repo.Update(ctx, entity.PortalAccess, id, store.Document{
			"active":        false,
			"deactivatedAt": r.start,
		}); err != nil {
			return fmt.Errorf("deactivate portal access %s: %w", id, err)
		}
		r.portalDeactivated++
	}
	return nil
}

func (o *Orchestrator) sendWelcomeEmail(ctx context.Context, r *hiringRun) error {
	_, err := o.notifier.EnqueueEmail(ctx, r.candidate.Email, "welcome", map[string]any{
		"firstName":    r.candidate.FirstName,
		"employeeCode": r.employeeCode,
		"startDate":    r.startDate.Format(time.DateOnly),
		"department":   r.candidate.Department,
		"position":     r.candidate.Position,
	})
	return err
}
