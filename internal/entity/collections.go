package entity

import "github.com/rendis/bizflow/internal/store"

// Collection names of the entity store.
const (
	Opportunities        = "opportunities"
	Accounts             = "accounts"
	Projects             = "projects"
	ProjectTemplates     = "project_templates"
	ProjectDocuments     = "project_documents"
	Quotes               = "quotes"
	Contracts            = "contracts"
	BillingSchedules     = "billing_schedules"
	SLAPolicies          = "sla_policies"
	Invoices             = "invoices"
	Payments             = "payments"
	Transactions         = "transactions"
	Candidates           = "candidates"
	Users                = "users"
	TrainingAssignments  = "training_assignments"
	OnboardingTemplates  = "onboarding_templates"
	OnboardingChecklists = "onboarding_checklists"
	EquipmentRequests    = "equipment_requests"
	Meetings             = "meetings"
	PortalAccess         = "portal_access"
	Tasks                = "tasks"
	Reports              = "reports"
	FeedbackRequests     = "feedback_requests"
	Notifications        = "notifications"
	EmailQueue           = "email_queue"
)

// PhasesOf is the phase sub-collection of a project.
func PhasesOf(projectID string) string {
	return store.SubCollection(Projects, projectID, "phases")
}

// MembersOf is the member sub-collection of a project.
func MembersOf(projectID string) string {
	return store.SubCollection(Projects, projectID, "members")
}
