package entity

import "time"

// Opportunity is a sales deal.
type Opportunity struct {
	ID                 string     `json:"id,omitempty"`
	Name               string     `json:"name"`
	Description        string     `json:"description,omitempty"`
	Stage              string     `json:"stage"`
	Amount             float64    `json:"amount"`
	AccountID          string     `json:"accountId"`
	OwnerID            string     `json:"ownerId"`
	ProjectManagerID   string     `json:"projectManagerId,omitempty"`
	ProjectType        string     `json:"projectType,omitempty"`
	QuoteID            string     `json:"quoteId,omitempty"`
	ProjectID          string     `json:"projectId,omitempty"`
	ConvertedToProject bool       `json:"convertedToProject,omitempty"`
	ConvertedAt        *time.Time `json:"convertedAt,omitempty"`
}

// Account is a customer organisation.
type Account struct {
	ID               string   `json:"id,omitempty"`
	Name             string   `json:"name"`
	AccountManagerID string   `json:"accountManagerId,omitempty"`
	PortalEnabled    bool     `json:"portalEnabled,omitempty"`
	PortalBlocked    bool     `json:"portalBlocked,omitempty"`
	ActiveProjects   []string `json:"activeProjects,omitempty"`
	BillingEmail     string   `json:"billingEmail,omitempty"`
	ContactEmail     string   `json:"contactEmail,omitempty"`
}

// Project is a delivery engagement created from a won deal.
type Project struct {
	ID                   string          `json:"id,omitempty"`
	Code                 string          `json:"code"`
	Name                 string          `json:"name"`
	Description          string          `json:"description,omitempty"`
	AccountID            string          `json:"accountId,omitempty"`
	OpportunityID        string          `json:"opportunityId,omitempty"`
	OwnerID              string          `json:"ownerId"`
	ManagerID            string          `json:"managerId,omitempty"`
	ProjectType          string          `json:"projectType,omitempty"`
	Status               string          `json:"status"`
	Budget               float64         `json:"budget"`
	ActualCost           float64         `json:"actualCost,omitempty"`
	CompletionPercentage float64         `json:"completionPercentage"`
	StartDate            time.Time       `json:"startDate"`
	EndDate              *time.Time      `json:"endDate,omitempty"`
	CompletedAt          *time.Time      `json:"completedAt,omitempty"`
	FinalInvoiceID       string          `json:"finalInvoiceId,omitempty"`
	ReportID             string          `json:"reportId,omitempty"`
	Metrics              *ProjectMetrics `json:"metrics,omitempty"`
}

// ProjectMetrics summarises a closed project.
type ProjectMetrics struct {
	OnTime            bool     `json:"onTime"`
	BudgetVariance    float64  `json:"budgetVariance"`
	TasksCompletedPct float64  `json:"tasksCompletedPct"`
	TaskCount         int      `json:"taskCount"`
	Satisfaction      *float64 `json:"satisfaction"`
}

// Phase is one stage of a project plan.
type Phase struct {
	ID           string    `json:"id,omitempty"`
	ProjectID    string    `json:"projectId"`
	Name         string    `json:"name"`
	Order        int       `json:"order"`
	Weight       int       `json:"weight"`
	DurationDays int       `json:"durationDays"`
	StartDate    time.Time `json:"startDate"`
	EndDate      time.Time `json:"endDate"`
	Status       string    `json:"status"`
}

// Member is a user assigned to a project.
type Member struct {
	ID         string     `json:"id,omitempty"`
	UserID     string     `json:"userId"`
	Role       string     `json:"role"`
	Active     bool       `json:"active"`
	JoinedAt   time.Time  `json:"joinedAt"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
}

// PhaseSpec is a template entry describing one phase.
type PhaseSpec struct {
	Name         string `json:"name" yaml:"name"`
	Weight       int    `json:"weight" yaml:"weight"`
	DurationDays int    `json:"durationDays" yaml:"duration_days"`
}

// ProjectTemplate holds the phase plan for a project type.
type ProjectTemplate struct {
	ID          string      `json:"id,omitempty"`
	ProjectType string      `json:"projectType"`
	Name        string      `json:"name,omitempty"`
	Phases      []PhaseSpec `json:"phases"`
}

// ProjectDocument is a file attached to a project.
type ProjectDocument struct {
	ID         string     `json:"id,omitempty"`
	ProjectID  string     `json:"projectId"`
	Name       string     `json:"name"`
	Archived   bool       `json:"archived,omitempty"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

// Quote is a priced offer sent to an account.
type Quote struct {
	ID                  string     `json:"id,omitempty"`
	Title               string     `json:"title,omitempty"`
	Status              string     `json:"status"`
	Total               float64    `json:"total"`
	AccountID           string     `json:"accountId,omitempty"`
	OpportunityID       string     `json:"opportunityId,omitempty"`
	BillingFrequency    string     `json:"billingFrequency,omitempty"`
	ContractMonths      int        `json:"contractMonths,omitempty"`
	Recurring           bool       `json:"recurring,omitempty"`
	Retainer            bool       `json:"retainer,omitempty"`
	SLAPolicyID         string     `json:"slaPolicyId,omitempty"`
	CreatedBy           string     `json:"createdBy,omitempty"`
	ContractID          string     `json:"contractId,omitempty"`
	ConvertedToContract bool       `json:"convertedToContract,omitempty"`
	ConvertedAt         *time.Time `json:"convertedAt,omitempty"`
}

// Contract is a signed commercial agreement.
type Contract struct {
	ID               string    `json:"id,omitempty"`
	Code             string    `json:"code"`
	Title            string    `json:"title,omitempty"`
	QuoteID          string    `json:"quoteId"`
	AccountID        string    `json:"accountId,omitempty"`
	OpportunityID    string    `json:"opportunityId,omitempty"`
	Type             string    `json:"type"`
	Value            float64   `json:"value"`
	BillingFrequency string    `json:"billingFrequency"`
	StartDate        time.Time `json:"startDate"`
	EndDate          time.Time `json:"endDate"`
	Status           string    `json:"status"`
	SLAPolicyID      string    `json:"slaPolicyId,omitempty"`
	SLAResponseHours int       `json:"slaResponseHours,omitempty"`
	BillingEntries   int       `json:"billingEntries,omitempty"`
	CreatedBy        string    `json:"createdBy,omitempty"`
}

// BillingScheduleEntry is one invoicing period of a contract.
type BillingScheduleEntry struct {
	ID          string    `json:"id,omitempty"`
	ContractID  string    `json:"contractId"`
	Sequence    int       `json:"sequence"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
	DueDate     time.Time `json:"dueDate"`
	Amount      float64   `json:"amount"`
	Status      string    `json:"status"`
}

// SLAPolicy is a service-level commitment attached to contracts.
type SLAPolicy struct {
	ID              string `json:"id,omitempty"`
	Name            string `json:"name"`
	ResponseHours   int    `json:"responseHours"`
	ResolutionHours int    `json:"resolutionHours,omitempty"`
}

// Invoice is a bill sent to an account.
type Invoice struct {
	ID            string     `json:"id,omitempty"`
	Number        string     `json:"number,omitempty"`
	AccountID     string     `json:"accountId,omitempty"`
	ProjectID     string     `json:"projectId,omitempty"`
	Kind          string     `json:"kind,omitempty"`
	Total         float64    `json:"total"`
	PaidAmount    float64    `json:"paidAmount"`
	BalanceDue    float64    `json:"balanceDue"`
	Status        string     `json:"status"`
	DueDate       *time.Time `json:"dueDate,omitempty"`
	PaidAt        *time.Time `json:"paidAt,omitempty"`
	LastPaymentID string     `json:"lastPaymentId,omitempty"`
}

// Payment is money received against an invoice.
type Payment struct {
	ID            string     `json:"id,omitempty"`
	InvoiceID     string     `json:"invoiceId"`
	AccountID     string     `json:"accountId,omitempty"`
	Amount        float64    `json:"amount"`
	Method        string     `json:"method"`
	Status        string     `json:"status"`
	Reference     string     `json:"reference,omitempty"`
	PayerEmail    string     `json:"payerEmail,omitempty"`
	TransactionID string     `json:"transactionId,omitempty"`
	AppliedAt     *time.Time `json:"appliedAt,omitempty"`
}

// Transaction is a ledger entry.
type Transaction struct {
	ID        string    `json:"id,omitempty"`
	Type      string    `json:"type"`
	PaymentID string    `json:"paymentId,omitempty"`
	InvoiceID string    `json:"invoiceId,omitempty"`
	AccountID string    `json:"accountId,omitempty"`
	Amount    float64   `json:"amount"`
	Method    string    `json:"method,omitempty"`
	Reference string    `json:"reference,omitempty"`
	Date      time.Time `json:"date"`
}

// Candidate is a job applicant.
type Candidate struct {
	ID         string     `json:"id,omitempty"`
	FirstName  string     `json:"firstName"`
	LastName   string     `json:"lastName"`
	Email      string     `json:"email"`
	Phone      string     `json:"phone,omitempty"`
	Stage      string     `json:"stage"`
	Position   string     `json:"position,omitempty"`
	Department string     `json:"department,omitempty"`
	ManagerID  string     `json:"managerId,omitempty"`
	StartDate  *time.Time `json:"startDate,omitempty"`
	HiredDate  *time.Time `json:"hiredDate,omitempty"`
	EmployeeID string     `json:"employeeId,omitempty"`
}

// User is an internal staff account.
type User struct {
	ID           string          `json:"id,omitempty"`
	EmployeeCode string          `json:"employeeCode,omitempty"`
	Email        string          `json:"email"`
	FirstName    string          `json:"firstName"`
	LastName     string          `json:"lastName"`
	DisplayName  string          `json:"displayName,omitempty"`
	Phone        string          `json:"phone,omitempty"`
	Department   string          `json:"department,omitempty"`
	Title        string          `json:"title,omitempty"`
	ManagerID    string          `json:"managerId,omitempty"`
	Role         string          `json:"role"`
	Active       bool            `json:"active"`
	StartDate    *time.Time      `json:"startDate,omitempty"`
	CandidateID  string          `json:"candidateId,omitempty"`
	SystemAccess map[string]bool `json:"systemAccess,omitempty"`
}

// TrainingAssignment links a course to a person.
type TrainingAssignment struct {
	ID              string `json:"id,omitempty"`
	UserID          string `json:"userId"`
	CourseID        string `json:"courseId,omitempty"`
	Title           string `json:"title,omitempty"`
	TransferredFrom string `json:"transferredFrom,omitempty"`
}

// ChecklistItemSpec is a template entry of an onboarding checklist.
type ChecklistItemSpec struct {
	Title         string `json:"title" yaml:"title"`
	Owner         string `json:"owner,omitempty" yaml:"owner"`
	DaysFromStart int    `json:"daysFromStart" yaml:"days_from_start"`
}

// OnboardingTemplate is the per-department checklist template.
type OnboardingTemplate struct {
	ID         string              `json:"id,omitempty"`
	Name       string              `json:"name"`
	Department string              `json:"department"`
	Items      []ChecklistItemSpec `json:"items"`
}

// ChecklistItem is a dated onboarding task.
type ChecklistItem struct {
	Title     string    `json:"title"`
	Owner     string    `json:"owner,omitempty"`
	DueDate   time.Time `json:"dueDate"`
	Completed bool      `json:"completed"`
}

// OnboardingChecklist is the concrete checklist of a new hire.
type OnboardingChecklist struct {
	ID           string          `json:"id,omitempty"`
	UserID       string          `json:"userId"`
	TemplateName string          `json:"templateName"`
	StartDate    time.Time       `json:"startDate"`
	Items        []ChecklistItem `json:"items"`
	Status       string          `json:"status"`
}

// EquipmentItem is one line of an equipment request.
type EquipmentItem struct {
	Name     string `json:"name" yaml:"name"`
	Quantity int    `json:"quantity" yaml:"quantity"`
}

// EquipmentRequest asks IT to provision hardware for a new hire.
type EquipmentRequest struct {
	ID       string          `json:"id,omitempty"`
	UserID   string          `json:"userId"`
	Items    []EquipmentItem `json:"items"`
	NeededBy time.Time       `json:"neededBy"`
	Status   string          `json:"status"`
}

// Meeting is a calendar entry.
type Meeting struct {
	ID          string    `json:"id,omitempty"`
	Title       string    `json:"title"`
	Type        string    `json:"type"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AttendeeIDs []string  `json:"attendeeIds"`
	OrganizerID string    `json:"organizerId,omitempty"`
}

// PortalAccessGrant is a candidate's access to the careers portal.
type PortalAccessGrant struct {
	ID            string     `json:"id,omitempty"`
	CandidateID   string     `json:"candidateId"`
	Active        bool       `json:"active"`
	DeactivatedAt *time.Time `json:"deactivatedAt,omitempty"`
}

// Task is a unit of work, usually attached to a project or contract.
type Task struct {
	ID          string     `json:"id,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	ProjectID   string     `json:"projectId,omitempty"`
	ContractID  string     `json:"contractId,omitempty"`
	AssigneeID  string     `json:"assigneeId,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	Status      string     `json:"status"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// Report is a generated document, e.g. a project completion report.
type Report struct {
	ID          string          `json:"id,omitempty"`
	Type        string          `json:"type"`
	ProjectID   string          `json:"projectId,omitempty"`
	Title       string          `json:"title"`
	Summary     string          `json:"summary,omitempty"`
	Metrics     *ProjectMetrics `json:"metrics,omitempty"`
	GeneratedAt time.Time       `json:"generatedAt"`
}

// FeedbackRequest asks a client to rate a finished project.
type FeedbackRequest struct {
	ID        string    `json:"id,omitempty"`
	ProjectID string    `json:"projectId"`
	AccountID string    `json:"accountId,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	Status    string    `json:"status"`
	SentAt    time.Time `json:"sentAt"`
}

// Notification is an in-app message for a user.
type Notification struct {
	ID         string    `json:"id,omitempty"`
	UserID     string    `json:"userId"`
	Type       string    `json:"type"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	EntityType string    `json:"entityType,omitempty"`
	EntityID   string    `json:"entityId,omitempty"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Email is an outbound message waiting for the external mailer.
type Email struct {
	ID        string         `json:"id,omitempty"`
	To        string         `json:"to"`
	Template  string         `json:"template"`
	Data      map[string]any `json:"data,omitempty"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
}
