// Package workflow implements the business procedures of the console as
// forward-only sagas: deal to project, quote to contract, invoice payment,
// candidate hiring and project completion.
//
// Every procedure follows the same envelope. The source entity is loaded and
// checked before anything is written; a failed check creates no instance.
// Then an instance is created, the fixed step list runs in order, and the
// instance ends completed with a structured result or failed with the
// message of the step error, which is returned to the caller unchanged.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/bizflow/internal/catalog"
	"github.com/rendis/bizflow/internal/engine"
	"github.com/rendis/bizflow/internal/entity"
	"github.com/rendis/bizflow/internal/expressions"
	"github.com/rendis/bizflow/internal/logging"
	"github.com/rendis/bizflow/internal/notify"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/pkg/schema"
)

// DefaultAmountFormula reproduces the historical per-period billing amount.
const DefaultAmountFormula = "floor(100 / periodCount) / 100"

// DefaultGatewayMethods are payment methods settled by a payment gateway.
var DefaultGatewayMethods = []string{"stripe", "paypal"}

// EntityStore is the document store port.
type EntityStore = store.DocumentStore

// CodeIssuer hands out human-readable codes such as PRJ-202403-0007.
type CodeIssuer interface {
	Code(ctx context.Context, prefix string, at time.Time) (string, error)
}

// Notifier writes in-app notifications and queues email.
type Notifier interface {
	Notify(ctx context.Context, userID, typ, title, message string, ref *notify.EntityRef) (string, error)
	EnqueueEmail(ctx context.Context, to, template string, data map[string]any) (string, error)
}

// Runner executes a saga.
type Runner interface {
	Run(ctx context.Context, spec engine.RunSpec) (string, error)
}

// EntityValidator checks a source document against its collection schema.
type EntityValidator interface {
	Validate(collection string, doc map[string]any) error
}

// Config holds operator-tunable business rules.
type Config struct {
	// AmountFormula is an expr formula for the per-period billing amount.
	// Variables: contractValue, contractMonths, periodCount.
	AmountFormula string
	// GatewayMethods are payment methods accepted without a status check.
	GatewayMethods []string
}

// Deps are the collaborators of an Orchestrator. Store, Runner, Codes and
// Notifier are required; everything else has a default.
type Deps struct {
	Store        EntityStore
	Runner       Runner
	Codes        CodeIssuer
	Notifier     Notifier
	Catalog      *catalog.Catalog
	Validator    EntityValidator
	CEL          *expressions.CELEngine
	Expr         *expressions.ExprEngine
	JQ           *expressions.GoJQEngine
	Completion   CompletionHooks
	PaymentHooks []PaymentHook
	Config       Config
	Clock        func() time.Time
	Logger       *slog.Logger
}

// Orchestrator runs the five business workflows.
type Orchestrator struct {
	docs         EntityStore
	repo         *entity.Repository
	runner       Runner
	codes        CodeIssuer
	notifier     Notifier
	catalog      *catalog.Catalog
	validator    EntityValidator
	cel          *expressions.CELEngine
	expr         *expressions.ExprEngine
	jq           *expressions.GoJQEngine
	completion   CompletionHooks
	paymentHooks []PaymentHook
	formula      string
	gateways     map[string]bool
	now          func() time.Time
	logger       *slog.Logger
}

// New creates an Orchestrator.
func New(d Deps) (*Orchestrator, error) {
	if d.Store == nil || d.Runner == nil || d.Codes == nil || d.Notifier == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "orchestrator requires store, runner, codes and notifier")
	}

	o := &Orchestrator{
		docs:         d.Store,
		repo:         entity.NewRepository(d.Store),
		runner:       d.Runner,
		codes:        d.Codes,
		notifier:     d.Notifier,
		catalog:      d.Catalog,
		validator:    d.Validator,
		cel:          d.CEL,
		expr:         d.Expr,
		jq:           d.JQ,
		completion:   d.Completion,
		paymentHooks: d.PaymentHooks,
		formula:      strings.TrimSpace(d.Config.AmountFormula),
		now:          d.Clock,
		logger:       d.Logger,
	}

	if o.catalog == nil {
		c, err := catalog.Load()
		if err != nil {
			return nil, err
		}
		o.catalog = c
	}
	if o.cel == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		o.cel = cel
	}
	for _, r := range o.catalog.Employee.EquipmentRules {
		if err := o.cel.Check(r.When); err != nil {
			return nil, fmt.Errorf("equipment rule %s: %w", r.Name, err)
		}
	}
	if o.expr == nil {
		o.expr = expressions.NewExprEngine()
	}
	if o.jq == nil {
		o.jq = expressions.NewGoJQEngine()
	}
	if err := o.jq.Check(taskStatsQuery); err != nil {
		return nil, err
	}
	if o.formula == "" {
		o.formula = DefaultAmountFormula
	}
	methods := d.Config.GatewayMethods
	if len(methods) == 0 {
		methods = DefaultGatewayMethods
	}
	o.gateways = make(map[string]bool, len(methods))
	for _, m := range methods {
		o.gateways[strings.ToLower(strings.TrimSpace(m))] = true
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.completion == nil {
		o.completion = NewStandardCompletion(d.Store, d.Notifier, o.logger)
	}
	return o, nil
}

// Outcome describes one workflow invocation.
type Outcome struct {
	WorkflowType schema.WorkflowType `json:"workflow_type"`
	EntityID     string              `json:"entity_id"`
	// InstanceID is empty when the precondition check failed.
	InstanceID string `json:"instance_id,omitempty"`
	// CreatedID is the primary record created by the run, if any.
	CreatedID string `json:"created_id,omitempty"`
}

// Invoke runs the workflow named wfType against entityID.
func (o *Orchestrator) Invoke(ctx context.Context, wfType schema.WorkflowType, entityID string) (*Outcome, error) {
	out := &Outcome{WorkflowType: wfType, EntityID: entityID}
	var err error
	switch wfType {
	case schema.WorkflowDealToProject:
		out.InstanceID, out.CreatedID, err = o.convertDeal(ctx, entityID)
	case schema.WorkflowQuoteToContract:
		out.InstanceID, out.CreatedID, err = o.convertQuote(ctx, entityID, "", time.Time{})
	case schema.WorkflowInvoicePayment:
		out.InstanceID, out.CreatedID, err = o.processPayment(ctx, entityID)
	case schema.WorkflowCandidateHiring:
		out.InstanceID, out.CreatedID, err = o.hireCandidate(ctx, entityID)
	case schema.WorkflowProjectCompletion:
		out.InstanceID, out.CreatedID, err = o.completeProject(ctx, entityID)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown workflow type %q", wfType)
	}
	return out, err
}

// StepNames lists the steps of a workflow in execution order.
func StepNames(wfType schema.WorkflowType) ([]string, error) {
	names, ok := stepNames[wfType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown workflow type %q", wfType)
	}
	return append([]string(nil), names...), nil
}

var stepNames = map[schema.WorkflowType][]string{
	schema.WorkflowDealToProject: {
		stepCreateProject, stepCreatePhases, stepCreateKickoffTasks, stepRegisterMembers,
		stepEnablePortalAccess, stepConvertLinkedQuote, stepNotifyProjectCreated, stepMarkOpportunityConverted,
	},
	schema.WorkflowQuoteToContract: {
		stepCreateContract, stepBuildBillingSchedule, stepAttachSLAPolicy,
		stepCreateSignatureTask, stepMarkQuoteConverted, stepNotifyContractCreated,
	},
	schema.WorkflowInvoicePayment: {
		stepVerifyPayment, stepApplyToInvoice, stepRecordTransaction,
		stepRunPaidHooks, stepRefreshPortalAccess, stepSendPaymentReceipt,
	},
	schema.WorkflowCandidateHiring: {
		stepCreateEmployee, stepTransferTraining, stepCreateOnboardingChecklist, stepRequestEquipment,
		stepGrantSystemAccess, stepScheduleOrientation, stepMarkCandidateHired, stepDeactivatePortalAccess,
		stepSendWelcomeEmail,
	},
	schema.WorkflowProjectCompletion: {
		stepVerifyTasksCompleted, stepGenerateFinalInvoice, stepArchiveDocuments, stepComputeMetrics,
		stepGenerateCompletionReport, stepRequestClientFeedback, stepMarkProjectCompleted, stepReleaseTeam,
		stepNotifyProjectCompleted,
	},
}

// loadSource fetches a source document and checks it against the collection
// schema. It never writes.
func (o *Orchestrator) loadSource(ctx context.Context, collection, id string, out any) (store.Document, error) {
	if strings.TrimSpace(id) == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s id is required", collection)
	}
	doc, err := o.docs.GetDocument(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if o.validator != nil {
		if err := o.validator.Validate(collection, doc); err != nil {
			return nil, err
		}
	}
	if err := entity.Decode(doc, out); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	return doc, nil
}

// steps pairs step names with their functions, in order.
type steps []engine.Step

func (s *steps) add(name string, fn func(ctx context.Context) error) {
	*s = append(*s, engine.Step{Name: name, Run: fn})
}

func (o *Orchestrator) run(ctx context.Context, wfType schema.WorkflowType, parentID string, source store.Document,
	start time.Time, list steps, result func() any) (string, error) {
	return o.runner.Run(ctx, engine.RunSpec{
		WorkflowType: wfType,
		ParentID:     parentID,
		Context:      source,
		StartedAt:    start,
		Steps:        list,
		Result:       result,
	})
}

func (o *Orchestrator) log(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, o.logger)
}

// notifyUsers sends the catalog message key to every distinct non-empty user.
func (o *Orchestrator) notifyUsers(ctx context.Context, key string, data map[string]any, ref *notify.EntityRef, users ...string) ([]string, error) {
	title, body, err := o.catalog.Render(key, data)
	if err != nil {
		return nil, err
	}
	var sent []string
	for _, uid := range distinct(users...) {
		if _, err := o.notifier.Notify(ctx, uid, key, title, body, ref); err != nil {
			return sent, fmt.Errorf("notify %s: %w", uid, err)
		}
		sent = append(sent, uid)
	}
	return sent, nil
}

// distinct drops empty and repeated ids, keeping first occurrence order.
func distinct(ids ...string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func addDays(t time.Time, days int) time.Time {
	return t.AddDate(0, 0, days)
}
