package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/bizflow/internal/counter"
	"github.com/rendis/bizflow/internal/entity"
	"github.com/rendis/bizflow/internal/notify"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/pkg/schema"
)

const (
	stepCreateContract        = "create_contract"
	stepBuildBillingSchedule  = "build_billing_schedule"
	stepAttachSLAPolicy       = "attach_sla_policy"
	stepCreateSignatureTask   = "create_signature_task"
	stepMarkQuoteConverted    = "mark_quote_converted"
	stepNotifyContractCreated = "notify_contract_created"
)

const (
	QuoteStatusAccepted            = "accepted"
	ContractStatusPendingSignature = "pending_signature"
	BillingStatusScheduled         = "scheduled"
)

type quoteRun struct {
	quote entity.Quote
	start time.Time

	months          int
	frequency       string
	contractID      string
	contract        entity.Contract
	entries         int
	amountPerPeriod float64
	taskID          string
}

// ConvertQuoteToContract turns an accepted quote into a contract with a
// billing schedule and a signature task. It returns the contract id.
func (o *Orchestrator) ConvertQuoteToContract(ctx context.Context, quoteID string) (string, error) {
	_, contractID, err := o.convertQuote(ctx, quoteID, "", time.Time{})
	return contractID, err
}

// convertQuote runs the conversion. A non-empty parentID makes it a child
// run that shares the parent's start time.
func (o *Orchestrator) convertQuote(ctx context.Context, quoteID, parentID string, start time.Time) (string, string, error) {
	r := &quoteRun{}
	source, err := o.loadSource(ctx, entity.Quotes, quoteID, &r.quote)
	if err != nil {
		return "", "", err
	}
	if r.quote.Status != QuoteStatusAccepted {
		return "", "", schema.NewError(schema.ErrCodePrecondition, "Only accepted quotes can be converted to contracts").
			WithDetails(map[string]any{"quote_id": quoteID, "status": r.quote.Status})
	}
	if start.IsZero() {
		start = o.now()
	}
	r.start = start

	var list steps
	list.add(stepCreateContract, func(ctx context.Context) error { return o.createContract(ctx, r) })
	list.add(stepBuildBillingSchedule, func(ctx context.Context) error { return o.buildBillingSchedule(ctx, r) })
	list.add(stepAttachSLAPolicy, func(ctx context.Context) error { return o.attachSLAPolicy(ctx, r) })
	list.add(stepCreateSignatureTask, func(ctx context.Context) error { return o.createSignatureTask(ctx, r) })
	list.add(stepMarkQuoteConverted, func(ctx context.Context) error { return o.markQuoteConverted(ctx, r) })
	list.add(stepNotifyContractCreated, func(ctx context.Context) error { return o.notifyContractCreated(ctx, r) })

	instanceID, err := o.run(ctx, schema.WorkflowQuoteToContract, parentID, source, r.start, list, func() any {
		return map[string]any{
			"contractId":       r.contractID,
			"contractCode":     r.contract.Code,
			"type":             r.contract.Type,
			"billingFrequency": r.frequency,
			"billingEntries":   r.entries,
			"amountPerPeriod":  r.amountPerPeriod,
			"signatureTaskId":  r.taskID,
		}
	})
	if err != nil {
		return instanceID, "", err
	}
	return instanceID, r.contractID, nil
}

func (o *Orchestrator) createContract(ctx context.Context, r *quoteRun) error {
	typ := contractType(r.quote.Recurring, r.quote.Retainer)
	r.months = r.quote.ContractMonths
	if r.months <= 0 {
		r.months = o.catalog.Contract.DefaultMonths
	}
	r.frequency = effectiveFrequency(r.quote.BillingFrequency, typ)

	prefix := o.catalog.Contract.CodePrefix
	if prefix == "" {
		prefix = counter.PrefixContract
	}
	code, err := o.codes.Code(ctx, prefix, r.start)
	if err != nil {
		return err
	}

	r.contract = entity.Contract{
		Code:             code,
		Title:            r.quote.Title,
		QuoteID:          r.quote.ID,
		AccountID:        r.quote.AccountID,
		OpportunityID:    r.quote.OpportunityID,
		Type:             typ,
		Value:            r.quote.Total,
		BillingFrequency: r.frequency,
		StartDate:        r.start,
		EndDate:          r.start.AddDate(0, r.months, 0),
		Status:           ContractStatusPendingSignature,
		CreatedBy:        r.quote.CreatedBy,
	}
	id, err := o.repo.Insert(ctx, entity.Contracts, r.contract)
	if err != nil {
		return fmt.Errorf("insert contract: %w", err)
	}
	r.contractID = id
	r.contract.ID = id
	o.log(ctx).Info("contract created", "contract_id", id, "code", code, "type", typ)
	return nil
}

func (o *Orchestrator) buildBillingSchedule(ctx context.Context, r *quoteRun) error {
	c := r.contract

	var entries []entity.BillingScheduleEntry
	if r.frequency == FrequencyOneTime {
		entries = append(entries, entity.BillingScheduleEntry{
			ContractID:  r.contractID,
			Sequence:    1,
			PeriodStart: c.StartDate,
			PeriodEnd:   c.EndDate,
			DueDate:     c.StartDate,
			Amount:      c.Value,
			Status:      BillingStatusScheduled,
		})
		r.amountPerPeriod = c.Value
	} else {
		periods, err := PartitionPeriods(c.StartDate, c.EndDate, r.frequency)
		if err != nil {
			return err
		}
		amount, err := o.amountPerPeriod(ctx, c.Value, r.months, len(periods))
		if err != nil {
			return err
		}
		r.amountPerPeriod = amount
		for i, p := range periods {
			entries = append(entries, entity.BillingScheduleEntry{
				ContractID:  r.contractID,
				Sequence:    i + 1,
				PeriodStart: p.Start,
				PeriodEnd:   p.End,
				DueDate:     p.Start,
				Amount:      amount,
				Status:      BillingStatusScheduled,
			})
		}
	}

	for _, e := range entries {
		if _, err := o.repo.Insert(ctx, entity.BillingSchedules, e); err != nil {
			return fmt.Errorf("insert billing entry %d: %w", e.Sequence, err)
		}
	}
	r.entries = len(entries)
	return o.repo.Update(ctx, entity.Contracts, r.contractID, store.Document{"billingEntries": r.entries})
}

func (o *Orchestrator) attachSLAPolicy(ctx context.Context, r *quoteRun) error {
	if r.quote.SLAPolicyID == "" {
		return nil
	}
	policy, err := entity.Get[entity.SLAPolicy](ctx, o.repo, entity.SLAPolicies, r.quote.SLAPolicyID)
	if err != nil {
		return err
	}
	return o.repo.Update(ctx, entity.Contracts, r.contractID, store.Document{
		"slaPolicyId":      policy.ID,
		"slaResponseHours": policy.ResponseHours,
	})
}

func (o *Orchestrator) createSignatureTask(ctx context.Context, r *quoteRun) error {
	due := addDays(r.start, o.catalog.Contract.SignatureDueDays)
	id, err := o.repo.Insert(ctx, entity.Tasks, entity.Task{
		Title:       "Obtain signature for contract " + r.contract.Code,
		Description: "Send the contract to the client and collect the signed copy.",
		ContractID:  r.contractID,
		AssigneeID:  r.quote.CreatedBy,
		Priority:    "high",
		Status:      TaskStatusPending,
		DueDate:     &due,
	})
	if err != nil {
		return fmt.Errorf("insert signature task: %w", err)
	}
	r.taskID = id
	return nil
}

func (o *Orchestrator) markQuoteConverted(ctx context.Context, r *quoteRun) error {
	return o.repo.Update(ctx, entity.Quotes, r.quote.ID, store.Document{
		"contractId":          r.contractID,
		"convertedToContract": true,
		"convertedAt":         r.start,
	})
}

func (o *Orchestrator) notifyContractCreated(ctx context.Context, r *quoteRun) error {
	if r.quote.CreatedBy == "" {
		o.log(ctx).Warn("quote has no creator, skipping contract notification", "quote_id", r.quote.ID)
		return nil
	}
	data := map[string]any{
		"contract": map[string]any{
			"id":   r.contractID,
			"code": r.contract.Code,
		},
	}
	_, err := o.notifyUsers(ctx, "contract_created", data,
		&notify.EntityRef{Type: "contract", ID: r.contractID}, r.quote.CreatedBy)
	return err
}
