package schema

// WorkflowType names one of the business procedures the orchestrator runs.
type WorkflowType string

const (
	WorkflowDealToProject     WorkflowType = "deal_to_project"
	WorkflowQuoteToContract   WorkflowType = "quote_to_contract"
	WorkflowInvoicePayment    WorkflowType = "invoice_payment"
	WorkflowCandidateHiring   WorkflowType = "candidate_hiring"
	WorkflowProjectCompletion WorkflowType = "project_completion"
)

// WorkflowTypes lists every known workflow type in a stable order.
func WorkflowTypes() []WorkflowType {
	return []WorkflowType{
		WorkflowDealToProject,
		WorkflowQuoteToContract,
		WorkflowInvoicePayment,
		WorkflowCandidateHiring,
		WorkflowProjectCompletion,
	}
}

// ParseWorkflowType validates a workflow type name.
func ParseWorkflowType(s string) (WorkflowType, error) {
	for _, wt := range WorkflowTypes() {
		if string(wt) == s {
			return wt, nil
		}
	}
	return "", NewErrorf(ErrCodeValidation, "unknown workflow type %q", s)
}

// SourceCollection returns the entity collection a workflow type starts from.
func (w WorkflowType) SourceCollection() string {
	switch w {
	case WorkflowDealToProject:
		return "opportunities"
	case WorkflowQuoteToContract:
		return "quotes"
	case WorkflowInvoicePayment:
		return "payments"
	case WorkflowCandidateHiring:
		return "candidates"
	case WorkflowProjectCompletion:
		return "projects"
	}
	return ""
}
