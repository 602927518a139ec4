package workflow

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rendis/bizflow/internal/entity"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/pkg/schema"
)

const (
	stepVerifyPayment       = "verify_payment"
	stepApplyToInvoice      = "apply_to_invoice"
	stepRecordTransaction   = "record_transaction"
	stepRunPaidHooks        = "run_paid_hooks"
	stepRefreshPortalAccess = "refresh_portal_access"
	stepSendPaymentReceipt  = "send_payment_receipt"
)

const (
	PaymentStatusCompleted     = "completed"
	InvoiceStatusPaid          = "paid"
	InvoiceStatusPartiallyPaid = "partially_paid"
	InvoiceStatusOverdue       = "overdue"
)

// PaymentHook runs after an invoice becomes fully paid.
type PaymentHook interface {
	InvoicePaid(ctx context.Context, invoice *entity.Invoice, payment *entity.Payment) error
}

// PaymentHookFunc adapts a function to PaymentHook.
type PaymentHookFunc func(ctx context.Context, invoice *entity.Invoice, payment *entity.Payment) error

func (f PaymentHookFunc) InvoicePaid(ctx context.Context, invoice *entity.Invoice, payment *entity.Payment) error {
	return f(ctx, invoice, payment)
}

type paymentRun struct {
	payment entity.Payment
	start   time.Time

	invoice         *entity.Invoice
	accountID       string
	transactionID   string
	portalUnblocked bool
	receiptTo       string
}

func (r *paymentRun) fullyPaid() bool {
	return r.invoice != nil && r.invoice.Status == InvoiceStatusPaid
}

// ProcessInvoicePayment applies a payment to its invoice, records the ledger
// transaction and, once the invoice is fully paid, runs the paid hooks and
// lifts the account's portal block when nothing else is overdue.
func (o *Orchestrator) ProcessInvoicePayment(ctx context.Context, paymentID string) error {
	_, _, err := o.processPayment(ctx, paymentID)
	return err
}

func (o *Orchestrator) processPayment(ctx context.Context, paymentID string) (string, string, error) {
	r := &paymentRun{}
	source, err := o.loadSource(ctx, entity.Payments, paymentID, &r.payment)
	if err != nil {
		return "", "", err
	}
	r.start = o.now()

	var list steps
	list.add(stepVerifyPayment, func(ctx context.Context) error { return o.verifyPayment(ctx, r) })
	list.add(stepApplyToInvoice, func(ctx context.Context) error { return o.applyToInvoice(ctx, r) })
	list.add(stepRecordTransaction, func(ctx context.Context) error { return o.recordTransaction(ctx, r) })
	list.add(stepRunPaidHooks, func(ctx context.Context) error { return o.runPaidHooks(ctx, r) })
	list.add(stepRefreshPortalAccess, func(ctx context.Context) error { return o.refreshPortalAccess(ctx, r) })
	list.add(stepSendPaymentReceipt, func(ctx context.Context) error { return o.sendPaymentReceipt(ctx, r) })

	instanceID, err := o.run(ctx, schema.WorkflowInvoicePayment, "", source, r.start, list, func() any {
		return map[string]any{
			"paymentId":       r.payment.ID,
			"invoiceId":       r.invoice.ID,
			"invoiceStatus":   r.invoice.Status,
			"paidAmount":      r.invoice.PaidAmount,
			"balanceDue":      r.invoice.BalanceDue,
			"transactionId":   r.transactionID,
			"portalUnblocked": r.portalUnblocked,
			"receiptTo":       r.receiptTo,
		}
	})
	if err != nil {
		return instanceID, "", err
	}
	return instanceID, r.transactionID, nil
}

// verifyPayment accepts gateway-settled methods outright; any other method
// needs the payment marked completed.
func (o *Orchestrator) verifyPayment(_ context.Context, r *paymentRun) error {
	method := strings.ToLower(strings.TrimSpace(r.payment.Method))
	if o.gateways[method] {
		return nil
	}
	if r.payment.Status != PaymentStatusCompleted {
		return schema.NewError(schema.ErrCodeVerification, "Payment verification failed").
			WithDetails(map[string]any{"payment_id": r.payment.ID, "method": r.payment.Method, "status": r.payment.Status})
	}
	return nil
}

// applyInvoicePayment returns the invoice after adding amount to it.
func applyInvoicePayment(inv entity.Invoice, amount float64) entity.Invoice {
	inv.PaidAmount = roundCents(inv.PaidAmount + amount)
	inv.BalanceDue = roundCents(inv.Total - inv.PaidAmount)
	switch {
	case inv.BalanceDue <= 0:
		inv.Status = InvoiceStatusPaid
	case inv.PaidAmount > 0:
		inv.Status = InvoiceStatusPartiallyPaid
	}
	return inv
}

func (o *Orchestrator) applyToInvoice(ctx context.Context, r *paymentRun) error {
	inv, err := entity.Get[entity.Invoice](ctx, o.repo, entity.Invoices, r.payment.InvoiceID)
	if err != nil {
		return fmt.Errorf("load invoice: %w", err)
	}
	updated := applyInvoicePayment(*inv, r.payment.Amount)

	patch := store.Document{
		"paidAmount":    updated.PaidAmount,
		"balanceDue":    updated.BalanceDue,
		"status":        updated.Status,
		"lastPaymentId": r.payment.ID,
	}
	if updated.Status == InvoiceStatusPaid {
		paidAt := r.start
		updated.PaidAt = &paidAt
		patch["paidAt"] = paidAt
	}
	if err := o.repo.Update(ctx, entity.Invoices, inv.ID, patch); err != nil {
		return fmt.Errorf("update invoice: %w", err)
	}

	r.invoice = &updated
	r.accountID = updated.AccountID
	if r.accountID == "" {
		r.accountID = r.payment.AccountID
	}
	o.log(ctx).Info("payment applied", "invoice_id", inv.ID, "status", updated.Status, "balance_due", updated.BalanceDue)
	return nil
}

func (o *Orchestrator) recordTransaction(ctx context.Context, r *paymentRun) error {
	id, err := o.repo.Insert(ctx, entity.Transactions, entity.Transaction{
		Type:      "payment",
		PaymentID: r.payment.ID,
		InvoiceID: r.invoice.ID,
		AccountID: r.accountID,
		Amount:    r.payment.Amount,
		Method:    r.payment.Method,
		Reference: r.payment.Reference,
		Date:      r.start,
	})
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	r.transactionID = id
	return o.repo.Update(ctx, entity.Payments, r.payment.ID, store.Document{
		"transactionId": id,
		"appliedAt":     r.start,
	})
}

func (o *Orchestrator) runPaidHooks(ctx context.Context, r *paymentRun) error {
	if !r.fullyPaid() {
		return nil
	}
	for i, h := range o.paymentHooks {
		if err := h.InvoicePaid(ctx, r.invoice, &r.payment); err != nil {
			return fmt.Errorf("paid hook %d: %w", i, err)
		}
	}
	return nil
}

func (o *Orchestrator) refreshPortalAccess(ctx context.Context, r *paymentRun) error {
	if !r.fullyPaid() || r.accountID == "" {
		return nil
	}
	overdue, err := o.docs.QueryDocuments(ctx, entity.Invoices, store.Filter{
		"accountId": r.accountID,
		"status":    InvoiceStatusOverdue,
	})
	if err != nil {
		return fmt.Errorf("query overdue invoices: %w", err)
	}
	if len(overdue) > 0 {
		o.log(ctx).Info("account still has overdue invoices", "account_id", r.accountID, "overdue", len(overdue))
		return nil
	}
	if err := o.repo.Update(ctx, entity.Accounts, r.accountID, store.Document{"portalBlocked": false}); err != nil {
		return fmt.Errorf("unblock portal: %w", err)
	}
	r.portalUnblocked = true
	return nil
}

func (o *Orchestrator) sendPaymentReceipt(ctx context.Context, r *paymentRun) error {
	to := r.payment.PayerEmail
	if to == "" && r.accountID != "" {
		account, err := entity.Get[entity.Account](ctx, o.repo, entity.Accounts, r.accountID)
		if err != nil && !schema.IsNotFound(err) {
			return fmt.Errorf("load account: %w", err)
		}
		if account != nil {
			to = account.BillingEmail
			if to == "" {
				to = account.ContactEmail
			}
		}
	}
	if to == "" {
		o.log(ctx).Warn("no receipt recipient, skipping payment receipt", "payment_id", r.payment.ID)
		return nil
	}

	_, err := o.notifier.EnqueueEmail(ctx, to, "payment_receipt", map[string]any{
		"paymentId":     r.payment.ID,
		"invoiceId":     r.invoice.ID,
		"invoiceNumber": r.invoice.Number,
		"amount":        r.payment.Amount,
		"balanceDue":    r.invoice.BalanceDue,
		"invoiceStatus": r.invoice.Status,
		"paidOn":        r.start.Format(time.DateOnly),
	})
	if err != nil {
		return err
	}
	r.receiptTo = to
	return nil
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
