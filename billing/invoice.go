/*
invoice.go - Invoice ledger and status state machine

PURPOSE:
  Owns an invoice's financial state (subtotal, tax, discount, total,
  amountPaid, balanceDue) and its status. Every mutation goes through a
  versioned write inside a transaction.

STATE MACHINE:
  draft ──send──> sent ──sweep──> overdue
    │               │                │
    │               └──payment──> partial ──payment──> paid
    │                                 ^                  │
    │                                 └─────refund───────┘
    └──> void   (from draft, sent, partial, overdue; only when nothing is paid)

  Terminal: paid, void. "viewed" is tracked (ViewedAt) but never gates.

RULES:
  - create: client must exist in-account; job too when given; number is
    minted in the same transaction as the insert
  - update: forbidden once paid/void; line items replace the whole set;
    balance = total − amountPaid so received payments are preserved
  - send:   forbidden from paid/void; draft/sent become sent, partial and
    overdue keep their status and only get SentAt restamped
  - void:   forbidden when paid, when amountPaid > 0 or a payment is in flight
  - delete: same guard as void; tombstones the invoice (DeletedAt)

SEE ALSO:
  - totals.go:  CalculateTotals
  - payment.go: allocation drives partial/paid
  - refund.go:  refunds drive paid -> partial
  - sweeper.go: overdue sweep and reminders
*/
package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultPaymentTermDays = 30

// =============================================================================
// INVOICE LEDGER
// =============================================================================

type InvoiceLedger struct {
	deps Deps
	seq  *SequenceGenerator
}

func NewInvoiceLedger(deps Deps, seq *SequenceGenerator) *InvoiceLedger {
	deps = deps.withDefaults()
	if seq == nil {
		seq = NewSequenceGenerator(deps)
	}
	return &InvoiceLedger{deps: deps, seq: seq}
}

// CreateInvoiceInput is everything needed to open a draft invoice.
type CreateInvoiceInput struct {
	AccountID   AccountID
	ClientID    ClientID
	JobID       JobID
	InvoiceDate time.Time // defaults to today
	DueDate     time.Time // defaults to InvoiceDate + 30 days
	TaxRate     decimal.Decimal
	Discount    decimal.Decimal
	Items       []LineItemInput
	Notes       string
}

// UpdateInvoiceInput carries optional changes. Nil fields are left as is.
type UpdateInvoiceInput struct {
	Items    *[]LineItemInput
	TaxRate  *decimal.Decimal
	Discount *decimal.Decimal
	DueDate  *time.Time
	Notes    *string
}

// Create validates the client/job, computes totals, numbers the invoice and
// persists it in draft.
func (l *InvoiceLedger) Create(ctx context.Context, in CreateInvoiceInput) (*Invoice, error) {
	const op = "invoice.create"

	if in.AccountID == "" {
		return nil, validation(op, "account id is required")
	}
	if in.ClientID == "" {
		return nil, validation(op, "client id is required")
	}
	if err := validateRateAndDiscount(op, in.TaxRate, in.Discount); err != nil {
		return nil, err
	}
	if err := l.checkClientAndJob(ctx, op, in.AccountID, in.ClientID, in.JobID); err != nil {
		return nil, err
	}

	id := InvoiceID(newID())
	items, err := BuildLineItems(op, id, in.Items, newID)
	if err != nil {
		return nil, err
	}
	totals := CalculateTotals(items, in.TaxRate, in.Discount)
	if totals.Total.IsNegative() {
		return nil, validation(op, "discount %s exceeds invoice amount", money(totals.DiscountAmount))
	}

	now := l.deps.now()
	invoiceDate := in.InvoiceDate
	if invoiceDate.IsZero() {
		invoiceDate = Today(now).Time
	}
	dueDate := in.DueDate
	if dueDate.IsZero() {
		dueDate = DayOf(invoiceDate).AddDays(defaultPaymentTermDays).Time
	}
	if DayOf(dueDate).Before(DayOf(invoiceDate)) {
		return nil, validation(op, "due date cannot be before invoice date")
	}

	inv := Invoice{
		ID:             id,
		AccountID:      in.AccountID,
		ClientID:       in.ClientID,
		JobID:          in.JobID,
		Subtotal:       totals.Subtotal,
		TaxRate:        in.TaxRate,
		TaxAmount:      totals.TaxAmount,
		DiscountAmount: totals.DiscountAmount,
		Total:          totals.Total,
		AmountPaid:     decimal.Zero,
		BalanceDue:     totals.Total,
		Status:         InvoiceDraft,
		InvoiceDate:    invoiceDate.UTC(),
		DueDate:        dueDate.UTC(),
		Notes:          in.Notes,
		LineItems:      items,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = l.deps.inTx(ctx, op, func(s Store) error {
		number, err := l.seq.NextNumber(ctx, s, in.AccountID, SequenceInvoice)
		if err != nil {
			return err
		}
		inv.InvoiceNumber = number
		return s.CreateInvoice(ctx, inv)
	})
	if err != nil {
		return nil, err
	}

	l.deps.Logger.Info().
		Str("account_id", string(inv.AccountID)).
		Str("invoice_id", string(inv.ID)).
		Str("invoice_number", inv.InvoiceNumber).
		Str("total", money(inv.Total)).
		Msg("invoice created")
	l.deps.publish(ctx, invoiceEvent(EventInvoiceCreated, &inv))
	return &inv, nil
}

// Update replaces line items and/or tax and discount, then recomputes totals.
func (l *InvoiceLedger) Update(ctx context.Context, accountID AccountID, id InvoiceID, in UpdateInvoiceInput) (*Invoice, error) {
	const op = "invoice.update"

	var updated *Invoice
	var from InvoiceStatus
	err := l.deps.inTx(ctx, op, func(s Store) error {
		inv, err := loadInvoice(ctx, s, op, accountID, id)
		if err != nil {
			return err
		}
		if inv.Status.IsTerminal() {
			return invalidState(op, "invoice %s is %s and can no longer be edited", inv.InvoiceNumber, inv.Status)
		}
		from = inv.Status

		taxRate, discount := inv.TaxRate, inv.DiscountAmount
		if in.TaxRate != nil {
			taxRate = *in.TaxRate
		}
		if in.Discount != nil {
			discount = *in.Discount
		}
		if err := validateRateAndDiscount(op, taxRate, discount); err != nil {
			return err
		}

		items := inv.LineItems
		if in.Items != nil {
			items, err = BuildLineItems(op, inv.ID, *in.Items, newID)
			if err != nil {
				return err
			}
		}

		totals := CalculateTotals(items, taxRate, discount)
		if totals.Total.IsNegative() {
			return validation(op, "discount %s exceeds invoice amount", money(totals.DiscountAmount))
		}
		inv.Subtotal = totals.Subtotal
		inv.TaxRate = taxRate
		inv.TaxAmount = totals.TaxAmount
		inv.DiscountAmount = totals.DiscountAmount
		inv.Total = totals.Total

		if in.DueDate != nil {
			if DayOf(*in.DueDate).Before(DayOf(inv.InvoiceDate)) {
				return validation(op, "due date cannot be before invoice date")
			}
			inv.DueDate = in.DueDate.UTC()
		}
		if in.Notes != nil {
			inv.Notes = *in.Notes
		}

		now := l.deps.now()
		settle(inv, inv.AmountPaid, now)
		inv.UpdatedAt = now

		if err := s.UpdateInvoice(ctx, *inv); err != nil {
			return err
		}
		if in.Items != nil {
			if err := s.ReplaceLineItems(ctx, inv.ID, items); err != nil {
				return err
			}
		}
		inv.LineItems = items
		inv.Version++
		updated = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.noteTransition(ctx, from, updated)
	l.deps.publish(ctx, invoiceEvent(EventInvoiceUpdated, updated))
	return updated, nil
}

// Send marks the invoice as sent and notifies the client.
func (l *InvoiceLedger) Send(ctx context.Context, accountID AccountID, id InvoiceID) (*Invoice, error) {
	const op = "invoice.send"

	var sent *Invoice
	var from InvoiceStatus
	err := l.deps.inTx(ctx, op, func(s Store) error {
		inv, err := loadInvoice(ctx, s, op, accountID, id)
		if err != nil {
			return err
		}
		if inv.Status.IsTerminal() {
			return invalidState(op, "cannot send a %s invoice", inv.Status)
		}
		from = inv.Status

		now := l.deps.now()
		inv.SentAt = &now
		if inv.Status == InvoiceDraft {
			inv.Status = InvoiceSent
		}
		inv.UpdatedAt = now
		if err := s.UpdateInvoice(ctx, *inv); err != nil {
			return err
		}
		inv.Version++
		sent = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.noteTransition(ctx, from, sent)
	l.deps.publish(ctx, invoiceEvent(EventInvoiceSent, sent))
	l.notifyClient(ctx, sent,
		fmt.Sprintf("Invoice %s", sent.InvoiceNumber),
		fmt.Sprintf("Invoice %s for %s is due on %s.", sent.InvoiceNumber, money(sent.BalanceDue), DayOf(sent.DueDate)))
	return sent, nil
}

// MarkViewed records that the client opened the invoice. Status is unchanged.
func (l *InvoiceLedger) MarkViewed(ctx context.Context, accountID AccountID, id InvoiceID) (*Invoice, error) {
	const op = "invoice.viewed"

	var viewed *Invoice
	err := l.deps.inTx(ctx, op, func(s Store) error {
		inv, err := loadInvoice(ctx, s, op, accountID, id)
		if err != nil {
			return err
		}
		if inv.ViewedAt == nil {
			now := l.deps.now()
			inv.ViewedAt = &now
			inv.UpdatedAt = now
			if err := s.UpdateInvoice(ctx, *inv); err != nil {
				return err
			}
			inv.Version++
		}
		viewed = inv
		return nil
	})
	return viewed, err
}

// Void cancels an unpaid invoice. Line items and totals are frozen afterwards.
func (l *InvoiceLedger) Void(ctx context.Context, accountID AccountID, id InvoiceID) (*Invoice, error) {
	const op = "invoice.void"

	var voided *Invoice
	var from InvoiceStatus
	err := l.deps.inTx(ctx, op, func(s Store) error {
		inv, err := loadInvoice(ctx, s, op, accountID, id)
		if err != nil {
			return err
		}
		if inv.Status == InvoiceVoid {
			return invalidState(op, "invoice %s is already void", inv.InvoiceNumber)
		}
		if err := guardUnpaid(ctx, s, op, inv, "void"); err != nil {
			return err
		}
		from = inv.Status

		now := l.deps.now()
		inv.Status = InvoiceVoid
		inv.UpdatedAt = now
		if err := s.UpdateInvoice(ctx, *inv); err != nil {
			return err
		}
		inv.Version++
		voided = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.noteTransition(ctx, from, voided)
	l.deps.publish(ctx, invoiceEvent(EventInvoiceVoided, voided))
	return voided, nil
}

// Delete tombstones an unpaid invoice. Payments and refunds keep referencing it.
func (l *InvoiceLedger) Delete(ctx context.Context, accountID AccountID, id InvoiceID) error {
	const op = "invoice.delete"

	var deleted *Invoice
	err := l.deps.inTx(ctx, op, func(s Store) error {
		inv, err := loadInvoice(ctx, s, op, accountID, id)
		if err != nil {
			return err
		}
		if err := guardUnpaid(ctx, s, op, inv, "delete"); err != nil {
			return err
		}
		now := l.deps.now()
		inv.DeletedAt = &now
		inv.UpdatedAt = now
		if err := s.UpdateInvoice(ctx, *inv); err != nil {
			return err
		}
		inv.Version++
		deleted = inv
		return nil
	})
	if err != nil {
		return err
	}

	l.deps.Logger.Info().Str("invoice_id", string(id)).Msg("invoice deleted")
	l.deps.publish(ctx, invoiceEvent(EventInvoiceDeleted, deleted))
	return nil
}

// Get loads one invoice. Tombstoned invoices are only returned when asked for.
func (l *InvoiceLedger) Get(ctx context.Context, accountID AccountID, id InvoiceID, includeDeleted bool) (*Invoice, error) {
	inv, err := l.deps.Store.GetInvoice(ctx, accountID, id, includeDeleted)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, notFound("invoice.get", "invoice %s not found", id)
	}
	return inv, nil
}

// List returns the account's invoices matching the filter.
func (l *InvoiceLedger) List(ctx context.Context, filter InvoiceFilter) ([]Invoice, error) {
	if filter.AccountID == "" {
		return nil, validation("invoice.list", "account id is required")
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 50
	}
	return l.deps.Store.ListInvoices(ctx, filter)
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// loadInvoice reads a live invoice inside a transaction.
func loadInvoice(ctx context.Context, s Store, op string, accountID AccountID, id InvoiceID) (*Invoice, error) {
	inv, err := s.GetInvoice(ctx, accountID, id, false)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, notFound(op, "invoice %s not found", id)
	}
	return inv, nil
}

// guardUnpaid rejects void/delete for invoices that hold money or have a
// payment still in flight.
func guardUnpaid(ctx context.Context, s Store, op string, inv *Invoice, action string) error {
	if inv.Status == InvoicePaid {
		return invalidState(op, "cannot %s a paid invoice", action)
	}
	if inv.AmountPaid.IsPositive() {
		return invalidState(op, "cannot %s invoice %s with %s paid; refund first", action, inv.InvoiceNumber, money(inv.AmountPaid))
	}
	payments, err := s.ListPaymentsByInvoice(ctx, inv.ID)
	if err != nil {
		return err
	}
	for _, p := range payments {
		if p.Status == PaymentPending || p.Status == PaymentProcessing {
			return invalidState(op, "cannot %s invoice %s while payment %s is %s", action, inv.InvoiceNumber, p.PaymentNumber, p.Status)
		}
	}
	return nil
}

// settle sets amountPaid, derives balanceDue, and moves status accordingly.
// A negative balance is kept and flagged as overpaid.
func settle(inv *Invoice, amountPaid decimal.Decimal, now time.Time) {
	inv.AmountPaid = Round2(amountPaid)
	inv.BalanceDue = Round2(inv.Total.Sub(inv.AmountPaid))
	inv.Overpaid = inv.BalanceDue.IsNegative()

	if inv.Status == InvoiceVoid {
		return
	}
	switch {
	case !inv.BalanceDue.IsPositive() && inv.AmountPaid.IsPositive():
		inv.Status = InvoicePaid
		if inv.PaidDate == nil {
			inv.PaidDate = &now
		}
	case inv.Status == InvoicePaid:
		inv.Status = InvoicePartial
		inv.PaidDate = nil
	case inv.AmountPaid.IsPositive():
		inv.Status = InvoicePartial
	}
}

func (l *InvoiceLedger) noteTransition(ctx context.Context, from InvoiceStatus, inv *Invoice) {
	noteTransition(ctx, l.deps, from, inv)
}

func noteTransition(ctx context.Context, deps Deps, from InvoiceStatus, inv *Invoice) {
	if inv == nil {
		return
	}
	if from != inv.Status {
		deps.Observer.InvoiceTransitioned(from, inv.Status)
		deps.Logger.Info().
			Str("invoice_id", string(inv.ID)).
			Str("from", string(from)).
			Str("to", string(inv.Status)).
			Msg("invoice status changed")

		switch inv.Status {
		case InvoicePaid:
			deps.publish(ctx, invoiceEvent(EventInvoicePaid, inv))
		case InvoicePartial:
			deps.publish(ctx, invoiceEvent(EventInvoicePartial, inv))
		case InvoiceOverdue:
			deps.publish(ctx, invoiceEvent(EventInvoiceOverdue, inv))
		}
	}
	// Overpayment can appear without a status change (paid stays paid).
	if inv.Overpaid {
		deps.Observer.OverpaymentDetected()
		deps.Logger.Warn().
			Str("invoice_id", string(inv.ID)).
			Str("balance_due", money(inv.BalanceDue)).
			Msg("invoice overpaid")
		deps.publish(ctx, invoiceEvent(EventInvoiceOverpaid, inv))
	}
}

func (l *InvoiceLedger) checkClientAndJob(ctx context.Context, op string, accountID AccountID, clientID ClientID, jobID JobID) error {
	if l.deps.Directory == nil {
		return &Error{Kind: KindInternal, Op: op, Message: "client directory is not configured"}
	}
	client, err := l.deps.Directory.GetClient(ctx, accountID, clientID)
	if err != nil {
		if IsNotFound(err) {
			return notFound(op, "client %s not found", clientID)
		}
		return err
	}
	if client == nil {
		return notFound(op, "client %s not found", clientID)
	}
	if jobID == "" {
		return nil
	}
	job, err := l.deps.Directory.GetJob(ctx, accountID, jobID)
	if err != nil {
		if IsNotFound(err) {
			return notFound(op, "job %s not found", jobID)
		}
		return err
	}
	if job == nil {
		return notFound(op, "job %s not found", jobID)
	}
	return nil
}

// notifyClient is best effort: failures are logged, the ledger state stands.
func (l *InvoiceLedger) notifyClient(ctx context.Context, inv *Invoice, subject, body string) {
	if l.deps.Notifier == nil || l.deps.Directory == nil {
		return
	}
	client, err := l.deps.Directory.GetClient(ctx, inv.AccountID, inv.ClientID)
	if err != nil || client == nil || strings.TrimSpace(client.Email) == "" {
		return
	}
	if _, err := l.deps.Notifier.Send(ctx, client.Email, subject, body); err != nil {
		l.deps.Logger.Warn().Err(err).Str("invoice_id", string(inv.ID)).Msg("invoice notification failed")
	}
}
