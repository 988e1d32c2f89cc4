/*
payment.go - Payment allocator

PURPOSE:
  Records a payment against an invoice and rewrites the invoice's paid
  amount, balance and status in the same transaction.

ALGORITHM (one transaction):
  1. Mint a payment number and insert the payment row
  2. amountPaid = Σ completed/settled payments − Σ completed refunds,
     recomputed from the FULL payment set, never incremented
  3. balanceDue = total − amountPaid
  4. balanceDue <= 0 → paid (stamp paidDate); amountPaid > 0 → partial

WHY RECOMPUTE?
  Summing the whole set is self-healing: replaying or retrying the same
  allocation yields the same balance, and two racing allocations cannot
  lose each other's payment. The versioned invoice write then rejects the
  stale writer, which retries and recomputes.

INITIAL STATUS:
  cash/check/other → completed
  card             → completed or processing, per the processor's answer
  bank             → processing unless the processor reports success

  processing payments do NOT count toward amountPaid. Reconcile() asks the
  processor later and reruns the same recompute. A charge the processor
  cannot find stays processing until ChargeLookupGrace has passed since the
  payment was created, then fails.

PROCESSOR CALLS:
  Card/bank payments resolve or create the client's processor customer
  (cached on the client), attach the instrument, charge, and only then
  record. A declined or failed charge records nothing. A charge that TIMED
  OUT, or whose caller went away mid-call, is recorded as processing, never
  assumed completed or failed. That record is written on a context detached
  from the caller. Charges are never retried automatically.

OVERPAYMENT:
  Manual payments above balanceDue are rejected. A charge the processor
  already accepted is recorded even if a concurrent payment shrank the
  balance meanwhile; the invoice is flagged overpaid.

SEE ALSO:
  - invoice.go: settle() derives status from amountPaid
  - refund.go:  reverses allocation effects
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYMENT ALLOCATOR
// =============================================================================

type PaymentAllocator struct {
	deps Deps
	seq  *SequenceGenerator
}

func NewPaymentAllocator(deps Deps, seq *SequenceGenerator) *PaymentAllocator {
	deps = deps.withDefaults()
	if seq == nil {
		seq = NewSequenceGenerator(deps)
	}
	return &PaymentAllocator{deps: deps, seq: seq}
}

// Allocation is the result of recording a payment.
type Allocation struct {
	Payment *Payment
	Invoice *Invoice
}

type ManualPaymentInput struct {
	AccountID   AccountID
	InvoiceID   InvoiceID
	Amount      decimal.Decimal
	Method      PaymentMethod // cash, check or other
	Reference   string
	PaymentDate time.Time // defaults to now
}

type ProcessedPaymentInput struct {
	AccountID     AccountID
	InvoiceID     InvoiceID
	Amount        decimal.Decimal
	InstrumentRef string // card token or bank account reference
}

// ReconcileSummary counts the outcome of a reconciliation batch.
type ReconcileSummary struct {
	Checked   int
	Completed int
	Failed    int
	StillOpen int
	Errors    int
}

// RecordManual records a cash/check/other payment. It completes immediately.
func (a *PaymentAllocator) RecordManual(ctx context.Context, in ManualPaymentInput) (*Allocation, error) {
	const op = "payment.record_manual"

	if in.Method == "" {
		in.Method = MethodCash
	}
	if !in.Method.Valid() || in.Method.IsProcessed() {
		return nil, validation(op, "manual payments must use cash, check or other, got %q", in.Method)
	}
	if err := validateAmount(op, in.Amount); err != nil {
		return nil, err
	}

	now := a.deps.now()
	paymentDate := in.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = now
	}
	p := Payment{
		ID:            PaymentID(newID()),
		AccountID:     in.AccountID,
		InvoiceID:     in.InvoiceID,
		Amount:        in.Amount,
		Currency:      a.deps.Settings.Currency,
		PaymentMethod: in.Method,
		Status:        PaymentCompleted,
		Reference:     strings.TrimSpace(in.Reference),
		PaymentDate:   paymentDate.UTC(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return a.allocate(ctx, op, p, true)
}

// ProcessCard charges a card through the processor and records the result.
func (a *PaymentAllocator) ProcessCard(ctx context.Context, in ProcessedPaymentInput) (*Allocation, error) {
	return a.processExternal(ctx, "payment.process_card", MethodCard, in)
}

// ProcessBank initiates a bank debit. Bank payments usually stay processing
// until Reconcile sees them settle.
func (a *PaymentAllocator) ProcessBank(ctx context.Context, in ProcessedPaymentInput) (*Allocation, error) {
	return a.processExternal(ctx, "payment.process_bank", MethodBank, in)
}

func (a *PaymentAllocator) processExternal(ctx context.Context, op string, method PaymentMethod, in ProcessedPaymentInput) (*Allocation, error) {
	if a.deps.Processor == nil {
		return nil, &Error{Kind: KindInternal, Op: op, Message: "payment processor is not configured"}
	}
	if err := validateAmount(op, in.Amount); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.InstrumentRef) == "" {
		return nil, validation(op, "payment instrument is required")
	}

	// Precheck outside the transaction: never charge for an invoice we would reject.
	inv, err := a.deps.Store.GetInvoice(ctx, in.AccountID, in.InvoiceID, false)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, notFound(op, "invoice %s not found", in.InvoiceID)
	}
	if err := checkAllocatable(op, inv, in.Amount); err != nil {
		return nil, err
	}

	customerID, err := a.resolveCustomer(ctx, op, inv)
	if err != nil {
		return nil, err
	}
	if err := a.deps.Processor.AttachInstrument(ctx, customerID, in.InstrumentRef); err != nil {
		return nil, processorFailure(op, err)
	}

	now := a.deps.now()
	p := Payment{
		ID:            PaymentID(newID()),
		AccountID:     in.AccountID,
		ClientID:      inv.ClientID,
		InvoiceID:     in.InvoiceID,
		Amount:        in.Amount,
		Currency:      a.deps.Settings.Currency,
		PaymentMethod: method,
		PaymentDate:   now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	pctx, cancel := context.WithTimeout(ctx, a.deps.Settings.ProcessorTimeout)
	res, err := a.deps.Processor.CreateCharge(pctx, ChargeRequest{
		PaymentID:     p.ID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Method:        method,
		InstrumentRef: in.InstrumentRef,
		CustomerID:    customerID,
		Metadata: map[string]string{
			"account_id":     string(inv.AccountID),
			"invoice_id":     string(inv.ID),
			"invoice_number": inv.InvoiceNumber,
			"payment_id":     string(p.ID),
		},
	})
	cancel()

	unknown := err != nil && outcomeUnknown(ctx, err)

	// The charge has been sent; what follows must not die with the caller.
	wctx, wcancel := detach(ctx)
	defer wcancel()

	switch {
	case unknown:
		// Keep a processing row so Reconcile can find the charge.
		a.deps.Logger.Warn().Err(err).
			Str("payment_id", string(p.ID)).
			Str("invoice_id", string(inv.ID)).
			Msg("charge outcome unknown, recording as processing")
		p.Status = PaymentProcessing
	case err != nil:
		a.deps.Observer.PaymentRecorded(method, PaymentFailed, p.Amount)
		a.deps.publish(wctx, Event{Type: EventPaymentFailed, AccountID: inv.AccountID, InvoiceID: inv.ID, PaymentID: p.ID, Amount: money(p.Amount)})
		return nil, processorFailure(op, err)
	case res.Status == ProcessorFailed:
		a.deps.Observer.PaymentRecorded(method, PaymentFailed, p.Amount)
		a.deps.publish(wctx, Event{Type: EventPaymentFailed, AccountID: inv.AccountID, InvoiceID: inv.ID, PaymentID: p.ID, Amount: money(p.Amount)})
		return nil, processorFailure(op, fmt.Errorf("charge %s was declined", res.ID))
	default:
		p.ProcessorPaymentID = res.ChargeRef
		if p.ProcessorPaymentID == "" {
			p.ProcessorPaymentID = res.ID
		}
		p.Status = paymentStatusFor(method, res.Status)
		if p.Status == PaymentSettled {
			p.SettledAt = &now
		}
	}

	return a.allocate(wctx, op, p, false)
}

// allocate inserts the payment and recomputes the invoice in one transaction.
// strict rejects amounts above the current balance; processed payments are
// recorded regardless because the money has already moved.
func (a *PaymentAllocator) allocate(ctx context.Context, op string, p Payment, strict bool) (*Allocation, error) {
	var result Allocation
	var from InvoiceStatus

	err := a.deps.inTx(ctx, op, func(s Store) error {
		inv, err := s.GetInvoice(ctx, p.AccountID, p.InvoiceID, !strict)
		if err != nil {
			return err
		}
		if inv == nil {
			return notFound(op, "invoice %s not found", p.InvoiceID)
		}
		if strict {
			if err := checkAllocatable(op, inv, p.Amount); err != nil {
				return err
			}
		} else if inv.Status == InvoiceVoid || inv.IsDeleted() {
			a.deps.Logger.Warn().
				Str("invoice_id", string(inv.ID)).
				Str("payment_id", string(p.ID)).
				Msg("recording processed payment against a void or deleted invoice")
		}
		from = inv.Status

		pay := p
		pay.ClientID = inv.ClientID
		number, err := a.seq.NextNumber(ctx, s, p.AccountID, SequencePayment)
		if err != nil {
			return err
		}
		pay.PaymentNumber = number
		if err := s.CreatePayment(ctx, pay); err != nil {
			return err
		}

		if err := recomputeInvoice(ctx, s, inv, a.deps.now()); err != nil {
			return err
		}
		result = Allocation{Payment: &pay, Invoice: inv}
		return nil
	})
	if err != nil {
		return nil, err
	}

	pay := result.Payment
	a.deps.Observer.PaymentRecorded(pay.PaymentMethod, pay.Status, pay.Amount)
	a.deps.Logger.Info().
		Str("account_id", string(pay.AccountID)).
		Str("payment_id", string(pay.ID)).
		Str("payment_number", pay.PaymentNumber).
		Str("invoice_id", string(pay.InvoiceID)).
		Str("method", string(pay.PaymentMethod)).
		Str("status", string(pay.Status)).
		Str("amount", money(pay.Amount)).
		Str("balance_due", money(result.Invoice.BalanceDue)).
		Msg("payment recorded")
	a.deps.publish(ctx, Event{
		Type:      EventPaymentRecorded,
		AccountID: pay.AccountID,
		InvoiceID: pay.InvoiceID,
		PaymentID: pay.ID,
		Amount:    money(pay.Amount),
		Status:    string(pay.Status),
	})
	noteTransition(ctx, a.deps, from, result.Invoice)
	return &result, nil
}

// Reconcile asks the processor about a processing payment and, when it has
// finished, updates the payment and recomputes the invoice.
func (a *PaymentAllocator) Reconcile(ctx context.Context, accountID AccountID, id PaymentID) (*Allocation, error) {
	const op = "payment.reconcile"

	p, err := a.deps.Store.GetPayment(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFound(op, "payment %s not found", id)
	}
	if p.Status.IsTerminal() {
		inv, err := a.deps.Store.GetInvoice(ctx, p.AccountID, p.InvoiceID, true)
		if err != nil {
			return nil, err
		}
		return &Allocation{Payment: p, Invoice: inv}, nil
	}
	if a.deps.Processor == nil {
		return nil, &Error{Kind: KindInternal, Op: op, Message: "payment processor is not configured"}
	}

	pctx, cancel := context.WithTimeout(ctx, a.deps.Settings.ProcessorTimeout)
	res, err := a.deps.Processor.ChargeStatus(pctx, p.ID, p.ProcessorPaymentID)
	cancel()
	if err != nil {
		return nil, processorFailure(op, err)
	}

	next := paymentStatusFor(p.PaymentMethod, res.Status)
	if res.Status == ProcessorNotFound && a.deps.now().Sub(p.CreatedAt) >= a.deps.Settings.ChargeLookupGrace {
		// Past the grace period the charge never reached the processor.
		next = PaymentFailed
	}
	if next == p.Status {
		inv, err := a.deps.Store.GetInvoice(ctx, p.AccountID, p.InvoiceID, true)
		if err != nil {
			return nil, err
		}
		return &Allocation{Payment: p, Invoice: inv}, nil
	}

	var result Allocation
	var from InvoiceStatus
	err = a.deps.inTx(ctx, op, func(s Store) error {
		current, err := s.GetPayment(ctx, p.AccountID, p.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return notFound(op, "payment %s not found", id)
		}
		inv, err := s.GetInvoice(ctx, p.AccountID, p.InvoiceID, true)
		if err != nil {
			return err
		}
		if inv == nil {
			return notFound(op, "invoice %s not found", p.InvoiceID)
		}
		from = inv.Status
		if current.Status.IsTerminal() {
			result = Allocation{Payment: current, Invoice: inv}
			return nil
		}

		now := a.deps.now()
		ref := current.ProcessorPaymentID
		if ref == "" {
			ref = res.ChargeRef
		}
		var settledAt *time.Time
		if next == PaymentSettled {
			settledAt = &now
		}
		if err := s.UpdatePaymentStatus(ctx, current.ID, next, ref, settledAt, now); err != nil {
			return err
		}
		current.Status = next
		current.ProcessorPaymentID = ref
		current.SettledAt = settledAt
		current.UpdatedAt = now

		if err := recomputeInvoice(ctx, s, inv, now); err != nil {
			return err
		}
		result = Allocation{Payment: current, Invoice: inv}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.deps.Observer.PaymentRecorded(result.Payment.PaymentMethod, result.Payment.Status, result.Payment.Amount)
	a.deps.Logger.Info().
		Str("payment_id", string(result.Payment.ID)).
		Str("status", string(result.Payment.Status)).
		Msg("payment reconciled")
	evt := EventPaymentRecorded
	if result.Payment.Status == PaymentFailed {
		evt = EventPaymentFailed
	}
	a.deps.publish(ctx, Event{
		Type:      evt,
		AccountID: result.Payment.AccountID,
		InvoiceID: result.Payment.InvoiceID,
		PaymentID: result.Payment.ID,
		Amount:    money(result.Payment.Amount),
		Status:    string(result.Payment.Status),
	})
	noteTransition(ctx, a.deps, from, result.Invoice)
	return &result, nil
}

// ReconcilePending reconciles every processing payment, one batch per call.
func (a *PaymentAllocator) ReconcilePending(ctx context.Context) (ReconcileSummary, error) {
	var sum ReconcileSummary
	pending, err := a.deps.Store.ListPaymentsByStatus(ctx, PaymentProcessing, a.deps.Settings.SweepBatchSize)
	if err != nil {
		return sum, err
	}
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Checked++
		res, err := a.Reconcile(ctx, p.AccountID, p.ID)
		if err != nil {
			sum.Errors++
			a.deps.Logger.Warn().Err(err).Str("payment_id", string(p.ID)).Msg("payment reconciliation failed")
			continue
		}
		switch res.Payment.Status {
		case PaymentCompleted, PaymentSettled:
			sum.Completed++
		case PaymentFailed:
			sum.Failed++
		default:
			sum.StillOpen++
		}
	}
	return sum, nil
}

// Get returns one payment.
func (a *PaymentAllocator) Get(ctx context.Context, accountID AccountID, id PaymentID) (*Payment, error) {
	p, err := a.deps.Store.GetPayment(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFound("payment.get", "payment %s not found", id)
	}
	return p, nil
}

// ListForInvoice returns every payment recorded against the invoice.
func (a *PaymentAllocator) ListForInvoice(ctx context.Context, accountID AccountID, invoiceID InvoiceID) ([]Payment, error) {
	inv, err := a.deps.Store.GetInvoice(ctx, accountID, invoiceID, true)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, notFound("payment.list", "invoice %s not found", invoiceID)
	}
	return a.deps.Store.ListPaymentsByInvoice(ctx, invoiceID)
}

// =============================================================================
// HELPERS
// =============================================================================

// recomputeInvoice derives amountPaid from the full payment and refund set
// and writes the invoice back with a versioned update.
func recomputeInvoice(ctx context.Context, s Store, inv *Invoice, now time.Time) error {
	payments, err := s.ListPaymentsByInvoice(ctx, inv.ID)
	if err != nil {
		return err
	}
	refunds, err := s.ListRefundsByInvoice(ctx, inv.ID)
	if err != nil {
		return err
	}
	settle(inv, NetPaid(payments, refunds), now)
	inv.UpdatedAt = now
	if err := s.UpdateInvoice(ctx, *inv); err != nil {
		return err
	}
	inv.Version++
	return nil
}

// NetPaid is Σ completed/settled payments − Σ completed refunds on them.
func NetPaid(payments []Payment, refunds []Refund) decimal.Decimal {
	counted := make(map[PaymentID]bool, len(payments))
	total := decimal.Zero
	for _, p := range payments {
		if p.Status.CountsTowardPaid() {
			counted[p.ID] = true
			total = total.Add(p.Amount)
		}
	}
	for _, r := range refunds {
		if r.Status == RefundCompleted && counted[r.PaymentID] {
			total = total.Sub(r.Amount)
		}
	}
	return total
}

func checkAllocatable(op string, inv *Invoice, amount decimal.Decimal) error {
	if inv.Status == InvoiceVoid {
		return invalidState(op, "cannot record a payment on a void invoice")
	}
	if amount.GreaterThan(inv.BalanceDue) {
		oe := &OverpaymentError{InvoiceID: inv.ID, BalanceDue: money(inv.BalanceDue), Requested: money(amount)}
		return &Error{Kind: KindValidation, Op: op, Message: oe.Error(), Err: oe}
	}
	return nil
}

func validateAmount(op string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return validation(op, "amount must be greater than zero")
	}
	if !amount.Equal(Round2(amount)) {
		return validation(op, "amount cannot have more than two decimal places")
	}
	return nil
}

func paymentStatusFor(method PaymentMethod, s ProcessorStatus) PaymentStatus {
	switch s {
	case ProcessorSucceeded:
		if method == MethodBank {
			return PaymentSettled
		}
		return PaymentCompleted
	case ProcessorFailed:
		return PaymentFailed
	default:
		return PaymentProcessing
	}
}

// outcomeUnknown reports a processor call that ended without an answer: it
// timed out, or the caller's context went away while it was in flight.
func outcomeUnknown(ctx context.Context, err error) bool {
	return errors.Is(err, ErrProcessorTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		ctx.Err() != nil
}

// resolveCustomer returns the client's cached processor customer, creating
// and caching one on first use.
func (a *PaymentAllocator) resolveCustomer(ctx context.Context, op string, inv *Invoice) (string, error) {
	if a.deps.Directory == nil {
		return "", &Error{Kind: KindInternal, Op: op, Message: "client directory is not configured"}
	}
	client, err := a.deps.Directory.GetClient(ctx, inv.AccountID, inv.ClientID)
	if err != nil {
		return "", err
	}
	if client == nil {
		return "", notFound(op, "client %s not found", inv.ClientID)
	}
	if client.ProcessorCustomerID != "" {
		return client.ProcessorCustomerID, nil
	}

	customerID, err := a.deps.Processor.CreateCustomer(ctx, client.Email, client.Name)
	if err != nil {
		return "", processorFailure(op, err)
	}
	if err := a.deps.Directory.SetProcessorCustomerID(ctx, inv.AccountID, client.ID, customerID); err != nil {
		return "", err
	}
	return customerID, nil
}
