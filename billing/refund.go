/*
refund.go - Refund ledger

PURPOSE:
  Returns money against a completed or settled payment and reverses its
  effect on the owning invoice.

REFUNDABLE AMOUNT:
  refundable = payment.amount − Σ completed refunds − Σ pending refunds

  Pending refunds are reserved so two concurrent refunds cannot both pass
  the limit while the processor is still working on the first one. The
  reservation row is inserted in the same transaction that computes the
  limit.

FLOW:
  1. Transaction: check limit, insert refund as pending
  2. Card/bank: call the processor (with timeout). Manual: nothing to call
  3. Transaction: mark the refund completed and apply the delta
       amountPaid -= amount, balanceDue += amount
     paid becomes partial when the balance turns positive

  The invoice write here is a DELTA, not a recompute, so it runs under the
  versioned invoice write. A lost race rereads the invoice and applies the
  delta again; the refund row itself is only flipped once.

FAILURES:
  processor error   → refund failed, reservation released, invoice untouched
  processor timeout → refund stays pending; ReconcileRefund resolves it
  caller cancelled  → same as a timeout; the processor may have acted

SEE ALSO:
  - payment.go: NetPaid subtracts completed refunds on recompute
*/
package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type RefundLedger struct {
	deps Deps
}

func NewRefundLedger(deps Deps) *RefundLedger {
	return &RefundLedger{deps: deps.withDefaults()}
}

// RefundInput describes a refund request. A nil Amount refunds everything
// still refundable on the payment.
type RefundInput struct {
	AccountID AccountID
	PaymentID PaymentID
	Amount    *decimal.Decimal
	Reason    string
}

// RefundOutcome is the refund plus the invoice as it stands afterwards.
type RefundOutcome struct {
	Refund  *Refund
	Invoice *Invoice
}

// Refund reserves, executes and applies a refund.
func (l *RefundLedger) Refund(ctx context.Context, in RefundInput) (*RefundOutcome, error) {
	const op = "refund.create"

	if in.Amount != nil {
		if err := validateAmount(op, *in.Amount); err != nil {
			return nil, err
		}
	}

	var (
		payment *Payment
		refund  Refund
	)
	err := l.deps.inTx(ctx, op, func(s Store) error {
		p, err := s.GetPayment(ctx, in.AccountID, in.PaymentID)
		if err != nil {
			return err
		}
		if p == nil {
			return notFound(op, "payment %s not found", in.PaymentID)
		}
		if !p.Status.CountsTowardPaid() {
			return invalidState(op, "payment %s is %s; only completed or settled payments can be refunded", p.PaymentNumber, p.Status)
		}

		existing, err := s.ListRefundsByPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		refundable := Refundable(p, existing)

		amount := refundable
		if in.Amount != nil {
			amount = *in.Amount
		}
		if !amount.IsPositive() {
			return validation(op, "payment %s has nothing left to refund", p.PaymentNumber)
		}
		if amount.GreaterThan(refundable) {
			return validation(op, "refund %s exceeds refundable amount %s", money(amount), money(refundable))
		}

		refund = Refund{
			ID:        RefundID(newID()),
			AccountID: p.AccountID,
			PaymentID: p.ID,
			InvoiceID: p.InvoiceID,
			Amount:    amount,
			Reason:    strings.TrimSpace(in.Reason),
			Status:    RefundPending,
			CreatedAt: l.deps.now(),
		}
		payment = p
		return s.CreateRefund(ctx, refund)
	})
	if err != nil {
		return nil, err
	}

	if !payment.PaymentMethod.IsProcessed() {
		return l.complete(ctx, op, refund, "")
	}

	if l.deps.Processor == nil {
		l.fail(ctx, op, refund)
		return nil, &Error{Kind: KindInternal, Op: op, Message: "payment processor is not configured"}
	}
	pctx, cancel := context.WithTimeout(ctx, l.deps.Settings.ProcessorTimeout)
	res, err := l.deps.Processor.CreateRefund(pctx, RefundRequest{
		RefundID:  refund.ID,
		ChargeRef: payment.ProcessorPaymentID,
		Amount:    refund.Amount,
		Currency:  payment.Currency,
		Reason:    refund.Reason,
	})
	cancel()

	unknown := err != nil && outcomeUnknown(ctx, err)

	// The refund has been sent; what follows must not die with the caller.
	wctx, wcancel := detach(ctx)
	defer wcancel()

	switch {
	case unknown:
		l.deps.Logger.Warn().Err(err).
			Str("refund_id", string(refund.ID)).
			Str("payment_id", string(payment.ID)).
			Msg("refund outcome unknown, left pending")
		l.deps.Observer.RefundRecorded(RefundPending, refund.Amount)
		return l.pendingOutcome(wctx, refund)
	case err != nil:
		l.fail(wctx, op, refund)
		return nil, processorFailure(op, err)
	case res.Status == ProcessorFailed:
		l.fail(wctx, op, refund)
		return nil, processorFailure(op, fmt.Errorf("refund %s was rejected", res.ID))
	case res.Status == ProcessorSucceeded:
		return l.complete(wctx, op, refund, res.ID)
	default:
		refund.ProcessorRefundID = res.ID
		if err := l.deps.Store.UpdateRefund(wctx, refund); err != nil {
			return nil, err
		}
		l.deps.Observer.RefundRecorded(RefundPending, refund.Amount)
		return l.pendingOutcome(wctx, refund)
	}
}

// ReconcileRefund asks the processor about a pending refund and applies it
// once it has completed.
func (l *RefundLedger) ReconcileRefund(ctx context.Context, accountID AccountID, id RefundID) (*RefundOutcome, error) {
	const op = "refund.reconcile"

	r, err := l.deps.Store.GetRefund(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, notFound(op, "refund %s not found", id)
	}
	if r.Status != RefundPending {
		return l.pendingOutcome(ctx, *r)
	}
	if l.deps.Processor == nil {
		return nil, &Error{Kind: KindInternal, Op: op, Message: "payment processor is not configured"}
	}
	p, err := l.deps.Store.GetPayment(ctx, r.AccountID, r.PaymentID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFound(op, "payment %s not found", r.PaymentID)
	}

	pctx, cancel := context.WithTimeout(ctx, l.deps.Settings.ProcessorTimeout)
	res, err := l.deps.Processor.RefundStatus(pctx, r.ID, p.ProcessorPaymentID, r.ProcessorRefundID)
	cancel()
	if err != nil {
		return nil, processorFailure(op, err)
	}

	switch res.Status {
	case ProcessorSucceeded:
		return l.complete(ctx, op, *r, res.ID)
	case ProcessorFailed:
		l.fail(ctx, op, *r)
		r.Status = RefundFailed
		return l.pendingOutcome(ctx, *r)
	default:
		return l.pendingOutcome(ctx, *r)
	}
}

// ReconcilePending reconciles one batch of pending refunds.
func (l *RefundLedger) ReconcilePending(ctx context.Context) (ReconcileSummary, error) {
	var sum ReconcileSummary
	pending, err := l.deps.Store.ListRefundsByStatus(ctx, RefundPending, l.deps.Settings.SweepBatchSize)
	if err != nil {
		return sum, err
	}
	for _, r := range pending {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Checked++
		out, err := l.ReconcileRefund(ctx, r.AccountID, r.ID)
		if err != nil {
			sum.Errors++
			l.deps.Logger.Warn().Err(err).Str("refund_id", string(r.ID)).Msg("refund reconciliation failed")
			continue
		}
		switch out.Refund.Status {
		case RefundCompleted:
			sum.Completed++
		case RefundFailed:
			sum.Failed++
		default:
			sum.StillOpen++
		}
	}
	return sum, nil
}

// Get returns one refund.
func (l *RefundLedger) Get(ctx context.Context, accountID AccountID, id RefundID) (*Refund, error) {
	r, err := l.deps.Store.GetRefund(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, notFound("refund.get", "refund %s not found", id)
	}
	return r, nil
}

// ListForPayment returns every refund recorded against the payment.
func (l *RefundLedger) ListForPayment(ctx context.Context, accountID AccountID, paymentID PaymentID) ([]Refund, error) {
	p, err := l.deps.Store.GetPayment(ctx, accountID, paymentID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFound("refund.list", "payment %s not found", paymentID)
	}
	return l.deps.Store.ListRefundsByPayment(ctx, paymentID)
}

// Refundable is what is left to refund on p given its existing refunds.
// Pending refunds count as reserved.
func Refundable(p *Payment, refunds []Refund) decimal.Decimal {
	left := p.Amount
	for _, r := range refunds {
		if r.Status == RefundCompleted || r.Status == RefundPending {
			left = left.Sub(r.Amount)
		}
	}
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// complete flips the refund to completed and applies the delta to the
// invoice. Safe to call again: a refund already completed is left alone.
func (l *RefundLedger) complete(ctx context.Context, op string, r Refund, processorRefundID string) (*RefundOutcome, error) {
	var out RefundOutcome
	var from InvoiceStatus
	applied := false

	err := l.deps.inTx(ctx, op, func(s Store) error {
		applied = false
		current, err := s.GetRefund(ctx, r.AccountID, r.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return notFound(op, "refund %s not found", r.ID)
		}
		inv, err := s.GetInvoice(ctx, r.AccountID, r.InvoiceID, true)
		if err != nil {
			return err
		}
		if inv == nil {
			return notFound(op, "invoice %s not found", r.InvoiceID)
		}
		from = inv.Status
		if current.Status != RefundPending {
			out = RefundOutcome{Refund: current, Invoice: inv}
			return nil
		}

		now := l.deps.now()
		current.Status = RefundCompleted
		current.RefundedAt = &now
		if processorRefundID != "" {
			current.ProcessorRefundID = processorRefundID
		}
		if err := s.UpdateRefund(ctx, *current); err != nil {
			return err
		}

		settle(inv, inv.AmountPaid.Sub(current.Amount), now)
		inv.UpdatedAt = now
		if err := s.UpdateInvoice(ctx, *inv); err != nil {
			return err
		}
		inv.Version++
		out = RefundOutcome{Refund: current, Invoice: inv}
		applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return &out, nil
	}

	l.deps.Observer.RefundRecorded(RefundCompleted, out.Refund.Amount)
	l.deps.Logger.Info().
		Str("account_id", string(out.Refund.AccountID)).
		Str("refund_id", string(out.Refund.ID)).
		Str("payment_id", string(out.Refund.PaymentID)).
		Str("amount", money(out.Refund.Amount)).
		Str("balance_due", money(out.Invoice.BalanceDue)).
		Msg("refund completed")
	l.deps.publish(ctx, Event{
		Type:      EventRefundCompleted,
		AccountID: out.Refund.AccountID,
		InvoiceID: out.Refund.InvoiceID,
		PaymentID: out.Refund.PaymentID,
		RefundID:  out.Refund.ID,
		Amount:    money(out.Refund.Amount),
		Status:    string(out.Refund.Status),
	})
	noteTransition(ctx, l.deps, from, out.Invoice)
	return &out, nil
}

// fail releases the reservation. The invoice is untouched.
func (l *RefundLedger) fail(ctx context.Context, op string, r Refund) {
	r.Status = RefundFailed
	if err := l.deps.Store.UpdateRefund(ctx, r); err != nil {
		l.deps.Logger.Error().Err(err).Str("op", op).Str("refund_id", string(r.ID)).Msg("failed to mark refund failed")
		return
	}
	l.deps.Observer.RefundRecorded(RefundFailed, r.Amount)
}

func (l *RefundLedger) pendingOutcome(ctx context.Context, r Refund) (*RefundOutcome, error) {
	inv, err := l.deps.Store.GetInvoice(ctx, r.AccountID, r.InvoiceID, true)
	if err != nil {
		return nil, err
	}
	return &RefundOutcome{Refund: &r, Invoice: inv}, nil
}
