/*
sweeper.go - Overdue sweep and payment reminders

PURPOSE:
  Periodic batch jobs, run by the scheduler or the CLI.

OVERDUE SWEEP:
  sent AND dueDate < today → overdue. Each invoice flips in its own
  transaction after a reread, so a payment landing mid-sweep wins and a
  second run with nothing new due is a no-op. Pages are walked by offset;
  only rows that stay in the listing advance it.

REMINDERS:
  Candidates: sent invoices due within ReminderWindowDays (or already past
  due), and overdue invoices. A candidate is reminded at most once every
  ReminderIntervalDays, gated on lastReminderSentAt.

  CLAIM, SEND, RELEASE:
    1. Transaction: reread, recheck status and gate, stamp
       lastReminderSentAt/reminderCount (versioned write)
    2. Send, only if this run won the claim
    3. Send failed → transaction: undo the stamp if it is still ours

  Overlapping runs (cron, admin endpoint, CLI) race on the claim and only
  one sends. A failed send leaves the invoice eligible on the next run
  instead of silencing it for a whole interval.

  Sends run concurrently, bounded by ReminderConcurrency.
*/
package billing

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type Sweeper struct {
	deps Deps
}

func NewSweeper(deps Deps) *Sweeper {
	return &Sweeper{deps: deps.withDefaults()}
}

type SweepSummary struct {
	Scanned      int
	Transitioned int
	Errors       int
}

type ReminderSummary struct {
	Candidates int
	Sent       int
	Skipped    int
	Failed     int
}

// SweepOverdue moves every sent invoice past its due date to overdue.
func (s *Sweeper) SweepOverdue(ctx context.Context) (SweepSummary, error) {
	const op = "sweep.overdue"
	var sum SweepSummary

	today := Today(s.deps.now())
	cutoff := today.Time
	skip := 0
	for {
		batch, err := s.deps.Store.ListInvoices(ctx, InvoiceFilter{
			Statuses:  []InvoiceStatus{InvoiceSent},
			DueBefore: &cutoff,
			Limit:     s.deps.Settings.SweepBatchSize,
			Offset:    skip,
		})
		if err != nil {
			return sum, err
		}

		for i := range batch {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			sum.Scanned++
			res, err := s.markOverdue(ctx, op, batch[i].AccountID, batch[i].ID, today)
			if err != nil {
				sum.Errors++
				s.deps.Logger.Warn().Err(err).Str("invoice_id", string(batch[i].ID)).Msg("overdue transition failed")
			}
			switch res {
			case sweepMoved:
				sum.Transitioned++
			case sweepKept:
				skip++
			}
		}
		if len(batch) < s.deps.Settings.SweepBatchSize {
			break
		}
	}

	s.deps.Logger.Info().
		Int("scanned", sum.Scanned).
		Int("transitioned", sum.Transitioned).
		Int("errors", sum.Errors).
		Msg("overdue sweep finished")
	return sum, nil
}

// sweepResult says what happened to one listed invoice and whether it is
// still part of the listing.
type sweepResult int

const (
	sweepMoved sweepResult = iota // now overdue, gone from the listing
	sweepGone                     // changed or deleted meanwhile, gone from the listing
	sweepKept                     // still listed
)

func (s *Sweeper) markOverdue(ctx context.Context, op string, accountID AccountID, id InvoiceID, today Day) (sweepResult, error) {
	var inv *Invoice
	res := sweepGone
	err := s.deps.inTx(ctx, op, func(st Store) error {
		inv = nil
		res = sweepGone
		current, err := st.GetInvoice(ctx, accountID, id, false)
		if err != nil || current == nil {
			return err
		}
		if current.Status != InvoiceSent {
			return nil
		}
		if !current.IsOverdueOn(today) {
			res = sweepKept
			return nil
		}
		current.Status = InvoiceOverdue
		current.UpdatedAt = s.deps.now()
		if err := st.UpdateInvoice(ctx, *current); err != nil {
			return err
		}
		current.Version++
		inv = current
		res = sweepMoved
		return nil
	})
	if err != nil {
		return sweepKept, err
	}
	if inv != nil {
		noteTransition(ctx, s.deps, InvoiceSent, inv)
	}
	return res, nil
}

// DispatchReminders notifies clients of due and overdue invoices.
func (s *Sweeper) DispatchReminders(ctx context.Context) (ReminderSummary, error) {
	const op = "sweep.reminders"
	var sum ReminderSummary

	if s.deps.Notifier == nil || s.deps.Directory == nil {
		s.deps.Logger.Warn().Msg("reminders skipped: notifier or client directory not configured")
		return sum, nil
	}

	today := Today(s.deps.now())
	horizon := today.AddDays(s.deps.Settings.ReminderWindowDays).Time

	candidates, err := s.collect(ctx, InvoiceFilter{
		Statuses:      []InvoiceStatus{InvoiceSent},
		DueOnOrBefore: &horizon,
	})
	if err != nil {
		return sum, err
	}
	overdue, err := s.collect(ctx, InvoiceFilter{Statuses: []InvoiceStatus{InvoiceOverdue}})
	if err != nil {
		return sum, err
	}
	candidates = append(candidates, overdue...)
	sum.Candidates = len(candidates)

	var sent, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.deps.Settings.ReminderConcurrency)
	for i := range candidates {
		inv := candidates[i]
		if !s.remindable(&inv, today) {
			skipped.Add(1)
			continue
		}
		g.Go(func() error {
			ok, err := s.remind(gctx, op, &inv, today)
			switch {
			case err != nil:
				failed.Add(1)
				s.deps.Observer.ReminderDispatched(false)
				s.deps.Logger.Warn().Err(err).Str("invoice_id", string(inv.ID)).Msg("reminder not sent")
			case ok:
				sent.Add(1)
				s.deps.Observer.ReminderDispatched(true)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}

	sum.Sent = int(sent.Load())
	sum.Skipped = int(skipped.Load())
	sum.Failed = int(failed.Load())
	s.deps.Logger.Info().
		Int("candidates", sum.Candidates).
		Int("sent", sum.Sent).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Msg("reminder dispatch finished")
	return sum, ctx.Err()
}

// ReminderDue reports whether inv may be reminded today.
func ReminderDue(inv *Invoice, today Day, intervalDays int) bool {
	if inv.LastReminderSentAt == nil {
		return true
	}
	return DaysBetween(DayOf(*inv.LastReminderSentAt), today) >= intervalDays
}

func (s *Sweeper) collect(ctx context.Context, filter InvoiceFilter) ([]Invoice, error) {
	var all []Invoice
	filter.Limit = s.deps.Settings.SweepBatchSize
	for {
		batch, err := s.deps.Store.ListInvoices(ctx, filter)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < filter.Limit {
			return all, nil
		}
		filter.Offset += len(batch)
	}
}

// remindable reports whether inv is a reminder candidate today: sent and
// due within the window, or overdue, and past the interval gate.
func (s *Sweeper) remindable(inv *Invoice, today Day) bool {
	switch inv.Status {
	case InvoiceOverdue:
	case InvoiceSent:
		if DayOf(inv.DueDate).After(today.AddDays(s.deps.Settings.ReminderWindowDays)) {
			return false
		}
	default:
		return false
	}
	return ReminderDue(inv, today, s.deps.Settings.ReminderIntervalDays)
}

// remind claims, sends and, on failure, releases one reminder. It returns
// false without error when another run holds the claim or the invoice is
// no longer remindable.
func (s *Sweeper) remind(ctx context.Context, op string, inv *Invoice, today Day) (bool, error) {
	client, err := s.deps.Directory.GetClient(ctx, inv.AccountID, inv.ClientID)
	if err != nil {
		return false, err
	}
	if client == nil || client.Email == "" {
		return false, validation(op, "client %s has no email address", inv.ClientID)
	}

	var (
		claimed  *Invoice
		previous *time.Time
	)
	err = s.deps.inTx(ctx, op, func(st Store) error {
		claimed = nil
		current, err := st.GetInvoice(ctx, inv.AccountID, inv.ID, false)
		if err != nil || current == nil {
			return err
		}
		if !s.remindable(current, today) {
			return nil
		}
		previous = current.LastReminderSentAt
		now := s.deps.now()
		current.LastReminderSentAt = &now
		current.ReminderCount++
		current.UpdatedAt = now
		if err := st.UpdateInvoice(ctx, *current); err != nil {
			return err
		}
		current.Version++
		claimed = current
		return nil
	})
	if err != nil {
		if IsRetryable(err) {
			// Another run kept winning the claim.
			return false, nil
		}
		return false, err
	}
	if claimed == nil {
		return false, nil
	}

	subject, body := reminderMessage(claimed, today)
	messageID, err := s.deps.Notifier.Send(ctx, client.Email, subject, body)
	if err != nil {
		s.release(ctx, op, claimed, previous)
		return false, err
	}

	s.deps.Logger.Info().
		Str("invoice_id", string(claimed.ID)).
		Str("message_id", messageID).
		Int("reminder_count", claimed.ReminderCount).
		Msg("reminder sent")
	e := invoiceEvent(EventReminderSent, claimed)
	e.Attributes = map[string]string{"message_id": messageID}
	s.deps.publish(ctx, e)
	return true, nil
}

// release undoes a claim whose send failed, unless the invoice has been
// reminded again since.
func (s *Sweeper) release(ctx context.Context, op string, claimed *Invoice, previous *time.Time) {
	ctx, cancel := detach(ctx)
	defer cancel()

	err := s.deps.inTx(ctx, op, func(st Store) error {
		current, err := st.GetInvoice(ctx, claimed.AccountID, claimed.ID, true)
		if err != nil || current == nil {
			return err
		}
		if current.ReminderCount != claimed.ReminderCount {
			return nil
		}
		current.LastReminderSentAt = previous
		current.ReminderCount--
		current.UpdatedAt = s.deps.now()
		return st.UpdateInvoice(ctx, *current)
	})
	if err != nil {
		s.deps.Logger.Error().Err(err).Str("invoice_id", string(claimed.ID)).Msg("failed to release reminder claim")
	}
}

func reminderMessage(inv *Invoice, today Day) (string, string) {
	due := DayOf(inv.DueDate)
	if due.Before(today) {
		days := DaysBetween(due, today)
		return fmt.Sprintf("Invoice %s is overdue", inv.InvoiceNumber),
			fmt.Sprintf("Invoice %s for %s was due on %s and is %d day(s) overdue.", inv.InvoiceNumber, money(inv.BalanceDue), due, days)
	}
	return fmt.Sprintf("Reminder: invoice %s is due %s", inv.InvoiceNumber, due),
		fmt.Sprintf("Invoice %s for %s is due on %s.", inv.InvoiceNumber, money(inv.BalanceDue), due)
}
