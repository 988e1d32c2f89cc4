package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-ledger/billing"
)

// =============================================================================
// CREATE
// =============================================================================

func TestInvoice_CreateComputesTotalsAndNumbers(t *testing.T) {
	f := newFixture(t)

	inv := f.createInvoice(t)

	assert.Equal(t, "INV-00001", inv.InvoiceNumber)
	assert.Equal(t, billing.InvoiceDraft, inv.Status)
	assertMoney(t, "100.00", inv.Subtotal)
	assertMoney(t, "8.00", inv.TaxAmount)
	assertMoney(t, "108.00", inv.Total)
	assertMoney(t, "0.00", inv.AmountPaid)
	assertMoney(t, "108.00", inv.BalanceDue)
	assert.Equal(t, "2025-03-01", billing.DayOf(inv.InvoiceDate).String())
	assert.Equal(t, "2025-03-31", billing.DayOf(inv.DueDate).String(), "net 30 by default")
	require.Len(t, inv.LineItems, 1)
	assert.Contains(t, f.events.Types(), billing.EventInvoiceCreated)

	stored := f.reload(t, inv.ID)
	assert.Equal(t, inv.InvoiceNumber, stored.InvoiceNumber)
	assert.Len(t, stored.LineItems, 1)
}

func TestInvoice_CreateRejects(t *testing.T) {
	ctx := context.Background()
	base := func() billing.CreateInvoiceInput {
		return billing.CreateInvoiceInput{AccountID: acct, ClientID: clientID, Items: standardItems()}
	}

	tests := []struct {
		name   string
		mutate func(*billing.CreateInvoiceInput)
		want   error
	}{
		{"unknown client", func(in *billing.CreateInvoiceInput) { in.ClientID = "nobody" }, billing.ErrNotFound},
		{"client in another account", func(in *billing.CreateInvoiceInput) { in.ClientID = "client-2" }, billing.ErrNotFound},
		{"unknown job", func(in *billing.CreateInvoiceInput) { in.JobID = "job-404" }, billing.ErrNotFound},
		{"tax rate above one", func(in *billing.CreateInvoiceInput) { in.TaxRate = d("1.5") }, billing.ErrValidation},
		{"negative discount", func(in *billing.CreateInvoiceInput) { in.Discount = d("-1") }, billing.ErrValidation},
		{"discount exceeds amount", func(in *billing.CreateInvoiceInput) { in.Discount = d("500") }, billing.ErrValidation},
		{"bad line item", func(in *billing.CreateInvoiceInput) {
			in.Items = []billing.LineItemInput{{Name: "x", Quantity: d("0"), UnitPrice: d("1")}}
		}, billing.ErrValidation},
		{"due before invoice date", func(in *billing.CreateInvoiceInput) {
			in.InvoiceDate = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
			in.DueDate = time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)
		}, billing.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			in := base()
			tt.mutate(&in)
			_, err := f.invoices.Create(ctx, in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// =============================================================================
// UPDATE
// =============================================================================

func TestInvoice_UpdateReplacesItemsAndKeepsPayments(t *testing.T) {
	// GIVEN: A sent invoice with 50.00 paid
	f := newFixture(t)
	inv := f.sentInvoice(t)
	f.pay(t, inv.ID, "50.00")

	// WHEN: Line items are replaced with a 200.00 item
	items := []billing.LineItemInput{{Name: "Replacement unit", Quantity: d("1"), UnitPrice: d("200.00")}}
	updated, err := f.invoices.Update(context.Background(), acct, inv.ID, billing.UpdateInvoiceInput{Items: &items})
	require.NoError(t, err)

	// THEN: total is recomputed and the payment still counts
	assertMoney(t, "216.00", updated.Total)
	assertMoney(t, "50.00", updated.AmountPaid)
	assertMoney(t, "166.00", updated.BalanceDue)
	assert.Equal(t, billing.InvoicePartial, updated.Status)

	stored := f.reload(t, inv.ID)
	require.Len(t, stored.LineItems, 1)
	assert.Equal(t, "Replacement unit", stored.LineItems[0].Name)
}

func TestInvoice_UpdateBelowAmountPaidFlagsOverpaid(t *testing.T) {
	f := newFixture(t)
	inv := f.sentInvoice(t)
	f.pay(t, inv.ID, "50.00")

	items := []billing.LineItemInput{{Name: "Callout", Quantity: d("1"), UnitPrice: d("20.00")}}
	updated, err := f.invoices.Update(context.Background(), acct, inv.ID, billing.UpdateInvoiceInput{
		Items:   &items,
		TaxRate: ptr(d("0")),
	})
	require.NoError(t, err)

	assertMoney(t, "-30.00", updated.BalanceDue)
	assert.True(t, updated.Overpaid)
	assert.Equal(t, billing.InvoicePaid, updated.Status)
	assert.Equal(t, 1, f.observer.overpaid)
	assert.Contains(t, f.events.Types(), billing.EventInvoiceOverpaid)
}

func TestInvoice_UpdateForbiddenOncePaidOrVoid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	paid := f.sentInvoice(t)
	f.pay(t, paid.ID, "108.00")
	_, err := f.invoices.Update(ctx, acct, paid.ID, billing.UpdateInvoiceInput{Notes: ptr("late edit")})
	assert.ErrorIs(t, err, billing.ErrInvalidState)

	void := f.createInvoice(t)
	_, err = f.invoices.Void(ctx, acct, void.ID)
	require.NoError(t, err)
	_, err = f.invoices.Update(ctx, acct, void.ID, billing.UpdateInvoiceInput{Notes: ptr("late edit")})
	assert.ErrorIs(t, err, billing.ErrInvalidState)
}

// =============================================================================
// SEND / VIEW
// =============================================================================

func TestInvoice_SendNotifiesClient(t *testing.T) {
	f := newFixture(t)
	inv := f.createInvoice(t)

	sent, err := f.invoices.Send(context.Background(), acct, inv.ID)
	require.NoError(t, err)

	assert.Equal(t, billing.InvoiceSent, sent.Status)
	require.NotNil(t, sent.SentAt)
	msgs := f.notifier.Sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "pat@example.com", msgs[0].To)
	assert.Contains(t, msgs[0].Subject, "INV-00001")
	assert.Contains(t, msgs[0].Body, "108.00")
	assert.Contains(t, f.observer.transitions, "draft->sent")
}

func TestInvoice_ResendKeepsPartialStatus(t *testing.T) {
	f := newFixture(t)
	inv := f.sentInvoice(t)
	f.pay(t, inv.ID, "8.00")
	f.clock.Advance(24 * time.Hour)

	resent, err := f.invoices.Send(context.Background(), acct, inv.ID)
	require.NoError(t, err)

	assert.Equal(t, billing.InvoicePartial, resent.Status)
	assert.Equal(t, f.clock.Now().UTC(), *resent.SentAt)
}

func TestInvoice_SendFailsForTerminal(t *testing.T) {
	f := newFixture(t)
	inv := f.createInvoice(t)
	_, err := f.invoices.Void(context.Background(), acct, inv.ID)
	require.NoError(t, err)

	_, err = f.invoices.Send(context.Background(), acct, inv.ID)
	assert.ErrorIs(t, err, billing.ErrInvalidState)
}

func TestInvoice_SendSurvivesNotifierFailure(t *testing.T) {
	f := newFixture(t)
	f.notifier.failFor = map[string]bool{"pat@example.com": true}
	inv := f.createInvoice(t)

	sent, err := f.invoices.Send(context.Background(), acct, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceSent, sent.Status)
}

func TestInvoice_MarkViewedStampsOnce(t *testing.T) {
	f := newFixture(t)
	inv := f.sentInvoice(t)
	ctx := context.Background()

	viewed, err := f.invoices.MarkViewed(ctx, acct, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, viewed.ViewedAt)
	first := *viewed.ViewedAt
	assert.Equal(t, billing.InvoiceSent, viewed.Status)

	f.clock.Advance(time.Hour)
	again, err := f.invoices.MarkViewed(ctx, acct, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, first, *again.ViewedAt)
}

// =============================================================================
// VOID / DELETE
// =============================================================================

func TestInvoice_VoidRules(t *testing.T) {
	ctx := context.Background()

	t.Run("draft can be voided", func(t *testing.T) {
		f := newFixture(t)
		inv := f.createInvoice(t)
		voided, err := f.invoices.Void(ctx, acct, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.InvoiceVoid, voided.Status)
		assert.Contains(t, f.events.Types(), billing.EventInvoiceVoided)
	})

	t.Run("twice is rejected", func(t *testing.T) {
		f := newFixture(t)
		inv := f.createInvoice(t)
		_, err := f.invoices.Void(ctx, acct, inv.ID)
		require.NoError(t, err)
		_, err = f.invoices.Void(ctx, acct, inv.ID)
		assert.ErrorIs(t, err, billing.ErrInvalidState)
	})

	t.Run("partially paid is rejected", func(t *testing.T) {
		f := newFixture(t)
		inv := f.sentInvoice(t)
		f.pay(t, inv.ID, "10.00")
		_, err := f.invoices.Void(ctx, acct, inv.ID)
		assert.ErrorIs(t, err, billing.ErrInvalidState)
	})

	t.Run("paid is rejected", func(t *testing.T) {
		f := newFixture(t)
		inv := f.sentInvoice(t)
		f.pay(t, inv.ID, "108.00")
		_, err := f.invoices.Void(ctx, acct, inv.ID)
		assert.ErrorIs(t, err, billing.ErrInvalidState)
	})

	t.Run("payment in flight is rejected", func(t *testing.T) {
		f := newFixture(t)
		f.proc.chargeStatus = billing.ProcessorProcessing
		inv := f.sentInvoice(t)
		_, err := f.payments.ProcessBank(ctx, billing.ProcessedPaymentInput{
			AccountID: acct, InvoiceID: inv.ID, Amount: d("108.00"), InstrumentRef: "ba_123",
		})
		require.NoError(t, err)
		_, err = f.invoices.Void(ctx, acct, inv.ID)
		assert.ErrorIs(t, err, billing.ErrInvalidState)
	})

	t.Run("fully refunded can be voided", func(t *testing.T) {
		f := newFixture(t)
		inv := f.sentInvoice(t)
		alloc := f.pay(t, inv.ID, "108.00")
		_, err := f.refunds.Refund(ctx, billing.RefundInput{AccountID: acct, PaymentID: alloc.Payment.ID})
		require.NoError(t, err)
		voided, err := f.invoices.Void(ctx, acct, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.InvoiceVoid, voided.Status)
	})
}

func TestInvoice_DeleteTombstones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.createInvoice(t)

	require.NoError(t, f.invoices.Delete(ctx, acct, inv.ID))

	_, err := f.invoices.Get(ctx, acct, inv.ID, false)
	assert.ErrorIs(t, err, billing.ErrNotFound)
	stored, err := f.invoices.Get(ctx, acct, inv.ID, true)
	require.NoError(t, err)
	assert.NotNil(t, stored.DeletedAt)

	list, err := f.invoices.List(ctx, billing.InvoiceFilter{AccountID: acct})
	require.NoError(t, err)
	assert.Empty(t, list)

	err = f.invoices.Delete(ctx, acct, inv.ID)
	assert.ErrorIs(t, err, billing.ErrNotFound, "already deleted")
}

func TestInvoice_DeleteRejectsStaleWriters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.createInvoice(t)

	// GIVEN: A copy loaded before the invoice is deleted
	stale, err := f.store.GetInvoice(ctx, acct, inv.ID, false)
	require.NoError(t, err)
	require.NoError(t, f.invoices.Delete(ctx, acct, inv.ID))

	// WHEN: The stale copy is written back
	stale.Notes = "edited elsewhere"
	err = f.store.UpdateInvoice(ctx, *stale)

	// THEN: The write loses and the tombstone stays
	assert.ErrorIs(t, err, billing.ErrConcurrencyConflict)
	stored := f.reload(t, inv.ID)
	assert.NotNil(t, stored.DeletedAt)
	assert.Equal(t, stale.Version+1, stored.Version)
}

func TestInvoice_DeleteWithPaymentRejected(t *testing.T) {
	f := newFixture(t)
	inv := f.sentInvoice(t)
	f.pay(t, inv.ID, "20.00")

	err := f.invoices.Delete(context.Background(), acct, inv.ID)
	assert.ErrorIs(t, err, billing.ErrInvalidState)
}

// =============================================================================
// READS
// =============================================================================

func TestInvoice_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	inv := f.createInvoice(t)

	_, err := f.invoices.Get(context.Background(), otherAcc, inv.ID, true)
	assert.ErrorIs(t, err, billing.ErrNotFound)

	_, err = f.invoices.Send(context.Background(), otherAcc, inv.ID)
	var be *billing.Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, billing.KindNotFound, be.Kind)
	assert.Equal(t, "invoice.send", be.Op)
}

func TestInvoice_ListFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft := f.createInvoice(t)
	f.clock.Advance(time.Minute)
	sent := f.sentInvoice(t)

	all, err := f.invoices.List(ctx, billing.InvoiceFilter{AccountID: acct})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, sent.ID, all[0].ID, "newest first")

	onlySent, err := f.invoices.List(ctx, billing.InvoiceFilter{AccountID: acct, Statuses: []billing.InvoiceStatus{billing.InvoiceSent}})
	require.NoError(t, err)
	require.Len(t, onlySent, 1)
	assert.Equal(t, sent.ID, onlySent[0].ID)

	page, err := f.invoices.List(ctx, billing.InvoiceFilter{AccountID: acct, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, draft.ID, page[0].ID)

	_, err = f.invoices.List(ctx, billing.InvoiceFilter{})
	assert.ErrorIs(t, err, billing.ErrValidation, "account is required")
}
