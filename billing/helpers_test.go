package billing_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-ledger/billing"
	"github.com/warp/billing-ledger/billing/store"
	"github.com/warp/billing-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	acct     = billing.AccountID("acct-1")
	otherAcc = billing.AccountID("acct-2")
	clientID = billing.ClientID("client-1")
	jobID    = billing.JobID("job-1")
)

type fixture struct {
	store    *store.Memory // nil when the fixture runs on SQLite
	dir      billing.Directory
	tx       billing.TxStore
	clock    *testClock
	proc     *fakeProcessor
	notifier *fakeNotifier
	events   *recordingPublisher
	observer *countingObserver

	seq      *billing.SequenceGenerator
	invoices *billing.InvoiceLedger
	payments *billing.PaymentAllocator
	refunds  *billing.RefundLedger
	sweeper  *billing.Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	mem.SaveClient(billing.Client{ID: clientID, AccountID: acct, Name: "Pat Rivera", Email: "pat@example.com"})
	mem.SaveClient(billing.Client{ID: "client-2", AccountID: otherAcc, Name: "Other Co", Email: "ops@other.example"})
	mem.SaveJob(billing.Job{ID: jobID, AccountID: acct, ClientID: clientID, Title: "Water heater install"})

	f := baseFixture(mem, mem)
	f.store = mem
	f.build(f.deps(mem))
	return f
}

// newSQLiteFixture seeds the same clients and job into an in-memory SQLite store.
func newSQLiteFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.SaveClient(ctx, billing.Client{ID: clientID, AccountID: acct, Name: "Pat Rivera", Email: "pat@example.com"}))
	require.NoError(t, db.SaveClient(ctx, billing.Client{ID: "client-2", AccountID: otherAcc, Name: "Other Co", Email: "ops@other.example"}))
	require.NoError(t, db.SaveJob(ctx, billing.Job{ID: jobID, AccountID: acct, ClientID: clientID, Title: "Water heater install"}))

	f := baseFixture(db, db)
	f.build(f.deps(db))
	return f
}

func baseFixture(tx billing.TxStore, dir billing.Directory) *fixture {
	return &fixture{
		tx:       tx,
		dir:      dir,
		clock:    &testClock{now: time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)},
		proc:     &fakeProcessor{},
		notifier: &fakeNotifier{},
		events:   &recordingPublisher{},
		observer: &countingObserver{},
	}
}

// forEachStore runs fn against a fresh fixture on every store backend.
func forEachStore(t *testing.T, fn func(t *testing.T, f *fixture)) {
	t.Run("memory", func(t *testing.T) { fn(t, newFixture(t)) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteFixture(t)) })
}

func (f *fixture) deps(s billing.TxStore) billing.Deps {
	return billing.Deps{
		Store:     s,
		Directory: f.dir,
		Processor: f.proc,
		Notifier:  f.notifier,
		Events:    f.events,
		Observer:  f.observer,
		Logger:    zerolog.Nop(),
		Now:       f.clock.Now,
	}
}

func (f *fixture) build(deps billing.Deps) {
	f.seq = billing.NewSequenceGenerator(deps)
	f.invoices = billing.NewInvoiceLedger(deps, f.seq)
	f.payments = billing.NewPaymentAllocator(deps, f.seq)
	f.refunds = billing.NewRefundLedger(deps)
	f.sweeper = billing.NewSweeper(deps)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr[T any](v T) *T { return &v }

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, want, got.StringFixed(2), msgAndArgs...)
}

// standardItems is 2 × 50.00 taxable: subtotal 100.00, at 8% total 108.00.
func standardItems() []billing.LineItemInput {
	return []billing.LineItemInput{
		{Name: "Diagnostic visit", Quantity: d("2"), UnitPrice: d("50.00")},
	}
}

// createInvoice opens a 108.00 draft invoice.
func (f *fixture) createInvoice(t *testing.T) *billing.Invoice {
	t.Helper()
	inv, err := f.invoices.Create(context.Background(), billing.CreateInvoiceInput{
		AccountID: acct,
		ClientID:  clientID,
		JobID:     jobID,
		TaxRate:   d("0.08"),
		Items:     standardItems(),
	})
	require.NoError(t, err)
	return inv
}

// sentInvoice opens a 108.00 invoice and sends it.
func (f *fixture) sentInvoice(t *testing.T) *billing.Invoice {
	t.Helper()
	inv := f.createInvoice(t)
	sent, err := f.invoices.Send(context.Background(), acct, inv.ID)
	require.NoError(t, err)
	return sent
}

func (f *fixture) pay(t *testing.T, invoiceID billing.InvoiceID, amount string) *billing.Allocation {
	t.Helper()
	alloc, err := f.payments.RecordManual(context.Background(), billing.ManualPaymentInput{
		AccountID: acct,
		InvoiceID: invoiceID,
		Amount:    d(amount),
		Method:    billing.MethodCheck,
		Reference: "check #1001",
	})
	require.NoError(t, err)
	return alloc
}

func (f *fixture) reload(t *testing.T, id billing.InvoiceID) *billing.Invoice {
	t.Helper()
	inv, err := f.invoices.Get(context.Background(), acct, id, true)
	require.NoError(t, err)
	return inv
}

// =============================================================================
// TEST DOUBLES
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeProcessor answers with whatever the test configured.
type fakeProcessor struct {
	mu sync.Mutex

	chargeStatus billing.ProcessorStatus // default succeeded
	chargeErr    error
	lookup       billing.ChargeResult
	lookupErr    error
	onCharge     func() // runs before the charge is answered
	onRefund     func() // runs before the refund is answered

	refundStatus billing.ProcessorStatus // default succeeded
	refundErr    error
	refundLookup billing.RefundResult

	customers int
	attached  []string
	charges   []billing.ChargeRequest
	refunds   []billing.RefundRequest
}

func (p *fakeProcessor) CreateCustomer(_ context.Context, email, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customers++
	return fmt.Sprintf("cus_%d", p.customers), nil
}

func (p *fakeProcessor) AttachInstrument(_ context.Context, customerID, instrumentRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = append(p.attached, customerID+"/"+instrumentRef)
	return nil
}

func (p *fakeProcessor) CreateCharge(_ context.Context, req billing.ChargeRequest) (billing.ChargeResult, error) {
	if p.onCharge != nil {
		p.onCharge()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.charges = append(p.charges, req)
	if p.chargeErr != nil {
		return billing.ChargeResult{}, p.chargeErr
	}
	status := p.chargeStatus
	if status == "" {
		status = billing.ProcessorSucceeded
	}
	id := fmt.Sprintf("pi_%d", len(p.charges))
	return billing.ChargeResult{ID: id, Status: status, ChargeRef: id}, nil
}

func (p *fakeProcessor) CreateRefund(_ context.Context, req billing.RefundRequest) (billing.RefundResult, error) {
	if p.onRefund != nil {
		p.onRefund()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, req)
	if p.refundErr != nil {
		return billing.RefundResult{}, p.refundErr
	}
	status := p.refundStatus
	if status == "" {
		status = billing.ProcessorSucceeded
	}
	return billing.RefundResult{ID: fmt.Sprintf("re_%d", len(p.refunds)), Status: status}, nil
}

func (p *fakeProcessor) ChargeStatus(_ context.Context, paymentID billing.PaymentID, chargeRef string) (billing.ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookup, p.lookupErr
}

func (p *fakeProcessor) RefundStatus(_ context.Context, refundID billing.RefundID, chargeRef, refundRef string) (billing.RefundResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refundLookup, nil
}

type sentMessage struct {
	To, Subject, Body string
}

// fakeNotifier records messages; recipients in failFor are rejected.
type fakeNotifier struct {
	mu      sync.Mutex
	sent    []sentMessage
	failFor map[string]bool
	delay   time.Duration // slow mail server
}

func (n *fakeNotifier) Send(_ context.Context, to, subject, body string) (string, error) {
	if n.delay > 0 {
		time.Sleep(n.delay)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failFor[to] {
		return "", fmt.Errorf("mailbox %s unavailable", to)
	}
	n.sent = append(n.sent, sentMessage{To: to, Subject: subject, Body: body})
	return fmt.Sprintf("msg-%d", len(n.sent)), nil
}

func (n *fakeNotifier) Sent() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.sent...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []billing.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e billing.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Types() []billing.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]billing.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type countingObserver struct {
	mu          sync.Mutex
	transitions []string
	retries     int
	overpaid    int
	reminders   int
}

func (o *countingObserver) InvoiceTransitioned(from, to billing.InvoiceStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, string(from)+"->"+string(to))
}

func (o *countingObserver) PaymentRecorded(billing.PaymentMethod, billing.PaymentStatus, decimal.Decimal) {
}

func (o *countingObserver) RefundRecorded(billing.RefundStatus, decimal.Decimal) {}

func (o *countingObserver) SequenceIssued(billing.SequenceType) {}

func (o *countingObserver) ConflictRetried(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

func (o *countingObserver) ReminderDispatched(ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ok {
		o.reminders++
	}
}

func (o *countingObserver) OverpaymentDetected() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.overpaid++
}

// conflictingStore fails the first n transactions with a concurrency conflict.
type conflictingStore struct {
	billing.TxStore
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return billing.ErrConcurrencyConflict
	}
	s.mu.Unlock()
	return s.TxStore.WithTx(ctx, fn)
}
