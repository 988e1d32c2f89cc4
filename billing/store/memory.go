// Package store provides in-process billing.TxStore implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/billing-ledger/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record in maps guarded by one RWMutex. It also serves
// as the client/job directory.
type Memory struct {
	mu sync.RWMutex
	st *state
}

type seqKey struct {
	AccountID billing.AccountID
	Type      billing.SequenceType
}

type state struct {
	sequences map[seqKey]billing.Sequence
	invoices  map[billing.InvoiceID]billing.Invoice
	payments  map[billing.PaymentID]billing.Payment
	refunds   map[billing.RefundID]billing.Refund
	clients   map[billing.ClientID]billing.Client
	jobs      map[billing.JobID]billing.Job
}

func newState() *state {
	return &state{
		sequences: make(map[seqKey]billing.Sequence),
		invoices:  make(map[billing.InvoiceID]billing.Invoice),
		payments:  make(map[billing.PaymentID]billing.Payment),
		refunds:   make(map[billing.RefundID]billing.Refund),
		clients:   make(map[billing.ClientID]billing.Client),
		jobs:      make(map[billing.JobID]billing.Job),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// SaveClient upserts a client. Clients are owned by another module; this
// exists for tests and local development.
func (m *Memory) SaveClient(c billing.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.clients[c.ID] = c
}

// SaveJob upserts a job.
func (m *Memory) SaveJob(j billing.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.jobs[j.ID] = j
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&txView{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// =============================================================================
// LOCKED ENTRY POINTS
// =============================================================================

func (m *Memory) NextSequenceValue(ctx context.Context, accountID billing.AccountID, seqType billing.SequenceType, defaultPrefix string) (billing.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.nextSequenceValue(accountID, seqType, defaultPrefix)
}

func (m *Memory) CreateSequence(ctx context.Context, seq billing.Sequence) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createSequence(seq)
}

func (m *Memory) CreateInvoice(ctx context.Context, inv billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createInvoice(inv)
}

func (m *Memory) UpdateInvoice(ctx context.Context, inv billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateInvoice(inv)
}

func (m *Memory) ReplaceLineItems(ctx context.Context, invoiceID billing.InvoiceID, items []billing.LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.replaceLineItems(invoiceID, items)
}

func (m *Memory) GetInvoice(ctx context.Context, accountID billing.AccountID, id billing.InvoiceID, includeDeleted bool) (*billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getInvoice(accountID, id, includeDeleted), nil
}

func (m *Memory) ListInvoices(ctx context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listInvoices(filter), nil
}

func (m *Memory) CreatePayment(ctx context.Context, p billing.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createPayment(p)
}

func (m *Memory) UpdatePaymentStatus(ctx context.Context, id billing.PaymentID, status billing.PaymentStatus, processorPaymentID string, settledAt *time.Time, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updatePaymentStatus(id, status, processorPaymentID, settledAt, now)
}

func (m *Memory) GetPayment(ctx context.Context, accountID billing.AccountID, id billing.PaymentID) (*billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getPayment(accountID, id), nil
}

func (m *Memory) ListPaymentsByInvoice(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listPayments(func(p billing.Payment) bool { return p.InvoiceID == invoiceID }, 0), nil
}

func (m *Memory) ListPaymentsByStatus(ctx context.Context, status billing.PaymentStatus, limit int) ([]billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listPayments(func(p billing.Payment) bool { return p.Status == status }, limit), nil
}

func (m *Memory) CreateRefund(ctx context.Context, r billing.Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createRefund(r)
}

func (m *Memory) UpdateRefund(ctx context.Context, r billing.Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateRefund(r)
}

func (m *Memory) GetRefund(ctx context.Context, accountID billing.AccountID, id billing.RefundID) (*billing.Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getRefund(accountID, id), nil
}

func (m *Memory) ListRefundsByPayment(ctx context.Context, paymentID billing.PaymentID) ([]billing.Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listRefunds(func(r billing.Refund) bool { return r.PaymentID == paymentID }, 0), nil
}

func (m *Memory) ListRefundsByInvoice(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listRefunds(func(r billing.Refund) bool { return r.InvoiceID == invoiceID }, 0), nil
}

func (m *Memory) ListRefundsByStatus(ctx context.Context, status billing.RefundStatus, limit int) ([]billing.Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listRefunds(func(r billing.Refund) bool { return r.Status == status }, limit), nil
}

// Directory

func (m *Memory) GetClient(ctx context.Context, accountID billing.AccountID, id billing.ClientID) (*billing.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.st.clients[id]
	if !ok || c.AccountID != accountID {
		return nil, billing.ErrNotFound
	}
	return &c, nil
}

func (m *Memory) GetJob(ctx context.Context, accountID billing.AccountID, id billing.JobID) (*billing.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.st.jobs[id]
	if !ok || j.AccountID != accountID {
		return nil, billing.ErrNotFound
	}
	return &j, nil
}

func (m *Memory) SetProcessorCustomerID(ctx context.Context, accountID billing.AccountID, id billing.ClientID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.st.clients[id]
	if !ok || c.AccountID != accountID {
		return billing.ErrNotFound
	}
	c.ProcessorCustomerID = customerID
	m.st.clients[id] = c
	return nil
}

// =============================================================================
// TRANSACTIONAL VIEW - Runs under the lock WithTx already holds
// =============================================================================

type txView struct {
	st *state
}

func (v *txView) NextSequenceValue(ctx context.Context, accountID billing.AccountID, seqType billing.SequenceType, defaultPrefix string) (billing.Sequence, error) {
	return v.st.nextSequenceValue(accountID, seqType, defaultPrefix)
}

func (v *txView) CreateSequence(ctx context.Context, seq billing.Sequence) (bool, error) {
	return v.st.createSequence(seq)
}

func (v *txView) CreateInvoice(ctx context.Context, inv billing.Invoice) error {
	return v.st.createInvoice(inv)
}

func (v *txView) UpdateInvoice(ctx context.Context, inv billing.Invoice) error {
	return v.st.updateInvoice(inv)
}

func (v *txView) ReplaceLineItems(ctx context.Context, invoiceID billing.InvoiceID, items []billing.LineItem) error {
	return v.st.replaceLineItems(invoiceID, items)
}

func (v *txView) GetInvoice(ctx context.Context, accountID billing.AccountID, id billing.InvoiceID, includeDeleted bool) (*billing.Invoice, error) {
	return v.st.getInvoice(accountID, id, includeDeleted), nil
}

func (v *txView) ListInvoices(ctx context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	return v.st.listInvoices(filter), nil
}

func (v *txView) CreatePayment(ctx context.Context, p billing.Payment) error {
	return v.st.createPayment(p)
}

func (v *txView) UpdatePaymentStatus(ctx context.Context, id billing.PaymentID, status billing.PaymentStatus, processorPaymentID string, settledAt *time.Time, now time.Time) error {
	return v.st.updatePaymentStatus(id, status, processorPaymentID, settledAt, now)
}

func (v *txView) GetPayment(ctx context.Context, accountID billing.AccountID, id billing.PaymentID) (*billing.Payment, error) {
	return v.st.getPayment(accountID, id), nil
}

func (v *txView) ListPaymentsByInvoice(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.Payment, error) {
	return v.st.listPayments(func(p billing.Payment) bool { return p.InvoiceID == invoiceID }, 0), nil
}

func (v *txView) ListPaymentsByStatus(ctx context.Context, status billing.PaymentStatus, limit int) ([]billing.Payment, error) {
	return v.st.listPayments(func(p billing.Payment) bool { return p.Status == status }, limit), nil
}

func (v *txView) CreateRefund(ctx context.Context, r billing.Refund) error {
	return v.st.createRefund(r)
}

func (v *txView) UpdateRefund(ctx context.Context, r billing.Refund) error {
	return v.st.updateRefund(r)
}

func (v *txView) GetRefund(ctx context.Context, accountID billing.AccountID, id billing.RefundID) (*billing.Refund, error) {
	return v.st.getRefund(accountID, id), nil
}

func (v *txView) ListRefundsByPayment(ctx context.Context, paymentID billing.PaymentID) ([]billing.Refund, error) {
	return v.st.listRefunds(func(r billing.Refund) bool { return r.PaymentID == paymentID }, 0), nil
}

func (v *txView) ListRefundsByInvoice(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.Refund, error) {
	return v.st.listRefunds(func(r billing.Refund) bool { return r.InvoiceID == invoiceID }, 0), nil
}

func (v *txView) ListRefundsByStatus(ctx context.Context, status billing.RefundStatus, limit int) ([]billing.Refund, error) {
	return v.st.listRefunds(func(r billing.Refund) bool { return r.Status == status }, limit), nil
}

// =============================================================================
// STATE - Unlocked operations shared by both entry points
// =============================================================================

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	for k, v := range s.invoices {
		v.LineItems = append([]billing.LineItem(nil), v.LineItems...)
		c.invoices[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.refunds {
		c.refunds[k] = v
	}
	for k, v := range s.clients {
		c.clients[k] = v
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	return c
}

func (s *state) nextSequenceValue(accountID billing.AccountID, seqType billing.SequenceType, defaultPrefix string) (billing.Sequence, error) {
	k := seqKey{AccountID: accountID, Type: seqType}
	seq, ok := s.sequences[k]
	if !ok {
		seq = billing.Sequence{
			ID:           string(accountID) + ":" + string(seqType),
			AccountID:    accountID,
			SequenceType: seqType,
			Prefix:       defaultPrefix,
		}
	}
	seq.CurrentValue++
	s.sequences[k] = seq
	return seq, nil
}

func (s *state) createSequence(seq billing.Sequence) (bool, error) {
	k := seqKey{AccountID: seq.AccountID, Type: seq.SequenceType}
	if _, ok := s.sequences[k]; ok {
		return false, nil
	}
	s.sequences[k] = seq
	return true, nil
}

func (s *state) createInvoice(inv billing.Invoice) error {
	if _, ok := s.invoices[inv.ID]; ok {
		return billing.ErrConcurrencyConflict
	}
	inv.LineItems = append([]billing.LineItem(nil), inv.LineItems...)
	s.invoices[inv.ID] = inv
	return nil
}

func (s *state) updateInvoice(inv billing.Invoice) error {
	cur, ok := s.invoices[inv.ID]
	if !ok {
		return billing.ErrNotFound
	}
	if cur.Version != inv.Version {
		return billing.ErrConcurrencyConflict
	}
	inv.LineItems = cur.LineItems
	inv.Version++
	s.invoices[inv.ID] = inv
	return nil
}

func (s *state) replaceLineItems(invoiceID billing.InvoiceID, items []billing.LineItem) error {
	cur, ok := s.invoices[invoiceID]
	if !ok {
		return billing.ErrNotFound
	}
	cur.LineItems = append([]billing.LineItem(nil), items...)
	s.invoices[invoiceID] = cur
	return nil
}

func (s *state) getInvoice(accountID billing.AccountID, id billing.InvoiceID, includeDeleted bool) *billing.Invoice {
	inv, ok := s.invoices[id]
	if !ok || inv.AccountID != accountID || (inv.IsDeleted() && !includeDeleted) {
		return nil
	}
	inv.LineItems = append([]billing.LineItem(nil), inv.LineItems...)
	return &inv
}

func (s *state) listInvoices(f billing.InvoiceFilter) []billing.Invoice {
	var out []billing.Invoice
	for _, inv := range s.invoices {
		if !matches(inv, f) {
			continue
		}
		inv.LineItems = append([]billing.LineItem(nil), inv.LineItems...)
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, f.Offset, f.Limit)
}

func matches(inv billing.Invoice, f billing.InvoiceFilter) bool {
	if f.AccountID != "" && inv.AccountID != f.AccountID {
		return false
	}
	if f.ClientID != "" && inv.ClientID != f.ClientID {
		return false
	}
	if inv.IsDeleted() && !f.IncludeDeleted {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if inv.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.DueBefore != nil && !inv.DueDate.Before(*f.DueBefore) {
		return false
	}
	if f.DueOnOrBefore != nil && inv.DueDate.After(*f.DueOnOrBefore) {
		return false
	}
	return true
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (s *state) createPayment(p billing.Payment) error {
	if _, ok := s.payments[p.ID]; ok {
		return billing.ErrConcurrencyConflict
	}
	s.payments[p.ID] = p
	return nil
}

func (s *state) updatePaymentStatus(id billing.PaymentID, status billing.PaymentStatus, processorPaymentID string, settledAt *time.Time, now time.Time) error {
	p, ok := s.payments[id]
	if !ok {
		return billing.ErrNotFound
	}
	p.Status = status
	if processorPaymentID != "" {
		p.ProcessorPaymentID = processorPaymentID
	}
	if settledAt != nil {
		p.SettledAt = settledAt
	}
	p.UpdatedAt = now.UTC()
	s.payments[id] = p
	return nil
}

func (s *state) getPayment(accountID billing.AccountID, id billing.PaymentID) *billing.Payment {
	p, ok := s.payments[id]
	if !ok || p.AccountID != accountID {
		return nil
	}
	return &p
}

func (s *state) listPayments(keep func(billing.Payment) bool, limit int) []billing.Payment {
	var out []billing.Payment
	for _, p := range s.payments {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].PaymentNumber < out[j].PaymentNumber
	})
	return page(out, 0, limit)
}

func (s *state) createRefund(r billing.Refund) error {
	if _, ok := s.refunds[r.ID]; ok {
		return billing.ErrConcurrencyConflict
	}
	s.refunds[r.ID] = r
	return nil
}

func (s *state) updateRefund(r billing.Refund) error {
	if _, ok := s.refunds[r.ID]; !ok {
		return billing.ErrNotFound
	}
	s.refunds[r.ID] = r
	return nil
}

func (s *state) getRefund(accountID billing.AccountID, id billing.RefundID) *billing.Refund {
	r, ok := s.refunds[id]
	if !ok || r.AccountID != accountID {
		return nil
	}
	return &r
}

func (s *state) listRefunds(keep func(billing.Refund) bool, limit int) []billing.Refund {
	var out []billing.Refund
	for _, r := range s.refunds {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, 0, limit)
}
