/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Account scoping via X-Account-ID
- Invoice create / send / pay / refund round trip over HTTP
- Error kind to status code mapping
- Processing payments answered with 202
- Sequence, directory and admin endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-ledger/billing"
	"github.com/warp/billing-ledger/store/sqlite"
)

const testAccount = "acct-1"

// slowProcessor never answers charges in time.
type slowProcessor struct{}

func (slowProcessor) CreateCustomer(context.Context, string, string) (string, error) {
	return "cus_1", nil
}
func (slowProcessor) AttachInstrument(context.Context, string, string) error { return nil }
func (slowProcessor) CreateCharge(context.Context, billing.ChargeRequest) (billing.ChargeResult, error) {
	return billing.ChargeResult{}, billing.ErrProcessorTimeout
}
func (slowProcessor) CreateRefund(context.Context, billing.RefundRequest) (billing.RefundResult, error) {
	return billing.RefundResult{}, billing.ErrProcessorTimeout
}
func (slowProcessor) ChargeStatus(context.Context, billing.PaymentID, string) (billing.ChargeResult, error) {
	return billing.ChargeResult{Status: billing.ProcessorProcessing}, nil
}
func (slowProcessor) RefundStatus(context.Context, billing.RefundID, string, string) (billing.RefundResult, error) {
	return billing.RefundResult{Status: billing.ProcessorProcessing}, nil
}

type testServer struct {
	t      *testing.T
	store  *sqlite.Store
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SaveClient(ctx, billing.Client{ID: "client-1", AccountID: testAccount, Name: "Pat Rivera", Email: "pat@example.com"}))
	require.NoError(t, store.SaveJob(ctx, billing.Job{ID: "job-1", AccountID: testAccount, ClientID: "client-1", Title: "Water heater"}))

	h := NewHandler(billing.Deps{
		Store:     store,
		Processor: slowProcessor{},
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) },
	})
	h.Clients = store
	h.Ping = store.Ping

	return &testServer{t: t, store: store, router: NewRouter(h, nil)}
}

// do sends a request as testAccount unless account is overridden with "".
func (s *testServer) do(method, path string, body any, account ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	acc := testAccount
	if len(account) > 0 {
		acc = account[0]
	}
	if acc != "" {
		req.Header.Set(AccountHeader, acc)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createInvoice() InvoiceDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/invoices", map[string]any{
		"clientId": "client-1",
		"jobId":    "job-1",
		"taxRate":  "0.08",
		"items": []map[string]any{
			{"name": "Diagnostic visit", "quantity": "2", "unitPrice": "50.00"},
		},
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[InvoiceDTO](s.t, rec)
}

// =============================================================================
// INVOICES
// =============================================================================

func TestAPI_InvoiceLifecycle(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: A new invoice
	inv := s.createInvoice()
	assert.Equal(t, "INV-00001", inv.InvoiceNumber)
	assert.Equal(t, "draft", inv.Status)
	assert.Equal(t, "108.00", inv.Total)
	assert.Equal(t, "2025-03-31", inv.DueDate)

	// WHEN: It is sent and paid in two parts
	rec := s.do(http.MethodPost, "/api/invoices/"+inv.ID+"/send", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sent", decode[InvoiceDTO](t, rec).Status)

	rec = s.do(http.MethodPost, "/api/invoices/"+inv.ID+"/payments", map[string]any{"amount": "50.00", "method": "check", "reference": "#1001"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[AllocationDTO](t, rec)
	assert.Equal(t, "PAY-00001", first.Payment.PaymentNumber)
	assert.Equal(t, "partial", first.Invoice.Status)
	assert.Equal(t, "58.00", first.Invoice.BalanceDue)

	rec = s.do(http.MethodPost, "/api/invoices/"+inv.ID+"/payments", map[string]any{"amount": "58.00"})
	require.Equal(t, http.StatusCreated, rec.Code)
	second := decode[AllocationDTO](t, rec)
	assert.Equal(t, "paid", second.Invoice.Status)

	// THEN: A partial refund reopens it
	rec = s.do(http.MethodPost, "/api/payments/"+second.Payment.ID+"/refunds", map[string]any{"amount": "30.00", "reason": "unused parts"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decode[RefundOutcomeDTO](t, rec)
	assert.Equal(t, "completed", out.Refund.Status)
	assert.Equal(t, "partial", out.Invoice.Status)
	assert.Equal(t, "78.00", out.Invoice.AmountPaid)
	assert.Equal(t, "30.00", out.Invoice.BalanceDue)

	rec = s.do(http.MethodGet, "/api/invoices/"+inv.ID+"/payments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]PaymentDTO](t, rec), 2)

	rec = s.do(http.MethodGet, "/api/payments/"+second.Payment.ID+"/refunds", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]RefundDTO](t, rec), 1)

	rec = s.do(http.MethodGet, "/api/refunds/"+out.Refund.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_UpdateAndListInvoices(t *testing.T) {
	s := newTestServer(t)
	inv := s.createInvoice()

	rec := s.do(http.MethodPut, "/api/invoices/"+inv.ID, map[string]any{
		"items":   []map[string]any{{"name": "Labor", "quantity": "3", "unitPrice": "40.00", "taxable": false}},
		"dueDate": "2025-04-15",
		"notes":   "back gate",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[InvoiceDTO](t, rec)
	assert.Equal(t, "120.00", updated.Total)
	assert.Equal(t, "0.00", updated.TaxAmount)
	assert.Equal(t, "2025-04-15", updated.DueDate)
	assert.Equal(t, "back gate", updated.Notes)

	s.createInvoice()
	rec = s.do(http.MethodGet, "/api/invoices?status=draft&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]InvoiceDTO](t, rec), 1)

	rec = s.do(http.MethodGet, "/api/invoices?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/invoices?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_DeleteTombstones(t *testing.T) {
	s := newTestServer(t)
	inv := s.createInvoice()

	rec := s.do(http.MethodDelete, "/api/invoices/"+inv.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodGet, "/api/invoices/"+inv.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/invoices/"+inv.ID+"?include_deleted=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, decode[InvoiceDTO](t, rec).DeletedAt)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestAPI_AccountHeaderRequired(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/invoices", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, AccountHeader)
}

func TestAPI_OtherAccountSeesNothing(t *testing.T) {
	s := newTestServer(t)
	inv := s.createInvoice()

	rec := s.do(http.MethodGet, "/api/invoices/"+inv.ID, nil, "acct-2")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, "/api/invoices/"+inv.ID+"/void", nil, "acct-2")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(billing.KindNotFound), decode[ErrorResponse](t, rec).Kind)
}

func TestAPI_ErrorKindsMapToStatus(t *testing.T) {
	s := newTestServer(t)
	inv := s.createInvoice()
	s.do(http.MethodPost, "/api/invoices/"+inv.ID+"/send", nil)

	// Overpayment is a validation failure.
	rec := s.do(http.MethodPost, "/api/invoices/"+inv.ID+"/payments", map[string]any{"amount": "500.00"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(billing.KindValidation), decode[ErrorResponse](t, rec).Kind)

	// Paying in full then voiding is a state conflict.
	s.do(http.MethodPost, "/api/invoices/"+inv.ID+"/payments", map[string]any{"amount": "108.00"})
	rec = s.do(http.MethodPost, "/api/invoices/"+inv.ID+"/void", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(billing.KindInvalidState), decode[ErrorResponse](t, rec).Kind)

	// Unknown client.
	rec = s.do(http.MethodPost, "/api/invoices", map[string]any{"clientId": "nobody", "items": []any{}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Malformed JSON and dates.
	req := httptest.NewRequest(http.MethodPost, "/api/invoices", bytes.NewBufferString("{"))
	req.Header.Set(AccountHeader, testAccount)
	bad := httptest.NewRecorder()
	s.router.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	rec = s.do(http.MethodPost, "/api/invoices", map[string]any{"clientId": "client-1", "dueDate": "31/03/2025"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ConcurrencyConflictAsksForRetry(t *testing.T) {
	h := &Handler{Logger: zerolog.Nop()}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/invoices/x/payments", nil)

	h.writeLedgerError(rec, req, &billing.Error{Kind: billing.KindConcurrency, Op: "payment.record_manual", Message: "retry"})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestAPI_InternalErrorsHideDetails(t *testing.T) {
	h := &Handler{Logger: zerolog.Nop()}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/invoices", nil)

	h.writeLedgerError(rec, req, assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "internal error", resp.Error)
	assert.Empty(t, resp.Details)
}

// =============================================================================
// PROCESSED PAYMENTS
// =============================================================================

func TestAPI_TimedOutChargeAnswersAccepted(t *testing.T) {
	s := newTestServer(t)
	inv := s.createInvoice()
	s.do(http.MethodPost, "/api/invoices/"+inv.ID+"/send", nil)

	rec := s.do(http.MethodPost, "/api/invoices/"+inv.ID+"/payments/card", map[string]any{"amount": "108.00", "instrumentRef": "pm_card_visa"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	alloc := decode[AllocationDTO](t, rec)
	assert.Equal(t, "processing", alloc.Payment.Status)
	assert.Equal(t, "108.00", alloc.Invoice.BalanceDue)

	rec = s.do(http.MethodPost, "/api/payments/"+alloc.Payment.ID+"/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "processing", decode[AllocationDTO](t, rec).Payment.Status)

	rec = s.do(http.MethodPost, "/api/invoices/"+inv.ID+"/payments/bank", map[string]any{"amount": "10.00"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "instrument required")

	rec = s.do(http.MethodPost, "/api/admin/reconcile", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[map[string]ReconcileResultDTO](t, rec)
	assert.Equal(t, 1, summary["payments"].StillOpen)
}

// =============================================================================
// SEQUENCES / DIRECTORY / ADMIN
// =============================================================================

func TestAPI_Sequences(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPut, "/api/sequences/quote", map[string]any{"prefix": "Q-", "start": 41})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/sequences/quote/next", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, NumberDTO{Type: "quote", Number: "Q-00042"}, decode[NumberDTO](t, rec))

	rec = s.do(http.MethodPut, "/api/sequences/quote", map[string]any{"prefix": "Q-", "start": 1})
	assert.Equal(t, http.StatusConflict, rec.Code, "already issued")

	rec = s.do(http.MethodPost, "/api/sequences/invoice/next", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "invoice numbers come from the ledger")
}

func TestAPI_DirectoryUpserts(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPut, "/api/clients/client-9", map[string]any{"name": "Lee", "email": "lee@example.com"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(http.MethodPut, "/api/jobs/job-9", map[string]any{"clientId": "client-9", "title": "Furnace"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodPost, "/api/invoices", map[string]any{
		"clientId": "client-9",
		"jobId":    "job-9",
		"items":    []map[string]any{{"name": "Tune-up", "quantity": "1", "unitPrice": "89.00"}},
	})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPut, "/api/clients/client-10", map[string]any{"email": "x@example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "name required")
}

func TestAPI_AdminSweepAndHealth(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	inv := s.createInvoice()
	s.do(http.MethodPost, "/api/invoices/"+inv.ID+"/send", nil)

	rec := s.do(http.MethodPost, "/api/admin/sweep", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, SweepResultDTO{}, decode[SweepResultDTO](t, rec), "not due yet")

	rec = s.do(http.MethodPost, "/api/admin/reminders", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ReminderResultDTO{}, decode[ReminderResultDTO](t, rec), "no notifier configured")

	rec = s.do(http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, s.store.Close())
	assert.Error(t, s.store.Ping(ctx))
	rec = s.do(http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
