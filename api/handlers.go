/*
handlers.go - HTTP API handlers for the billing ledger

PURPOSE:
  Exposes the billing ledger via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the billing package.

ENDPOINTS:
  Invoices:
    GET    /api/invoices                      List invoices (status, client_id, limit, offset)
    POST   /api/invoices                      Create draft invoice
    GET    /api/invoices/{id}                 Get invoice (?include_deleted=true)
    PUT    /api/invoices/{id}                 Edit line items, tax, discount, due date
    DELETE /api/invoices/{id}                 Soft-delete
    POST   /api/invoices/{id}/send            Send to client
    POST   /api/invoices/{id}/viewed          Record that the client opened it
    POST   /api/invoices/{id}/void            Void

  Payments:
    GET    /api/invoices/{id}/payments        Payments on an invoice
    POST   /api/invoices/{id}/payments        Record cash/check/other payment
    POST   /api/invoices/{id}/payments/card   Charge a card
    POST   /api/invoices/{id}/payments/bank   Debit a bank account
    GET    /api/payments/{id}                 Get payment
    POST   /api/payments/{id}/reconcile       Resolve a processing payment

  Refunds:
    GET    /api/payments/{id}/refunds         Refunds on a payment
    POST   /api/payments/{id}/refunds         Refund (full when amount omitted)
    GET    /api/refunds/{id}                  Get refund
    POST   /api/refunds/{id}/reconcile        Resolve a pending refund

  Sequences:
    PUT    /api/sequences/{type}              Configure prefix and start value
    POST   /api/sequences/{type}/next         Mint a quote or job number

  Directory:
    PUT    /api/clients/{id}                  Upsert client (when the store allows)
    PUT    /api/jobs/{id}                     Upsert job (when the store allows)

  Admin (all accounts):
    POST   /api/admin/sweep                   Mark past-due invoices overdue
    POST   /api/admin/reminders               Dispatch reminders
    POST   /api/admin/reconcile               Reconcile processing payments and pending refunds

ACCOUNT SCOPING:
  Every /api route outside /api/admin requires the X-Account-ID header.
  Records in other accounts answer 404.

REQUEST FLOW:
  1. Resolve account from header
  2. Parse path and body
  3. Call the ledger
  4. Serialize response
  5. Map errors by kind

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: validation_failed
  - 404: not_found
  - 409: invalid_state, concurrency_conflict (with Retry-After)
  - 502: processor_failure
  - 500: internal errors (details are logged, not returned)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - billing/errors.go: Error kinds
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/warp/billing-ledger/billing"
)

// AccountHeader carries the tenant for every account-scoped request.
const AccountHeader = "X-Account-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// ClientRegistry is implemented by stores that can persist clients and jobs.
type ClientRegistry interface {
	SaveClient(ctx context.Context, c billing.Client) error
	SaveJob(ctx context.Context, j billing.Job) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Invoices  *billing.InvoiceLedger
	Payments  *billing.PaymentAllocator
	Refunds   *billing.RefundLedger
	Sequences *billing.SequenceGenerator
	Sweeper   *billing.Sweeper

	// Optional.
	Clients ClientRegistry
	Ping    func(ctx context.Context) error
	Metrics http.Handler

	Logger zerolog.Logger
}

// NewHandler builds every ledger component over one set of dependencies.
func NewHandler(deps billing.Deps) *Handler {
	seq := billing.NewSequenceGenerator(deps)
	return &Handler{
		Invoices:  billing.NewInvoiceLedger(deps, seq),
		Payments:  billing.NewPaymentAllocator(deps, seq),
		Refunds:   billing.NewRefundLedger(deps),
		Sequences: seq,
		Sweeper:   billing.NewSweeper(deps),
		Logger:    deps.Logger,
	}
}

type accountKey struct{}

// requireAccount rejects requests without an account header.
func requireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account := strings.TrimSpace(r.Header.Get(AccountHeader))
		if account == "" {
			writeError(w, http.StatusBadRequest, AccountHeader+" header is required", nil)
			return
		}
		ctx := context.WithValue(r.Context(), accountKey{}, billing.AccountID(account))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accountFrom(r *http.Request) billing.AccountID {
	id, _ := r.Context().Value(accountKey{}).(billing.AccountID)
	return id
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// ListInvoices returns the account's invoices.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := billing.InvoiceFilter{
		AccountID:      accountFrom(r),
		ClientID:       billing.ClientID(q.Get("client_id")),
		IncludeDeleted: q.Get("include_deleted") == "true",
	}
	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			status := billing.InvoiceStatus(strings.TrimSpace(part))
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", part), nil)
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a number", err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be a number", err)
		return
	}

	invoices, err := h.Invoices.List(r.Context(), filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]*InvoiceDTO, 0, len(invoices))
	for i := range invoices {
		dtos = append(dtos, invoiceToDTO(&invoices[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateInvoice opens a draft invoice.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	invoiceDate, err := parseDay("invoiceDate", req.InvoiceDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid invoice date", err)
		return
	}
	dueDate, err := parseDay("dueDate", req.DueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid due date", err)
		return
	}

	inv, err := h.Invoices.Create(r.Context(), billing.CreateInvoiceInput{
		AccountID:   accountFrom(r),
		ClientID:    billing.ClientID(req.ClientID),
		JobID:       billing.JobID(req.JobID),
		InvoiceDate: invoiceDate,
		DueDate:     dueDate,
		TaxRate:     req.TaxRate,
		Discount:    req.Discount,
		Items:       lineItemInputs(req.Items),
		Notes:       req.Notes,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, invoiceToDTO(inv))
}

// GetInvoice returns one invoice.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	inv, err := h.Invoices.Get(r.Context(), accountFrom(r), invoiceParam(r), includeDeleted)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invoiceToDTO(inv))
}

// UpdateInvoice applies a partial edit.
func (h *Handler) UpdateInvoice(w http.ResponseWriter, r *http.Request) {
	var req UpdateInvoiceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	in := billing.UpdateInvoiceInput{
		TaxRate:  req.TaxRate,
		Discount: req.Discount,
		Notes:    req.Notes,
	}
	if req.Items != nil {
		items := lineItemInputs(*req.Items)
		in.Items = &items
	}
	if req.DueDate != nil {
		due, err := parseDay("dueDate", *req.DueDate)
		if err != nil || due.IsZero() {
			writeError(w, http.StatusBadRequest, "Invalid due date", err)
			return
		}
		in.DueDate = &due
	}

	inv, err := h.Invoices.Update(r.Context(), accountFrom(r), invoiceParam(r), in)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invoiceToDTO(inv))
}

// DeleteInvoice tombstones a draft or void invoice.
func (h *Handler) DeleteInvoice(w http.ResponseWriter, r *http.Request) {
	if err := h.Invoices.Delete(r.Context(), accountFrom(r), invoiceParam(r)); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SendInvoice(w http.ResponseWriter, r *http.Request) {
	h.invoiceAction(w, r, h.Invoices.Send)
}

func (h *Handler) MarkInvoiceViewed(w http.ResponseWriter, r *http.Request) {
	h.invoiceAction(w, r, h.Invoices.MarkViewed)
}

func (h *Handler) VoidInvoice(w http.ResponseWriter, r *http.Request) {
	h.invoiceAction(w, r, h.Invoices.Void)
}

type invoiceActionFunc func(context.Context, billing.AccountID, billing.InvoiceID) (*billing.Invoice, error)

func (h *Handler) invoiceAction(w http.ResponseWriter, r *http.Request, action invoiceActionFunc) {
	inv, err := action(r.Context(), accountFrom(r), invoiceParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invoiceToDTO(inv))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ListInvoicePayments returns all payments on an invoice, failed ones included.
func (h *Handler) ListInvoicePayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Payments.ListForInvoice(r.Context(), accountFrom(r), invoiceParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]PaymentDTO, 0, len(payments))
	for i := range payments {
		dtos = append(dtos, paymentToDTO(&payments[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RecordPayment records a manual (cash, check, other) payment.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req ManualPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	in := billing.ManualPaymentInput{
		AccountID: accountFrom(r),
		InvoiceID: invoiceParam(r),
		Amount:    req.Amount,
		Method:    billing.PaymentMethod(req.Method),
		Reference: req.Reference,
	}
	if req.PaymentDate != nil {
		in.PaymentDate = *req.PaymentDate
	}
	alloc, err := h.Payments.RecordManual(r.Context(), in)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeAllocation(w, alloc)
}

func (h *Handler) ChargeCard(w http.ResponseWriter, r *http.Request) {
	h.processPayment(w, r, h.Payments.ProcessCard)
}

func (h *Handler) ChargeBank(w http.ResponseWriter, r *http.Request) {
	h.processPayment(w, r, h.Payments.ProcessBank)
}

type processFunc func(context.Context, billing.ProcessedPaymentInput) (*billing.Allocation, error)

func (h *Handler) processPayment(w http.ResponseWriter, r *http.Request, process processFunc) {
	var req ProcessedPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.InstrumentRef == "" {
		writeError(w, http.StatusBadRequest, "instrumentRef is required", nil)
		return
	}
	alloc, err := process(r.Context(), billing.ProcessedPaymentInput{
		AccountID:     accountFrom(r),
		InvoiceID:     invoiceParam(r),
		Amount:        req.Amount,
		InstrumentRef: req.InstrumentRef,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeAllocation(w, alloc)
}

// GetPayment returns one payment.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Payments.Get(r.Context(), accountFrom(r), paymentParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentToDTO(p))
}

// ReconcilePayment asks the processor about a processing payment.
func (h *Handler) ReconcilePayment(w http.ResponseWriter, r *http.Request) {
	alloc, err := h.Payments.Reconcile(r.Context(), accountFrom(r), paymentParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AllocationDTO{Payment: paymentToDTO(alloc.Payment), Invoice: invoiceToDTO(alloc.Invoice)})
}

// writeAllocation answers 202 while the processor has not decided yet.
func writeAllocation(w http.ResponseWriter, alloc *billing.Allocation) {
	status := http.StatusCreated
	if alloc.Payment.Status == billing.PaymentProcessing || alloc.Payment.Status == billing.PaymentPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, AllocationDTO{Payment: paymentToDTO(alloc.Payment), Invoice: invoiceToDTO(alloc.Invoice)})
}

// =============================================================================
// REFUND HANDLERS
// =============================================================================

func (h *Handler) ListPaymentRefunds(w http.ResponseWriter, r *http.Request) {
	refunds, err := h.Refunds.ListForPayment(r.Context(), accountFrom(r), paymentParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]RefundDTO, 0, len(refunds))
	for i := range refunds {
		dtos = append(dtos, refundToDTO(&refunds[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateRefund refunds part or all of a payment. An empty body is a full
// refund.
func (h *Handler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	out, err := h.Refunds.Refund(r.Context(), billing.RefundInput{
		AccountID: accountFrom(r),
		PaymentID: paymentParam(r),
		Amount:    req.Amount,
		Reason:    req.Reason,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeRefundOutcome(w, http.StatusCreated, out)
}

func (h *Handler) GetRefund(w http.ResponseWriter, r *http.Request) {
	rf, err := h.Refunds.Get(r.Context(), accountFrom(r), billing.RefundID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refundToDTO(rf))
}

func (h *Handler) ReconcileRefund(w http.ResponseWriter, r *http.Request) {
	out, err := h.Refunds.ReconcileRefund(r.Context(), accountFrom(r), billing.RefundID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeRefundOutcome(w, http.StatusOK, out)
}

func writeRefundOutcome(w http.ResponseWriter, status int, out *billing.RefundOutcome) {
	if out.Refund.Status == billing.RefundPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, RefundOutcomeDTO{Refund: refundToDTO(out.Refund), Invoice: invoiceToDTO(out.Invoice)})
}

// =============================================================================
// SEQUENCE HANDLERS
// =============================================================================

// ConfigureSequence sets the prefix and start value of a sequence that has
// not issued any number yet.
func (h *Handler) ConfigureSequence(w http.ResponseWriter, r *http.Request) {
	var req ConfigureSequenceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	seqType := billing.SequenceType(chi.URLParam(r, "type"))
	if err := h.Sequences.Configure(r.Context(), accountFrom(r), seqType, req.Prefix, req.Start); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NextNumber mints a quote or job number. Invoice and payment numbers are
// only issued by the ledger itself.
func (h *Handler) NextNumber(w http.ResponseWriter, r *http.Request) {
	seqType := billing.SequenceType(chi.URLParam(r, "type"))
	if seqType != billing.SequenceQuote && seqType != billing.SequenceJob {
		writeError(w, http.StatusBadRequest, "only quote and job numbers can be requested", nil)
		return
	}
	number, err := h.Sequences.Next(r.Context(), accountFrom(r), seqType)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, NumberDTO{Type: string(seqType), Number: number})
}

// =============================================================================
// DIRECTORY HANDLERS
// =============================================================================

type SaveClientRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type SaveJobRequest struct {
	ClientID string `json:"clientId"`
	Title    string `json:"title"`
}

func (h *Handler) SaveClient(w http.ResponseWriter, r *http.Request) {
	if h.Clients == nil {
		writeError(w, http.StatusNotImplemented, "client registry not available", nil)
		return
	}
	var req SaveClientRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	c := billing.Client{
		ID:        billing.ClientID(chi.URLParam(r, "id")),
		AccountID: accountFrom(r),
		Name:      req.Name,
		Email:     req.Email,
	}
	if err := h.Clients.SaveClient(r.Context(), c); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SaveJob(w http.ResponseWriter, r *http.Request) {
	if h.Clients == nil {
		writeError(w, http.StatusNotImplemented, "client registry not available", nil)
		return
	}
	var req SaveJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "clientId is required", nil)
		return
	}
	j := billing.Job{
		ID:        billing.JobID(chi.URLParam(r, "id")),
		AccountID: accountFrom(r),
		ClientID:  billing.ClientID(req.ClientID),
		Title:     req.Title,
	}
	if err := h.Clients.SaveJob(r.Context(), j); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep runs the overdue sweep now instead of waiting for the scheduler.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Sweeper.SweepOverdue(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResultDTO{
		Scanned:      sum.Scanned,
		Transitioned: sum.Transitioned,
		Errors:       sum.Errors,
	})
}

func (h *Handler) TriggerReminders(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Sweeper.DispatchReminders(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReminderResultDTO{
		Candidates: sum.Candidates,
		Sent:       sum.Sent,
		Skipped:    sum.Skipped,
		Failed:     sum.Failed,
	})
}

// TriggerReconcile resolves processing payments and pending refunds.
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Payments.ReconcilePending(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	refunds, err := h.Refunds.ReconcilePending(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]ReconcileResultDTO{
		"payments": reconcileToDTO(payments),
		"refunds":  reconcileToDTO(refunds),
	})
}

func reconcileToDTO(s billing.ReconcileSummary) ReconcileResultDTO {
	return ReconcileResultDTO{
		Checked:   s.Checked,
		Completed: s.Completed,
		Failed:    s.Failed,
		StillOpen: s.StillOpen,
		Errors:    s.Errors,
	}
}

// Health reports whether the store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			h.Logger.Error().Err(err).Msg("health check failed")
			writeError(w, http.StatusServiceUnavailable, "store unavailable", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func invoiceParam(r *http.Request) billing.InvoiceID {
	return billing.InvoiceID(chi.URLParam(r, "id"))
}

func paymentParam(r *http.Request) billing.PaymentID {
	return billing.PaymentID(chi.URLParam(r, "id"))
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%d is negative", n)
	}
	return n, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body and leaves v untouched.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps a billing error onto a status code. Internal errors
// are logged with the request id and answered without details.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	kind := billing.KindOf(err)
	message := err.Error()
	var be *billing.Error
	if errors.As(err, &be) {
		message = be.Message
	}

	var status int
	switch kind {
	case billing.KindNotFound:
		status = http.StatusNotFound
	case billing.KindValidation:
		status = http.StatusBadRequest
	case billing.KindInvalidState:
		status = http.StatusConflict
	case billing.KindConcurrency:
		w.Header().Set("Retry-After", "1")
		status = http.StatusConflict
	case billing.KindProcessor:
		status = http.StatusBadGateway
	default:
		h.Logger.Error().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error", Kind: string(billing.KindInternal)})
		return
	}
	writeJSON(w, status, ErrorResponse{Error: message, Kind: string(kind)})
}
