package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PROCESSOR - External card/bank charge and refund gateway
// =============================================================================

// ProcessorStatus is the processor's view of a charge or refund.
type ProcessorStatus string

const (
	ProcessorSucceeded  ProcessorStatus = "succeeded"
	ProcessorProcessing ProcessorStatus = "processing"
	ProcessorFailed     ProcessorStatus = "failed"
	// ProcessorNotFound means the processor has no record of the charge yet.
	// Lookups can lag behind creates, so it is not a failure by itself.
	ProcessorNotFound ProcessorStatus = "not_found"
)

type ChargeRequest struct {
	// PaymentID is the local id, sent as metadata and idempotency key so a
	// timed-out charge can be found again.
	PaymentID     PaymentID
	Amount        decimal.Decimal
	Currency      string
	Method        PaymentMethod
	InstrumentRef string
	CustomerID    string
	Metadata      map[string]string
}

type ChargeResult struct {
	ID        string
	Status    ProcessorStatus
	ChargeRef string // what CreateRefund needs later
}

type RefundRequest struct {
	RefundID  RefundID
	ChargeRef string
	Amount    decimal.Decimal
	Currency  string
	Reason    string
}

type RefundResult struct {
	ID     string
	Status ProcessorStatus
}

// Processor is the opaque charge/refund gateway. It is eventually
// consistent and fallible; ErrProcessorTimeout means the outcome is unknown.
type Processor interface {
	CreateCustomer(ctx context.Context, email, name string) (string, error)
	AttachInstrument(ctx context.Context, customerID, instrumentRef string) error
	CreateCharge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	CreateRefund(ctx context.Context, req RefundRequest) (RefundResult, error)

	// ChargeStatus looks a charge up by chargeRef, or by the local payment id
	// when the charge call timed out before a reference came back.
	ChargeStatus(ctx context.Context, paymentID PaymentID, chargeRef string) (ChargeResult, error)

	// RefundStatus looks a refund up by refundRef, or by the local refund id
	// among the refunds of chargeRef.
	RefundStatus(ctx context.Context, refundID RefundID, chargeRef, refundRef string) (RefundResult, error)
}

// =============================================================================
// NOTIFIER - Fire-and-forget outbound messages
// =============================================================================

type Notifier interface {
	Send(ctx context.Context, to, subject, body string) (messageID string, err error)
}

// =============================================================================
// EVENTS - Published after commit, best effort
// =============================================================================

type EventType string

const (
	EventInvoiceCreated  EventType = "invoice.created"
	EventInvoiceUpdated  EventType = "invoice.updated"
	EventInvoiceSent     EventType = "invoice.sent"
	EventInvoiceVoided   EventType = "invoice.voided"
	EventInvoiceDeleted  EventType = "invoice.deleted"
	EventInvoiceOverdue  EventType = "invoice.overdue"
	EventInvoicePartial  EventType = "invoice.partial"
	EventInvoicePaid     EventType = "invoice.paid"
	EventInvoiceOverpaid EventType = "invoice.overpaid"
	EventPaymentRecorded EventType = "payment.recorded"
	EventPaymentFailed   EventType = "payment.failed"
	EventRefundCompleted EventType = "refund.completed"
	EventReminderSent    EventType = "invoice.reminder_sent"
)

type Event struct {
	Type       EventType         `json:"type"`
	AccountID  AccountID         `json:"account_id"`
	InvoiceID  InvoiceID         `json:"invoice_id,omitempty"`
	PaymentID  PaymentID         `json:"payment_id,omitempty"`
	RefundID   RefundID          `json:"refund_id,omitempty"`
	Amount     string            `json:"amount,omitempty"`
	Status     string            `json:"status,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}

// =============================================================================
// OBSERVER - Metrics hooks
// =============================================================================

// Observer receives counters from ledger operations. Implemented by
// metrics.Ledger; a nil Observer in Deps is replaced by a no-op.
type Observer interface {
	InvoiceTransitioned(from, to InvoiceStatus)
	PaymentRecorded(method PaymentMethod, status PaymentStatus, amount decimal.Decimal)
	RefundRecorded(status RefundStatus, amount decimal.Decimal)
	SequenceIssued(seqType SequenceType)
	ConflictRetried(op string)
	ReminderDispatched(ok bool)
	OverpaymentDetected()
}

type noopObserver struct{}

func (noopObserver) InvoiceTransitioned(InvoiceStatus, InvoiceStatus) {}
func (noopObserver) PaymentRecorded(PaymentMethod, PaymentStatus, decimal.Decimal) {}
func (noopObserver) RefundRecorded(RefundStatus, decimal.Decimal) {}
func (noopObserver) SequenceIssued(SequenceType) {}
func (noopObserver) ConflictRetried(string) {}
func (noopObserver) ReminderDispatched(bool) {}
func (noopObserver) OverpaymentDetected() {}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, Event) error { return nil }
