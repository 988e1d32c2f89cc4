/*
Package billing provides the billing ledger engine.

PURPOSE:
  This package owns the money-bearing part of the field-service platform:
  turning line items into totals, numbering documents, tracking what an
  invoice still owes across partial payments and refunds, and driving the
  invoice status state machine.

KEY CONCEPTS IN THIS FILE (types.go):
  - Invoice:  financial state + status of a bill sent to a client
  - LineItem: one priced row on an invoice (owned, replaced as a batch)
  - Payment:  money received against an invoice (immutable amount/method)
  - Refund:   money returned against a payment
  - Sequence: per-account, per-document-type counter for document numbers

DESIGN PRINCIPLES:
  1. Precision: all money is decimal.Decimal, rounded to 2 places
  2. Derivation: amountPaid is derived from the payment set, not accumulated
  3. Type Safety: distinct ID types prevent mixing invoices and payments
  4. Tombstones: invoices are soft-deleted, never removed

SEE ALSO:
  - totals.go:   line item totals calculator
  - sequence.go: document numbering
  - invoice.go:  invoice ledger and state machine
  - payment.go:  payment allocator
  - refund.go:   refund ledger
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type InvoiceID string
type PaymentID string
type RefundID string
type ClientID string
type JobID string

// =============================================================================
// MONEY
// =============================================================================

// Round2 rounds half away from zero to cents. For the non-negative
// amounts the ledger stores this is round-half-up.
func Round2(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// MustParseDecimal parses s or returns zero. Only for trusted literals.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceStatus string

const (
	InvoiceDraft   InvoiceStatus = "draft"
	InvoiceSent    InvoiceStatus = "sent"
	InvoiceOverdue InvoiceStatus = "overdue"
	InvoicePartial InvoiceStatus = "partial"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceVoid    InvoiceStatus = "void"
)

// IsTerminal reports whether no further edits are allowed.
func (s InvoiceStatus) IsTerminal() bool { return s == InvoicePaid || s == InvoiceVoid }

func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceDraft, InvoiceSent, InvoiceOverdue, InvoicePartial, InvoicePaid, InvoiceVoid:
		return true
	}
	return false
}

type Invoice struct {
	ID            InvoiceID
	AccountID     AccountID
	ClientID      ClientID
	JobID         JobID // empty when the invoice is not tied to a job
	InvoiceNumber string

	Subtotal       decimal.Decimal
	TaxRate        decimal.Decimal // fraction in [0, 1]
	TaxAmount      decimal.Decimal
	DiscountAmount decimal.Decimal
	Total          decimal.Decimal
	AmountPaid     decimal.Decimal
	BalanceDue     decimal.Decimal
	Overpaid       bool // balanceDue went negative; flagged, never auto-corrected

	Status             InvoiceStatus
	InvoiceDate        time.Time
	DueDate            time.Time
	PaidDate           *time.Time
	SentAt             *time.Time
	ViewedAt           *time.Time
	LastReminderSentAt *time.Time
	ReminderCount      int
	Notes              string

	LineItems []LineItem

	// Version is bumped on every write; stores reject stale writes.
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// IsDeleted reports whether the invoice is tombstoned.
func (inv *Invoice) IsDeleted() bool { return inv.DeletedAt != nil }

// IsOverdueOn reports whether a sent invoice is past due on the given day.
func (inv *Invoice) IsOverdueOn(today Day) bool {
	return inv.Status == InvoiceSent && DayOf(inv.DueDate).Before(today)
}

// =============================================================================
// LINE ITEM
// =============================================================================

type LineItem struct {
	ID          string
	InvoiceID   InvoiceID
	ItemType    string // e.g. "service", "material", "labor"
	Name        string
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	TotalPrice  decimal.Decimal
	IsTaxable   bool
	SortOrder   int
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentMethod string

const (
	MethodCash  PaymentMethod = "cash"
	MethodCheck PaymentMethod = "check"
	MethodCard  PaymentMethod = "card"
	MethodBank  PaymentMethod = "bank"
	MethodOther PaymentMethod = "other"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCheck, MethodCard, MethodBank, MethodOther:
		return true
	}
	return false
}

// IsProcessed reports whether money moves through the external processor.
func (m PaymentMethod) IsProcessed() bool { return m == MethodCard || m == MethodBank }

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentSettled    PaymentStatus = "settled"
	PaymentFailed     PaymentStatus = "failed"
)

// CountsTowardPaid reports whether the payment contributes to amountPaid.
func (s PaymentStatus) CountsTowardPaid() bool {
	return s == PaymentCompleted || s == PaymentSettled
}

// IsTerminal reports whether the processor has finished with the payment.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentCompleted || s == PaymentSettled || s == PaymentFailed
}

type Payment struct {
	ID                 PaymentID
	AccountID          AccountID
	ClientID           ClientID
	InvoiceID          InvoiceID
	PaymentNumber      string
	Amount             decimal.Decimal
	Currency           string
	PaymentMethod      PaymentMethod
	Status             PaymentStatus
	ProcessorPaymentID string // opaque external reference; empty for manual payments
	Reference          string // check number, memo
	PaymentDate        time.Time
	SettledAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// =============================================================================
// REFUND
// =============================================================================

type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
	RefundFailed    RefundStatus = "failed"
)

type Refund struct {
	ID                RefundID
	AccountID         AccountID
	PaymentID         PaymentID
	InvoiceID         InvoiceID
	Amount            decimal.Decimal
	Reason            string
	Status            RefundStatus
	ProcessorRefundID string
	RefundedAt        *time.Time
	CreatedAt         time.Time
}

// =============================================================================
// SEQUENCE
// =============================================================================

type SequenceType string

const (
	SequenceQuote   SequenceType = "quote"
	SequenceJob     SequenceType = "job"
	SequenceInvoice SequenceType = "invoice"
	SequencePayment SequenceType = "payment"
)

func (t SequenceType) Valid() bool {
	switch t {
	case SequenceQuote, SequenceJob, SequenceInvoice, SequencePayment:
		return true
	}
	return false
}

type Sequence struct {
	ID           string
	AccountID    AccountID
	SequenceType SequenceType
	Prefix       string
	CurrentValue int64
}

// =============================================================================
// CLIENT / JOB (read-only collaborators)
// =============================================================================

type Client struct {
	ID                  ClientID
	AccountID           AccountID
	Name                string
	Email               string
	ProcessorCustomerID string // cached external customer reference
}

type Job struct {
	ID        JobID
	AccountID AccountID
	ClientID  ClientID
	Title     string
}
