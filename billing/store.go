/*
store.go - Persistence interface for the billing ledger

PURPOSE:
  Defines the interface between ledger logic and the database. Different
  implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Store:     Invoice, line item, payment, refund and sequence persistence
  TxStore:   Store plus WithTx for atomic multi-table writes
  Directory: Read-only client/job lookups (plus the cached customer ref)

ATOMICITY:
  Every financial write runs inside WithTx. Numbering a document and
  inserting it, or inserting a payment and rewriting the invoice balance,
  either all commit or all roll back. A crash mid-operation never leaves
  an orphaned number or a balance the payment rows cannot justify.

VERSIONED INVOICE WRITES:
  UpdateInvoice is a compare-and-swap on Invoice.Version. A stale write
  returns ErrConcurrencyConflict and the ledger retries the whole unit of
  work. This is the lock the refund delta needs, and it keeps last-writer
  races on the allocator's recompute from clobbering newer state.

SEQUENCES:
  NextSequenceValue is the ONLY way to touch a sequence counter. It
  increments and returns in one step inside the caller's transaction.

TOMBSTONES:
  Read paths exclude soft-deleted invoices unless IncludeDeleted is set.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - billing/store/memory.go: In-memory for testing

SEE ALSO:
  - sequence.go: the only caller of NextSequenceValue
  - invoice.go, payment.go, refund.go: run their writes through WithTx
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Ledger persistence
// =============================================================================

// Store handles persistence of ledger records.
type Store interface {
	// NextSequenceValue atomically creates-or-increments the (account, type)
	// counter and returns the sequence after the increment. defaultPrefix is
	// used only when the row is created.
	NextSequenceValue(ctx context.Context, accountID AccountID, seqType SequenceType, defaultPrefix string) (Sequence, error)

	// CreateSequence inserts seq if (account, type) does not exist yet.
	// Returns false when a sequence was already present.
	CreateSequence(ctx context.Context, seq Sequence) (bool, error)

	// CreateInvoice inserts the invoice with its line items.
	CreateInvoice(ctx context.Context, inv Invoice) error

	// UpdateInvoice writes every mutable field when the stored version equals
	// inv.Version, then bumps the version. Line items are not touched.
	UpdateInvoice(ctx context.Context, inv Invoice) error

	// ReplaceLineItems swaps the whole line item set of an invoice.
	ReplaceLineItems(ctx context.Context, invoiceID InvoiceID, items []LineItem) error

	// GetInvoice loads an invoice with its line items, scoped to the account.
	GetInvoice(ctx context.Context, accountID AccountID, id InvoiceID, includeDeleted bool) (*Invoice, error)

	// ListInvoices returns invoices matching the filter, newest first.
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error)

	CreatePayment(ctx context.Context, p Payment) error

	// UpdatePaymentStatus changes only status, settlement timestamp and
	// updated_at, which is stamped with now.
	UpdatePaymentStatus(ctx context.Context, id PaymentID, status PaymentStatus, processorPaymentID string, settledAt *time.Time, now time.Time) error

	GetPayment(ctx context.Context, accountID AccountID, id PaymentID) (*Payment, error)

	// ListPaymentsByInvoice returns every payment on the invoice, in any status.
	ListPaymentsByInvoice(ctx context.Context, invoiceID InvoiceID) ([]Payment, error)

	// ListPaymentsByStatus returns payments across accounts in the given status.
	ListPaymentsByStatus(ctx context.Context, status PaymentStatus, limit int) ([]Payment, error)

	CreateRefund(ctx context.Context, r Refund) error

	UpdateRefund(ctx context.Context, r Refund) error

	GetRefund(ctx context.Context, accountID AccountID, id RefundID) (*Refund, error)

	ListRefundsByPayment(ctx context.Context, paymentID PaymentID) ([]Refund, error)

	// ListRefundsByInvoice returns refunds across every payment of the invoice.
	ListRefundsByInvoice(ctx context.Context, invoiceID InvoiceID) ([]Refund, error)

	// ListRefundsByStatus returns refunds across accounts in the given status.
	ListRefundsByStatus(ctx context.Context, status RefundStatus, limit int) ([]Refund, error)
}

// InvoiceFilter narrows ListInvoices. Zero values mean "any".
type InvoiceFilter struct {
	AccountID      AccountID // empty = all accounts (batch sweeps only)
	ClientID       ClientID
	Statuses       []InvoiceStatus
	DueBefore      *time.Time // due_date < DueBefore
	DueOnOrBefore  *time.Time // due_date <= DueOnOrBefore
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// DIRECTORY - Client/job lookups owned by other modules
// =============================================================================

// Directory answers existence and tenant-ownership questions.
type Directory interface {
	// GetClient returns ErrNotFound when the client is absent or in another account.
	GetClient(ctx context.Context, accountID AccountID, id ClientID) (*Client, error)

	// GetJob returns ErrNotFound when the job is absent or in another account.
	GetJob(ctx context.Context, accountID AccountID, id JobID) (*Job, error)

	// SetProcessorCustomerID caches the external customer reference on the client.
	SetProcessorCustomerID(ctx context.Context, accountID AccountID, id ClientID, customerID string) error
}
