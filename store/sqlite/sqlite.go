/*
Package sqlite provides a SQLite-backed implementation of the ledger storage interfaces.

PURPOSE:
  Implements billing.TxStore and billing.Directory using SQLite. The same
  schema and statements carry over to PostgreSQL with minor dialect changes
  (RETURNING, ON CONFLICT and row-count CAS are portable).

INTERFACES IMPLEMENTED:
  billing.Store:     Invoices, line items, payments, refunds, sequences
  billing.TxStore:   WithTx for atomic multi-table writes
  billing.Directory: Client and job lookups

KEY TABLES:
  sequences:  One counter per (account_id, sequence_type)
  invoices:   Financial state + status, version column for CAS writes
  line_items: Owned by an invoice, replaced as a set
  payments:   Never deleted; status moves pending → processing → terminal
  refunds:    Never deleted; reference their payment and invoice
  clients:    Directory records (owned by another module in production)
  jobs:       Directory records

MONEY:
  Stored as TEXT decimal strings, never REAL. Rounding is the ledger's job;
  the store persists exactly what it is given.

TIMES:
  Stored as fixed-width UTC text (timeLayout) so string comparison in SQL
  orders the same way as time comparison.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety; WithTx holds the write lock for the
  whole transaction. In production with PostgreSQL, row locks and the
  version column handle this instead. "database is locked" surfaces as
  billing.ErrConcurrencyConflict so the ledger retries.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := billing.NewInvoiceLedger(billing.Deps{Store: store}, nil)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/billing-ledger/billing"
)

const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	conn
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn holds every statement. Store binds it to the pool, txStore to a tx.
type conn struct {
	q querier
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{conn: conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Document number counters
	CREATE TABLE IF NOT EXISTS sequences (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		sequence_type TEXT NOT NULL,
		prefix TEXT NOT NULL,
		current_value INTEGER NOT NULL DEFAULT 0,
		UNIQUE(account_id, sequence_type)
	);

	-- Directory
	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		name TEXT NOT NULL,
		email TEXT,
		processor_customer_id TEXT
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		title TEXT NOT NULL
	);

	-- Invoices
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		job_id TEXT,
		invoice_number TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		tax_rate TEXT NOT NULL,
		tax_amount TEXT NOT NULL,
		discount_amount TEXT NOT NULL,
		total TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		balance_due TEXT NOT NULL,
		overpaid BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL,
		invoice_date TEXT NOT NULL,
		due_date TEXT NOT NULL,
		paid_date TEXT,
		sent_at TEXT,
		viewed_at TEXT,
		last_reminder_sent_at TEXT,
		reminder_count INTEGER NOT NULL DEFAULT 0,
		notes TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_account_number
		ON invoices(account_id, invoice_number);
	CREATE INDEX IF NOT EXISTS idx_invoices_account_status
		ON invoices(account_id, status);

	-- Sweep hot path: sent/overdue by due date across accounts
	CREATE INDEX IF NOT EXISTS idx_invoices_status_due
		ON invoices(status, due_date) WHERE deleted_at IS NULL;

	CREATE TABLE IF NOT EXISTS line_items (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		item_type TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		total_price TEXT NOT NULL,
		is_taxable BOOLEAN NOT NULL DEFAULT TRUE,
		sort_order INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_line_items_invoice
		ON line_items(invoice_id, sort_order);

	-- Payments
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		payment_number TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		status TEXT NOT NULL,
		processor_payment_id TEXT,
		reference TEXT,
		payment_date TEXT NOT NULL,
		settled_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_account_number
		ON payments(account_id, payment_number);
	CREATE INDEX IF NOT EXISTS idx_payments_invoice
		ON payments(invoice_id);
	CREATE INDEX IF NOT EXISTS idx_payments_status
		ON payments(status);

	-- Refunds
	CREATE TABLE IF NOT EXISTS refunds (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		payment_id TEXT NOT NULL REFERENCES payments(id),
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		amount TEXT NOT NULL,
		reason TEXT,
		status TEXT NOT NULL,
		processor_refund_id TEXT,
		refunded_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_refunds_payment
		ON refunds(payment_id);
	CREATE INDEX IF NOT EXISTS idx_refunds_invoice
		ON refunds(invoice_id);
	CREATE INDEX IF NOT EXISTS idx_refunds_status
		ON refunds(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{conn: conn{q: sqlTx}}); err != nil {
		return err
	}

	return mapErr(sqlTx.Commit())
}

// txStore reads and writes through the open transaction only. It never
// calls back into Store, which would wait on the lock WithTx holds.
type txStore struct {
	conn
}

// =============================================================================
// LOCKED ENTRY POINTS (outside a transaction)
// =============================================================================

func (s *Store) NextSequenceValue(ctx context.Context, accountID billing.AccountID, seqType billing.SequenceType, defaultPrefix string) (billing.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.NextSequenceValue(ctx, accountID, seqType, defaultPrefix)
}

func (s *Store) CreateSequence(ctx context.Context, seq billing.Sequence) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.CreateSequence(ctx, seq)
}

func (s *Store) CreateInvoice(ctx context.Context, inv billing.Invoice) error {
	return s.WithTx(ctx, func(tx billing.Store) error { return tx.CreateInvoice(ctx, inv) })
}

func (s *Store) UpdateInvoice(ctx context.Context, inv billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.UpdateInvoice(ctx, inv)
}

func (s *Store) ReplaceLineItems(ctx context.Context, invoiceID billing.InvoiceID, items []billing.LineItem) error {
	return s.WithTx(ctx, func(tx billing.Store) error { return tx.ReplaceLineItems(ctx, invoiceID, items) })
}

func (s *Store) GetInvoice(ctx context.Context, accountID billing.AccountID, id billing.InvoiceID, includeDeleted bool) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.GetInvoice(ctx, accountID, id, includeDeleted)
}

func (s *Store) ListInvoices(ctx context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.ListInvoices(ctx, filter)
}

func (s *Store) CreatePayment(ctx context.Context, p billing.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.CreatePayment(ctx, p)
}

func (s *Store) UpdatePaymentStatus(ctx context.Context, id billing.PaymentID, status billing.PaymentStatus, processorPaymentID string, settledAt *time.Time, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.UpdatePaymentStatus(ctx, id, status, processorPaymentID, settledAt, now)
}

func (s *Store) GetPayment(ctx context.Context, accountID billing.AccountID, id billing.PaymentID) (*billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.GetPayment(ctx, accountID, id)
}

func (s *Store) ListPaymentsByInvoice(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.ListPaymentsByInvoice(ctx, invoiceID)
}

func (s *Store) ListPaymentsByStatus(ctx context.Context, status billing.PaymentStatus, limit int) ([]billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.ListPaymentsByStatus(ctx, status, limit)
}

func (s *Store) CreateRefund(ctx context.Context, r billing.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.CreateRefund(ctx, r)
}

func (s *Store) UpdateRefund(ctx context.Context, r billing.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.UpdateRefund(ctx, r)
}

func (s *Store) GetRefund(ctx context.Context, accountID billing.AccountID, id billing.RefundID) (*billing.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.GetRefund(ctx, accountID, id)
}

func (s *Store) ListRefundsByPayment(ctx context.Context, paymentID billing.PaymentID) ([]billing.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.ListRefundsByPayment(ctx, paymentID)
}

func (s *Store) ListRefundsByInvoice(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.ListRefundsByInvoice(ctx, invoiceID)
}

func (s *Store) ListRefundsByStatus(ctx context.Context, status billing.RefundStatus, limit int) ([]billing.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.ListRefundsByStatus(ctx, status, limit)
}

// =============================================================================
// SEQUENCES
// =============================================================================

func (c conn) NextSequenceValue(ctx context.Context, accountID billing.AccountID, seqType billing.SequenceType, defaultPrefix string) (billing.Sequence, error) {
	query := `
		INSERT INTO sequences (id, account_id, sequence_type, prefix, current_value)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(account_id, sequence_type)
		DO UPDATE SET current_value = current_value + 1
		RETURNING id, prefix, current_value
	`
	seq := billing.Sequence{AccountID: accountID, SequenceType: seqType}
	err := c.q.QueryRowContext(ctx, query, newSequenceID(accountID, seqType), accountID, seqType, defaultPrefix).
		Scan(&seq.ID, &seq.Prefix, &seq.CurrentValue)
	if err != nil {
		return billing.Sequence{}, mapErr(fmt.Errorf("failed to increment sequence: %w", err))
	}
	return seq, nil
}

func (c conn) CreateSequence(ctx context.Context, seq billing.Sequence) (bool, error) {
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO sequences (id, account_id, sequence_type, prefix, current_value)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, sequence_type) DO NOTHING
	`, seq.ID, seq.AccountID, seq.SequenceType, seq.Prefix, seq.CurrentValue)
	if err != nil {
		return false, mapErr(fmt.Errorf("failed to create sequence: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func newSequenceID(accountID billing.AccountID, seqType billing.SequenceType) string {
	return string(accountID) + ":" + string(seqType)
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `
	id, account_id, client_id, job_id, invoice_number,
	subtotal, tax_rate, tax_amount, discount_amount, total, amount_paid, balance_due, overpaid,
	status, invoice_date, due_date, paid_date, sent_at, viewed_at,
	last_reminder_sent_at, reminder_count, notes, version, created_at, updated_at, deleted_at`

func (c conn) CreateInvoice(ctx context.Context, inv billing.Invoice) error {
	query := `INSERT INTO invoices (` + invoiceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := c.q.ExecContext(ctx, query,
		inv.ID, inv.AccountID, inv.ClientID, nullString(string(inv.JobID)), inv.InvoiceNumber,
		inv.Subtotal.String(), inv.TaxRate.String(), inv.TaxAmount.String(), inv.DiscountAmount.String(),
		inv.Total.String(), inv.AmountPaid.String(), inv.BalanceDue.String(), inv.Overpaid,
		inv.Status, formatTime(inv.InvoiceDate), formatTime(inv.DueDate),
		nullTime(inv.PaidDate), nullTime(inv.SentAt), nullTime(inv.ViewedAt),
		nullTime(inv.LastReminderSentAt), inv.ReminderCount, nullString(inv.Notes), inv.Version,
		formatTime(inv.CreatedAt), formatTime(inv.UpdatedAt), nullTime(inv.DeletedAt),
	)
	if err != nil {
		return mapErr(fmt.Errorf("failed to create invoice: %w", err))
	}
	return c.insertLineItems(ctx, inv.ID, inv.LineItems)
}

// UpdateInvoice is a compare-and-swap on version.
func (c conn) UpdateInvoice(ctx context.Context, inv billing.Invoice) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE invoices SET
			subtotal = ?, tax_rate = ?, tax_amount = ?, discount_amount = ?, total = ?,
			amount_paid = ?, balance_due = ?, overpaid = ?, status = ?,
			due_date = ?, paid_date = ?, sent_at = ?, viewed_at = ?,
			last_reminder_sent_at = ?, reminder_count = ?, notes = ?,
			updated_at = ?, deleted_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`,
		inv.Subtotal.String(), inv.TaxRate.String(), inv.TaxAmount.String(), inv.DiscountAmount.String(), inv.Total.String(),
		inv.AmountPaid.String(), inv.BalanceDue.String(), inv.Overpaid, inv.Status,
		formatTime(inv.DueDate), nullTime(inv.PaidDate), nullTime(inv.SentAt), nullTime(inv.ViewedAt),
		nullTime(inv.LastReminderSentAt), inv.ReminderCount, nullString(inv.Notes),
		formatTime(inv.UpdatedAt), nullTime(inv.DeletedAt),
		inv.ID, inv.Version,
	)
	if err != nil {
		return mapErr(fmt.Errorf("failed to update invoice: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := c.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM invoices WHERE id = ?", inv.ID).Scan(&exists); err != nil {
		return mapErr(err)
	}
	if exists == 0 {
		return billing.ErrNotFound
	}
	return fmt.Errorf("invoice %s version %d is stale: %w", inv.ID, inv.Version, billing.ErrConcurrencyConflict)
}

func (c conn) ReplaceLineItems(ctx context.Context, invoiceID billing.InvoiceID, items []billing.LineItem) error {
	if _, err := c.q.ExecContext(ctx, "DELETE FROM line_items WHERE invoice_id = ?", invoiceID); err != nil {
		return mapErr(fmt.Errorf("failed to clear line items: %w", err))
	}
	return c.insertLineItems(ctx, invoiceID, items)
}

func (c conn) insertLineItems(ctx context.Context, invoiceID billing.InvoiceID, items []billing.LineItem) error {
	for _, item := range items {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO line_items
			(id, invoice_id, item_type, name, description, quantity, unit_price, total_price, is_taxable, sort_order)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			item.ID, invoiceID, item.ItemType, item.Name, nullString(item.Description),
			item.Quantity.String(), item.UnitPrice.String(), item.TotalPrice.String(),
			item.IsTaxable, item.SortOrder,
		)
		if err != nil {
			return mapErr(fmt.Errorf("failed to insert line item: %w", err))
		}
	}
	return nil
}

func (c conn) GetInvoice(ctx context.Context, accountID billing.AccountID, id billing.InvoiceID, includeDeleted bool) (*billing.Invoice, error) {
	query := "SELECT " + invoiceColumns + " FROM invoices WHERE id = ? AND account_id = ?"
	if !includeDeleted {
		query += " AND deleted_at IS NULL"
	}
	invoices, err := c.queryInvoices(ctx, query, id, accountID)
	if err != nil || len(invoices) == 0 {
		return nil, err
	}
	return &invoices[0], nil
}

func (c conn) ListInvoices(ctx context.Context, f billing.InvoiceFilter) ([]billing.Invoice, error) {
	var (
		where []string
		args  []any
	)
	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, f.ClientID)
	}
	if !f.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.DueBefore != nil {
		where = append(where, "due_date < ?")
		args = append(args, formatTime(*f.DueBefore))
	}
	if f.DueOnOrBefore != nil {
		where = append(where, "due_date <= ?")
		args = append(args, formatTime(*f.DueOnOrBefore))
	}

	query := "SELECT " + invoiceColumns + " FROM invoices"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	return c.queryInvoices(ctx, query, args...)
}

// queryInvoices drains the invoice rows before loading line items, so it
// also works on a single-connection pool.
func (c conn) queryInvoices(ctx context.Context, query string, args ...any) ([]billing.Invoice, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query invoices: %w", err))
	}

	var invoices []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range invoices {
		items, err := c.lineItems(ctx, invoices[i].ID)
		if err != nil {
			return nil, err
		}
		invoices[i].LineItems = items
	}
	return invoices, nil
}

func scanInvoice(rows *sql.Rows) (billing.Invoice, error) {
	var (
		inv                                                 billing.Invoice
		jobID, notes                                        sql.NullString
		invoiceDate, dueDate, createdAt, updatedAt          string
		paidDate, sentAt, viewedAt, lastReminder, deletedAt sql.NullString
	)

	err := rows.Scan(
		&inv.ID, &inv.AccountID, &inv.ClientID, &jobID, &inv.InvoiceNumber,
		&inv.Subtotal, &inv.TaxRate, &inv.TaxAmount, &inv.DiscountAmount, &inv.Total, &inv.AmountPaid, &inv.BalanceDue, &inv.Overpaid,
		&inv.Status, &invoiceDate, &dueDate, &paidDate, &sentAt, &viewedAt,
		&lastReminder, &inv.ReminderCount, &notes, &inv.Version, &createdAt, &updatedAt, &deletedAt,
	)
	if err != nil {
		return inv, fmt.Errorf("failed to scan invoice: %w", err)
	}

	inv.JobID = billing.JobID(jobID.String)
	inv.Notes = notes.String
	inv.InvoiceDate = parseTime(invoiceDate)
	inv.DueDate = parseTime(dueDate)
	inv.CreatedAt = parseTime(createdAt)
	inv.UpdatedAt = parseTime(updatedAt)
	inv.PaidDate = parseNullTime(paidDate)
	inv.SentAt = parseNullTime(sentAt)
	inv.ViewedAt = parseNullTime(viewedAt)
	inv.LastReminderSentAt = parseNullTime(lastReminder)
	inv.DeletedAt = parseNullTime(deletedAt)
	return inv, nil
}

func (c conn) lineItems(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.LineItem, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, invoice_id, item_type, name, description, quantity, unit_price, total_price, is_taxable, sort_order
		FROM line_items
		WHERE invoice_id = ?
		ORDER BY sort_order ASC
	`, invoiceID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query line items: %w", err))
	}
	defer rows.Close()

	var items []billing.LineItem
	for rows.Next() {
		var (
			item        billing.LineItem
			description sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.ItemType, &item.Name, &description,
			&item.Quantity, &item.UnitPrice, &item.TotalPrice, &item.IsTaxable, &item.SortOrder); err != nil {
			return nil, fmt.Errorf("failed to scan line item: %w", err)
		}
		item.Description = description.String
		items = append(items, item)
	}
	return items, rows.Err()
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `
	id, account_id, client_id, invoice_id, payment_number, amount, currency, payment_method,
	status, processor_payment_id, reference, payment_date, settled_at, created_at, updated_at`

func (c conn) CreatePayment(ctx context.Context, p billing.Payment) error {
	_, err := c.q.ExecContext(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AccountID, p.ClientID, p.InvoiceID, p.PaymentNumber, p.Amount.String(), p.Currency,
		p.PaymentMethod, p.Status, nullString(p.ProcessorPaymentID), nullString(p.Reference),
		formatTime(p.PaymentDate), nullTime(p.SettledAt), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return mapErr(fmt.Errorf("failed to create payment: %w", err))
	}
	return nil
}

func (c conn) UpdatePaymentStatus(ctx context.Context, id billing.PaymentID, status billing.PaymentStatus, processorPaymentID string, settledAt *time.Time, now time.Time) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE payments SET
			status = ?,
			processor_payment_id = COALESCE(?, processor_payment_id),
			settled_at = COALESCE(?, settled_at),
			updated_at = ?
		WHERE id = ?
	`, status, nullString(processorPaymentID), nullTime(settledAt), formatTime(now), id)
	if err != nil {
		return mapErr(fmt.Errorf("failed to update payment: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrNotFound
	}
	return nil
}

func (c conn) GetPayment(ctx context.Context, accountID billing.AccountID, id billing.PaymentID) (*billing.Payment, error) {
	payments, err := c.queryPayments(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE id = ? AND account_id = ?", id, accountID)
	if err != nil || len(payments) == 0 {
		return nil, err
	}
	return &payments[0], nil
}

func (c conn) ListPaymentsByInvoice(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.Payment, error) {
	return c.queryPayments(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE invoice_id = ? ORDER BY created_at ASC, payment_number ASC", invoiceID)
}

func (c conn) ListPaymentsByStatus(ctx context.Context, status billing.PaymentStatus, limit int) ([]billing.Payment, error) {
	query := "SELECT " + paymentColumns + " FROM payments WHERE status = ? ORDER BY created_at ASC"
	args := []any{status}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return c.queryPayments(ctx, query, args...)
}

func (c conn) queryPayments(ctx context.Context, query string, args ...any) ([]billing.Payment, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query payments: %w", err))
	}
	defer rows.Close()

	var payments []billing.Payment
	for rows.Next() {
		var (
			p                                 billing.Payment
			paymentDate, created, updated     string
			processorID, reference, settledAt sql.NullString
		)
		err := rows.Scan(&p.ID, &p.AccountID, &p.ClientID, &p.InvoiceID, &p.PaymentNumber, &p.Amount,
			&p.Currency, &p.PaymentMethod, &p.Status, &processorID, &reference,
			&paymentDate, &settledAt, &created, &updated)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.ProcessorPaymentID = processorID.String
		p.Reference = reference.String
		p.PaymentDate = parseTime(paymentDate)
		p.SettledAt = parseNullTime(settledAt)
		p.CreatedAt = parseTime(created)
		p.UpdatedAt = parseTime(updated)
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// =============================================================================
// REFUNDS
// =============================================================================

const refundColumns = `
	id, account_id, payment_id, invoice_id, amount, reason, status,
	processor_refund_id, refunded_at, created_at`

func (c conn) CreateRefund(ctx context.Context, r billing.Refund) error {
	_, err := c.q.ExecContext(ctx, `INSERT INTO refunds (`+refundColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AccountID, r.PaymentID, r.InvoiceID, r.Amount.String(), nullString(r.Reason), r.Status,
		nullString(r.ProcessorRefundID), nullTime(r.RefundedAt), formatTime(r.CreatedAt),
	)
	if err != nil {
		return mapErr(fmt.Errorf("failed to create refund: %w", err))
	}
	return nil
}

func (c conn) UpdateRefund(ctx context.Context, r billing.Refund) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE refunds SET status = ?, processor_refund_id = ?, refunded_at = ?
		WHERE id = ?
	`, r.Status, nullString(r.ProcessorRefundID), nullTime(r.RefundedAt), r.ID)
	if err != nil {
		return mapErr(fmt.Errorf("failed to update refund: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrNotFound
	}
	return nil
}

func (c conn) GetRefund(ctx context.Context, accountID billing.AccountID, id billing.RefundID) (*billing.Refund, error) {
	refunds, err := c.queryRefunds(ctx,
		"SELECT "+refundColumns+" FROM refunds WHERE id = ? AND account_id = ?", id, accountID)
	if err != nil || len(refunds) == 0 {
		return nil, err
	}
	return &refunds[0], nil
}

func (c conn) ListRefundsByPayment(ctx context.Context, paymentID billing.PaymentID) ([]billing.Refund, error) {
	return c.queryRefunds(ctx,
		"SELECT "+refundColumns+" FROM refunds WHERE payment_id = ? ORDER BY created_at ASC", paymentID)
}

func (c conn) ListRefundsByInvoice(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.Refund, error) {
	return c.queryRefunds(ctx,
		"SELECT "+refundColumns+" FROM refunds WHERE invoice_id = ? ORDER BY created_at ASC", invoiceID)
}

func (c conn) ListRefundsByStatus(ctx context.Context, status billing.RefundStatus, limit int) ([]billing.Refund, error) {
	query := "SELECT " + refundColumns + " FROM refunds WHERE status = ? ORDER BY created_at ASC"
	args := []any{status}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return c.queryRefunds(ctx, query, args...)
}

func (c conn) queryRefunds(ctx context.Context, query string, args ...any) ([]billing.Refund, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query refunds: %w", err))
	}
	defer rows.Close()

	var refunds []billing.Refund
	for rows.Next() {
		var (
			r                               billing.Refund
			created                         string
			reason, processorID, refundedAt sql.NullString
		)
		err := rows.Scan(&r.ID, &r.AccountID, &r.PaymentID, &r.InvoiceID, &r.Amount, &reason, &r.Status,
			&processorID, &refundedAt, &created)
		if err != nil {
			return nil, fmt.Errorf("failed to scan refund: %w", err)
		}
		r.Reason = reason.String
		r.ProcessorRefundID = processorID.String
		r.RefundedAt = parseNullTime(refundedAt)
		r.CreatedAt = parseTime(created)
		refunds = append(refunds, r)
	}
	return refunds, rows.Err()
}

// =============================================================================
// DIRECTORY (billing.Directory interface)
// =============================================================================

// SaveClient upserts a client record.
func (s *Store) SaveClient(ctx context.Context, c billing.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, account_id, name, email, processor_customer_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id,
			name = excluded.name,
			email = excluded.email,
			processor_customer_id = COALESCE(excluded.processor_customer_id, clients.processor_customer_id)
	`, c.ID, c.AccountID, c.Name, nullString(c.Email), nullString(c.ProcessorCustomerID))
	if err != nil {
		return mapErr(fmt.Errorf("failed to save client: %w", err))
	}
	return nil
}

// SaveJob upserts a job record.
func (s *Store) SaveJob(ctx context.Context, j billing.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, account_id, client_id, title)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id,
			client_id = excluded.client_id,
			title = excluded.title
	`, j.ID, j.AccountID, j.ClientID, j.Title)
	if err != nil {
		return mapErr(fmt.Errorf("failed to save job: %w", err))
	}
	return nil
}

func (s *Store) GetClient(ctx context.Context, accountID billing.AccountID, id billing.ClientID) (*billing.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		c                 billing.Client
		email, customerID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, name, email, processor_customer_id
		FROM clients WHERE id = ? AND account_id = ?
	`, id, accountID).Scan(&c.ID, &c.AccountID, &c.Name, &email, &customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrNotFound
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to get client: %w", err))
	}
	c.Email = email.String
	c.ProcessorCustomerID = customerID.String
	return &c, nil
}

func (s *Store) GetJob(ctx context.Context, accountID billing.AccountID, id billing.JobID) (*billing.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var j billing.Job
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, client_id, title
		FROM jobs WHERE id = ? AND account_id = ?
	`, id, accountID).Scan(&j.ID, &j.AccountID, &j.ClientID, &j.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrNotFound
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to get job: %w", err))
	}
	return &j, nil
}

func (s *Store) SetProcessorCustomerID(ctx context.Context, accountID billing.AccountID, id billing.ClientID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE clients SET processor_customer_id = ? WHERE id = ? AND account_id = ?",
		customerID, id, accountID)
	if err != nil {
		return mapErr(fmt.Errorf("failed to set processor customer: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrNotFound
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// mapErr turns lock contention and unique violations into ledger errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "database table is locked"):
		return fmt.Errorf("%v: %w", msg, billing.ErrConcurrencyConflict)
	case isUniqueConstraintError(err):
		return fmt.Errorf("%v: %w", msg, billing.ErrConcurrencyConflict)
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
