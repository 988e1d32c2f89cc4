package billing

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Deps are the collaborators shared by every ledger component.
// Store is required; everything else has a working default.
type Deps struct {
	Store     TxStore
	Directory Directory
	Processor Processor
	Notifier  Notifier
	Events    EventPublisher
	Observer  Observer
	Logger    zerolog.Logger

	// Now defaults to time.Now. Tests pin it.
	Now func() time.Time

	Settings Settings
}

// Settings are the tunables loaded from config.
type Settings struct {
	Currency             string
	Prefixes             map[SequenceType]string
	ConflictRetries      uint64
	ProcessorTimeout     time.Duration
	ChargeLookupGrace    time.Duration
	ReminderWindowDays   int
	ReminderIntervalDays int
	ReminderConcurrency  int
	SweepBatchSize       int
}

// DefaultSettings mirrors config.DefaultConfig().Billing.
func DefaultSettings() Settings {
	return Settings{
		Currency:             "usd",
		Prefixes:             DefaultPrefixes(),
		ConflictRetries:      3,
		ProcessorTimeout:     30 * time.Second,
		ChargeLookupGrace:    15 * time.Minute,
		ReminderWindowDays:   3,
		ReminderIntervalDays: 7,
		ReminderConcurrency:  4,
		SweepBatchSize:       500,
	}
}

func DefaultPrefixes() map[SequenceType]string {
	return map[SequenceType]string{
		SequenceQuote:   "QUO-",
		SequenceJob:     "JOB-",
		SequenceInvoice: "INV-",
		SequencePayment: "PAY-",
	}
}

func (d Deps) withDefaults() Deps {
	if d.Directory == nil {
		if dir, ok := d.Store.(Directory); ok {
			d.Directory = dir
		}
	}
	if d.Events == nil {
		d.Events = noopPublisher{}
	}
	if d.Observer == nil {
		d.Observer = noopObserver{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	def := DefaultSettings()
	if d.Settings.Currency == "" {
		d.Settings.Currency = def.Currency
	}
	prefixes := make(map[SequenceType]string, len(def.Prefixes))
	for t, p := range def.Prefixes {
		prefixes[t] = p
	}
	for t, p := range d.Settings.Prefixes {
		if p != "" {
			prefixes[t] = p
		}
	}
	d.Settings.Prefixes = prefixes
	if d.Settings.ConflictRetries == 0 {
		d.Settings.ConflictRetries = def.ConflictRetries
	}
	if d.Settings.ProcessorTimeout <= 0 {
		d.Settings.ProcessorTimeout = def.ProcessorTimeout
	}
	if d.Settings.ChargeLookupGrace <= 0 {
		d.Settings.ChargeLookupGrace = def.ChargeLookupGrace
	}
	if d.Settings.ReminderWindowDays <= 0 {
		d.Settings.ReminderWindowDays = def.ReminderWindowDays
	}
	if d.Settings.ReminderIntervalDays <= 0 {
		d.Settings.ReminderIntervalDays = def.ReminderIntervalDays
	}
	if d.Settings.ReminderConcurrency <= 0 {
		d.Settings.ReminderConcurrency = def.ReminderConcurrency
	}
	if d.Settings.SweepBatchSize <= 0 {
		d.Settings.SweepBatchSize = def.SweepBatchSize
	}
	return d
}

func (d Deps) now() time.Time { return d.Now().UTC() }

// recordTimeout bounds the writes that record an effect the processor has
// already made.
const recordTimeout = 10 * time.Second

// detach keeps the values of ctx but drops its cancellation. Once a charge or
// refund has reached the processor, the local record is written even if the
// caller has gone away.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}

func newID() string { return uuid.NewString() }

// inTx runs fn in a transaction and retries the whole unit of work when it
// loses a versioned write or the sequence counter race. Every other error is
// permanent.
func (d Deps) inTx(ctx context.Context, op string, fn func(Store) error) error {
	attempt := 0
	run := func() error {
		if attempt > 0 {
			d.Observer.ConflictRetried(op)
			d.Logger.Debug().Str("op", op).Int("attempt", attempt).Msg("retrying after concurrency conflict")
		}
		attempt++
		err := d.Store.WithTx(ctx, fn)
		if err == nil || IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 100 * time.Millisecond
	b := backoff.WithContext(backoff.WithMaxRetries(policy, d.Settings.ConflictRetries), ctx)

	err := backoff.Retry(run, b)
	if err != nil && IsRetryable(err) {
		return &Error{Kind: KindConcurrency, Op: op, Message: "record was modified concurrently, retry the request", Err: err}
	}
	return err
}

// publish sends events after commit. Failures are logged, never returned.
func (d Deps) publish(ctx context.Context, events ...Event) {
	for _, e := range events {
		if e.OccurredAt.IsZero() {
			e.OccurredAt = d.now()
		}
		if err := d.Events.Publish(ctx, e); err != nil {
			d.Logger.Warn().Err(err).Str("event", string(e.Type)).Msg("failed to publish ledger event")
		}
	}
}

func invoiceEvent(t EventType, inv *Invoice) Event {
	return Event{
		Type:      t,
		AccountID: inv.AccountID,
		InvoiceID: inv.ID,
		Amount:    inv.BalanceDue.StringFixed(2),
		Status:    string(inv.Status),
	}
}

func money(d decimal.Decimal) string { return d.StringFixed(2) }
