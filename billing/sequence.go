/*
sequence.go - Per-account document numbering

PURPOSE:
  Mints human-readable document numbers (INV-00007, PAY-00012, QUO-00003,
  JOB-00021). One counter per (account, document type), created lazily on
  first use and never deleted.

GUARANTEES:
  - Unique: no two callers for the same (account, type) get the same value
  - Monotonic: the counter only increases, values are never reused
  - Transactional: NextNumber runs inside the caller's transaction, so the
    number and the document it numbers commit or roll back together

  Numbers are NOT guaranteed contiguous. A rollback after numbering leaves
  a gap, which is acceptable; a committed duplicate is not.

FORMAT:
  prefix + value zero-padded to 5 digits. Past 99999 the number simply
  grows (INV-100000); it never wraps or truncates.

CONCURRENCY:
  The increment is a single read-modify-write inside the store's
  transaction (row lock / single writer). Next() retries a lost race a
  bounded number of times before surfacing ErrConcurrencyConflict.

SEE ALSO:
  - store.go: NextSequenceValue contract
*/
package billing

import (
	"context"
	"fmt"
	"strings"
)

// =============================================================================
// SEQUENCE GENERATOR
// =============================================================================

type SequenceGenerator struct {
	deps Deps
}

func NewSequenceGenerator(deps Deps) *SequenceGenerator {
	return &SequenceGenerator{deps: deps.withDefaults()}
}

// FormatNumber renders a document number.
func FormatNumber(prefix string, value int64) string {
	return fmt.Sprintf("%s%05d", prefix, value)
}

// NextNumber increments the counter inside the caller's transaction s and
// returns the formatted number.
func (g *SequenceGenerator) NextNumber(ctx context.Context, s Store, accountID AccountID, seqType SequenceType) (string, error) {
	const op = "sequence.next"
	if accountID == "" {
		return "", validation(op, "account id is required")
	}
	if !seqType.Valid() {
		return "", validation(op, "unknown sequence type %q", seqType)
	}

	seq, err := s.NextSequenceValue(ctx, accountID, seqType, g.deps.Settings.Prefixes[seqType])
	if err != nil {
		return "", err
	}
	g.deps.Observer.SequenceIssued(seqType)
	return FormatNumber(seq.Prefix, seq.CurrentValue), nil
}

// Next mints a number in its own transaction. Used by modules that number
// documents this ledger does not own (quotes, jobs).
func (g *SequenceGenerator) Next(ctx context.Context, accountID AccountID, seqType SequenceType) (string, error) {
	var number string
	err := g.deps.inTx(ctx, "sequence.next", func(s Store) error {
		n, err := g.NextNumber(ctx, s, accountID, seqType)
		number = n
		return err
	})
	return number, err
}

// Configure creates the (account, type) sequence with a custom prefix and
// starting value. The first number issued is start+1. Returns
// ErrInvalidState if the sequence already exists: counters are never reset.
func (g *SequenceGenerator) Configure(ctx context.Context, accountID AccountID, seqType SequenceType, prefix string, start int64) error {
	const op = "sequence.configure"
	if accountID == "" {
		return validation(op, "account id is required")
	}
	if !seqType.Valid() {
		return validation(op, "unknown sequence type %q", seqType)
	}
	if start < 0 {
		return validation(op, "start value cannot be negative")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = g.deps.Settings.Prefixes[seqType]
	}

	return g.deps.inTx(ctx, op, func(s Store) error {
		created, err := s.CreateSequence(ctx, Sequence{
			ID:           newID(),
			AccountID:    accountID,
			SequenceType: seqType,
			Prefix:       prefix,
			CurrentValue: start,
		})
		if err != nil {
			return err
		}
		if !created {
			return invalidState(op, "%s sequence already exists for this account", seqType)
		}
		return nil
	})
}
