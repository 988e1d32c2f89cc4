/*
errors.go - Centralized error taxonomy for the billing ledger

PURPOSE:
  All error kinds in one place. Every error a ledger operation returns
  carries a stable Kind so callers (HTTP layer, schedulers, CLI) can
  decide status codes and retry behavior without string matching.

ERROR KINDS:
  1. not_found            - invoice/payment/client/job absent or cross-tenant
  2. invalid_state        - operation forbidden for the current status
  3. validation_failed    - bad amounts, malformed line items, overpayment
  4. processor_failure    - charge/refund call failed or timed out
  5. concurrency_conflict - a versioned write lost a race; safe to retry

PROPAGATION:
  validation_failed and invalid_state are surfaced immediately and never
  retried. concurrency_conflict is retried a bounded number of times by
  the ledger before surfacing. processor_failure is never retried
  automatically so a card is never charged twice.

USAGE:
  if errors.Is(err, billing.ErrInvalidState) { ... }
  var be *billing.Error
  if errors.As(err, &be) { log.Str("kind", string(be.Kind)) }

SEE ALSO:
  - store.go:   stores map native failures onto these kinds
  - api/handlers.go: maps kinds to HTTP status codes
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced record does not exist in the account.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when the current status forbids the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrValidation is returned for input that breaks a business rule.
	ErrValidation = errors.New("validation failed")

	// ErrProcessor is returned when the external charge/refund processor fails.
	ErrProcessor = errors.New("payment processor failure")

	// ErrProcessorTimeout is returned by processors when the outcome is unknown.
	// It also matches ErrProcessor.
	ErrProcessorTimeout = fmt.Errorf("%w: timeout", ErrProcessor)

	// ErrConcurrencyConflict is returned when a versioned write loses a race.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// =============================================================================
// STRUCTURED ERROR - Kind + operation + message
// =============================================================================

type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindInvalidState Kind = "invalid_state"
	KindValidation   Kind = "validation_failed"
	KindProcessor    Kind = "processor_failure"
	KindConcurrency  Kind = "concurrency_conflict"
	KindInternal     Kind = "internal"
)

// Error is the error type returned by ledger operations.
// Message is safe to show to users; Err may hold internals and is not rendered.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match an *Error against the sentinel for its kind.
func (e *Error) Is(target error) bool {
	return sentinelFor(e.Kind) == target
}

func sentinelFor(k Kind) error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindInvalidState:
		return ErrInvalidState
	case KindValidation:
		return ErrValidation
	case KindProcessor:
		return ErrProcessor
	case KindConcurrency:
		return ErrConcurrencyConflict
	}
	return nil
}

func notFound(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

func invalidState(op, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Op: op, Message: fmt.Sprintf(format, args...)}
}

func validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func processorFailure(op string, err error) *Error {
	msg := "payment processor request failed"
	if errors.Is(err, ErrProcessorTimeout) {
		msg = "payment processor did not respond in time"
	}
	return &Error{Kind: KindProcessor, Op: op, Message: msg, Err: err}
}

// =============================================================================
// OVERPAYMENT - Carries the numbers behind a rejected allocation
// =============================================================================

// OverpaymentError is returned when an allocation exceeds the balance due.
type OverpaymentError struct {
	InvoiceID  InvoiceID
	BalanceDue string
	Requested  string
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("payment of %s exceeds balance due %s on invoice %s",
		e.Requested, e.BalanceDue, e.InvoiceID)
}

func (e *OverpaymentError) Unwrap() error { return ErrValidation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf extracts the Kind of err, or KindInternal if it carries none.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrProcessor):
		return KindProcessor
	case errors.Is(err, ErrConcurrencyConflict):
		return KindConcurrency
	}
	return KindInternal
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidState)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
