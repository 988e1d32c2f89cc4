/*
Package processor adapts external payment gateways to billing.Processor.

STRIPE MAPPING:
  customer        → stripe Customer
  instrument      → PaymentMethod attached to the customer
  charge          → PaymentIntent, confirmed immediately, off session
  refund          → Refund against the PaymentIntent

  Every PaymentIntent carries the local payment id in metadata and as its
  idempotency key. If the create call times out, ChargeStatus finds the
  intent again by searching on that metadata. Search lags behind creates,
  so a miss is reported as not_found rather than failed.

STATUS MAPPING (PaymentIntent):
  succeeded                                  → succeeded
  processing, requires_capture,
  requires_action, requires_confirmation     → processing
  requires_payment_method, canceled          → failed

TIMEOUTS:
  A call cut off by the context, by deadline or cancellation, returns
  billing.ErrProcessorTimeout so the ledger records the payment or refund as
  still in flight.
*/
package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/paymentmethod"
	"github.com/stripe/stripe-go/v82/refund"

	"github.com/warp/billing-ledger/billing"
)

// Stripe implements billing.Processor on the Stripe API.
type Stripe struct{}

// NewStripe sets the API key used by every Stripe call.
func NewStripe(apiKey string) *Stripe {
	stripe.Key = apiKey
	return &Stripe{}
}

func (s *Stripe) CreateCustomer(ctx context.Context, email, name string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(name),
	}
	params.Context = ctx
	c, err := customer.New(params)
	if err != nil {
		return "", wrap(ctx, "create customer", err)
	}
	return c.ID, nil
}

func (s *Stripe) AttachInstrument(ctx context.Context, customerID, instrumentRef string) error {
	params := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customerID)}
	params.Context = ctx
	if _, err := paymentmethod.Attach(instrumentRef, params); err != nil {
		return wrap(ctx, "attach payment method", err)
	}
	return nil
}

func (s *Stripe) CreateCharge(ctx context.Context, req billing.ChargeRequest) (billing.ChargeResult, error) {
	methodType := "card"
	if req.Method == billing.MethodBank {
		methodType = "us_bank_account"
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(ToMinorUnits(req.Amount)),
		Currency:           stripe.String(req.Currency),
		Customer:           stripe.String(req.CustomerID),
		PaymentMethod:      stripe.String(req.InstrumentRef),
		PaymentMethodTypes: stripe.StringSlice([]string{methodType}),
		Confirm:            stripe.Bool(true),
		OffSession:         stripe.Bool(true),
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata("payment_id", string(req.PaymentID))
	params.SetIdempotencyKey("charge-" + string(req.PaymentID))
	params.Context = ctx

	pi, err := paymentintent.New(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
			return billing.ChargeResult{Status: billing.ProcessorFailed}, fmt.Errorf("card declined: %s: %w", se.Msg, billing.ErrProcessor)
		}
		return billing.ChargeResult{}, wrap(ctx, "create payment intent", err)
	}
	return chargeResult(pi), nil
}

func (s *Stripe) ChargeStatus(ctx context.Context, paymentID billing.PaymentID, chargeRef string) (billing.ChargeResult, error) {
	if chargeRef != "" {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		pi, err := paymentintent.Get(chargeRef, params)
		if err != nil {
			return billing.ChargeResult{}, wrap(ctx, "get payment intent", err)
		}
		return chargeResult(pi), nil
	}

	params := &stripe.PaymentIntentSearchParams{}
	params.Query = fmt.Sprintf("metadata['payment_id']:'%s'", paymentID)
	params.Context = ctx
	iter := paymentintent.Search(params)
	if iter.Next() {
		return chargeResult(iter.PaymentIntent()), nil
	}
	if err := iter.Err(); err != nil {
		return billing.ChargeResult{}, wrap(ctx, "search payment intents", err)
	}
	// Search is eventually consistent; the ledger decides when absence means
	// the create never reached Stripe.
	return billing.ChargeResult{Status: billing.ProcessorNotFound}, nil
}

func (s *Stripe) CreateRefund(ctx context.Context, req billing.RefundRequest) (billing.RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ChargeRef),
		Amount:        stripe.Int64(ToMinorUnits(req.Amount)),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.AddMetadata("refund_id", string(req.RefundID))
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	params.SetIdempotencyKey("refund-" + string(req.RefundID))
	params.Context = ctx

	r, err := refund.New(params)
	if err != nil {
		return billing.RefundResult{}, wrap(ctx, "create refund", err)
	}
	return billing.RefundResult{ID: r.ID, Status: MapRefundStatus(r.Status)}, nil
}

func (s *Stripe) RefundStatus(ctx context.Context, refundID billing.RefundID, chargeRef, refundRef string) (billing.RefundResult, error) {
	if refundRef != "" {
		params := &stripe.RefundParams{}
		params.Context = ctx
		r, err := refund.Get(refundRef, params)
		if err != nil {
			return billing.RefundResult{}, wrap(ctx, "get refund", err)
		}
		return billing.RefundResult{ID: r.ID, Status: MapRefundStatus(r.Status)}, nil
	}

	params := &stripe.RefundListParams{PaymentIntent: stripe.String(chargeRef)}
	params.Context = ctx
	iter := refund.List(params)
	for iter.Next() {
		r := iter.Refund()
		if r.Metadata["refund_id"] == string(refundID) {
			return billing.RefundResult{ID: r.ID, Status: MapRefundStatus(r.Status)}, nil
		}
	}
	if err := iter.Err(); err != nil {
		return billing.RefundResult{}, wrap(ctx, "list refunds", err)
	}
	return billing.RefundResult{Status: billing.ProcessorFailed}, nil
}

// =============================================================================
// MAPPING
// =============================================================================

// ToMinorUnits converts a 2-decimal amount to cents.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func chargeResult(pi *stripe.PaymentIntent) billing.ChargeResult {
	return billing.ChargeResult{ID: pi.ID, ChargeRef: pi.ID, Status: MapChargeStatus(pi.Status)}
}

// MapChargeStatus maps a PaymentIntent status.
func MapChargeStatus(s stripe.PaymentIntentStatus) billing.ProcessorStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return billing.ProcessorSucceeded
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusCanceled:
		return billing.ProcessorFailed
	default:
		return billing.ProcessorProcessing
	}
}

// MapRefundStatus maps a Refund status.
func MapRefundStatus(s stripe.RefundStatus) billing.ProcessorStatus {
	switch s {
	case stripe.RefundStatusSucceeded:
		return billing.ProcessorSucceeded
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		return billing.ProcessorFailed
	default:
		return billing.ProcessorProcessing
	}
}

// wrap tags a call cut off by its context as a timeout and everything else
// as a processor failure.
func wrap(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return fmt.Errorf("stripe %s: %v: %w", op, err, billing.ErrProcessorTimeout)
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		return fmt.Errorf("stripe %s: %s (%s): %w", op, se.Msg, se.Code, billing.ErrProcessor)
	}
	return fmt.Errorf("stripe %s: %v: %w", op, err, billing.ErrProcessor)
}
