package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stripe/stripe-go/v82"

	"github.com/warp/billing-ledger/billing"
)

func TestToMinorUnits(t *testing.T) {
	tests := []struct {
		amount string
		want   int64
	}{
		{"12.34", 1234},
		{"0.01", 1},
		{"100", 10000},
		{"19.999", 2000},
		{"0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			assert.Equal(t, tt.want, ToMinorUnits(decimal.RequireFromString(tt.amount)))
		})
	}
}

func TestMapChargeStatus(t *testing.T) {
	tests := []struct {
		in   stripe.PaymentIntentStatus
		want billing.ProcessorStatus
	}{
		{stripe.PaymentIntentStatusSucceeded, billing.ProcessorSucceeded},
		{stripe.PaymentIntentStatusProcessing, billing.ProcessorProcessing},
		{stripe.PaymentIntentStatusRequiresAction, billing.ProcessorProcessing},
		{stripe.PaymentIntentStatusRequiresCapture, billing.ProcessorProcessing},
		{stripe.PaymentIntentStatusRequiresConfirmation, billing.ProcessorProcessing},
		{stripe.PaymentIntentStatusRequiresPaymentMethod, billing.ProcessorFailed},
		{stripe.PaymentIntentStatusCanceled, billing.ProcessorFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, MapChargeStatus(tt.in))
		})
	}
}

func TestMapRefundStatus(t *testing.T) {
	assert.Equal(t, billing.ProcessorSucceeded, MapRefundStatus(stripe.RefundStatusSucceeded))
	assert.Equal(t, billing.ProcessorFailed, MapRefundStatus(stripe.RefundStatusFailed))
	assert.Equal(t, billing.ProcessorFailed, MapRefundStatus(stripe.RefundStatusCanceled))
	assert.Equal(t, billing.ProcessorProcessing, MapRefundStatus(stripe.RefundStatusPending))
	assert.Equal(t, billing.ProcessorProcessing, MapRefundStatus(stripe.RefundStatusRequiresAction))
}

func TestWrap(t *testing.T) {
	t.Run("deadline is a timeout", func(t *testing.T) {
		err := wrap(context.Background(), "create payment intent", context.DeadlineExceeded)
		assert.ErrorIs(t, err, billing.ErrProcessorTimeout)
		assert.ErrorContains(t, err, "stripe create payment intent")
	})

	t.Run("expired context is a timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 0)
		defer cancel()
		<-ctx.Done()

		err := wrap(ctx, "get refund", errors.New("net/http: request canceled"))
		assert.ErrorIs(t, err, billing.ErrProcessorTimeout)
	})

	t.Run("cancelled caller is a timeout", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := wrap(ctx, "create payment intent", context.Canceled)
		assert.ErrorIs(t, err, billing.ErrProcessorTimeout, "the charge may still have gone through")
	})

	t.Run("api error is a processor failure", func(t *testing.T) {
		se := &stripe.Error{Msg: "No such customer", Code: stripe.ErrorCodeResourceMissing}
		err := wrap(context.Background(), "attach payment method", se)
		assert.ErrorIs(t, err, billing.ErrProcessor)
		assert.NotErrorIs(t, err, billing.ErrProcessorTimeout)
		assert.ErrorContains(t, err, "No such customer (resource_missing)")
	})

	t.Run("anything else is a processor failure", func(t *testing.T) {
		err := wrap(context.Background(), "list refunds", errors.New("connection reset"))
		assert.ErrorIs(t, err, billing.ErrProcessor)
		assert.Equal(t, billing.KindProcessor, billing.KindOf(err))
	})
}
