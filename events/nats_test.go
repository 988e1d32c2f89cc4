package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-ledger/billing"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	published []message
	drains    int
	err       error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.published = append(c.published, message{subject: subject, data: data})
	return nil
}

func (c *fakeConn) Drain() error {
	c.drains++
	return nil
}

func TestPublisher_Subject(t *testing.T) {
	p := newPublisher(&fakeConn{}, "", zerolog.Nop())
	assert.Equal(t, "billing.invoice.paid", p.Subject(billing.EventInvoicePaid))

	p = newPublisher(&fakeConn{}, "acme.billing", zerolog.Nop())
	assert.Equal(t, "acme.billing.payment.failed", p.Subject(billing.EventPaymentFailed))
}

func TestPublisher_PublishJSON(t *testing.T) {
	conn := &fakeConn{}
	p := newPublisher(conn, "", zerolog.Nop())
	occurred := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), billing.Event{
		Type:       billing.EventInvoicePaid,
		AccountID:  "acct-1",
		InvoiceID:  "inv-1",
		Amount:     "108.00",
		OccurredAt: occurred,
	})
	require.NoError(t, err)

	require.Len(t, conn.published, 1)
	assert.Equal(t, "billing.invoice.paid", conn.published[0].subject)

	var got billing.Event
	require.NoError(t, json.Unmarshal(conn.published[0].data, &got))
	assert.Equal(t, billing.InvoiceID("inv-1"), got.InvoiceID)
	assert.Equal(t, "108.00", got.Amount)
	assert.True(t, occurred.Equal(got.OccurredAt))
	assert.NotContains(t, string(conn.published[0].data), "payment_id", "empty ids are omitted")
}

func TestPublisher_CancelledContext(t *testing.T) {
	conn := &fakeConn{}
	p := newPublisher(conn, "", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Publish(ctx, billing.Event{Type: billing.EventInvoicePaid})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, conn.published)
}

func TestPublisher_ConnectionError(t *testing.T) {
	conn := &fakeConn{err: nats.ErrNoServers}
	p := newPublisher(conn, "", zerolog.Nop())

	err := p.Publish(context.Background(), billing.Event{Type: billing.EventPaymentFailed})

	assert.ErrorIs(t, err, nats.ErrNoServers)
	assert.ErrorContains(t, err, "publish payment.failed")
}

func TestPublisher_CloseDrainsOnce(t *testing.T) {
	conn := &fakeConn{}
	p := newPublisher(conn, "", zerolog.Nop())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, conn.drains)

	err := p.Publish(context.Background(), billing.Event{Type: billing.EventInvoicePaid})
	assert.True(t, errors.Is(err, nats.ErrConnectionClosed))
	assert.Empty(t, conn.published)
}
