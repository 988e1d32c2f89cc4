// Package events publishes ledger events to NATS.
//
// Subjects are <prefix>.<event type>, e.g. billing.invoice.paid, so
// consumers can subscribe to billing.invoice.> or billing.payment.*.
// Publishing happens after commit and is best effort.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/warp/billing-ledger/billing"
)

const DefaultSubjectPrefix = "billing"

// publisher is the part of *nats.Conn Publisher uses.
type publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Publisher implements billing.EventPublisher on a NATS connection.
type Publisher struct {
	conn   publisher
	prefix string
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// Connect dials NATS and returns a Publisher.
func Connect(url, prefix string, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("billing-ledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return newPublisher(nc, prefix, logger), nil
}

func newPublisher(conn publisher, prefix string, logger zerolog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject an event type is published on.
func (p *Publisher) Subject(t billing.EventType) string {
	return p.prefix + "." + string(t)
}

// Publish checks the context before publishing; nats.Conn.Publish itself
// does not take one.
func (p *Publisher) Publish(ctx context.Context, e billing.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nats.ErrConnectionClosed
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(e.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	p.logger.Debug().Str("subject", p.Subject(e.Type)).Msg("event published")
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Drain()
}
