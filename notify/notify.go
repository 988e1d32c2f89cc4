// Package notify implements billing.Notifier.
//
// Slack posts each outbound message to an operations channel; it is how a
// small field-service shop sees invoices and reminders go out. Log writes
// the message to the structured log and is the default when no Slack token
// is configured.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// poster is the part of *slack.Client Slack uses.
type poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack relays notifications to a Slack channel.
type Slack struct {
	client  poster
	channel string
	logger  zerolog.Logger
}

func NewSlack(token, channel string, logger zerolog.Logger) (*Slack, error) {
	if token == "" {
		return nil, errors.New("slack token is required")
	}
	if channel == "" {
		return nil, errors.New("slack channel is required")
	}
	return &Slack{client: slack.New(token), channel: channel, logger: logger}, nil
}

// Send returns the Slack message timestamp as the message id.
func (s *Slack) Send(ctx context.Context, to, subject, body string) (string, error) {
	_, ts, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(FormatMessage(to, subject, body), false))
	if err != nil {
		return "", fmt.Errorf("failed to post slack message: %w", err)
	}
	s.logger.Debug().Str("to", to).Str("ts", ts).Msg("notification posted to slack")
	return ts, nil
}

// FormatMessage renders a notification as Slack mrkdwn.
func FormatMessage(to, subject, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", subject)
	fmt.Fprintf(&b, "_to: %s_\n", to)
	b.WriteString(body)
	return b.String()
}

// Log writes notifications to the logger instead of delivering them.
type Log struct {
	logger zerolog.Logger
}

func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Send(_ context.Context, to, subject, body string) (string, error) {
	id := uuid.NewString()
	l.logger.Info().
		Str("message_id", id).
		Str("to", to).
		Str("subject", subject).
		Str("body", body).
		Msg("notification")
	return id, nil
}
