package notification

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/events"
)

// QueueSender hands rendered messages to the event bus, where the mailer
// and SMS gateway consume them.
type QueueSender struct {
	pub events.Publisher
}

func NewQueueSender(pub events.Publisher) *QueueSender {
	return &QueueSender{pub: pub}
}

type outboundMessage struct {
	Channel NotificationType `json:"channel"`
	To      string           `json:"to"`
	Subject string           `json:"subject,omitempty"`
	Body    string           `json:"body"`
}

func (s *QueueSender) SendEmail(ctx context.Context, to, subject, body string) error {
	return s.enqueue(ctx, outboundMessage{Channel: TypeEmail, To: to, Subject: subject, Body: body})
}

func (s *QueueSender) SendSMS(ctx context.Context, to, body string) error {
	return s.enqueue(ctx, outboundMessage{Channel: TypeSMS, To: to, Body: body})
}

func (s *QueueSender) enqueue(ctx context.Context, msg outboundMessage) error {
	evt, err := events.New(ctx, events.NotificationRequested, "notification", "", msg)
	if err != nil {
		return err
	}
	return s.pub.Publish(ctx, evt)
}

// LogSender writes notifications to the log instead of delivering them.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendEmail(_ context.Context, to, subject, _ string) error {
	s.logger.Info().Str("channel", "email").Str("to", maskRecipient(to)).Str("subject", subject).Msg("notification")
	return nil
}

func (s *LogSender) SendSMS(_ context.Context, to, _ string) error {
	s.logger.Info().Str("channel", "sms").Str("to", maskRecipient(to)).Msg("notification")
	return nil
}

// maskRecipient keeps the first two characters and the domain of an email,
// or the last four digits of a phone number.
func maskRecipient(to string) string {
	if at := strings.IndexByte(to, '@'); at > 0 {
		keep := 2
		if at < keep {
			keep = at
		}
		return to[:keep] + "***" + to[at:]
	}
	if len(to) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(to)-4) + to[len(to)-4:]
}
