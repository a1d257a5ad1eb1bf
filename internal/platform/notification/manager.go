package notification

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultHistorySize bounds how many notifications the manager remembers.
const DefaultHistorySize = 10000

// NotificationManager sends notifications and keeps a bounded history for
// retries and the admin endpoints.
type NotificationManager struct {
	emailSender EmailSender
	smsSender   SMSSender
	templates   *TemplateEngine
	logger      zerolog.Logger
	mu          sync.Mutex
	history     *lru.Cache[string, *Notification]
}

func NewNotificationManager(email EmailSender, sms SMSSender, tpl *TemplateEngine, logger zerolog.Logger) *NotificationManager {
	history, _ := lru.New[string, *Notification](DefaultHistorySize)
	return &NotificationManager{
		emailSender: email,
		smsSender:   sms,
		templates:   tpl,
		logger:      logger,
		history:     history,
	}
}

// Send dispatches n through its channel and records the outcome. A failed
// notification is stored with status "failed" and the send error returned.
func (m *NotificationManager) Send(ctx context.Context, n *Notification) error {
	if n.Recipient == "" {
		return ErrMissingRecipient
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = time.Now().UTC()
	n.Status = StatusPending

	sendErr := m.dispatch(ctx, n)
	m.mu.Lock()
	m.record(n, sendErr)
	m.history.Add(n.ID, n)
	m.mu.Unlock()
	return sendErr
}

func (m *NotificationManager) dispatch(ctx context.Context, n *Notification) error {
	switch n.Type {
	case TypeEmail:
		return m.emailSender.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
	case TypeSMS:
		return m.smsSender.SendSMS(ctx, n.Recipient, n.Body)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, n.Type)
	}
}

func (m *NotificationManager) record(n *Notification, sendErr error) {
	n.Attempts++
	if sendErr != nil {
		n.Status = StatusFailed
		n.Error = sendErr.Error()
		return
	}
	n.Status = StatusSent
	sentAt := time.Now().UTC()
	n.SentAt = &sentAt
	n.Error = ""
}

// SendFromTemplate renders a template and sends the resulting notification.
func (m *NotificationManager) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*Notification, error) {
	tpl, ok := m.templates.Lookup(templateID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, templateID)
	}
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, err
	}

	n := &Notification{
		Type:       tpl.Type,
		Recipient:  recipient,
		Subject:    subject,
		Body:       body,
		TemplateID: templateID,
	}
	if err := m.Send(ctx, n); err != nil {
		return n, err
	}
	return n, nil
}

// Notify is the best-effort form of SendFromTemplate used by domain services.
// Missing recipients are skipped and failures are logged.
func (m *NotificationManager) Notify(ctx context.Context, templateID, recipient string, data map[string]string) {
	if m == nil || recipient == "" {
		return
	}
	n, err := m.SendFromTemplate(ctx, templateID, data, recipient)
	if err != nil {
		ev := m.logger.Warn().Err(err).Str("template_id", templateID)
		if n != nil {
			ev = ev.Str("notification_id", n.ID)
		}
		ev.Msg("notification failed")
	}
}

func (m *NotificationManager) GetNotification(_ context.Context, id string) (*Notification, error) {
	n, ok := m.history.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return n, nil
}

// ListByRecipient returns up to limit notifications for recipient, newest
// first.
func (m *NotificationManager) ListByRecipient(_ context.Context, recipient string, limit int) ([]*Notification, error) {
	var result []*Notification
	for _, n := range m.history.Values() {
		if n.Recipient == recipient {
			result = append(result, n)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Retry re-sends a failed notification.
func (m *NotificationManager) Retry(ctx context.Context, id string) error {
	n, ok := m.history.Get(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	m.mu.Lock()
	status := n.Status
	m.mu.Unlock()
	if status != StatusFailed {
		return fmt.Errorf("%w (current: %s)", ErrNotRetryable, status)
	}

	sendErr := m.dispatch(ctx, n)
	m.mu.Lock()
	m.record(n, sendErr)
	m.mu.Unlock()
	return sendErr
}

// Stats returns counts of notifications grouped by status.
func (m *NotificationManager) Stats(_ context.Context) map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make(map[string]int)
	for _, n := range m.history.Values() {
		stats[n.Status]++
	}
	return stats
}
