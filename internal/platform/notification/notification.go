// Package notification renders patient and staff notifications (result
// ready, report ready, passcode issued, result rejected) and hands them to
// an email or SMS sender.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// NotificationType represents the channel used to deliver a notification.
type NotificationType string

const (
	TypeEmail NotificationType = "email"
	TypeSMS   NotificationType = "sms"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Built-in template IDs.
const (
	TemplateResultReady    = "result-ready"
	TemplateReportReady    = "report-ready"
	TemplatePasscodeIssued = "passcode-issued"
	TemplateResultRejected = "result-rejected"
)

var (
	ErrNotFound         = errors.New("notification not found")
	ErrTemplateNotFound = errors.New("template not found")
	ErrNotRetryable     = errors.New("notification is not in failed status")
	ErrMissingRecipient = errors.New("recipient is required")
	ErrUnsupportedType  = errors.New("unsupported notification type")
)

// Notification represents a single outbound notification.
type Notification struct {
	ID         string            `json:"id"`
	Type       NotificationType  `json:"type"`
	Recipient  string            `json:"recipient"`
	Subject    string            `json:"subject,omitempty"`
	Body       string            `json:"body"`
	TemplateID string            `json:"template_id,omitempty"`
	Status     string            `json:"status"`
	Attempts   int               `json:"attempts"`
	CreatedAt  time.Time         `json:"created_at"`
	SentAt     *time.Time        `json:"sent_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender is the interface for sending SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// Template defines a reusable notification template.
type Template struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Subject string           `json:"subject"`
	Body    string           `json:"body"`
	Type    NotificationType `json:"type"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine(labName string) *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn(labName)
	return e
}

func (e *TemplateEngine) registerBuiltIn(labName string) {
	if labName == "" {
		labName = "the laboratory"
	}
	builtIn := []Template{
		{
			ID:      TemplateResultReady,
			Name:    "Result Ready",
			Subject: "Your {{test_name}} result is ready",
			Body:    "Dear {{patient_name}}, your {{test_name}} result has been reviewed and approved by " + labName + ". A report will follow.",
			Type:    TypeEmail,
		},
		{
			ID:      TemplateReportReady,
			Name:    "Report Ready",
			Subject: "Lab report {{report_number}}",
			Body:    "Dear {{patient_name}}, your lab report {{report_number}} is ready. Use the report number and your sample passcode to download it.",
			Type:    TypeEmail,
		},
		{
			ID:   TemplatePasscodeIssued,
			Name: "Passcode Issued",
			Body: labName + ": your sample reference is {{mrn}}. Keep the passcode printed on your sample slip to access your reports.",
			Type: TypeSMS,
		},
		{
			ID:      TemplateResultRejected,
			Name:    "Result Returned For Rework",
			Subject: "{{test_name}} result returned for {{patient_name}}",
			Body:    "The {{test_name}} result for {{patient_name}} was rejected by {{reviewer}}: {{reason}}",
			Type:    TypeEmail,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Lookup returns a copy of the template with the given ID.
func (e *TemplateEngine) Lookup(templateID string) (Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[templateID]
	if !ok {
		return Template{}, false
	}
	return *t, true
}

// Render performs {{key}} replacement using data. Keys present in the
// template but absent from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	t, ok := e.Lookup(templateID)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrTemplateNotFound, templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}
