// Package events publishes workflow events (assignment status changes, result
// review decisions, generated reports) to the message bus.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
)

// Event types published by the domain services.
const (
	AssignmentCreated       = "assignment.created"
	AssignmentStatusChanged = "assignment.status_changed"
	ResultSubmitted         = "result.submitted"
	ResultApproved          = "result.approved"
	ResultRejected          = "result.rejected"
	ReportGenerated         = "report.generated"
	PatientRegistered       = "patient.registered"
	NotificationRequested   = "notification.requested"
)

// Event is the envelope put on the bus.
type Event struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	TenantID     string          `json:"tenant_id"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	ActorID      string          `json:"actor_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Publisher delivers events to subscribers outside the API process.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// New builds an event stamped with the tenant and actor found in ctx.
func New(ctx context.Context, eventType, resourceType, resourceID string, payload interface{}) (Event, error) {
	evt := Event{
		ID:           uuid.New().String(),
		Type:         eventType,
		TenantID:     db.TenantFromContext(ctx),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ActorID:      auth.UserIDFromContext(ctx),
		Timestamp:    time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return evt, err
		}
		evt.Payload = raw
	}
	return evt, nil
}

// Emit builds and publishes an event, logging failures instead of
// returning them. Inside a transaction the publish waits for the commit, so
// subscribers never see a change that was rolled back.
func Emit(ctx context.Context, pub Publisher, logger zerolog.Logger, eventType, resourceType, resourceID string, payload interface{}) {
	if pub == nil {
		return
	}
	evt, err := New(ctx, eventType, resourceType, resourceID, payload)
	if err != nil {
		logger.Error().Err(err).Str("event_type", eventType).Msg("failed to build event")
		return
	}
	db.AfterCommit(ctx, func() {
		if err := pub.Publish(ctx, evt); err != nil {
			logger.Warn().Err(err).
				Str("event_type", eventType).
				Str("resource_id", resourceID).
				Msg("failed to publish event")
		}
	})
}

// MemoryPublisher records events in memory.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(_ context.Context, evt Event) error {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// OfType returns the recorded events with the given type.
func (p *MemoryPublisher) OfType(eventType string) []Event {
	var out []Event
	for _, e := range p.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// LogPublisher writes events to the logger. Used when no broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, evt Event) error {
	p.logger.Info().
		Str("event_id", evt.ID).
		Str("event_type", evt.Type).
		Str("tenant", evt.TenantID).
		Str("resource_type", evt.ResourceType).
		Str("resource_id", evt.ResourceID).
		Str("actor_id", evt.ActorID).
		Msg("event")
	return nil
}
