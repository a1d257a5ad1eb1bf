// Package audit stores the access trail written by the audit middleware and
// lets admins search it.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/middleware"
)

type Service struct {
	repo   AuditRepository
	logger zerolog.Logger
}

func NewService(repo AuditRepository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// RecordAccess persists one middleware entry. It satisfies
// middleware.AuditRecorder.
func (s *Service) RecordAccess(ctx context.Context, e middleware.AuditEntry) error {
	at := e.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return s.repo.Insert(ctx, &AuditLog{
		UserID:       e.UserID,
		UserRoles:    e.UserRoles,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		PatientID:    e.PatientID,
		Method:       e.Method,
		Path:         e.Path,
		StatusCode:   e.StatusCode,
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		RequestID:    e.RequestID,
		RecordedAt:   at,
	})
}

func (s *Service) ListAuditLogs(ctx context.Context, f Filter, limit, offset int) ([]*AuditLog, int, error) {
	if !auth.IsAdmin(ctx) {
		return nil, 0, fmt.Errorf("%w: audit log is restricted to admins", ErrForbidden)
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return nil, 0, fmt.Errorf("%w: from must be before to", ErrValidation)
	}
	return s.repo.List(ctx, f, limit, offset)
}
