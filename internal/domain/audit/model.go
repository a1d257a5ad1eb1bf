package audit

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
)

// AuditLog is one recorded API access.
type AuditLog struct {
	ID           uuid.UUID `db:"id" json:"id"`
	UserID       string    `db:"user_id" json:"user_id,omitempty"`
	UserRoles    []string  `db:"user_roles" json:"user_roles"`
	Action       string    `db:"action" json:"action"`
	ResourceType string    `db:"resource_type" json:"resource_type,omitempty"`
	ResourceID   string    `db:"resource_id" json:"resource_id,omitempty"`
	PatientID    string    `db:"patient_id" json:"patient_id,omitempty"`
	Method       string    `db:"method" json:"method"`
	Path         string    `db:"path" json:"path"`
	StatusCode   int       `db:"status_code" json:"status_code"`
	IPAddress    string    `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent    string    `db:"user_agent" json:"user_agent,omitempty"`
	RequestID    string    `db:"request_id" json:"request_id,omitempty"`
	RecordedAt   time.Time `db:"recorded_at" json:"recorded_at"`
}

// Filter narrows ListAuditLogs. Zero fields are ignored; To is exclusive.
type Filter struct {
	UserID       string
	ResourceType string
	PatientID    string
	From         *time.Time
	To           *time.Time
}
