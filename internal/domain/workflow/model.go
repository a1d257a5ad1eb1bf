package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("assignment was modified concurrently")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Assignment statuses.
const (
	StatusPending    = "PENDING"
	StatusAssigned   = "ASSIGNED"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusSubmitted  = "SUBMITTED"
	StatusCancelled  = "CANCELLED"
)

// Priorities.
const (
	PriorityRoutine = "routine"
	PriorityUrgent  = "urgent"
	PriorityStat    = "stat"
)

// -- Assignment State Machine --

// transitions lists the statuses reachable from each status.
var transitions = map[string][]string{
	StatusPending:    {StatusAssigned, StatusCancelled},
	StatusAssigned:   {StatusAssigned, StatusPending, StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  {StatusSubmitted, StatusInProgress},
	StatusSubmitted:  {StatusInProgress},
	StatusCancelled:  {},
}

// ValidStatus reports whether s is a known assignment status.
func ValidStatus(s string) bool {
	_, ok := transitions[s]
	return ok
}

// ValidateTransition returns ErrInvalidTransition unless the table allows
// moving from one status to the other.
func ValidateTransition(from, to string) error {
	allowed, ok := transitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %s", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Assignment links a patient, a test and (once assigned) a technician.
type Assignment struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	PatientID    uuid.UUID  `db:"patient_id" json:"patient_id"`
	TestID       uuid.UUID  `db:"test_id" json:"test_id"`
	PackageID    *uuid.UUID `db:"package_id" json:"package_id,omitempty"`
	TechnicianID *uuid.UUID `db:"technician_id" json:"technician_id,omitempty"`
	Status       string     `db:"status" json:"status"`
	Priority     string     `db:"priority" json:"priority"`
	Notes        *string    `db:"notes" json:"notes,omitempty"`
	DueAt        *time.Time `db:"due_at" json:"due_at,omitempty"`
	AssignedAt   *time.Time `db:"assigned_at" json:"assigned_at,omitempty"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	SubmittedAt  *time.Time `db:"submitted_at" json:"submitted_at,omitempty"`
	CancelReason *string    `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CreatedBy    *uuid.UUID `db:"created_by" json:"created_by,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// AssignedTo reports whether the assignment is held by the given user.
func (a *Assignment) AssignedTo(userID uuid.UUID) bool {
	return a.TechnicianID != nil && *a.TechnicianID == userID
}

// StatusChange is one row of an assignment's status history. FromStatus is
// nil for the creation entry.
type StatusChange struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	AssignmentID uuid.UUID  `db:"assignment_id" json:"assignment_id"`
	FromStatus   *string    `db:"from_status" json:"from_status,omitempty"`
	ToStatus     string     `db:"to_status" json:"to_status"`
	ChangedBy    *uuid.UUID `db:"changed_by" json:"changed_by,omitempty"`
	Reason       *string    `db:"reason" json:"reason,omitempty"`
	ChangedAt    time.Time  `db:"changed_at" json:"changed_at"`
}

// Filter narrows ListAssignments.
type Filter struct {
	Status       string
	PatientID    *uuid.UUID
	TechnicianID *uuid.UUID
	TestID       *uuid.UUID
	// Mine restricts the list to the caller's own assignments.
	Mine bool
}

// NewAssignment is the input of CreateAssignment.
type NewAssignment struct {
	PatientID    uuid.UUID
	TestID       uuid.UUID
	TechnicianID *uuid.UUID
	Priority     string
	Notes        *string
	DueAt        *time.Time
}

// NewPackageAssignment is the input of AssignPackage.
type NewPackageAssignment struct {
	PatientID    uuid.UUID
	PackageID    uuid.UUID
	TechnicianID *uuid.UUID
	Priority     string
	Notes        *string
}
