// Package workflow owns lab test assignments and the status state machine
// that moves them from order to sign-off.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/identity"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/events"
)

// Patients resolves patients and verifies their blood-sample passcode.
type Patients interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*identity.Patient, error)
	VerifyPasscode(ctx context.Context, id uuid.UUID, passcode string) error
}

// Staff resolves staff accounts.
type Staff interface {
	GetUser(ctx context.Context, id uuid.UUID) (*identity.User, error)
}

// Catalog resolves tests and package contents.
type Catalog interface {
	GetTest(ctx context.Context, id uuid.UUID) (*catalog.LabTest, error)
	PackageTests(ctx context.Context, id uuid.UUID) ([]*catalog.LabTest, error)
}

type Service struct {
	repo     AssignmentRepository
	tx       db.Transactor
	patients Patients
	staff    Staff
	catalog  Catalog
	pub      events.Publisher
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo AssignmentRepository, tx db.Transactor, patients Patients, staff Staff, cat Catalog, pub events.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		tx:       tx,
		patients: patients,
		staff:    staff,
		catalog:  cat,
		pub:      pub,
		logger:   logger,
		now:      time.Now,
	}
}

func actorID(ctx context.Context) *uuid.UUID {
	id, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return nil
	}
	return &id
}

// isTechnicianOnly reports whether the caller's view is limited to their own
// assignments.
func isTechnicianOnly(ctx context.Context) bool {
	return !auth.HasRole(ctx, auth.RoleReceptionist, auth.RoleDoctor)
}

// checkWorker allows the assigned technician, or an admin, to act on a.
func checkWorker(ctx context.Context, a *Assignment) error {
	if auth.IsAdmin(ctx) {
		return nil
	}
	if id := actorID(ctx); id != nil && a.AssignedTo(*id) {
		return nil
	}
	return fmt.Errorf("%w: assignment is not assigned to you", ErrForbidden)
}

func (s *Service) checkVisible(ctx context.Context, a *Assignment) error {
	if !isTechnicianOnly(ctx) {
		return nil
	}
	if id := actorID(ctx); id != nil && a.AssignedTo(*id) {
		return nil
	}
	return fmt.Errorf("%w: assignment is not assigned to you", ErrForbidden)
}

func normalizePriority(p string) (string, error) {
	p = strings.ToLower(strings.TrimSpace(p))
	switch p {
	case "":
		return PriorityRoutine, nil
	case PriorityRoutine, PriorityUrgent, PriorityStat:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown priority %q", ErrValidation, p)
}

func (s *Service) activePatient(ctx context.Context, id uuid.UUID) error {
	p, err := s.patients.GetPatient(ctx, id)
	if errors.Is(err, identity.ErrNotFound) {
		return fmt.Errorf("%w: unknown patient", ErrValidation)
	}
	if err != nil {
		return err
	}
	if !p.Active {
		return fmt.Errorf("%w: patient is inactive", ErrValidation)
	}
	return nil
}

func (s *Service) activeTechnician(ctx context.Context, id uuid.UUID) error {
	u, err := s.staff.GetUser(ctx, id)
	if errors.Is(err, identity.ErrNotFound) {
		return fmt.Errorf("%w: unknown technician", ErrValidation)
	}
	if err != nil {
		return err
	}
	if u.Role != auth.RoleTechnician || !u.Active {
		return fmt.Errorf("%w: %s is not an active technician", ErrValidation, u.Email)
	}
	return nil
}

// -- Creation --

func (s *Service) newAssignment(patientID uuid.UUID, test *catalog.LabTest, technicianID *uuid.UUID, priority string, notes *string, dueAt *time.Time, createdBy *uuid.UUID) *Assignment {
	now := s.now().UTC()
	a := &Assignment{
		PatientID:    patientID,
		TestID:       test.ID,
		TechnicianID: technicianID,
		Status:       StatusPending,
		Priority:     priority,
		Notes:        notes,
		DueAt:        dueAt,
		CreatedBy:    createdBy,
	}
	if a.DueAt == nil {
		due := now.Add(time.Duration(test.TurnaroundHours) * time.Hour)
		a.DueAt = &due
	}
	if technicianID != nil {
		a.Status = StatusAssigned
		a.AssignedAt = &now
	}
	return a
}

func (s *Service) insert(ctx context.Context, a *Assignment) error {
	if err := s.repo.Create(ctx, a); err != nil {
		return err
	}
	return s.repo.AddHistory(ctx, &StatusChange{
		AssignmentID: a.ID,
		ToStatus:     a.Status,
		ChangedBy:    a.CreatedBy,
	})
}

func (s *Service) resolveTest(ctx context.Context, id uuid.UUID) (*catalog.LabTest, error) {
	t, err := s.catalog.GetTest(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown test", ErrValidation)
	}
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, fmt.Errorf("%w: test %s is inactive", ErrValidation, t.Code)
	}
	return t, nil
}

// CreateAssignment orders one test for a patient. With a technician the
// assignment starts ASSIGNED, otherwise PENDING. DueAt defaults to now plus
// the test's turnaround time.
func (s *Service) CreateAssignment(ctx context.Context, in NewAssignment) (*Assignment, error) {
	priority, err := normalizePriority(in.Priority)
	if err != nil {
		return nil, err
	}
	if err := s.activePatient(ctx, in.PatientID); err != nil {
		return nil, err
	}
	test, err := s.resolveTest(ctx, in.TestID)
	if err != nil {
		return nil, err
	}
	if in.TechnicianID != nil {
		if err := s.activeTechnician(ctx, *in.TechnicianID); err != nil {
			return nil, err
		}
	}

	a := s.newAssignment(in.PatientID, test, in.TechnicianID, priority, in.Notes, in.DueAt, actorID(ctx))
	if err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		return s.insert(ctx, a)
	}); err != nil {
		return nil, err
	}
	s.emitCreated(ctx, a)
	return a, nil
}

// AssignPackage creates one assignment per active test of the package, all
// in one transaction.
func (s *Service) AssignPackage(ctx context.Context, in NewPackageAssignment) ([]*Assignment, error) {
	priority, err := normalizePriority(in.Priority)
	if err != nil {
		return nil, err
	}
	if err := s.activePatient(ctx, in.PatientID); err != nil {
		return nil, err
	}
	tests, err := s.catalog.PackageTests(ctx, in.PackageID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown package", ErrValidation)
	}
	if errors.Is(err, catalog.ErrValidation) {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err != nil {
		return nil, err
	}
	if in.TechnicianID != nil {
		if err := s.activeTechnician(ctx, *in.TechnicianID); err != nil {
			return nil, err
		}
	}

	createdBy := actorID(ctx)
	pkgID := in.PackageID
	created := make([]*Assignment, 0, len(tests))
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		for _, t := range tests {
			a := s.newAssignment(in.PatientID, t, in.TechnicianID, priority, in.Notes, nil, createdBy)
			a.PackageID = &pkgID
			if err := s.insert(ctx, a); err != nil {
				return err
			}
			created = append(created, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, a := range created {
		s.emitCreated(ctx, a)
	}
	return created, nil
}

func (s *Service) emitCreated(ctx context.Context, a *Assignment) {
	events.Emit(ctx, s.pub, s.logger, events.AssignmentCreated, "assignment", a.ID.String(), map[string]interface{}{
		"patient_id": a.PatientID,
		"test_id":    a.TestID,
		"status":     a.Status,
		"priority":   a.Priority,
	})
}

// -- Transitions --

// Statuses Cancel may leave. Work that reached COMPLETED is reviewed or
// reopened, never cancelled.
var cancellable = []string{StatusPending, StatusAssigned, StatusInProgress}

// transition loads the assignment and refuses the move unless it starts from
// one of sources and the state machine allows it. Several operations share a
// target status (Start, Reopen and ReturnForRework all lead to IN_PROGRESS),
// so sources pins each operation to the statuses it is meant to leave. apply
// may adjust fields or refuse; the write is a compare-and-set on the previous
// status and records the history row.
func (s *Service) transition(ctx context.Context, id uuid.UUID, sources []string, to, reason string, apply func(ctx context.Context, a *Assignment) error) (*Assignment, error) {
	var (
		result *Assignment
		from   string
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		a, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		from = a.Status
		if !slices.Contains(sources, from) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		if err := ValidateTransition(from, to); err != nil {
			return err
		}
		if apply != nil {
			if err := apply(ctx, a); err != nil {
				return err
			}
		}
		s.stamp(a, from, to)
		if err := s.repo.UpdateStatus(ctx, a, from); err != nil {
			return err
		}
		change := &StatusChange{
			AssignmentID: a.ID,
			FromStatus:   &from,
			ToStatus:     to,
			ChangedBy:    actorID(ctx),
		}
		if reason != "" {
			change.Reason = &reason
		}
		if err := s.repo.AddHistory(ctx, change); err != nil {
			return err
		}
		events.Emit(ctx, s.pub, s.logger, events.AssignmentStatusChanged, "assignment", a.ID.String(), map[string]interface{}{
			"from":          from,
			"to":            to,
			"reason":        reason,
			"technician_id": a.TechnicianID,
		})
		result = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug().
		Str("assignment_id", id.String()).
		Str("from", from).
		Str("to", to).
		Msg("assignment status changed")
	return result, nil
}

// stamp maintains the lifecycle timestamps for a move between statuses.
func (s *Service) stamp(a *Assignment, from, to string) {
	now := s.now().UTC()
	a.Status = to
	switch to {
	case StatusAssigned:
		a.AssignedAt = &now
	case StatusPending:
		a.TechnicianID = nil
		a.AssignedAt = nil
	case StatusInProgress:
		switch from {
		case StatusAssigned:
			a.StartedAt = &now
		case StatusCompleted:
			a.CompletedAt = nil
		case StatusSubmitted:
			a.CompletedAt = nil
			a.SubmittedAt = nil
		}
	case StatusCompleted:
		a.CompletedAt = &now
	case StatusSubmitted:
		a.SubmittedAt = &now
	}
}

// AssignTechnician assigns or reassigns a PENDING or ASSIGNED assignment.
func (s *Service) AssignTechnician(ctx context.Context, id, technicianID uuid.UUID) (*Assignment, error) {
	if err := s.activeTechnician(ctx, technicianID); err != nil {
		return nil, err
	}
	return s.transition(ctx, id, []string{StatusPending, StatusAssigned}, StatusAssigned, "", func(_ context.Context, a *Assignment) error {
		tid := technicianID
		a.TechnicianID = &tid
		return nil
	})
}

// Unassign returns an ASSIGNED assignment to the PENDING pool.
func (s *Service) Unassign(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	return s.transition(ctx, id, []string{StatusAssigned}, StatusPending, "", nil)
}

// Start begins work on the sample. Only the assigned technician (or an
// admin) may start, and only with the patient's current blood-sample
// passcode.
func (s *Service) Start(ctx context.Context, id uuid.UUID, passcode string) (*Assignment, error) {
	return s.transition(ctx, id, []string{StatusAssigned}, StatusInProgress, "", func(ctx context.Context, a *Assignment) error {
		if err := checkWorker(ctx, a); err != nil {
			return err
		}
		return s.patients.VerifyPasscode(ctx, a.PatientID, passcode)
	})
}

// MarkCompleted records that all measurements were taken.
func (s *Service) MarkCompleted(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	return s.transition(ctx, id, []string{StatusInProgress}, StatusCompleted, "", func(ctx context.Context, a *Assignment) error {
		return checkWorker(ctx, a)
	})
}

// Reopen moves a COMPLETED assignment back to IN_PROGRESS for corrections.
func (s *Service) Reopen(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	return s.transition(ctx, id, []string{StatusCompleted}, StatusInProgress, "reopened", func(ctx context.Context, a *Assignment) error {
		return checkWorker(ctx, a)
	})
}

// Submit hands a COMPLETED assignment to doctor review.
func (s *Service) Submit(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	return s.transition(ctx, id, []string{StatusCompleted}, StatusSubmitted, "", func(ctx context.Context, a *Assignment) error {
		return checkWorker(ctx, a)
	})
}

// ReturnForRework sends a SUBMITTED assignment back to the technician after
// a doctor rejected its result.
func (s *Service) ReturnForRework(ctx context.Context, id uuid.UUID, reason string) (*Assignment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrValidation)
	}
	if !auth.HasRole(ctx, auth.RoleDoctor) {
		return nil, fmt.Errorf("%w: only doctors may return work", ErrForbidden)
	}
	return s.transition(ctx, id, []string{StatusSubmitted}, StatusInProgress, reason, nil)
}

// Cancel stops an assignment that has not been completed. The reason is
// required and kept on the assignment.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Assignment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrValidation)
	}
	return s.transition(ctx, id, cancellable, StatusCancelled, reason, func(_ context.Context, a *Assignment) error {
		a.CancelReason = &reason
		return nil
	})
}

// -- Queries --

// Lookup returns an assignment without the caller visibility check. Other
// domain services use it after applying their own authorization.
func (s *Service) Lookup(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetAssignment(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkVisible(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ListAssignments lists assignments matching f. Technicians only ever see
// their own, whatever the filter says.
func (s *Service) ListAssignments(ctx context.Context, f Filter, limit, offset int) ([]*Assignment, int, error) {
	if f.Status != "" && !ValidStatus(f.Status) {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrValidation, f.Status)
	}
	if f.Mine || isTechnicianOnly(ctx) {
		id := actorID(ctx)
		if id == nil {
			return nil, 0, fmt.Errorf("%w: no caller identity", ErrForbidden)
		}
		f.TechnicianID = id
	}
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) StatusHistory(ctx context.Context, id uuid.UUID) ([]*StatusChange, error) {
	if _, err := s.GetAssignment(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, id)
}
