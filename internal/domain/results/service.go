// Package results captures the measured values of an assignment and routes
// them through doctor review. Result and assignment status move together:
// every operation that changes both runs in one transaction.
package results

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/identity"
	"github.com/lims/lims/internal/domain/workflow"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/events"
)

// Notification templates sent after a review decision.
const (
	resultReadyTemplate    = "result-ready"
	resultRejectedTemplate = "result-rejected"
)

// Assignments is the part of the workflow service results drive.
type Assignments interface {
	Lookup(ctx context.Context, id uuid.UUID) (*workflow.Assignment, error)
	Reopen(ctx context.Context, id uuid.UUID) (*workflow.Assignment, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) (*workflow.Assignment, error)
	Submit(ctx context.Context, id uuid.UUID) (*workflow.Assignment, error)
	ReturnForRework(ctx context.Context, id uuid.UUID, reason string) (*workflow.Assignment, error)
}

type Catalog interface {
	GetTest(ctx context.Context, id uuid.UUID) (*catalog.LabTest, error)
}

type Patients interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*identity.Patient, error)
}

type Staff interface {
	GetUser(ctx context.Context, id uuid.UUID) (*identity.User, error)
}

// Notifier sends a templated notification and logs its own failures.
type Notifier interface {
	Notify(ctx context.Context, templateID, recipient string, data map[string]string)
}

type Service struct {
	repo        ResultRepository
	tx          db.Transactor
	assignments Assignments
	catalog     Catalog
	patients    Patients
	staff       Staff
	pub         events.Publisher
	notifier    Notifier
	logger      zerolog.Logger
	now         func() time.Time
}

func NewService(repo ResultRepository, tx db.Transactor, assignments Assignments, cat Catalog, patients Patients, staff Staff, pub events.Publisher, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		repo:        repo,
		tx:          tx,
		assignments: assignments,
		catalog:     cat,
		patients:    patients,
		staff:       staff,
		pub:         pub,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
	}
}

func actorID(ctx context.Context) *uuid.UUID {
	id, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return nil
	}
	return &id
}

func checkWorker(ctx context.Context, a *workflow.Assignment) error {
	if auth.IsAdmin(ctx) {
		return nil
	}
	if id := actorID(ctx); id != nil && a.AssignedTo(*id) {
		return nil
	}
	return fmt.Errorf("%w: assignment is not assigned to you", ErrForbidden)
}

func checkReviewer(ctx context.Context) error {
	if !auth.HasRole(ctx, auth.RoleDoctor) {
		return fmt.Errorf("%w: only doctors may review results", ErrForbidden)
	}
	return nil
}

// buildValues evaluates the readings against the test's parameters, ordered
// as the catalog orders them.
func buildValues(test *catalog.LabTest, in []ValueInput, complete bool) ([]ResultValue, error) {
	seen := make(map[uuid.UUID]bool, len(in))
	values := make([]ResultValue, 0, len(in))
	order := make(map[uuid.UUID]int, len(test.Parameters))
	for _, v := range in {
		p, ok := test.Parameter(v.ParameterID)
		if !ok {
			return nil, fmt.Errorf("%w: parameter %s does not belong to test %s", ErrValidation, v.ParameterID, test.Code)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("%w: duplicate value for %s", ErrValidation, p.Name)
		}
		if strings.TrimSpace(v.Value) == "" {
			return nil, fmt.Errorf("%w: value for %s is empty", ErrValidation, p.Name)
		}
		seen[p.ID] = true
		order[p.ID] = p.SortOrder
		values = append(values, Evaluate(p, v.Value))
	}
	if complete {
		var missing []string
		for _, p := range test.Parameters {
			if !seen[p.ID] {
				missing = append(missing, p.Name)
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: missing values for %s", ErrValidation, strings.Join(missing, ", "))
		}
	}
	sort.SliceStable(values, func(i, j int) bool {
		return order[values[i].ParameterID] < order[values[j].ParameterID]
	})
	return values, nil
}

// SaveResult records the readings of an assignment. The assignment must be
// IN_PROGRESS; a COMPLETED assignment is reopened first. A REJECTED result
// returns to DRAFT. With in.Complete every parameter must have a value and
// the assignment moves to COMPLETED.
func (s *Service) SaveResult(ctx context.Context, assignmentID uuid.UUID, in SaveInput) (*Result, error) {
	var saved *Result
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		a, err := s.assignments.Lookup(ctx, assignmentID)
		if err != nil {
			return err
		}
		if err := checkWorker(ctx, a); err != nil {
			return err
		}
		if a.Status != workflow.StatusInProgress && a.Status != workflow.StatusCompleted {
			return fmt.Errorf("%w: assignment is %s", workflow.ErrInvalidTransition, a.Status)
		}
		test, err := s.catalog.GetTest(ctx, a.TestID)
		if err != nil {
			return err
		}
		values, err := buildValues(test, in.Values, in.Complete)
		if err != nil {
			return err
		}
		if a.Status == workflow.StatusCompleted {
			if _, err := s.assignments.Reopen(ctx, a.ID); err != nil {
				return err
			}
		}

		res, err := s.repo.GetByAssignment(ctx, a.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			res = &Result{
				AssignmentID: a.ID,
				PatientID:    a.PatientID,
				TestID:       a.TestID,
				Status:       StatusDraft,
			}
		case err != nil:
			return err
		}
		from := res.Status
		if err := ValidateTransition(from, StatusDraft); err != nil {
			return err
		}
		res.Status = StatusDraft
		res.Values = values
		res.Interpretation = trimmed(in.Interpretation)
		res.EnteredBy = actorID(ctx)

		if res.ID == uuid.Nil {
			err = s.repo.Create(ctx, res)
		} else {
			err = s.repo.Update(ctx, res, from)
		}
		if err != nil {
			return err
		}
		if in.Complete {
			if _, err := s.assignments.MarkCompleted(ctx, a.ID); err != nil {
				return err
			}
		}
		saved = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// SubmitResult hands the DRAFT result of a COMPLETED assignment to review.
func (s *Service) SubmitResult(ctx context.Context, assignmentID uuid.UUID) (*Result, error) {
	var submitted *Result
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		a, err := s.assignments.Lookup(ctx, assignmentID)
		if err != nil {
			return err
		}
		if err := checkWorker(ctx, a); err != nil {
			return err
		}
		res, err := s.repo.GetByAssignment(ctx, a.ID)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: no result recorded for this assignment", ErrValidation)
		}
		if err != nil {
			return err
		}
		if err := ValidateTransition(res.Status, StatusSubmitted); err != nil {
			return err
		}
		if len(res.Values) == 0 {
			return fmt.Errorf("%w: result has no values", ErrValidation)
		}
		if _, err := s.assignments.Submit(ctx, a.ID); err != nil {
			return err
		}
		now := s.now().UTC()
		res.Status = StatusSubmitted
		res.SubmittedAt = &now
		if err := s.repo.Update(ctx, res, StatusDraft); err != nil {
			return err
		}
		events.Emit(ctx, s.pub, s.logger, events.ResultSubmitted, "result", res.ID.String(), map[string]interface{}{
			"assignment_id": a.ID,
			"abnormal":      res.Abnormal(),
		})
		submitted = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return submitted, nil
}

// review applies a doctor's decision to a SUBMITTED result.
func (s *Service) review(ctx context.Context, id uuid.UUID, to string, comment *string, after func(ctx context.Context, res *Result) error) (*Result, error) {
	if err := checkReviewer(ctx); err != nil {
		return nil, err
	}
	var reviewed *Result
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		res, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := ValidateTransition(res.Status, to); err != nil {
			return err
		}
		now := s.now().UTC()
		res.Status = to
		res.ReviewedBy = actorID(ctx)
		res.ReviewedAt = &now
		res.ReviewComment = comment
		if err := s.repo.Update(ctx, res, StatusSubmitted); err != nil {
			return err
		}
		if after != nil {
			if err := after(ctx, res); err != nil {
				return err
			}
		}
		reviewed = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reviewed, nil
}

// Approve signs off a SUBMITTED result. Approved results are final.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, comment string) (*Result, error) {
	res, err := s.review(ctx, id, StatusApproved, trimmed(&comment), func(ctx context.Context, res *Result) error {
		events.Emit(ctx, s.pub, s.logger, events.ResultApproved, "result", res.ID.String(), map[string]interface{}{
			"assignment_id": res.AssignmentID,
			"patient_id":    res.PatientID,
			"abnormal":      res.Abnormal(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyPatient(ctx, res)
	return res, nil
}

// Reject returns a SUBMITTED result to the technician. The assignment goes
// back to IN_PROGRESS in the same transaction.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, reason string) (*Result, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrValidation)
	}
	var technicianID *uuid.UUID
	res, err := s.review(ctx, id, StatusRejected, &reason, func(ctx context.Context, res *Result) error {
		a, err := s.assignments.ReturnForRework(ctx, res.AssignmentID, reason)
		if err != nil {
			return err
		}
		technicianID = a.TechnicianID
		events.Emit(ctx, s.pub, s.logger, events.ResultRejected, "result", res.ID.String(), map[string]interface{}{
			"assignment_id": res.AssignmentID,
			"reason":        reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyTechnician(ctx, res, technicianID, reason)
	return res, nil
}

func (s *Service) testName(ctx context.Context, id uuid.UUID) string {
	t, err := s.catalog.GetTest(ctx, id)
	if err != nil {
		return "lab test"
	}
	return t.Name
}

func (s *Service) notifyPatient(ctx context.Context, res *Result) {
	if s.notifier == nil {
		return
	}
	p, err := s.patients.GetPatient(ctx, res.PatientID)
	if err != nil {
		s.logger.Warn().Err(err).Str("result_id", res.ID.String()).Msg("patient lookup for notification failed")
		return
	}
	if p.Email == nil {
		return
	}
	s.notifier.Notify(ctx, resultReadyTemplate, *p.Email, map[string]string{
		"patient_name": p.FullName(),
		"test_name":    s.testName(ctx, res.TestID),
	})
}

func (s *Service) notifyTechnician(ctx context.Context, res *Result, technicianID *uuid.UUID, reason string) {
	if s.notifier == nil || technicianID == nil {
		return
	}
	tech, err := s.staff.GetUser(ctx, *technicianID)
	if err != nil {
		s.logger.Warn().Err(err).Str("result_id", res.ID.String()).Msg("technician lookup for notification failed")
		return
	}
	reviewer := "the reviewing doctor"
	if id := actorID(ctx); id != nil {
		if u, err := s.staff.GetUser(ctx, *id); err == nil {
			reviewer = u.FullName
		}
	}
	patient := "the patient"
	if p, err := s.patients.GetPatient(ctx, res.PatientID); err == nil {
		patient = p.FullName()
	}
	s.notifier.Notify(ctx, resultRejectedTemplate, tech.Email, map[string]string{
		"test_name":    s.testName(ctx, res.TestID),
		"patient_name": patient,
		"reviewer":     reviewer,
		"reason":       reason,
	})
}

// -- Queries --

// checkVisible lets doctors see every result and technicians the results of
// their own assignments.
func (s *Service) checkVisible(ctx context.Context, res *Result) error {
	if auth.HasRole(ctx, auth.RoleDoctor) {
		return nil
	}
	if !auth.HasRole(ctx, auth.RoleTechnician) {
		return fmt.Errorf("%w: results are available through reports", ErrForbidden)
	}
	a, err := s.assignments.Lookup(ctx, res.AssignmentID)
	if err != nil {
		return err
	}
	return checkWorker(ctx, a)
}

func (s *Service) GetResult(ctx context.Context, id uuid.UUID) (*Result, error) {
	res, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkVisible(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) GetByAssignment(ctx context.Context, assignmentID uuid.UUID) (*Result, error) {
	res, err := s.repo.GetByAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if err := s.checkVisible(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// ListResults is the doctor's review list. Filter by SUBMITTED for the queue.
func (s *Service) ListResults(ctx context.Context, f Filter, limit, offset int) ([]*Result, int, error) {
	if err := checkReviewer(ctx); err != nil {
		return nil, 0, err
	}
	if f.Status != "" && !ValidStatus(f.Status) {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrValidation, f.Status)
	}
	return s.repo.List(ctx, f, limit, offset)
}

// Lookup returns a result without the caller visibility check, for the
// report generator.
func (s *Service) Lookup(ctx context.Context, id uuid.UUID) (*Result, error) {
	return s.repo.GetByID(ctx, id)
}

// ApprovedForPatient returns every approved result of a patient.
func (s *Service) ApprovedForPatient(ctx context.Context, patientID uuid.UUID) ([]*Result, error) {
	const page = 100
	var all []*Result
	for offset := 0; ; offset += page {
		items, total, err := s.repo.List(ctx, Filter{Status: StatusApproved, PatientID: &patientID}, page, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if offset+page >= total || len(items) == 0 {
			return all, nil
		}
	}
}
