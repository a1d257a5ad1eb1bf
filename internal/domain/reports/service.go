// Package reports renders approved results into PDF lab reports, stores them
// in the blob store and serves them to staff and, with the blood-sample
// passcode, to patients.
package reports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/identity"
	"github.com/lims/lims/internal/domain/results"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/blobstore"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/events"
)

const (
	reportReadyTemplate = "report-ready"
	numberRetries       = 3
)

type Results interface {
	Lookup(ctx context.Context, id uuid.UUID) (*results.Result, error)
	ApprovedForPatient(ctx context.Context, patientID uuid.UUID) ([]*results.Result, error)
}

type Patients interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*identity.Patient, error)
	VerifyPasscode(ctx context.Context, id uuid.UUID, passcode string) error
}

type Catalog interface {
	GetTest(ctx context.Context, id uuid.UUID) (*catalog.LabTest, error)
}

type Staff interface {
	GetUser(ctx context.Context, id uuid.UUID) (*identity.User, error)
}

type Notifier interface {
	Notify(ctx context.Context, templateID, recipient string, data map[string]string)
}

type Service struct {
	repo     ReportRepository
	tx       db.Transactor
	results  Results
	patients Patients
	catalog  Catalog
	staff    Staff
	blobs    blobstore.BlobStore
	renderer Renderer
	pub      events.Publisher
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

// Deps groups the collaborators of the report service.
type Deps struct {
	Repo     ReportRepository
	Tx       db.Transactor
	Results  Results
	Patients Patients
	Catalog  Catalog
	Staff    Staff
	Blobs    blobstore.BlobStore
	Renderer Renderer
	Pub      events.Publisher
	Notifier Notifier
	Logger   zerolog.Logger
}

func NewService(d Deps) *Service {
	return &Service{
		repo:     d.Repo,
		tx:       d.Tx,
		results:  d.Results,
		patients: d.Patients,
		catalog:  d.Catalog,
		staff:    d.Staff,
		blobs:    d.Blobs,
		renderer: d.Renderer,
		pub:      d.Pub,
		notifier: d.Notifier,
		logger:   d.Logger,
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

// collect resolves the results a report covers. With no IDs every approved
// result of the patient is used.
func (s *Service) collect(ctx context.Context, patientID uuid.UUID, ids []uuid.UUID) ([]*results.Result, error) {
	if len(ids) == 0 {
		all, err := s.results.ApprovedForPatient(ctx, patientID)
		if err != nil {
			return nil, err
		}
		if len(all) == 0 {
			return nil, fmt.Errorf("%w: patient has no approved results", ErrValidation)
		}
		return all, nil
	}

	seen := make(map[uuid.UUID]bool, len(ids))
	var out []*results.Result
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		res, err := s.results.Lookup(ctx, id)
		if errors.Is(err, results.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown result %s", ErrValidation, id)
		}
		if err != nil {
			return nil, err
		}
		if res.PatientID != patientID {
			return nil, fmt.Errorf("%w: result %s belongs to another patient", ErrValidation, id)
		}
		if res.Status != results.StatusApproved {
			return nil, fmt.Errorf("%w: result %s is %s, only approved results can be reported", ErrValidation, id, res.Status)
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *Service) userName(ctx context.Context, id *uuid.UUID, fallback string) string {
	if id == nil {
		return fallback
	}
	u, err := s.staff.GetUser(ctx, *id)
	if err != nil || u.FullName == "" {
		return fallback
	}
	return u.FullName
}

func (s *Service) sections(ctx context.Context, list []*results.Result) ([]Section, error) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].ReviewedAt, list[j].ReviewedAt
		if a == nil || b == nil {
			return b != nil
		}
		return a.Before(*b)
	})
	out := make([]Section, 0, len(list))
	for _, res := range list {
		test, err := s.catalog.GetTest(ctx, res.TestID)
		if err != nil {
			return nil, fmt.Errorf("load test %s: %w", res.TestID, err)
		}
		out = append(out, Section{
			Test:       test,
			Result:     res,
			Reviewer:   s.userName(ctx, res.ReviewedBy, "reviewing doctor"),
			Technician: s.userName(ctx, res.EnteredBy, ""),
		})
	}
	return out, nil
}

// GenerateReport renders the given approved results of a patient (all of
// them when resultIDs is empty), stores the PDF and records the report.
func (s *Service) GenerateReport(ctx context.Context, patientID uuid.UUID, resultIDs []uuid.UUID) (*Report, error) {
	patient, err := s.patients.GetPatient(ctx, patientID)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown patient", ErrValidation)
	}
	if err != nil {
		return nil, err
	}
	list, err := s.collect(ctx, patientID, resultIDs)
	if err != nil {
		return nil, err
	}
	sections, err := s.sections(ctx, list)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(list))
	for i, res := range list {
		ids[i] = res.ID
	}

	var rep *Report
	for attempt := 1; ; attempt++ {
		rep, err = s.store(ctx, patient, sections, ids)
		if !errors.Is(err, ErrConflict) || attempt == numberRetries {
			break
		}
		s.logger.Debug().Int("attempt", attempt).Msg("report number collision, retrying")
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("report_id", rep.ID.String()).
		Str("report_number", rep.ReportNumber).
		Int("results", len(ids)).
		Msg("report generated")
	s.notifyPatient(ctx, patient, rep)
	return rep, nil
}

// store renders under a fresh number, uploads the file and inserts the row.
// The blob is removed again when the insert fails.
func (s *Service) store(ctx context.Context, patient *identity.Patient, sections []Section, ids []uuid.UUID) (*Report, error) {
	now := s.now().UTC()
	number, err := NewReportNumber(now)
	if err != nil {
		return nil, err
	}
	pdf, err := s.renderer.Render(Document{
		ReportNumber: number,
		GeneratedAt:  now,
		Patient:      patient,
		Sections:     sections,
	})
	if err != nil {
		return nil, err
	}

	createdBy := ""
	if id := actorID(ctx); id != nil {
		createdBy = id.String()
	}
	meta, err := s.blobs.Upload(ctx, blobstore.BlobMetadata{
		FileName:    number + ".pdf",
		ContentType: "application/pdf",
		PatientID:   patient.ID.String(),
		Category:    blobstore.CategoryLabReport,
		CreatedBy:   createdBy,
	}, bytes.NewReader(pdf))
	if err != nil {
		return nil, fmt.Errorf("store report file: %w", err)
	}

	rep := &Report{
		ReportNumber: number,
		PatientID:    patient.ID,
		Status:       StatusGenerated,
		BlobID:       meta.ID,
		FileName:     meta.FileName,
		SizeBytes:    meta.Size,
		SHA256:       meta.Hash,
		ResultIDs:    ids,
		GeneratedBy:  actorID(ctx),
	}
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, rep); err != nil {
			return err
		}
		events.Emit(ctx, s.pub, s.logger, events.ReportGenerated, "report", rep.ID.String(), map[string]interface{}{
			"report_number": rep.ReportNumber,
			"patient_id":    rep.PatientID,
			"result_ids":    rep.ResultIDs,
		})
		return nil
	})
	if err != nil {
		if delErr := s.blobs.Delete(ctx, meta.ID); delErr != nil {
			s.logger.Warn().Err(delErr).Str("blob_id", meta.ID).Msg("failed to remove orphaned report file")
		}
		return nil, err
	}
	return rep, nil
}

func (s *Service) notifyPatient(ctx context.Context, p *identity.Patient, rep *Report) {
	if s.notifier == nil || p.Email == nil {
		return
	}
	s.notifier.Notify(ctx, reportReadyTemplate, *p.Email, map[string]string{
		"patient_name":  p.FullName(),
		"report_number": rep.ReportNumber,
	})
}

func (s *Service) GetReport(ctx context.Context, id uuid.UUID) (*Report, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListReports(ctx context.Context, patientID *uuid.UUID, limit, offset int) ([]*Report, int, error) {
	return s.repo.List(ctx, patientID, limit, offset)
}

func (s *Service) open(ctx context.Context, rep *Report) (io.ReadCloser, error) {
	rc, _, err := s.blobs.Download(ctx, rep.BlobID)
	if err != nil {
		return nil, fmt.Errorf("open report file %s: %w", rep.ReportNumber, err)
	}
	return rc, nil
}

// Download opens the PDF of a report. Voided reports are not served.
func (s *Service) Download(ctx context.Context, id uuid.UUID) (io.ReadCloser, *Report, error) {
	rep, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if rep.Status == StatusVoided {
		return nil, nil, ErrVoided
	}
	rc, err := s.open(ctx, rep)
	if err != nil {
		return nil, nil, err
	}
	return rc, rep, nil
}

// VoidReport withdraws a report. Only admins may void, and a reason is
// required. The file is kept for the audit trail.
func (s *Service) VoidReport(ctx context.Context, id uuid.UUID, reason string) (*Report, error) {
	if !auth.IsAdmin(ctx) {
		return nil, fmt.Errorf("%w: only admins may void reports", ErrForbidden)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrValidation)
	}
	rep, err := s.repo.Void(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("report_id", rep.ID.String()).
		Str("report_number", rep.ReportNumber).
		Msg("report voided")
	return rep, nil
}

// PublicLookup serves a report to a patient who knows its number and the
// blood-sample passcode. Failed passcodes count towards the same lockout as
// the bench check.
func (s *Service) PublicLookup(ctx context.Context, number, passcode string) (io.ReadCloser, *Report, error) {
	number, ok := NormalizeReportNumber(number)
	if !ok {
		return nil, nil, fmt.Errorf("%w: malformed report number", ErrValidation)
	}
	rep, err := s.repo.GetByNumber(ctx, number)
	if err != nil {
		return nil, nil, err
	}
	if rep.Status == StatusVoided {
		return nil, nil, ErrNotFound
	}
	if err := s.patients.VerifyPasscode(ctx, rep.PatientID, passcode); err != nil {
		return nil, nil, err
	}
	rc, err := s.open(ctx, rep)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info().
		Str("report_number", rep.ReportNumber).
		Msg("report retrieved with passcode")
	return rc, rep, nil
}
