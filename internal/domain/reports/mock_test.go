package reports

import (
	"context"
	"errors"
	"io"
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

// -- Mock Repository --

type mockReportRepo struct {
	items map[uuid.UUID]*Report
	// failCreate, when set, is returned by the next Create calls.
	failCreate []error
}

func newMockReportRepo() *mockReportRepo {
	return &mockReportRepo{items: make(map[uuid.UUID]*Report)}
}

func (m *mockReportRepo) Create(_ context.Context, r *Report) error {
	if len(m.failCreate) > 0 {
		err := m.failCreate[0]
		m.failCreate = m.failCreate[1:]
		return err
	}
	for _, existing := range m.items {
		if existing.ReportNumber == r.ReportNumber {
			return ErrConflict
		}
	}
	r.ID = uuid.New()
	r.GeneratedAt = time.Now()
	cp := *r
	m.items[r.ID] = &cp
	return nil
}

func (m *mockReportRepo) GetByID(_ context.Context, id uuid.UUID) (*Report, error) {
	r, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockReportRepo) GetByNumber(_ context.Context, number string) (*Report, error) {
	for _, r := range m.items {
		if r.ReportNumber == number {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockReportRepo) List(_ context.Context, patientID *uuid.UUID, limit, offset int) ([]*Report, int, error) {
	var out []*Report
	for _, r := range m.items {
		if patientID != nil && r.PatientID != *patientID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (m *mockReportRepo) Void(_ context.Context, id uuid.UUID, reason string) (*Report, error) {
	r, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status == StatusVoided {
		return nil, ErrVoided
	}
	r.Status = StatusVoided
	r.VoidReason = &reason
	cp := *r
	return &cp, nil
}

// -- Collaborators --

type stubResults struct {
	items map[uuid.UUID]*results.Result
}

func (s *stubResults) Lookup(_ context.Context, id uuid.UUID) (*results.Result, error) {
	r, ok := s.items[id]
	if !ok {
		return nil, results.ErrNotFound
	}
	return r, nil
}

func (s *stubResults) ApprovedForPatient(_ context.Context, patientID uuid.UUID) ([]*results.Result, error) {
	var out []*results.Result
	for _, r := range s.items {
		if r.PatientID == patientID && r.Status == results.StatusApproved {
			out = append(out, r)
		}
	}
	return out, nil
}

type stubPatients struct {
	patients map[uuid.UUID]*identity.Patient
	passcode string
	failures int
	maxFails int
}

func (s *stubPatients) GetPatient(_ context.Context, id uuid.UUID) (*identity.Patient, error) {
	p, ok := s.patients[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return p, nil
}

// VerifyPasscode locks after maxFails consecutive failures.
func (s *stubPatients) VerifyPasscode(_ context.Context, id uuid.UUID, passcode string) error {
	if _, ok := s.patients[id]; !ok {
		return identity.ErrNotFound
	}
	if s.maxFails > 0 && s.failures >= s.maxFails {
		return &identity.LockoutError{RetryAfter: 15 * time.Minute}
	}
	if passcode != s.passcode {
		s.failures++
		return identity.ErrInvalidPasscode
	}
	s.failures = 0
	return nil
}

type stubCatalog struct {
	tests map[uuid.UUID]*catalog.LabTest
}

func (s *stubCatalog) GetTest(_ context.Context, id uuid.UUID) (*catalog.LabTest, error) {
	t, ok := s.tests[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return t, nil
}

type stubStaff struct {
	users map[uuid.UUID]*identity.User
}

func (s *stubStaff) GetUser(_ context.Context, id uuid.UUID) (*identity.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return u, nil
}

type sentNotification struct {
	template  string
	recipient string
	data      map[string]string
}

type recordingNotifier struct {
	sent []sentNotification
}

func (n *recordingNotifier) Notify(_ context.Context, templateID, recipient string, data map[string]string) {
	n.sent = append(n.sent, sentNotification{template: templateID, recipient: recipient, data: data})
}

// failingBlobStore refuses uploads.
type failingBlobStore struct {
	*blobstore.InMemoryBlobStore
}

func (failingBlobStore) Upload(context.Context, blobstore.BlobMetadata, io.Reader) (*blobstore.BlobMetadata, error) {
	return nil, errors.New("object store unavailable")
}

// -- Fixture --

type fixture struct {
	svc      *Service
	repo     *mockReportRepo
	results  *stubResults
	patients *stubPatients
	catalog  *stubCatalog
	staff    *stubStaff
	blobs    *blobstore.InMemoryBlobStore
	pub      *events.MemoryPublisher
	notifier *recordingNotifier

	patient *identity.Patient
	other   *identity.Patient
	test    *catalog.LabTest
	doctor  *identity.User
	tech    *identity.User
	now     time.Time
}

const testPasscode = "204816"

func fptr(v float64) *float64 { return &v }
func sptr(v string) *string { return &v }

func newFixture() *fixture {
	f := &fixture{
		repo:     newMockReportRepo(),
		results:  &stubResults{items: map[uuid.UUID]*results.Result{}},
		patients: &stubPatients{patients: map[uuid.UUID]*identity.Patient{}, passcode: testPasscode},
		catalog:  &stubCatalog{tests: map[uuid.UUID]*catalog.LabTest{}},
		staff:    &stubStaff{users: map[uuid.UUID]*identity.User{}},
		blobs:    blobstore.NewInMemoryBlobStore(),
		pub:      events.NewMemoryPublisher(),
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 4, 2, 14, 30, 0, 0, time.UTC),
	}
	birth := time.Date(1985, 12, 10, 0, 0, 0, 0, time.UTC)
	f.patient = &identity.Patient{ID: uuid.New(), MRN: "LIMS-260402-ABCDEF", FirstName: "Ada", LastName: "Lovelace",
		BirthDate: &birth, Gender: "female", Email: sptr("ada@example.com"), Active: true}
	f.other = &identity.Patient{ID: uuid.New(), MRN: "LIMS-260402-GHJKLM", FirstName: "Alan", LastName: "Turing", Gender: "male", Active: true}
	f.patients.patients[f.patient.ID] = f.patient
	f.patients.patients[f.other.ID] = f.other

	f.test = &catalog.LabTest{ID: uuid.New(), Code: "CBC", Name: "Complete Blood Count", SampleType: "blood", Active: true}
	f.catalog.tests[f.test.ID] = f.test

	f.doctor = &identity.User{ID: uuid.New(), FullName: "Dr. Dana Reviewer", Role: auth.RoleDoctor, Active: true}
	f.tech = &identity.User{ID: uuid.New(), FullName: "Tess Tech", Role: auth.RoleTechnician, Active: true}
	f.staff.users[f.doctor.ID] = f.doctor
	f.staff.users[f.tech.ID] = f.tech

	renderer := NewPDFRenderer(LabInfo{Name: "Northside Lab", Address: "1 Main St", Phone: "555-0100"})
	renderer.compress = false
	f.svc = NewService(Deps{
		Repo:     f.repo,
		Tx:       db.NoopTransactor{},
		Results:  f.results,
		Patients: f.patients,
		Catalog:  f.catalog,
		Staff:    f.staff,
		Blobs:    f.blobs,
		Renderer: renderer,
		Pub:      f.pub,
		Notifier: f.notifier,
		Logger:   zerolog.Nop(),
	})
	f.svc.now = func() time.Time { return f.now }
	return f
}

// addResult stores a result of f.test for p in the given status.
func (f *fixture) addResult(p *identity.Patient, status string) *results.Result {
	reviewed := f.now.Add(-time.Hour)
	res := &results.Result{
		ID:           uuid.New(),
		AssignmentID: uuid.New(),
		PatientID:    p.ID,
		TestID:       f.test.ID,
		Status:       status,
		Values: []results.ResultValue{
			{ParameterID: uuid.New(), ParameterName: "WBC", Value: "12.8", Unit: "10^9/L", Flag: results.FlagHigh, RefLow: fptr(4.5), RefHigh: fptr(11)},
			{ParameterID: uuid.New(), ParameterName: "Appearance", Value: "Clear", Flag: results.FlagNormal, RefText: sptr("Clear")},
		},
		Interpretation: sptr("Mild leukocytosis."),
		EnteredBy:      &f.tech.ID,
	}
	if status == results.StatusApproved {
		res.ReviewedBy = &f.doctor.ID
		res.ReviewedAt = &reviewed
	}
	f.results.items[res.ID] = res
	return res
}

func as(u *identity.User) context.Context {
	return auth.WithIdentity(context.Background(), u.ID.String(), u.Role)
}

func adminCtx() context.Context {
	return auth.WithIdentity(context.Background(), uuid.NewString(), auth.RoleAdmin)
}
