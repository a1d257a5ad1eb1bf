package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/identity"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/events"
)

// -- Mock Repository --

type mockAssignmentRepo struct {
	items   map[uuid.UUID]*Assignment
	history []*StatusChange
	// racer, when set, changes the stored status just before a CAS write.
	racer func(a *Assignment)
}

func newMockAssignmentRepo() *mockAssignmentRepo {
	return &mockAssignmentRepo{items: make(map[uuid.UUID]*Assignment)}
}

func (m *mockAssignmentRepo) Create(_ context.Context, a *Assignment) error {
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.items[a.ID] = &cp
	return nil
}

func (m *mockAssignmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Assignment, error) {
	a, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAssignmentRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Assignment, int, error) {
	var result []*Assignment
	for _, a := range m.items {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.TechnicianID != nil && !a.AssignedTo(*f.TechnicianID) {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	return result, len(result), nil
}

func (m *mockAssignmentRepo) UpdateStatus(_ context.Context, a *Assignment, from string) error {
	stored, ok := m.items[a.ID]
	if !ok {
		return ErrNotFound
	}
	if m.racer != nil {
		m.racer(stored)
	}
	if stored.Status != from {
		return ErrConflict
	}
	a.UpdatedAt = time.Now()
	cp := *a
	m.items[a.ID] = &cp
	return nil
}

func (m *mockAssignmentRepo) AddHistory(_ context.Context, h *StatusChange) error {
	h.ID = uuid.New()
	h.ChangedAt = time.Now()
	m.history = append(m.history, h)
	return nil
}

func (m *mockAssignmentRepo) History(_ context.Context, id uuid.UUID) ([]*StatusChange, error) {
	var out []*StatusChange
	for _, h := range m.history {
		if h.AssignmentID == id {
			out = append(out, h)
		}
	}
	return out, nil
}

// -- Collaborators --

type stubPatients struct {
	patients  map[uuid.UUID]*identity.Patient
	passcode  string
	verifyErr error
}

func (s *stubPatients) GetPatient(_ context.Context, id uuid.UUID) (*identity.Patient, error) {
	p, ok := s.patients[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return p, nil
}

func (s *stubPatients) VerifyPasscode(_ context.Context, id uuid.UUID, passcode string) error {
	if s.verifyErr != nil {
		return s.verifyErr
	}
	if _, ok := s.patients[id]; !ok {
		return identity.ErrNotFound
	}
	if passcode != s.passcode {
		return identity.ErrInvalidPasscode
	}
	return nil
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

type stubCatalog struct {
	tests    map[uuid.UUID]*catalog.LabTest
	packages map[uuid.UUID][]uuid.UUID
}

func (s *stubCatalog) GetTest(_ context.Context, id uuid.UUID) (*catalog.LabTest, error) {
	t, ok := s.tests[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return t, nil
}

func (s *stubCatalog) PackageTests(_ context.Context, id uuid.UUID) ([]*catalog.LabTest, error) {
	ids, ok := s.packages[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	var out []*catalog.LabTest
	for _, tid := range ids {
		if t := s.tests[tid]; t != nil && t.Active {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, catalog.ErrValidation
	}
	return out, nil
}

// -- Fixture --

type fixture struct {
	svc      *Service
	repo     *mockAssignmentRepo
	patients *stubPatients
	staff    *stubStaff
	catalog  *stubCatalog
	pub      *events.MemoryPublisher

	patient   *identity.Patient
	test      *catalog.LabTest
	tech      *identity.User
	otherTech *identity.User
	reception *identity.User
	doctor    *identity.User
	now       time.Time
}

const testPasscode = "482913"

func newFixture() *fixture {
	f := &fixture{
		repo:     newMockAssignmentRepo(),
		patients: &stubPatients{patients: map[uuid.UUID]*identity.Patient{}, passcode: testPasscode},
		staff:    &stubStaff{users: map[uuid.UUID]*identity.User{}},
		catalog:  &stubCatalog{tests: map[uuid.UUID]*catalog.LabTest{}, packages: map[uuid.UUID][]uuid.UUID{}},
		pub:      events.NewMemoryPublisher(),
		now:      time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC),
	}
	f.patient = &identity.Patient{ID: uuid.New(), FirstName: "Ada", LastName: "Lovelace", Active: true}
	f.patients.patients[f.patient.ID] = f.patient
	f.test = &catalog.LabTest{ID: uuid.New(), Code: "CBC", Name: "Complete Blood Count", TurnaroundHours: 6, Active: true}
	f.catalog.tests[f.test.ID] = f.test
	f.tech = f.addUser(auth.RoleTechnician)
	f.otherTech = f.addUser(auth.RoleTechnician)
	f.reception = f.addUser(auth.RoleReceptionist)
	f.doctor = f.addUser(auth.RoleDoctor)

	f.svc = NewService(f.repo, db.NoopTransactor{}, f.patients, f.staff, f.catalog, f.pub, zerolog.Nop())
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) addUser(role string) *identity.User {
	u := &identity.User{ID: uuid.New(), Email: role + "-" + uuid.NewString()[:8] + "@lab.test", Role: role, Active: true}
	f.staff.users[u.ID] = u
	return u
}

func as(u *identity.User) context.Context {
	return auth.WithIdentity(context.Background(), u.ID.String(), u.Role)
}

func adminCtx() context.Context {
	return auth.WithIdentity(context.Background(), uuid.NewString(), auth.RoleAdmin)
}

// assigned creates an assignment held by f.tech.
func (f *fixture) assigned() *Assignment {
	tid := f.tech.ID
	a, err := f.svc.CreateAssignment(as(f.reception), NewAssignment{PatientID: f.patient.ID, TestID: f.test.ID, TechnicianID: &tid})
	if err != nil {
		panic(err)
	}
	return a
}

// inProgress returns an assignment f.tech has started.
func (f *fixture) inProgress() *Assignment {
	a := f.assigned()
	a, err := f.svc.Start(as(f.tech), a.ID, testPasscode)
	if err != nil {
		panic(err)
	}
	return a
}
