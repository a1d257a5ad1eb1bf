package results

import (
	"context"
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

// -- Mock Repository --

type mockResultRepo struct {
	items map[uuid.UUID]*Result
}

func newMockResultRepo() *mockResultRepo {
	return &mockResultRepo{items: make(map[uuid.UUID]*Result)}
}

func (m *mockResultRepo) Create(_ context.Context, r *Result) error {
	for _, existing := range m.items {
		if existing.AssignmentID == r.AssignmentID {
			return ErrConflict
		}
	}
	r.ID = uuid.New()
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	cp := *r
	m.items[r.ID] = &cp
	return nil
}

func (m *mockResultRepo) GetByID(_ context.Context, id uuid.UUID) (*Result, error) {
	r, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockResultRepo) GetByAssignment(_ context.Context, assignmentID uuid.UUID) (*Result, error) {
	for _, r := range m.items {
		if r.AssignmentID == assignmentID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockResultRepo) Update(_ context.Context, r *Result, from string) error {
	stored, ok := m.items[r.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != from {
		return ErrConflict
	}
	r.UpdatedAt = time.Now()
	cp := *r
	m.items[r.ID] = &cp
	return nil
}

func (m *mockResultRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Result, int, error) {
	var all []*Result
	for _, r := range m.items {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.PatientID != nil && r.PatientID != *f.PatientID {
			continue
		}
		cp := *r
		all = append(all, &cp)
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// -- Collaborators --

// stubAssignments applies the real workflow transition table to an
// in-memory set of assignments.
type stubAssignments struct {
	items map[uuid.UUID]*workflow.Assignment
	calls []string
}

func (s *stubAssignments) Lookup(_ context.Context, id uuid.UUID) (*workflow.Assignment, error) {
	a, ok := s.items[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *stubAssignments) move(id uuid.UUID, call, to string) (*workflow.Assignment, error) {
	a, ok := s.items[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	if err := workflow.ValidateTransition(a.Status, to); err != nil {
		return nil, err
	}
	a.Status = to
	s.calls = append(s.calls, call)
	cp := *a
	return &cp, nil
}

func (s *stubAssignments) Reopen(_ context.Context, id uuid.UUID) (*workflow.Assignment, error) {
	return s.move(id, "reopen", workflow.StatusInProgress)
}

func (s *stubAssignments) MarkCompleted(_ context.Context, id uuid.UUID) (*workflow.Assignment, error) {
	return s.move(id, "complete", workflow.StatusCompleted)
}

func (s *stubAssignments) Submit(_ context.Context, id uuid.UUID) (*workflow.Assignment, error) {
	return s.move(id, "submit", workflow.StatusSubmitted)
}

func (s *stubAssignments) ReturnForRework(_ context.Context, id uuid.UUID, _ string) (*workflow.Assignment, error) {
	return s.move(id, "rework", workflow.StatusInProgress)
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

type stubPatients struct {
	patients map[uuid.UUID]*identity.Patient
}

func (s *stubPatients) GetPatient(_ context.Context, id uuid.UUID) (*identity.Patient, error) {
	p, ok := s.patients[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return p, nil
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

// -- Fixture --

type fixture struct {
	svc         *Service
	repo        *mockResultRepo
	assignments *stubAssignments
	catalog     *stubCatalog
	patients    *stubPatients
	staff       *stubStaff
	pub         *events.MemoryPublisher
	notifier    *recordingNotifier

	patient   *identity.Patient
	test      *catalog.LabTest
	tech      *identity.User
	otherTech *identity.User
	doctor    *identity.User
	reception *identity.User
}

func fptr(v float64) *float64 { return &v }
func sptr(v string) *string { return &v }

func newFixture() *fixture {
	f := &fixture{
		repo:        newMockResultRepo(),
		assignments: &stubAssignments{items: map[uuid.UUID]*workflow.Assignment{}},
		catalog:     &stubCatalog{tests: map[uuid.UUID]*catalog.LabTest{}},
		patients:    &stubPatients{patients: map[uuid.UUID]*identity.Patient{}},
		staff:       &stubStaff{users: map[uuid.UUID]*identity.User{}},
		pub:         events.NewMemoryPublisher(),
		notifier:    &recordingNotifier{},
	}
	f.patient = &identity.Patient{ID: uuid.New(), FirstName: "Ada", LastName: "Lovelace", Email: sptr("ada@example.com"), Active: true}
	f.patients.patients[f.patient.ID] = f.patient

	testID := uuid.New()
	f.test = &catalog.LabTest{
		ID: testID, Code: "CBC", Name: "Complete Blood Count", Active: true,
		Parameters: []catalog.TestParameter{
			{ID: uuid.New(), TestID: testID, Name: "WBC", Unit: "10^9/L", RefLow: fptr(4.5), RefHigh: fptr(11), SortOrder: 1},
			{ID: uuid.New(), TestID: testID, Name: "Hemoglobin", Unit: "g/dL", RefLow: fptr(12), RefHigh: fptr(16), SortOrder: 2},
			{ID: uuid.New(), TestID: testID, Name: "Appearance", RefText: sptr("Clear"), SortOrder: 3},
		},
	}
	f.catalog.tests[f.test.ID] = f.test

	f.tech = f.addUser(auth.RoleTechnician, "Tess Tech")
	f.otherTech = f.addUser(auth.RoleTechnician, "Otto Other")
	f.doctor = f.addUser(auth.RoleDoctor, "Dr. Dana")
	f.reception = f.addUser(auth.RoleReceptionist, "Rita Front")

	f.svc = NewService(f.repo, db.NoopTransactor{}, f.assignments, f.catalog, f.patients, f.staff, f.pub, f.notifier, zerolog.Nop())
	return f
}

func (f *fixture) addUser(role, name string) *identity.User {
	u := &identity.User{ID: uuid.New(), Email: uuid.NewString()[:8] + "@lab.test", FullName: name, Role: role, Active: true}
	f.staff.users[u.ID] = u
	return u
}

// assignment adds an assignment of f.test held by f.tech.
func (f *fixture) assignment(status string) *workflow.Assignment {
	tid := f.tech.ID
	a := &workflow.Assignment{ID: uuid.New(), PatientID: f.patient.ID, TestID: f.test.ID, TechnicianID: &tid, Status: status}
	f.assignments.items[a.ID] = a
	return a
}

func (f *fixture) param(i int) uuid.UUID {
	return f.test.Parameters[i].ID
}

// fullValues returns in-range readings for every parameter of f.test.
func (f *fixture) fullValues() []ValueInput {
	return []ValueInput{
		{ParameterID: f.param(0), Value: "6.2"},
		{ParameterID: f.param(1), Value: "13.5"},
		{ParameterID: f.param(2), Value: "clear"},
	}
}

// submitted returns a result that f.tech has entered and submitted.
func (f *fixture) submitted() *Result {
	a := f.assignment(workflow.StatusInProgress)
	if _, err := f.svc.SaveResult(as(f.tech), a.ID, SaveInput{Values: f.fullValues(), Complete: true}); err != nil {
		panic(err)
	}
	res, err := f.svc.SubmitResult(as(f.tech), a.ID)
	if err != nil {
		panic(err)
	}
	return res
}

func as(u *identity.User) context.Context {
	return auth.WithIdentity(context.Background(), u.ID.String(), u.Role)
}
