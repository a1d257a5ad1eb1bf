package identity

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/events"
	"github.com/lims/lims/internal/platform/kvstore"
)

// -- Mock Repositories --

type mockUserRepo struct {
	users map[uuid.UUID]*User
	// countOutsideTx is set when CountActiveAdmins runs without a transaction.
	countOutsideTx bool
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{users: make(map[uuid.UUID]*User)}
}

func (m *mockUserRepo) Create(_ context.Context, u *User) error {
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrConflict
		}
	}
	u.ID = uuid.New()
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	m.users[u.ID] = u
	return nil
}

func (m *mockUserRepo) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

func (m *mockUserRepo) GetByEmail(_ context.Context, email string) (*User, error) {
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockUserRepo) Update(_ context.Context, u *User) error {
	if _, ok := m.users[u.ID]; !ok {
		return ErrNotFound
	}
	m.users[u.ID] = u
	return nil
}

func (m *mockUserRepo) UpdatePassword(_ context.Context, id uuid.UUID, hash string) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (m *mockUserRepo) TouchLogin(_ context.Context, id uuid.UUID, at time.Time) error {
	if u, ok := m.users[id]; ok {
		u.LastLoginAt = &at
	}
	return nil
}

func (m *mockUserRepo) List(_ context.Context, f UserFilter, limit, offset int) ([]*User, int, error) {
	var result []*User
	for _, u := range m.users {
		if f.Role != "" && u.Role != f.Role {
			continue
		}
		if f.Active != nil && u.Active != *f.Active {
			continue
		}
		result = append(result, u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Email < result[j].Email })
	return paginate(result, limit, offset), len(result), nil
}

func (m *mockUserRepo) CountActiveAdmins(ctx context.Context) (int, error) {
	if !inTx(ctx) {
		m.countOutsideTx = true
	}
	n := 0
	for _, u := range m.users {
		if u.Active && u.Role == auth.RoleAdmin {
			n++
		}
	}
	return n, nil
}

type mockPatientRepo struct {
	patients map[uuid.UUID]*Patient
	// conflicts makes the next N creates fail with ErrConflict.
	conflicts int
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{patients: make(map[uuid.UUID]*Patient)}
}

func (m *mockPatientRepo) Create(_ context.Context, p *Patient) error {
	if m.conflicts > 0 {
		m.conflicts--
		return ErrConflict
	}
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.patients[p.ID] = p
	return nil
}

func (m *mockPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *mockPatientRepo) GetByMRN(_ context.Context, mrn string) (*Patient, error) {
	for _, p := range m.patients {
		if p.MRN == mrn {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockPatientRepo) Update(_ context.Context, p *Patient) error {
	if _, ok := m.patients[p.ID]; !ok {
		return ErrNotFound
	}
	m.patients[p.ID] = p
	return nil
}

func (m *mockPatientRepo) UpdatePasscode(_ context.Context, id uuid.UUID, hash string, issuedAt time.Time) error {
	p, ok := m.patients[id]
	if !ok {
		return ErrNotFound
	}
	p.PasscodeHash = hash
	p.PasscodeIssuedAt = issuedAt
	return nil
}

func (m *mockPatientRepo) Search(_ context.Context, f PatientFilter, limit, offset int) ([]*Patient, int, error) {
	var result []*Patient
	for _, p := range m.patients {
		if f.Name != "" && !strings.Contains(strings.ToLower(p.FullName()), strings.ToLower(f.Name)) {
			continue
		}
		if f.MRN != "" && !strings.HasPrefix(p.MRN, f.MRN) {
			continue
		}
		if f.Active != nil && p.Active != *f.Active {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LastName < result[j].LastName })
	return paginate(result, limit, offset), len(result), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

type sentNotification struct {
	templateID string
	recipient  string
	data       map[string]string
}

type recordingNotifier struct {
	sent []sentNotification
}

func (r *recordingNotifier) Notify(_ context.Context, templateID, recipient string, data map[string]string) {
	r.sent = append(r.sent, sentNotification{templateID, recipient, data})
}

type txKey struct{}

// recordingTx marks the context passed to fn so repositories can tell they
// run inside a transaction.
type recordingTx struct {
	runs int
}

func (t *recordingTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.runs++
	return fn(context.WithValue(ctx, txKey{}, true))
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

// -- Fixtures --

var testKey = []byte("identity-test-signing-key-32-bytes!")

type fixture struct {
	users    *mockUserRepo
	tx       *recordingTx
	patients *mockPatientRepo
	store    *kvstore.MemoryStore
	pub      *events.MemoryPublisher
	notifier *recordingNotifier
	userSvc  *UserService
	patSvc   *PatientService
}

func newFixture() *fixture {
	f := &fixture{
		users:    newMockUserRepo(),
		tx:       &recordingTx{},
		patients: newMockPatientRepo(),
		store:    kvstore.NewMemoryStore(),
		pub:      events.NewMemoryPublisher(),
		notifier: &recordingNotifier{},
	}
	issuer, err := auth.NewTokenIssuer(testKey, "lims-test", time.Hour)
	if err != nil {
		panic(err)
	}
	f.userSvc = NewUserService(f.users, f.tx, issuer, auth.NewRevoker(f.store), f.store,
		LoginPolicy{MaxAttempts: 3, Window: 15 * time.Minute}, zerolog.Nop())
	guard := NewPasscodeGuard(f.patients, f.store, 3, 15*time.Minute)
	f.patSvc = NewPatientService(f.patients, guard, f.pub, f.notifier, zerolog.Nop())
	return f
}

func (f *fixture) addUser(email, role, password string) *User {
	hash, err := auth.HashPassword(password)
	if err != nil {
		panic(err)
	}
	u := &User{Email: email, FullName: "Test " + role, Role: role, PasswordHash: hash, Active: true}
	_ = f.users.Create(context.Background(), u)
	return u
}

func staffContext(u *User) context.Context {
	return auth.WithIdentity(context.Background(), u.ID.String(), u.Role)
}
