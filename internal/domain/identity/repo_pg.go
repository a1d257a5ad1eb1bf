package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/db"
)

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case db.IsUniqueViolation(err):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// -- User Repository --

type userRepoPG struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) UserRepository {
	return &userRepoPG{pool: pool}
}

func (r *userRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, r.pool)
}

const userCols = `id, email, full_name, role, password_hash, active, last_login_at, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.Role, &u.PasswordHash, &u.Active,
		&u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	u.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO users (id, email, full_name, role, password_hash, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		u.ID, u.Email, u.FullName, u.Role, u.PasswordHash, u.Active,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	return translate(err)
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(r.conn(ctx).QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
	return u, translate(err)
}

func (r *userRepoPG) GetByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(r.conn(ctx).QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE LOWER(email) = LOWER($1)`, strings.TrimSpace(email)))
	return u, translate(err)
}

func (r *userRepoPG) Update(ctx context.Context, u *User) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE users SET full_name = $2, role = $3, active = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		u.ID, u.FullName, u.Role, u.Active,
	).Scan(&u.UpdatedAt)
	return translate(err)
}

func (r *userRepoPG) UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepoPG) TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at)
	return err
}

func (r *userRepoPG) List(ctx context.Context, f UserFilter, limit, offset int) ([]*User, int, error) {
	qb := db.NewSearchQuery("users", userCols)
	if f.Role != "" {
		qb.Eq("role", f.Role)
	}
	if f.Active != nil {
		qb.Eq("active", *f.Active)
	}
	qb.OrderBy("full_name")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

// CountActiveAdmins locks the active admin rows for the rest of the
// transaction before counting them.
func (r *userRepoPG) CountActiveAdmins(ctx context.Context) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM (
			SELECT id FROM users WHERE role = 'admin' AND active FOR UPDATE
		) admins`).Scan(&n)
	return n, err
}

// -- Patient Repository --

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewPatientRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, r.pool)
}

const patientCols = `id, mrn, first_name, last_name, birth_date, gender, phone, email, address,
	passcode_hash, passcode_issued_at, active, registered_by, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	if err := row.Scan(&p.ID, &p.MRN, &p.FirstName, &p.LastName, &p.BirthDate, &p.Gender,
		&p.Phone, &p.Email, &p.Address,
		&p.PasscodeHash, &p.PasscodeIssuedAt, &p.Active, &p.RegisteredBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (id, mrn, first_name, last_name, birth_date, gender, phone, email, address,
			passcode_hash, passcode_issued_at, active, registered_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`,
		p.ID, p.MRN, p.FirstName, p.LastName, p.BirthDate, p.Gender, p.Phone, p.Email, p.Address,
		p.PasscodeHash, p.PasscodeIssuedAt, p.Active, p.RegisteredBy,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	return translate(err)
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
	return p, translate(err)
}

func (r *patientRepoPG) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE mrn = $1`, mrn))
	return p, translate(err)
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patients SET
			first_name = $2, last_name = $3, birth_date = $4, gender = $5,
			phone = $6, email = $7, address = $8, active = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.FirstName, p.LastName, p.BirthDate, p.Gender, p.Phone, p.Email, p.Address, p.Active,
	).Scan(&p.UpdatedAt)
	return translate(err)
}

func (r *patientRepoPG) UpdatePasscode(ctx context.Context, id uuid.UUID, hash string, issuedAt time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients SET passcode_hash = $2, passcode_issued_at = $3, updated_at = NOW()
		WHERE id = $1`, id, hash, issuedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoPG) Search(ctx context.Context, f PatientFilter, limit, offset int) ([]*Patient, int, error) {
	qb := db.NewSearchQuery("patients", patientCols)
	if f.Name != "" {
		qb.Contains(f.Name, "first_name", "last_name", "first_name || ' ' || last_name")
	}
	if f.MRN != "" {
		qb.Prefix("mrn", f.MRN)
	}
	if f.Phone != "" {
		qb.Prefix("phone", f.Phone)
	}
	if f.Active != nil {
		qb.Eq("active", *f.Active)
	}
	qb.OrderBy("last_name, first_name, created_at")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		patients = append(patients, p)
	}
	return patients, total, rows.Err()
}
