package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
	UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error
	TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	List(ctx context.Context, f UserFilter, limit, offset int) ([]*User, int, error)
	CountActiveAdmins(ctx context.Context) (int, error)
}

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByMRN(ctx context.Context, mrn string) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	UpdatePasscode(ctx context.Context, id uuid.UUID, hash string, issuedAt time.Time) error
	Search(ctx context.Context, f PatientFilter, limit, offset int) ([]*Patient, int, error)
}
