package catalog

import (
	"context"

	"github.com/google/uuid"
)

// TestRepository persists tests together with their parameters.
type TestRepository interface {
	Create(ctx context.Context, t *LabTest) error
	GetByID(ctx context.Context, id uuid.UUID) (*LabTest, error)
	GetByCode(ctx context.Context, code string) (*LabTest, error)
	// Update replaces the test row and its full parameter list.
	Update(ctx context.Context, t *LabTest) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f TestFilter, limit, offset int) ([]*LabTest, int, error)
	// InUse reports whether an assignment or package references the test.
	InUse(ctx context.Context, id uuid.UUID) (bool, error)
}

type PackageRepository interface {
	Create(ctx context.Context, p *TestPackage) error
	GetByID(ctx context.Context, id uuid.UUID) (*TestPackage, error)
	GetByCode(ctx context.Context, code string) (*TestPackage, error)
	Update(ctx context.Context, p *TestPackage) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, active *bool, limit, offset int) ([]*TestPackage, int, error)
	InUse(ctx context.Context, id uuid.UUID) (bool, error)
}
