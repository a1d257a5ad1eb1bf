package results

import (
	"context"

	"github.com/google/uuid"
)

type ResultRepository interface {
	Create(ctx context.Context, r *Result) error
	GetByID(ctx context.Context, id uuid.UUID) (*Result, error)
	GetByAssignment(ctx context.Context, assignmentID uuid.UUID) (*Result, error)
	// Update writes r only if the stored status still equals from, and
	// returns ErrConflict otherwise.
	Update(ctx context.Context, r *Result, from string) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Result, int, error)
}
