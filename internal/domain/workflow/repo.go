package workflow

import (
	"context"

	"github.com/google/uuid"
)

type AssignmentRepository interface {
	Create(ctx context.Context, a *Assignment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Assignment, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Assignment, int, error)
	// UpdateStatus writes a's status and lifecycle columns only if the
	// stored status still equals from. It returns ErrConflict otherwise.
	UpdateStatus(ctx context.Context, a *Assignment, from string) error
	AddHistory(ctx context.Context, h *StatusChange) error
	History(ctx context.Context, assignmentID uuid.UUID) ([]*StatusChange, error)
}
