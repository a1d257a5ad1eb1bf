package reports

import (
	"context"

	"github.com/google/uuid"
)

type ReportRepository interface {
	// Create inserts the report and its result links.
	Create(ctx context.Context, r *Report) error
	GetByID(ctx context.Context, id uuid.UUID) (*Report, error)
	GetByNumber(ctx context.Context, number string) (*Report, error)
	List(ctx context.Context, patientID *uuid.UUID, limit, offset int) ([]*Report, int, error)
	// Void marks a GENERATED report as voided. It returns ErrVoided when the
	// report was already voided.
	Void(ctx context.Context, id uuid.UUID, reason string) (*Report, error)
}
