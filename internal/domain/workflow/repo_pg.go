package workflow

import (
	"context"
	"errors"
	"fmt"

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
	case db.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return err
}

type assignmentRepoPG struct {
	pool *pgxpool.Pool
}

func NewAssignmentRepo(pool *pgxpool.Pool) AssignmentRepository {
	return &assignmentRepoPG{pool: pool}
}

func (r *assignmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, r.pool)
}

const assignmentCols = `id, patient_id, test_id, package_id, technician_id, status, priority, notes, due_at,
	assigned_at, started_at, completed_at, submitted_at, cancel_reason, created_by, created_at, updated_at`

func scanAssignment(row pgx.Row) (*Assignment, error) {
	var a Assignment
	if err := row.Scan(&a.ID, &a.PatientID, &a.TestID, &a.PackageID, &a.TechnicianID, &a.Status, &a.Priority,
		&a.Notes, &a.DueAt, &a.AssignedAt, &a.StartedAt, &a.CompletedAt, &a.SubmittedAt, &a.CancelReason,
		&a.CreatedBy, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *assignmentRepoPG) Create(ctx context.Context, a *Assignment) error {
	a.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO assignments (id, patient_id, test_id, package_id, technician_id, status, priority, notes,
			due_at, assigned_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.TestID, a.PackageID, a.TechnicianID, a.Status, a.Priority, a.Notes,
		a.DueAt, a.AssignedAt, a.CreatedBy,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	return translate(err)
}

func (r *assignmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	a, err := scanAssignment(r.conn(ctx).QueryRow(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE id = $1`, id))
	return a, translate(err)
}

func (r *assignmentRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Assignment, int, error) {
	qb := db.NewSearchQuery("assignments", assignmentCols)
	if f.Status != "" {
		qb.Eq("status", f.Status)
	}
	if f.PatientID != nil {
		qb.Eq("patient_id", *f.PatientID)
	}
	if f.TechnicianID != nil {
		qb.Eq("technician_id", *f.TechnicianID)
	}
	if f.TestID != nil {
		qb.Eq("test_id", *f.TestID)
	}
	qb.OrderBy(`CASE priority WHEN 'stat' THEN 0 WHEN 'urgent' THEN 1 ELSE 2 END, due_at NULLS LAST, created_at`)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *assignmentRepoPG) UpdateStatus(ctx context.Context, a *Assignment, from string) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE assignments SET status = $3, technician_id = $4, assigned_at = $5, started_at = $6,
			completed_at = $7, submitted_at = $8, cancel_reason = $9, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING updated_at`,
		a.ID, from, a.Status, a.TechnicianID, a.AssignedAt, a.StartedAt,
		a.CompletedAt, a.SubmittedAt, a.CancelReason,
	).Scan(&a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConflict
	}
	return translate(err)
}

func (r *assignmentRepoPG) AddHistory(ctx context.Context, h *StatusChange) error {
	h.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO assignment_status_history (id, assignment_id, from_status, to_status, changed_by, reason, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, clock_timestamp())
		RETURNING changed_at`,
		h.ID, h.AssignmentID, h.FromStatus, h.ToStatus, h.ChangedBy, h.Reason,
	).Scan(&h.ChangedAt)
	return translate(err)
}

func (r *assignmentRepoPG) History(ctx context.Context, assignmentID uuid.UUID) ([]*StatusChange, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, assignment_id, from_status, to_status, changed_by, reason, changed_at
		FROM assignment_status_history WHERE assignment_id = $1
		ORDER BY changed_at`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*StatusChange
	for rows.Next() {
		var h StatusChange
		if err := rows.Scan(&h.ID, &h.AssignmentID, &h.FromStatus, &h.ToStatus, &h.ChangedBy,
			&h.Reason, &h.ChangedAt); err != nil {
			return nil, err
		}
		history = append(history, &h)
	}
	return history, rows.Err()
}
