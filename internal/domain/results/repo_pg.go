package results

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
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
		return fmt.Errorf("%w: assignment already has a result", ErrConflict)
	case db.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return err
}

type resultRepoPG struct {
	pool *pgxpool.Pool
}

func NewResultRepo(pool *pgxpool.Pool) ResultRepository {
	return &resultRepoPG{pool: pool}
}

func (r *resultRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, r.pool)
}

const resultCols = `id, assignment_id, patient_id, test_id, status, result_values, interpretation, entered_by,
	submitted_at, reviewed_by, reviewed_at, review_comment, created_at, updated_at`

func scanResult(row pgx.Row) (*Result, error) {
	var (
		res Result
		raw []byte
	)
	if err := row.Scan(&res.ID, &res.AssignmentID, &res.PatientID, &res.TestID, &res.Status, &raw,
		&res.Interpretation, &res.EnteredBy, &res.SubmittedAt, &res.ReviewedBy, &res.ReviewedAt,
		&res.ReviewComment, &res.CreatedAt, &res.UpdatedAt); err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res.Values); err != nil {
			return nil, fmt.Errorf("decode result values: %w", err)
		}
	}
	return &res, nil
}

func encodeValues(values []ResultValue) ([]byte, error) {
	if values == nil {
		values = []ResultValue{}
	}
	return json.Marshal(values)
}

func (r *resultRepoPG) Create(ctx context.Context, res *Result) error {
	raw, err := encodeValues(res.Values)
	if err != nil {
		return err
	}
	res.ID = uuid.New()
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO results (id, assignment_id, patient_id, test_id, status, result_values, interpretation, entered_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		res.ID, res.AssignmentID, res.PatientID, res.TestID, res.Status, raw, res.Interpretation, res.EnteredBy,
	).Scan(&res.CreatedAt, &res.UpdatedAt)
	return translate(err)
}

func (r *resultRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Result, error) {
	res, err := scanResult(r.conn(ctx).QueryRow(ctx, `SELECT `+resultCols+` FROM results WHERE id = $1`, id))
	return res, translate(err)
}

func (r *resultRepoPG) GetByAssignment(ctx context.Context, assignmentID uuid.UUID) (*Result, error) {
	res, err := scanResult(r.conn(ctx).QueryRow(ctx, `SELECT `+resultCols+` FROM results WHERE assignment_id = $1`, assignmentID))
	return res, translate(err)
}

func (r *resultRepoPG) Update(ctx context.Context, res *Result, from string) error {
	raw, err := encodeValues(res.Values)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE results SET status = $3, result_values = $4, interpretation = $5, entered_by = $6,
			submitted_at = $7, reviewed_by = $8, reviewed_at = $9, review_comment = $10, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING updated_at`,
		res.ID, from, res.Status, raw, res.Interpretation, res.EnteredBy,
		res.SubmittedAt, res.ReviewedBy, res.ReviewedAt, res.ReviewComment,
	).Scan(&res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConflict
	}
	return translate(err)
}

func (r *resultRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Result, int, error) {
	qb := db.NewSearchQuery("results", resultCols)
	if f.Status != "" {
		qb.Eq("status", f.Status)
	}
	if f.PatientID != nil {
		qb.Eq("patient_id", *f.PatientID)
	}
	qb.OrderBy("submitted_at NULLS LAST, created_at")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, res)
	}
	return items, total, rows.Err()
}
