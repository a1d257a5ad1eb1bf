package reports

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
	case db.IsUniqueViolation(err):
		return ErrConflict
	case db.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return err
}

type reportRepoPG struct {
	pool *pgxpool.Pool
}

func NewReportRepo(pool *pgxpool.Pool) ReportRepository {
	return &reportRepoPG{pool: pool}
}

func (r *reportRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, r.pool)
}

const reportCols = `id, report_number, patient_id, status, blob_id, file_name, size_bytes, sha256,
	generated_by, generated_at, void_reason`

func scanReport(row pgx.Row) (*Report, error) {
	var rep Report
	if err := row.Scan(&rep.ID, &rep.ReportNumber, &rep.PatientID, &rep.Status, &rep.BlobID, &rep.FileName,
		&rep.SizeBytes, &rep.SHA256, &rep.GeneratedBy, &rep.GeneratedAt, &rep.VoidReason); err != nil {
		return nil, err
	}
	return &rep, nil
}

func (r *reportRepoPG) Create(ctx context.Context, rep *Report) error {
	rep.ID = uuid.New()
	q := r.conn(ctx)
	err := q.QueryRow(ctx, `
		INSERT INTO reports (id, report_number, patient_id, status, blob_id, file_name, size_bytes, sha256, generated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING generated_at`,
		rep.ID, rep.ReportNumber, rep.PatientID, rep.Status, rep.BlobID, rep.FileName, rep.SizeBytes,
		rep.SHA256, rep.GeneratedBy,
	).Scan(&rep.GeneratedAt)
	if err != nil {
		return translate(err)
	}
	for _, resultID := range rep.ResultIDs {
		if _, err := q.Exec(ctx, `INSERT INTO report_results (report_id, result_id) VALUES ($1, $2)`,
			rep.ID, resultID); err != nil {
			return translate(err)
		}
	}
	return nil
}

func (r *reportRepoPG) loadResults(ctx context.Context, reports []*Report) error {
	if len(reports) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(reports))
	byID := make(map[uuid.UUID]*Report, len(reports))
	for i, rep := range reports {
		ids[i] = rep.ID
		byID[rep.ID] = rep
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT report_id, result_id FROM report_results WHERE report_id = ANY($1)`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var reportID, resultID uuid.UUID
		if err := rows.Scan(&reportID, &resultID); err != nil {
			return err
		}
		if rep := byID[reportID]; rep != nil {
			rep.ResultIDs = append(rep.ResultIDs, resultID)
		}
	}
	return rows.Err()
}

func (r *reportRepoPG) getOne(ctx context.Context, where string, arg interface{}) (*Report, error) {
	rep, err := scanReport(r.conn(ctx).QueryRow(ctx, `SELECT `+reportCols+` FROM reports WHERE `+where, arg))
	if err != nil {
		return nil, translate(err)
	}
	if err := r.loadResults(ctx, []*Report{rep}); err != nil {
		return nil, err
	}
	return rep, nil
}

func (r *reportRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Report, error) {
	return r.getOne(ctx, "id = $1", id)
}

func (r *reportRepoPG) GetByNumber(ctx context.Context, number string) (*Report, error) {
	return r.getOne(ctx, "report_number = $1", number)
}

func (r *reportRepoPG) List(ctx context.Context, patientID *uuid.UUID, limit, offset int) ([]*Report, int, error) {
	qb := db.NewSearchQuery("reports", reportCols)
	if patientID != nil {
		qb.Eq("patient_id", *patientID)
	}
	qb.OrderBy("generated_at DESC")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	var items []*Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		items = append(items, rep)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := r.loadResults(ctx, items); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *reportRepoPG) Void(ctx context.Context, id uuid.UUID, reason string) (*Report, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE reports SET status = $2, void_reason = $3 WHERE id = $1 AND status = $4`,
		id, StatusVoided, reason, StatusGenerated)
	if err != nil {
		return nil, translate(err)
	}
	rep, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrVoided
	}
	return rep, nil
}
