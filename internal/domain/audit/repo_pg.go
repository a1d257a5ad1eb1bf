package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/db"
)

type auditRepoPG struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) AuditRepository {
	return &auditRepoPG{pool: pool}
}

func (r *auditRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, r.pool)
}

const auditCols = `id, COALESCE(user_id, ''), user_roles, action, COALESCE(resource_type, ''),
	COALESCE(resource_id, ''), COALESCE(patient_id, ''), method, path, status_code,
	COALESCE(ip_address, ''), COALESCE(user_agent, ''), COALESCE(request_id, ''), recorded_at`

func scanAuditLog(row pgx.Row) (*AuditLog, error) {
	var l AuditLog
	if err := row.Scan(&l.ID, &l.UserID, &l.UserRoles, &l.Action, &l.ResourceType, &l.ResourceID,
		&l.PatientID, &l.Method, &l.Path, &l.StatusCode, &l.IPAddress, &l.UserAgent, &l.RequestID,
		&l.RecordedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *auditRepoPG) Insert(ctx context.Context, l *AuditLog) error {
	l.ID = uuid.New()
	if l.UserRoles == nil {
		l.UserRoles = []string{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO audit_log (id, user_id, user_roles, action, resource_type, resource_id, patient_id,
			method, path, status_code, ip_address, user_agent, request_id, recorded_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''),
			$8, $9, $10, NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''), $14)`,
		l.ID, l.UserID, l.UserRoles, l.Action, l.ResourceType, l.ResourceID, l.PatientID,
		l.Method, l.Path, l.StatusCode, l.IPAddress, l.UserAgent, l.RequestID, l.RecordedAt)
	return err
}

func (r *auditRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*AuditLog, int, error) {
	sq := db.NewSearchQuery("audit_log", auditCols)
	if f.UserID != "" {
		sq.Eq("user_id", f.UserID)
	}
	if f.ResourceType != "" {
		sq.Eq("resource_type", f.ResourceType)
	}
	if f.PatientID != "" {
		sq.Eq("patient_id", f.PatientID)
	}
	sq.Range("recorded_at", f.From, f.To)
	sq.OrderBy("recorded_at DESC")

	q := r.conn(ctx)
	var total int
	if err := q.QueryRow(ctx, sq.CountSQL(), sq.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, sq.DataSQL(), sq.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*AuditLog
	for rows.Next() {
		l, err := scanAuditLog(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, l)
	}
	return items, total, rows.Err()
}
