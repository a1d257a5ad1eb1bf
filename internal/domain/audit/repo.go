package audit

import "context"

type AuditRepository interface {
	Insert(ctx context.Context, l *AuditLog) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*AuditLog, int, error)
}
