package db

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
)

// Postgres identifiers are capped at 63 bytes and SchemaName adds a 7 byte prefix.
const maxTenantIDLen = 56

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ErrTenantMismatch is returned when a request names a tenant other than
// the one its token was issued for.
var ErrTenantMismatch = errors.New("tenant does not match token")

// NormalizeTenantID returns the canonical spelling of a tenant ID. Schema
// names are case-insensitive, so every spelling of a tenant must share the
// same context value and the same rate-limit and lockout keys.
func NormalizeTenantID(tenantID string) string {
	return strings.ToLower(strings.TrimSpace(tenantID))
}

// SchemaName returns the Postgres schema that holds a tenant's data.
func SchemaName(tenantID string) string {
	return "tenant_" + NormalizeTenantID(tenantID)
}

// SearchPath renders a search_path value that resolves unqualified names in
// schema first, then public.
func SearchPath(schema string) string {
	return pgx.Identifier{schema}.Sanitize() + ", public"
}

// ValidTenantID reports whether id is safe to use in a schema name.
func ValidTenantID(id string) bool {
	return len(id) <= maxTenantIDLen && tenantIDPattern.MatchString(id)
}

// TenantMiddleware pins a pooled connection to the request's tenant schema
// for the lifetime of the request.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID, err := resolveTenantID(c, defaultTenant)
			if err != nil {
				return echo.NewHTTPError(http.StatusForbidden, err.Error())
			}
			if !ValidTenantID(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx, release, err := AcquireTenant(c.Request().Context(), pool, tenantID)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer release()

			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", TenantFromContext(ctx))

			return next(c)
		}
	}
}

// AcquireTenant checks out a pooled connection, points its search_path at the
// tenant schema and returns a context carrying both. The caller must invoke
// release, which resets the search_path before returning the connection.
func AcquireTenant(ctx context.Context, pool *pgxpool.Pool, tenantID string) (context.Context, func(), error) {
	tenantID = NormalizeTenantID(tenantID)
	if !ValidTenantID(tenantID) {
		return ctx, func() {}, fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return ctx, func() {}, fmt.Errorf("acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "SELECT set_config('search_path', $1, false)", SearchPath(SchemaName(tenantID))); err != nil {
		conn.Release()
		return ctx, func() {}, fmt.Errorf("set search_path: %w", err)
	}

	release := func() {
		if _, err := conn.Exec(context.Background(), "RESET search_path"); err != nil {
			// A connection in an unknown state must not be reused.
			conn.Conn().Close(context.Background()) //nolint:errcheck
		}
		conn.Release()
	}

	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return ctx, release, nil
}

// resolveTenantID picks the tenant from the token claim, the X-Tenant-ID
// header or the tenant_id query parameter, in that order. An authenticated
// request may not name a different tenant than its token.
func resolveTenantID(c echo.Context, defaultTenant string) (string, error) {
	requested := c.Request().Header.Get("X-Tenant-ID")
	if requested == "" {
		requested = c.QueryParam("tenant_id")
	}
	requested = NormalizeTenantID(requested)

	if claimed, ok := c.Get("jwt_tenant_id").(string); ok && claimed != "" {
		claimed = NormalizeTenantID(claimed)
		if requested != "" && requested != claimed {
			return "", ErrTenantMismatch
		}
		return claimed, nil
	}
	if requested != "" {
		return requested, nil
	}
	return NormalizeTenantID(defaultTenant), nil
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// WithTenantID stores a tenant ID in the context without a connection.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, NormalizeTenantID(tenantID))
}

// CreateTenantSchema creates the tenant's schema and migrates it.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrator *Migrator) error {
	if !ValidTenantID(tenantID) {
		return fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}

	schema := SchemaName(tenantID)
	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrator != nil {
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
