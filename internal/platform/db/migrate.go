package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrations returns the SQL migrations compiled into the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migration is one NNN_name.sql file.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// MigrationStatus reports whether a migration has been applied to a schema.
// Modified is set when the recorded checksum no longer matches the file.
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	Modified  bool
	AppliedAt *time.Time
}

type appliedMigration struct {
	checksum  string
	appliedAt time.Time
}

// Migrator applies SQL migrations to one tenant schema at a time. Runs against
// the same schema are serialized with a Postgres advisory lock so that
// `tenant create` and a concurrent `migrate up` cannot interleave.
type Migrator struct {
	pool  *pgxpool.Pool
	files fs.FS
}

func NewMigrator(pool *pgxpool.Pool, files fs.FS) *Migrator {
	return &Migrator{pool: pool, files: files}
}

func checksum(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}

// LoadMigrations parses the version from each filename prefix
// ("001_identity.sql" -> 1) and returns the files sorted by version. Files
// without a numeric prefix are skipped; duplicate versions are an error.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	seen := make(map[int]string)
	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", version, prev, name)
		}
		seen[version] = name

		content, err := fs.ReadFile(m.files, name)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", name, err)
		}
		migrations = append(migrations, Migration{
			Version:  version,
			Name:     name,
			SQL:      string(content),
			Checksum: checksum(string(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// pending returns the migrations not yet in applied, stopping after target
// when target > 0. A recorded migration whose checksum differs from the file
// is an error: editing an applied migration never takes effect.
func pending(migrations []Migration, applied map[int]appliedMigration, target int) ([]Migration, error) {
	var out []Migration
	for _, mig := range migrations {
		if target > 0 && mig.Version > target {
			break
		}
		rec, ok := applied[mig.Version]
		if !ok {
			out = append(out, mig)
			continue
		}
		if rec.checksum != "" && rec.checksum != mig.Checksum {
			return nil, fmt.Errorf("migration %s was modified after being applied", mig.Name)
		}
	}
	return out, nil
}

// withSchemaLock runs fn on a dedicated connection holding a session-level
// advisory lock keyed by the schema name. The tracking table is created
// before fn runs.
func (m *Migrator) withSchemaLock(ctx context.Context, schema string, fn func(conn *pgxpool.Conn) error) error {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock(hashtext($1))", schema); err != nil {
		return fmt.Errorf("lock schema %s: %w", schema, err)
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock(hashtext($1))", schema) //nolint:errcheck

	table := pgx.Identifier{schema, "_migrations"}.Sanitize()
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    version    INTEGER PRIMARY KEY,
    name       VARCHAR(255) NOT NULL,
    checksum   TEXT,
    applied_at TIMESTAMPTZ DEFAULT NOW()
)`, table)
	if _, err := conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create _migrations table in %s: %w", schema, err)
	}
	return fn(conn)
}

func appliedVersions(ctx context.Context, conn *pgxpool.Conn, schema string) (map[int]appliedMigration, error) {
	query := fmt.Sprintf(`SELECT version, COALESCE(checksum, ''), applied_at FROM %s`,
		pgx.Identifier{schema, "_migrations"}.Sanitize())
	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query applied versions in %s: %w", schema, err)
	}
	defer rows.Close()

	applied := make(map[int]appliedMigration)
	for rows.Next() {
		var v int
		var rec appliedMigration
		if err := rows.Scan(&v, &rec.checksum, &rec.appliedAt); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = rec
	}
	return applied, rows.Err()
}

// Up applies all pending migrations to schema and returns how many ran.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	return m.UpTo(ctx, schema, 0)
}

// UpTo applies pending migrations up to and including target (0 means all).
// Each migration runs in its own transaction.
func (m *Migrator) UpTo(ctx context.Context, schema string, target int) (int, error) {
	migrations, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}

	count := 0
	err = m.withSchemaLock(ctx, schema, func(conn *pgxpool.Conn) error {
		applied, err := appliedVersions(ctx, conn, schema)
		if err != nil {
			return err
		}
		todo, err := pending(migrations, applied, target)
		if err != nil {
			return err
		}
		for _, mig := range todo {
			if err := applyMigration(ctx, conn, schema, mig); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
			}
			count++
		}
		return nil
	})
	return count, err
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, schema string, mig Migration) error {
	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT set_config('search_path', $1, true)", SearchPath(schema)); err != nil {
			return fmt.Errorf("set search_path: %w", err)
		}
		if _, err := tx.Exec(ctx, mig.SQL); err != nil {
			return fmt.Errorf("execute SQL: %w", err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO _migrations (version, name, checksum) VALUES ($1, $2, $3)",
			mig.Version, mig.Name, mig.Checksum,
		); err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
		return nil
	})
}

// Status lists every known migration with its applied state for schema.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	migrations, err := m.LoadMigrations()
	if err != nil {
		return nil, err
	}

	var applied map[int]appliedMigration
	err = m.withSchemaLock(ctx, schema, func(conn *pgxpool.Conn) error {
		applied, err = appliedVersions(ctx, conn, schema)
		return err
	})
	if err != nil {
		return nil, err
	}
	return statusOf(migrations, applied), nil
}

func statusOf(migrations []Migration, applied map[int]appliedMigration) []MigrationStatus {
	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		s := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if rec, ok := applied[mig.Version]; ok {
			at := rec.appliedAt
			s.Applied = true
			s.AppliedAt = &at
			s.Modified = rec.checksum != "" && rec.checksum != mig.Checksum
		}
		statuses = append(statuses, s)
	}
	return statuses
}
