package catalog

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
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case db.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: unknown test: %v", ErrValidation, err)
	}
	return err
}

// -- Test Repository --

type testRepoPG struct {
	pool *pgxpool.Pool
}

func NewTestRepo(pool *pgxpool.Pool) TestRepository {
	return &testRepoPG{pool: pool}
}

func (r *testRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, r.pool)
}

const testCols = `id, code, name, category, sample_type, description, price_cents, turnaround_hours, active, created_at, updated_at`

func scanTest(row pgx.Row) (*LabTest, error) {
	var t LabTest
	if err := row.Scan(&t.ID, &t.Code, &t.Name, &t.Category, &t.SampleType, &t.Description,
		&t.PriceCents, &t.TurnaroundHours, &t.Active, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts the test and its parameters. Callers run it inside a
// transaction so a bad parameter leaves no half-written test behind.
func (r *testRepoPG) Create(ctx context.Context, t *LabTest) error {
	t.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_tests (id, code, name, category, sample_type, description, price_cents, turnaround_hours, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		t.ID, t.Code, t.Name, t.Category, t.SampleType, t.Description, t.PriceCents, t.TurnaroundHours, t.Active,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return translate(err)
	}
	return r.insertParameters(ctx, t)
}

func (r *testRepoPG) insertParameters(ctx context.Context, t *LabTest) error {
	for i := range t.Parameters {
		p := &t.Parameters[i]
		p.ID = uuid.New()
		p.TestID = t.ID
		var unit *string
		if p.Unit != "" {
			unit = &p.Unit
		}
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO test_parameters (id, test_id, name, unit, ref_low, ref_high, ref_text, sort_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			p.ID, p.TestID, p.Name, unit, p.RefLow, p.RefHigh, p.RefText, p.SortOrder)
		if err != nil {
			return translate(err)
		}
	}
	return nil
}

func (r *testRepoPG) loadParameters(ctx context.Context, tests ...*LabTest) error {
	if len(tests) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(tests))
	byID := make(map[uuid.UUID]*LabTest, len(tests))
	for i, t := range tests {
		ids[i] = t.ID
		byID[t.ID] = t
		t.Parameters = []TestParameter{}
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, test_id, name, unit, ref_low, ref_high, ref_text, sort_order
		FROM test_parameters WHERE test_id = ANY($1)
		ORDER BY sort_order, name`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			p    TestParameter
			unit *string
		)
		if err := rows.Scan(&p.ID, &p.TestID, &p.Name, &unit, &p.RefLow, &p.RefHigh, &p.RefText, &p.SortOrder); err != nil {
			return err
		}
		if unit != nil {
			p.Unit = *unit
		}
		if t, ok := byID[p.TestID]; ok {
			t.Parameters = append(t.Parameters, p)
		}
	}
	return rows.Err()
}

func (r *testRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*LabTest, error) {
	t, err := scanTest(r.conn(ctx).QueryRow(ctx, `SELECT `+testCols+` FROM lab_tests WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err)
	}
	return t, r.loadParameters(ctx, t)
}

func (r *testRepoPG) GetByCode(ctx context.Context, code string) (*LabTest, error) {
	t, err := scanTest(r.conn(ctx).QueryRow(ctx, `SELECT `+testCols+` FROM lab_tests WHERE code = $1`, code))
	if err != nil {
		return nil, translate(err)
	}
	return t, r.loadParameters(ctx, t)
}

func (r *testRepoPG) Update(ctx context.Context, t *LabTest) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE lab_tests SET code = $2, name = $3, category = $4, sample_type = $5, description = $6,
			price_cents = $7, turnaround_hours = $8, active = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		t.ID, t.Code, t.Name, t.Category, t.SampleType, t.Description, t.PriceCents, t.TurnaroundHours, t.Active,
	).Scan(&t.UpdatedAt)
	if err != nil {
		return translate(err)
	}
	if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM test_parameters WHERE test_id = $1`, t.ID); err != nil {
		return err
	}
	return r.insertParameters(ctx, t)
}

func (r *testRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM lab_tests WHERE id = $1`, id)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *testRepoPG) List(ctx context.Context, f TestFilter, limit, offset int) ([]*LabTest, int, error) {
	qb := db.NewSearchQuery("lab_tests", testCols)
	if f.Category != "" {
		qb.Eq("category", f.Category)
	}
	if f.Active != nil {
		qb.Eq("active", *f.Active)
	}
	if f.Query != "" {
		qb.Contains(f.Query, "code", "name")
	}
	qb.OrderBy("category, name")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	var tests []*LabTest
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		tests = append(tests, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return tests, total, r.loadParameters(ctx, tests...)
}

func (r *testRepoPG) InUse(ctx context.Context, id uuid.UUID) (bool, error) {
	var used bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM assignments WHERE test_id = $1)
		    OR EXISTS (SELECT 1 FROM test_package_items WHERE test_id = $1)`, id).Scan(&used)
	return used, err
}

// -- Package Repository --

type packageRepoPG struct {
	pool *pgxpool.Pool
}

func NewPackageRepo(pool *pgxpool.Pool) PackageRepository {
	return &packageRepoPG{pool: pool}
}

func (r *packageRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, r.pool)
}

const packageCols = `id, code, name, description, price_cents, active, created_at, updated_at`

func scanPackage(row pgx.Row) (*TestPackage, error) {
	var p TestPackage
	if err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Description, &p.PriceCents, &p.Active,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *packageRepoPG) Create(ctx context.Context, p *TestPackage) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO test_packages (id, code, name, description, price_cents, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		p.ID, p.Code, p.Name, p.Description, p.PriceCents, p.Active,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return translate(err)
	}
	return r.insertItems(ctx, p)
}

func (r *packageRepoPG) insertItems(ctx context.Context, p *TestPackage) error {
	for i, testID := range p.TestIDs {
		if _, err := r.conn(ctx).Exec(ctx,
			`INSERT INTO test_package_items (package_id, test_id, position) VALUES ($1, $2, $3)`,
			p.ID, testID, i); err != nil {
			return translate(err)
		}
	}
	return nil
}

func (r *packageRepoPG) loadItems(ctx context.Context, packages ...*TestPackage) error {
	if len(packages) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(packages))
	byID := make(map[uuid.UUID]*TestPackage, len(packages))
	for i, p := range packages {
		ids[i] = p.ID
		byID[p.ID] = p
		p.TestIDs = []uuid.UUID{}
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT package_id, test_id FROM test_package_items
		WHERE package_id = ANY($1) ORDER BY position`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var pkgID, testID uuid.UUID
		if err := rows.Scan(&pkgID, &testID); err != nil {
			return err
		}
		if p, ok := byID[pkgID]; ok {
			p.TestIDs = append(p.TestIDs, testID)
		}
	}
	return rows.Err()
}

func (r *packageRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TestPackage, error) {
	p, err := scanPackage(r.conn(ctx).QueryRow(ctx, `SELECT `+packageCols+` FROM test_packages WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err)
	}
	return p, r.loadItems(ctx, p)
}

func (r *packageRepoPG) GetByCode(ctx context.Context, code string) (*TestPackage, error) {
	p, err := scanPackage(r.conn(ctx).QueryRow(ctx, `SELECT `+packageCols+` FROM test_packages WHERE code = $1`, code))
	if err != nil {
		return nil, translate(err)
	}
	return p, r.loadItems(ctx, p)
}

func (r *packageRepoPG) Update(ctx context.Context, p *TestPackage) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE test_packages SET code = $2, name = $3, description = $4, price_cents = $5, active = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.Code, p.Name, p.Description, p.PriceCents, p.Active,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return translate(err)
	}
	if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM test_package_items WHERE package_id = $1`, p.ID); err != nil {
		return err
	}
	return r.insertItems(ctx, p)
}

func (r *packageRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM test_packages WHERE id = $1`, id)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *packageRepoPG) List(ctx context.Context, active *bool, limit, offset int) ([]*TestPackage, int, error) {
	qb := db.NewSearchQuery("test_packages", packageCols)
	if active != nil {
		qb.Eq("active", *active)
	}
	qb.OrderBy("name")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	var packages []*TestPackage
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		packages = append(packages, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return packages, total, r.loadItems(ctx, packages...)
}

func (r *packageRepoPG) InUse(ctx context.Context, id uuid.UUID) (bool, error) {
	var used bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM assignments WHERE package_id = $1)`, id).Scan(&used)
	return used, err
}
