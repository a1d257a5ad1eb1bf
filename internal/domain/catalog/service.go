// Package catalog manages the orderable lab tests, their reference ranges
// and the packages that bundle them.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/db"
)

const (
	defaultCategory   = "general"
	defaultSampleType = "blood"
	defaultTurnaround = 24

	cacheSize = 1024
	cacheTTL  = 5 * time.Minute
)

var codePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_\-]{0,31}$`)

// Service owns the test catalog. Lookups by ID are served from an LRU keyed
// by tenant; every write evicts the affected entries. The TTL bounds how long
// another instance can serve a stale entry.
type Service struct {
	tests    TestRepository
	packages PackageRepository
	tx       db.Transactor
	logger   zerolog.Logger

	testCache *expirable.LRU[string, *LabTest]
	pkgCache  *expirable.LRU[string, *TestPackage]
}

func NewService(tests TestRepository, packages PackageRepository, tx db.Transactor, logger zerolog.Logger) *Service {
	return &Service{
		tests:     tests,
		packages:  packages,
		tx:        tx,
		logger:    logger,
		testCache: expirable.NewLRU[string, *LabTest](cacheSize, nil, cacheTTL),
		pkgCache:  expirable.NewLRU[string, *TestPackage](cacheSize, nil, cacheTTL),
	}
}

func cacheKey(ctx context.Context, id uuid.UUID) string {
	return db.TenantFromContext(ctx) + ":" + id.String()
}

func normalizeTest(t *LabTest) error {
	t.Code = strings.ToUpper(strings.TrimSpace(t.Code))
	t.Name = strings.TrimSpace(t.Name)
	if !codePattern.MatchString(t.Code) {
		return fmt.Errorf("%w: invalid code %q", ErrValidation, t.Code)
	}
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if t.Category == "" {
		t.Category = defaultCategory
	}
	if t.SampleType == "" {
		t.SampleType = defaultSampleType
	}
	if t.TurnaroundHours == 0 {
		t.TurnaroundHours = defaultTurnaround
	}
	if t.TurnaroundHours < 0 {
		return fmt.Errorf("%w: turnaround_hours must be positive", ErrValidation)
	}
	if t.PriceCents < 0 {
		return fmt.Errorf("%w: price_cents must not be negative", ErrValidation)
	}
	seen := make(map[string]bool, len(t.Parameters))
	for i := range t.Parameters {
		p := &t.Parameters[i]
		p.Name = strings.TrimSpace(p.Name)
		p.Unit = strings.TrimSpace(p.Unit)
		if err := p.validate(); err != nil {
			return err
		}
		key := strings.ToLower(p.Name)
		if seen[key] {
			return fmt.Errorf("%w: duplicate parameter %q", ErrValidation, p.Name)
		}
		seen[key] = true
		if p.SortOrder == 0 {
			p.SortOrder = i + 1
		}
	}
	return nil
}

// -- Tests --

func (s *Service) CreateTest(ctx context.Context, t *LabTest) error {
	if err := normalizeTest(t); err != nil {
		return err
	}
	t.Active = true
	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		return s.tests.Create(ctx, t)
	})
}

// GetTest returns a copy of the test; callers may modify it freely.
func (s *Service) GetTest(ctx context.Context, id uuid.UUID) (*LabTest, error) {
	key := cacheKey(ctx, id)
	if t, ok := s.testCache.Get(key); ok {
		return t.clone(), nil
	}
	t, err := s.tests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.testCache.Add(key, t.clone())
	return t, nil
}

func (s *Service) GetTestByCode(ctx context.Context, code string) (*LabTest, error) {
	return s.tests.GetByCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
}

func (s *Service) ListTests(ctx context.Context, f TestFilter, limit, offset int) ([]*LabTest, int, error) {
	f.Query = strings.TrimSpace(f.Query)
	return s.tests.List(ctx, f, limit, offset)
}

// UpdateTest replaces the test definition, including its parameter list.
func (s *Service) UpdateTest(ctx context.Context, id uuid.UUID, upd *LabTest) (*LabTest, error) {
	existing, err := s.tests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := normalizeTest(upd); err != nil {
		return nil, err
	}
	upd.ID = existing.ID
	upd.CreatedAt = existing.CreatedAt
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		return s.tests.Update(ctx, upd)
	})
	s.testCache.Remove(cacheKey(ctx, id))
	if err != nil {
		return nil, err
	}
	return upd, nil
}

// DeleteTest removes a test that nothing references. A test already ordered
// or bundled is deactivated instead; the returned flag reports which
// happened.
func (s *Service) DeleteTest(ctx context.Context, id uuid.UUID) (deactivated bool, err error) {
	defer s.testCache.Remove(cacheKey(ctx, id))

	t, err := s.tests.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	used, err := s.tests.InUse(ctx, id)
	if err != nil {
		return false, err
	}
	if !used {
		return false, s.tests.Delete(ctx, id)
	}
	t.Active = false
	if err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		return s.tests.Update(ctx, t)
	}); err != nil {
		return false, err
	}
	s.logger.Info().Str("test_id", id.String()).Msg("test in use, deactivated instead of deleted")
	return true, nil
}

// -- Packages --

func (s *Service) normalizePackage(ctx context.Context, p *TestPackage) error {
	p.Code = strings.ToUpper(strings.TrimSpace(p.Code))
	p.Name = strings.TrimSpace(p.Name)
	if !codePattern.MatchString(p.Code) {
		return fmt.Errorf("%w: invalid code %q", ErrValidation, p.Code)
	}
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if p.PriceCents < 0 {
		return fmt.Errorf("%w: price_cents must not be negative", ErrValidation)
	}

	ids := make([]uuid.UUID, 0, len(p.TestIDs))
	seen := make(map[uuid.UUID]bool, len(p.TestIDs))
	active := 0
	for _, id := range p.TestIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		t, err := s.GetTest(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: unknown test %s", ErrValidation, id)
		}
		if err != nil {
			return err
		}
		if t.Active {
			active++
		}
		ids = append(ids, id)
	}
	if active == 0 {
		return fmt.Errorf("%w: a package must contain at least one active test", ErrValidation)
	}
	p.TestIDs = ids
	return nil
}

func (s *Service) CreatePackage(ctx context.Context, p *TestPackage) error {
	if err := s.normalizePackage(ctx, p); err != nil {
		return err
	}
	p.Active = true
	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		return s.packages.Create(ctx, p)
	})
}

func (s *Service) GetPackage(ctx context.Context, id uuid.UUID) (*TestPackage, error) {
	key := cacheKey(ctx, id)
	if p, ok := s.pkgCache.Get(key); ok {
		return p.clone(), nil
	}
	p, err := s.packages.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.pkgCache.Add(key, p.clone())
	return p, nil
}

func (s *Service) ListPackages(ctx context.Context, active *bool, limit, offset int) ([]*TestPackage, int, error) {
	return s.packages.List(ctx, active, limit, offset)
}

func (s *Service) UpdatePackage(ctx context.Context, id uuid.UUID, upd *TestPackage) (*TestPackage, error) {
	existing, err := s.packages.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.normalizePackage(ctx, upd); err != nil {
		return nil, err
	}
	upd.ID = existing.ID
	upd.CreatedAt = existing.CreatedAt
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		return s.packages.Update(ctx, upd)
	})
	s.pkgCache.Remove(cacheKey(ctx, id))
	if err != nil {
		return nil, err
	}
	return upd, nil
}

// DeletePackage removes the package, or deactivates it when assignments
// were already created from it.
func (s *Service) DeletePackage(ctx context.Context, id uuid.UUID) (deactivated bool, err error) {
	defer s.pkgCache.Remove(cacheKey(ctx, id))

	p, err := s.packages.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	used, err := s.packages.InUse(ctx, id)
	if err != nil {
		return false, err
	}
	if !used {
		return false, s.packages.Delete(ctx, id)
	}
	p.Active = false
	if err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		return s.packages.Update(ctx, p)
	}); err != nil {
		return false, err
	}
	return true, nil
}

// PackageTests returns the active tests of an active package in package
// order.
func (s *Service) PackageTests(ctx context.Context, id uuid.UUID) ([]*LabTest, error) {
	p, err := s.GetPackage(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, fmt.Errorf("%w: package %s is inactive", ErrValidation, p.Code)
	}
	var tests []*LabTest
	for _, tid := range p.TestIDs {
		t, err := s.GetTest(ctx, tid)
		if err != nil {
			return nil, err
		}
		if t.Active {
			tests = append(tests, t)
		}
	}
	if len(tests) == 0 {
		return nil, fmt.Errorf("%w: package %s has no active tests", ErrValidation, p.Code)
	}
	return tests, nil
}
