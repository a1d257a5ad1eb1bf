package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("code already exists")
	ErrValidation = errors.New("validation failed")
)

// LabTest is an orderable diagnostic test and the parameters it reports.
type LabTest struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	Code            string          `db:"code" json:"code"`
	Name            string          `db:"name" json:"name"`
	Category        string          `db:"category" json:"category"`
	SampleType      string          `db:"sample_type" json:"sample_type"`
	Description     *string         `db:"description" json:"description,omitempty"`
	PriceCents      int64           `db:"price_cents" json:"price_cents"`
	TurnaroundHours int             `db:"turnaround_hours" json:"turnaround_hours"`
	Active          bool            `db:"active" json:"active"`
	Parameters      []TestParameter `json:"parameters"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Parameter returns the parameter with the given ID.
func (t *LabTest) Parameter(id uuid.UUID) (TestParameter, bool) {
	for _, p := range t.Parameters {
		if p.ID == id {
			return p, true
		}
	}
	return TestParameter{}, false
}

func (t *LabTest) clone() *LabTest {
	c := *t
	c.Parameters = append([]TestParameter(nil), t.Parameters...)
	return &c
}

// TestParameter is one measured value of a test. RefLow and RefHigh bound
// numeric results; RefText is the expected value of a qualitative result.
type TestParameter struct {
	ID        uuid.UUID `db:"id" json:"id"`
	TestID    uuid.UUID `db:"test_id" json:"test_id"`
	Name      string    `db:"name" json:"name"`
	Unit      string    `db:"unit" json:"unit,omitempty"`
	RefLow    *float64  `db:"ref_low" json:"ref_low,omitempty"`
	RefHigh   *float64  `db:"ref_high" json:"ref_high,omitempty"`
	RefText   *string   `db:"ref_text" json:"ref_text,omitempty"`
	SortOrder int       `db:"sort_order" json:"sort_order"`
}

// RangeLabel formats the reference range for display, e.g. "4.5 - 11",
// "< 200", "> 40" or the qualitative reference text.
func (p TestParameter) RangeLabel() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	switch {
	case p.RefLow != nil && p.RefHigh != nil:
		return f(*p.RefLow) + " - " + f(*p.RefHigh)
	case p.RefHigh != nil:
		return "< " + f(*p.RefHigh)
	case p.RefLow != nil:
		return "> " + f(*p.RefLow)
	case p.RefText != nil:
		return *p.RefText
	}
	return ""
}

func (p TestParameter) validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: parameter name is required", ErrValidation)
	}
	if p.RefLow != nil && p.RefHigh != nil && *p.RefLow > *p.RefHigh {
		return fmt.Errorf("%w: parameter %q: ref_low must not exceed ref_high", ErrValidation, p.Name)
	}
	return nil
}

// TestPackage is a bundle of tests ordered together.
type TestPackage struct {
	ID          uuid.UUID   `db:"id" json:"id"`
	Code        string      `db:"code" json:"code"`
	Name        string      `db:"name" json:"name"`
	Description *string     `db:"description" json:"description,omitempty"`
	PriceCents  int64       `db:"price_cents" json:"price_cents"`
	Active      bool        `db:"active" json:"active"`
	TestIDs     []uuid.UUID `json:"test_ids"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

func (p *TestPackage) clone() *TestPackage {
	c := *p
	c.TestIDs = append([]uuid.UUID(nil), p.TestIDs...)
	return &c
}

// TestFilter narrows ListTests. Query matches code or name.
type TestFilter struct {
	Category string
	Active   *bool
	Query    string
}
