package results

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/catalog"
)

var (
	ErrNotFound          = errors.New("result not found")
	ErrValidation        = errors.New("validation failed")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("result was modified concurrently")
	ErrInvalidTransition = errors.New("invalid result status transition")
)

// Result statuses.
const (
	StatusDraft     = "DRAFT"
	StatusSubmitted = "SUBMITTED"
	StatusApproved  = "APPROVED"
	StatusRejected  = "REJECTED"
)

// Value flags.
const (
	FlagNormal   = "N"
	FlagLow      = "L"
	FlagHigh     = "H"
	FlagAbnormal = "A"
)

var transitions = map[string][]string{
	StatusDraft:     {StatusDraft, StatusSubmitted},
	StatusSubmitted: {StatusApproved, StatusRejected},
	StatusRejected:  {StatusDraft},
	StatusApproved:  {},
}

func ValidStatus(s string) bool {
	_, ok := transitions[s]
	return ok
}

func ValidateTransition(from, to string) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Result holds the measured values of one assignment and its review outcome.
type Result struct {
	ID             uuid.UUID     `db:"id" json:"id"`
	AssignmentID   uuid.UUID     `db:"assignment_id" json:"assignment_id"`
	PatientID      uuid.UUID     `db:"patient_id" json:"patient_id"`
	TestID         uuid.UUID     `db:"test_id" json:"test_id"`
	Status         string        `db:"status" json:"status"`
	Values         []ResultValue `db:"result_values" json:"values"`
	Interpretation *string       `db:"interpretation" json:"interpretation,omitempty"`
	EnteredBy      *uuid.UUID    `db:"entered_by" json:"entered_by,omitempty"`
	SubmittedAt    *time.Time    `db:"submitted_at" json:"submitted_at,omitempty"`
	ReviewedBy     *uuid.UUID    `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time    `db:"reviewed_at" json:"reviewed_at,omitempty"`
	ReviewComment  *string       `db:"review_comment" json:"review_comment,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// Abnormal reports whether any value is flagged outside its reference.
func (r *Result) Abnormal() bool {
	for _, v := range r.Values {
		if v.Flag != "" && v.Flag != FlagNormal {
			return true
		}
	}
	return false
}

// ResultValue is one measured parameter. The reference range is copied from
// the catalog when the value is saved, so later catalog edits do not change
// how an approved result reads.
type ResultValue struct {
	ParameterID   uuid.UUID `json:"parameter_id"`
	ParameterName string    `json:"parameter_name"`
	Value         string    `json:"value"`
	NumericValue  *float64  `json:"numeric_value,omitempty"`
	Unit          string    `json:"unit,omitempty"`
	Flag          string    `json:"flag,omitempty"`
	RefLow        *float64  `json:"ref_low,omitempty"`
	RefHigh       *float64  `json:"ref_high,omitempty"`
	RefText       *string   `json:"ref_text,omitempty"`
}

// RangeLabel renders the stored reference the way the catalog does.
func (v ResultValue) RangeLabel() string {
	p := catalog.TestParameter{RefLow: v.RefLow, RefHigh: v.RefHigh, RefText: v.RefText}
	return p.RangeLabel()
}

// Evaluate builds the stored value for a raw reading of p. Numeric readings
// are flagged L, H or N against the bounds; text readings are compared with
// the reference text and flagged A when they differ. A reading with no
// applicable reference carries no flag.
func Evaluate(p catalog.TestParameter, raw string) ResultValue {
	raw = strings.TrimSpace(raw)
	v := ResultValue{
		ParameterID:   p.ID,
		ParameterName: p.Name,
		Value:         raw,
		Unit:          p.Unit,
		RefLow:        p.RefLow,
		RefHigh:       p.RefHigh,
		RefText:       p.RefText,
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		v.NumericValue = &n
		switch {
		case p.RefLow != nil && n < *p.RefLow:
			v.Flag = FlagLow
		case p.RefHigh != nil && n > *p.RefHigh:
			v.Flag = FlagHigh
		case p.RefLow != nil || p.RefHigh != nil:
			v.Flag = FlagNormal
		}
		return v
	}
	if p.RefText != nil {
		if strings.EqualFold(raw, strings.TrimSpace(*p.RefText)) {
			v.Flag = FlagNormal
		} else {
			v.Flag = FlagAbnormal
		}
	}
	return v
}

// ValueInput is one reading as entered by the technician.
type ValueInput struct {
	ParameterID uuid.UUID
	Value       string
}

// SaveInput is the input of SaveResult.
type SaveInput struct {
	Values         []ValueInput
	Interpretation *string
	// Complete marks all measurements as taken and completes the assignment.
	Complete bool
}

// Filter narrows ListResults.
type Filter struct {
	Status    string
	PatientID *uuid.UUID
}
