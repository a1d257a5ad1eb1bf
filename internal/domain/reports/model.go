package reports

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("report not found")
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
	ErrConflict   = errors.New("report number already exists")
	ErrVoided     = errors.New("report has been voided")
)

const (
	StatusGenerated = "GENERATED"
	StatusVoided    = "VOIDED"
)

// Report is a rendered PDF covering one or more approved results of a
// patient. The file itself lives in the blob store.
type Report struct {
	ID           uuid.UUID   `db:"id" json:"id"`
	ReportNumber string      `db:"report_number" json:"report_number"`
	PatientID    uuid.UUID   `db:"patient_id" json:"patient_id"`
	Status       string      `db:"status" json:"status"`
	BlobID       string      `db:"blob_id" json:"-"`
	FileName     string      `db:"file_name" json:"file_name"`
	SizeBytes    int64       `db:"size_bytes" json:"size_bytes"`
	SHA256       string      `db:"sha256" json:"sha256"`
	ResultIDs    []uuid.UUID `db:"-" json:"result_ids"`
	GeneratedBy  *uuid.UUID  `db:"generated_by" json:"generated_by,omitempty"`
	GeneratedAt  time.Time   `db:"generated_at" json:"generated_at"`
	VoidReason   *string     `db:"void_reason" json:"void_reason,omitempty"`
}

const (
	numberAlphabet  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	numberSuffixLen = 8
)

var numberPattern = regexp.MustCompile(`^RPT-[0-9]{8}-[A-HJ-NP-Z2-9]{8}$`)

// NewReportNumber returns a report number of the form RPT-YYYYMMDD-XXXXXXXX.
func NewReportNumber(now time.Time) (string, error) {
	suffix := make([]byte, numberSuffixLen)
	max := big.NewInt(int64(len(numberAlphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate report number: %w", err)
		}
		suffix[i] = numberAlphabet[n.Int64()]
	}
	return "RPT-" + now.UTC().Format("20060102") + "-" + string(suffix), nil
}

// NormalizeReportNumber upper-cases and trims a number typed by a patient
// and reports whether it is well formed.
func NormalizeReportNumber(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	return s, numberPattern.MatchString(s)
}
