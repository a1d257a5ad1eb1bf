package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("already exists")
	ErrValidation         = errors.New("validation failed")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountInactive    = errors.New("account is inactive")
	ErrLoginThrottled     = errors.New("too many failed login attempts")
	ErrLastAdmin          = errors.New("at least one active admin is required")
	ErrInvalidPasscode    = errors.New("invalid passcode")
	ErrPasscodeLocked     = errors.New("passcode locked after too many failed attempts")
)

// User is a staff account.
type User struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	FullName     string     `db:"full_name" json:"full_name"`
	Role         string     `db:"role" json:"role"`
	PasswordHash string     `db:"password_hash" json:"-"`
	Active       bool       `db:"active" json:"active"`
	LastLoginAt  *time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Patient is a person whose samples the lab processes. PasscodeHash is the
// bcrypt hash of the blood-sample passcode printed on the sample slip.
type Patient struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	MRN              string     `db:"mrn" json:"mrn"`
	FirstName        string     `db:"first_name" json:"first_name"`
	LastName         string     `db:"last_name" json:"last_name"`
	BirthDate        *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Gender           string     `db:"gender" json:"gender"`
	Phone            *string    `db:"phone" json:"phone,omitempty"`
	Email            *string    `db:"email" json:"email,omitempty"`
	Address          *string    `db:"address" json:"address,omitempty"`
	PasscodeHash     string     `db:"passcode_hash" json:"-"`
	PasscodeIssuedAt time.Time  `db:"passcode_issued_at" json:"passcode_issued_at"`
	Active           bool       `db:"active" json:"active"`
	RegisteredBy     *uuid.UUID `db:"registered_by" json:"registered_by,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

func (p *Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Age returns the patient's age in whole years at t, or -1 when the birth
// date is unknown.
func (p *Patient) Age(t time.Time) int {
	if p.BirthDate == nil {
		return -1
	}
	b := *p.BirthDate
	years := t.Year() - b.Year()
	if t.YearDay() < b.YearDay() {
		years--
	}
	return years
}

// UserFilter narrows ListUsers.
type UserFilter struct {
	Role   string
	Active *bool
}

// PatientFilter narrows SearchPatients. Name matches first or last name,
// MRN and phone match by prefix.
type PatientFilter struct {
	Name   string
	MRN    string
	Phone  string
	Active *bool
}

// Registration is returned once by RegisterPatient and RegeneratePasscode.
// The plain passcode is not stored anywhere.
type Registration struct {
	Patient  *Patient `json:"patient"`
	Passcode string   `json:"passcode"`
}
