package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/events"
)

// Notifier sends a templated notification; failures are the notifier's to
// log.
type Notifier interface {
	Notify(ctx context.Context, templateID, recipient string, data map[string]string)
}

const passcodeIssuedTemplate = "passcode-issued"

const mrnRetries = 3

// PatientService registers patients and guards access to their samples with
// the blood-sample passcode.
type PatientService struct {
	patients PatientRepository
	guard    *PasscodeGuard
	pub      events.Publisher
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

func NewPatientService(patients PatientRepository, guard *PasscodeGuard, pub events.Publisher, notifier Notifier, logger zerolog.Logger) *PatientService {
	return &PatientService{
		patients: patients,
		guard:    guard,
		pub:      pub,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

func validatePatient(p *Patient) error {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("%w: first_name and last_name are required", ErrValidation)
	}
	if p.Gender == "" {
		p.Gender = "unknown"
	}
	if p.BirthDate != nil && p.BirthDate.After(time.Now()) {
		return fmt.Errorf("%w: birth_date is in the future", ErrValidation)
	}
	return nil
}

// RegisterPatient assigns an MRN, issues a passcode and stores the patient.
// The plain passcode is only present in the returned Registration.
func (s *PatientService) RegisterPatient(ctx context.Context, p *Patient) (*Registration, error) {
	if err := validatePatient(p); err != nil {
		return nil, err
	}
	passcode, err := NewPasscode()
	if err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(passcode)
	if err != nil {
		return nil, err
	}
	p.PasscodeHash = hash
	p.PasscodeIssuedAt = s.now().UTC()
	p.Active = true
	if uid, err := uuid.Parse(auth.UserIDFromContext(ctx)); err == nil {
		p.RegisteredBy = &uid
	}

	for attempt := 0; ; attempt++ {
		if p.MRN, err = NewMRN(s.now()); err != nil {
			return nil, err
		}
		err = s.patients.Create(ctx, p)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrConflict) || attempt+1 >= mrnRetries {
			return nil, err
		}
	}

	events.Emit(ctx, s.pub, s.logger, events.PatientRegistered, "patient", p.ID.String(), map[string]string{"mrn": p.MRN})
	s.notifyPasscode(ctx, p)
	return &Registration{Patient: p, Passcode: passcode}, nil
}

func (s *PatientService) notifyPasscode(ctx context.Context, p *Patient) {
	if s.notifier == nil || p.Phone == nil {
		return
	}
	s.notifier.Notify(ctx, passcodeIssuedTemplate, *p.Phone, map[string]string{
		"patient_name": p.FullName(),
		"mrn":          p.MRN,
	})
}

func (s *PatientService) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *PatientService) GetPatientByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return s.patients.GetByMRN(ctx, strings.ToUpper(strings.TrimSpace(mrn)))
}

func (s *PatientService) SearchPatients(ctx context.Context, f PatientFilter, limit, offset int) ([]*Patient, int, error) {
	f.Name = strings.TrimSpace(f.Name)
	f.MRN = strings.ToUpper(strings.TrimSpace(f.MRN))
	f.Phone = strings.TrimSpace(f.Phone)
	return s.patients.Search(ctx, f, limit, offset)
}

// UpdatePatient replaces the demographic fields of an existing patient.
// MRN and passcode are not touched.
func (s *PatientService) UpdatePatient(ctx context.Context, id uuid.UUID, upd *Patient) (*Patient, error) {
	existing, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validatePatient(upd); err != nil {
		return nil, err
	}
	existing.FirstName = upd.FirstName
	existing.LastName = upd.LastName
	existing.BirthDate = upd.BirthDate
	existing.Gender = upd.Gender
	existing.Phone = upd.Phone
	existing.Email = upd.Email
	existing.Address = upd.Address
	if err := s.patients.Update(ctx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

func (s *PatientService) DeactivatePatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Active = false
	if err := s.patients.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// RegeneratePasscode issues a new passcode, invalidating the old one and
// clearing any lockout.
func (s *PatientService) RegeneratePasscode(ctx context.Context, id uuid.UUID) (*Registration, error) {
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	passcode, err := NewPasscode()
	if err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(passcode)
	if err != nil {
		return nil, err
	}
	issued := s.now().UTC()
	if err := s.patients.UpdatePasscode(ctx, id, hash, issued); err != nil {
		return nil, err
	}
	p.PasscodeHash = hash
	p.PasscodeIssuedAt = issued
	if err := s.guard.Reset(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("patient_id", id.String()).Msg("failed to clear passcode lockout")
	}
	s.notifyPasscode(ctx, p)
	return &Registration{Patient: p, Passcode: passcode}, nil
}

// VerifyPasscode checks a patient's blood-sample passcode through the
// lockout guard. Inactive patients never verify.
func (s *PatientService) VerifyPasscode(ctx context.Context, id uuid.UUID, passcode string) error {
	err := s.guard.Verify(ctx, id, passcode)
	if err != nil {
		if errors.Is(err, ErrInvalidPasscode) || errors.Is(err, ErrPasscodeLocked) {
			s.logger.Warn().
				Str("patient_id", id.String()).
				Bool("locked", errors.Is(err, ErrPasscodeLocked)).
				Msg("passcode verification failed")
		}
		return err
	}
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !p.Active {
		return fmt.Errorf("%w: patient is inactive", ErrForbidden)
	}
	return nil
}
