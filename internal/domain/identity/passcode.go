package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/kvstore"
)

const (
	passcodeDigits = 6
	mrnAlphabet    = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	mrnSuffixLen   = 6
)

// NewPasscode returns a uniformly random 6-digit passcode.
func NewPasscode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate passcode: %w", err)
	}
	return fmt.Sprintf("%0*d", passcodeDigits, n.Int64()), nil
}

// NewMRN returns a medical record number of the form LIMS-YYMMDD-XXXXXX.
func NewMRN(now time.Time) (string, error) {
	suffix := make([]byte, mrnSuffixLen)
	max := big.NewInt(int64(len(mrnAlphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate mrn: %w", err)
		}
		suffix[i] = mrnAlphabet[n.Int64()]
	}
	return "LIMS-" + now.UTC().Format("060102") + "-" + string(suffix), nil
}

// LockoutError carries the remaining lockout time with ErrPasscodeLocked.
type LockoutError struct {
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("%s, retry in %s", ErrPasscodeLocked, e.RetryAfter.Round(time.Second))
}

func (e *LockoutError) Unwrap() error { return ErrPasscodeLocked }

// PasscodeGuard verifies blood-sample passcodes and locks a patient's
// passcode after too many consecutive failures. Attempts are counted per
// tenant and patient in the key-value store, so every API instance shares
// them.
type PasscodeGuard struct {
	patients    PatientRepository
	store       kvstore.Store
	maxAttempts int64
	lockout     time.Duration
}

func NewPasscodeGuard(patients PatientRepository, store kvstore.Store, maxAttempts int, lockout time.Duration) *PasscodeGuard {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &PasscodeGuard{
		patients:    patients,
		store:       store,
		maxAttempts: int64(maxAttempts),
		lockout:     lockout,
	}
}

func attemptsKey(ctx context.Context, patientID uuid.UUID) string {
	return "passcode:fail:" + db.TenantFromContext(ctx) + ":" + patientID.String()
}

// Verify checks passcode against the patient's stored hash. It returns
// ErrInvalidPasscode on mismatch and a *LockoutError once the failure budget
// is spent. A match clears the failure counter.
func (g *PasscodeGuard) Verify(ctx context.Context, patientID uuid.UUID, passcode string) error {
	key := attemptsKey(ctx, patientID)

	var failures int64
	switch err := g.store.Get(ctx, key, &failures); {
	case err == nil:
		if failures >= g.maxAttempts {
			return g.locked(ctx, key)
		}
	case errors.Is(err, kvstore.ErrNotFound):
	default:
		return fmt.Errorf("read passcode attempts: %w", err)
	}

	p, err := g.patients.GetByID(ctx, patientID)
	if err != nil {
		return err
	}
	ok, err := auth.CheckPassword(p.PasscodeHash, passcode)
	if err != nil {
		return fmt.Errorf("check passcode: %w", err)
	}
	if ok {
		if err := g.store.Del(ctx, key); err != nil {
			return fmt.Errorf("reset passcode attempts: %w", err)
		}
		return nil
	}

	n, err := g.store.Incr(ctx, key, g.lockout)
	if err != nil {
		return fmt.Errorf("record passcode attempt: %w", err)
	}
	if n >= g.maxAttempts {
		return g.locked(ctx, key)
	}
	return ErrInvalidPasscode
}

// Reset clears the failure counter, for example after a new passcode is
// issued.
func (g *PasscodeGuard) Reset(ctx context.Context, patientID uuid.UUID) error {
	return g.store.Del(ctx, attemptsKey(ctx, patientID))
}

func (g *PasscodeGuard) locked(ctx context.Context, key string) error {
	ttl, err := g.store.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		ttl = g.lockout
	}
	return &LockoutError{RetryAfter: ttl}
}
