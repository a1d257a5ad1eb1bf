package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/kvstore"
)

// LoginPolicy throttles repeated failed logins per email address.
type LoginPolicy struct {
	MaxAttempts int
	Window      time.Duration
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	Token     string    `json:"access_token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	User      *User     `json:"user"`
}

// UserService handles staff authentication and account administration.
type UserService struct {
	users   UserRepository
	tx      db.Transactor
	issuer  *auth.TokenIssuer
	revoker *auth.Revoker
	store   kvstore.Store
	policy  LoginPolicy
	logger  zerolog.Logger
	now     func() time.Time
}

func NewUserService(users UserRepository, tx db.Transactor, issuer *auth.TokenIssuer, revoker *auth.Revoker, store kvstore.Store, policy LoginPolicy, logger zerolog.Logger) *UserService {
	return &UserService{
		users:   users,
		tx:      tx,
		issuer:  issuer,
		revoker: revoker,
		store:   store,
		policy:  policy,
		logger:  logger,
		now:     time.Now,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func loginKey(ctx context.Context, email string) string {
	return "login:fail:" + db.TenantFromContext(ctx) + ":" + email
}

// Login checks credentials and issues an access token. Unknown emails and
// wrong passwords return the same error and both count toward the throttle.
func (s *UserService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	if s.issuer == nil {
		return nil, fmt.Errorf("%w: login is handled by the external identity provider", ErrForbidden)
	}
	email = normalizeEmail(email)
	key := loginKey(ctx, email)

	if s.policy.MaxAttempts > 0 {
		var failures int
		if err := s.store.Get(ctx, key, &failures); err == nil && failures >= s.policy.MaxAttempts {
			return nil, ErrLoginThrottled
		}
	}

	u, err := s.users.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	valid := false
	if u != nil {
		valid, err = auth.CheckPassword(u.PasswordHash, password)
		if err != nil {
			return nil, err
		}
	}
	if !valid {
		s.recordFailure(ctx, key)
		return nil, ErrInvalidCredentials
	}
	if !u.Active {
		return nil, ErrAccountInactive
	}

	token, exp, err := s.issuer.Issue(auth.Principal{
		UserID:   u.ID.String(),
		TenantID: db.TenantFromContext(ctx),
		Role:     u.Role,
		Name:     u.FullName,
		Email:    u.Email,
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.Del(ctx, key); err != nil {
		s.logger.Warn().Err(err).Str("user_id", u.ID.String()).Msg("failed to reset login attempts")
	}
	now := s.now().UTC()
	if err := s.users.TouchLogin(ctx, u.ID, now); err != nil {
		s.logger.Warn().Err(err).Str("user_id", u.ID.String()).Msg("failed to record last login")
	}
	u.LastLoginAt = &now

	return &LoginResult{Token: token, TokenType: "Bearer", ExpiresAt: exp, User: u}, nil
}

func (s *UserService) recordFailure(ctx context.Context, key string) {
	if s.policy.MaxAttempts <= 0 {
		return
	}
	if _, err := s.store.Incr(ctx, key, s.policy.Window); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record login attempt")
	}
}

// Logout revokes the token carried by ctx.
func (s *UserService) Logout(ctx context.Context) error {
	jti := auth.TokenIDFromContext(ctx)
	if jti == "" || s.revoker == nil {
		return nil
	}
	return s.revoker.Revoke(ctx, jti, auth.UserIDFromContext(ctx), auth.TokenExpiryFromContext(ctx))
}

// revokeSessions invalidates every token issued to id so far.
func (s *UserService) revokeSessions(ctx context.Context, id uuid.UUID) error {
	if s.revoker == nil {
		return nil
	}
	ttl := auth.DefaultUserCutoffTTL
	if s.issuer != nil && s.issuer.TTL() > ttl {
		ttl = s.issuer.TTL()
	}
	return s.revoker.RevokeUser(ctx, db.TenantFromContext(ctx), id.String(), ttl)
}

// Me returns the account of the caller.
func (s *UserService) Me(ctx context.Context) (*User, error) {
	id, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return nil, ErrNotFound
	}
	return s.users.GetByID(ctx, id)
}

func (s *UserService) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	u, err := s.Me(ctx)
	if err != nil {
		return err
	}
	ok, err := auth.CheckPassword(u.PasswordHash, oldPassword)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCredentials
	}
	if err := s.setPassword(ctx, u.ID, newPassword); err != nil {
		return err
	}
	return s.revokeSessions(ctx, u.ID)
}

func (s *UserService) setPassword(ctx context.Context, id uuid.UUID, password string) error {
	if len(password) < auth.MinPasswordLength {
		return fmt.Errorf("%w: %v", ErrValidation, auth.ErrPasswordTooShort)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	return s.users.UpdatePassword(ctx, id, hash)
}

// -- Account administration --

func (s *UserService) CreateUser(ctx context.Context, u *User, password string) error {
	u.Email = normalizeEmail(u.Email)
	u.FullName = strings.TrimSpace(u.FullName)
	if _, err := mail.ParseAddress(u.Email); err != nil {
		return fmt.Errorf("%w: invalid email", ErrValidation)
	}
	if u.FullName == "" {
		return fmt.Errorf("%w: full_name is required", ErrValidation)
	}
	if !auth.ValidRole(u.Role) {
		return fmt.Errorf("%w: unknown role %q", ErrValidation, u.Role)
	}
	if len(password) < auth.MinPasswordLength {
		return fmt.Errorf("%w: %v", ErrValidation, auth.ErrPasswordTooShort)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	u.Active = true
	return s.users.Create(ctx, u)
}

func (s *UserService) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.users.GetByID(ctx, id)
}

func (s *UserService) ListUsers(ctx context.Context, f UserFilter, limit, offset int) ([]*User, int, error) {
	return s.users.List(ctx, f, limit, offset)
}

// UserUpdate holds the mutable account fields. Nil fields are left as-is.
type UserUpdate struct {
	FullName *string
	Role     *string
	Active   *bool
}

// UpdateUser applies upd. Demoting or deactivating the last active admin is
// refused. A role change or deactivation ends the user's existing sessions.
func (s *UserService) UpdateUser(ctx context.Context, id uuid.UUID, upd UserUpdate) (*User, error) {
	if upd.FullName != nil && strings.TrimSpace(*upd.FullName) == "" {
		return nil, fmt.Errorf("%w: full_name is required", ErrValidation)
	}
	if upd.Role != nil && !auth.ValidRole(*upd.Role) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, *upd.Role)
	}

	var u User
	var revoke bool
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		current, err := s.users.GetByID(ctx, id)
		if err != nil {
			return err
		}
		wasActiveAdmin := current.Active && current.Role == auth.RoleAdmin
		u = *current

		if upd.FullName != nil {
			u.FullName = strings.TrimSpace(*upd.FullName)
		}
		if upd.Role != nil {
			u.Role = *upd.Role
		}
		if upd.Active != nil {
			u.Active = *upd.Active
		}

		// The count locks the active admin rows so concurrent demotions
		// serialize on it.
		if wasActiveAdmin && !(u.Active && u.Role == auth.RoleAdmin) {
			n, err := s.users.CountActiveAdmins(ctx)
			if err != nil {
				return err
			}
			if n <= 1 {
				return ErrLastAdmin
			}
		}

		revoke = u.Role != current.Role || (current.Active && !u.Active)
		return s.users.Update(ctx, &u)
	})
	if err != nil {
		return nil, err
	}
	if revoke {
		if err := s.revokeSessions(ctx, u.ID); err != nil {
			return nil, err
		}
	}
	return &u, nil
}

func (s *UserService) DeactivateUser(ctx context.Context, id uuid.UUID) (*User, error) {
	inactive := false
	return s.UpdateUser(ctx, id, UserUpdate{Active: &inactive})
}

// ResetPassword sets a new password for another account (admin action).
func (s *UserService) ResetPassword(ctx context.Context, id uuid.UUID, password string) error {
	if _, err := s.users.GetByID(ctx, id); err != nil {
		return err
	}
	if err := s.setPassword(ctx, id, password); err != nil {
		return err
	}
	return s.revokeSessions(ctx, id)
}
