package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lims/lims/internal/platform/kvstore"
)

const (
	revokedPrefix     = "revoked:"
	revokedUserPrefix = "revoked_user:"
)

// DefaultUserCutoffTTL bounds how long a per-user cutoff is kept when the
// lifetime of outstanding tokens is unknown.
const DefaultUserCutoffTTL = 24 * time.Hour

// revocationEntry stores metadata about a revoked token.
type revocationEntry struct {
	UserID    string    `json:"user_id,omitempty"`
	RevokedAt time.Time `json:"revoked_at"`
}

// Revoker keeps revoked token IDs in the key-value store until the tokens
// would have expired on their own.
type Revoker struct {
	store kvstore.Store
	now   func() time.Time
}

func NewRevoker(store kvstore.Store) *Revoker {
	return &Revoker{store: store, now: time.Now}
}

// Revoke marks jti as revoked. Tokens already past expiresAt are ignored.
func (r *Revoker) Revoke(ctx context.Context, jti, userID string, expiresAt time.Time) error {
	if jti == "" {
		return errors.New("token has no id")
	}
	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	entry := revocationEntry{UserID: userID, RevokedAt: r.now()}
	if err := r.store.Set(ctx, revokedPrefix+jti, entry, ttl); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// RevokeUser invalidates every token issued to the user up to now. The
// cutoff is kept for ttl, which should cover the longest token lifetime.
func (r *Revoker) RevokeUser(ctx context.Context, tenantID, userID string, ttl time.Duration) error {
	if userID == "" {
		return errors.New("user id is empty")
	}
	if ttl <= 0 {
		ttl = DefaultUserCutoffTTL
	}
	cutoff := r.now().Unix()
	if err := r.store.Set(ctx, userCutoffKey(tenantID, userID), cutoff, ttl); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	return nil
}

// IsUserRevoked reports whether a token issued at issuedAt predates the
// user's cutoff. Tokens without an issue time are treated as revoked once a
// cutoff exists.
func (r *Revoker) IsUserRevoked(ctx context.Context, tenantID, userID string, issuedAt time.Time) (bool, error) {
	if userID == "" {
		return false, nil
	}
	var cutoff int64
	err := r.store.Get(ctx, userCutoffKey(tenantID, userID), &cutoff)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if issuedAt.IsZero() {
		return true, nil
	}
	return issuedAt.Unix() <= cutoff, nil
}

func userCutoffKey(tenantID, userID string) string {
	return revokedUserPrefix + tenantID + ":" + userID
}

// IsRevoked checks if a token ID has been revoked.
func (r *Revoker) IsRevoked(ctx context.Context, jti string) (bool, error) {
	return r.store.Exists(ctx, revokedPrefix+jti)
}
