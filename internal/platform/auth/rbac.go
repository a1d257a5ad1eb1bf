package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Staff roles. Admin satisfies every role check.
const (
	RoleAdmin        = "admin"
	RoleReceptionist = "receptionist"
	RoleTechnician   = "technician"
	RoleDoctor       = "doctor"
)

// AllRoles lists the roles a staff account may hold.
var AllRoles = []string{RoleAdmin, RoleReceptionist, RoleTechnician, RoleDoctor}

// ValidRole reports whether r is a known staff role.
func ValidRole(r string) bool {
	for _, known := range AllRoles {
		if r == known {
			return true
		}
	}
	return false
}

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(c.Request().Context(), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether the caller holds one of roles or is an admin.
func HasRole(ctx context.Context, roles ...string) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == RoleAdmin {
			return true
		}
		for _, required := range roles {
			if has == required {
				return true
			}
		}
	}
	return false
}

// IsAdmin reports whether the caller is an admin.
func IsAdmin(ctx context.Context) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == RoleAdmin {
			return true
		}
	}
	return false
}
