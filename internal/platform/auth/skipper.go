package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths lists URL paths that bypass authentication. The /api/v1 entries
// still go through tenant resolution.
var publicPaths = map[string]bool{
	"/health":                       true,
	"/health/db":                    true,
	"/api/v1/auth/login":            true,
	"/api/v1/public/reports/lookup": true,
}

// AuthSkipper returns true for requests whose path should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}

// IsPublicPath reports whether the given route path is reachable without
// a bearer token.
func IsPublicPath(path string) bool {
	return publicPaths[strings.TrimRight(path, "/")]
}
