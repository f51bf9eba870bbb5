package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths lists route paths that bypass authentication: infrastructure
// endpoints and the account bootstrap flows.
var publicPaths = map[string]bool{
	"/":                           true,
	"/health":                     true,
	"/health/db":                  true,
	"/metrics":                    true,
	"/api/accounts/register":      true,
	"/api/accounts/login":         true,
	"/api/accounts/token/refresh": true,
	"/api/accounts/request-reset": true,
	"/api/accounts/confirm-reset": true,
}

// AuthSkipper returns true for requests whose path should skip authentication.
func AuthSkipper(c echo.Context) bool {
	if publicPaths[c.Path()] {
		return true
	}
	return IsPublicPath(c.Request().URL.Path)
}

// IsPublicPath reports whether path (with or without a trailing slash) is public.
func IsPublicPath(path string) bool {
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return publicPaths[path]
}
