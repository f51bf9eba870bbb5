package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRoles returns middleware that lets the request through only when the
// caller holds one of roles. Fine-grained decisions stay with Authorize.
func RequireRoles(roles ...Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor, ok := ActorFromContext(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			for _, r := range roles {
				if actor.Role == r {
					return next(c)
				}
			}
			names := make([]string, len(roles))
			for i, r := range roles {
				names[i] = string(r)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(names, " or ")))
		}
	}
}

// MustActor extracts the caller inside a handler. Routes behind
// JWTMiddleware always have one; a missing actor is reported as 401.
func MustActor(c echo.Context) (Actor, error) {
	actor, ok := ActorFromContext(c.Request().Context())
	if !ok {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return actor, nil
}
