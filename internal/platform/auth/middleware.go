package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	UserRoleKey contextKey = "user_role"
	actorKey    contextKey = "actor"
)

// JWTMiddleware validates the bearer access token and stores the caller on
// the request context. Requests for which skipper returns true pass through
// untouched.
func JWTMiddleware(issuer *Issuer, skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims, err := issuer.Verify(strings.TrimSpace(parts[1]), TokenTypeAccess)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			actor, err := claims.Actor()
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set("user_id", actor.ID.String())
			c.Set("user_role", string(actor.Role))
			c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), actor)))

			return next(c)
		}
	}
}

// WithActor returns a copy of ctx carrying actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	ctx = context.WithValue(ctx, actorKey, actor)
	ctx = context.WithValue(ctx, UserIDKey, actor.ID.String())
	ctx = context.WithValue(ctx, UserRoleKey, string(actor.Role))
	return ctx
}

// ActorFromContext returns the authenticated caller, if any.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}
