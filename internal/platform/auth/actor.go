// Package auth identifies staff callers and gates routes by role.
package auth

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/clinicflow/queue/internal/platform/apperr"
)

// Staff roles. Admin passes every role check.
const (
	RoleAdmin     = "admin"
	RoleRegistrar = "registrar"
	RoleDoctor    = "doctor"
	RoleKiosk     = "kiosk"
	RoleOperator  = "operator"
)

// Actor is the authenticated staff member behind a request.
type Actor struct {
	UserID string
	Roles  []string
}

type actorKey struct{}

// WithActor returns ctx acting as userID. Jobs and tests use it directly.
func WithActor(ctx context.Context, userID string, roles ...string) context.Context {
	return context.WithValue(ctx, actorKey{}, Actor{UserID: userID, Roles: roles})
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

func UserIDFromContext(ctx context.Context) string {
	a, _ := ActorFromContext(ctx)
	return a.UserID
}

func RolesFromContext(ctx context.Context) []string {
	a, _ := ActorFromContext(ctx)
	return a.Roles
}

// HasRole reports whether the actor holds any of roles or is an admin.
func HasRole(ctx context.Context, roles ...string) bool {
	held := RolesFromContext(ctx)
	if slices.Contains(held, RoleAdmin) {
		return true
	}
	for _, r := range roles {
		if slices.Contains(held, r) {
			return true
		}
	}
	return false
}

func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !HasRole(c.Request().Context(), roles...) {
				return echo.NewHTTPError(http.StatusForbidden, apperr.Body{
					Code:    "forbidden",
					Message: "requires one of roles " + strings.Join(roles, ", "),
				})
			}
			return next(c)
		}
	}
}
