package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/edtrack/internal/platform/hipaa"
)

// Department roles.
const (
	RoleAdmin     = "admin"
	RolePhysician = "physician"
	RoleNurse     = "nurse"
	RoleRegistrar = "registrar"
	RoleAuditor   = "auditor"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == RoleAdmin {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// ActorFromContext builds the audit actor for the authenticated request. The
// first role is the acting role.
func ActorFromContext(c echo.Context) hipaa.Actor {
	ctx := c.Request().Context()
	actor := hipaa.Actor{
		UserID:    UserIDFromContext(ctx),
		UserName:  UserNameFromContext(ctx),
		Location:  c.Request().URL.Path,
		IPAddress: c.RealIP(),
	}
	if roles := RolesFromContext(ctx); len(roles) > 0 {
		actor.UserRole = roles[0]
	}
	actor.ProviderID, _ = ctx.Value(ProviderIDKey).(string)
	actor.ProviderName, _ = ctx.Value(ProviderNameKey).(string)
	if actor.UserName == "" {
		actor.UserName = actor.UserID
	}
	return actor
}
