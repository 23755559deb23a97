package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RoleAdmin passes every role and scope check.
const RoleAdmin = "admin"

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
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

// RequireScope returns middleware that checks the caller holds a scope
// covering required.
func RequireScope(required string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasScope(c.Request().Context(), required) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required scope: %s", required))
		}
	}
}

// IsAdmin reports whether the caller holds the admin role.
func IsAdmin(ctx context.Context) bool {
	for _, r := range RolesFromContext(ctx) {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

// HasScope reports whether any granted scope covers required. Admins hold
// every scope.
func HasScope(ctx context.Context, required string) bool {
	if IsAdmin(ctx) {
		return true
	}
	for _, scope := range ScopesFromContext(ctx) {
		if matchScope(scope, required) {
			return true
		}
	}
	return false
}

// matchScope treats scopes as dot-separated paths: a granted scope covers
// itself and everything beneath it, so "sections.hematology" covers
// "sections.hematology.cbc" but not "sections.hematology2".
func matchScope(granted, required string) bool {
	if granted == "" {
		return false
	}
	if granted == required || granted == "*" {
		return true
	}
	return strings.HasPrefix(required, granted+".")
}
