package auth

import (
	"github.com/gofiber/fiber/v2"

	"github.com/chatdesk-io/chatdesk/internal/domain"
	apperrors "github.com/chatdesk-io/chatdesk/pkg/util/errorutil"
)

// RequireRole ensures the agent has one of the allowed roles. No roles means
// any authenticated agent.
func RequireRole(allowed ...domain.AgentRole) fiber.Handler {
	allowedSet := make(map[domain.AgentRole]struct{}, len(allowed))
	for _, role := range allowed {
		allowedSet[role] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok || principal.Agent == nil {
			return apperrors.NewUnauthorized("authentication required")
		}
		if len(allowedSet) == 0 {
			return c.Next()
		}
		if _, exists := allowedSet[principal.Agent.Role]; !exists {
			return apperrors.NewForbidden("insufficient role")
		}
		return c.Next()
	}
}

// RequireTenantParam ensures the route's tenant parameter is the agent's tenant.
func RequireTenantParam(param string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok || principal.Agent == nil {
			return apperrors.NewUnauthorized("authentication required")
		}
		if c.Params(param) != principal.Agent.TenantID {
			return apperrors.NewForbidden("tenant mismatch")
		}
		return c.Next()
	}
}
