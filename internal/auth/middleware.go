package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/chatdesk-io/chatdesk/internal/domain"
	"github.com/chatdesk-io/chatdesk/internal/repository"
	apperrors "github.com/chatdesk-io/chatdesk/pkg/util/errorutil"
)

const principalKey = "auth_principal"

// Principal represents the authenticated agent.
type Principal struct {
	Agent *domain.Agent
	Token domain.Token
}

// Actor returns the ticket actor of the principal.
func (p *Principal) Actor() domain.Actor {
	id := p.Agent.ID
	return domain.Actor{Type: domain.ActorAgent, AgentID: &id, TenantID: p.Agent.TenantID}
}

// AuthMiddleware validates bearer tokens and loads the agent.
type AuthMiddleware struct {
	tokens *TokenManager
	agents repository.AgentRepository
}

// NewAuthMiddleware constructs middleware.
func NewAuthMiddleware(tokens *TokenManager, agents repository.AgentRepository) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens, agents: agents}
}

// Handle enforces authentication for protected routes.
func (m *AuthMiddleware) Handle(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return apperrors.NewUnauthorized("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return apperrors.NewUnauthorized("invalid authorization header")
	}

	claims, err := m.tokens.ParseToken(parts[1])
	if err != nil {
		return apperrors.NewUnauthorized("invalid token")
	}

	agent, err := m.agents.GetByID(c.UserContext(), claims.AgentID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return apperrors.NewUnauthorized("agent not found")
		}
		return apperrors.MapError(err)
	}
	if !agent.Active || agent.TenantID != claims.TenantID {
		return apperrors.NewUnauthorized("agent not allowed")
	}

	c.Locals(principalKey, &Principal{Agent: agent, Token: claims.Token()})
	return c.Next()
}

// PrincipalFromContext retrieves the authenticated agent.
func PrincipalFromContext(c *fiber.Ctx) (*Principal, bool) {
	val := c.Locals(principalKey)
	if val == nil {
		return nil, false
	}
	principal, ok := val.(*Principal)
	return principal, ok
}
