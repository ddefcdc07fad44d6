package domain

import "time"

// Token represents metadata of an agent bearer token.
type Token struct {
	ID        string
	AgentID   string
	TenantID  string
	Role      AgentRole
	ExpiresAt time.Time
	IssuedAt  time.Time
}
