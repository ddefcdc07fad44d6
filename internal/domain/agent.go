package domain

import "time"

// AgentRole enumerates operator roles.
type AgentRole string

const (
	AgentRoleAgent      AgentRole = "agent"
	AgentRoleSupervisor AgentRole = "supervisor"
	AgentRoleAdmin      AgentRole = "admin"
)

// Agent is a human operator that works tickets of the queues it belongs to.
type Agent struct {
	ID        string
	TenantID  string
	Name      string
	Email     string
	Role      AgentRole
	QueueIDs  []string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InQueue reports whether the agent belongs to queueID.
func (a *Agent) InQueue(queueID string) bool {
	for _, id := range a.QueueIDs {
		if id == queueID {
			return true
		}
	}
	return false
}
