package domain

import "time"

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusPending TicketStatus = "pending"
	TicketStatusOpen    TicketStatus = "open"
	TicketStatusClosed  TicketStatus = "closed"
)

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusPending, TicketStatusOpen, TicketStatusClosed:
		return true
	}
	return false
}

// Ticket is the routable unit of a conversation between a contact and a tenant.
type Ticket struct {
	ID            string
	TenantID      string
	ContactID     string
	Status        TicketStatus
	QueueID       *string
	AgentID       *string
	ChatbotActive bool
	MenuOptionID  *string
	UnreadCount   int
	LastMessage   string
	Channel       string
	SessionID     string
	IsGroup       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Active reports whether the ticket counts towards the one-active-ticket rule.
func (t *Ticket) Active() bool {
	return t.Status == TicketStatusPending || t.Status == TicketStatusOpen
}

// Orphaned reports whether the ticket is pending with neither queue nor agent.
func (t *Ticket) Orphaned() bool {
	return t.Status == TicketStatusPending && t.QueueID == nil && t.AgentID == nil
}

// ResetRouting clears every routing field, used when a closed ticket is resurrected.
func (t *Ticket) ResetRouting() {
	t.Status = TicketStatusPending
	t.QueueID = nil
	t.AgentID = nil
	t.ChatbotActive = false
	t.MenuOptionID = nil
}

// TicketTracking is the 1:1 timestamp shadow of a ticket.
type TicketTracking struct {
	ID                string
	TicketID          string
	TenantID          string
	AgentID           *string
	QueuedAt          *time.Time
	StartedAt         *time.Time
	RatingRequestedAt *time.Time
	FinishedAt        *time.Time
	Rated             bool
	Rating            *int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AwaitingRating reports whether a rating request is outstanding at now.
func (tr *TicketTracking) AwaitingRating(now time.Time, window time.Duration) bool {
	if tr == nil || tr.RatingRequestedAt == nil || tr.Rated {
		return false
	}
	return now.Sub(*tr.RatingRequestedAt) <= window
}

// ResetForReopen clears the per-attendance timestamps of a resurrected ticket.
func (tr *TicketTracking) ResetForReopen(now time.Time) {
	tr.AgentID = nil
	tr.QueuedAt = &now
	tr.StartedAt = nil
	tr.RatingRequestedAt = nil
	tr.FinishedAt = nil
	tr.Rated = false
	tr.Rating = nil
}

// Actor identifies who requested a ticket change.
type Actor struct {
	Type     ActorType
	AgentID  *string
	TenantID string
}

// ActorType differentiates agent-driven from system-driven changes.
type ActorType string

const (
	ActorAgent     ActorType = "agent"
	ActorSystem    ActorType = "system"
	ActorScheduler ActorType = "scheduler"
	ActorContact   ActorType = "contact"
)

// SystemActor is the actor used by automated flows.
var SystemActor = Actor{Type: ActorSystem}

// TransitionRequest carries a requested ticket change.
type TransitionRequest struct {
	Status  TicketStatus
	QueueID *string
	AgentID *string
	Force   bool
}
