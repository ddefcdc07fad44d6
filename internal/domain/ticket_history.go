package domain

import "time"

// TicketChangeType captures what changed in a history entry.
type TicketChangeType string

const (
	ChangeTypeCreated  TicketChangeType = "CREATED"
	ChangeTypeReopened TicketChangeType = "REOPENED"
	ChangeTypeStatus   TicketChangeType = "STATUS_CHANGE"
	ChangeTypeAgent    TicketChangeType = "AGENT_CHANGE"
	ChangeTypeQueue    TicketChangeType = "QUEUE_CHANGE"
	ChangeTypeRating   TicketChangeType = "RATING"
)

// TicketHistory is an immutable audit trail entry.
type TicketHistory struct {
	ID         string
	TicketID   string
	TenantID   string
	ActorType  ActorType
	ActorID    *string
	ChangeType TicketChangeType
	OldValue   map[string]any
	NewValue   map[string]any
	CreatedAt  time.Time
}
