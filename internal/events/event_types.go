package events

import (
	"time"

	"github.com/chatdesk-io/chatdesk/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketCreated               EventType = "ticket.created"
	EventTicketUpdated               EventType = "ticket.updated"
	EventTicketRemovedFromStatusList EventType = "ticket.removedFromStatusList"
)

// Event represents a domain event emitted by services.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	TenantID  string      `json:"tenant_id"`
	TicketID  string      `json:"ticket_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// TicketPayload is carried by ticket.created and ticket.updated.
type TicketPayload struct {
	Ticket domain.TicketProjection `json:"ticket"`
}

// RemovedFromStatusListPayload tells UIs to drop the ticket from the list of
// the status it left.
type RemovedFromStatusListPayload struct {
	Ticket         domain.TicketProjection `json:"ticket"`
	PreviousStatus domain.TicketStatus     `json:"previous_status"`
}

// TenantTopic is the broadcaster channel for a tenant's ticket events.
func TenantTopic(tenantID string) string {
	return "tenant:" + tenantID + ":tickets"
}
