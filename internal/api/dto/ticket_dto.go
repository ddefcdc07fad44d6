package dto

import (
	"time"

	"github.com/chatdesk-io/chatdesk/internal/domain"
)

// CloseTicketRequest payload.
type CloseTicketRequest struct {
	Force bool `json:"force"`
}

// TransferTicketRequest payload. At least one field is required.
type TransferTicketRequest struct {
	QueueID *string `json:"queue_id"`
	AgentID *string `json:"agent_id"`
}

// TicketResponse is the ticket returned by agent actions.
type TicketResponse struct {
	ID            string              `json:"id"`
	TenantID      string              `json:"tenant_id"`
	ContactID     string              `json:"contact_id"`
	Status        domain.TicketStatus `json:"status"`
	QueueID       *string             `json:"queue_id"`
	AgentID       *string             `json:"agent_id"`
	ChatbotActive bool                `json:"chatbot_active"`
	UnreadCount   int                 `json:"unread_count"`
	LastMessage   string              `json:"last_message"`
	IsGroup       bool                `json:"is_group"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// MessageResponse represents a conversation message.
type MessageResponse struct {
	ID             string                  `json:"id"`
	ExternalID     string                  `json:"external_id"`
	Direction      domain.MessageDirection `json:"direction"`
	Kind           domain.MessageKind      `json:"kind"`
	Body           string                  `json:"body"`
	MediaURL       string                  `json:"media_url,omitempty"`
	MediaType      string                  `json:"media_type,omitempty"`
	DeliveryStatus domain.DeliveryStatus   `json:"delivery_status"`
	SentAt         time.Time               `json:"sent_at"`
}

// HistoryResponse represents an audit entry.
type HistoryResponse struct {
	ID         string                  `json:"id"`
	ActorType  domain.ActorType        `json:"actor_type"`
	ActorID    *string                 `json:"actor_id"`
	ChangeType domain.TicketChangeType `json:"change_type"`
	OldValue   map[string]any          `json:"old_value"`
	NewValue   map[string]any          `json:"new_value"`
	CreatedAt  time.Time               `json:"created_at"`
}

// AutoAssignResponse reports an on-demand scheduler run.
type AutoAssignResponse struct {
	TenantID string `json:"tenant_id"`
	Queued   bool   `json:"queued"`
	Assigned int    `json:"assigned"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
}

// NewTicketResponse maps a ticket.
func NewTicketResponse(t *domain.Ticket) TicketResponse {
	return TicketResponse{
		ID:            t.ID,
		TenantID:      t.TenantID,
		ContactID:     t.ContactID,
		Status:        t.Status,
		QueueID:       t.QueueID,
		AgentID:       t.AgentID,
		ChatbotActive: t.ChatbotActive,
		UnreadCount:   t.UnreadCount,
		LastMessage:   t.LastMessage,
		IsGroup:       t.IsGroup,
		UpdatedAt:     t.UpdatedAt,
	}
}

// NewMessageResponses maps messages.
func NewMessageResponses(msgs []domain.Message) []MessageResponse {
	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageResponse{
			ID:             m.ID,
			ExternalID:     m.ExternalID,
			Direction:      m.Direction,
			Kind:           m.Kind,
			Body:           m.Body,
			MediaURL:       m.MediaURL,
			MediaType:      m.MediaType,
			DeliveryStatus: m.DeliveryStatus,
			SentAt:         m.SentAt,
		})
	}
	return out
}

// NewHistoryResponses maps audit entries.
func NewHistoryResponses(entries []domain.TicketHistory) []HistoryResponse {
	out := make([]HistoryResponse, 0, len(entries))
	for _, h := range entries {
		out = append(out, HistoryResponse{
			ID:         h.ID,
			ActorType:  h.ActorType,
			ActorID:    h.ActorID,
			ChangeType: h.ChangeType,
			OldValue:   h.OldValue,
			NewValue:   h.NewValue,
			CreatedAt:  h.CreatedAt,
		})
	}
	return out
}
