package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatdesk-io/chatdesk/internal/domain"
	"github.com/chatdesk-io/chatdesk/internal/events"
	"github.com/chatdesk-io/chatdesk/internal/repository"
)

// Projector builds broadcast projections. Lookups are best effort; a missing
// summary is omitted rather than failing the caller.
type Projector struct {
	contacts repository.ContactRepository
	queues   repository.QueueRepository
	agents   repository.AgentRepository
	tickets  repository.TicketStore
	logger   *zap.Logger
}

// NewProjector constructs a projector.
func NewProjector(contacts repository.ContactRepository, queues repository.QueueRepository, agents repository.AgentRepository, tickets repository.TicketStore, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{contacts: contacts, queues: queues, agents: agents, tickets: tickets, logger: logger}
}

// Project returns the projection of ticket.
func (p *Projector) Project(ctx context.Context, ticket *domain.Ticket) domain.TicketProjection {
	proj := domain.TicketProjection{
		ID:            ticket.ID,
		TenantID:      ticket.TenantID,
		Status:        ticket.Status,
		ChatbotActive: ticket.ChatbotActive,
		UnreadCount:   ticket.UnreadCount,
		LastMessage:   ticket.LastMessage,
		Channel:       ticket.Channel,
		IsGroup:       ticket.IsGroup,
		UpdatedAt:     ticket.UpdatedAt,
	}
	if p == nil {
		return proj
	}

	if p.contacts != nil {
		if contact, err := p.contacts.GetByID(ctx, ticket.ContactID); err == nil {
			proj.Contact = &domain.ContactSummary{
				ID:                contact.ID,
				Name:              contact.Name,
				Address:           contact.Address,
				IsGroup:           contact.IsGroup,
				ProfilePictureURL: contact.ProfilePictureURL,
			}
		} else {
			p.logger.Debug("projection contact lookup failed", zap.String("ticket_id", ticket.ID), zap.Error(err))
		}
	}
	if ticket.QueueID != nil && p.queues != nil {
		if queue, err := p.queues.GetByID(ctx, *ticket.QueueID); err == nil {
			proj.Queue = &domain.QueueSummary{ID: queue.ID, Name: queue.Name}
		}
	}
	if ticket.AgentID != nil && p.agents != nil {
		if agent, err := p.agents.GetByID(ctx, *ticket.AgentID); err == nil {
			proj.Agent = &domain.AgentSummary{ID: agent.ID, Name: agent.Name}
		}
	}
	if p.tickets != nil {
		if tracking, err := p.tickets.GetTracking(ctx, ticket.ID); err == nil {
			proj.Tracking = &domain.TrackingSummary{
				QueuedAt:          tracking.QueuedAt,
				StartedAt:         tracking.StartedAt,
				RatingRequestedAt: tracking.RatingRequestedAt,
				FinishedAt:        tracking.FinishedAt,
				Rating:            tracking.Rating,
			}
		}
	}
	return proj
}

// ticketEvents publishes ticket events with their projections.
type ticketEvents struct {
	dispatcher events.Dispatcher
	projector  *Projector
	now        func() time.Time
}

func newTicketEvents(dispatcher events.Dispatcher, projector *Projector, now func() time.Time) ticketEvents {
	if now == nil {
		now = time.Now
	}
	return ticketEvents{dispatcher: dispatcher, projector: projector, now: now}
}

func (e ticketEvents) created(ctx context.Context, ticket *domain.Ticket) {
	e.publish(ctx, events.EventTicketCreated, ticket, events.TicketPayload{Ticket: e.projector.Project(ctx, ticket)})
}

func (e ticketEvents) updated(ctx context.Context, ticket *domain.Ticket) {
	e.publish(ctx, events.EventTicketUpdated, ticket, events.TicketPayload{Ticket: e.projector.Project(ctx, ticket)})
}

// statusChanged tells UIs to drop the ticket from its previous list, then
// sends the updated projection.
func (e ticketEvents) statusChanged(ctx context.Context, ticket *domain.Ticket, previous domain.TicketStatus) {
	proj := e.projector.Project(ctx, ticket)
	e.publish(ctx, events.EventTicketRemovedFromStatusList, ticket, events.RemovedFromStatusListPayload{
		Ticket:         proj,
		PreviousStatus: previous,
	})
	e.publish(ctx, events.EventTicketUpdated, ticket, events.TicketPayload{Ticket: proj})
}

func (e ticketEvents) publish(ctx context.Context, eventType events.EventType, ticket *domain.Ticket, payload any) {
	if e.dispatcher == nil {
		return
	}
	_ = e.dispatcher.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		TenantID:  ticket.TenantID,
		TicketID:  ticket.ID,
		Timestamp: e.now(),
		Payload:   payload,
	})
}
