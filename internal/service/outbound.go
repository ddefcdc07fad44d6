package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chatdesk-io/chatdesk/internal/channel"
	"github.com/chatdesk-io/chatdesk/internal/domain"
	"github.com/chatdesk-io/chatdesk/internal/events"
	"github.com/chatdesk-io/chatdesk/internal/observability"
	"github.com/chatdesk-io/chatdesk/internal/repository"
)

// TicketNotifier sends a system message to a ticket's contact.
type TicketNotifier interface {
	SendToTicket(ctx context.Context, ticket *domain.Ticket, body string) error
}

// TextSender delivers text through a channel session.
type TextSender interface {
	SendText(ctx context.Context, sessionID string, to channel.Recipient, body string) (string, error)
}

// OutboundService sends messages to ticket contacts and records them. Failed
// deliveries are stored with a failed status and broadcast.
type OutboundService struct {
	sender   TextSender
	contacts repository.ContactRepository
	messages repository.MessageRepository
	events   ticketEvents
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// OutboundDependencies bundles collaborators of OutboundService.
type OutboundDependencies struct {
	Sender      TextSender
	ContactRepo repository.ContactRepository
	MessageRepo repository.MessageRepository
	Dispatcher  events.Dispatcher
	Projector   *Projector
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	Now         func() time.Time
}

// NewOutboundService constructs the service.
func NewOutboundService(deps OutboundDependencies) *OutboundService {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &OutboundService{
		sender:   deps.Sender,
		contacts: deps.ContactRepo,
		messages: deps.MessageRepo,
		events:   newTicketEvents(deps.Dispatcher, deps.Projector, now),
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      now,
	}
}

// SendToTicket delivers body to the ticket's contact.
func (s *OutboundService) SendToTicket(ctx context.Context, ticket *domain.Ticket, body string) error {
	contact, err := s.contacts.GetByID(ctx, ticket.ContactID)
	if err != nil {
		return err
	}

	to := channel.Recipient{Address: contact.Address, IsGroup: contact.IsGroup}
	externalID, sendErr := s.sender.SendText(ctx, ticket.SessionID, to, body)

	msg := &domain.Message{
		TenantID:       ticket.TenantID,
		TicketID:       ticket.ID,
		ExternalID:     externalID,
		Direction:      domain.DirectionOutbound,
		Kind:           domain.KindText,
		Body:           body,
		DeliveryStatus: domain.DeliverySent,
		SentAt:         s.now(),
	}
	if sendErr != nil {
		msg.DeliveryStatus = domain.DeliveryFailed
		s.metrics.RecordSendFailure(ticket.SessionID)
		s.logger.Warn("could not deliver message",
			zap.String("ticket_id", ticket.ID),
			zap.String("session_id", ticket.SessionID),
			zap.Error(sendErr),
		)
	}

	if err := s.messages.Create(ctx, msg); err != nil {
		s.logger.Error("storing outbound message failed", zap.String("ticket_id", ticket.ID), zap.Error(err))
	}
	if sendErr != nil {
		s.events.updated(ctx, ticket)
	}
	return sendErr
}
