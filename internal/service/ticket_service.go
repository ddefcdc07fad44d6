package service

import (
	"context"

	"github.com/chatdesk-io/chatdesk/internal/domain"
	"github.com/chatdesk-io/chatdesk/internal/repository"
	apperrors "github.com/chatdesk-io/chatdesk/pkg/util/errorutil"
)

const (
	defaultMessagePage = 50
	maxMessagePage     = 200
)

// TicketService serves read access to tickets for agents.
type TicketService struct {
	tickets   repository.TicketRepository
	messages  repository.MessageRepository
	history   repository.TicketHistoryRepository
	projector *Projector
}

// TicketDependencies bundles repositories for ticket service.
type TicketDependencies struct {
	TicketRepo  repository.TicketRepository
	MessageRepo repository.MessageRepository
	HistoryRepo repository.TicketHistoryRepository
	Projector   *Projector
}

// NewTicketService creates the service.
func NewTicketService(deps TicketDependencies) *TicketService {
	return &TicketService{
		tickets:   deps.TicketRepo,
		messages:  deps.MessageRepo,
		history:   deps.HistoryRepo,
		projector: deps.Projector,
	}
}

// GetTicket returns the projection of a ticket of the agent's tenant.
func (s *TicketService) GetTicket(ctx context.Context, actor domain.Actor, ticketID string) (domain.TicketProjection, error) {
	ticket, err := s.ticketForActor(ctx, actor, ticketID)
	if err != nil {
		return domain.TicketProjection{}, err
	}
	return s.projector.Project(ctx, ticket), nil
}

// ListMessages returns up to limit messages of a ticket, oldest first.
func (s *TicketService) ListMessages(ctx context.Context, actor domain.Actor, ticketID string, limit int) ([]domain.Message, error) {
	if _, err := s.ticketForActor(ctx, actor, ticketID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessagePage
	}
	if limit > maxMessagePage {
		limit = maxMessagePage
	}
	msgs, err := s.messages.ListByTicket(ctx, ticketID, limit)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return msgs, nil
}

// ListHistory returns the audit trail of a ticket.
func (s *TicketService) ListHistory(ctx context.Context, actor domain.Actor, ticketID string) ([]domain.TicketHistory, error) {
	if _, err := s.ticketForActor(ctx, actor, ticketID); err != nil {
		return nil, err
	}
	entries, err := s.history.ListByTicket(ctx, ticketID)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return entries, nil
}

// ticketForActor hides tickets of other tenants behind a not found error.
func (s *TicketService) ticketForActor(ctx context.Context, actor domain.Actor, ticketID string) (*domain.Ticket, error) {
	ticket, err := s.tickets.GetByID(ctx, ticketID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
		}
		return nil, apperrors.MapError(err)
	}
	if ticket.TenantID != actor.TenantID {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
	}
	return ticket, nil
}
