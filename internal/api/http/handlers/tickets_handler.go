package handlers

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/chatdesk-io/chatdesk/internal/api/dto"
	"github.com/chatdesk-io/chatdesk/internal/auth"
	"github.com/chatdesk-io/chatdesk/internal/domain"
	apperrors "github.com/chatdesk-io/chatdesk/pkg/util/errorutil"
)

// TicketActions are the agent-driven ticket transitions.
type TicketActions interface {
	Accept(ctx context.Context, ticketID string, actor domain.Actor) (*domain.Ticket, error)
	Release(ctx context.Context, ticketID string, actor domain.Actor) (*domain.Ticket, error)
	Close(ctx context.Context, ticketID string, force bool, actor domain.Actor) (*domain.Ticket, error)
	Transfer(ctx context.Context, ticketID string, queueID, agentID *string, actor domain.Actor) (*domain.Ticket, error)
}

// TicketReader serves ticket reads.
type TicketReader interface {
	GetTicket(ctx context.Context, actor domain.Actor, ticketID string) (domain.TicketProjection, error)
	ListMessages(ctx context.Context, actor domain.Actor, ticketID string, limit int) ([]domain.Message, error)
	ListHistory(ctx context.Context, actor domain.Actor, ticketID string) ([]domain.TicketHistory, error)
}

// TicketsHandler manages agent ticket endpoints.
type TicketsHandler struct {
	actions TicketActions
	reader  TicketReader
}

// NewTicketsHandler constructs handler.
func NewTicketsHandler(actions TicketActions, reader TicketReader) *TicketsHandler {
	return &TicketsHandler{actions: actions, reader: reader}
}

// GetTicket GET /api/tickets/:id.
func (h *TicketsHandler) GetTicket(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	proj, err := h.reader.GetTicket(c.UserContext(), actor, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": proj})
}

// ListMessages GET /api/tickets/:id/messages.
func (h *TicketsHandler) ListMessages(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	msgs, err := h.reader.ListMessages(c.UserContext(), actor, c.Params("id"), limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewMessageResponses(msgs)})
}

// ListHistory GET /api/tickets/:id/history.
func (h *TicketsHandler) ListHistory(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	entries, err := h.reader.ListHistory(c.UserContext(), actor, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewHistoryResponses(entries)})
}

// Accept POST /api/tickets/:id/accept.
func (h *TicketsHandler) Accept(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	ticket, err := h.actions.Accept(c.UserContext(), c.Params("id"), actor)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewTicketResponse(ticket)})
}

// Release POST /api/tickets/:id/release.
func (h *TicketsHandler) Release(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	ticket, err := h.actions.Release(c.UserContext(), c.Params("id"), actor)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewTicketResponse(ticket)})
}

// Close POST /api/tickets/:id/close.
func (h *TicketsHandler) Close(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.CloseTicketRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperrors.NewValidationError("invalid payload", nil)
		}
	}
	ticket, err := h.actions.Close(c.UserContext(), c.Params("id"), req.Force, actor)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewTicketResponse(ticket)})
}

// Transfer POST /api/tickets/:id/transfer.
func (h *TicketsHandler) Transfer(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.TransferTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.QueueID == nil && req.AgentID == nil {
		return apperrors.NewValidationError("queue_id or agent_id required", nil)
	}
	ticket, err := h.actions.Transfer(c.UserContext(), c.Params("id"), req.QueueID, req.AgentID, actor)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewTicketResponse(ticket)})
}

func actorFrom(c *fiber.Ctx) (domain.Actor, error) {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok || principal.Agent == nil {
		return domain.Actor{}, apperrors.NewUnauthorized("agent required")
	}
	return principal.Actor(), nil
}
