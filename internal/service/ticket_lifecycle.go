package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/chatdesk-io/chatdesk/internal/domain"
	"github.com/chatdesk-io/chatdesk/internal/events"
	"github.com/chatdesk-io/chatdesk/internal/repository"
	apperrors "github.com/chatdesk-io/chatdesk/pkg/util/errorutil"
)

// RatingRequester intercepts a ticket closure with a satisfaction survey.
type RatingRequester interface {
	RequestRating(ctx context.Context, ticket *domain.Ticket, tracking *domain.TicketTracking, cfg domain.TenantConfig) (bool, error)
}

// TicketSource identifies where an inbound conversation arrived.
type TicketSource struct {
	SessionID string
	Channel   string
}

// FindOrCreateResult is the outcome of FindOrCreate.
type FindOrCreateResult struct {
	Ticket   *domain.Ticket
	Tracking *domain.TicketTracking
	IsNew    bool
	Reopened bool
}

// RoutingUpdate carries the menu fields the conversation router changes.
type RoutingUpdate struct {
	QueueID       *string
	MenuOptionID  *string
	ChatbotActive bool
}

// TicketLifecycleManager finds or creates tickets and owns every status
// transition.
type TicketLifecycleManager struct {
	tickets  repository.TicketRepository
	agents   repository.AgentRepository
	queues   repository.QueueRepository
	tenants  TenantConfigSource
	rating   RatingRequester
	notifier TicketNotifier
	events   ticketEvents
	logger   *zap.Logger
	now      func() time.Time
}

// LifecycleDependencies bundles collaborators of the lifecycle manager.
type LifecycleDependencies struct {
	TicketRepo repository.TicketRepository
	AgentRepo  repository.AgentRepository
	QueueRepo  repository.QueueRepository
	Tenants    TenantConfigSource
	Rating     RatingRequester
	Notifier   TicketNotifier
	Dispatcher events.Dispatcher
	Projector  *Projector
	Logger     *zap.Logger
	Now        func() time.Time
}

// NewTicketLifecycleManager constructs the manager.
func NewTicketLifecycleManager(deps LifecycleDependencies) *TicketLifecycleManager {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TicketLifecycleManager{
		tickets:  deps.TicketRepo,
		agents:   deps.AgentRepo,
		queues:   deps.QueueRepo,
		tenants:  deps.Tenants,
		rating:   deps.Rating,
		notifier: deps.Notifier,
		events:   newTicketEvents(deps.Dispatcher, deps.Projector, now),
		logger:   logger,
		now:      now,
	}
}

// FindOrCreate returns the ticket a new inbound event from contact belongs
// to. The lookup and the write run as one unit serialized per contact, so two
// concurrent events never create two active tickets.
func (m *TicketLifecycleManager) FindOrCreate(ctx context.Context, contact *domain.Contact, source TicketSource, cfg domain.TenantConfig) (*FindOrCreateResult, error) {
	now := m.now()
	var res FindOrCreateResult

	err := m.tickets.WithContactLock(ctx, contact.TenantID, contact.ID, func(store repository.TicketStore) error {
		res = FindOrCreateResult{}

		latest, err := store.LatestForContact(ctx, contact.TenantID, contact.ID)
		if err != nil && !apperrors.IsNotFound(err) {
			return err
		}
		if err != nil {
			latest = nil
		}

		switch {
		case latest == nil || (latest.Status == domain.TicketStatusClosed && m.startsNewTicket(latest, contact, cfg, now)):
			ticket := &domain.Ticket{
				TenantID:  contact.TenantID,
				ContactID: contact.ID,
				Status:    domain.TicketStatusPending,
				Channel:   source.Channel,
				SessionID: source.SessionID,
				IsGroup:   contact.IsGroup,
			}
			if err := store.Create(ctx, ticket); err != nil {
				return err
			}
			res.Ticket, res.IsNew = ticket, true
			if err := store.AddHistory(ctx, historyEntry(ticket, domain.SystemActor, domain.ChangeTypeCreated, nil,
				map[string]any{"status": ticket.Status})); err != nil {
				return err
			}

		case latest.Status == domain.TicketStatusClosed:
			latest.ResetRouting()
			latest.UnreadCount = 0
			if source.SessionID != "" {
				latest.SessionID = source.SessionID
			}
			if err := store.Update(ctx, latest); err != nil {
				return err
			}
			res.Ticket, res.Reopened = latest, true
			if err := store.AddHistory(ctx, historyEntry(latest, domain.SystemActor, domain.ChangeTypeReopened,
				map[string]any{"status": domain.TicketStatusClosed},
				map[string]any{"status": latest.Status})); err != nil {
				return err
			}

		default:
			if source.SessionID != "" && latest.SessionID != source.SessionID {
				latest.SessionID = source.SessionID
				if err := store.Update(ctx, latest); err != nil {
					return err
				}
			}
			res.Ticket = latest
		}

		tracking, err := store.EnsureTracking(ctx, res.Ticket)
		if err != nil {
			return err
		}
		if res.Reopened {
			tracking.ResetForReopen(now)
			if err := store.UpdateTracking(ctx, tracking); err != nil {
				return err
			}
		}
		res.Tracking = tracking
		return nil
	})
	if err != nil {
		return nil, classifyStoreError(err)
	}

	switch {
	case res.IsNew:
		m.events.created(ctx, res.Ticket)
	case res.Reopened:
		m.events.statusChanged(ctx, res.Ticket, domain.TicketStatusClosed)
	}
	return &res, nil
}

// startsNewTicket reports whether a closed ticket is too old to be resurrected.
// Groups always resurrect their ticket.
func (m *TicketLifecycleManager) startsNewTicket(latest *domain.Ticket, contact *domain.Contact, cfg domain.TenantConfig, now time.Time) bool {
	if cfg.ReopenWindow <= 0 || contact.IsGroup {
		return false
	}
	return latest.UpdatedAt.Before(now.Add(-cfg.ReopenWindow))
}

// Transition applies a status change requested by actor.
func (m *TicketLifecycleManager) Transition(ctx context.Context, ticketID string, req domain.TransitionRequest, actor domain.Actor) (*domain.Ticket, error) {
	if !req.Status.Valid() {
		return nil, apperrors.NewValidationError("invalid status", map[string]any{"status": req.Status})
	}

	current, err := m.tickets.GetByID(ctx, ticketID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
		}
		return nil, apperrors.MapError(err)
	}
	if actor.TenantID != "" && actor.TenantID != current.TenantID {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
	}

	cfg, err := m.tenants.Resolve(ctx, current.TenantID)
	if err != nil {
		return nil, apperrors.MapError(err)
	}

	if req.Status == domain.TicketStatusClosed && !req.Force && current.Status != domain.TicketStatusClosed {
		intercepted, err := m.interceptClose(ctx, current, cfg)
		if err != nil {
			return nil, apperrors.MapError(err)
		}
		if intercepted {
			return current, nil
		}
	}

	agentID := req.AgentID
	queueID := req.QueueID
	if req.Status == domain.TicketStatusOpen {
		if agentID == nil {
			agentID = actor.AgentID
		}
		if agentID == nil {
			return nil, apperrors.NewValidationError("an agent is required to open a ticket", nil)
		}
		if queueID == nil && current.QueueID == nil {
			if cfg.AutomationEnabled {
				return nil, apperrors.NewConflict("ticket has no queue", map[string]any{"ticket_id": ticketID})
			}
			queueID, err = m.leastLoadedQueueOf(ctx, current.TenantID, *agentID)
			if err != nil {
				return nil, apperrors.MapError(err)
			}
		}
	}

	if queueID != nil && current.QueueID != nil && *queueID != *current.QueueID && current.Active() {
		m.sendTransferNotice(ctx, current, *queueID, cfg)
	}

	var (
		updated  *domain.Ticket
		previous domain.TicketStatus
		changed  bool
	)
	err = m.tickets.WithTicketLock(ctx, ticketID, func(store repository.TicketStore, locked *domain.Ticket) error {
		previous = locked.Status
		if locked.Status == domain.TicketStatusClosed && req.Status != domain.TicketStatusClosed {
			return apperrors.NewConflict("closed tickets are reopened by new contact messages", map[string]any{"ticket_id": ticketID})
		}

		before := *locked
		tracking, err := store.EnsureTracking(ctx, locked)
		if err != nil {
			return err
		}
		now := m.now()

		switch req.Status {
		case domain.TicketStatusOpen:
			locked.Status = domain.TicketStatusOpen
			locked.AgentID = agentID
			locked.ChatbotActive = false
			if queueID != nil {
				locked.QueueID = queueID
			}
			if before.Status != domain.TicketStatusOpen || tracking.StartedAt == nil {
				tracking.StartedAt = &now
			}
			tracking.AgentID = agentID
		case domain.TicketStatusPending:
			locked.Status = domain.TicketStatusPending
			locked.AgentID = agentID
			if queueID != nil {
				locked.QueueID = queueID
			}
			tracking.AgentID = agentID
		case domain.TicketStatusClosed:
			locked.Status = domain.TicketStatusClosed
			locked.ChatbotActive = false
			locked.MenuOptionID = nil
			if tracking.FinishedAt == nil {
				tracking.FinishedAt = &now
			}
		}

		updated = locked
		changed = routingChanged(&before, locked)
		if !changed {
			return nil
		}
		if err := store.Update(ctx, locked); err != nil {
			return err
		}
		if err := store.UpdateTracking(ctx, tracking); err != nil {
			return err
		}
		return recordChanges(ctx, store, &before, locked, actor)
	})
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
		}
		return nil, apperrors.MapError(classifyStoreError(err))
	}
	if !changed {
		return updated, nil
	}

	if previous != updated.Status {
		m.events.statusChanged(ctx, updated, previous)
	} else {
		m.events.updated(ctx, updated)
	}

	if updated.Status == domain.TicketStatusClosed && strings.TrimSpace(cfg.FarewellMessage) != "" && m.notifier != nil {
		if err := m.notifier.SendToTicket(ctx, updated, cfg.FarewellMessage); err != nil {
			m.logger.Warn("farewell message not delivered", zap.String("ticket_id", updated.ID), zap.Error(err))
		}
	}

	m.logger.Info("ticket transitioned",
		zap.String("ticket_id", updated.ID),
		zap.String("from", string(previous)),
		zap.String("to", string(updated.Status)),
		zap.String("actor", string(actor.Type)),
	)
	return updated, nil
}

// Accept opens the ticket for the agent.
func (m *TicketLifecycleManager) Accept(ctx context.Context, ticketID string, actor domain.Actor) (*domain.Ticket, error) {
	return m.Transition(ctx, ticketID, domain.TransitionRequest{Status: domain.TicketStatusOpen}, actor)
}

// Release returns an open ticket to the pending list of its queue.
func (m *TicketLifecycleManager) Release(ctx context.Context, ticketID string, actor domain.Actor) (*domain.Ticket, error) {
	return m.Transition(ctx, ticketID, domain.TransitionRequest{Status: domain.TicketStatusPending}, actor)
}

// Close finalizes the ticket. Without force the rating flow may intercept it.
func (m *TicketLifecycleManager) Close(ctx context.Context, ticketID string, force bool, actor domain.Actor) (*domain.Ticket, error) {
	return m.Transition(ctx, ticketID, domain.TransitionRequest{Status: domain.TicketStatusClosed, Force: force}, actor)
}

// Transfer moves the ticket to a queue and optionally an agent. A transfer
// without agent leaves the ticket pending for anyone in the queue.
func (m *TicketLifecycleManager) Transfer(ctx context.Context, ticketID string, queueID, agentID *string, actor domain.Actor) (*domain.Ticket, error) {
	if queueID == nil && agentID == nil {
		return nil, apperrors.NewValidationError("queue_id or agent_id is required", nil)
	}
	current, err := m.tickets.GetByID(ctx, ticketID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
		}
		return nil, apperrors.MapError(err)
	}
	if agentID != nil && queueID != nil {
		agent, err := m.agents.GetByID(ctx, *agentID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				return nil, apperrors.NewNotFound("agent", map[string]any{"agent_id": *agentID})
			}
			return nil, apperrors.MapError(err)
		}
		if !agent.InQueue(*queueID) {
			return nil, apperrors.NewValidationError("agent is not a member of the queue",
				map[string]any{"agent_id": *agentID, "queue_id": *queueID})
		}
	}
	status := domain.TicketStatusPending
	if agentID != nil && current.Status == domain.TicketStatusOpen {
		status = domain.TicketStatusOpen
	}
	return m.Transition(ctx, ticketID, domain.TransitionRequest{Status: status, QueueID: queueID, AgentID: agentID}, actor)
}

// ApplyRouting stores the menu position chosen by the conversation router.
func (m *TicketLifecycleManager) ApplyRouting(ctx context.Context, ticketID string, update RoutingUpdate) (*domain.Ticket, error) {
	var (
		updated *domain.Ticket
		changed bool
	)
	err := m.tickets.WithTicketLock(ctx, ticketID, func(store repository.TicketStore, locked *domain.Ticket) error {
		before := *locked
		locked.QueueID = update.QueueID
		locked.MenuOptionID = update.MenuOptionID
		locked.ChatbotActive = update.ChatbotActive
		updated = locked

		changed = routingChanged(&before, locked)
		if !changed {
			return nil
		}
		if err := store.Update(ctx, locked); err != nil {
			return err
		}
		return recordChanges(ctx, store, &before, locked, domain.Actor{Type: domain.ActorContact})
	})
	if err != nil {
		return nil, classifyStoreError(err)
	}
	if changed {
		m.events.updated(ctx, updated)
	}
	return updated, nil
}

func (m *TicketLifecycleManager) interceptClose(ctx context.Context, ticket *domain.Ticket, cfg domain.TenantConfig) (bool, error) {
	if !cfg.RatingEnabled || ticket.IsGroup || m.rating == nil {
		return false, nil
	}
	tracking, err := m.tickets.GetTracking(ctx, ticket.ID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if tracking.Rated {
		return false, nil
	}
	if tracking.RatingRequestedAt != nil {
		return tracking.AwaitingRating(m.now(), cfg.RatingWindow), nil
	}
	return m.rating.RequestRating(ctx, ticket, tracking, cfg)
}

func (m *TicketLifecycleManager) leastLoadedQueueOf(ctx context.Context, tenantID, agentID string) (*string, error) {
	agent, err := m.agents.GetByID(ctx, agentID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.NewNotFound("agent", map[string]any{"agent_id": agentID})
		}
		return nil, err
	}
	if len(agent.QueueIDs) == 0 {
		return nil, nil
	}
	counts, err := m.tickets.CountActiveByQueue(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	queueID := leastLoaded(agent.QueueIDs, counts)
	return &queueID, nil
}

// sendTransferNotice is best effort; a failed notice does not block the transfer.
func (m *TicketLifecycleManager) sendTransferNotice(ctx context.Context, ticket *domain.Ticket, queueID string, cfg domain.TenantConfig) {
	if m.notifier == nil || strings.TrimSpace(cfg.TransferMessage) == "" {
		return
	}
	name := ""
	if m.queues != nil {
		if queue, err := m.queues.GetByID(ctx, queueID); err == nil {
			name = queue.Name
		}
	}
	body := strings.ReplaceAll(cfg.TransferMessage, "{queue}", name)
	if err := m.notifier.SendToTicket(ctx, ticket, body); err != nil {
		m.logger.Warn("transfer notice not delivered", zap.String("ticket_id", ticket.ID), zap.Error(err))
	}
}

// leastLoaded returns the id with the lowest count, keeping the input order
// on ties.
func leastLoaded(ids []string, counts map[string]int) string {
	best := ids[0]
	for _, id := range ids[1:] {
		if counts[id] < counts[best] {
			best = id
		}
	}
	return best
}

func routingChanged(before, after *domain.Ticket) bool {
	return before.Status != after.Status ||
		!sameID(before.QueueID, after.QueueID) ||
		!sameID(before.AgentID, after.AgentID) ||
		!sameID(before.MenuOptionID, after.MenuOptionID) ||
		before.ChatbotActive != after.ChatbotActive
}

func sameID(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func recordChanges(ctx context.Context, store repository.TicketStore, before, after *domain.Ticket, actor domain.Actor) error {
	if before.Status != after.Status {
		if err := store.AddHistory(ctx, historyEntry(after, actor, domain.ChangeTypeStatus,
			map[string]any{"status": before.Status}, map[string]any{"status": after.Status})); err != nil {
			return err
		}
	}
	if !sameID(before.AgentID, after.AgentID) {
		if err := store.AddHistory(ctx, historyEntry(after, actor, domain.ChangeTypeAgent,
			map[string]any{"agent_id": before.AgentID}, map[string]any{"agent_id": after.AgentID})); err != nil {
			return err
		}
	}
	if !sameID(before.QueueID, after.QueueID) {
		if err := store.AddHistory(ctx, historyEntry(after, actor, domain.ChangeTypeQueue,
			map[string]any{"queue_id": before.QueueID}, map[string]any{"queue_id": after.QueueID})); err != nil {
			return err
		}
	}
	return nil
}

func historyEntry(ticket *domain.Ticket, actor domain.Actor, change domain.TicketChangeType, oldValue, newValue map[string]any) *domain.TicketHistory {
	actorType := actor.Type
	if actorType == "" {
		actorType = domain.ActorSystem
	}
	return &domain.TicketHistory{
		TicketID:   ticket.ID,
		TenantID:   ticket.TenantID,
		ActorType:  actorType,
		ActorID:    actor.AgentID,
		ChangeType: change,
		OldValue:   oldValue,
		NewValue:   newValue,
	}
}

// classifyStoreError marks foreign key violations as poison.
func classifyStoreError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return apperrors.NewDataInconsistency("referenced row does not exist", err)
	}
	return err
}
