package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatdesk-io/chatdesk/internal/domain"
)

// TicketStore is the set of ticket operations usable inside a unit of work.
type TicketStore interface {
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	LatestForContact(ctx context.Context, tenantID, contactID string) (*domain.Ticket, error)
	Create(ctx context.Context, ticket *domain.Ticket) error
	Update(ctx context.Context, ticket *domain.Ticket) error
	GetTracking(ctx context.Context, ticketID string) (*domain.TicketTracking, error)
	EnsureTracking(ctx context.Context, ticket *domain.Ticket) (*domain.TicketTracking, error)
	UpdateTracking(ctx context.Context, tracking *domain.TicketTracking) error
	AddHistory(ctx context.Context, history *domain.TicketHistory) error
}

// TicketRepository encapsulates ticket persistence.
type TicketRepository interface {
	TicketStore
	// WithContactLock runs fn in a transaction serialized per (tenant, contact).
	WithContactLock(ctx context.Context, tenantID, contactID string, fn func(TicketStore) error) error
	// WithTicketLock runs fn in a transaction holding the ticket row lock.
	WithTicketLock(ctx context.Context, ticketID string, fn func(TicketStore, *domain.Ticket) error) error
	// AssignIfUnassigned sets agent and queue only when the ticket is still orphaned.
	AssignIfUnassigned(ctx context.Context, ticketID, agentID, queueID string) (bool, error)
	ListOrphaned(ctx context.Context, tenantID string, limit int) ([]domain.Ticket, error)
	CountActiveByAgent(ctx context.Context, tenantID string) (map[string]int, error)
	CountActiveByQueue(ctx context.Context, tenantID string) (map[string]int, error)
	TouchInbound(ctx context.Context, ticketID, lastMessage string) error
	ListExpiredRatingRequests(ctx context.Context, tenantID string, before time.Time) ([]string, error)
}

type ticketRepository struct {
	pool *pgxpool.Pool
	ticketStore
}

type ticketStore struct {
	q querier
}

// NewTicketRepository instantiates repository.
func NewTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepository{pool: pool, ticketStore: ticketStore{q: pool}}
}

const ticketColumns = `id, tenant_id, contact_id, status, queue_id, agent_id, chatbot_active, menu_option_id,
               unread_count, last_message, channel, session_id, is_group, created_at, updated_at`

const trackingColumns = `id, ticket_id, tenant_id, agent_id, queued_at, started_at, rating_requested_at,
               finished_at, rated, rating, created_at, updated_at`

func (r *ticketRepository) WithContactLock(ctx context.Context, tenantID, contactID string, fn func(TicketStore) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, tenantID+":"+contactID); err != nil {
			return err
		}
		return fn(ticketStore{q: tx})
	})
}

func (r *ticketRepository) WithTicketLock(ctx context.Context, ticketID string, fn func(TicketStore, *domain.Ticket) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1 FOR UPDATE`
		ticket, err := scanTicket(tx.QueryRow(ctx, query, ticketID))
		if err != nil {
			return err
		}
		return fn(ticketStore{q: tx}, ticket)
	})
}

func (r *ticketRepository) AssignIfUnassigned(ctx context.Context, ticketID, agentID, queueID string) (bool, error) {
	var assigned bool
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const query = `
        UPDATE tickets SET agent_id=$2, queue_id=$3, chatbot_active=FALSE, updated_at=NOW()
        WHERE id=$1 AND status='pending' AND agent_id IS NULL AND queue_id IS NULL`
		cmd, err := tx.Exec(ctx, query, ticketID, agentID, queueID)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return nil
		}
		assigned = true
		_, err = tx.Exec(ctx, `UPDATE ticket_tracking SET agent_id=$2, updated_at=NOW() WHERE ticket_id=$1`, ticketID, agentID)
		return err
	})
	return assigned, err
}

func (r *ticketRepository) ListOrphaned(ctx context.Context, tenantID string, limit int) ([]domain.Ticket, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + ticketColumns + `
        FROM tickets
        WHERE tenant_id=$1 AND status='pending' AND queue_id IS NULL AND agent_id IS NULL
        ORDER BY created_at ASC, id ASC
        LIMIT $2`
	rows, err := r.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (r *ticketRepository) CountActiveByAgent(ctx context.Context, tenantID string) (map[string]int, error) {
	const query = `
        SELECT agent_id::text, COUNT(*) FROM tickets
        WHERE tenant_id=$1 AND status IN ('pending','open') AND agent_id IS NOT NULL
        GROUP BY agent_id`
	return r.countBy(ctx, query, tenantID)
}

func (r *ticketRepository) CountActiveByQueue(ctx context.Context, tenantID string) (map[string]int, error) {
	const query = `
        SELECT queue_id::text, COUNT(*) FROM tickets
        WHERE tenant_id=$1 AND status IN ('pending','open') AND queue_id IS NOT NULL
        GROUP BY queue_id`
	return r.countBy(ctx, query, tenantID)
}

func (r *ticketRepository) countBy(ctx context.Context, query, tenantID string) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var (
			id    string
			count int
		)
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		result[id] = count
	}
	return result, rows.Err()
}

func (r *ticketRepository) TouchInbound(ctx context.Context, ticketID, lastMessage string) error {
	const query = `
        UPDATE tickets SET unread_count = unread_count + 1, last_message=$2, updated_at=NOW()
        WHERE id=$1`
	cmd, err := r.pool.Exec(ctx, query, ticketID, lastMessage)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *ticketRepository) ListExpiredRatingRequests(ctx context.Context, tenantID string, before time.Time) ([]string, error) {
	const query = `
        SELECT tt.ticket_id::text
        FROM ticket_tracking tt JOIN tickets t ON t.id = tt.ticket_id
        WHERE tt.tenant_id=$1 AND tt.rating_requested_at < $2 AND tt.rated=FALSE
          AND tt.finished_at IS NULL AND t.status <> 'closed'
        ORDER BY tt.rating_requested_at ASC`
	rows, err := r.pool.Query(ctx, query, tenantID, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s ticketStore) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1`
	return scanTicket(s.q.QueryRow(ctx, query, id))
}

// latestForContactQuery locks the row it returns, so agent actions holding
// the ticket lock and inbound find-or-create serialize on the same row.
const latestForContactQuery = `SELECT ` + ticketColumns + `
        FROM tickets WHERE tenant_id=$1 AND contact_id=$2
        ORDER BY created_at DESC, id DESC
        LIMIT 1
        FOR UPDATE`

func (s ticketStore) LatestForContact(ctx context.Context, tenantID, contactID string) (*domain.Ticket, error) {
	return scanTicket(s.q.QueryRow(ctx, latestForContactQuery, tenantID, contactID))
}

func (s ticketStore) Create(ctx context.Context, ticket *domain.Ticket) error {
	const query = `
        INSERT INTO tickets (id, tenant_id, contact_id, status, queue_id, agent_id, chatbot_active, menu_option_id,
            unread_count, last_message, channel, session_id, is_group)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
        RETURNING created_at, updated_at`
	if ticket.ID == "" {
		ticket.ID = newID()
	}
	return s.q.QueryRow(ctx, query,
		ticket.ID,
		ticket.TenantID,
		ticket.ContactID,
		ticket.Status,
		ticket.QueueID,
		ticket.AgentID,
		ticket.ChatbotActive,
		ticket.MenuOptionID,
		ticket.UnreadCount,
		ticket.LastMessage,
		ticket.Channel,
		ticket.SessionID,
		ticket.IsGroup,
	).Scan(&ticket.CreatedAt, &ticket.UpdatedAt)
}

func (s ticketStore) Update(ctx context.Context, ticket *domain.Ticket) error {
	const query = `
        UPDATE tickets SET status=$1, queue_id=$2, agent_id=$3, chatbot_active=$4, menu_option_id=$5,
            unread_count=$6, last_message=$7, session_id=$8, updated_at=NOW()
        WHERE id=$9
        RETURNING updated_at`
	err := s.q.QueryRow(ctx, query,
		ticket.Status,
		ticket.QueueID,
		ticket.AgentID,
		ticket.ChatbotActive,
		ticket.MenuOptionID,
		ticket.UnreadCount,
		ticket.LastMessage,
		ticket.SessionID,
		ticket.ID,
	).Scan(&ticket.UpdatedAt)
	return err
}

func (s ticketStore) GetTracking(ctx context.Context, ticketID string) (*domain.TicketTracking, error) {
	query := `SELECT ` + trackingColumns + ` FROM ticket_tracking WHERE ticket_id=$1`
	return scanTracking(s.q.QueryRow(ctx, query, ticketID))
}

func (s ticketStore) EnsureTracking(ctx context.Context, ticket *domain.Ticket) (*domain.TicketTracking, error) {
	const insert = `
        INSERT INTO ticket_tracking (id, ticket_id, tenant_id, agent_id, queued_at)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (ticket_id) DO NOTHING`
	if _, err := s.q.Exec(ctx, insert, newID(), ticket.ID, ticket.TenantID, ticket.AgentID, ticket.CreatedAt); err != nil {
		return nil, err
	}
	return s.GetTracking(ctx, ticket.ID)
}

func (s ticketStore) UpdateTracking(ctx context.Context, tracking *domain.TicketTracking) error {
	const query = `
        UPDATE ticket_tracking SET agent_id=$1, queued_at=$2, started_at=$3, rating_requested_at=$4,
            finished_at=$5, rated=$6, rating=$7, updated_at=NOW()
        WHERE ticket_id=$8`
	cmd, err := s.q.Exec(ctx, query,
		tracking.AgentID,
		tracking.QueuedAt,
		tracking.StartedAt,
		tracking.RatingRequestedAt,
		tracking.FinishedAt,
		tracking.Rated,
		tracking.Rating,
		tracking.TicketID,
	)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s ticketStore) AddHistory(ctx context.Context, history *domain.TicketHistory) error {
	return insertHistory(ctx, s.q, history)
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var ticket domain.Ticket
	if err := row.Scan(
		&ticket.ID,
		&ticket.TenantID,
		&ticket.ContactID,
		&ticket.Status,
		&ticket.QueueID,
		&ticket.AgentID,
		&ticket.ChatbotActive,
		&ticket.MenuOptionID,
		&ticket.UnreadCount,
		&ticket.LastMessage,
		&ticket.Channel,
		&ticket.SessionID,
		&ticket.IsGroup,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func scanTickets(rows pgx.Rows) ([]domain.Ticket, error) {
	var result []domain.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ticket)
	}
	return result, rows.Err()
}

func scanTracking(row pgx.Row) (*domain.TicketTracking, error) {
	var tracking domain.TicketTracking
	if err := row.Scan(
		&tracking.ID,
		&tracking.TicketID,
		&tracking.TenantID,
		&tracking.AgentID,
		&tracking.QueuedAt,
		&tracking.StartedAt,
		&tracking.RatingRequestedAt,
		&tracking.FinishedAt,
		&tracking.Rated,
		&tracking.Rating,
		&tracking.CreatedAt,
		&tracking.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &tracking, nil
}
