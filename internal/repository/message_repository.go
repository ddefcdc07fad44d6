package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatdesk-io/chatdesk/internal/domain"
)

// MessageRepository manages ticket conversation messages.
type MessageRepository interface {
	Create(ctx context.Context, msg *domain.Message) error
	ListByTicket(ctx context.Context, ticketID string, limit int) ([]domain.Message, error)
}

type messageRepository struct {
	pool *pgxpool.Pool
}

// NewMessageRepository builds repository.
func NewMessageRepository(pool *pgxpool.Pool) MessageRepository {
	return &messageRepository{pool: pool}
}

func (r *messageRepository) Create(ctx context.Context, msg *domain.Message) error {
	const query = `
        INSERT INTO messages (id, tenant_id, ticket_id, contact_id, external_id, direction, kind, body,
            media_url, media_type, delivery_status, sent_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        RETURNING created_at`
	if msg.ID == "" {
		msg.ID = newID()
	}
	var contactID *string
	if msg.ContactID != "" {
		contactID = &msg.ContactID
	}
	return r.pool.QueryRow(ctx, query,
		msg.ID,
		msg.TenantID,
		msg.TicketID,
		contactID,
		msg.ExternalID,
		msg.Direction,
		msg.Kind,
		msg.Body,
		msg.MediaURL,
		msg.MediaType,
		msg.DeliveryStatus,
		msg.SentAt,
	).Scan(&msg.CreatedAt)
}

func (r *messageRepository) ListByTicket(ctx context.Context, ticketID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
        SELECT id, tenant_id, ticket_id, COALESCE(contact_id::text, ''), external_id, direction, kind, body,
               media_url, media_type, delivery_status, sent_at, created_at
        FROM messages WHERE ticket_id=$1 ORDER BY sent_at ASC, id ASC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, ticketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(
			&msg.ID,
			&msg.TenantID,
			&msg.TicketID,
			&msg.ContactID,
			&msg.ExternalID,
			&msg.Direction,
			&msg.Kind,
			&msg.Body,
			&msg.MediaURL,
			&msg.MediaType,
			&msg.DeliveryStatus,
			&msg.SentAt,
			&msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}
