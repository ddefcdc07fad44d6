package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatdesk-io/chatdesk/internal/domain"
)

// SessionRepository reads the paired channel sessions.
type SessionRepository interface {
	ListActive(ctx context.Context) ([]domain.ChannelSession, error)
	GetByID(ctx context.Context, id string) (*domain.ChannelSession, error)
	UpdateDeviceJID(ctx context.Context, id, jid string) error
}

type sessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository builds the repository.
func NewSessionRepository(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepository{pool: pool}
}

func (r *sessionRepository) ListActive(ctx context.Context) ([]domain.ChannelSession, error) {
	const query = `
        SELECT id, tenant_id, channel, device_jid, active, created_at, updated_at
        FROM channel_sessions WHERE active=TRUE ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ChannelSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *session)
	}
	return result, rows.Err()
}

func (r *sessionRepository) GetByID(ctx context.Context, id string) (*domain.ChannelSession, error) {
	const query = `
        SELECT id, tenant_id, channel, device_jid, active, created_at, updated_at
        FROM channel_sessions WHERE id=$1`
	return scanSession(r.pool.QueryRow(ctx, query, id))
}

func (r *sessionRepository) UpdateDeviceJID(ctx context.Context, id, jid string) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE channel_sessions SET device_jid=$1, updated_at=NOW() WHERE id=$2`, jid, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func scanSession(row pgx.Row) (*domain.ChannelSession, error) {
	var s domain.ChannelSession
	if err := row.Scan(&s.ID, &s.TenantID, &s.Channel, &s.DeviceJID, &s.Active, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}
