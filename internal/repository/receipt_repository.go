package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ReceiptRepository records which channel message ids were already accepted.
type ReceiptRepository interface {
	// Claim atomically records the id and reports whether this call was first.
	Claim(ctx context.Context, sessionID, externalID string) (bool, error)
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}

type receiptRepository struct {
	pool *pgxpool.Pool
}

// NewReceiptRepository constructs repository.
func NewReceiptRepository(pool *pgxpool.Pool) ReceiptRepository {
	return &receiptRepository{pool: pool}
}

func (r *receiptRepository) Claim(ctx context.Context, sessionID, externalID string) (bool, error) {
	const query = `
        INSERT INTO inbound_receipts (session_id, external_id)
        VALUES ($1,$2)
        ON CONFLICT (session_id, external_id) DO NOTHING`
	cmd, err := r.pool.Exec(ctx, query, sessionID, externalID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *receiptRepository) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM inbound_receipts WHERE received_at < $1`
	cmd, err := r.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
