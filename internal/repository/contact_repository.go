package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatdesk-io/chatdesk/internal/domain"
)

// ContactRepository defines persistence access for contacts.
type ContactRepository interface {
	// Upsert inserts the contact or refreshes its name, reporting whether a row was created.
	Upsert(ctx context.Context, contact *domain.Contact) (bool, error)
	UpdateProfilePicture(ctx context.Context, id, url string) error
	GetByID(ctx context.Context, id string) (*domain.Contact, error)
	GetByAddress(ctx context.Context, tenantID, address string) (*domain.Contact, error)
}

type contactRepository struct {
	pool *pgxpool.Pool
}

// NewContactRepository returns a Postgres-backed implementation.
func NewContactRepository(pool *pgxpool.Pool) ContactRepository {
	return &contactRepository{pool: pool}
}

func (r *contactRepository) Upsert(ctx context.Context, contact *domain.Contact) (bool, error) {
	const query = `
        INSERT INTO contacts (id, tenant_id, address, name, is_group, profile_picture_url)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (tenant_id, address) DO UPDATE
            SET name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE contacts.name END,
                updated_at = NOW()
        RETURNING id, name, is_group, profile_picture_url, created_at, updated_at, (xmax = 0) AS inserted`

	var inserted bool
	err := r.pool.QueryRow(ctx, query,
		newID(),
		contact.TenantID,
		contact.Address,
		contact.Name,
		contact.IsGroup,
		contact.ProfilePictureURL,
	).Scan(
		&contact.ID,
		&contact.Name,
		&contact.IsGroup,
		&contact.ProfilePictureURL,
		&contact.CreatedAt,
		&contact.UpdatedAt,
		&inserted,
	)
	return inserted, err
}

func (r *contactRepository) UpdateProfilePicture(ctx context.Context, id, url string) error {
	const query = `UPDATE contacts SET profile_picture_url=$1, updated_at=NOW() WHERE id=$2`

	cmd, err := r.pool.Exec(ctx, query, url, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *contactRepository) GetByID(ctx context.Context, id string) (*domain.Contact, error) {
	const query = `
        SELECT id, tenant_id, address, name, is_group, profile_picture_url, created_at, updated_at
        FROM contacts WHERE id=$1`
	return scanContact(r.pool.QueryRow(ctx, query, id))
}

func (r *contactRepository) GetByAddress(ctx context.Context, tenantID, address string) (*domain.Contact, error) {
	const query = `
        SELECT id, tenant_id, address, name, is_group, profile_picture_url, created_at, updated_at
        FROM contacts WHERE tenant_id=$1 AND address=$2`
	return scanContact(r.pool.QueryRow(ctx, query, tenantID, address))
}

func scanContact(row pgx.Row) (*domain.Contact, error) {
	var contact domain.Contact
	if err := row.Scan(
		&contact.ID,
		&contact.TenantID,
		&contact.Address,
		&contact.Name,
		&contact.IsGroup,
		&contact.ProfilePictureURL,
		&contact.CreatedAt,
		&contact.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &contact, nil
}
