package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SettingRepository reads tenant scoped flags.
type SettingRepository interface {
	ListByTenant(ctx context.Context, tenantID string) (map[string]string, error)
	TenantExists(ctx context.Context, tenantID string) (bool, error)
	ListTenantIDs(ctx context.Context) ([]string, error)
}

type settingRepository struct {
	pool *pgxpool.Pool
}

// NewSettingRepository builds the repository.
func NewSettingRepository(pool *pgxpool.Pool) SettingRepository {
	return &settingRepository{pool: pool}
}

func (r *settingRepository) ListByTenant(ctx context.Context, tenantID string) (map[string]string, error) {
	const query = `SELECT key, value FROM tenant_settings WHERE tenant_id=$1`
	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		result[key] = value
	}
	return result, rows.Err()
}

func (r *settingRepository) TenantExists(ctx context.Context, tenantID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tenants WHERE id=$1)`, tenantID).Scan(&exists)
	return exists, err
}

func (r *settingRepository) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM tenants ORDER BY id`)
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
