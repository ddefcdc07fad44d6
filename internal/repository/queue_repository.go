package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatdesk-io/chatdesk/internal/domain"
)

// QueueRepository reads queues, their schedules and menu options.
type QueueRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Queue, error)
	ListByTenant(ctx context.Context, tenantID string) ([]domain.Queue, error)
	ListMenuOptions(ctx context.Context, queueID string) ([]domain.MenuOption, error)
}

type queueRepository struct {
	pool *pgxpool.Pool
}

// NewQueueRepository constructs repository.
func NewQueueRepository(pool *pgxpool.Pool) QueueRepository {
	return &queueRepository{pool: pool}
}

func (r *queueRepository) GetByID(ctx context.Context, id string) (*domain.Queue, error) {
	const query = `
        SELECT id, tenant_id, name, greeting, out_of_hours_message, created_at, updated_at
        FROM queues WHERE id=$1`
	var queue domain.Queue
	if err := r.pool.QueryRow(ctx, query, id).Scan(
		&queue.ID,
		&queue.TenantID,
		&queue.Name,
		&queue.Greeting,
		&queue.OutOfHoursMessage,
		&queue.CreatedAt,
		&queue.UpdatedAt,
	); err != nil {
		return nil, err
	}
	schedules, err := r.schedules(ctx, []string{queue.ID})
	if err != nil {
		return nil, err
	}
	queue.Schedules = schedules[queue.ID]
	return &queue, nil
}

// ListByTenant returns queues in the order they are presented to contacts.
func (r *queueRepository) ListByTenant(ctx context.Context, tenantID string) ([]domain.Queue, error) {
	const query = `
        SELECT id, tenant_id, name, greeting, out_of_hours_message, created_at, updated_at
        FROM queues WHERE tenant_id=$1
        ORDER BY created_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		result []domain.Queue
		ids    []string
	)
	for rows.Next() {
		var queue domain.Queue
		if err := rows.Scan(&queue.ID, &queue.TenantID, &queue.Name, &queue.Greeting, &queue.OutOfHoursMessage, &queue.CreatedAt, &queue.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, queue)
		ids = append(ids, queue.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return result, nil
	}

	schedules, err := r.schedules(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range result {
		result[i].Schedules = schedules[result[i].ID]
	}
	return result, nil
}

func (r *queueRepository) schedules(ctx context.Context, queueIDs []string) (map[string][]domain.BusinessHours, error) {
	const query = `
        SELECT queue_id::text, weekday, start_time, end_time
        FROM queue_schedules WHERE queue_id::text = ANY($1)
        ORDER BY weekday, start_time`
	rows, err := r.pool.Query(ctx, query, queueIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string][]domain.BusinessHours)
	for rows.Next() {
		var (
			queueID string
			weekday int16
			hours   domain.BusinessHours
		)
		if err := rows.Scan(&queueID, &weekday, &hours.Start, &hours.End); err != nil {
			return nil, err
		}
		hours.Weekday = time.Weekday(weekday)
		result[queueID] = append(result[queueID], hours)
	}
	return result, rows.Err()
}

func (r *queueRepository) ListMenuOptions(ctx context.Context, queueID string) ([]domain.MenuOption, error) {
	const query = `
        SELECT id, queue_id, parent_id, key, title, body, position
        FROM menu_options WHERE queue_id=$1`
	rows, err := r.pool.Query(ctx, query, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.MenuOption, error) {
		var opt domain.MenuOption
		err := row.Scan(&opt.ID, &opt.QueueID, &opt.ParentID, &opt.Key, &opt.Title, &opt.Body, &opt.Position)
		return opt, err
	})
}
