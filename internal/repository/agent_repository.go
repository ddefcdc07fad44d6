package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatdesk-io/chatdesk/internal/domain"
)

// AgentRepository reads agents and their queue memberships.
type AgentRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Agent, error)
	// ListWithQueues returns active agents that belong to at least one queue, ordered by id.
	ListWithQueues(ctx context.Context, tenantID string) ([]domain.Agent, error)
}

type agentRepository struct {
	pool *pgxpool.Pool
}

// NewAgentRepository instantiates the repository.
func NewAgentRepository(pool *pgxpool.Pool) AgentRepository {
	return &agentRepository{pool: pool}
}

func (r *agentRepository) GetByID(ctx context.Context, id string) (*domain.Agent, error) {
	const query = `
        SELECT a.id, a.tenant_id, a.name, a.email, a.role, a.active, a.created_at, a.updated_at,
               COALESCE(array_agg(aq.queue_id::text ORDER BY aq.queue_id) FILTER (WHERE aq.queue_id IS NOT NULL), '{}')
        FROM agents a LEFT JOIN agent_queues aq ON aq.agent_id = a.id
        WHERE a.id=$1
        GROUP BY a.id`
	return scanAgent(r.pool.QueryRow(ctx, query, id))
}

func (r *agentRepository) ListWithQueues(ctx context.Context, tenantID string) ([]domain.Agent, error) {
	const query = `
        SELECT a.id, a.tenant_id, a.name, a.email, a.role, a.active, a.created_at, a.updated_at,
               array_agg(aq.queue_id::text ORDER BY aq.queue_id)
        FROM agents a JOIN agent_queues aq ON aq.agent_id = a.id
        WHERE a.tenant_id=$1 AND a.active=TRUE
        GROUP BY a.id
        ORDER BY a.id`
	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *agent)
	}
	return result, rows.Err()
}

func scanAgent(row pgx.Row) (*domain.Agent, error) {
	var agent domain.Agent
	if err := row.Scan(
		&agent.ID,
		&agent.TenantID,
		&agent.Name,
		&agent.Email,
		&agent.Role,
		&agent.Active,
		&agent.CreatedAt,
		&agent.UpdatedAt,
		&agent.QueueIDs,
	); err != nil {
		return nil, err
	}
	return &agent, nil
}
