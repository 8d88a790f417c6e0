package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"mycel/internal/types"
)

// UpsertAgent registers or refreshes an agent profile. Re-registration
// replaces the profile in place and reactivates the agent.
func (s *Store) UpsertAgent(ctx context.Context, a *types.Agent) error {
	return s.withRetry(ctx, "agent.upsert", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO agents
				(tenant_id, id, profile_embedding, capabilities, recent_demand, status, avg_success, last_active)
			 VALUES ($1, $2, $3::vector, $4, $5, $6, $7, now())
			 ON CONFLICT (tenant_id, id) DO UPDATE SET
				profile_embedding = EXCLUDED.profile_embedding,
				capabilities = EXCLUDED.capabilities,
				recent_demand = EXCLUDED.recent_demand,
				status = EXCLUDED.status,
				last_active = now()`,
			a.TenantID, a.ID, encodeVector(a.ProfileEmbedding),
			a.Capabilities, a.RecentDemand, a.Status, a.AvgSuccess)
		return err
	})
}

const agentColumns = `tenant_id, id, profile_embedding::text, capabilities,
	recent_demand, status, avg_success, last_active`

func scanAgent(row pgx.Row) (*types.Agent, error) {
	var a types.Agent
	var emb string
	if err := row.Scan(&a.TenantID, &a.ID, &emb, &a.Capabilities,
		&a.RecentDemand, &a.Status, &a.AvgSuccess, &a.LastActive); err != nil {
		return nil, err
	}
	v, err := decodeVector(emb)
	if err != nil {
		return nil, err
	}
	a.ProfileEmbedding = v
	return &a, nil
}

// GetAgent loads one agent.
func (s *Store) GetAgent(ctx context.Context, tenantID, id string) (*types.Agent, error) {
	var a *types.Agent
	err := s.withRetry(ctx, "agent.get", func(ctx context.Context) error {
		var err error
		a, err = scanAgent(s.pool.QueryRow(ctx,
			`SELECT `+agentColumns+` FROM agents WHERE tenant_id = $1 AND id = $2`,
			tenantID, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.E(types.CodeNotFound, "agent %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAgents returns a page of a tenant's agents, most recently active
// first.
func (s *Store) ListAgents(ctx context.Context, tenantID string, limit, offset int) ([]types.Agent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []types.Agent
	err := s.withRetry(ctx, "agent.list", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+agentColumns+` FROM agents
			 WHERE tenant_id = $1
			 ORDER BY last_active DESC, id
			 LIMIT $2 OFFSET $3`, tenantID, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			a, err := scanAgent(rows)
			if err != nil {
				return err
			}
			out = append(out, *a)
		}
		return rows.Err()
	})
	return out, err
}

// SetAgentStatus activates or deactivates an agent.
func (s *Store) SetAgentStatus(ctx context.Context, tenantID, id string, status types.AgentStatus) error {
	return s.withRetry(ctx, "agent.status", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE agents SET status = $3 WHERE tenant_id = $1 AND id = $2`,
			tenantID, id, status)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return types.E(types.CodeNotFound, "agent %s not found", id)
		}
		return nil
	})
}

// SetAgentAvgSuccess stores the EMA-updated success rate.
func (s *Store) SetAgentAvgSuccess(ctx context.Context, tenantID, id string, v float64) error {
	return s.withRetry(ctx, "agent.avg_success", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`UPDATE agents SET avg_success = $3 WHERE tenant_id = $1 AND id = $2`,
			tenantID, id, v)
		return err
	})
}

// AppendRecentDemand pushes terms onto the agent's recent demand FIFO,
// trimming to the newest entries.
func (s *Store) AppendRecentDemand(ctx context.Context, tenantID, id string, terms []string) error {
	if len(terms) == 0 {
		return nil
	}
	return s.withRetry(ctx, "agent.demand", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`UPDATE agents SET
				recent_demand = (SELECT ARRAY(
					SELECT x FROM unnest(recent_demand || $3::text[]) WITH ORDINALITY AS t(x, ord)
					ORDER BY ord OFFSET greatest(cardinality(recent_demand || $3::text[]) - $4, 0)
				)),
				last_active = now()
			 WHERE tenant_id = $1 AND id = $2`,
			tenantID, id, terms, types.MaxRecentDemand)
		return err
	})
}

// TouchAgent bumps last_active.
func (s *Store) TouchAgent(ctx context.Context, tenantID, id string, at time.Time) error {
	return s.withRetry(ctx, "agent.touch", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`UPDATE agents SET last_active = $3 WHERE tenant_id = $1 AND id = $2`,
			tenantID, id, at)
		return err
	})
}

// CountActiveAgents feeds the adaptive recipient bound.
func (s *Store) CountActiveAgents(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.withRetry(ctx, "agent.count", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx,
			`SELECT count(*) FROM agents WHERE tenant_id = $1 AND status = 'active'`,
			tenantID).Scan(&n)
	})
	return n, err
}

// LoadCandidates fetches up to m active agents with the sender's edge
// state in a single query, strongest edges first so the learned graph
// shapes the candidate pool before scoring.
func (s *Store) LoadCandidates(ctx context.Context, tenantID, sender string, m int) ([]Candidate, error) {
	if m <= 0 {
		m = 80
	}
	var out []Candidate
	err := s.withRetry(ctx, "agent.candidates", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT a.tenant_id, a.id, a.profile_embedding::text, a.capabilities,
				a.recent_demand, a.status, a.avg_success, a.last_active,
				e.weight
			 FROM agents a
			 LEFT JOIN hyphae_edges e
				ON e.tenant_id = a.tenant_id AND e.src = $2 AND e.dst = a.id
			 WHERE a.tenant_id = $1 AND a.status = 'active' AND a.id <> $2
			 ORDER BY e.weight DESC NULLS LAST, a.last_active DESC
			 LIMIT $3`, tenantID, sender, m)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var a types.Agent
			var emb string
			var weight *float64
			if err := rows.Scan(&a.TenantID, &a.ID, &emb, &a.Capabilities,
				&a.RecentDemand, &a.Status, &a.AvgSuccess, &a.LastActive, &weight); err != nil {
				return err
			}
			v, err := decodeVector(emb)
			if err != nil {
				return err
			}
			a.ProfileEmbedding = v
			c := Candidate{Agent: a}
			if weight != nil {
				c.EdgeWeight = *weight
				c.HasEdge = true
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	return out, err
}

// Candidate is an agent plus the sender's edge state, as loaded for one
// broadcast.
type Candidate struct {
	Agent      types.Agent
	EdgeWeight float64
	HasEdge    bool
}
