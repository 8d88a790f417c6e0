package store

import (
	"context"
	"time"

	"mycel/internal/types"
)

// GetEdge loads one directed edge. The boolean reports existence; a
// missing edge is not an error because edges materialize lazily.
func (s *Store) GetEdge(ctx context.Context, tenantID, src, dst string) (*types.Edge, bool, error) {
	var e types.Edge
	found := false
	err := s.withRetry(ctx, "edge.get", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT tenant_id, src, dst, weight, last_update
			 FROM hyphae_edges WHERE tenant_id = $1 AND src = $2 AND dst = $3`,
			tenantID, src, dst)
		if err != nil {
			return err
		}
		defer rows.Close()
		if rows.Next() {
			if err := rows.Scan(&e.TenantID, &e.Src, &e.Dst, &e.Weight, &e.LastUpdate); err != nil {
				return err
			}
			found = true
		}
		return rows.Err()
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &e, true, nil
}

// UpsertEdge writes the learned weight for a directed pair.
func (s *Store) UpsertEdge(ctx context.Context, e *types.Edge) error {
	return s.withRetry(ctx, "edge.upsert", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO hyphae_edges (tenant_id, src, dst, weight, last_update)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (tenant_id, src, dst) DO UPDATE SET
				weight = EXCLUDED.weight,
				last_update = EXCLUDED.last_update`,
			e.TenantID, e.Src, e.Dst, e.Weight, e.LastUpdate)
		return err
	})
}

// ListEdges returns an agent's outbound edges at or above minWeight,
// strongest first.
func (s *Store) ListEdges(ctx context.Context, tenantID, src string, minWeight float64, limit int) ([]types.Edge, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []types.Edge
	err := s.withRetry(ctx, "edge.list", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT tenant_id, src, dst, weight, last_update
			 FROM hyphae_edges
			 WHERE tenant_id = $1 AND src = $2 AND weight >= $3
			 ORDER BY weight DESC, dst
			 LIMIT $4`, tenantID, src, minWeight, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var e types.Edge
			if err := rows.Scan(&e.TenantID, &e.Src, &e.Dst, &e.Weight, &e.LastUpdate); err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// EdgeStats is the aggregate view of a tenant's learned graph.
type EdgeStats struct {
	Count     int64   `json:"count"`
	AvgWeight float64 `json:"avg_weight"`
	MinWeight float64 `json:"min_weight"`
	MaxWeight float64 `json:"max_weight"`
}

// GetEdgeStats aggregates over the tenant's edges.
func (s *Store) GetEdgeStats(ctx context.Context, tenantID string) (*EdgeStats, error) {
	var st EdgeStats
	err := s.withRetry(ctx, "edge.stats", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx,
			`SELECT count(*),
				coalesce(avg(weight), 0),
				coalesce(min(weight), 0),
				coalesce(max(weight), 0)
			 FROM hyphae_edges WHERE tenant_id = $1`, tenantID,
		).Scan(&st.Count, &st.AvgWeight, &st.MinWeight, &st.MaxWeight)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// PruneEdges deletes a tenant's edges below the threshold and returns the
// number removed.
func (s *Store) PruneEdges(ctx context.Context, tenantID string, belowWeight float64) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "edge.prune", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM hyphae_edges WHERE tenant_id = $1 AND weight < $2`,
			tenantID, belowWeight)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

// DecayEdges applies exponential decay toward the weight floor across all
// tenants in one statement, then deletes edges that have both fallen
// below the stale threshold and been idle past the stale window. The
// elapsed time is measured from the later of last reinforcement and last
// decay, so repeated runs never double-apply a period. Returns
// (decayed, deleted).
func (s *Store) DecayEdges(ctx context.Context, now time.Time, lambdaPerDay, staleBelow float64, staleAfter time.Duration) (int64, int64, error) {
	var decayed, deleted int64
	err := s.withRetry(ctx, "edge.decay", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE hyphae_edges SET
				weight = $1 + (weight - $1) *
					exp(-$2 * extract(epoch FROM ($3::timestamptz - greatest(last_update, decayed_at))) / 86400.0),
				decayed_at = $3
			 WHERE greatest(last_update, decayed_at) < $3`,
			types.WeightMin, lambdaPerDay, now)
		if err != nil {
			return err
		}
		decayed = tag.RowsAffected()

		tag, err = s.pool.Exec(ctx,
			`DELETE FROM hyphae_edges
			 WHERE weight < $1 AND last_update < $2`,
			staleBelow, now.Add(-staleAfter))
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return decayed, deleted, err
}
