package store

import (
	"context"
	"time"

	"mycel/internal/types"
)

// ListRoutesByTrace returns the route records of one trace, in hop then
// recipient order. Reinforcement uses this as the basis for credit
// assignment.
func (s *Store) ListRoutesByTrace(ctx context.Context, tenantID, traceID string) ([]types.RouteRecord, error) {
	var out []types.RouteRecord
	err := s.withRetry(ctx, "route.by_trace", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT tenant_id, nutrient_id, trace_id, src, dst, hop_index, score, explored, memory_ids, created_at
			 FROM nutrient_routes
			 WHERE tenant_id = $1 AND trace_id = $2
			 ORDER BY hop_index, dst`, tenantID, traceID)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var r types.RouteRecord
			if err := rows.Scan(&r.TenantID, &r.NutrientID, &r.TraceID, &r.Src, &r.Dst,
				&r.HopIndex, &r.Score, &r.Explored, &r.MemoryIDs, &r.CreatedAt); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// PurgeRoutesBefore drops route records older than the retention horizon.
func (s *Store) PurgeRoutesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "route.purge", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM nutrient_routes WHERE created_at < $1`, cutoff)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}
