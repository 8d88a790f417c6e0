package store

import (
	"context"
	"time"

	"mycel/internal/types"
)

// SaveBroadcast persists a nutrient and its route records in one
// transaction. Either the whole broadcast is durable or none of it is; a
// duplicate nutrient id reports already_recorded.
func (s *Store) SaveBroadcast(ctx context.Context, n *types.Nutrient, routes []types.RouteRecord) error {
	return s.withRetry(ctx, "nutrient.broadcast", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx,
			`INSERT INTO nutrients_active
				(tenant_id, id, trace_id, agent_id, summary, embedding, snippets, tool_hints,
				 sensitivity, ttl_sec, max_hops, current_hop, content, created_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6::vector, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			n.TenantID, n.ID, n.TraceID, n.AgentID, n.Summary, encodeVector(n.Embedding),
			n.Snippets, n.ToolHints, n.Sensitivity, n.TTLSec, n.MaxHops,
			n.CurrentHop, n.Content, n.CreatedAt, n.ExpiresAt)
		if isUniqueViolation(err) {
			return types.E(types.CodeAlreadyRecorded, "nutrient %s already broadcast", n.ID)
		}
		if err != nil {
			return err
		}

		for i := range routes {
			r := &routes[i]
			_, err := tx.Exec(ctx,
				`INSERT INTO nutrient_routes
					(tenant_id, nutrient_id, trace_id, src, dst, hop_index, score, explored, memory_ids, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				r.TenantID, r.NutrientID, r.TraceID, r.Src, r.Dst,
				r.HopIndex, r.Score, r.Explored, r.MemoryIDs, r.CreatedAt)
			if isUniqueViolation(err) {
				return types.E(types.CodeAlreadyRecorded,
					"route for nutrient %s to %s at hop %d already exists", r.NutrientID, r.Dst, r.HopIndex)
			}
			if err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
}

const nutrientColumns = `tenant_id, id, trace_id, agent_id, summary, embedding::text,
	snippets, tool_hints, sensitivity, ttl_sec, max_hops, current_hop,
	content, created_at, expires_at`

// NutrientHit is one active nutrient with its similarity to a query.
type NutrientHit struct {
	Nutrient   types.Nutrient
	Similarity float64
}

// SearchNutrients runs an ANN scan over a tenant's unexpired nutrients,
// restricted to sensitivities the clearance may read.
func (s *Store) SearchNutrients(ctx context.Context, tenantID string, query []float32, clearance types.Sensitivity, limit int, now time.Time) ([]NutrientHit, error) {
	var hits []NutrientHit
	err := s.withRetry(ctx, "nutrient.search", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+nutrientColumns+`,
				1 - (embedding <=> $2::vector) AS similarity
			 FROM nutrients_active
			 WHERE tenant_id = $1
			   AND sensitivity = ANY($3)
			   AND expires_at > $4
			 ORDER BY embedding <=> $2::vector
			 LIMIT $5`,
			tenantID, encodeVector(query), allowedSensitivities(clearance), now, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		hits = hits[:0]
		for rows.Next() {
			var h NutrientHit
			var emb string
			if err := rows.Scan(&h.Nutrient.TenantID, &h.Nutrient.ID, &h.Nutrient.TraceID,
				&h.Nutrient.AgentID, &h.Nutrient.Summary, &emb,
				&h.Nutrient.Snippets, &h.Nutrient.ToolHints, &h.Nutrient.Sensitivity,
				&h.Nutrient.TTLSec, &h.Nutrient.MaxHops, &h.Nutrient.CurrentHop,
				&h.Nutrient.Content, &h.Nutrient.CreatedAt, &h.Nutrient.ExpiresAt,
				&h.Similarity); err != nil {
				return err
			}
			v, err := decodeVector(emb)
			if err != nil {
				return err
			}
			h.Nutrient.Embedding = v
			hits = append(hits, h)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// SweepExpiredNutrients deletes nutrients past their TTL. Route records
// survive for credit assignment until the retention pass drops them.
func (s *Store) SweepExpiredNutrients(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "nutrient.sweep", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM nutrients_active WHERE expires_at <= $1`, now)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}
