package store

import (
	"context"

	"mycel/internal/types"
)

// InsertAuditEvent appends one signed event to the audit log.
func (s *Store) InsertAuditEvent(ctx context.Context, ev *types.AuditEvent) error {
	return s.withRetry(ctx, "audit.insert", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO audit_events
				(id, tenant_id, action, actor, trace_id, detail, key_id, signature, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			ev.ID, ev.TenantID, ev.Action, ev.Actor, ev.TraceID,
			ev.Detail, ev.KeyID, ev.Signature, ev.CreatedAt)
		return err
	})
}

// ListAuditEvents returns a tenant's newest events for offline
// verification tooling.
func (s *Store) ListAuditEvents(ctx context.Context, tenantID string, limit int) ([]types.AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []types.AuditEvent
	err := s.withRetry(ctx, "audit.list", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT id, tenant_id, action, actor, trace_id, detail, key_id, signature, created_at
			 FROM audit_events
			 WHERE tenant_id = $1
			 ORDER BY created_at DESC
			 LIMIT $2`, tenantID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var ev types.AuditEvent
			if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.Action, &ev.Actor, &ev.TraceID,
				&ev.Detail, &ev.KeyID, &ev.Signature, &ev.CreatedAt); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return rows.Err()
	})
	return out, err
}
