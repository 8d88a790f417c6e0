package store

import (
	"context"
	"encoding/json"

	"mycel/internal/types"
)

// ListEnabledPolicies returns a tenant's enabled policies. Ordering is
// left to the evaluator, which sorts by priority.
func (s *Store) ListEnabledPolicies(ctx context.Context, tenantID string) ([]types.Policy, error) {
	var out []types.Policy
	err := s.withRetry(ctx, "policy.list", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT tenant_id, id, kind, rules, priority, enabled
			 FROM policies WHERE tenant_id = $1 AND enabled`, tenantID)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var p types.Policy
			var rules []byte
			if err := rows.Scan(&p.TenantID, &p.ID, &p.Kind, &rules, &p.Priority, &p.Enabled); err != nil {
				return err
			}
			if err := json.Unmarshal(rules, &p.Rules); err != nil {
				return types.Wrap(types.CodeInternal, err, "decode rules of policy %s", p.ID)
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

// UpsertPolicy writes a policy definition.
func (s *Store) UpsertPolicy(ctx context.Context, p *types.Policy) error {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return types.Wrap(types.CodeInvalidArgument, err, "encode rules")
	}
	return s.withRetry(ctx, "policy.upsert", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO policies (tenant_id, id, kind, rules, priority, enabled)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (tenant_id, id) DO UPDATE SET
				kind = EXCLUDED.kind,
				rules = EXCLUDED.rules,
				priority = EXCLUDED.priority,
				enabled = EXCLUDED.enabled`,
			p.TenantID, p.ID, p.Kind, rules, p.Priority, p.Enabled)
		return err
	})
}
