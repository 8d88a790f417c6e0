package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"mycel/internal/types"
)

// GetTenant loads one tenant row.
func (s *Store) GetTenant(ctx context.Context, id string) (*types.Tenant, error) {
	var t types.Tenant
	err := s.withRetry(ctx, "tenant.get", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx,
			`SELECT id, plan_tier, status, region, rate_per_min, epsilon, created_at
			 FROM tenants WHERE id = $1`, id,
		).Scan(&t.ID, &t.PlanTier, &t.Status, &t.Region, &t.RatePerMin, &t.Epsilon, &t.CreatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.E(types.CodeNotFound, "tenant %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertTenant creates or updates a tenant. Used by provisioning and tests.
func (s *Store) UpsertTenant(ctx context.Context, t *types.Tenant) error {
	return s.withRetry(ctx, "tenant.upsert", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO tenants (id, plan_tier, status, region, rate_per_min, epsilon)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO UPDATE SET
				plan_tier = EXCLUDED.plan_tier,
				status = EXCLUDED.status,
				region = EXCLUDED.region,
				rate_per_min = EXCLUDED.rate_per_min,
				epsilon = EXCLUDED.epsilon`,
			t.ID, t.PlanTier, t.Status, t.Region, t.RatePerMin, t.Epsilon)
		return err
	})
}
