package store

import (
	"context"
	"fmt"
)

// migrations run in order inside one transaction. Statements are
// idempotent so re-running the migrate command is safe.
var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,

	`CREATE TABLE IF NOT EXISTS tenants (
		id            text PRIMARY KEY,
		plan_tier     text NOT NULL DEFAULT 'free',
		status        text NOT NULL DEFAULT 'active',
		region        text NOT NULL DEFAULT '',
		rate_per_min  integer NOT NULL DEFAULT 600,
		epsilon       double precision NOT NULL DEFAULT 0,
		created_at    timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS agents (
		tenant_id         text NOT NULL,
		id                text NOT NULL,
		profile_embedding vector(1536) NOT NULL,
		capabilities      text[] NOT NULL DEFAULT '{}',
		recent_demand     text[] NOT NULL DEFAULT '{}',
		status            text NOT NULL DEFAULT 'active',
		avg_success       double precision NOT NULL DEFAULT 0,
		last_active       timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS agents_tenant_status_idx
		ON agents (tenant_id, status)`,

	`CREATE TABLE IF NOT EXISTS hyphae_edges (
		tenant_id   text NOT NULL,
		src         text NOT NULL,
		dst         text NOT NULL,
		weight      double precision NOT NULL,
		last_update timestamptz NOT NULL DEFAULT now(),
		decayed_at  timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, src, dst)
	)`,
	`CREATE INDEX IF NOT EXISTS hyphae_edges_src_weight_idx
		ON hyphae_edges (tenant_id, src, weight DESC)`,

	`CREATE TABLE IF NOT EXISTS nutrients_active (
		tenant_id   text NOT NULL,
		id          text NOT NULL,
		trace_id    text NOT NULL,
		agent_id    text NOT NULL,
		summary     text NOT NULL,
		embedding   vector(1536) NOT NULL,
		snippets    text[] NOT NULL DEFAULT '{}',
		tool_hints  text[] NOT NULL DEFAULT '{}',
		sensitivity text NOT NULL,
		ttl_sec     integer NOT NULL,
		max_hops    integer NOT NULL,
		current_hop integer NOT NULL DEFAULT 0,
		content     jsonb,
		created_at  timestamptz NOT NULL DEFAULT now(),
		expires_at  timestamptz NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS nutrients_expiry_idx
		ON nutrients_active (tenant_id, expires_at)`,

	`CREATE TABLE IF NOT EXISTS nutrient_routes (
		tenant_id   text NOT NULL,
		nutrient_id text NOT NULL,
		trace_id    text NOT NULL,
		src         text NOT NULL,
		dst         text NOT NULL,
		hop_index   integer NOT NULL,
		score       double precision NOT NULL,
		explored    boolean NOT NULL DEFAULT false,
		memory_ids  text[] NOT NULL DEFAULT '{}',
		created_at  timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, nutrient_id, dst, hop_index)
	)`,
	`CREATE INDEX IF NOT EXISTS nutrient_routes_trace_idx
		ON nutrient_routes (tenant_id, trace_id)`,
	`CREATE INDEX IF NOT EXISTS nutrient_routes_created_idx
		ON nutrient_routes (created_at)`,

	`CREATE TABLE IF NOT EXISTS hyphal_memory (
		tenant_id      text NOT NULL,
		id             text NOT NULL,
		agent_id       text NOT NULL,
		kind           text NOT NULL,
		content        bytea NOT NULL,
		embedding      vector(1536) NOT NULL,
		quality        double precision NOT NULL DEFAULT 0.5,
		sensitivity    text NOT NULL,
		user_id        text NOT NULL DEFAULT '',
		created_at     timestamptz NOT NULL DEFAULT now(),
		expires_at     timestamptz,
		accessed_count integer NOT NULL DEFAULT 0,
		encrypted      boolean NOT NULL DEFAULT false,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS hyphal_memory_agent_idx
		ON hyphal_memory (tenant_id, agent_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS hyphal_memory_embedding_idx
		ON hyphal_memory USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
	`CREATE INDEX IF NOT EXISTS hyphal_memory_quality_idx
		ON hyphal_memory (tenant_id, quality DESC)`,

	`CREATE TABLE IF NOT EXISTS trace_outcomes (
		tenant_id     text NOT NULL,
		trace_id      text NOT NULL,
		overall_score double precision NOT NULL,
		hop_scores    jsonb,
		recorded_at   timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, trace_id)
	)`,

	`CREATE TABLE IF NOT EXISTS policies (
		tenant_id text NOT NULL,
		id        text NOT NULL,
		kind      text NOT NULL,
		rules     jsonb NOT NULL,
		priority  integer NOT NULL DEFAULT 0,
		enabled   boolean NOT NULL DEFAULT true,
		PRIMARY KEY (tenant_id, id)
	)`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		id         text PRIMARY KEY,
		tenant_id  text NOT NULL,
		action     text NOT NULL,
		actor      text NOT NULL,
		trace_id   text NOT NULL DEFAULT '',
		detail     jsonb,
		key_id     text NOT NULL,
		signature  text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS audit_events_tenant_idx
		ON audit_events (tenant_id, created_at DESC)`,
}

// Migrate applies the schema. All statements run in one transaction.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, stmt := range migrations {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d: %w", i, err)
		}
	}
	return tx.Commit(ctx)
}
