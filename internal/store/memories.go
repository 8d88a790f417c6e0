package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"mycel/internal/types"
)

// InsertMemory persists a new memory row. Content arrives as raw bytes:
// plaintext JSON or an encryption envelope, flagged by m.Encrypted.
func (s *Store) InsertMemory(ctx context.Context, m *types.Memory, content []byte) error {
	return s.withRetry(ctx, "memory.insert", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO hyphal_memory
				(tenant_id, id, agent_id, kind, content, embedding, quality,
				 sensitivity, user_id, created_at, expires_at, encrypted)
			 VALUES ($1, $2, $3, $4, $5, $6::vector, $7, $8, $9, $10, $11, $12)`,
			m.TenantID, m.ID, m.AgentID, m.Kind, content, encodeVector(m.Embedding),
			m.Quality, m.Sensitivity, m.UserID, m.CreatedAt, m.ExpiresAt, m.Encrypted)
		if isUniqueViolation(err) {
			return types.E(types.CodeAlreadyRecorded, "memory %s already stored", m.ID)
		}
		return err
	})
}

const memoryColumns = `tenant_id, id, agent_id, kind, content, embedding::text,
	quality, sensitivity, user_id, created_at, expires_at, accessed_count, encrypted`

func scanMemory(row pgx.Row) (*types.Memory, []byte, error) {
	var m types.Memory
	var content []byte
	var emb string
	if err := row.Scan(&m.TenantID, &m.ID, &m.AgentID, &m.Kind, &content, &emb,
		&m.Quality, &m.Sensitivity, &m.UserID, &m.CreatedAt, &m.ExpiresAt,
		&m.AccessedCount, &m.Encrypted); err != nil {
		return nil, nil, err
	}
	v, err := decodeVector(emb)
	if err != nil {
		return nil, nil, err
	}
	m.Embedding = v
	return &m, content, nil
}

// GetMemory loads one memory row with its raw content bytes.
func (s *Store) GetMemory(ctx context.Context, tenantID, id string) (*types.Memory, []byte, error) {
	var m *types.Memory
	var content []byte
	err := s.withRetry(ctx, "memory.get", func(ctx context.Context) error {
		var err error
		m, content, err = scanMemory(s.pool.QueryRow(ctx,
			`SELECT `+memoryColumns+` FROM hyphal_memory
			 WHERE tenant_id = $1 AND id = $2`, tenantID, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, types.E(types.CodeNotFound, "memory %s not found", id)
	}
	if err != nil {
		return nil, nil, err
	}
	return m, content, nil
}

// DeleteMemory removes a memory row.
func (s *Store) DeleteMemory(ctx context.Context, tenantID, id string) error {
	return s.withRetry(ctx, "memory.delete", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM hyphal_memory WHERE tenant_id = $1 AND id = $2`, tenantID, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return types.E(types.CodeNotFound, "memory %s not found", id)
		}
		return nil
	})
}

// ListMemories returns an agent's memories, newest first, with raw
// content.
func (s *Store) ListMemories(ctx context.Context, tenantID, agentID string, limit, offset int) ([]types.Memory, [][]byte, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []types.Memory
	var contents [][]byte
	err := s.withRetry(ctx, "memory.list", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+memoryColumns+` FROM hyphal_memory
			 WHERE tenant_id = $1 AND agent_id = $2
			 ORDER BY created_at DESC, id
			 LIMIT $3 OFFSET $4`, tenantID, agentID, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, contents = out[:0], contents[:0]
		for rows.Next() {
			m, c, err := scanMemory(rows)
			if err != nil {
				return err
			}
			out = append(out, *m)
			contents = append(contents, c)
		}
		return rows.Err()
	})
	return out, contents, err
}

// MemoryHit pairs a memory with its cosine similarity to the query and
// its raw content bytes.
type MemoryHit struct {
	Memory     types.Memory
	Content    []byte
	Similarity float64
}

// MemorySearchFilter narrows an ANN scan. Zero values mean "no filter";
// Clearance must be a valid level, the service layer applies the default.
type MemorySearchFilter struct {
	Clearance  types.Sensitivity
	Kinds      []types.MemoryKind
	MinQuality float64
	UserID     string
}

// SearchMemories runs an approximate nearest-neighbor scan over the
// tenant's memories: cosine distance ordering, post-filtered by
// sensitivity clearance, kinds, quality, user, and TTL. limit is the raw
// candidate count; diversification happens in the service layer.
func (s *Store) SearchMemories(ctx context.Context, tenantID string, query []float32, f MemorySearchFilter, limit int, now time.Time) ([]MemoryHit, error) {
	if limit <= 0 {
		limit = 30
	}
	allowed := allowedSensitivities(f.Clearance)
	kindFilter := make([]string, len(f.Kinds))
	for i, k := range f.Kinds {
		kindFilter[i] = string(k)
	}

	var out []MemoryHit
	err := s.withRetry(ctx, "memory.search", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+memoryColumns+`, 1 - (embedding <=> $2::vector) AS similarity
			 FROM hyphal_memory
			 WHERE tenant_id = $1
			   AND sensitivity = ANY($3)
			   AND (cardinality($4::text[]) = 0 OR kind = ANY($4))
			   AND (expires_at IS NULL OR expires_at > $5)
			   AND quality >= $6
			   AND ($7::text = '' OR user_id = $7::text)
			 ORDER BY embedding <=> $2::vector
			 LIMIT $8`,
			tenantID, encodeVector(query), allowed, kindFilter, now,
			f.MinQuality, f.UserID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var m types.Memory
			var content []byte
			var emb string
			var sim float64
			if err := rows.Scan(&m.TenantID, &m.ID, &m.AgentID, &m.Kind, &content, &emb,
				&m.Quality, &m.Sensitivity, &m.UserID, &m.CreatedAt, &m.ExpiresAt,
				&m.AccessedCount, &m.Encrypted, &sim); err != nil {
				return err
			}
			v, err := decodeVector(emb)
			if err != nil {
				return err
			}
			m.Embedding = v
			out = append(out, MemoryHit{Memory: m, Content: content, Similarity: sim})
		}
		return rows.Err()
	})
	return out, err
}

func allowedSensitivities(clearance types.Sensitivity) []string {
	levels := []types.Sensitivity{
		types.SensitivityPublic, types.SensitivityInternal,
		types.SensitivityConfidential, types.SensitivitySecret,
	}
	out := make([]string, 0, len(levels))
	for _, l := range levels {
		if l.CoveredBy(clearance) {
			out = append(out, string(l))
		}
	}
	return out
}

// SetMemoryQuality stores the reinforced quality value.
func (s *Store) SetMemoryQuality(ctx context.Context, tenantID, id string, q float64) error {
	return s.withRetry(ctx, "memory.quality", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`UPDATE hyphal_memory SET quality = $3 WHERE tenant_id = $1 AND id = $2`,
			tenantID, id, q)
		return err
	})
}

// MarkMemoriesAccessed bumps accessed_count for the retrieved set.
func (s *Store) MarkMemoriesAccessed(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withRetry(ctx, "memory.accessed", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`UPDATE hyphal_memory SET accessed_count = accessed_count + 1
			 WHERE tenant_id = $1 AND id = ANY($2)`, tenantID, ids)
		return err
	})
}

// SweepExpiredMemories deletes memories past their optional TTL.
func (s *Store) SweepExpiredMemories(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "memory.sweep", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM hyphal_memory WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}
