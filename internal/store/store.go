// Package store is the persistence layer: Postgres with the pgvector
// extension holds every entity of the substrate. All rows carry tenant_id
// and every query predicates on it; there is no query path that can cross
// tenants. Embeddings are stored as vector(1536) columns and searched with
// the cosine distance operator.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"mycel/internal/types"
)

const (
	retryAttempts = 3
	retryBase     = 50 * time.Millisecond
)

// Store wraps the connection pool and exposes the per-entity stores as
// methods on one value.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// New connects to Postgres and verifies the connection.
func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse store dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, types.Wrap(types.CodeUnavailable, err, "store unreachable")
	}
	return &Store{pool: pool, log: log}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Ping verifies the backing database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// withRetry runs fn up to three times with 50/150/450ms backoff plus
// jitter, retrying only transient connectivity failures. Domain errors and
// constraint violations pass through immediately.
func (s *Store) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			backoff := retryBase * time.Duration(pow3(attempt-1))
			backoff += time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			s.log.Warn("retrying store operation",
				zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
		}
		err = fn(ctx)
		if err == nil || !isTransient(err) {
			return err
		}
	}
	return types.Wrap(types.CodeUnavailable, err, "store operation %s failed after %d attempts", op, retryAttempts)
}

func pow3(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 3
	}
	return v
}

func isTransient(err error) bool {
	var de *types.Error
	if errors.As(err, &de) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 (connection), 40001 (serialization), 40P01 (deadlock),
		// 57P03 (cannot connect now).
		return strings.HasPrefix(pgErr.Code, "08") ||
			pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "57P03"
	}
	return !errors.Is(err, pgx.ErrNoRows) && !errors.Is(err, context.Canceled)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// encodeVector renders an embedding in pgvector's text input form.
func encodeVector(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// decodeVector parses pgvector's text output form.
func decodeVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal")
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return []float32{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("vector component %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}
