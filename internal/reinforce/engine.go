package reinforce

import (
	"context"
	"time"

	"mycel/internal/types"

	"go.uber.org/zap"
)

// OutcomeStore persists outcomes. Insert must enforce first-wins per trace
// and return an already_recorded error on duplicates.
type OutcomeStore interface {
	Insert(ctx context.Context, tenantID string, o *types.Outcome) error
}

// RouteStore loads the route records of a trace for credit assignment.
type RouteStore interface {
	ListByTrace(ctx context.Context, tenantID, traceID string) ([]types.RouteRecord, error)
}

// EdgeStore reads and writes learned edges.
type EdgeStore interface {
	Get(ctx context.Context, tenantID, src, dst string) (*types.Edge, bool, error)
	Upsert(ctx context.Context, e *types.Edge) error
}

// AgentStore updates the per-agent success average.
type AgentStore interface {
	Get(ctx context.Context, tenantID, agentID string) (*types.Agent, error)
	SetAvgSuccess(ctx context.Context, tenantID, agentID string, v float64) error
}

// MemoryQualityStore adjusts the quality of memories referenced by routes.
type MemoryQualityStore interface {
	Get(ctx context.Context, tenantID, id string) (*types.Memory, error)
	SetQuality(ctx context.Context, tenantID, id string, q float64) error
}

// Engine applies outcomes to the edge graph. It is stateless; every call
// reads-then-writes through the stores, which serialize per row.
type Engine struct {
	cfg      Config
	outcomes OutcomeStore
	routes   RouteStore
	edges    EdgeStore
	agents   AgentStore
	memories MemoryQualityStore
	log      *zap.Logger
	now      func() time.Time
}

// NewEngine wires the reinforcement engine. memories may be nil when
// memory-quality feedback is disabled.
func NewEngine(cfg Config, outcomes OutcomeStore, routes RouteStore, edges EdgeStore, agents AgentStore, memories MemoryQualityStore, log *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		outcomes: outcomes,
		routes:   routes,
		edges:    edges,
		agents:   agents,
		memories: memories,
		log:      log,
		now:      time.Now,
	}
}

// RecordOutcome validates and persists one authoritative outcome for a
// trace, then updates every routed edge, the recipients' success averages
// and the quality of any memories the routes referenced. The first
// successful call wins; duplicates surface already_recorded. Returns the
// number of edges updated.
func (e *Engine) RecordOutcome(ctx context.Context, tenantID string, o *types.Outcome) (int, error) {
	if err := types.ValidateScore(o.OverallScore); err != nil {
		return 0, err
	}
	for dst, s := range o.HopScores {
		if err := types.ValidateScore(s); err != nil {
			return 0, types.E(types.CodeInvalidArgument, "hop score for %s out of range: %v", dst, s)
		}
	}

	routes, err := e.routes.ListByTrace(ctx, tenantID, o.TraceID)
	if err != nil {
		return 0, err
	}
	if len(routes) == 0 {
		return 0, types.E(types.CodeNotFound, "no routes for trace %s", o.TraceID)
	}

	if o.RecordedAt.IsZero() {
		o.RecordedAt = e.now()
	}
	if err := e.outcomes.Insert(ctx, tenantID, o); err != nil {
		return 0, err
	}

	updated := 0
	for i := range routes {
		r := &routes[i]
		effective := o.ScoreFor(r.Dst)
		if err := e.applyRoute(ctx, tenantID, r, effective); err != nil {
			// Partial application is tolerated: the outcome row is already
			// authoritative and the remaining routes still get their credit.
			e.log.Warn("edge update failed",
				zap.String("tenant_id", tenantID),
				zap.String("trace_id", o.TraceID),
				zap.String("src", r.Src),
				zap.String("dst", r.Dst),
				zap.Error(err))
			continue
		}
		updated++
	}

	e.log.Info("outcome recorded",
		zap.String("tenant_id", tenantID),
		zap.String("trace_id", o.TraceID),
		zap.Float64("overall", o.OverallScore),
		zap.Int("edges_updated", updated))
	return updated, nil
}

func (e *Engine) applyRoute(ctx context.Context, tenantID string, r *types.RouteRecord, effective float64) error {
	edge, ok, err := e.edges.Get(ctx, tenantID, r.Src, r.Dst)
	if err != nil {
		return err
	}
	if !ok {
		// Materialize lazily at the initial weight on first credit.
		edge = &types.Edge{TenantID: tenantID, Src: r.Src, Dst: r.Dst, Weight: types.WeightInit}
	}

	edge.Weight = UpdateWeight(edge.Weight, effective, r.Explored, e.cfg)
	edge.LastUpdate = e.now()
	if err := e.edges.Upsert(ctx, edge); err != nil {
		return err
	}

	if agent, err := e.agents.Get(ctx, tenantID, r.Dst); err == nil && agent != nil {
		next := EMA(agent.AvgSuccess, effective, e.cfg.EMAFactor)
		if err := e.agents.SetAvgSuccess(ctx, tenantID, r.Dst, next); err != nil {
			e.log.Warn("avg_success update failed",
				zap.String("agent_id", r.Dst), zap.Error(err))
		}
	}

	if e.memories != nil {
		for _, id := range r.MemoryIDs {
			m, err := e.memories.Get(ctx, tenantID, id)
			if err != nil || m == nil {
				continue
			}
			q := UpdateQuality(m.Quality, effective, e.cfg)
			if err := e.memories.SetQuality(ctx, tenantID, id, q); err != nil {
				e.log.Warn("memory quality update failed",
					zap.String("memory_id", id), zap.Error(err))
			}
		}
	}
	return nil
}
