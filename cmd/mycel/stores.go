package main

import (
	"context"

	"mycel/internal/store"
	"mycel/internal/types"
)

// The reinforcement engine names its store methods after the rows it
// touches; *store.Store names them after the tables. These shims bridge
// the two so the engine stays decoupled from the concrete store.

type outcomeStore struct{ s *store.Store }

func (a outcomeStore) Insert(ctx context.Context, tenantID string, o *types.Outcome) error {
	return a.s.InsertOutcome(ctx, tenantID, o)
}

type routeStore struct{ s *store.Store }

func (a routeStore) ListByTrace(ctx context.Context, tenantID, traceID string) ([]types.RouteRecord, error) {
	return a.s.ListRoutesByTrace(ctx, tenantID, traceID)
}

type edgeStore struct{ s *store.Store }

func (a edgeStore) Get(ctx context.Context, tenantID, src, dst string) (*types.Edge, bool, error) {
	return a.s.GetEdge(ctx, tenantID, src, dst)
}

func (a edgeStore) Upsert(ctx context.Context, e *types.Edge) error {
	return a.s.UpsertEdge(ctx, e)
}

type agentSuccessStore struct{ s *store.Store }

func (a agentSuccessStore) Get(ctx context.Context, tenantID, agentID string) (*types.Agent, error) {
	return a.s.GetAgent(ctx, tenantID, agentID)
}

func (a agentSuccessStore) SetAvgSuccess(ctx context.Context, tenantID, agentID string, v float64) error {
	return a.s.SetAgentAvgSuccess(ctx, tenantID, agentID, v)
}

type memoryQualityStore struct{ s *store.Store }

func (a memoryQualityStore) Get(ctx context.Context, tenantID, id string) (*types.Memory, error) {
	m, _, err := a.s.GetMemory(ctx, tenantID, id)
	return m, err
}

func (a memoryQualityStore) SetQuality(ctx context.Context, tenantID, id string, q float64) error {
	return a.s.SetMemoryQuality(ctx, tenantID, id, q)
}
