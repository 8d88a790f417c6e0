// Package api is the HTTP surface of the substrate: a chi router mapping
// the public endpoints onto the routing, memory and reinforcement
// services, with authentication, tenant isolation and rate limiting
// enforced in middleware.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mycel/internal/auth"
	"mycel/internal/hyphal"
	"mycel/internal/metrics"
	"mycel/internal/ratelimit"
	"mycel/internal/router"
	"mycel/internal/store"
	"mycel/internal/types"
)

// RouterService is the nutrient routing surface.
type RouterService interface {
	Broadcast(ctx context.Context, tenantID, traceID string, req *router.BroadcastRequest) (*router.BroadcastResult, error)
	Register(ctx context.Context, req *router.RegisterRequest) (*types.Agent, error)
	Deactivate(ctx context.Context, tenantID, agentID string) error
	ListAgents(ctx context.Context, tenantID string, limit, offset int) ([]types.Agent, error)
	Collect(ctx context.Context, tenantID string, req *router.CollectRequest) ([]router.CollectItem, error)
}

// MemoryService is the hyphal memory surface.
type MemoryService interface {
	Store(ctx context.Context, tenantID string, req *hyphal.StoreRequest) (*types.Memory, error)
	Search(ctx context.Context, tenantID string, req *hyphal.SearchRequest) ([]hyphal.Hit, error)
	Get(ctx context.Context, tenantID, id string, clearance types.Sensitivity) (*hyphal.Hit, error)
	Delete(ctx context.Context, tenantID, id string) error
	List(ctx context.Context, tenantID, agentID string, clearance types.Sensitivity, limit, offset int) ([]hyphal.Hit, error)
}

// OutcomeService records trace outcomes.
type OutcomeService interface {
	RecordOutcome(ctx context.Context, tenantID string, o *types.Outcome) (int, error)
}

// EdgeAdmin exposes the learned graph for observability and maintenance.
type EdgeAdmin interface {
	ListEdges(ctx context.Context, tenantID, src string, minWeight float64, limit int) ([]types.Edge, error)
	GetEdgeStats(ctx context.Context, tenantID string) (*store.EdgeStats, error)
	PruneEdges(ctx context.Context, tenantID string, belowWeight float64) (int64, error)
}

// TenantResolver looks up tenant configuration for rate limits.
type TenantResolver interface {
	GetTenant(ctx context.Context, id string) (*types.Tenant, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires middleware and handlers into one http.Handler.
type Server struct {
	router        RouterService
	memory        MemoryService
	outcomes      OutcomeService
	edges         EdgeAdmin
	tenants       TenantResolver
	authenticator auth.Authenticator
	limiter       ratelimit.Limiter
	metrics       *metrics.Metrics
	log           *zap.Logger
	pinger        Pinger

	// defaultRateLimit applies when the tenant row carries no limit.
	defaultRateLimit int
}

// Deps collects the server's dependencies.
type Deps struct {
	Router           RouterService
	Memory           MemoryService
	Outcomes         OutcomeService
	Edges            EdgeAdmin
	Tenants          TenantResolver
	Authenticator    auth.Authenticator
	Limiter          ratelimit.Limiter
	Metrics          *metrics.Metrics
	Log              *zap.Logger
	DefaultRateLimit int
	// Pinger is optional; when set, /v1/health verifies store reachability.
	Pinger Pinger
}

// NewServer builds the API server.
func NewServer(d Deps) *Server {
	limit := d.DefaultRateLimit
	if limit <= 0 {
		limit = 600
	}
	return &Server{
		router:           d.Router,
		memory:           d.Memory,
		outcomes:         d.Outcomes,
		edges:            d.Edges,
		tenants:          d.Tenants,
		authenticator:    d.Authenticator,
		limiter:          d.Limiter,
		metrics:          d.Metrics,
		log:              d.Log,
		pinger:           d.Pinger,
		defaultRateLimit: limit,
	}
}

// Handler assembles the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withObservability)

	r.Get("/v1/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	// Tenant-scoped routes share the same chain: trace id, auth, tenant
	// match, rate limit, then the scope gate.
	chain := func(scope string) chi.Router {
		return r.With(s.withTraceID, s.withAuth, s.withTenant, s.withRateLimit, s.requireScope(scope))
	}

	chain(auth.ScopeBroadcast).Post("/v1/broadcast/{tenant}/{trace}", s.handleBroadcast)
	chain(auth.ScopeBroadcast).Post("/v1/outcomes/{tenant}/{trace}", s.handleOutcome)
	chain(auth.ScopeCollect).Post("/v1/collect/{tenant}", s.handleCollect)

	chain(auth.ScopeMemory).Post("/v1/hyphal/{tenant}", s.handleMemoryStore)
	chain(auth.ScopeMemory).Post("/v1/hyphal:search/{tenant}", s.handleMemorySearch)
	chain(auth.ScopeMemory).Get("/v1/hyphal/{tenant}/{id}", s.handleMemoryGet)
	chain(auth.ScopeMemory).Delete("/v1/hyphal/{tenant}/{id}", s.handleMemoryDelete)
	chain(auth.ScopeMemory).Get("/v1/hyphal:list/{tenant}/{agent}", s.handleMemoryList)

	// Registration carries the tenant in the body, not the path; the
	// tenant match happens in the handler.
	r.With(s.withTraceID, s.withAuth, s.withRateLimit, s.requireScope(auth.ScopeAdmin)).
		Post("/v1/agents:register", s.handleRegister)
	chain(auth.ScopeAdmin).Delete("/v1/agents/{tenant}/{agent}", s.handleDeactivate)
	chain(auth.ScopeAdmin).Get("/v1/agents/{tenant}", s.handleListAgents)

	chain(auth.ScopeAdmin).Get("/v1/edges/{tenant}/{agent}", s.handleListEdges)
	chain(auth.ScopeAdmin).Get("/v1/edges:stats/{tenant}", s.handleEdgeStats)
	chain(auth.ScopeAdmin).Post("/v1/edges:prune/{tenant}", s.handlePruneEdges)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stores := map[string]string{}
	status := http.StatusOK
	if s.pinger != nil {
		stores["postgres"] = "ok"
		if err := s.pinger.Ping(r.Context()); err != nil {
			stores["postgres"] = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	body := map[string]interface{}{"status": "ok", "stores": stores}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	s.writeJSON(w, status, body)
}
