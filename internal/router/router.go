// Package router orchestrates nutrient propagation: it validates
// broadcasts, applies tenant policy, scores and selects recipients with
// the routing engine, persists the nutrient and its route records
// atomically, then delivers best-effort. It also owns agent registration
// and the collect path.
package router

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mycel/internal/hyphal"
	"mycel/internal/policy"
	"mycel/internal/routing"
	"mycel/internal/store"
	"mycel/internal/types"
)

// candidateFactor is the candidate pool multiplier: M = K * candidateFactor.
const candidateFactor = 4

// hydrationBudget bounds the time spent attaching memory context to a
// broadcast. On expiry the broadcast proceeds without hydration.
const hydrationBudget = 150 * time.Millisecond

// hydrationTopK is how many memories a broadcast carries as context.
const hydrationTopK = 5

// AgentStore is the agent persistence surface.
type AgentStore interface {
	UpsertAgent(ctx context.Context, a *types.Agent) error
	GetAgent(ctx context.Context, tenantID, id string) (*types.Agent, error)
	ListAgents(ctx context.Context, tenantID string, limit, offset int) ([]types.Agent, error)
	SetAgentStatus(ctx context.Context, tenantID, id string, status types.AgentStatus) error
	CountActiveAgents(ctx context.Context, tenantID string) (int, error)
	LoadCandidates(ctx context.Context, tenantID, sender string, m int) ([]store.Candidate, error)
	AppendRecentDemand(ctx context.Context, tenantID, id string, terms []string) error
	TouchAgent(ctx context.Context, tenantID, id string, at time.Time) error
}

// BroadcastStore persists nutrients with their routes and serves the
// collect path's similarity scan over active nutrients.
type BroadcastStore interface {
	SaveBroadcast(ctx context.Context, n *types.Nutrient, routes []types.RouteRecord) error
	SearchNutrients(ctx context.Context, tenantID string, query []float32, clearance types.Sensitivity, limit int, now time.Time) ([]store.NutrientHit, error)
}

// TenantStore resolves tenant configuration.
type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*types.Tenant, error)
}

// PolicyStore loads the active policy set.
type PolicyStore interface {
	ListEnabledPolicies(ctx context.Context, tenantID string) ([]types.Policy, error)
}

// Searcher is the memory retrieval surface used for hydration and collect.
type Searcher interface {
	Search(ctx context.Context, tenantID string, req *hyphal.SearchRequest) ([]hyphal.Hit, error)
}

// Deliverer pushes a routed nutrient toward a recipient. Delivery is
// best-effort: failures are logged, never fatal, and never roll back the
// persisted routes.
type Deliverer interface {
	Deliver(ctx context.Context, tenantID, dst string, n *types.Nutrient) error
}

// Auditor records signed audit events for mutating operations.
type Auditor interface {
	Record(ctx context.Context, tenantID, action, actor, traceID string, detail interface{})
}

// Service is the routing service.
type Service struct {
	agents     AgentStore
	broadcasts BroadcastStore
	tenants    TenantStore
	policies   PolicyStore
	memories   Searcher
	deliverer  Deliverer
	auditor    Auditor
	cfg        routing.Config
	log        *zap.Logger
	now        func() time.Time
}

// NewService wires the routing service. deliverer and auditor may be nil;
// now may be nil.
func NewService(
	agents AgentStore,
	broadcasts BroadcastStore,
	tenants TenantStore,
	policies PolicyStore,
	memories Searcher,
	deliverer Deliverer,
	auditor Auditor,
	cfg routing.Config,
	log *zap.Logger,
	now func() time.Time,
) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		agents:     agents,
		broadcasts: broadcasts,
		tenants:    tenants,
		policies:   policies,
		memories:   memories,
		deliverer:  deliverer,
		auditor:    auditor,
		cfg:        cfg,
		log:        log,
		now:        now,
	}
}

// BroadcastRequest carries one nutrient into the network.
type BroadcastRequest struct {
	NutrientID  string            `json:"nutrient_id,omitempty"`
	AgentID     string            `json:"agent_id"`
	Summary     string            `json:"summary"`
	Embedding   []float32         `json:"embedding"`
	Snippets    []string          `json:"snippets,omitempty"`
	ToolHints   []string          `json:"tool_hints,omitempty"`
	Sensitivity types.Sensitivity `json:"sensitivity"`
	TTLSec      int               `json:"ttl_sec"`
	MaxHops     int               `json:"max_hops"`
	CurrentHop  int               `json:"current_hop,omitempty"`
	Content     json.RawMessage   `json:"content,omitempty"`
}

// Recipient is one selected delivery target with its score breakdown.
type Recipient struct {
	AgentID  string  `json:"agent_id"`
	Score    float64 `json:"score"`
	Explored bool    `json:"explored,omitempty"`
}

// BroadcastResult summarizes one accepted broadcast.
type BroadcastResult struct {
	NutrientID string      `json:"nutrient_id"`
	TraceID    string      `json:"trace_id"`
	Recipients []Recipient `json:"recipients"`
	Delivered  int         `json:"delivered"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

func (s *Service) validateBroadcast(req *BroadcastRequest) error {
	if req.AgentID == "" {
		return types.E(types.CodeInvalidArgument, "agent_id is required")
	}
	if req.Summary == "" {
		return types.E(types.CodeInvalidArgument, "summary is required")
	}
	if err := types.ValidateEmbedding(req.Embedding); err != nil {
		return err
	}
	if !req.Sensitivity.Valid() {
		return types.E(types.CodeInvalidArgument, "unknown sensitivity %q", req.Sensitivity)
	}
	if req.TTLSec < types.TTLSecMin || req.TTLSec > types.TTLSecMax {
		return types.E(types.CodeInvalidArgument,
			"ttl_sec must be in [%d, %d]", types.TTLSecMin, types.TTLSecMax)
	}
	if req.MaxHops < types.MaxHopsMin || req.MaxHops > types.MaxHopsMax {
		return types.E(types.CodeInvalidArgument,
			"max_hops must be in [%d, %d]", types.MaxHopsMin, types.MaxHopsMax)
	}
	if req.CurrentHop < 0 {
		return types.E(types.CodeInvalidArgument, "current_hop must not be negative")
	}
	if len(req.Content) > types.MaxContentBytes {
		return types.E(types.CodeInvalidArgument,
			"content exceeds %d bytes", types.MaxContentBytes)
	}
	return nil
}

// Broadcast routes one nutrient. Steps before persistence fail the whole
// call; delivery afterwards is best-effort. An empty selection is a valid
// result with zero recipients.
func (s *Service) Broadcast(ctx context.Context, tenantID, traceID string, req *BroadcastRequest) (*BroadcastResult, error) {
	if err := s.validateBroadcast(req); err != nil {
		return nil, err
	}
	if req.CurrentHop >= req.MaxHops {
		return nil, types.E(types.CodeExpired,
			"nutrient exhausted its hop budget (%d/%d)", req.CurrentHop, req.MaxHops)
	}

	if _, err := s.agents.GetAgent(ctx, tenantID, req.AgentID); err != nil {
		return nil, err
	}

	if err := s.checkPolicy(ctx, tenantID, req); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	s.touch(ctx, tenantID, req.AgentID, now)
	n := &types.Nutrient{
		ID:          req.NutrientID,
		TenantID:    tenantID,
		TraceID:     traceID,
		AgentID:     req.AgentID,
		Summary:     req.Summary,
		Embedding:   req.Embedding,
		Snippets:    req.Snippets,
		ToolHints:   req.ToolHints,
		Sensitivity: req.Sensitivity,
		TTLSec:      req.TTLSec,
		MaxHops:     req.MaxHops,
		CurrentHop:  req.CurrentHop,
		Content:     req.Content,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(req.TTLSec) * time.Second),
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	selected, err := s.selectRecipients(ctx, tenantID, req.AgentID, n)
	if err != nil {
		return nil, err
	}

	memoryIDs := s.hydrate(ctx, tenantID, n)

	routes := make([]types.RouteRecord, len(selected))
	for i, sc := range selected {
		routes[i] = types.RouteRecord{
			TenantID:   tenantID,
			NutrientID: n.ID,
			TraceID:    traceID,
			Src:        req.AgentID,
			Dst:        sc.AgentID,
			HopIndex:   n.CurrentHop,
			Score:      sc.Score,
			Explored:   sc.Explored,
			MemoryIDs:  memoryIDs,
			CreatedAt:  now,
		}
	}

	if err := s.broadcasts.SaveBroadcast(ctx, n, routes); err != nil {
		return nil, err
	}

	delivered := s.deliver(ctx, tenantID, n, routes)
	s.noteDemand(ctx, tenantID, n.ToolHints, routes)

	if s.auditor != nil {
		s.auditor.Record(ctx, tenantID, "broadcast", req.AgentID, traceID, map[string]interface{}{
			"nutrient_id": n.ID,
			"recipients":  len(routes),
			"sensitivity": string(n.Sensitivity),
		})
	}

	result := &BroadcastResult{
		NutrientID: n.ID,
		TraceID:    traceID,
		Recipients: make([]Recipient, len(selected)),
		Delivered:  delivered,
		ExpiresAt:  n.ExpiresAt,
	}
	for i, sc := range selected {
		result.Recipients[i] = Recipient{AgentID: sc.AgentID, Score: sc.Score, Explored: sc.Explored}
	}

	s.log.Info("nutrient broadcast",
		zap.String("tenant_id", tenantID),
		zap.String("trace_id", traceID),
		zap.String("nutrient_id", n.ID),
		zap.Int("recipients", len(routes)),
		zap.Int("delivered", delivered))
	return result, nil
}

func (s *Service) checkPolicy(ctx context.Context, tenantID string, req *BroadcastRequest) error {
	pols, err := s.policies.ListEnabledPolicies(ctx, tenantID)
	if err != nil {
		return err
	}
	if len(pols) == 0 {
		return nil
	}
	doc, err := json.Marshal(map[string]interface{}{
		"summary":    req.Summary,
		"snippets":   req.Snippets,
		"tool_hints": req.ToolHints,
		"content":    req.Content,
	})
	if err != nil {
		return types.Wrap(types.CodeInternal, err, "encode policy document")
	}
	return policy.Evaluate(pols, policy.Input{
		Sensitivity: req.Sensitivity,
		Document:    doc,
	})
}

func (s *Service) selectRecipients(ctx context.Context, tenantID, sender string, n *types.Nutrient) ([]routing.Scored, error) {
	active, err := s.agents.CountActiveAgents(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	k := routing.AdaptiveK(active)

	loaded, err := s.agents.LoadCandidates(ctx, tenantID, sender, k*candidateFactor)
	if err != nil {
		return nil, err
	}
	candidates := make([]routing.Candidate, len(loaded))
	for i, c := range loaded {
		candidates[i] = routing.Candidate{Agent: c.Agent, EdgeWeight: c.EdgeWeight, HasEdge: c.HasEdge}
	}

	cfg := s.cfg
	if tenant, err := s.tenants.GetTenant(ctx, tenantID); err == nil && tenant.Epsilon > 0 {
		cfg.Epsilon = tenant.Epsilon
	}
	engine := routing.NewEngine(cfg, nil)
	return engine.Select(n, sender, candidates, k)
}

// hydrate attaches the ids of memories most relevant to the nutrient so
// reinforcement can credit them later. The lookup runs under a strict
// budget; on expiry the broadcast carries no memory context.
func (s *Service) hydrate(ctx context.Context, tenantID string, n *types.Nutrient) []string {
	if s.memories == nil {
		return nil
	}
	hctx, cancel := context.WithTimeout(ctx, hydrationBudget)
	defer cancel()

	hits, err := s.memories.Search(hctx, tenantID, &hyphal.SearchRequest{
		Embedding:     n.Embedding,
		TopK:          hydrationTopK,
		Clearance:     n.Sensitivity,
		MinSimilarity: 0.7,
	})
	if err != nil {
		s.log.Warn("hydration skipped",
			zap.String("tenant_id", tenantID),
			zap.String("nutrient_id", n.ID),
			zap.Error(err))
		return nil
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.Memory.ID)
	}
	return ids
}

func (s *Service) deliver(ctx context.Context, tenantID string, n *types.Nutrient, routes []types.RouteRecord) int {
	if s.deliverer == nil {
		return 0
	}
	delivered := 0
	for i := range routes {
		if err := s.deliverer.Deliver(ctx, tenantID, routes[i].Dst, n); err != nil {
			s.log.Warn("delivery failed",
				zap.String("tenant_id", tenantID),
				zap.String("dst", routes[i].Dst),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// touch bumps the agent's last_active timestamp. Activity tracking is
// best-effort and never fails the caller.
func (s *Service) touch(ctx context.Context, tenantID, agentID string, at time.Time) {
	if err := s.agents.TouchAgent(ctx, tenantID, agentID, at); err != nil {
		s.log.Warn("last_active update failed",
			zap.String("tenant_id", tenantID),
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
}

// noteDemand records the nutrient's tool hints on each recipient's recent
// demand list, feeding future overlap scoring.
func (s *Service) noteDemand(ctx context.Context, tenantID string, hints []string, routes []types.RouteRecord) {
	if len(hints) == 0 {
		return
	}
	for i := range routes {
		if err := s.agents.AppendRecentDemand(ctx, tenantID, routes[i].Dst, hints); err != nil {
			s.log.Warn("recent demand update failed",
				zap.String("tenant_id", tenantID),
				zap.String("agent_id", routes[i].Dst),
				zap.Error(err))
		}
	}
}

// RegisterRequest creates or refreshes an agent profile.
type RegisterRequest struct {
	TenantID         string    `json:"tenant_id"`
	AgentID          string    `json:"agent_id"`
	ProfileEmbedding []float32 `json:"profile_embedding"`
	Capabilities     []string  `json:"capabilities,omitempty"`
}

// Register validates and persists an agent profile. The profile embedding
// must be unit-L2 normalized.
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*types.Agent, error) {
	if req.TenantID == "" || req.AgentID == "" {
		return nil, types.E(types.CodeInvalidArgument, "tenant_id and agent_id are required")
	}
	if err := types.ValidateUnitNorm(req.ProfileEmbedding); err != nil {
		return nil, err
	}
	if _, err := s.tenants.GetTenant(ctx, req.TenantID); err != nil {
		return nil, err
	}

	a := &types.Agent{
		ID:               req.AgentID,
		TenantID:         req.TenantID,
		ProfileEmbedding: req.ProfileEmbedding,
		Capabilities:     req.Capabilities,
		Status:           types.AgentActive,
		LastActive:       s.now().UTC(),
	}
	if err := s.agents.UpsertAgent(ctx, a); err != nil {
		return nil, err
	}
	if s.auditor != nil {
		s.auditor.Record(ctx, req.TenantID, "agent.register", req.AgentID, "", map[string]interface{}{
			"capabilities": req.Capabilities,
		})
	}
	s.log.Info("agent registered",
		zap.String("tenant_id", req.TenantID),
		zap.String("agent_id", req.AgentID))
	return a, nil
}

// Deactivate removes an agent from routing without deleting its history.
func (s *Service) Deactivate(ctx context.Context, tenantID, agentID string) error {
	if err := s.agents.SetAgentStatus(ctx, tenantID, agentID, types.AgentInactive); err != nil {
		return err
	}
	if s.auditor != nil {
		s.auditor.Record(ctx, tenantID, "agent.deactivate", agentID, "", nil)
	}
	return nil
}

// ListAgents pages through a tenant's agents.
func (s *Service) ListAgents(ctx context.Context, tenantID string, limit, offset int) ([]types.Agent, error) {
	return s.agents.ListAgents(ctx, tenantID, limit, offset)
}

// CollectRequest pulls recent nutrients relevant to an agent's current
// task.
type CollectRequest struct {
	AgentID       string            `json:"agent_id"`
	Embedding     []float32         `json:"embedding"`
	TopK          int               `json:"top_k,omitempty"`
	Clearance     types.Sensitivity `json:"clearance,omitempty"`
	MinSimilarity float64           `json:"min_similarity,omitempty"`
	QueryTerms    []string          `json:"query_terms,omitempty"`
}

// CollectItem is one pulled nutrient. TraceID lets the caller record an
// outcome for it later.
type CollectItem struct {
	TraceID    string          `json:"trace_id"`
	NutrientID string          `json:"nutrient_id"`
	AgentID    string          `json:"agent_id"`
	Summary    string          `json:"summary"`
	Score      float64         `json:"score"`
	Snippets   []string        `json:"snippets,omitempty"`
	ToolHints  []string        `json:"tool_hints,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

const (
	// collectMinSimilarity is the default relevance floor for collect.
	collectMinSimilarity = 0.7
	collectOverfetch     = 3
	collectDefaultTopK   = 10
	collectMaxTopK       = 50
	collectLambda        = 0.5
)

// Collect pulls up to top_k unexpired nutrients scored against the query
// embedding, MMR-diversified, and records the query terms as the agent's
// recent demand.
func (s *Service) Collect(ctx context.Context, tenantID string, req *CollectRequest) ([]CollectItem, error) {
	if req.AgentID == "" {
		return nil, types.E(types.CodeInvalidArgument, "agent_id is required")
	}
	if err := types.ValidateEmbedding(req.Embedding); err != nil {
		return nil, err
	}
	if _, err := s.agents.GetAgent(ctx, tenantID, req.AgentID); err != nil {
		return nil, err
	}
	s.touch(ctx, tenantID, req.AgentID, s.now().UTC())

	topK := req.TopK
	if topK <= 0 {
		topK = collectDefaultTopK
	}
	if topK > collectMaxTopK {
		topK = collectMaxTopK
	}
	floor := req.MinSimilarity
	if floor <= 0 {
		floor = collectMinSimilarity
	}
	clearance := req.Clearance
	if clearance == "" {
		clearance = types.SensitivityInternal
	}
	if !clearance.Valid() {
		return nil, types.E(types.CodeInvalidArgument, "unknown sensitivity %q", clearance)
	}

	hits, err := s.broadcasts.SearchNutrients(ctx, tenantID, req.Embedding,
		clearance, topK*collectOverfetch, s.now().UTC())
	if err != nil {
		return nil, err
	}
	kept := hits[:0]
	for _, h := range hits {
		if h.Similarity >= floor {
			kept = append(kept, h)
		}
	}
	kept = mmrNutrients(kept, topK)

	items := make([]CollectItem, len(kept))
	for i, h := range kept {
		items[i] = CollectItem{
			TraceID:    h.Nutrient.TraceID,
			NutrientID: h.Nutrient.ID,
			AgentID:    h.Nutrient.AgentID,
			Summary:    h.Nutrient.Summary,
			Score:      h.Similarity,
			Snippets:   h.Nutrient.Snippets,
			ToolHints:  h.Nutrient.ToolHints,
			Data:       h.Nutrient.Content,
			ExpiresAt:  h.Nutrient.ExpiresAt,
		}
	}

	if len(req.QueryTerms) > 0 {
		if err := s.agents.AppendRecentDemand(ctx, tenantID, req.AgentID, req.QueryTerms); err != nil {
			s.log.Warn("recent demand update failed",
				zap.String("tenant_id", tenantID),
				zap.String("agent_id", req.AgentID),
				zap.Error(err))
		}
	}
	return items, nil
}

// mmrNutrients greedily selects up to k hits maximizing
// lambda*similarity - (1-lambda)*max_selected_cosine.
func mmrNutrients(hits []store.NutrientHit, k int) []store.NutrientHit {
	if len(hits) <= 1 {
		return hits
	}
	if k > len(hits) {
		k = len(hits)
	}

	selected := make([]store.NutrientHit, 0, k)
	remaining := make([]store.NutrientHit, len(hits))
	copy(remaining, hits)

	selected = append(selected, remaining[0])
	remaining = remaining[1:]

	for len(selected) < k && len(remaining) > 0 {
		bestPos := 0
		bestMMR := math.Inf(-1)
		for pos := range remaining {
			maxSim := math.Inf(-1)
			for i := range selected {
				sim, err := routing.Cosine(remaining[pos].Nutrient.Embedding, selected[i].Nutrient.Embedding)
				if err != nil {
					sim = 0
				}
				if sim > maxSim {
					maxSim = sim
				}
			}
			mmr := collectLambda*remaining[pos].Similarity - (1-collectLambda)*maxSim
			if mmr > bestMMR {
				bestMMR = mmr
				bestPos = pos
			}
		}
		selected = append(selected, remaining[bestPos])
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}
	return selected
}
