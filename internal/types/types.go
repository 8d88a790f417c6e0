// Package types holds the domain model shared by every layer of the
// substrate: tenants, agents, edges, nutrients, memories, routes and
// outcomes. All persisted entities carry a TenantID; cross-tenant
// references are never legal.
package types

import (
	"encoding/json"
	"math"
	"time"
)

// EmbeddingDim is the only embedding dimensionality the substrate accepts.
const EmbeddingDim = 1536

// Edge weight saturation bounds and the weight assigned to an edge that has
// never been materialized.
const (
	WeightMin  = 0.01
	WeightMax  = 1.5
	WeightInit = 0.2
)

// Nutrient bounds.
const (
	TTLSecMin  = 1
	TTLSecMax  = 3600
	MaxHopsMin = 1
	MaxHopsMax = 10

	// MaxContentBytes caps opaque nutrient/memory content payloads.
	MaxContentBytes = 64 * 1024
)

// Sensitivity classifies payloads for retrieval filtering and encryption at
// rest. Ordering matters: a caller may read at or below its clearance.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivityConfidential Sensitivity = "confidential"
	SensitivitySecret       Sensitivity = "secret"
)

var sensitivityRank = map[Sensitivity]int{
	SensitivityPublic:       0,
	SensitivityInternal:     1,
	SensitivityConfidential: 2,
	SensitivitySecret:       3,
}

// Rank returns the numeric ordering of a sensitivity level, or -1 if the
// level is unknown.
func (s Sensitivity) Rank() int {
	r, ok := sensitivityRank[s]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether s is one of the four known levels.
func (s Sensitivity) Valid() bool { return s.Rank() >= 0 }

// CoveredBy reports whether a caller with the given clearance may read a
// payload at sensitivity s.
func (s Sensitivity) CoveredBy(clearance Sensitivity) bool {
	return s.Rank() >= 0 && clearance.Rank() >= s.Rank()
}

// RequiresEncryption reports whether content at this level is envelope
// encrypted at rest.
func (s Sensitivity) RequiresEncryption() bool {
	return s.Rank() >= sensitivityRank[SensitivityConfidential]
}

// PlanTier is the tenant's subscription tier.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
)

// Tenant is the isolation unit. Every other entity belongs to exactly one.
type Tenant struct {
	ID        string    `json:"id"`
	PlanTier  PlanTier  `json:"plan_tier"`
	Status    string    `json:"status"`
	Region    string    `json:"region"`
	RatePerMin int      `json:"rate_per_min"`
	Epsilon   float64   `json:"epsilon"` // per-tenant exploration override, 0 = use default
	CreatedAt time.Time `json:"created_at"`
}

// MaxRecentDemand bounds the FIFO recent-demand list on agent profiles.
const MaxRecentDemand = 32

// Agent is a routable peer inside a tenant. ProfileEmbedding is unit-L2
// normalized, 1536-dim.
type Agent struct {
	ID               string      `json:"agent_id"`
	TenantID         string      `json:"tenant_id"`
	ProfileEmbedding []float32   `json:"profile_embedding"`
	Capabilities     []string    `json:"capabilities"`
	RecentDemand     []string    `json:"recent_demand"`
	Status           AgentStatus `json:"status"`
	AvgSuccess       float64     `json:"avg_success"`
	LastActive       time.Time   `json:"last_active"`
}

// AgentStatus is the lifecycle state of an agent profile.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
)

// Edge is a learned, directed connection between two agents of one tenant.
type Edge struct {
	TenantID   string    `json:"tenant_id"`
	Src        string    `json:"src"`
	Dst        string    `json:"dst"`
	Weight     float64   `json:"weight"`
	LastUpdate time.Time `json:"last_update"`
}

// Nutrient is an ephemeral knowledge fragment broadcast into the network.
type Nutrient struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	TraceID     string          `json:"trace_id"`
	AgentID     string          `json:"agent_id"`
	Summary     string          `json:"summary"`
	Embedding   []float32       `json:"embedding"`
	Snippets    []string        `json:"snippets"`
	ToolHints   []string        `json:"tool_hints"`
	Sensitivity Sensitivity     `json:"sensitivity"`
	TTLSec      int             `json:"ttl_sec"`
	MaxHops     int             `json:"max_hops"`
	CurrentHop  int             `json:"current_hop"`
	Content     json.RawMessage `json:"content,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Expired reports whether the nutrient may no longer propagate at time now.
func (n *Nutrient) Expired(now time.Time) bool {
	return !now.Before(n.ExpiresAt) || n.CurrentHop >= n.MaxHops
}

// RouteRecord is the durable basis for per-hop credit assignment. One row
// per (nutrient, recipient, hop); written atomically with delivery.
type RouteRecord struct {
	TenantID   string    `json:"tenant_id"`
	NutrientID string    `json:"nutrient_id"`
	TraceID    string    `json:"trace_id"`
	Src        string    `json:"src"`
	Dst        string    `json:"dst"`
	HopIndex   int       `json:"hop_index"`
	Score      float64   `json:"score"`
	Explored   bool      `json:"explored"` // selected by epsilon-greedy, not by score
	MemoryIDs  []string  `json:"memory_ids,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// MemoryKind classifies durable memories.
type MemoryKind string

const (
	KindInsight    MemoryKind = "insight"
	KindSnippet    MemoryKind = "snippet"
	KindDecision   MemoryKind = "decision"
	KindPreference MemoryKind = "preference"
)

// ValidMemoryKind reports whether k is a known memory kind.
func ValidMemoryKind(k MemoryKind) bool {
	switch k {
	case KindInsight, KindSnippet, KindDecision, KindPreference:
		return true
	}
	return false
}

// Memory is a durable, vector-indexed knowledge record. Content and
// Embedding are immutable after create; Quality and AccessedCount are the
// only mutable fields.
type Memory struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	AgentID       string          `json:"agent_id"`
	Kind          MemoryKind      `json:"kind"`
	Content       json.RawMessage `json:"content"`
	Embedding     []float32       `json:"embedding"`
	Quality       float64         `json:"quality"`
	Sensitivity   Sensitivity     `json:"sensitivity"`
	UserID        string          `json:"user_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	AccessedCount int             `json:"accessed_count"`
	Encrypted     bool            `json:"encrypted"`
}

// Expired reports whether the memory is past its optional TTL.
func (m *Memory) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// Outcome is the one-shot result of a trace. HopScores may refine the
// overall score per recipient.
type Outcome struct {
	TraceID      string             `json:"trace_id"`
	OverallScore float64            `json:"overall_score"`
	HopScores    map[string]float64 `json:"hop_scores,omitempty"`
	RecordedAt   time.Time          `json:"recorded_at"`
}

// ScoreFor returns the effective score for a recipient, preferring the
// per-hop score when present.
func (o *Outcome) ScoreFor(dst string) float64 {
	if s, ok := o.HopScores[dst]; ok {
		return s
	}
	return o.OverallScore
}

// PolicyKind distinguishes the rule families the evaluator understands.
type PolicyKind string

const (
	PolicyDLP  PolicyKind = "dlp"
	PolicyRBAC PolicyKind = "rbac"
	PolicyABAC PolicyKind = "abac"
)

// PolicyAction is the verdict a rule produces when it matches.
type PolicyAction string

const (
	ActionAllow PolicyAction = "allow"
	ActionDeny  PolicyAction = "deny"
)

// PolicyRule is a single data-driven predicate. Path is a minimal JSON
// pointer ("/summary", "/content/body"); Pattern is a substring match;
// MaxSensitivity denies payloads above the named level when set.
type PolicyRule struct {
	Path           string       `json:"path,omitempty"`
	Pattern        string       `json:"pattern,omitempty"`
	MaxSensitivity Sensitivity  `json:"max_sensitivity,omitempty"`
	Action         PolicyAction `json:"action"`
}

// Policy is an ordered rule set. Policies evaluate in descending priority;
// the first deny wins.
type Policy struct {
	ID       string       `json:"id"`
	TenantID string       `json:"tenant_id"`
	Kind     PolicyKind   `json:"kind"`
	Rules    []PolicyRule `json:"rules"`
	Priority int          `json:"priority"`
	Enabled  bool         `json:"enabled"`
}

// AuditEvent records a mutating operation. Signature is Ed25519 over the
// canonical JSON of the event body (everything except Signature itself).
type AuditEvent struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Action    string          `json:"action"`
	Actor     string          `json:"actor"`
	TraceID   string          `json:"trace_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	KeyID     string          `json:"key_id"`
	Signature string          `json:"signature,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ValidateEmbedding checks dimensionality and finiteness. It is the shared
// gate for every embedding that enters the system.
func ValidateEmbedding(v []float32) error {
	if len(v) != EmbeddingDim {
		return E(CodeInvalidArgument, "embedding must have %d dimensions, got %d", EmbeddingDim, len(v))
	}
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return E(CodeInvalidArgument, "embedding component %d is not finite", i)
		}
	}
	return nil
}

// ValidateUnitNorm additionally requires the vector to be unit-L2 within
// tolerance. Agent profile embeddings must satisfy this on write.
func ValidateUnitNorm(v []float32) error {
	if err := ValidateEmbedding(v); err != nil {
		return err
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if math.Abs(norm-1.0) > 1e-3 {
		return E(CodeInvalidArgument, "profile embedding must be unit-L2 normalized, norm=%.6f", norm)
	}
	return nil
}

// ValidateQuality bounds memory quality to [0,1].
func ValidateQuality(q float64) error {
	if q < 0 || q > 1 || math.IsNaN(q) {
		return E(CodeInvalidArgument, "quality must be in [0,1], got %v", q)
	}
	return nil
}

// ValidateScore bounds outcome scores to [0,1].
func ValidateScore(s float64) error {
	if s < 0 || s > 1 || math.IsNaN(s) {
		return E(CodeInvalidArgument, "score must be in [0,1], got %v", s)
	}
	return nil
}

// Clamp constrains x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
