// Package hyphal is the durable memory service: agents persist insights,
// snippets, decisions and preferences as vector-indexed records and
// retrieve them by semantic similarity. Confidential and secret content is
// envelope encrypted before it reaches the store and decrypted on the way
// out; embeddings and metadata stay in the clear for search.
package hyphal

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mycel/internal/routing"
	"mycel/internal/store"
	"mycel/internal/types"
)

const (
	// Search over-fetches by this factor before MMR diversification.
	searchOverfetch = 3
	// mmrLambda is the relevance/diversity trade-off for result sets.
	mmrLambda = 0.5

	defaultTopK = 10
	maxTopK     = 50
)

// MemoryStore is the persistence surface the service needs.
type MemoryStore interface {
	InsertMemory(ctx context.Context, m *types.Memory, content []byte) error
	GetMemory(ctx context.Context, tenantID, id string) (*types.Memory, []byte, error)
	DeleteMemory(ctx context.Context, tenantID, id string) error
	ListMemories(ctx context.Context, tenantID, agentID string, limit, offset int) ([]types.Memory, [][]byte, error)
	SearchMemories(ctx context.Context, tenantID string, query []float32, f store.MemorySearchFilter, limit int, now time.Time) ([]store.MemoryHit, error)
	MarkMemoriesAccessed(ctx context.Context, tenantID string, ids []string) error
}

// Sealer is the envelope encryption surface.
type Sealer interface {
	Encrypt(tenantID string, plain, aad []byte) ([]byte, error)
	Decrypt(tenantID string, sealed, aad []byte) ([]byte, error)
}

// Service implements memory store and retrieval.
type Service struct {
	memories MemoryStore
	sealer   Sealer
	log      *zap.Logger
	now      func() time.Time
}

// NewService builds the memory service. now may be nil.
func NewService(memories MemoryStore, sealer Sealer, log *zap.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{memories: memories, sealer: sealer, log: log, now: now}
}

// StoreRequest is one memory write.
type StoreRequest struct {
	AgentID     string            `json:"agent_id"`
	Kind        types.MemoryKind  `json:"kind"`
	Content     json.RawMessage   `json:"content"`
	Embedding   []float32         `json:"embedding"`
	Quality     *float64          `json:"quality,omitempty"`
	Sensitivity types.Sensitivity `json:"sensitivity"`
	UserID      string            `json:"user_id,omitempty"`
	TTLSec      int               `json:"ttl_sec,omitempty"`
}

// Store validates and persists one memory, encrypting confidential and
// secret content. Returns the stored record with content redacted.
func (s *Service) Store(ctx context.Context, tenantID string, req *StoreRequest) (*types.Memory, error) {
	if req.AgentID == "" {
		return nil, types.E(types.CodeInvalidArgument, "agent_id is required")
	}
	if !types.ValidMemoryKind(req.Kind) {
		return nil, types.E(types.CodeInvalidArgument, "unknown memory kind %q", req.Kind)
	}
	if !req.Sensitivity.Valid() {
		return nil, types.E(types.CodeInvalidArgument, "unknown sensitivity %q", req.Sensitivity)
	}
	if len(req.Content) == 0 {
		return nil, types.E(types.CodeInvalidArgument, "content is required")
	}
	if len(req.Content) > types.MaxContentBytes {
		return nil, types.E(types.CodeInvalidArgument,
			"content exceeds %d bytes", types.MaxContentBytes)
	}
	if err := types.ValidateEmbedding(req.Embedding); err != nil {
		return nil, err
	}
	quality := 0.5
	if req.Quality != nil {
		if err := types.ValidateQuality(*req.Quality); err != nil {
			return nil, err
		}
		quality = *req.Quality
	}
	if req.TTLSec < 0 {
		return nil, types.E(types.CodeInvalidArgument, "ttl_sec must not be negative")
	}

	now := s.now().UTC()
	m := &types.Memory{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		AgentID:     req.AgentID,
		Kind:        req.Kind,
		Embedding:   req.Embedding,
		Quality:     quality,
		Sensitivity: req.Sensitivity,
		UserID:      req.UserID,
		CreatedAt:   now,
	}
	if req.TTLSec > 0 {
		exp := now.Add(time.Duration(req.TTLSec) * time.Second)
		m.ExpiresAt = &exp
	}

	content := []byte(req.Content)
	if req.Sensitivity.RequiresEncryption() {
		sealed, err := s.sealer.Encrypt(tenantID, content, s.aad(tenantID, m.ID))
		if err != nil {
			return nil, types.Wrap(types.CodeInternal, err, "seal memory content")
		}
		content = sealed
		m.Encrypted = true
	}

	if err := s.memories.InsertMemory(ctx, m, content); err != nil {
		return nil, err
	}
	s.log.Info("memory stored",
		zap.String("tenant_id", tenantID),
		zap.String("memory_id", m.ID),
		zap.String("agent_id", m.AgentID),
		zap.String("kind", string(m.Kind)),
		zap.Bool("encrypted", m.Encrypted))
	return m, nil
}

// aad binds ciphertext to its row so an envelope cannot be replayed under
// another id or tenant.
func (s *Service) aad(tenantID, memoryID string) []byte {
	return []byte(tenantID + "/" + memoryID)
}

// SearchRequest is one semantic retrieval.
type SearchRequest struct {
	Embedding []float32          `json:"embedding"`
	TopK      int                `json:"top_k,omitempty"`
	Kinds     []types.MemoryKind `json:"kinds,omitempty"`
	// Clearance is the caller's maximum readable sensitivity.
	Clearance types.Sensitivity `json:"clearance,omitempty"`
	// MinSimilarity drops weak matches before diversification.
	MinSimilarity float64 `json:"min_similarity,omitempty"`
	// MinQuality drops memories below a reinforced quality floor.
	MinQuality float64 `json:"min_quality,omitempty"`
	// UserID restricts results to one user's memories.
	UserID string `json:"user_id,omitempty"`
}

// Hit is one search result with decrypted content.
type Hit struct {
	Memory     types.Memory    `json:"memory"`
	Content    json.RawMessage `json:"content"`
	Similarity float64         `json:"similarity"`
}

// Search retrieves up to top_k memories: an over-fetched ANN scan, a
// similarity floor, then MMR so near-duplicate memories do not crowd the
// result set.
func (s *Service) Search(ctx context.Context, tenantID string, req *SearchRequest) ([]Hit, error) {
	if err := types.ValidateEmbedding(req.Embedding); err != nil {
		return nil, err
	}
	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}
	for _, k := range req.Kinds {
		if !types.ValidMemoryKind(k) {
			return nil, types.E(types.CodeInvalidArgument, "unknown memory kind %q", k)
		}
	}
	clearance := req.Clearance
	if clearance == "" {
		clearance = types.SensitivityInternal
	}
	if !clearance.Valid() {
		return nil, types.E(types.CodeInvalidArgument, "unknown sensitivity %q", clearance)
	}

	if req.MinQuality < 0 || req.MinQuality > 1 {
		return nil, types.E(types.CodeInvalidArgument, "min_quality must be in [0,1]")
	}

	raw, err := s.memories.SearchMemories(ctx, tenantID, req.Embedding, store.MemorySearchFilter{
		Clearance:  clearance,
		Kinds:      req.Kinds,
		MinQuality: req.MinQuality,
		UserID:     req.UserID,
	}, topK*searchOverfetch, s.now())
	if err != nil {
		return nil, err
	}
	if req.MinSimilarity > 0 {
		kept := raw[:0]
		for _, h := range raw {
			if h.Similarity >= req.MinSimilarity {
				kept = append(kept, h)
			}
		}
		raw = kept
	}
	if len(raw) == 0 {
		return []Hit{}, nil
	}

	picked := mmrPick(raw, topK)

	hits := make([]Hit, 0, len(picked))
	ids := make([]string, 0, len(picked))
	for _, h := range picked {
		content, err := s.openContent(tenantID, &h.Memory, h.Content)
		if err != nil {
			// A single undecryptable row must not fail retrieval.
			s.log.Error("memory content unreadable",
				zap.String("tenant_id", tenantID),
				zap.String("memory_id", h.Memory.ID),
				zap.Error(err))
			continue
		}
		hits = append(hits, Hit{Memory: h.Memory, Content: content, Similarity: h.Similarity})
		ids = append(ids, h.Memory.ID)
	}
	if err := s.memories.MarkMemoriesAccessed(ctx, tenantID, ids); err != nil {
		s.log.Warn("accessed count update failed", zap.Error(err))
	}
	return hits, nil
}

func (s *Service) openContent(tenantID string, m *types.Memory, content []byte) (json.RawMessage, error) {
	if !m.Encrypted {
		return json.RawMessage(content), nil
	}
	plain, err := s.sealer.Decrypt(tenantID, content, s.aad(tenantID, m.ID))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(plain), nil
}

// Get fetches one memory with decrypted content, enforcing the caller's
// clearance.
func (s *Service) Get(ctx context.Context, tenantID, id string, clearance types.Sensitivity) (*Hit, error) {
	m, content, err := s.memories.GetMemory(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if m.Expired(s.now()) {
		return nil, types.E(types.CodeNotFound, "memory %s not found", id)
	}
	if clearance == "" {
		clearance = types.SensitivityInternal
	}
	if !m.Sensitivity.CoveredBy(clearance) {
		return nil, types.E(types.CodePermissionDenied,
			"memory %s requires %s clearance", id, m.Sensitivity)
	}
	plain, err := s.openContent(tenantID, m, content)
	if err != nil {
		return nil, types.Wrap(types.CodeInternal, err, "open memory content")
	}
	return &Hit{Memory: *m, Content: plain}, nil
}

// Delete removes one memory.
func (s *Service) Delete(ctx context.Context, tenantID, id string) error {
	if err := s.memories.DeleteMemory(ctx, tenantID, id); err != nil {
		return err
	}
	s.log.Info("memory deleted",
		zap.String("tenant_id", tenantID), zap.String("memory_id", id))
	return nil
}

// List pages through an agent's memories, newest first. Content above the
// caller's clearance is redacted, not hidden: the record is listed with
// nil content.
func (s *Service) List(ctx context.Context, tenantID, agentID string, clearance types.Sensitivity, limit, offset int) ([]Hit, error) {
	if clearance == "" {
		clearance = types.SensitivityInternal
	}
	mems, contents, err := s.memories.ListMemories(ctx, tenantID, agentID, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(mems))
	for i := range mems {
		h := Hit{Memory: mems[i]}
		if mems[i].Sensitivity.CoveredBy(clearance) {
			plain, err := s.openContent(tenantID, &mems[i], contents[i])
			if err == nil {
				h.Content = plain
			}
		}
		out = append(out, h)
	}
	return out, nil
}

// mmrPick greedily selects up to k hits maximizing
// lambda*similarity - (1-lambda)*max_selected_cosine.
func mmrPick(hits []store.MemoryHit, k int) []store.MemoryHit {
	if len(hits) <= 1 {
		return hits
	}
	if k > len(hits) {
		k = len(hits)
	}

	selected := make([]store.MemoryHit, 0, k)
	remaining := make([]store.MemoryHit, len(hits))
	copy(remaining, hits)

	// The ANN scan returns best-first; seed with the top hit.
	selected = append(selected, remaining[0])
	remaining = remaining[1:]

	for len(selected) < k && len(remaining) > 0 {
		bestPos := 0
		bestMMR := math.Inf(-1)
		for pos := range remaining {
			maxSim := math.Inf(-1)
			for i := range selected {
				sim, err := routing.Cosine(remaining[pos].Memory.Embedding, selected[i].Memory.Embedding)
				if err != nil {
					sim = 0
				}
				if sim > maxSim {
					maxSim = sim
				}
			}
			mmr := mmrLambda*remaining[pos].Similarity - (1-mmrLambda)*maxSim
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
