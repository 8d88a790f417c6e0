// Package routing implements the pure, side-effect-free scoring and
// selection engine for nutrient propagation. Given a nutrient and a set of
// candidate agents it combines semantic similarity, learned edge weight,
// recent demand overlap and capability matching into a single score, then
// applies Maximum Marginal Relevance to pick a bounded, diverse subset.
//
// The engine performs no I/O. The only failure mode is input validation on
// the nutrient itself; malformed candidates are dropped and selection
// proceeds with the rest.
package routing

import (
	"math"
	"math/rand"
	"sort"
	"strings"

	"mycel/internal/types"

	"github.com/xrash/smetrics"
)

// Config holds the tunable weights of the scoring formula. Alpha, Beta and
// Gamma form a convex combination over similarity, edge weight and demand
// overlap; the capability boost is an additive bonus on top.
type Config struct {
	Alpha         float64 `yaml:"alpha"`          // similarity weight
	Beta          float64 `yaml:"beta"`           // edge weight contribution
	Gamma         float64 `yaml:"gamma"`          // demand overlap weight
	Epsilon       float64 `yaml:"epsilon"`        // exploration probability per candidate
	EpsilonFloor  float64 `yaml:"epsilon_floor"`  // lower bound of the exploration draw
	Lambda        float64 `yaml:"lambda"`         // MMR relevance/diversity trade-off
	OverlapCutoff float64 `yaml:"overlap_cutoff"` // Jaro-Winkler similarity floor
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Alpha:         0.6,
		Beta:          0.25,
		Gamma:         0.15,
		Epsilon:       0.05,
		EpsilonFloor:  0.3,
		Lambda:        0.5,
		OverlapCutoff: 0.75,
	}
}

// Candidate pairs an agent profile with the state of the sender's edge to
// it. EdgeWeight is ignored unless HasEdge is set.
type Candidate struct {
	Agent      types.Agent
	EdgeWeight float64
	HasEdge    bool
}

// Scored is one selected recipient with its score breakdown, ordered by
// MMR score at selection time.
type Scored struct {
	AgentID    string
	Score      float64 // effective score entering MMR (after exploration)
	BaseScore  float64 // score before exploration
	Similarity float64
	Overlap    float64
	CapBoost   float64
	EdgeWeight float64
	Explored   bool
}

// Engine scores candidates and selects recipients. It is safe for
// concurrent use; the random source must be safe for concurrent use too
// (the default, math/rand's global source, is).
type Engine struct {
	cfg    Config
	randFn func() float64
}

// NewEngine builds an engine with the given config. A nil randFn uses the
// package-level math/rand source.
func NewEngine(cfg Config, randFn func() float64) *Engine {
	if randFn == nil {
		randFn = rand.Float64
	}
	return &Engine{cfg: cfg, randFn: randFn}
}

// AdaptiveK returns the recipient bound for a tenant with n active agents:
// 20 + n/50, clamped to [20, 50].
func AdaptiveK(nActiveAgents int) int {
	k := 20 + nActiveAgents/50
	if k < 20 {
		k = 20
	}
	if k > 50 {
		k = 50
	}
	return k
}

// Cosine computes the cosine similarity of two equal-length vectors.
// Returns 0 for zero-magnitude inputs.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, types.E(types.CodeInvalidArgument, "vector dimensions must match: %d != %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

// SemanticOverlap measures how well the nutrient's tool hints match the
// candidate's recent demand. For each hint the best Jaro-Winkler similarity
// against the demand list is taken; similarities below the cutoff count as
// zero; the result is the mean over hints. Empty inputs yield 0.
func (e *Engine) SemanticOverlap(toolHints, recentDemand []string) float64 {
	if len(toolHints) == 0 || len(recentDemand) == 0 {
		return 0
	}
	var total float64
	for _, hint := range toolHints {
		h := strings.ToLower(hint)
		best := 0.0
		for _, d := range recentDemand {
			sim := smetrics.JaroWinkler(h, strings.ToLower(d), 0.7, 4)
			if sim > best {
				best = sim
			}
		}
		if best >= e.cfg.OverlapCutoff {
			total += best
		}
	}
	return total / float64(len(toolHints))
}

// CapabilityBoost is 0.05 per exact hint/capability token match, capped at
// four matches (0.2).
func CapabilityBoost(toolHints, capabilities []string) float64 {
	if len(toolHints) == 0 || len(capabilities) == 0 {
		return 0
	}
	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}
	matches := 0
	for _, h := range toolHints {
		if _, ok := caps[h]; ok {
			matches++
		}
	}
	if matches > 4 {
		matches = 4
	}
	return 0.05 * float64(matches)
}

// score computes the base routing score for one candidate, or false if the
// candidate must be dropped (dimension mismatch, non-finite result).
func (e *Engine) score(n *types.Nutrient, c *Candidate) (Scored, bool) {
	sim, err := Cosine(n.Embedding, c.Agent.ProfileEmbedding)
	if err != nil {
		return Scored{}, false
	}

	w := types.WeightInit
	if c.HasEdge {
		w = types.Clamp(c.EdgeWeight, types.WeightMin, types.WeightMax)
	}

	overlap := e.SemanticOverlap(n.ToolHints, c.Agent.RecentDemand)
	boost := CapabilityBoost(n.ToolHints, c.Agent.Capabilities)

	s := e.cfg.Alpha*sim + e.cfg.Beta*(w/types.WeightMax) + e.cfg.Gamma*overlap + boost
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return Scored{}, false
	}

	return Scored{
		AgentID:    c.Agent.ID,
		Score:      s,
		BaseScore:  s,
		Similarity: sim,
		Overlap:    overlap,
		CapBoost:   boost,
		EdgeWeight: w,
	}, true
}

// Select scores all candidates for the nutrient and returns at most k
// recipients, diversified by MMR. Self-edges and inactive agents are
// skipped. Exploration happens after scoring and before MMR: with
// probability epsilon a candidate's score is lifted to a uniform draw from
// [epsilon_floor, 1.0] when that exceeds its base score, and the pick is
// flagged so reinforcement can soften penalties later.
func (e *Engine) Select(n *types.Nutrient, sender string, candidates []Candidate, k int) ([]Scored, error) {
	if err := types.ValidateEmbedding(n.Embedding); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	scored := make([]Scored, 0, len(candidates))
	embeddings := make([][]float32, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		if c.Agent.ID == sender || c.Agent.Status == types.AgentInactive {
			continue
		}
		s, ok := e.score(n, c)
		if !ok {
			continue
		}
		if e.cfg.Epsilon > 0 && e.randFn() < e.cfg.Epsilon {
			draw := e.cfg.EpsilonFloor + e.randFn()*(1.0-e.cfg.EpsilonFloor)
			if draw > s.Score {
				s.Score = draw
				s.Explored = true
			}
		}
		scored = append(scored, s)
		embeddings = append(embeddings, c.Agent.ProfileEmbedding)
	}
	if len(scored) == 0 {
		return nil, nil
	}

	return e.mmrSelect(scored, embeddings, k), nil
}

// mmrSelect greedily picks up to k entries maximizing
// lambda*score - (1-lambda)*max_selected_cosine. Pairwise cosines are
// memoized for the duration of the call. Ties break on higher similarity,
// then lexicographic agent id.
func (e *Engine) mmrSelect(scored []Scored, embeddings [][]float32, k int) []Scored {
	n := len(scored)
	cache := newSimCache(embeddings)

	remaining := make([]int, n)
	for i := range remaining {
		remaining[i] = i
	}

	// Highest base pick first.
	sort.Slice(remaining, func(a, b int) bool {
		ia, ib := remaining[a], remaining[b]
		if scored[ia].Score != scored[ib].Score {
			return scored[ia].Score > scored[ib].Score
		}
		if scored[ia].Similarity != scored[ib].Similarity {
			return scored[ia].Similarity > scored[ib].Similarity
		}
		return scored[ia].AgentID < scored[ib].AgentID
	})

	selected := make([]int, 0, k)
	selected = append(selected, remaining[0])
	remaining = remaining[1:]

	lambda := e.cfg.Lambda
	for len(selected) < k && len(remaining) > 0 {
		bestPos := -1
		bestMMR := math.Inf(-1)
		for pos, idx := range remaining {
			maxSim := math.Inf(-1)
			for _, sel := range selected {
				if sim := cache.get(idx, sel); sim > maxSim {
					maxSim = sim
				}
			}
			mmr := lambda*scored[idx].Score - (1-lambda)*maxSim
			if better(mmr, bestMMR, scored, idx, bestIdx(remaining, bestPos)) {
				bestMMR = mmr
				bestPos = pos
			}
		}
		selected = append(selected, remaining[bestPos])
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}

	out := make([]Scored, len(selected))
	for i, idx := range selected {
		out[i] = scored[idx]
	}
	return out
}

func bestIdx(remaining []int, pos int) int {
	if pos < 0 {
		return -1
	}
	return remaining[pos]
}

// better applies the MMR tie-breaking order: higher MMR, then higher
// similarity, then lexicographic agent id.
func better(mmr, bestMMR float64, scored []Scored, idx, best int) bool {
	if best < 0 {
		return true
	}
	if mmr != bestMMR {
		return mmr > bestMMR
	}
	if scored[idx].Similarity != scored[best].Similarity {
		return scored[idx].Similarity > scored[best].Similarity
	}
	return scored[idx].AgentID < scored[best].AgentID
}

// simCache memoizes pairwise cosines between candidates for a single
// selection call. It never persists.
type simCache struct {
	embeddings [][]float32
	vals       map[uint64]float64
}

func newSimCache(embeddings [][]float32) *simCache {
	return &simCache{
		embeddings: embeddings,
		vals:       make(map[uint64]float64),
	}
}

func (c *simCache) get(i, j int) float64 {
	if i > j {
		i, j = j, i
	}
	key := uint64(i)<<32 | uint64(uint32(j))
	if v, ok := c.vals[key]; ok {
		return v
	}
	v, err := Cosine(c.embeddings[i], c.embeddings[j])
	if err != nil {
		v = 0
	}
	c.vals[key] = v
	return v
}
