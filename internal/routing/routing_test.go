package routing

import (
	"math"
	"testing"

	"mycel/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// axis returns a unit vector along the given axis.
func axis(i int) []float32 {
	v := make([]float32, types.EmbeddingDim)
	v[i] = 1
	return v
}

// blend returns a unit vector at cos(theta)=c to axis(a), rotated toward
// axis(b).
func blend(a, b int, c float64) []float32 {
	v := make([]float32, types.EmbeddingDim)
	v[a] = float32(c)
	v[b] = float32(math.Sqrt(1 - c*c))
	return v
}

func neverExplore() float64 { return 1.0 }

func activeAgent(id string, emb []float32) types.Agent {
	return types.Agent{ID: id, TenantID: "t1", ProfileEmbedding: emb, Status: types.AgentActive}
}

func TestCosine(t *testing.T) {
	got, err := Cosine(axis(0), axis(0))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got, 1e-9)

	got, err = Cosine(axis(0), axis(1))
	require.NoError(t, err)
	assert.InDelta(t, 0.0, got, 1e-9)

	_, err = Cosine(axis(0), make([]float32, 3))
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))

	got, err = Cosine(make([]float32, types.EmbeddingDim), axis(0))
	require.NoError(t, err)
	assert.Zero(t, got, "zero vector has zero similarity")
}

func TestSemanticOverlap(t *testing.T) {
	e := NewEngine(DefaultConfig(), neverExplore)

	tests := []struct {
		name   string
		hints  []string
		demand []string
		min    float64
		max    float64
	}{
		{"empty hints", nil, []string{"db.optimize"}, 0, 0},
		{"empty demand", []string{"db.optimize"}, nil, 0, 0},
		{"exact match", []string{"db.optimize"}, []string{"db.optimize"}, 1, 1},
		{"near match counts", []string{"database.optimize"}, []string{"database.optimizer"}, 0.75, 1},
		{"dissimilar zeroed", []string{"db.optimize"}, []string{"frontend.render"}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.SemanticOverlap(tt.hints, tt.demand)
			assert.GreaterOrEqual(t, got, tt.min)
			assert.LessOrEqual(t, got, tt.max)
		})
	}
}

func TestSemanticOverlapIsMeanOverHints(t *testing.T) {
	e := NewEngine(DefaultConfig(), neverExplore)
	// One perfect match, one miss: mean is 0.5.
	got := e.SemanticOverlap([]string{"sql.analyze", "zzzz"}, []string{"sql.analyze"})
	assert.InDelta(t, 0.5, got, 1e-9)
}

func TestCapabilityBoost(t *testing.T) {
	caps := []string{"a", "b", "c", "d", "e"}
	assert.Zero(t, CapabilityBoost(nil, caps))
	assert.InDelta(t, 0.05, CapabilityBoost([]string{"a"}, caps), 1e-9)
	assert.InDelta(t, 0.20, CapabilityBoost([]string{"a", "b", "c", "d"}, caps), 1e-9)
	// Fifth match does not raise the cap.
	assert.InDelta(t, 0.20, CapabilityBoost([]string{"a", "b", "c", "d", "e"}, caps), 1e-9)
	assert.Zero(t, CapabilityBoost([]string{"x"}, caps))
}

func TestAdaptiveK(t *testing.T) {
	assert.Equal(t, 20, AdaptiveK(0))
	assert.Equal(t, 20, AdaptiveK(49))
	assert.Equal(t, 22, AdaptiveK(100))
	assert.Equal(t, 50, AdaptiveK(1500))
	assert.Equal(t, 50, AdaptiveK(100000), "hard cap at 50")
}

// Cold-start broadcast with orthogonal profiles: the candidate whose profile
// matches the nutrient embedding is ranked first.
func TestSelectColdStartPrefersSimilarity(t *testing.T) {
	e := NewEngine(DefaultConfig(), neverExplore)

	n := &types.Nutrient{Embedding: axis(1)} // = profile of B
	cands := []Candidate{
		{Agent: activeAgent("agent-a", axis(0))},
		{Agent: activeAgent("agent-b", axis(1))},
		{Agent: activeAgent("agent-c", axis(2))},
	}

	got, err := e.Select(n, "agent-a", cands, 2)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "agent-b", got[0].AgentID)
	assert.False(t, got[0].Explored)
	for _, s := range got {
		assert.NotEqual(t, "agent-a", s.AgentID, "sender never routes to itself")
	}
}

func TestSelectBoundsAndNoDuplicates(t *testing.T) {
	e := NewEngine(DefaultConfig(), neverExplore)
	n := &types.Nutrient{Embedding: axis(0)}

	var cands []Candidate
	for i := 0; i < 60; i++ {
		cands = append(cands, Candidate{Agent: activeAgent(agentID(i), blend(0, 1+i%100, 0.5))})
	}

	got, err := e.Select(n, "sender", cands, 50)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got), 50)

	seen := make(map[string]bool)
	for _, s := range got {
		assert.False(t, seen[s.AgentID], "duplicate recipient %s", s.AgentID)
		seen[s.AgentID] = true
	}
}

func agentID(i int) string {
	return string(rune('a'+i%26)) + string(rune('a'+(i/26)%26)) + "-agent"
}

func TestSelectDropsMalformedCandidate(t *testing.T) {
	e := NewEngine(DefaultConfig(), neverExplore)
	n := &types.Nutrient{Embedding: axis(0)}

	cands := []Candidate{
		{Agent: activeAgent("good", axis(0))},
		{Agent: activeAgent("bad", make([]float32, 7))}, // wrong dim: dropped
	}
	got, err := e.Select(n, "sender", cands, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].AgentID)
}

func TestSelectRejectsBadNutrientEmbedding(t *testing.T) {
	e := NewEngine(DefaultConfig(), neverExplore)
	n := &types.Nutrient{Embedding: make([]float32, types.EmbeddingDim-1)}
	_, err := e.Select(n, "s", []Candidate{{Agent: activeAgent("a", axis(0))}}, 3)
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
}

func TestSelectSkipsInactiveAgents(t *testing.T) {
	e := NewEngine(DefaultConfig(), neverExplore)
	n := &types.Nutrient{Embedding: axis(0)}
	cands := []Candidate{
		{Agent: types.Agent{ID: "off", ProfileEmbedding: axis(0), Status: types.AgentInactive}},
		{Agent: activeAgent("on", axis(0))},
	}
	got, err := e.Select(n, "sender", cands, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "on", got[0].AgentID)
}

func TestExplorationLiftsAndFlags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epsilon = 1.0 // explore every candidate
	// First draw decides exploration (< epsilon), second is the uniform lift.
	draws := []float64{0.0, 0.999}
	i := 0
	rng := func() float64 {
		v := draws[i%len(draws)]
		i++
		return v
	}
	e := NewEngine(cfg, rng)

	n := &types.Nutrient{Embedding: axis(0)}
	// Orthogonal profile: base score is low, the lift must win.
	cands := []Candidate{{Agent: activeAgent("far", axis(1))}}
	got, err := e.Select(n, "sender", cands, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Explored)
	assert.Greater(t, got[0].Score, got[0].BaseScore)
	assert.GreaterOrEqual(t, got[0].Score, cfg.EpsilonFloor)
}

func TestExplorationNeverLowersScore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epsilon = 1.0
	draws := []float64{0.0, 0.0} // lift draw = epsilon_floor = 0.3
	i := 0
	rng := func() float64 { v := draws[i%len(draws)]; i++; return v }
	e := NewEngine(cfg, rng)

	n := &types.Nutrient{Embedding: axis(0)}
	// Identical profile: base score well above the 0.3 floor.
	cands := []Candidate{{Agent: activeAgent("near", axis(0)), EdgeWeight: types.WeightMax, HasEdge: true}}
	got, err := e.Select(n, "sender", cands, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Explored, "a draw below the base score is not an exploration")
	assert.Equal(t, got[0].BaseScore, got[0].Score)
}

// MMR diversification: two near-identical profiles plus three orthogonal
// ones, equal base scores. With lambda=0.5 and K=3 at most one member of
// the 0.99-cluster is selected.
func TestMMRDiversifiesClusters(t *testing.T) {
	e := NewEngine(DefaultConfig(), neverExplore)

	embeddings := [][]float32{
		axis(0),
		blend(0, 1, 0.99), // ~same direction as the first
		axis(2),
		axis(3),
		axis(4),
	}
	scored := make([]Scored, len(embeddings))
	ids := []string{"c1", "c2", "d1", "d2", "d3"}
	for i := range scored {
		scored[i] = Scored{AgentID: ids[i], Score: 0.8, BaseScore: 0.8}
	}

	got := e.mmrSelect(scored, embeddings, 3)
	require.Len(t, got, 3)

	cluster := 0
	for _, s := range got {
		if s.AgentID == "c1" || s.AgentID == "c2" {
			cluster++
		}
	}
	assert.LessOrEqual(t, cluster, 1, "at most one pick from the high-similarity pair")
}

func TestMMRTieBreaksLexicographically(t *testing.T) {
	e := NewEngine(DefaultConfig(), neverExplore)
	embeddings := [][]float32{axis(0), axis(1)}
	scored := []Scored{
		{AgentID: "beta", Score: 0.5, Similarity: 0.5},
		{AgentID: "alpha", Score: 0.5, Similarity: 0.5},
	}
	got := e.mmrSelect(scored, embeddings, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "alpha", got[0].AgentID)
}

func TestSimCacheMemoizes(t *testing.T) {
	c := newSimCache([][]float32{axis(0), axis(0)})
	first := c.get(0, 1)
	assert.InDelta(t, 1.0, first, 1e-9)
	// Symmetric lookup hits the same entry.
	assert.Equal(t, first, c.get(1, 0))
	assert.Len(t, c.vals, 1)
}
