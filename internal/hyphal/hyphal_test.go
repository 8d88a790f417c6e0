package hyphal

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mycel/internal/routing"
	"mycel/internal/security"
	"mycel/internal/store"
	"mycel/internal/types"
)

type fakeMemories struct {
	rows     map[string]*types.Memory
	contents map[string][]byte
	accessed map[string]int
}

func newFakeMemories() *fakeMemories {
	return &fakeMemories{
		rows:     map[string]*types.Memory{},
		contents: map[string][]byte{},
		accessed: map[string]int{},
	}
}

func (f *fakeMemories) InsertMemory(_ context.Context, m *types.Memory, content []byte) error {
	if _, ok := f.rows[m.ID]; ok {
		return types.E(types.CodeAlreadyRecorded, "memory %s already stored", m.ID)
	}
	cp := *m
	f.rows[m.ID] = &cp
	f.contents[m.ID] = append([]byte(nil), content...)
	return nil
}

func (f *fakeMemories) GetMemory(_ context.Context, _ string, id string) (*types.Memory, []byte, error) {
	m, ok := f.rows[id]
	if !ok {
		return nil, nil, types.E(types.CodeNotFound, "memory %s not found", id)
	}
	cp := *m
	return &cp, f.contents[id], nil
}

func (f *fakeMemories) DeleteMemory(_ context.Context, _ string, id string) error {
	if _, ok := f.rows[id]; !ok {
		return types.E(types.CodeNotFound, "memory %s not found", id)
	}
	delete(f.rows, id)
	delete(f.contents, id)
	return nil
}

func (f *fakeMemories) ListMemories(_ context.Context, tenantID, agentID string, limit, offset int) ([]types.Memory, [][]byte, error) {
	var mems []types.Memory
	var contents [][]byte
	for id, m := range f.rows {
		if m.TenantID == tenantID && m.AgentID == agentID {
			mems = append(mems, *m)
			contents = append(contents, f.contents[id])
		}
	}
	return mems, contents, nil
}

func (f *fakeMemories) SearchMemories(_ context.Context, tenantID string, query []float32, flt store.MemorySearchFilter, limit int, now time.Time) ([]store.MemoryHit, error) {
	var hits []store.MemoryHit
	for id, m := range f.rows {
		if m.TenantID != tenantID || !m.Sensitivity.CoveredBy(flt.Clearance) || m.Expired(now) {
			continue
		}
		if len(flt.Kinds) > 0 && !containsKind(flt.Kinds, m.Kind) {
			continue
		}
		if m.Quality < flt.MinQuality {
			continue
		}
		if flt.UserID != "" && m.UserID != flt.UserID {
			continue
		}
		sim, err := routing.Cosine(query, m.Embedding)
		if err != nil {
			return nil, err
		}
		hits = append(hits, store.MemoryHit{Memory: *m, Content: f.contents[id], Similarity: sim})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func containsKind(kinds []types.MemoryKind, k types.MemoryKind) bool {
	for _, c := range kinds {
		if c == k {
			return true
		}
	}
	return false
}

func (f *fakeMemories) MarkMemoriesAccessed(_ context.Context, _ string, ids []string) error {
	for _, id := range ids {
		f.accessed[id]++
	}
	return nil
}

func axis(i int, scale float32) []float32 {
	v := make([]float32, types.EmbeddingDim)
	v[i] = scale
	return v
}

func blend(i, j int, w float32) []float32 {
	v := make([]float32, types.EmbeddingDim)
	v[i] = w
	v[j] = 1 - w
	return v
}

type fixture struct {
	svc *Service
	mem *fakeMemories
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := newFakeMemories()
	sealer := security.NewEnvelope(security.StaticKeyProvider{"t1": []byte("test-master")})
	svc := NewService(mem, sealer, zap.NewNop(), nil)
	return &fixture{svc: svc, mem: mem}
}

func storeReq(agent string, kind types.MemoryKind, emb []float32, sens types.Sensitivity) *StoreRequest {
	return &StoreRequest{
		AgentID:     agent,
		Kind:        kind,
		Content:     json.RawMessage(`{"body":"note"}`),
		Embedding:   emb,
		Sensitivity: sens,
	}
}

func TestStorePlaintextForInternal(t *testing.T) {
	f := newFixture(t)
	m, err := f.svc.Store(context.Background(), "t1",
		storeReq("a1", types.KindInsight, axis(0, 1), types.SensitivityInternal))
	require.NoError(t, err)
	assert.False(t, m.Encrypted)
	assert.Equal(t, 0.5, m.Quality)
	assert.JSONEq(t, `{"body":"note"}`, string(f.mem.contents[m.ID]))
}

func TestStoreEncryptsConfidential(t *testing.T) {
	f := newFixture(t)
	m, err := f.svc.Store(context.Background(), "t1",
		storeReq("a1", types.KindDecision, axis(0, 1), types.SensitivityConfidential))
	require.NoError(t, err)
	assert.True(t, m.Encrypted)
	assert.NotContains(t, string(f.mem.contents[m.ID]), "note")

	// Round trip through Get restores the plaintext.
	hit, err := f.svc.Get(context.Background(), "t1", m.ID, types.SensitivitySecret)
	require.NoError(t, err)
	assert.JSONEq(t, `{"body":"note"}`, string(hit.Content))
}

func TestStoreValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		mut  func(*StoreRequest)
	}{
		{"missing agent", func(r *StoreRequest) { r.AgentID = "" }},
		{"bad kind", func(r *StoreRequest) { r.Kind = "rumor" }},
		{"bad sensitivity", func(r *StoreRequest) { r.Sensitivity = "mysterious" }},
		{"empty content", func(r *StoreRequest) { r.Content = nil }},
		{"short embedding", func(r *StoreRequest) { r.Embedding = []float32{1, 2} }},
		{"negative ttl", func(r *StoreRequest) { r.TTLSec = -5 }},
		{"quality out of range", func(r *StoreRequest) { q := 1.5; r.Quality = &q }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := storeReq("a1", types.KindInsight, axis(0, 1), types.SensitivityInternal)
			tc.mut(req)
			_, err := f.svc.Store(context.Background(), "t1", req)
			require.Error(t, err)
			assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
		})
	}
}

func TestStoreRejectsOversizedContent(t *testing.T) {
	f := newFixture(t)
	req := storeReq("a1", types.KindSnippet, axis(0, 1), types.SensitivityInternal)
	big := make([]byte, types.MaxContentBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	req.Content = json.RawMessage(`"` + string(big[:types.MaxContentBytes]) + `"`)
	_, err := f.svc.Store(context.Background(), "t1", req)
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
}

func TestSearchRanksBySimilarity(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		_, err := f.svc.Store(context.Background(), "t1",
			storeReq("a1", types.KindInsight, axis(i, 1), types.SensitivityInternal))
		require.NoError(t, err)
	}

	hits, err := f.svc.Search(context.Background(), "t1", &SearchRequest{
		Embedding: blend(0, 1, 0.9),
		TopK:      2,
		Clearance: types.SensitivityInternal,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Greater(t, hits[0].Similarity, hits[1].Similarity)
}

func TestSearchMMRDiversifiesNearDuplicates(t *testing.T) {
	f := newFixture(t)
	// Two nearly identical memories plus one distinct.
	for _, emb := range [][]float32{axis(0, 1), blend(0, 1, 0.99), axis(1, 1)} {
		_, err := f.svc.Store(context.Background(), "t1",
			storeReq("a1", types.KindInsight, emb, types.SensitivityInternal))
		require.NoError(t, err)
	}

	hits, err := f.svc.Search(context.Background(), "t1", &SearchRequest{
		Embedding: blend(0, 1, 0.7),
		TopK:      2,
		Clearance: types.SensitivityInternal,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)

	sim, err := routing.Cosine(hits[0].Memory.Embedding, hits[1].Memory.Embedding)
	require.NoError(t, err)
	assert.Less(t, sim, 0.95, "result set avoids the near-duplicate pair")
}

func TestSearchRespectsClearance(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Store(context.Background(), "t1",
		storeReq("a1", types.KindInsight, axis(0, 1), types.SensitivitySecret))
	require.NoError(t, err)

	hits, err := f.svc.Search(context.Background(), "t1", &SearchRequest{
		Embedding: axis(0, 1),
		Clearance: types.SensitivityInternal,
	})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = f.svc.Search(context.Background(), "t1", &SearchRequest{
		Embedding: axis(0, 1),
		Clearance: types.SensitivitySecret,
	})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSearchMinSimilarityFloor(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Store(context.Background(), "t1",
		storeReq("a1", types.KindInsight, axis(5, 1), types.SensitivityInternal))
	require.NoError(t, err)

	hits, err := f.svc.Search(context.Background(), "t1", &SearchRequest{
		Embedding:     axis(0, 1),
		Clearance:     types.SensitivityInternal,
		MinSimilarity: 0.7,
	})
	require.NoError(t, err)
	assert.Empty(t, hits, "orthogonal memory filtered by the floor")
}

func TestSearchKindFilterAndAccessCount(t *testing.T) {
	f := newFixture(t)
	ins, err := f.svc.Store(context.Background(), "t1",
		storeReq("a1", types.KindInsight, axis(0, 1), types.SensitivityInternal))
	require.NoError(t, err)
	_, err = f.svc.Store(context.Background(), "t1",
		storeReq("a1", types.KindSnippet, axis(0, 1), types.SensitivityInternal))
	require.NoError(t, err)

	hits, err := f.svc.Search(context.Background(), "t1", &SearchRequest{
		Embedding: axis(0, 1),
		Kinds:     []types.MemoryKind{types.KindInsight},
		Clearance: types.SensitivityInternal,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, ins.ID, hits[0].Memory.ID)
	assert.Equal(t, 1, f.mem.accessed[ins.ID])
}

func TestSearchQualityAndUserFilters(t *testing.T) {
	f := newFixture(t)
	low := storeReq("a1", types.KindInsight, axis(0, 1), types.SensitivityInternal)
	q := 0.2
	low.Quality = &q
	_, err := f.svc.Store(context.Background(), "t1", low)
	require.NoError(t, err)

	mine := storeReq("a1", types.KindInsight, axis(0, 1), types.SensitivityInternal)
	mine.UserID = "u1"
	kept, err := f.svc.Store(context.Background(), "t1", mine)
	require.NoError(t, err)

	hits, err := f.svc.Search(context.Background(), "t1", &SearchRequest{
		Embedding:  axis(0, 1),
		Clearance:  types.SensitivityInternal,
		MinQuality: 0.4,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1, "low-quality memory filtered")
	assert.Equal(t, kept.ID, hits[0].Memory.ID)

	hits, err = f.svc.Search(context.Background(), "t1", &SearchRequest{
		Embedding: axis(0, 1),
		Clearance: types.SensitivityInternal,
		UserID:    "u1",
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, kept.ID, hits[0].Memory.ID)

	_, err = f.svc.Search(context.Background(), "t1", &SearchRequest{
		Embedding:  axis(0, 1),
		MinQuality: 2,
	})
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
}

func TestGetDeniedAboveClearance(t *testing.T) {
	f := newFixture(t)
	m, err := f.svc.Store(context.Background(), "t1",
		storeReq("a1", types.KindDecision, axis(0, 1), types.SensitivityConfidential))
	require.NoError(t, err)

	_, err = f.svc.Get(context.Background(), "t1", m.ID, types.SensitivityInternal)
	require.Error(t, err)
	assert.Equal(t, types.CodePermissionDenied, types.CodeOf(err))
}

func TestDeleteThenGetNotFound(t *testing.T) {
	f := newFixture(t)
	m, err := f.svc.Store(context.Background(), "t1",
		storeReq("a1", types.KindInsight, axis(0, 1), types.SensitivityInternal))
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(context.Background(), "t1", m.ID))
	_, err = f.svc.Get(context.Background(), "t1", m.ID, types.SensitivityInternal)
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestListRedactsAboveClearance(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Store(context.Background(), "t1",
		storeReq("a1", types.KindInsight, axis(0, 1), types.SensitivityInternal))
	require.NoError(t, err)
	_, err = f.svc.Store(context.Background(), "t1",
		storeReq("a1", types.KindDecision, axis(1, 1), types.SensitivitySecret))
	require.NoError(t, err)

	hits, err := f.svc.List(context.Background(), "t1", "a1", types.SensitivityInternal, 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		if h.Memory.Sensitivity == types.SensitivitySecret {
			assert.Nil(t, h.Content, "secret content redacted for internal caller")
		} else {
			assert.NotNil(t, h.Content)
		}
	}
}
