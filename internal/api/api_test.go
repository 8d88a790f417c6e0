package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mycel/internal/auth"
	"mycel/internal/hyphal"
	"mycel/internal/metrics"
	"mycel/internal/ratelimit"
	"mycel/internal/router"
	"mycel/internal/store"
	"mycel/internal/types"
)

type fakeRouter struct {
	broadcastRes *router.BroadcastResult
	broadcastErr error
	collectReq   *router.CollectRequest
	agents       []types.Agent
}

func (f *fakeRouter) Broadcast(_ context.Context, tenantID, traceID string, _ *router.BroadcastRequest) (*router.BroadcastResult, error) {
	if f.broadcastErr != nil {
		return nil, f.broadcastErr
	}
	res := *f.broadcastRes
	res.TraceID = traceID
	return &res, nil
}

func (f *fakeRouter) Register(_ context.Context, req *router.RegisterRequest) (*types.Agent, error) {
	return &types.Agent{ID: req.AgentID, TenantID: req.TenantID, Status: types.AgentActive}, nil
}

func (f *fakeRouter) Deactivate(_ context.Context, _, agentID string) error {
	if agentID == "ghost" {
		return types.E(types.CodeNotFound, "agent ghost not found")
	}
	return nil
}

func (f *fakeRouter) ListAgents(_ context.Context, _ string, _, _ int) ([]types.Agent, error) {
	return f.agents, nil
}

func (f *fakeRouter) Collect(_ context.Context, _ string, req *router.CollectRequest) ([]router.CollectItem, error) {
	f.collectReq = req
	return []router.CollectItem{}, nil
}

type fakeMemory struct {
	stored  *hyphal.StoreRequest
	hit     *hyphal.Hit
	missing bool
}

func (f *fakeMemory) Store(_ context.Context, _ string, req *hyphal.StoreRequest) (*types.Memory, error) {
	f.stored = req
	return &types.Memory{ID: "m-1", Kind: req.Kind}, nil
}

func (f *fakeMemory) Search(_ context.Context, _ string, _ *hyphal.SearchRequest) ([]hyphal.Hit, error) {
	if f.hit == nil {
		return []hyphal.Hit{}, nil
	}
	return []hyphal.Hit{*f.hit}, nil
}

func (f *fakeMemory) Get(_ context.Context, _, id string, _ types.Sensitivity) (*hyphal.Hit, error) {
	if f.missing {
		return nil, types.E(types.CodeNotFound, "memory %s not found", id)
	}
	return &hyphal.Hit{Memory: types.Memory{ID: id}}, nil
}

func (f *fakeMemory) Delete(context.Context, string, string) error { return nil }

func (f *fakeMemory) List(context.Context, string, string, types.Sensitivity, int, int) ([]hyphal.Hit, error) {
	return []hyphal.Hit{}, nil
}

type fakeOutcomes struct{ seen map[string]bool }

func (f *fakeOutcomes) RecordOutcome(_ context.Context, _ string, o *types.Outcome) (int, error) {
	if err := types.ValidateScore(o.OverallScore); err != nil {
		return 0, err
	}
	if f.seen[o.TraceID] {
		return 0, types.E(types.CodeAlreadyRecorded, "outcome for trace %s already recorded", o.TraceID)
	}
	f.seen[o.TraceID] = true
	return 2, nil
}

type fakeEdges struct{}

func (fakeEdges) ListEdges(context.Context, string, string, float64, int) ([]types.Edge, error) {
	return []types.Edge{{Src: "a", Dst: "b", Weight: 0.4}}, nil
}
func (fakeEdges) GetEdgeStats(context.Context, string) (*store.EdgeStats, error) {
	return &store.EdgeStats{Count: 1, AvgWeight: 0.4, MinWeight: 0.4, MaxWeight: 0.4}, nil
}
func (fakeEdges) PruneEdges(context.Context, string, float64) (int64, error) { return 3, nil }

type fakeTenants struct{ rate int }

func (f *fakeTenants) GetTenant(_ context.Context, id string) (*types.Tenant, error) {
	return &types.Tenant{ID: id, RatePerMin: f.rate}, nil
}

type testEnv struct {
	server   *httptest.Server
	authn    *auth.JWTAuthenticator
	router   *fakeRouter
	memory   *fakeMemory
	outcomes *fakeOutcomes
	tenants  *fakeTenants
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		authn: auth.NewJWTAuthenticator([]byte("test-secret"), nil),
		router: &fakeRouter{broadcastRes: &router.BroadcastResult{
			NutrientID: "n-1",
			Recipients: []router.Recipient{{AgentID: "b", Score: 0.8}},
			Delivered:  1,
		}},
		memory:   &fakeMemory{},
		outcomes: &fakeOutcomes{seen: map[string]bool{}},
		tenants:  &fakeTenants{rate: 100},
	}
	s := NewServer(Deps{
		Router:        env.router,
		Memory:        env.memory,
		Outcomes:      env.outcomes,
		Edges:         fakeEdges{},
		Tenants:       env.tenants,
		Authenticator: env.authn,
		Limiter:       ratelimit.NewMemoryLimiter(nil),
		Metrics:       metrics.New(),
		Log:           zap.NewNop(),
	})
	env.server = httptest.NewServer(s.Handler())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) token(t *testing.T, tenant string, scopes ...string) string {
	t.Helper()
	tok, err := e.authn.Mint(&auth.Principal{
		TenantID:  tenant,
		Subject:   "tester",
		Scopes:    scopes,
		Clearance: types.SensitivityConfidential,
	}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeErr(t *testing.T, resp *http.Response) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func broadcastBody() map[string]interface{} {
	emb := make([]float32, types.EmbeddingDim)
	emb[0] = 1
	return map[string]interface{}{
		"agent_id":    "sender",
		"summary":     "a finding",
		"embedding":   emb,
		"sensitivity": "internal",
		"ttl_sec":     60,
		"max_hops":    3,
	}
}

func TestHealthNoAuth(t *testing.T) {
	env := newEnv(t)
	resp := env.do(t, http.MethodGet, "/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBroadcastRequiresAuth(t *testing.T) {
	env := newEnv(t)
	resp := env.do(t, http.MethodPost, "/v1/broadcast/t1/tr-1", "", broadcastBody())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, types.CodeUnauthenticated, decodeErr(t, resp).Code)
}

func TestBroadcastTenantMismatch(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "t2", auth.ScopeBroadcast)
	resp := env.do(t, http.MethodPost, "/v1/broadcast/t1/tr-1", tok, broadcastBody())
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, types.CodePermissionDenied, decodeErr(t, resp).Code)
}

func TestBroadcastRequiresScope(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "t1", auth.ScopeCollect)
	resp := env.do(t, http.MethodPost, "/v1/broadcast/t1/tr-1", tok, broadcastBody())
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestBroadcastOK(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "t1", auth.ScopeBroadcast)
	resp := env.do(t, http.MethodPost, "/v1/broadcast/t1/tr-42", tok, broadcastBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tr-42", resp.Header.Get("X-Request-Id"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Limit"))

	var res router.BroadcastResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, "tr-42", res.TraceID)
	assert.Equal(t, 1, res.Delivered)
}

func TestBroadcastPolicyDenied(t *testing.T) {
	env := newEnv(t)
	env.router.broadcastErr = types.PolicyDeniedError("p-dlp")
	tok := env.token(t, "t1", auth.ScopeBroadcast)

	resp := env.do(t, http.MethodPost, "/v1/broadcast/t1/tr-1", tok, broadcastBody())
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	got := decodeErr(t, resp)
	assert.Equal(t, types.CodePolicyDenied, got.Code)
	assert.Equal(t, "p-dlp", got.PolicyID)
	assert.Equal(t, "tr-1", got.TraceID)
}

func TestBroadcastMalformedBody(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "t1", auth.ScopeBroadcast)
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/v1/broadcast/t1/tr-1",
		bytes.NewBufferString(`{"agent_id": `))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOutcomeRequiresOverallScore(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "t1", auth.ScopeBroadcast)
	resp := env.do(t, http.MethodPost, "/v1/outcomes/t1/tr-1", tok, map[string]interface{}{})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestOutcomeFirstWins(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "t1", auth.ScopeBroadcast)
	body := map[string]interface{}{"overall_score": 0.9}

	resp := env.do(t, http.MethodPost, "/v1/outcomes/t1/tr-1", tok, body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/outcomes/t1/tr-1", tok, body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, types.CodeAlreadyRecorded, decodeErr(t, resp).Code)
}

func TestCollectClearanceCapped(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "t1", auth.ScopeCollect) // token clearance: confidential
	emb := make([]float32, types.EmbeddingDim)
	emb[0] = 1

	resp := env.do(t, http.MethodPost, "/v1/collect/t1", tok, map[string]interface{}{
		"agent_id":  "a1",
		"embedding": emb,
		"clearance": "secret", // asks above its grant
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, env.router.collectReq)
	assert.Equal(t, types.SensitivityConfidential, env.router.collectReq.Clearance)
}

func TestRateLimitHeadersAndRejection(t *testing.T) {
	env := newEnv(t)
	env.tenants.rate = 2
	tok := env.token(t, "t1", auth.ScopeCollect)
	emb := make([]float32, types.EmbeddingDim)
	emb[0] = 1
	body := map[string]interface{}{"agent_id": "a1", "embedding": emb}

	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodPost, "/v1/collect/t1", tok, body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := env.do(t, http.MethodPost, "/v1/collect/t1", tok, body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))

	got := decodeErr(t, resp)
	assert.Equal(t, types.CodeRateLimited, got.Code)
	assert.Greater(t, got.RetryAfterMS, int64(0))
}

func TestMemoryStoreAndGet(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "t1", auth.ScopeMemory)
	emb := make([]float32, types.EmbeddingDim)
	emb[0] = 1

	resp := env.do(t, http.MethodPost, "/v1/hyphal/t1", tok, map[string]interface{}{
		"agent_id":    "a1",
		"kind":        "insight",
		"content":     map[string]string{"body": "x"},
		"embedding":   emb,
		"sensitivity": "internal",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/hyphal/t1/m-1", tok, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.memory.missing = true
	resp = env.do(t, http.MethodGet, "/v1/hyphal/t1/m-404", tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRegisterTenantBoundToToken(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "t1", auth.ScopeAdmin)
	emb := make([]float32, types.EmbeddingDim)
	emb[0] = 1

	resp := env.do(t, http.MethodPost, "/v1/agents:register", tok, map[string]interface{}{
		"tenant_id": "t2", "agent_id": "a1", "profile_embedding": emb,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/agents:register", tok, map[string]interface{}{
		"tenant_id": "t1", "agent_id": "a1", "profile_embedding": emb,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEdgeAdminEndpoints(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "t1", auth.ScopeAdmin)

	resp := env.do(t, http.MethodGet, "/v1/edges/t1/a?min_weight=0.1", tok, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/edges:stats/t1", tok, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/edges:prune/t1", tok, map[string]float64{"below_weight": 0.05})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pruned map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pruned))
	assert.EqualValues(t, 3, pruned["pruned"])

	resp = env.do(t, http.MethodPost, "/v1/edges:prune/t1", tok, map[string]float64{"below_weight": 0})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestDeactivateNotFound(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "t1", auth.ScopeAdmin)
	resp := env.do(t, http.MethodDelete, "/v1/agents/t1/ghost", tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusMappingTable(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "t1", auth.ScopeBroadcast)
	cases := []struct {
		code   types.Code
		status int
	}{
		{types.CodeExpired, http.StatusConflict},
		{types.CodeNotFound, http.StatusNotFound},
		{types.CodeUnavailable, http.StatusServiceUnavailable},
		{types.CodeInvalidArgument, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			env.router.broadcastErr = types.E(tc.code, "boom")
			resp := env.do(t, http.MethodPost, "/v1/broadcast/t1/tr-1", tok, broadcastBody())
			assert.Equal(t, tc.status, resp.StatusCode, fmt.Sprintf("code %s", tc.code))
		})
	}
}
