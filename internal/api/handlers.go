package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"mycel/internal/hyphal"
	"mycel/internal/router"
	"mycel/internal/types"
)

// maxBodyBytes bounds request bodies. Embeddings dominate the size: a
// 1536-dim float array in JSON runs to tens of kilobytes.
const maxBodyBytes = 1 << 20

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &malformedRequest{cause: err}
	}
	return nil
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	trace := chi.URLParam(r, "trace")

	var req router.BroadcastRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.router.Broadcast(r.Context(), tenant, trace, &req)
	if err != nil {
		code := types.CodeOf(err)
		s.metrics.Broadcasts.WithLabelValues(tenant, string(code)).Inc()
		if code == types.CodePolicyDenied {
			s.metrics.PolicyDenials.WithLabelValues(tenant).Inc()
		}
		s.writeError(w, r, err)
		return
	}
	s.metrics.Broadcasts.WithLabelValues(tenant, "ok").Inc()
	s.metrics.Deliveries.Add(float64(res.Delivered))
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	trace := chi.URLParam(r, "trace")

	var req struct {
		OverallScore *float64           `json:"overall_score"`
		HopScores    map[string]float64 `json:"hop_scores,omitempty"`
	}
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.OverallScore == nil {
		s.writeError(w, r, types.E(types.CodeInvalidArgument, "overall_score is required"))
		return
	}

	updated, err := s.outcomes.RecordOutcome(r.Context(), tenant, &types.Outcome{
		TraceID:      trace,
		OverallScore: *req.OverallScore,
		HopScores:    req.HopScores,
	})
	if err != nil {
		s.metrics.Outcomes.WithLabelValues(tenant, string(types.CodeOf(err))).Inc()
		s.writeError(w, r, err)
		return
	}
	s.metrics.Outcomes.WithLabelValues(tenant, "ok").Inc()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"trace_id":      trace,
		"edges_updated": updated,
	})
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	var req router.CollectRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	// The caller's clearance caps whatever the request asks for.
	req.Clearance = capClearance(req.Clearance, principalFrom(r).Clearance)

	items, err := s.router.Collect(r.Context(), tenant, &req)
	if err != nil {
		s.metrics.Collects.WithLabelValues(tenant, string(types.CodeOf(err))).Inc()
		s.writeError(w, r, err)
		return
	}
	s.metrics.Collects.WithLabelValues(tenant, "ok").Inc()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"trace_id": traceIDFrom(r),
		"contents": items,
	})
}

// capClearance returns the lower of the requested and granted levels.
func capClearance(requested, granted types.Sensitivity) types.Sensitivity {
	if requested == "" || !requested.Valid() {
		return granted
	}
	if requested.Rank() > granted.Rank() {
		return granted
	}
	return requested
}

func (s *Server) handleMemoryStore(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	var req hyphal.StoreRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.memory.Store(r.Context(), tenant, &req)
	if err != nil {
		s.metrics.MemoryStores.WithLabelValues(tenant, string(types.CodeOf(err))).Inc()
		s.writeError(w, r, err)
		return
	}
	s.metrics.MemoryStores.WithLabelValues(tenant, "ok").Inc()
	s.writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	var req hyphal.SearchRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Clearance = capClearance(req.Clearance, principalFrom(r).Clearance)

	hits, err := s.memory.Search(r.Context(), tenant, &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.MemorySearches.Inc()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"hits": hits})
}

func (s *Server) handleMemoryGet(w http.ResponseWriter, r *http.Request) {
	hit, err := s.memory.Get(r.Context(),
		chi.URLParam(r, "tenant"), chi.URLParam(r, "id"),
		principalFrom(r).Clearance)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, hit)
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.memory.Delete(r.Context(),
		chi.URLParam(r, "tenant"), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	hits, err := s.memory.List(r.Context(),
		chi.URLParam(r, "tenant"), chi.URLParam(r, "agent"),
		principalFrom(r).Clearance, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"memories": hits})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req router.RegisterRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if p := principalFrom(r); p == nil || p.TenantID != req.TenantID {
		s.writeError(w, r, types.E(types.CodePermissionDenied,
			"credentials are not valid for this tenant"))
		return
	}
	a, err := s.router.Register(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if err := s.router.Deactivate(r.Context(),
		chi.URLParam(r, "tenant"), chi.URLParam(r, "agent")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.router.ListAgents(r.Context(), chi.URLParam(r, "tenant"),
		queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

func (s *Server) handleListEdges(w http.ResponseWriter, r *http.Request) {
	minWeight := queryFloat(r, "min_weight", 0)
	edges, err := s.edges.ListEdges(r.Context(),
		chi.URLParam(r, "tenant"), chi.URLParam(r, "agent"),
		minWeight, queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"edges": edges})
}

func (s *Server) handleEdgeStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.edges.GetEdgeStats(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePruneEdges(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BelowWeight float64 `json:"below_weight"`
	}
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.BelowWeight <= 0 || req.BelowWeight > types.WeightMax {
		s.writeError(w, r, types.E(types.CodeInvalidArgument,
			"below_weight must be in (0, %g]", types.WeightMax))
		return
	}
	n, err := s.edges.PruneEdges(r.Context(), chi.URLParam(r, "tenant"), req.BelowWeight)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"pruned": n})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryFloat(r *http.Request, key string, def float64) float64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
