package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mycel/internal/auth"
	"mycel/internal/types"
)

type contextKey string

const (
	principalKey contextKey = "principal"
	traceIDKey   contextKey = "trace_id"
)

func principalFrom(r *http.Request) *auth.Principal {
	p, _ := r.Context().Value(principalKey).(*auth.Principal)
	return p
}

func traceIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(traceIDKey).(string)
	return id
}

// withTraceID resolves the request's correlation id: the {trace} path
// parameter when the route carries one, the X-Request-Id header otherwise,
// a fresh UUID as a last resort. The id is echoed back on the response.
func (s *Server) withTraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "trace")
		if id == "" {
			id = r.Header.Get("X-Request-Id")
		}
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), traceIDKey, id)))
	})
}

// withAuth validates the bearer token and stores the principal.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header {
			token = ""
		}
		p, err := s.authenticator.Authenticate(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

// withTenant enforces that the {tenant} path parameter matches the
// authenticated principal's tenant. A mismatch is permission_denied, not
// not_found: the caller knows the resource space exists, just not theirs.
func (s *Server) withTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r)
		tenant := chi.URLParam(r, "tenant")
		if p == nil || tenant == "" || p.TenantID != tenant {
			s.writeError(w, r, types.E(types.CodePermissionDenied,
				"credentials are not valid for this tenant"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit enforces the tenant's per-minute quota and surfaces the
// standard headers on every response.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r)
		if p == nil {
			next.ServeHTTP(w, r)
			return
		}
		limit := s.defaultRateLimit
		if tenant, err := s.tenants.GetTenant(r.Context(), p.TenantID); err == nil && tenant.RatePerMin > 0 {
			limit = tenant.RatePerMin
		}
		d, err := s.limiter.Allow(r.Context(), p.TenantID, limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			s.metrics.RateLimited.WithLabelValues(p.TenantID).Inc()
			s.writeError(w, r, d.Err())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireScope gates a subtree on one scope.
func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principalFrom(r)
			if p == nil || !p.HasScope(scope) {
				s.writeError(w, r, types.E(types.CodePermissionDenied,
					"missing scope %q", scope))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// withObservability logs each request and records its latency.
func (s *Server) withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.RequestDuration.
			WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).
			Observe(elapsed.Seconds())

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed),
			zap.String("trace_id", traceIDFrom(r)),
		}
		if p := principalFrom(r); p != nil {
			fields = append(fields, zap.String("tenant_id", p.TenantID))
		}
		s.log.Info("request", fields...)
	})
}
