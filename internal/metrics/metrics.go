// Package metrics exposes the substrate's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the services report into.
type Metrics struct {
	registry *prometheus.Registry

	Broadcasts      *prometheus.CounterVec
	Deliveries      prometheus.Counter
	Collects        *prometheus.CounterVec
	MemoryStores    *prometheus.CounterVec
	MemorySearches  prometheus.Counter
	Outcomes        *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec
	PolicyDenials   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	EdgesDecayed    prometheus.Counter
	EdgesDeleted    prometheus.Counter
}

// New registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mycel_broadcasts_total",
			Help: "Broadcast requests by result.",
		}, []string{"tenant", "result"}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mycel_deliveries_total",
			Help: "Nutrients delivered to recipient mailboxes.",
		}),
		Collects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mycel_collects_total",
			Help: "Collect requests by result.",
		}, []string{"tenant", "result"}),
		MemoryStores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mycel_memory_stores_total",
			Help: "Memory store requests by result.",
		}, []string{"tenant", "result"}),
		MemorySearches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mycel_memory_searches_total",
			Help: "Semantic memory searches.",
		}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mycel_outcomes_total",
			Help: "Outcome submissions by result.",
		}, []string{"tenant", "result"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mycel_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"tenant"}),
		PolicyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mycel_policy_denials_total",
			Help: "Requests denied by tenant policy.",
		}, []string{"tenant"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mycel_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		EdgesDecayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mycel_edges_decayed_total",
			Help: "Edges touched by the decay task.",
		}),
		EdgesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mycel_edges_deleted_total",
			Help: "Stale edges removed by the decay task.",
		}),
	}
	reg.MustRegister(
		m.Broadcasts, m.Deliveries, m.Collects, m.MemoryStores,
		m.MemorySearches, m.Outcomes, m.RateLimited, m.PolicyDenials,
		m.RequestDuration, m.EdgesDecayed, m.EdgesDeleted,
	)
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
