package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
	CostUSD          *prometheus.CounterVec
	RateLimitedTotal prometheus.Counter

	FallbackTotal    prometheus.Counter
	AllModelsFailed  prometheus.Counter
	PhaseGauge       prometheus.Gauge // 0=exploration, 1=contextual
	StateConflictsTotal prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_requests_total",
			Help: "Total queries routed through conduit",
		}, []string{"arm", "provider", "phase", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_request_latency_ms",
			Help:    "Query completion latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"arm", "provider"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_cost_usd_total",
			Help: "Estimated USD cost attributed to each arm",
		}, []string{"arm", "provider"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduit_rate_limited_total",
			Help: "Total requests rejected by the rate limiter",
		}),
		FallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduit_fallback_total",
			Help: "Total responses served by a fallback arm rather than the primary selection",
		}),
		AllModelsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduit_all_models_failed_total",
			Help: "Total queries where every arm in the fallback chain failed",
		}),
		PhaseGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_hybrid_phase",
			Help: "Hybrid router's active phase (0=exploration, 1=contextual)",
		}),
		StateConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduit_state_conflicts_total",
			Help: "Total optimistic-lock conflicts observed writing bandit/hybrid state",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestLatency, m.CostUSD, m.RateLimitedTotal,
		m.FallbackTotal, m.AllModelsFailed, m.PhaseGauge, m.StateConflictsTotal,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
