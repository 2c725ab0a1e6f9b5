// Package metrics exposes the gateway's Prometheus instrumentation as a
// single Collector value. Construction registers every series with
// promauto; a nil Collector is safe to call, so deployments that scrape
// nothing pay nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every gateway metric family.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	admissionDenials *prometheus.CounterVec

	attemptTotal *prometheus.CounterVec

	cacheLookups *prometheus.CounterVec

	breakerTransitions *prometheus.CounterVec
	routerDegraded     *prometheus.CounterVec

	reservationsSettled *prometheus.CounterVec

	tokensSpent *prometheus.CounterVec
	costSpent   *prometheus.CounterVec

	streamFinalizations *prometheus.CounterVec

	mcpCalls *prometheus.CounterVec
}

// NewCollector registers all series on reg (nil means the default
// registerer).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Proxied requests by route, backend and status.",
		}, []string{"route", "backend", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request latency by route.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"route"}),

		admissionDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_admission_denials_total",
			Help: "Requests rejected before dispatch, by denial code.",
		}, []string{"code"}),

		attemptTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_backend_attempts_total",
			Help: "Upstream attempts by backend and outcome.",
		}, []string{"backend", "outcome"}),

		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_lookups_total",
			Help: "Response cache lookups by result (hit/miss) and tier.",
		}, []string{"result", "source"}),

		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_breaker_transitions_total",
			Help: "Circuit breaker state transitions by backend and new state.",
		}, []string{"backend", "state"}),

		routerDegraded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_router_degraded_total",
			Help: "Resolutions that restored an unfiltered candidate list because every backend was unhealthy.",
		}, []string{"model"}),

		reservationsSettled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_reservations_settled_total",
			Help: "Budget reservations settled, by kind and outcome (commit/rollback).",
		}, []string{"kind", "outcome"}),

		tokensSpent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_spent_total",
			Help: "Tokens committed against budgets, by scope kind.",
		}, []string{"scope_kind"}),

		costSpent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cost_usd_micros_spent_total",
			Help: "USD micros committed against cost budgets, by scope kind.",
		}, []string{"scope_kind"}),

		streamFinalizations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_stream_finalizations_total",
			Help: "Streaming finalizer runs by trigger (completed/error/aborted).",
		}, []string{"trigger"}),

		mcpCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_mcp_calls_total",
			Help: "MCP JSON-RPC calls by server and method.",
		}, []string{"server", "method"}),
	}
}

func (c *Collector) ObserveRequest(route, backend string, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(route, backend, status).Inc()
	c.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (c *Collector) AdmissionDenied(code string) {
	if c == nil {
		return
	}
	c.admissionDenials.WithLabelValues(code).Inc()
}

func (c *Collector) BackendAttempt(backend, outcome string) {
	if c == nil {
		return
	}
	c.attemptTotal.WithLabelValues(backend, outcome).Inc()
}

func (c *Collector) CacheLookup(hit bool, source string) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result, source).Inc()
}

func (c *Collector) BreakerTransition(backend, state string) {
	if c == nil {
		return
	}
	c.breakerTransitions.WithLabelValues(backend, state).Inc()
}

func (c *Collector) RouterDegraded(model string) {
	if c == nil {
		return
	}
	c.routerDegraded.WithLabelValues(model).Inc()
}

func (c *Collector) ReservationSettled(kind, outcome string) {
	if c == nil {
		return
	}
	c.reservationsSettled.WithLabelValues(kind, outcome).Inc()
}

func (c *Collector) TokensSpent(scopeKind string, tokens uint64) {
	if c == nil {
		return
	}
	c.tokensSpent.WithLabelValues(scopeKind).Add(float64(tokens))
}

func (c *Collector) CostSpent(scopeKind string, usdMicros uint64) {
	if c == nil {
		return
	}
	c.costSpent.WithLabelValues(scopeKind).Add(float64(usdMicros))
}

func (c *Collector) StreamFinalized(trigger string) {
	if c == nil {
		return
	}
	c.streamFinalizations.WithLabelValues(trigger).Inc()
}

func (c *Collector) MCPCall(server, method string) {
	if c == nil {
		return
	}
	c.mcpCalls.WithLabelValues(server, method).Inc()
}
