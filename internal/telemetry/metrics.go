// Package telemetry holds the process-wide Prometheus metrics for the
// AEGIS edge node. Grounded on internal/escrow/metrics.go's Metrics
// struct/NewMetrics shape: one struct field per metric, built once at
// startup via promauto (which registers against the default registry as a
// side effect), with small Record*/Observe* helper methods so call sites
// never touch label ordering directly.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the node exports.
type Metrics struct {
	RequestTotal    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	WAFBlocks        *prometheus.CounterVec
	ChallengeIssued  *prometheus.CounterVec
	ChallengeOutcome *prometheus.CounterVec

	CacheLookups *prometheus.CounterVec

	UpstreamErrors  *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec

	RegistryFetches *prometheus.CounterVec

	GossipMessages *prometheus.CounterVec
	CounterDeltas  *prometheus.CounterVec
}

// NewMetrics builds and registers every metric. Call once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_requests_total",
				Help: "Total number of requests handled, by matched route and final status code",
			},
			[]string{"route", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aegis_request_duration_seconds",
				Help:    "End-to-end request handling duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		WAFBlocks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_waf_blocks_total",
				Help: "Total number of requests blocked by the WAF engine, by matched rule id",
			},
			[]string{"rule_id"},
		),
		ChallengeIssued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_challenge_issued_total",
				Help: "Total number of challenges issued, by kind",
			},
			[]string{"kind"},
		),
		ChallengeOutcome: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_challenge_outcome_total",
				Help: "Total number of resolved challenges, by outcome action",
			},
			[]string{"action"},
		),

		CacheLookups: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_cache_lookups_total",
				Help: "Total number of cache lookups, by result",
			},
			[]string{"result"}, // hit, miss
		),

		UpstreamErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_upstream_errors_total",
				Help: "Total number of upstream forwarding failures, by pool key",
			},
			[]string{"pool"},
		),
		UpstreamLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aegis_upstream_latency_seconds",
				Help:    "Latency of upstream forwarding calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pool"},
		),

		RegistryFetches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_registry_fetches_total",
				Help: "Total number of module registry resolutions, by tier and result",
			},
			[]string{"tier", "result"}, // tier: store, daemon, gateway; result: hit, miss, error
		),

		GossipMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_gossip_messages_total",
				Help: "Total number of gossip messages processed, by topic and direction",
			},
			[]string{"topic", "direction"}, // direction: inbound, outbound
		),
		CounterDeltas: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_counter_deltas_total",
				Help: "Total number of distributed counter deltas published or merged, by resource",
			},
			[]string{"resource", "direction"},
		),
	}
}

// RecordRequest records one completed request's outcome and duration.
func (m *Metrics) RecordRequest(route string, status int, duration time.Duration) {
	statusClass := statusClassOf(status)
	m.RequestTotal.WithLabelValues(route, statusClass).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func statusClassOf(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// RecordWAFBlock records a WAF rule match that blocked a request.
func (m *Metrics) RecordWAFBlock(ruleID string) {
	m.WAFBlocks.WithLabelValues(ruleID).Inc()
}

// RecordChallengeIssued records a newly issued challenge.
func (m *Metrics) RecordChallengeIssued(kind string) {
	m.ChallengeIssued.WithLabelValues(kind).Inc()
}

// RecordChallengeOutcome records a resolved challenge's action.
func (m *Metrics) RecordChallengeOutcome(action string) {
	m.ChallengeOutcome.WithLabelValues(action).Inc()
}

// RecordCacheLookup records one cache lookup's result.
func (m *Metrics) RecordCacheLookup(result string) {
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordUpstream records one upstream forwarding attempt.
func (m *Metrics) RecordUpstream(pool string, err error, duration time.Duration) {
	m.UpstreamLatency.WithLabelValues(pool).Observe(duration.Seconds())
	if err != nil {
		m.UpstreamErrors.WithLabelValues(pool).Inc()
	}
}

// RecordRegistryFetch records one module registry tier resolution.
func (m *Metrics) RecordRegistryFetch(tier, result string) {
	m.RegistryFetches.WithLabelValues(tier, result).Inc()
}

// RecordGossipMessage records one gossip message sent or received.
func (m *Metrics) RecordGossipMessage(topic, direction string) {
	m.GossipMessages.WithLabelValues(topic, direction).Inc()
}

// RecordCounterDelta records one distributed counter delta published or merged.
func (m *Metrics) RecordCounterDelta(resource, direction string) {
	m.CounterDeltas.WithLabelValues(resource, direction).Inc()
}
