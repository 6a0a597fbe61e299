package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	RequestTotal        *prometheus.CounterVec
	RequestDurationMs   *prometheus.HistogramVec
	UpstreamDurationMs  *prometheus.HistogramVec
	TokensTotal         *prometheus.CounterVec
	FilterActionTotal   *prometheus.CounterVec
	PrivacyDetections   *prometheus.CounterVec
	RateLimitDecisions  *prometheus.CounterVec
	UpstreamCircuitOpen prometheus.Gauge
}

// NewMetrics creates the gateway metrics and registers them with reg.
// A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		RequestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gaiagate_request_total",
			Help: "Total number of chat requests handled, by route and outcome.",
		}, []string{"route", "outcome"}),

		RequestDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gaiagate_request_duration_ms",
			Help:    "Total request duration in milliseconds (including upstream latency).",
			Buckets: []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"route"}),

		UpstreamDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gaiagate_upstream_duration_ms",
			Help:    "Latency of calls to the GaiaNet node in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"model", "outcome"}),

		TokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gaiagate_tokens_total",
			Help: "Total tokens reported by the upstream.",
		}, []string{"model", "direction"}),

		FilterActionTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gaiagate_filter_action_total",
			Help: "Total inbound filter actions taken.",
		}, []string{"filter", "action"}),

		PrivacyDetections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gaiagate_privacy_detections_total",
			Help: "Sensitive data detections by category and direction.",
		}, []string{"category", "direction"}),

		RateLimitDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gaiagate_rate_limit_decisions_total",
			Help: "Rate gate decisions.",
		}, []string{"decision"}),

		UpstreamCircuitOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "gaiagate_upstream_circuit_open",
			Help: "1 while the upstream circuit breaker is open.",
		}),
	}
}

// RecordRequest records metrics for a finished request. outcome is "ok" or an error kind.
func (m *Metrics) RecordRequest(route, outcome string, durationMs float64) {
	m.RequestTotal.WithLabelValues(route, outcome).Inc()
	m.RequestDurationMs.WithLabelValues(route).Observe(durationMs)
}

// RecordUpstream records one upstream call.
func (m *Metrics) RecordUpstream(model, outcome string, durationMs float64, promptTokens, completionTokens int) {
	m.UpstreamDurationMs.WithLabelValues(model, outcome).Observe(durationMs)
	if promptTokens > 0 {
		m.TokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.TokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// RecordFilterAction records a filter action metric.
func (m *Metrics) RecordFilterAction(filter, action string) {
	m.FilterActionTotal.WithLabelValues(filter, action).Inc()
}

// RecordPrivacy counts detections; direction is "inbound" or "outbound".
func (m *Metrics) RecordPrivacy(direction string, categories []string) {
	for _, c := range categories {
		m.PrivacyDetections.WithLabelValues(c, direction).Inc()
	}
}

// RecordRateLimit counts a rate gate decision: "allowed", "blocked" or "error".
func (m *Metrics) RecordRateLimit(decision string) {
	m.RateLimitDecisions.WithLabelValues(decision).Inc()
}

// SetCircuitOpen reports the upstream breaker state.
func (m *Metrics) SetCircuitOpen(open bool) {
	if open {
		m.UpstreamCircuitOpen.Set(1)
		return
	}
	m.UpstreamCircuitOpen.Set(0)
}
