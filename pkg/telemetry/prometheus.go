package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AgentMetrics holds the Prometheus collectors of a frame agent server.
type AgentMetrics struct {
	envelopesTotal   *prometheus.CounterVec
	envelopeDuration *prometheus.HistogramVec
	headlessTotal    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewAgentMetrics creates the collectors on a private registry.
func NewAgentMetrics() *AgentMetrics {
	registry := prometheus.NewRegistry()

	m := &AgentMetrics{
		envelopesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brickflow_agent_envelopes_total",
				Help: "Brick envelopes handled by the frame agent by status",
			},
			[]string{"brick_id", "target", "status"},
		),
		envelopeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "brickflow_agent_envelope_duration_seconds",
				Help:    "Brick envelope handling latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"brick_id"},
		),
		headlessTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brickflow_agent_headless_total",
				Help: "Renderer invocations handed back to the run initiator",
			},
			[]string{"brick_id"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.envelopesTotal,
		m.envelopeDuration,
		m.headlessTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveEnvelope records one handled envelope. status is ok, headless or an error kind.
func (m *AgentMetrics) ObserveEnvelope(brickID, target, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.envelopesTotal.WithLabelValues(brickID, target, status).Inc()
	m.envelopeDuration.WithLabelValues(brickID).Observe(duration.Seconds())
	if status == "headless" {
		m.headlessTotal.WithLabelValues(brickID).Inc()
	}
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *AgentMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *AgentMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
