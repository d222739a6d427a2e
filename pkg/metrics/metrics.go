// Package metrics holds the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	AdmissionDenials *prometheus.CounterVec

	// Pool metrics
	PoolActive prometheus.GaugeFunc
	PoolQueued prometheus.GaugeFunc
	TasksTotal *prometheus.CounterVec

	// Cost metrics
	TokensTotal *prometheus.CounterVec
	CostUSD     *prometheus.CounterVec

	// Streaming metrics
	StreamSessions prometheus.Gauge
}

// PoolStats supplies the live pool occupancy for the gauge functions.
type PoolStats interface {
	ActiveCount() int
	QueuedCount() int
}

// New creates and registers all gateway metrics with a fresh registry.
// The returned registry is served at /metrics.
func New(pool PoolStats) (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ccbridge_requests_total",
				Help: "Total admitted requests by endpoint and execution path",
			},
			[]string{"endpoint", "path"}, // path: direct, cli, agentic
		),

		AdmissionDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ccbridge_admission_denials_total",
				Help: "Requests rejected by the admission pipeline, by error kind",
			},
			[]string{"kind"},
		),

		PoolActive: factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "ccbridge_pool_active_slots",
				Help: "Worker slots currently running a child process",
			},
			func() float64 { return float64(pool.ActiveCount()) },
		),

		PoolQueued: factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "ccbridge_pool_queued_tasks",
				Help: "Tasks waiting in the overflow queue",
			},
			func() float64 { return float64(pool.QueuedCount()) },
		),

		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ccbridge_tasks_total",
				Help: "Pool tasks by terminal state",
			},
			[]string{"state"}, // completed, failed, timeout, cancelled
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ccbridge_tokens_total",
				Help: "Provider tokens consumed, by model and direction",
			},
			[]string{"model", "direction"}, // direction: input, output
		),

		CostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ccbridge_cost_usd_total",
				Help: "Recorded spend in USD by project and source",
			},
			[]string{"project_id", "source"},
		),

		StreamSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ccbridge_stream_sessions",
				Help: "Open WebSocket streaming sessions",
			},
		),
	}
	return m, reg
}

// RecordUsage bumps the token and cost counters for one settled request.
func (m *Metrics) RecordUsage(projectID, model, source string, inputTokens, outputTokens int, costUSD float64) {
	m.TokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	m.CostUSD.WithLabelValues(projectID, source).Add(costUSD)
}
