// Package telemetry exposes the orchestrator's Prometheus metrics and the
// shared OpenTelemetry tracer.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	// NodeLatency records per-node execution time.
	NodeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tradeloop",
		Name:      "node_duration_seconds",
		Help:      "Execution time of each DAG node.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"node"})

	// RunDuration records wall-clock run time by terminal status.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tradeloop",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of runs by terminal status.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"status"})

	// RunsTotal counts runs reaching a terminal status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeloop",
		Name:      "runs_total",
		Help:      "Runs by terminal status.",
	}, []string{"status", "mode"})

	// OrdersTotal counts orders placed by provider and terminal status.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeloop",
		Name:      "orders_total",
		Help:      "Orders by execution mode and terminal status.",
	}, []string{"mode", "status"})

	// SSEConnections gauges the currently open event-stream connections.
	SSEConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeloop",
		Name:      "sse_connections",
		Help:      "Open SSE connections.",
	})

	// PolicyDecisions counts policy outcomes.
	PolicyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeloop",
		Name:      "policy_decisions_total",
		Help:      "Policy check outcomes.",
	}, []string{"decision"})
)

// Tracer returns the process tracer used for run and node spans.
func Tracer() trace.Tracer {
	return otel.Tracer("tradeloop")
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
