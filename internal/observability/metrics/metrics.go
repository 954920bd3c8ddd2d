// Package metrics exposes the runtime's operational counters in Prometheus
// format: turns completed, tool invocations by status, iteration truncations
// and gateway HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "santosobot"

// Turn outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeTruncated = "truncated"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeBusy      = "busy"
)

// Collector owns a private registry so tests and multiple gateways in one
// process do not collide. A nil *Collector is valid and records nothing.
type Collector struct {
	registry     *prometheus.Registry
	turns        *prometheus.CounterVec
	tools        *prometheus.CounterVec
	truncations  prometheus.Counter
	activeTurns  prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates a collector with process and Go runtime collectors attached.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_completed_total",
			Help:      "Total number of agent turns by channel and outcome.",
		}, []string{"channel", "outcome"}),
		tools: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Total number of tool invocations by tool and status.",
		}, []string{"tool", "status"}),
		truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iteration_truncations_total",
			Help:      "Turns that reached max_iterations with tool calls still pending.",
		}),
		activeTurns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_turns",
			Help:      "Turns currently in flight.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of gateway HTTP requests processed.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Gateway HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "path"}),
	}
	c.registry.MustRegister(
		c.turns,
		c.tools,
		c.truncations,
		c.activeTurns,
		c.httpRequests,
		c.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ObserveTurn records a finished turn.
func (c *Collector) ObserveTurn(channel, outcome string) {
	if c == nil {
		return
	}
	if channel == "" {
		channel = "unknown"
	}
	c.turns.WithLabelValues(channel, outcome).Inc()
	if outcome == OutcomeTruncated {
		c.truncations.Inc()
	}
}

// ObserveTool records one tool invocation.
func (c *Collector) ObserveTool(tool, status string) {
	if c == nil {
		return
	}
	c.tools.WithLabelValues(tool, status).Inc()
}

// TurnStarted increments the in-flight gauge; call the returned func when the
// turn ends.
func (c *Collector) TurnStarted() func() {
	if c == nil {
		return func() {}
	}
	c.activeTurns.Inc()
	return c.activeTurns.Dec
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
