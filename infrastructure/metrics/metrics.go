// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ireland-samantha/forgefleet/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Placement metrics
	PlacementsTotal   *prometheus.CounterVec
	PlacementDuration *prometheus.HistogramVec

	// Node proxy metrics (control plane -> engine node REST/WS calls)
	NodeProxyCallsTotal   *prometheus.CounterVec
	NodeProxyCallDuration *prometheus.HistogramVec
	NodesRegistered       prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Placement metrics
		PlacementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "match_placements_total",
				Help: "Total number of match placement attempts",
			},
			[]string{"service", "status"},
		),
		PlacementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "match_placement_duration_seconds",
				Help:    "Time spent selecting and confirming a node for a match",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"service"},
		),

		// Node proxy metrics
		NodeProxyCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "node_proxy_calls_total",
				Help: "Total number of control-plane calls proxied to an engine node",
			},
			[]string{"service", "operation", "status"},
		),
		NodeProxyCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "node_proxy_call_duration_seconds",
				Help:    "Duration of control-plane calls proxied to an engine node",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "operation"},
		),
		NodesRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nodes_registered",
				Help: "Current number of nodes known to the registry, in any health state",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.PlacementsTotal,
			m.PlacementDuration,
			m.NodeProxyCallsTotal,
			m.NodeProxyCallDuration,
			m.NodesRegistered,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordPlacement records the outcome of a match placement attempt.
func (m *Metrics) RecordPlacement(service, status string, duration time.Duration) {
	m.PlacementsTotal.WithLabelValues(service, status).Inc()
	m.PlacementDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordNodeProxyCall records a control-plane call proxied to an engine node.
func (m *Metrics) RecordNodeProxyCall(service, operation, status string, duration time.Duration) {
	m.NodeProxyCallsTotal.WithLabelValues(service, operation, status).Inc()
	m.NodeProxyCallDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetNodesRegistered sets the current node registry population.
func (m *Metrics) SetNodesRegistered(count int) {
	m.NodesRegistered.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
