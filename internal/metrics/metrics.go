// Package metrics exposes kernel counters in Prometheus form.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ilua"

// Metrics owns a private registry so several kernels (or tests) in one
// process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	broadcasts     *prometheus.CounterVec
	roundTrips     *prometheus.HistogramVec
	roundTripFails *prometheus.CounterVec
	executionCount prometheus.Gauge
	state          *prometheus.GaugeVec
}

// New builds and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Handled frontend requests.",
		}, []string{"msg_type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "dropped_requests_total",
			Help:      "Requests of unrecognized type dropped without reply.",
		}, []string{"msg_type"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "iopub",
			Name:      "broadcasts_total",
			Help:      "Messages published on iopub.",
		}, []string{"msg_type"}),
		roundTrips: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "interpreter",
			Name:      "round_trip_seconds",
			Help:      "Interpreter request round-trip latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		roundTripFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "interpreter",
			Name:      "round_trip_failures_total",
			Help:      "Interpreter round trips that failed at the transport level.",
		}, []string{"type"}),
		executionCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "execution_count",
			Help:      "Current execution counter.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the engine's current state, 0 otherwise.",
		}, []string{"state"}),
	}
	m.registry.MustRegister(
		m.requests, m.dropped, m.broadcasts, m.roundTrips, m.roundTripFails,
		m.executionCount, m.state,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the backing registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RequestHandled counts a dispatched request.
func (m *Metrics) RequestHandled(msgType string) {
	m.requests.WithLabelValues(msgType).Inc()
}

// RequestDropped counts an unrecognized request.
func (m *Metrics) RequestDropped(msgType string) {
	m.dropped.WithLabelValues(msgType).Inc()
}

// Broadcast counts an iopub message.
func (m *Metrics) Broadcast(msgType string) {
	m.broadcasts.WithLabelValues(msgType).Inc()
}

// ExecutionCount records the execution counter.
func (m *Metrics) ExecutionCount(n int) {
	m.executionCount.Set(float64(n))
}

// StateChanged marks state as current.
func (m *Metrics) StateChanged(from, to string) {
	if from != "" {
		m.state.WithLabelValues(from).Set(0)
	}
	m.state.WithLabelValues(to).Set(1)
}

// ObserveRoundTrip records one interpreter round trip.
func (m *Metrics) ObserveRoundTrip(envType string, elapsed time.Duration, err error) {
	m.roundTrips.WithLabelValues(envType).Observe(elapsed.Seconds())
	if err != nil {
		m.roundTripFails.WithLabelValues(envType).Inc()
	}
}
