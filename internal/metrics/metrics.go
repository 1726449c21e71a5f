// Package metrics exposes the core's Prometheus metrics.
//
// Metrics live on a private registry rather than the global default so
// that tests (and several cores in one process) do not collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
)

const namespace = "irrigation"

// Command outcomes.
const (
	OutcomeConfirmed  = "confirmed"
	OutcomeRolledBack = "rolled_back"
	OutcomeSuperseded = "superseded"
)

// Audit write results.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics holds every collector the core updates.
type Metrics struct {
	registry *prometheus.Registry

	FeedDeliveries   *prometheus.CounterVec
	FeedErrors       *prometheus.CounterVec
	FeedAttached     *prometheus.GaugeVec
	FeedReattaches   *prometheus.CounterVec
	ModeCorrections  prometheus.Counter
	Alerts           *prometheus.CounterVec
	Commands         *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	AuditWrites      *prometheus.CounterVec
	AuditDropped     prometheus.Counter
	BreakerState     *prometheus.GaugeVec
	WebSocketClients prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FeedDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_deliveries_total",
				Help:      "Snapshots received per feed",
			},
			[]string{"feed"},
		),
		FeedErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_decode_errors_total",
				Help:      "Snapshots that could not be decoded, per feed",
			},
			[]string{"feed"},
		),
		FeedAttached: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "feed_attached",
				Help:      "1 while the feed subscription is live, 0 while unavailable",
			},
			[]string{"feed"},
		),
		FeedReattaches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_reattach_attempts_total",
				Help:      "Attach attempts after a failure, per feed",
			},
			[]string{"feed"},
		),
		ModeCorrections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mode_corrections_total",
				Help:      "Merges where autoMode and schedMode were both on and one was cleared",
			},
		),
		Alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Threshold alerts fired by type",
			},
			[]string{"type"},
		),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Dispatched commands by field and outcome",
			},
			[]string{"field", "outcome"},
		),
		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Time from optimistic apply to confirm or rollback",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"field"},
		),
		AuditWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_writes_total",
				Help:      "Audit record writes by sink and result",
			},
			[]string{"sink", "result"},
		),
		AuditDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_dropped_total",
				Help:      "Audit records dropped because the queue was full or the writer stopped",
			},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open",
			},
			[]string{"name"},
		),
		WebSocketClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_clients",
				Help:      "Connected WebSocket clients",
			},
		),
	}

	m.registry.MustRegister(
		m.FeedDeliveries,
		m.FeedErrors,
		m.FeedAttached,
		m.FeedReattaches,
		m.ModeCorrections,
		m.Alerts,
		m.Commands,
		m.CommandDuration,
		m.AuditWrites,
		m.AuditDropped,
		m.BreakerState,
		m.WebSocketClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding all collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveBreaker is a gobreaker OnStateChange callback.
func (m *Metrics) ObserveBreaker(name string, _, to gobreaker.State) {
	var v float64
	switch to {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	m.BreakerState.WithLabelValues(name).Set(v)
}
