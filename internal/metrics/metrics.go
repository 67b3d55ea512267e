// Package metrics exposes Prometheus collectors for the session multiplexer.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gdbmux"

// Metrics holds the collectors and the registry they are registered with.
type Metrics struct {
	registry *prometheus.Registry

	controllers         prometheus.Gauge
	clients             prometheus.Gauge
	spawns              prometheus.Counter
	spawnFailures       *prometheus.CounterVec
	terminationFailures prometheus.Counter
	lookupMisses        prometheus.Counter
	orphansReaped       prometheus.Counter
}

// New creates a registry with the multiplexer collectors plus the standard
// process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		controllers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controllers",
			Help:      "Number of live gdb controllers.",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Number of clients attached to a controller.",
		}),
		spawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_spawns_total",
			Help:      "gdb backends spawned.",
		}),
		spawnFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_failures_total",
			Help:      "Failed attempts to allocate a pty or spawn gdb, by step.",
		}, []string{"op"}),
		terminationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "termination_failures_total",
			Help:      "Controllers or ptys that returned an error while terminating.",
		}),
		lookupMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookup_misses_total",
			Help:      "Requests naming a gdb pid that no controller owns.",
		}),
		orphansReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_reaped_total",
			Help:      "Controllers removed after having no clients for the grace period.",
		}),
	}
	reg.MustRegister(
		m.controllers,
		m.clients,
		m.spawns,
		m.spawnFailures,
		m.terminationFailures,
		m.lookupMisses,
		m.orphansReaped,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetOccupancy records the current number of controllers and attached clients.
func (m *Metrics) SetOccupancy(controllers, clients int) {
	if m == nil {
		return
	}
	m.controllers.Set(float64(controllers))
	m.clients.Set(float64(clients))
}

func (m *Metrics) BackendSpawned() {
	if m != nil {
		m.spawns.Inc()
	}
}

// SpawnFailed counts an allocation failure at step op ("open_pty", "spawn").
func (m *Metrics) SpawnFailed(op string) {
	if m != nil {
		m.spawnFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) TerminationFailed() {
	if m != nil {
		m.terminationFailures.Inc()
	}
}

func (m *Metrics) LookupMissed() {
	if m != nil {
		m.lookupMisses.Inc()
	}
}

func (m *Metrics) OrphansReaped(n int) {
	if m != nil && n > 0 {
		m.orphansReaped.Add(float64(n))
	}
}
