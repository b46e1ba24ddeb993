// Package metrics holds the Prometheus collectors for the bus and adapter.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "echostream"

type Metrics struct {
	reg *prometheus.Registry

	Events           *prometheus.CounterVec
	ListenerPanics   prometheus.Counter
	Listeners        prometheus.Gauge
	Connections      prometheus.Gauge
	PendingResponses prometheus.Gauge
}

// New registers every collector on a private registry, along with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_pushed_total",
			Help:      "Events pushed onto the bus, by kind.",
		}, []string{"kind"}),
		ListenerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_panics_total",
			Help:      "Listeners that panicked during a push.",
		}),
		Listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners",
			Help:      "Listeners registered on the bus.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open WebSocket connections.",
		}),
		PendingResponses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_responses",
			Help:      "HTTP requests waiting for a listener to respond.",
		}),
	}
	m.reg.MustRegister(
		m.Events,
		m.ListenerPanics,
		m.Listeners,
		m.Connections,
		m.PendingResponses,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
