package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Push results recorded by the relay
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
	ResultFallback  = "fallback"
	ResultBroadcast = "broadcast"
)

// Metrics groups the relay and session collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	connections      prometheus.GaugeFunc
	onlineIdentities prometheus.Gauge
	pushes           *prometheus.CounterVec
	inbound          *prometheus.CounterVec
}

// New creates the collectors on a dedicated registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		onlineIdentities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "online_identities",
			Help:      "Distinct identities with at least one live connection.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "relay_pushes_total",
			Help:      "Outbound event pushes by event and result.",
		}, []string{"event", "result"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "inbound_events_total",
			Help:      "Inbound realtime events by name.",
		}, []string{"event"}),
	}
	reg.MustRegister(
		m.onlineIdentities,
		m.pushes,
		m.inbound,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Push(event, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pushes.WithLabelValues(event, result).Add(float64(n))
}

func (m *Metrics) Inbound(event string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(event).Inc()
}

// TrackConnections samples count on every scrape as the live connection gauge.
// Only the first call registers.
func (m *Metrics) TrackConnections(count func() int) {
	if m == nil || m.connections != nil {
		return
	}
	m.connections = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "chat",
		Name:      "realtime_connections",
		Help:      "Live realtime connections.",
	}, func() float64 { return float64(count()) })
	m.registry.MustRegister(m.connections)
}

func (m *Metrics) SetOnlineIdentities(n int) {
	if m == nil {
		return
	}
	m.onlineIdentities.Set(float64(n))
}

// PushCounter exposes one push series, mostly for tests
func (m *Metrics) PushCounter(event, result string) prometheus.Counter {
	return m.pushes.WithLabelValues(event, result)
}

// OnlineIdentities exposes the online identity gauge
func (m *Metrics) OnlineIdentities() prometheus.Gauge {
	return m.onlineIdentities
}
