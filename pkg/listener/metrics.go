package listener

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nullwire/interceptproxy/pkg/ca"
)

// Metrics is the Prometheus-backed implementation of the Connection
// Handler's counters/gauges surface, plus the listener's own accept counter.
type Metrics struct {
	connectionsAccepted prometheus.Counter
	connectionsActive   prometheus.Gauge
	pendingActive       prometheus.Gauge
	pendingTotal        prometheus.Counter
	verdicts            *prometheus.CounterVec
	certMints           prometheus.CounterFunc
	certCacheHits       prometheus.CounterFunc

	registry *prometheus.Registry
}

// NewMetrics builds and registers the proxy's metric set on a fresh
// registry. The CA is consulted lazily for mint/cache-hit counts so the
// values reflect its internal counters rather than a second tally.
func NewMetrics(authority *ca.CA) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.connectionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "interceptproxy_connections_accepted_total",
		Help: "TCP connections accepted by the listener.",
	})
	m.connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "interceptproxy_connections_active",
		Help: "Connections currently being served.",
	})
	m.pendingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "interceptproxy_intercept_pending",
		Help: "Requests currently held for review.",
	})
	m.pendingTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "interceptproxy_intercept_pending_total",
		Help: "Requests ever published for review.",
	})
	m.verdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "interceptproxy_verdicts_total",
		Help: "Final dispositions of handled requests.",
	}, []string{"verdict"})

	m.certMints = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "interceptproxy_cert_mints_total",
		Help: "Leaf certificates minted by the CA.",
	}, func() float64 {
		mints, _ := authority.Stats()
		return float64(mints)
	})
	m.certCacheHits = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "interceptproxy_cert_cache_hits_total",
		Help: "Leaf certificate lookups served from the mint cache.",
	}, func() float64 {
		_, hits := authority.Stats()
		return float64(hits)
	})

	m.registry.MustRegister(
		m.connectionsAccepted,
		m.connectionsActive,
		m.pendingActive,
		m.pendingTotal,
		m.verdicts,
		m.certMints,
		m.certCacheHits,
	)
	return m
}

func (m *Metrics) ConnectionOpened() { m.connectionsActive.Inc() }
func (m *Metrics) ConnectionClosed() { m.connectionsActive.Dec() }

func (m *Metrics) PendingOpened() {
	m.pendingActive.Inc()
	m.pendingTotal.Inc()
}

func (m *Metrics) PendingClosed() { m.pendingActive.Dec() }

func (m *Metrics) Verdict(kind string) {
	m.verdicts.WithLabelValues(kind).Inc()
}

func (m *Metrics) accepted() { m.connectionsAccepted.Inc() }

// Handler returns an http.Handler serving this metric set in the Prometheus
// exposition format, for mounting at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
