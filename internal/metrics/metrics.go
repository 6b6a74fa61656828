// Package metrics exposes permit pipeline and HTTP counters in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "permit_signer"

// Metrics owns a private registry and the service's collectors.
type Metrics struct {
	registry *prometheus.Registry

	permitsBuilt  *prometheus.CounterVec
	keyAbsent     prometheus.Counter
	requests      *prometheus.CounterVec
	buildDuration *prometheus.HistogramVec
}

// New creates and registers all collectors, plus Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		permitsBuilt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permits_built_total",
			Help:      "Permit bundles built, by network.",
		}, []string{"network_id"}),
		keyAbsent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_recovery_absent_total",
			Help:      "Sealed signing keys that could not be recovered.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Permit API responses, by error code or ok.",
		}, []string{"code"}),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Time to build a permit bundle, including RPC lookups.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		m.permitsBuilt,
		m.keyAbsent,
		m.requests,
		m.buildDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// PermitBuilt counts a successful bundle
func (m *Metrics) PermitBuilt(networkID int64) {
	m.permitsBuilt.WithLabelValues(strconv.FormatInt(networkID, 10)).Inc()
}

// KeyAbsent counts an unrecoverable sealed key
func (m *Metrics) KeyAbsent() {
	m.keyAbsent.Inc()
}

// ObserveBuild records how long a build took; outcome is "ok" or an error code.
func (m *Metrics) ObserveBuild(outcome string, d time.Duration) {
	m.buildDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Request counts an API response by code
func (m *Metrics) Request(code string) {
	m.requests.WithLabelValues(code).Inc()
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
